package sim

import (
	"math/bits"
	"sync"

	"github.com/ericogr/circuit-meter/pkg/ade"
)

// Defaults of a simulated chip.
const (
	DieRev          = 0x02
	DefaultOnCount  = 1200
	DefaultOffCount = 3
	DefaultIRMS     = 164 * 480  // 480 mA
	DefaultVRMS     = 4700 * 230 // 230 V
)

// Chip models one ADE7753. Energy registers report a fixed count per read,
// depending on whether the relay feeding the circuit is closed. Events in
// the auto mask are latched again after every status read, so waits for
// them succeed on the first poll.
type Chip struct {
	mu       sync.Mutex
	regs     map[uint8]uint32
	status   uint16
	auto     uint16
	on       bool
	absent   bool
	lastData uint32
	reads    map[uint8]int
	writes   map[uint8]int

	onCount, offCount int32
	irms, vrms        uint32
}

// NewChip returns a present chip with power-on register values.
func NewChip() *Chip {
	c := &Chip{
		regs:     map[uint8]uint32{},
		auto:     ade.IrqZX | ade.IrqCYCEND,
		on:       true,
		reads:    map[uint8]int{},
		writes:   map[uint8]int{},
		onCount:  DefaultOnCount,
		offCount: DefaultOffCount,
		irms:     DefaultIRMS,
		vrms:     DefaultVRMS,
	}
	c.regs[ade.MODE.Addr] = 0x000C
	c.regs[ade.LINECYC.Addr] = 0xFFFF
	c.regs[ade.WDIV.Addr] = 0
	return c
}

// SetAutoEvents sets the interrupts that fire on their own. Zero means the
// line is dead and every wait times out.
func (c *Chip) SetAutoEvents(mask uint16) {
	c.mu.Lock()
	c.auto = mask
	c.mu.Unlock()
}

// Raise latches mask once.
func (c *Chip) Raise(mask uint16) {
	c.mu.Lock()
	c.status |= mask
	c.mu.Unlock()
}

// SetAbsent makes the chip stop driving MISO.
func (c *Chip) SetAbsent(absent bool) {
	c.mu.Lock()
	c.absent = absent
	c.mu.Unlock()
}

// SetLoad sets the energy counts reported per accumulation read with the
// circuit on and off.
func (c *Chip) SetLoad(on, off int32) {
	c.mu.Lock()
	c.onCount, c.offCount = on, off
	c.mu.Unlock()
}

// On reports whether the circuit is energised.
func (c *Chip) On() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.on
}

func (c *Chip) setOn(on bool) {
	c.mu.Lock()
	c.on = on
	c.mu.Unlock()
}

// Reg returns the stored value of a writable register.
func (c *Chip) Reg(r ade.Register) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[r.Addr]
}

// Reads returns how many times r was read.
func (c *Chip) Reads(r ade.Register) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[r.Addr]
}

// Writes returns how many times r was written.
func (c *Chip) Writes(r ade.Register) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[r.Addr]
}

// transfer handles one selected SPI transaction: a command byte followed
// by the register bytes, MSB first.
func (c *Chip) transfer(w, r []byte) {
	for i := range r {
		r[i] = 0
	}
	if len(w) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := ade.ByAddr(w[0])
	if !ok {
		return
	}
	n := reg.Bytes()
	if len(w) < n+1 {
		return
	}
	mask := uint32(1)<<reg.Bits - 1
	if w[0]&0x80 != 0 {
		if c.absent || !reg.Writable() {
			return
		}
		var v uint32
		for _, b := range w[1 : n+1] {
			v = v<<8 | uint32(b)
		}
		c.regs[reg.Addr] = v & mask
		c.writes[reg.Addr]++
		return
	}
	c.reads[reg.Addr]++
	if c.absent {
		return
	}
	v := c.read(reg) & mask
	if reg.Addr != ade.CHKSUM.Addr {
		c.lastData = v
	}
	if len(r) < n+1 {
		return
	}
	for i := n; i >= 1; i-- {
		r[i] = byte(v)
		v >>= 8
	}
}

func (c *Chip) read(reg ade.Register) uint32 {
	switch reg.Addr {
	case ade.STATUS.Addr:
		return uint32(c.status | c.auto)
	case ade.RSTSTATUS.Addr:
		v := c.status | c.auto
		c.status = 0
		return uint32(v)
	case ade.AENERGY.Addr, ade.RAENERGY.Addr, ade.LAENERGY.Addr:
		if c.on {
			return uint32(c.onCount)
		}
		return uint32(c.offCount)
	case ade.IRMS.Addr:
		if c.on {
			return c.irms
		}
		return 0
	case ade.VRMS.Addr:
		return c.vrms
	case ade.DIEREV.Addr:
		return DieRev
	case ade.CHKSUM.Addr:
		return uint32(bits.OnesCount32(c.lastData))
	default:
		return c.regs[reg.Addr]
	}
}
