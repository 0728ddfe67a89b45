package ade

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/errcode"
	"github.com/ericogr/circuit-meter/pkg/metrics"
	"github.com/ericogr/circuit-meter/pkg/timex"
	"periph.io/x/conn/v3"
)

// Selector routes the shared chip-select to one channel.
// *channel.Mux implements it.
type Selector interface {
	Select(id channel.ID) error
	Disable() error
}

// Options tune the bus.
type Options struct {
	// Clock drives interrupt wait deadlines. Defaults to the system clock.
	Clock timex.Clock
	// PollInterval is the gap between RSTSTATUS reads while waiting.
	PollInterval time.Duration
	// VerifyChecksum reads CHKSUM after every read and compares it with the
	// number of ones received.
	VerifyChecksum bool
	Metrics        *metrics.Metrics
}

const DefaultPollInterval = time.Millisecond

// Bus is the SPI connection shared by every metering chip.
// It is not safe for concurrent use.
type Bus struct {
	conn conn.Conn
	sel  Selector
	opts Options
	w    [4]byte
	r    [4]byte
}

// NewBus returns a Bus talking over c and selecting chips through sel.
func NewBus(c conn.Conn, sel Selector, opts Options) *Bus {
	if opts.Clock == nil {
		opts.Clock = timex.System{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Bus{conn: c, sel: sel, opts: opts}
}

func (b *Bus) String() string { return "ade7753@" + b.conn.String() }

// Halt leaves every chip deselected.
func (b *Bus) Halt() error { return b.sel.Disable() }

// Clock returns the clock used for waits.
func (b *Bus) Clock() timex.Clock { return b.opts.Clock }

// Meter returns the chip on channel id.
func (b *Bus) Meter(id channel.ID) (*Meter, error) {
	if err := id.Check(); err != nil {
		return nil, err
	}
	return &Meter{bus: b, id: id}, nil
}

// tx runs one bracketed transaction: deselect, select id, transfer,
// deselect. The final deselect runs on every path.
func (b *Bus) tx(id channel.ID, n int) (err error) {
	if err := b.sel.Disable(); err != nil {
		return err
	}
	if err := b.sel.Select(id); err != nil {
		return err
	}
	defer func() {
		if derr := b.sel.Disable(); derr != nil && err == nil {
			err = derr
		}
	}()
	if err := b.conn.Tx(b.w[:n], b.r[:n]); err != nil {
		return errcode.Wrap(errcode.BusFault, "ade: tx", err)
	}
	return nil
}

// Meter is one metering chip.
type Meter struct {
	bus *Bus
	id  channel.ID
}

func (m *Meter) Channel() channel.ID { return m.id }

func (m *Meter) String() string { return fmt.Sprintf("ade7753/%s", m.id) }

// ReadRaw returns the register bits, MSB first on the wire, masked to the
// register width.
func (m *Meter) ReadRaw(reg Register) (uint32, error) {
	raw, err := m.readRaw(reg)
	if err == nil && m.bus.opts.VerifyChecksum && reg.Addr != CHKSUM.Addr {
		err = m.verify(raw)
	}
	m.bus.opts.Metrics.ObserveBus("read", err)
	return raw, err
}

func (m *Meter) readRaw(reg Register) (uint32, error) {
	if !reg.Readable() {
		return 0, errcode.New(errcode.InvalidArgument, "ade: read", reg.Name+" is not readable")
	}
	n := reg.Bytes()
	b := m.bus
	b.w[0] = reg.Addr & addrMask
	for i := 1; i <= n; i++ {
		b.w[i] = 0
	}
	if err := b.tx(m.id, n+1); err != nil {
		return 0, fmt.Errorf("ade: read %s on %s: %w", reg.Name, m.id, err)
	}
	var raw uint32
	for _, v := range b.r[1 : n+1] {
		raw = raw<<8 | uint32(v)
	}
	return raw & mask(reg), nil
}

func (m *Meter) verify(raw uint32) error {
	sum, err := m.readRaw(CHKSUM)
	if err != nil {
		return err
	}
	if want := uint32(bits.OnesCount32(raw)); sum != want {
		return errcode.New(errcode.BusFault, "ade: checksum", fmt.Sprintf("%s: got %d, want %d", m.id, sum, want))
	}
	return nil
}

// ReadRegister returns the decoded value of reg.
func (m *Meter) ReadRegister(reg Register) (int32, error) {
	raw, err := m.ReadRaw(reg)
	if err != nil {
		return 0, err
	}
	return Decode(reg, raw), nil
}

// WriteRaw writes the register bits unchanged.
func (m *Meter) WriteRaw(reg Register, raw uint32) error {
	err := m.writeRaw(reg, raw)
	m.bus.opts.Metrics.ObserveBus("write", err)
	return err
}

func (m *Meter) writeRaw(reg Register, raw uint32) error {
	if !reg.Writable() {
		return errcode.New(errcode.ReadOnly, "ade: write", reg.Name+" is read-only")
	}
	if raw&^mask(reg) != 0 {
		return errcode.New(errcode.InvalidArgument, "ade: write", fmt.Sprintf("%#x does not fit %s", raw, reg.Name))
	}
	n := reg.Bytes()
	b := m.bus
	b.w[0] = reg.Addr&addrMask | cmdWrite
	for i := n; i >= 1; i-- {
		b.w[i] = byte(raw)
		raw >>= 8
	}
	if err := b.tx(m.id, n+1); err != nil {
		return fmt.Errorf("ade: write %s on %s: %w", reg.Name, m.id, err)
	}
	return nil
}

// WriteRegister encodes v with the register's decoding rule and writes it.
func (m *Meter) WriteRegister(reg Register, v int32) error {
	raw, err := Encode(reg, v)
	if err != nil {
		m.bus.opts.Metrics.ObserveBus("write", err)
		return err
	}
	return m.WriteRaw(reg, raw)
}

func mask(reg Register) uint32 {
	return uint32(1)<<reg.Bits - 1
}

// Decode converts raw register bits to a value.
func Decode(reg Register, raw uint32) int32 {
	raw &= mask(reg)
	switch reg.Decode {
	case Signed:
		shift := 32 - uint(reg.Bits)
		return int32(raw<<shift) >> shift
	case SignMagnitude:
		v := int32(raw & chosMagnitude)
		if raw&chosSign != 0 {
			return -v
		}
		return v
	default:
		return int32(raw)
	}
}

// Encode converts v to register bits. Values that do not fit are rejected.
// For sign-magnitude registers only the offset bits are produced.
func Encode(reg Register, v int32) (uint32, error) {
	var lo, hi int64
	switch reg.Decode {
	case Signed:
		lo, hi = -(1 << (reg.Bits - 1)), 1<<(reg.Bits-1)-1
	case SignMagnitude:
		lo, hi = -chosMagnitude, chosMagnitude
	default:
		lo, hi = 0, 1<<reg.Bits-1
	}
	if int64(v) < lo || int64(v) > hi {
		return 0, errcode.New(errcode.InvalidArgument, "ade: encode", fmt.Sprintf("%d outside %d..%d for %s", v, lo, hi, reg.Name))
	}
	if reg.Decode == SignMagnitude {
		if v < 0 {
			return uint32(-v) | chosSign, nil
		}
		return uint32(v), nil
	}
	return uint32(v) & mask(reg), nil
}
