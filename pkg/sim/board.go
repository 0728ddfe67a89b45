package sim

import (
	"errors"
	"sync"

	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/switchbank"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Board wires the select lines, the relay chain and one chip per channel.
// Register output i drives the relay of switch i; relays are normally
// closed, so a low output means the circuit is on.
type Board struct {
	Stage1     [4]*Pin
	Stage2     [3]*Pin
	NotEnabled *Pin
	Chain      *ShiftChain
	SPI        *SPI
	Chips      []*Chip
}

// NewBoard returns a board with channel.Count chips and width relays.
func NewBoard(width int) *Board {
	b := &Board{
		NotEnabled: NewPin("NENABLE", gpio.High),
		Chain:      NewShiftChain(width),
		Chips:      make([]*Chip, channel.Count),
	}
	for i, n := range []string{"A", "B", "C", "D"} {
		b.Stage1[i] = NewPin(n, gpio.Low)
	}
	for i, n := range []string{"E", "F", "G"} {
		b.Stage2[i] = NewPin(n, gpio.Low)
	}
	for i := range b.Chips {
		b.Chips[i] = NewChip()
	}
	b.SPI = &SPI{board: b}
	b.Chain.OnLatch(func(out []bool) {
		for i, bit := range out {
			if i < len(b.Chips) {
				b.Chips[i].setOn(!bit)
			}
		}
	})
	return b
}

// MuxPins returns the select lines for channel.NewMux.
func (b *Board) MuxPins() channel.Pins {
	var p channel.Pins
	for i, pin := range b.Stage1 {
		p.Stage1[i] = pin
	}
	for i, pin := range b.Stage2 {
		p.Stage2[i] = pin
	}
	p.NotEnabled = b.NotEnabled
	return p
}

// RegisterPins returns the relay chain pins for switchbank.NewShiftRegister.
func (b *Board) RegisterPins() switchbank.RegisterPins {
	return switchbank.RegisterPins{
		Data:            b.Chain.Data,
		Clock:           b.Chain.Clock,
		Latch:           b.Chain.Latch,
		NotOutputEnable: b.Chain.NotOutputEnable,
		NotClear:        b.Chain.NotClear,
	}
}

// Lines returns the levels currently on the select lines.
func (b *Board) Lines() channel.Lines {
	var l channel.Lines
	for i, p := range b.Stage1 {
		if p.Read() == gpio.High {
			l.Stage1 |= 1 << i
		}
	}
	for i, p := range b.Stage2 {
		if p.Read() == gpio.High {
			l.Stage2 |= 1 << i
		}
	}
	l.Enabled = b.NotEnabled.Read() == gpio.Low
	return l
}

// Selected returns the chip whose select line is asserted.
func (b *Board) Selected() (channel.ID, bool) { return channel.Decode(b.Lines()) }

// Chip returns the chip on id.
func (b *Board) Chip(id channel.ID) *Chip { return b.Chips[id] }

// CircuitOn reports whether the relay of switch i lets current through.
func (b *Board) CircuitOn(i int) bool { return !b.Chain.Outputs()[i] }

// ErrBusDown is returned by SPI transfers after Fail.
var ErrBusDown = errors.New("sim: spi bus down")

// SPI is the shared bus. Transfers reach whichever chip is selected; with
// nothing selected MISO reads as zeros.
type SPI struct {
	board *Board

	mu    sync.Mutex
	txs   int
	stray int
	fail  error
}

func (s *SPI) String() string { return "sim-spi" }

func (s *SPI) Duplex() conn.Duplex { return conn.Full }

// Connect implements spi.Port.
func (s *SPI) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	return s, nil
}

func (s *SPI) Tx(w, r []byte) error {
	s.mu.Lock()
	fail := s.fail
	s.txs++
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	id, ok := s.board.Selected()
	if !ok {
		s.mu.Lock()
		s.stray++
		s.mu.Unlock()
		for i := range r {
			r[i] = 0
		}
		return nil
	}
	s.board.Chips[id].transfer(w, r)
	return nil
}

func (s *SPI) TxPackets(p []spi.Packet) error {
	for _, pkt := range p {
		if err := s.Tx(pkt.W, pkt.R); err != nil {
			return err
		}
	}
	return nil
}

// Fail makes transfers return err until healed with nil.
func (s *SPI) Fail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Transfers returns the number of Tx calls.
func (s *SPI) Transfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txs
}

// Stray returns the transfers that happened with nothing selected.
func (s *SPI) Stray() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stray
}

var (
	_ spi.Conn = &SPI{}
	_ spi.Port = &SPI{}
)
