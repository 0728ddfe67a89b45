// Package channel addresses metering channels through two chained
// demultiplexer stages.
//
// Stage 1 has four select lines (A..D) and addresses channels 0..14 directly.
// Its last output (1111) enables stage 2, whose three select lines (E..G)
// address channels 15..20. The demultiplexer outputs are the chip-select lines
// of the metering ICs, so a single active-low enable gates the whole tree.
package channel

import (
	"errors"
	"fmt"

	"github.com/ericogr/circuit-meter/pkg/errcode"
	"periph.io/x/conn/v3/gpio"
)

// ID is a logical channel number.
type ID int

const (
	// Count is the number of addressable channels.
	Count = 21
	// Mains is the channel wired to the aggregate mains feed.
	Mains ID = Count - 1

	// LowRange is the number of channels addressed by stage 1 alone.
	LowRange = 15
	// passThrough is the stage-1 pattern that enables stage 2.
	passThrough = 0x0F
)

// Valid reports whether id is addressable.
func (id ID) Valid() bool { return id >= 0 && id < Count }

// Check returns errcode.InvalidArgument for out-of-range ids.
func (id ID) Check() error {
	if !id.Valid() {
		return errcode.New(errcode.InvalidArgument, "channel", fmt.Sprintf("id %d outside 0..%d", int(id), Count-1))
	}
	return nil
}

func (id ID) String() string {
	if id == Mains {
		return "mains"
	}
	return fmt.Sprintf("ch%d", int(id))
}

// Lines is the logical level of every select line. Stage2 is only
// meaningful while Stage1 == 0x0F.
type Lines struct {
	Stage1  uint8 // bit0=A .. bit3=D
	Stage2  uint8 // bit0=E .. bit2=G
	Enabled bool
}

// Encode returns the select-line pattern addressing id.
func Encode(id ID) (Lines, error) {
	if err := id.Check(); err != nil {
		return Lines{}, err
	}
	if id < LowRange {
		return Lines{Stage1: uint8(id), Enabled: true}, nil
	}
	return Lines{Stage1: passThrough, Stage2: uint8(id - LowRange), Enabled: true}, nil
}

// Decode returns the channel addressed by l, if any.
func Decode(l Lines) (ID, bool) {
	if !l.Enabled {
		return 0, false
	}
	if l.Stage1&0x0F != passThrough {
		return ID(l.Stage1 & 0x0F), true
	}
	id := ID(LowRange + int(l.Stage2&0x07))
	if !id.Valid() {
		return 0, false
	}
	return id, true
}

// Pins are the GPIO lines of the addressing tree.
type Pins struct {
	Stage1 [4]gpio.PinOut // A, B, C, D
	Stage2 [3]gpio.PinOut // E, F, G
	// NotEnabled is the active-low enable of the tree.
	NotEnabled gpio.PinOut
}

var ErrMissingPin = errors.New("channel: missing select pin")

// Mux drives the select lines. It is not safe for concurrent use; the
// control loop owns it.
type Mux struct {
	pins  Pins
	lines Lines
}

// NewMux validates pins and leaves the tree disabled.
func NewMux(p Pins) (*Mux, error) {
	for i, pin := range p.Stage1 {
		if pin == nil {
			return nil, fmt.Errorf("%w: stage1[%d]", ErrMissingPin, i)
		}
	}
	for i, pin := range p.Stage2 {
		if pin == nil {
			return nil, fmt.Errorf("%w: stage2[%d]", ErrMissingPin, i)
		}
	}
	if p.NotEnabled == nil {
		return nil, fmt.Errorf("%w: enable", ErrMissingPin)
	}
	m := &Mux{pins: p}
	if err := m.Disable(); err != nil {
		return nil, err
	}
	return m, nil
}

// Select drives the lines for id and enables the tree. An out-of-range id
// disables the tree and returns errcode.InvalidArgument.
//
// Callers doing a bus transaction must Disable first so the changing address
// never glitches a chip select.
func (m *Mux) Select(id ID) error {
	l, err := Encode(id)
	if err != nil {
		if derr := m.Disable(); derr != nil {
			return errors.Join(err, derr)
		}
		return err
	}
	for i, pin := range m.pins.Stage1 {
		if err := pin.Out(level(l.Stage1&(1<<i) != 0)); err != nil {
			return m.fault("stage1", err)
		}
	}
	// Stage 2 is don't-care below the pass-through pattern; it is driven
	// anyway so the pattern is deterministic.
	for i, pin := range m.pins.Stage2 {
		if err := pin.Out(level(l.Stage2&(1<<i) != 0)); err != nil {
			return m.fault("stage2", err)
		}
	}
	if err := m.pins.NotEnabled.Out(gpio.Low); err != nil {
		return m.fault("enable", err)
	}
	m.lines = l
	return nil
}

// Disable deselects every device on the tree.
func (m *Mux) Disable() error {
	m.lines.Enabled = false
	if err := m.pins.NotEnabled.Out(gpio.High); err != nil {
		return errcode.Wrap(errcode.BusFault, "channel: disable", err)
	}
	return nil
}

// Lines returns the last driven pattern.
func (m *Mux) Lines() Lines { return m.lines }

// Selected returns the currently enabled channel.
func (m *Mux) Selected() (ID, bool) { return Decode(m.lines) }

func (m *Mux) fault(what string, err error) error {
	_ = m.Disable()
	return errcode.Wrap(errcode.BusFault, "channel: "+what, err)
}

func level(b bool) gpio.Level {
	if b {
		return gpio.High
	}
	return gpio.Low
}
