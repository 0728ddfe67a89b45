package switchbank

import (
	"errors"
	"fmt"

	"github.com/ericogr/circuit-meter/pkg/errcode"
	"periph.io/x/conn/v3/gpio"
)

// RegisterPins are the serial interface of a chain of 74HC595-style shift
// registers. NotOutputEnable and NotClear are optional active-low pins.
type RegisterPins struct {
	Data            gpio.PinOut
	Clock           gpio.PinOut
	Latch           gpio.PinOut
	NotOutputEnable gpio.PinOut
	NotClear        gpio.PinOut
}

// ShiftRegister bit-bangs a register chain. Bits are shifted last-first so
// bits[0] ends up on the first output of the chain.
type ShiftRegister struct {
	pins  RegisterPins
	width int
}

// NewShiftRegister returns a register of width outputs.
func NewShiftRegister(p RegisterPins, width int) (*ShiftRegister, error) {
	if p.Data == nil || p.Clock == nil || p.Latch == nil {
		return nil, errors.New("switchbank: data, clock and latch pins are required")
	}
	if width <= 0 {
		return nil, fmt.Errorf("switchbank: invalid width %d", width)
	}
	sr := &ShiftRegister{pins: p, width: width}
	if err := sr.out(p.Clock, gpio.Low); err != nil {
		return nil, err
	}
	if err := sr.out(p.Latch, gpio.Low); err != nil {
		return nil, err
	}
	if p.NotClear != nil {
		if err := sr.out(p.NotClear, gpio.High); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

// Width returns the number of outputs.
func (sr *ShiftRegister) Width() int { return sr.width }

// SetEnabled drives the output-enable line, if wired.
func (sr *ShiftRegister) SetEnabled(on bool) error {
	if sr.pins.NotOutputEnable == nil {
		return nil
	}
	return sr.out(sr.pins.NotOutputEnable, level(!on))
}

// Shift clocks bits into the chain. Outputs do not change until Latch.
func (sr *ShiftRegister) Shift(bits []bool) error {
	if len(bits) != sr.width {
		return errcode.New(errcode.InvalidArgument, "switchbank: shift", fmt.Sprintf("got %d bits, want %d", len(bits), sr.width))
	}
	for i := len(bits) - 1; i >= 0; i-- {
		if err := sr.out(sr.pins.Data, level(bits[i])); err != nil {
			return err
		}
		if err := sr.out(sr.pins.Clock, gpio.High); err != nil {
			return err
		}
		if err := sr.out(sr.pins.Clock, gpio.Low); err != nil {
			return err
		}
	}
	return nil
}

// Latch commits the shifted pattern to every output at once.
func (sr *ShiftRegister) Latch() error {
	if err := sr.out(sr.pins.Latch, gpio.High); err != nil {
		return err
	}
	return sr.out(sr.pins.Latch, gpio.Low)
}

// Clear zeroes the shift stage. Without a clear pin it shifts zeros.
func (sr *ShiftRegister) Clear() error {
	if sr.pins.NotClear == nil {
		return sr.Shift(make([]bool, sr.width))
	}
	if err := sr.out(sr.pins.NotClear, gpio.Low); err != nil {
		return err
	}
	return sr.out(sr.pins.NotClear, gpio.High)
}

func (sr *ShiftRegister) out(p gpio.PinOut, l gpio.Level) error {
	if err := p.Out(l); err != nil {
		return errcode.Wrap(errcode.BusFault, "switchbank: "+p.String(), err)
	}
	return nil
}

func level(b bool) gpio.Level {
	if b {
		return gpio.High
	}
	return gpio.Low
}
