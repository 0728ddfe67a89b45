package ade

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ericogr/circuit-meter/pkg/errcode"
)

// SetModeBit sets or clears one MODE bit, keeping the others.
func (m *Meter) SetModeBit(bit uint, on bool) error {
	return m.setBit(MODE, bit, on)
}

// SetIRQEnableBit sets or clears one IRQEN bit, keeping the others.
func (m *Meter) SetIRQEnableBit(bit uint, on bool) error {
	return m.setBit(IRQEN, bit, on)
}

// irqBit returns the IRQEN bit of a single-interrupt mask.
func irqBit(mask uint16) uint { return uint(bits.TrailingZeros16(mask)) }

func (m *Meter) setBit(reg Register, bit uint, on bool) error {
	if bit >= uint(reg.Bits) {
		return errcode.New(errcode.InvalidArgument, "ade: set bit", fmt.Sprintf("%s has no bit %d", reg.Name, bit))
	}
	v, err := m.ReadRaw(reg)
	if err != nil {
		return err
	}
	if on {
		v |= 1 << bit
	} else {
		v &^= 1 << bit
	}
	return m.WriteRaw(reg, v)
}

// CHXOS returns the offset and integrator flag of CH1OS or CH2OS.
func (m *Meter) CHXOS(reg Register) (offset int, integrator bool, err error) {
	if reg.Decode != SignMagnitude {
		return 0, false, errcode.New(errcode.InvalidArgument, "ade: chxos", reg.Name+" is not an offset register")
	}
	raw, err := m.ReadRaw(reg)
	if err != nil {
		return 0, false, err
	}
	return int(Decode(reg, raw)), raw&chosIntegrator != 0, nil
}

// SetCHXOS writes CH1OS or CH2OS. The integrator only exists on CH1OS.
func (m *Meter) SetCHXOS(reg Register, offset int, integrator bool) error {
	if reg.Decode != SignMagnitude {
		return errcode.New(errcode.InvalidArgument, "ade: chxos", reg.Name+" is not an offset register")
	}
	raw, err := Encode(reg, int32(offset))
	if err != nil {
		return err
	}
	if integrator {
		if reg.Addr != CH1OS.Addr {
			return errcode.New(errcode.InvalidArgument, "ade: chxos", "integrator is a CH1OS bit")
		}
		raw |= chosIntegrator
	}
	return m.WriteRaw(reg, raw)
}

// Calibration is the per-chip configuration written at start-up and after
// a restore.
type Calibration struct {
	Gain       uint8  `json:"gain" yaml:"gain" koanf:"gain"`
	Integrator bool   `json:"integrator" yaml:"integrator" koanf:"integrator"`
	CH1Offset  int    `json:"ch1_offset" yaml:"ch1_offset" koanf:"ch1_offset"`
	IRMSOffset int32  `json:"irms_offset" yaml:"irms_offset" koanf:"irms_offset"`
	VRMSOffset int32  `json:"vrms_offset" yaml:"vrms_offset" koanf:"vrms_offset"`
	LineCycles uint16 `json:"line_cycles" yaml:"line_cycles" koanf:"line_cycles"`
}

// DefaultCalibration matches the boards as shipped: 200 half line cycles per
// accumulation window.
func DefaultCalibration() Calibration {
	return Calibration{
		IRMSOffset: 0x01BC,
		LineCycles: 0xC8,
	}
}

// Program writes c, enables line-cycle accumulation and unmasks the zero
// crossing and cycle end interrupts the experiments wait on. Every step is
// attempted; the worst failure is returned.
func (m *Meter) Program(c Calibration) error {
	var t errcode.Tracker
	t.Note(m.SetCHXOS(CH1OS, c.CH1Offset, c.Integrator))
	t.Note(m.WriteRaw(GAIN, uint32(c.Gain)))
	t.Note(m.WriteRegister(IRMSOS, c.IRMSOffset))
	t.Note(m.WriteRegister(VRMSOS, c.VRMSOffset))
	t.Note(m.WriteRaw(LINECYC, uint32(c.LineCycles)))
	t.Note(m.SetModeBit(ModeCYCMODE, true))
	t.Note(m.SetIRQEnableBit(irqBit(IrqZX), true))
	t.Note(m.SetIRQEnableBit(irqBit(IrqCYCEND), true))
	t.Note(m.ClearInterrupts())
	return t.Err()
}

var ErrNoChip = errors.New("ade: no chip answered")

// Probe reads the die revision. A floating or shorted MISO line reads as
// all zeros or all ones and is reported as a bus fault.
func (m *Meter) Probe() (uint8, error) {
	v, err := m.ReadRaw(DIEREV)
	if err != nil {
		return 0, err
	}
	if v == 0 || v == mask(DIEREV) {
		return 0, errcode.Wrap(errcode.BusFault, "ade: probe "+m.id.String(), ErrNoChip)
	}
	return uint8(v), nil
}

// RetryPolicy bounds Restore.
type RetryPolicy struct {
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval" koanf:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval" koanf:"max_interval"`
	MaxElapsed      time.Duration `json:"max_elapsed" yaml:"max_elapsed" koanf:"max_elapsed"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		MaxElapsed:      3 * time.Second,
	}
}

// Restore re-establishes communication with the chip after a reset or a
// glitch on the select lines: deselect, probe, reprogram, retried with
// exponential backoff. Argument errors are never retried.
func (m *Meter) Restore(c Calibration, p RetryPolicy) (uint8, error) {
	var rev uint8
	op := func() error {
		if err := m.bus.sel.Disable(); err != nil {
			return err
		}
		v, err := m.Probe()
		if err == nil {
			err = m.Program(c)
		}
		if err != nil {
			if !errcode.Recoverable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		rev = v
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      p.MaxElapsed,
		Clock:               backoff.SystemClock})
	if err != nil {
		return 0, fmt.Errorf("ade: restore %s: %w", m.id, err)
	}
	return rev, nil
}
