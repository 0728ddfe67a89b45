package ade

import (
	"fmt"
	"time"

	"github.com/ericogr/circuit-meter/pkg/errcode"
)

// WaitForInterrupt polls RSTSTATUS until any bit of mask is latched or
// timeout has elapsed on the bus clock. Each poll clears the latched status.
//
// It returns nil on success and errcode.Timeout otherwise. A timeout is only
// reported once the deadline has passed, and the final poll happens at the
// deadline, so the call takes at least timeout and at most timeout plus one
// poll interval (plus the transfer time of that poll).
func (m *Meter) WaitForInterrupt(mask uint16, timeout time.Duration) error {
	err := m.wait(mask, timeout)
	m.bus.opts.Metrics.ObserveBus("wait", err)
	return err
}

func (m *Meter) wait(mask uint16, timeout time.Duration) error {
	if mask == 0 {
		return errcode.New(errcode.InvalidArgument, "ade: wait", "empty interrupt mask")
	}
	clk := m.bus.opts.Clock
	poll := m.bus.opts.PollInterval
	deadline := clk.Now().Add(timeout)
	for {
		status, err := m.readRaw(RSTSTATUS)
		if err != nil {
			return err
		}
		if uint16(status)&mask != 0 {
			return nil
		}
		now := clk.Now()
		if !now.Before(deadline) {
			return errcode.New(errcode.Timeout, "ade: wait", fmt.Sprintf("%s: irq %#04x not seen within %v", m.id, mask, timeout))
		}
		d := poll
		if left := deadline.Sub(now); left < d {
			d = left
		}
		clk.Sleep(d)
	}
}

// ClearInterrupts drops every latched interrupt.
func (m *Meter) ClearInterrupts() error {
	_, err := m.ReadRaw(RSTSTATUS)
	return err
}
