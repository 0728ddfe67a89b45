package sim

import (
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// ShiftChain models a cascade of 74HC595 registers. Data is sampled on the
// rising clock edge into output 0 while earlier bits move towards the end of
// the chain; a rising latch edge copies the shift stage to the outputs.
type ShiftChain struct {
	Data, Clock, Latch, NotOutputEnable, NotClear *Pin

	mu      sync.Mutex
	stage   []bool
	out     []bool
	latches int
	onLatch []func([]bool)
}

// NewShiftChain returns a chain of width outputs, all low.
func NewShiftChain(width int) *ShiftChain {
	c := &ShiftChain{
		Data:            NewPin("SER", gpio.Low),
		Clock:           NewPin("SRCLK", gpio.Low),
		Latch:           NewPin("RCLK", gpio.Low),
		NotOutputEnable: NewPin("NOE", gpio.High),
		NotClear:        NewPin("NSRCLR", gpio.High),
		stage:           make([]bool, width),
		out:             make([]bool, width),
	}
	c.Clock.OnChange(func(l gpio.Level) {
		if l == gpio.High {
			c.clock(c.Data.Read() == gpio.High)
		}
	})
	c.Latch.OnChange(func(l gpio.Level) {
		if l == gpio.High {
			c.latch()
		}
	})
	c.NotClear.OnChange(func(l gpio.Level) {
		if l == gpio.Low {
			c.clear()
		}
	})
	return c
}

func (c *ShiftChain) clock(bit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.stage[1:], c.stage[:len(c.stage)-1])
	c.stage[0] = bit
}

func (c *ShiftChain) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.stage {
		c.stage[i] = false
	}
}

func (c *ShiftChain) latch() {
	c.mu.Lock()
	copy(c.out, c.stage)
	c.latches++
	out := append([]bool(nil), c.out...)
	hooks := append([]func([]bool){}, c.onLatch...)
	c.mu.Unlock()
	for _, h := range hooks {
		h(out)
	}
}

// OnLatch registers fn to receive the outputs after every latch.
func (c *ShiftChain) OnLatch(fn func([]bool)) {
	c.mu.Lock()
	c.onLatch = append(c.onLatch, fn)
	c.mu.Unlock()
}

// Outputs returns the latched register outputs.
func (c *ShiftChain) Outputs() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.out...)
}

// Latches returns how many latch pulses were seen.
func (c *ShiftChain) Latches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latches
}

// OutputsEnabled reports the level of the active-low output enable.
func (c *ShiftChain) OutputsEnabled() bool {
	return c.NotOutputEnable.Read() == gpio.Low
}
