// Package sim is a software model of the metering board: demux select
// lines, the relay shift register chain and one ADE7753 per channel on a
// shared SPI bus. It backs tests and the simulation sensor type.
package sim

import (
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// Pin is a gpiotest.Pin that reports level changes.
type Pin struct {
	*gpiotest.Pin

	hmu   sync.Mutex
	hooks []func(gpio.Level)
	fail  error
}

// NewPin returns a pin named name at level l.
func NewPin(name string, l gpio.Level) *Pin {
	return &Pin{Pin: &gpiotest.Pin{N: name, Num: -1, L: l}}
}

// OnChange registers fn to run after every level transition.
func (p *Pin) OnChange(fn func(gpio.Level)) {
	p.hmu.Lock()
	p.hooks = append(p.hooks, fn)
	p.hmu.Unlock()
}

// Fail makes every following Out return err. A nil err heals the pin.
func (p *Pin) Fail(err error) {
	p.hmu.Lock()
	p.fail = err
	p.hmu.Unlock()
}

// Out implements gpio.PinOut.
func (p *Pin) Out(l gpio.Level) error {
	p.hmu.Lock()
	fail := p.fail
	hooks := append([]func(gpio.Level){}, p.hooks...)
	p.hmu.Unlock()
	if fail != nil {
		return fail
	}
	prev := p.Read()
	if err := p.Pin.Out(l); err != nil {
		return err
	}
	if prev != l {
		for _, h := range hooks {
			h(l)
		}
	}
	return nil
}

var _ gpio.PinIO = &Pin{}
