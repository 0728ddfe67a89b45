// Package control runs the single loop that owns the hardware. Requests
// from other goroutines are queued as commands and executed between
// scheduler steps, so bus and relay access never overlap.
package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/errcode"
	"github.com/ericogr/circuit-meter/pkg/experiment"
	"github.com/ericogr/circuit-meter/pkg/nvstore"
	"github.com/ericogr/circuit-meter/pkg/output"
	"github.com/ericogr/circuit-meter/pkg/sensor"
	"github.com/ericogr/circuit-meter/pkg/switchbank"
)

// Sink is an output with its own publish interval. Zero publishes every
// sample.
type Sink struct {
	Out      output.Output
	Interval time.Duration
	last     time.Time
}

type command struct {
	fn   func() error
	done chan error
}

// ErrStopped is returned by Do after Run has exited.
var ErrStopped = errors.New("control: loop stopped")

// Loop serializes scheduler steps, sensor sampling and switch commands.
type Loop struct {
	sched    *experiment.Scheduler
	bank     *switchbank.Bank
	sensor   sensor.Sensor
	sinks    []*Sink
	interval time.Duration
	retry    time.Duration
	cmds     chan command
	stopped  chan struct{}

	// records of the current run already handed to the sinks
	published int
}

// New returns a loop sampling s every interval. s may be nil.
func New(sched *experiment.Scheduler, bank *switchbank.Bank, s sensor.Sensor, sinks []*Sink, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	return &Loop{
		sched:    sched,
		bank:     bank,
		sensor:   s,
		sinks:    sinks,
		interval: interval,
		retry:    time.Second,
		cmds:     make(chan command),
		stopped:  make(chan struct{}),
	}
}

// Resume continues a run left in storage. It must be called before Run.
func (l *Loop) Resume() (int, error) {
	n, err := l.sched.Resume()
	if err != nil || n == 0 {
		return n, err
	}
	snap := l.sched.Snapshot()
	l.published = snap.Experiments - snap.Remaining
	return n, nil
}

// Run executes commands and scheduler steps until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if l.sched.Active() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case c := <-l.cmds:
				c.done <- c.fn()
				continue
			case <-ticker.C:
				l.sample()
			default:
			}
			if err := l.sched.Tick(); err != nil {
				log.Printf("control: scheduler step: %v", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(l.retry):
				}
			}
			l.publishRecords()
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-l.cmds:
			c.done <- c.fn()
		case <-ticker.C:
			l.sample()
		}
	}
}

// Do runs fn on the loop goroutine and returns its error.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	c := command{fn: fn, done: make(chan error, 1)}
	select {
	case l.cmds <- c:
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Arm starts a run; see experiment.Scheduler.Arm.
func (l *Loop) Arm(ctx context.Context, minutes, intervalSeconds int) (int, error) {
	var n int
	err := l.Do(ctx, func() error {
		var err error
		if n, err = l.sched.Arm(minutes, intervalSeconds); err == nil {
			l.published = 0
		}
		return err
	})
	return n, err
}

func (l *Loop) Cancel(ctx context.Context) error {
	return l.Do(ctx, func() error {
		l.sched.Cancel()
		return nil
	})
}

// Snapshot and Records are safe from any goroutine.
func (l *Loop) Snapshot() experiment.Snapshot { return l.sched.Snapshot() }

func (l *Loop) Records() ([]nvstore.Record, error) { return l.sched.Records() }

// Switches returns the relay vector.
func (l *Loop) Switches(ctx context.Context) (switchbank.State, error) {
	var s switchbank.State
	err := l.Do(ctx, func() error {
		s = l.bank.State()
		return nil
	})
	return s, err
}

// SetSwitch sets one relay. The experiment channel is refused while a run
// is active.
func (l *Loop) SetSwitch(ctx context.Context, id channel.ID, on bool) error {
	return l.Do(ctx, func() error {
		if err := l.guard(id); err != nil {
			return err
		}
		return l.bank.SetOne(id, on)
	})
}

// Toggle flips one relay and returns its new state. Guarded like SetSwitch.
func (l *Loop) Toggle(ctx context.Context, id channel.ID) (bool, error) {
	var on bool
	err := l.Do(ctx, func() error {
		if err := l.guard(id); err != nil {
			return err
		}
		var err error
		on, err = l.bank.Toggle(id)
		return err
	})
	return on, err
}

// SetSwitches writes the whole vector. While a run is active the
// experiment channel must keep its current state.
func (l *Loop) SetSwitches(ctx context.Context, s switchbank.State) error {
	return l.Do(ctx, func() error {
		if l.sched.Active() {
			id := l.sched.Snapshot().Channel
			cur, err := l.bank.IsOn(id)
			if err != nil {
				return err
			}
			if int(id) < len(s) && s[id] != cur {
				return l.guard(id)
			}
		}
		return l.bank.SetState(s)
	})
}

// AllOn and AllOff are refused while a run is active.
func (l *Loop) AllOn(ctx context.Context) error {
	return l.Do(ctx, func() error {
		if err := l.guard(l.sched.Snapshot().Channel); err != nil {
			return err
		}
		return l.bank.AllOn()
	})
}

func (l *Loop) AllOff(ctx context.Context) error {
	return l.Do(ctx, func() error {
		if err := l.guard(l.sched.Snapshot().Channel); err != nil {
			return err
		}
		return l.bank.AllOff()
	})
}

func (l *Loop) guard(id channel.ID) error {
	if l.sched.Active() && id == l.sched.Snapshot().Channel {
		return errcode.New(errcode.Busy, "control", fmt.Sprintf("%s is under test", id))
	}
	return nil
}

func (l *Loop) sample() {
	if l.sensor == nil || len(l.sinks) == 0 {
		return
	}
	readings, err := l.sensor.Read()
	if err != nil {
		log.Printf("control: sensor read: %v", err)
	}
	if len(readings) == 0 {
		return
	}
	now := time.Now()
	for _, s := range l.sinks {
		if s.Interval > 0 && now.Sub(s.last) < s.Interval {
			continue
		}
		s.last = now
		if err := s.Out.Publish(readings); err != nil {
			log.Printf("control: publish readings: %v", err)
		}
	}
}

// publishRecords hands records completed since the last call to every sink.
func (l *Loop) publishRecords() {
	snap := l.sched.Snapshot()
	done := snap.Experiments - snap.Remaining
	if snap.State == experiment.Canceled || done <= l.published {
		return
	}
	recs, err := l.sched.Records()
	if err != nil {
		log.Printf("control: read records: %v", err)
		return
	}
	if done > len(recs) {
		done = len(recs)
	}
	now := time.Now()
	for i := l.published; i < done; i++ {
		r := output.Record{
			Channel:   snap.Channel,
			Seq:       i + 1,
			Of:        snap.Experiments,
			Off:       recs[i].Off,
			On:        recs[i].On,
			Timestamp: now,
		}
		for _, s := range l.sinks {
			if err := s.Out.PublishRecord(r); err != nil {
				log.Printf("control: publish record %d: %v", r.Seq, err)
			}
		}
	}
	l.published = done
}
