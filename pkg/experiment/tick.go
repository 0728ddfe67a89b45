package experiment

import (
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ericogr/circuit-meter/pkg/ade"
	"github.com/ericogr/circuit-meter/pkg/errcode"
	"github.com/ericogr/circuit-meter/pkg/nvstore"
)

// Tick advances the run by one step: the storage reset of an armed run, one
// experiment when it is due, one duty cycle of the idle fill, or the final
// sleep up to the next experiment. The control loop calls it while Active.
func (s *Scheduler) Tick() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case Armed:
		if err := s.start(); err != nil {
			return err
		}
	case Running:
	default:
		return nil
	}

	now := s.clock.Now()
	s.mu.Lock()
	due := !now.Before(s.next)
	remaining := s.remaining
	s.mu.Unlock()

	if !due {
		s.fill(now)
		return nil
	}
	if remaining == 0 {
		return s.finish()
	}
	return s.experiment(now)
}

// start resets storage and enters Running. A failed reset leaves the run
// armed so the next Tick retries.
func (s *Scheduler) start() error {
	s.mu.Lock()
	h := nvstore.Header{
		Slots:           uint32(s.slots),
		Remaining:       uint32(s.remaining),
		IntervalSeconds: uint32(s.interval / time.Second),
		Channel:         uint16(s.cfg.Channel),
	}
	s.mu.Unlock()
	if err := s.store.Reset(h); err != nil {
		return fmt.Errorf("experiment: reset storage: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Armed {
		return nil
	}
	s.state = Running
	s.next = s.clock.Now()
	return nil
}

func (s *Scheduler) experiment(start time.Time) error {
	rec := s.measure()

	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return nil
	}
	slot := s.remaining - 1
	s.mu.Unlock()

	if err := s.store.WriteSlot(slot, rec); err != nil {
		return fmt.Errorf("experiment: write slot %d: %w", slot, err)
	}

	s.mu.Lock()
	s.remaining--
	s.next = start.Add(s.interval)
	done := s.slots - s.remaining
	h := nvstore.Header{
		Slots:           uint32(s.slots),
		Remaining:       uint32(s.remaining),
		IntervalSeconds: uint32(s.interval / time.Second),
		Switchings:      s.switchings,
		Channel:         uint16(s.cfg.Channel),
	}
	s.mu.Unlock()

	s.metrics.ObserveExperiment(int(h.Remaining))
	log.Printf("experiment: %d/%d on %s: on=%d off=%d", done, h.Slots, s.cfg.Channel, rec.On, rec.Off)
	if err := s.store.WriteHeader(h); err != nil {
		return fmt.Errorf("experiment: write header: %w", err)
	}
	return nil
}

// measure runs one on/off experiment. Each reading is judged only on the
// calls made for it; a failure degrades that reading to a sentinel.
func (s *Scheduler) measure() nvstore.Record {
	var (
		rec nvstore.Record
		t   errcode.Tracker
		tm  = s.cfg.Timing
	)

	t.Reset()
	_, err := s.meter.ReadRegister(ade.RAENERGY)
	t.Note(err)
	t.Note(s.meter.WaitForInterrupt(ade.IrqZX, tm.ZeroCrossOn))
	if s.set(true) {
		s.switched()
	}

	// The first window settles the load and is discarded.
	t.Note(s.meter.WaitForInterrupt(ade.IrqCYCEND, tm.CycleSettle))
	t.Reset()
	if t.Note(s.meter.WaitForInterrupt(ade.IrqCYCEND, tm.CycleMeasure)) != nil {
		rec.On = SentinelWaitFailed
		s.degraded("on", t.Err())
		t.Reset()
	} else if v, err := s.meter.ReadRegister(ade.LAENERGY); t.Note(err) != nil {
		rec.On = SentinelReadFailed
		s.degraded("on", err)
		t.Reset()
	} else {
		rec.On = v
	}

	t.Note(s.meter.WaitForInterrupt(ade.IrqZX, tm.ZeroCrossOff))
	if s.set(false) {
		s.switched()
	}
	t.Reset()

	t.Note(s.meter.WaitForInterrupt(ade.IrqCYCEND, tm.CycleOff))
	v, err := s.meter.ReadRegister(ade.RAENERGY)
	t.Note(err)
	if t.Failed() {
		rec.Off = SentinelReadFailed
		s.degraded("off", t.Err())
		t.Reset()
	} else {
		rec.Off = v
	}
	return rec
}

func (s *Scheduler) degraded(reading string, err error) {
	s.metrics.ObserveSentinel(reading)
	log.Printf("experiment: %s reading on %s replaced by sentinel: %v", reading, s.cfg.Channel, err)
}

// set switches the experiment channel and reports whether the relay
// accepted the command.
func (s *Scheduler) set(on bool) bool {
	if err := s.sw.SetOne(s.cfg.Channel, on); err != nil {
		log.Printf("experiment: switch %s on=%v: %v", s.cfg.Channel, on, err)
		return false
	}
	return true
}

// switched adds one switching to the run.
func (s *Scheduler) switched() {
	s.mu.Lock()
	s.switchings++
	s.mu.Unlock()
	s.metrics.ObserveSwitchOps(1)
}

// fill spends idle time before the next experiment: one full duty cycle if
// at least a period is left, otherwise the rest in one sleep. A duty cycle
// counts as a single switching.
func (s *Scheduler) fill(now time.Time) {
	s.mu.Lock()
	left := s.next.Sub(now)
	s.mu.Unlock()
	period := s.cfg.DutyPeriod
	if left < period {
		s.clock.Sleep(left)
		return
	}
	on := s.set(true)
	s.clock.Sleep(period / 2)
	off := s.set(false)
	s.clock.Sleep(period - period/2)
	if on || off {
		s.switched()
	}
}

func (s *Scheduler) finish() error {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return nil
	}
	s.state = Idle
	h := nvstore.Header{
		Slots:           uint32(s.slots),
		IntervalSeconds: uint32(s.interval / time.Second),
		Switchings:      s.switchings,
		Channel:         uint16(s.cfg.Channel),
	}
	s.mu.Unlock()
	s.metrics.SetRunning(false, 0)
	log.Printf("experiment: run complete on %s: %s experiments, %s switch operations",
		s.cfg.Channel, humanize.Comma(int64(h.Slots)), humanize.Comma(int64(h.Switchings)))
	if err := s.store.WriteHeader(h); err != nil {
		return fmt.Errorf("experiment: write header: %w", err)
	}
	return nil
}
