// Package experiment runs long switching/metering experiments on one
// channel and keeps their results in non-volatile storage.
//
// A run is armed with a duration and an interval. Every interval the
// channel is switched on and metered over one line-cycle window, switched
// off and metered again, and the pair is persisted. The rest of the
// interval is spent toggling the relay on a fixed duty cycle.
package experiment

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ericogr/circuit-meter/pkg/ade"
	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/errcode"
	"github.com/ericogr/circuit-meter/pkg/metrics"
	"github.com/ericogr/circuit-meter/pkg/nvstore"
	"github.com/ericogr/circuit-meter/pkg/timex"
)

type State int

const (
	Idle State = iota
	Armed
	Running
	Canceled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Readings stored in place of a failed measurement. Real readings are
// positive energy counts.
const (
	SentinelWaitFailed int32 = -2000
	SentinelReadFailed int32 = -1000
)

// Meter is the metering chip of the experiment channel.
type Meter interface {
	ReadRegister(reg ade.Register) (int32, error)
	WaitForInterrupt(mask uint16, timeout time.Duration) error
}

// Switch commands the relay of a channel.
type Switch interface {
	SetOne(id channel.ID, on bool) error
}

// Timing holds the interrupt wait bounds of one experiment.
type Timing struct {
	ZeroCrossOn  time.Duration `json:"zero_cross_on" yaml:"zero_cross_on" koanf:"zero_cross_on"`
	CycleSettle  time.Duration `json:"cycle_settle" yaml:"cycle_settle" koanf:"cycle_settle"`
	CycleMeasure time.Duration `json:"cycle_measure" yaml:"cycle_measure" koanf:"cycle_measure"`
	ZeroCrossOff time.Duration `json:"zero_cross_off" yaml:"zero_cross_off" koanf:"zero_cross_off"`
	CycleOff     time.Duration `json:"cycle_off" yaml:"cycle_off" koanf:"cycle_off"`
}

type Config struct {
	Channel     channel.ID    `json:"channel" yaml:"channel" koanf:"channel"`
	MinInterval time.Duration `json:"min_interval" yaml:"min_interval" koanf:"min_interval"`
	DutyPeriod  time.Duration `json:"duty_period" yaml:"duty_period" koanf:"duty_period"`
	Timing      Timing        `json:"timing" yaml:"timing" koanf:"timing"`
}

// DefaultConfig fits 50/60 Hz mains with LINECYC at 200 half cycles.
func DefaultConfig() Config {
	return Config{
		Channel:     0,
		MinInterval: 2 * time.Second,
		DutyPeriod:  6 * time.Second,
		Timing: Timing{
			ZeroCrossOn:  20 * time.Millisecond,
			CycleSettle:  1100 * time.Millisecond,
			CycleMeasure: 1100 * time.Millisecond,
			ZeroCrossOff: 10 * time.Millisecond,
			CycleOff:     1050 * time.Millisecond,
		},
	}
}

// Snapshot is the externally visible scheduler state.
type Snapshot struct {
	State           State      `json:"state"`
	Channel         channel.ID `json:"channel"`
	Experiments     int        `json:"experiments"`
	Remaining       int        `json:"remaining"`
	IntervalSeconds int        `json:"interval_seconds"`
	Switchings      uint32     `json:"switchings"`
	Next            time.Time  `json:"next,omitempty"`
}

// Scheduler is owned by the control loop; only Snapshot and Records may be
// called from other goroutines.
type Scheduler struct {
	cfg     Config
	meter   Meter
	sw      Switch
	store   nvstore.Store
	clock   timex.Clock
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      State
	slots      int
	remaining  int
	interval   time.Duration
	switchings uint32
	next       time.Time
}

// New returns an idle scheduler for cfg.Channel.
func New(cfg Config, m Meter, sw Switch, store nvstore.Store, clk timex.Clock, met *metrics.Metrics) (*Scheduler, error) {
	if err := cfg.Channel.Check(); err != nil {
		return nil, err
	}
	if cfg.DutyPeriod <= 0 {
		return nil, errcode.New(errcode.InvalidArgument, "experiment", "duty period must be positive")
	}
	if clk == nil {
		clk = timex.System{}
	}
	return &Scheduler{cfg: cfg, meter: m, sw: sw, store: store, clock: clk, metrics: met}, nil
}

// maxRunMinutes keeps the run length, in seconds, within the uint32 range
// the header stores intervals in.
const maxRunMinutes = math.MaxUint32 / 60

// Arm prepares a run of runMinutes with one experiment every
// intervalSeconds, floored to the minimum interval. It returns the number of
// experiments. Nothing is written to storage until the first Tick.
func (s *Scheduler) Arm(runMinutes, intervalSeconds int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Armed || s.state == Running {
		return 0, errcode.New(errcode.Busy, "experiment: arm", "a run is in progress")
	}
	if runMinutes < 0 || int64(runMinutes) > maxRunMinutes {
		return 0, errcode.New(errcode.InvalidArgument, "experiment: arm", fmt.Sprintf("run length %d minutes out of range", runMinutes))
	}
	run := int64(runMinutes) * 60
	secs := int64(intervalSeconds)
	if floor := int64(s.cfg.MinInterval / time.Second); secs < floor {
		secs = floor
	}
	if secs < 1 {
		secs = 1
	}
	if secs > run {
		return 0, errcode.New(errcode.InvalidArgument, "experiment: arm", fmt.Sprintf("run of %ds is shorter than one %ds interval", run, secs))
	}
	n := run / secs
	if n > int64(s.store.Capacity()) {
		return 0, errcode.New(errcode.StorageCapacity, "experiment: arm", fmt.Sprintf("%d experiments, room for %d", n, s.store.Capacity()))
	}
	interval := time.Duration(secs) * time.Second
	if interval < s.cfg.MinInterval {
		interval = s.cfg.MinInterval
	}
	s.state = Armed
	s.slots, s.remaining = int(n), int(n)
	s.interval = interval
	s.switchings = 0
	s.next = time.Time{}
	s.metrics.SetRunning(true, int(n))
	end := s.clock.Now().Add(time.Duration(n) * interval)
	log.Printf("experiment: armed %d experiments on %s every %v, done %s", n, s.cfg.Channel, interval, humanize.RelTime(end, s.clock.Now(), "ago", "from now"))
	return int(n), nil
}

// Resume continues a run found in storage after a restart. Slots written
// before the restart are kept. It returns the experiments still to run.
func (s *Scheduler) Resume() (int, error) {
	if s.Active() {
		return 0, errcode.New(errcode.Busy, "experiment: resume", "a run is in progress")
	}
	h, err := s.store.ReadHeader()
	if errors.Is(err, nvstore.ErrNoHeader) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("experiment: resume: %w", err)
	}
	if h.Remaining == 0 {
		return 0, nil
	}
	if channel.ID(h.Channel) != s.cfg.Channel {
		return 0, errcode.New(errcode.InvalidArgument, "experiment: resume", fmt.Sprintf("stored run is on %s, configured channel is %s", channel.ID(h.Channel), s.cfg.Channel))
	}
	left, err := s.unrecorded(h)
	if err != nil {
		return 0, fmt.Errorf("experiment: resume: %w", err)
	}
	if left == 0 {
		h.Remaining = 0
		if err := s.store.WriteHeader(h); err != nil {
			return 0, fmt.Errorf("experiment: resume: %w", err)
		}
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Running
	s.slots = int(h.Slots)
	s.remaining = left
	s.interval = time.Duration(h.IntervalSeconds) * time.Second
	s.switchings = h.Switchings
	// The time of the last experiment is not stored; give it a full interval.
	s.next = s.clock.Now().Add(s.interval)
	s.metrics.SetRunning(true, s.remaining)
	log.Printf("experiment: resumed run on %s, %d of %d experiments left", s.cfg.Channel, s.remaining, s.slots)
	return s.remaining, nil
}

// unrecorded returns the experiments of the stored run still to do. Slots
// are filled from the top down and each slot is written before the header,
// so completed slots below the stored count mean the header write was lost.
func (s *Scheduler) unrecorded(h nvstore.Header) (int, error) {
	left := int(h.Remaining)
	if left > int(h.Slots) {
		left = int(h.Slots)
	}
	for left > 0 {
		rec, err := s.store.ReadSlot(left - 1)
		if err != nil {
			return 0, err
		}
		if rec.Placeholder() {
			break
		}
		left--
	}
	return left, nil
}

// Cancel stops the run. Storage is left as it is, so completed records stay
// readable.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Armed && s.state != Running {
		return
	}
	log.Printf("experiment: canceled with %d experiments left", s.remaining)
	s.state = Canceled
	s.remaining = 0
	s.metrics.SetRunning(false, 0)
}

// Active reports whether Tick has work to do.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Armed || s.state == Running
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:           s.state,
		Channel:         s.cfg.Channel,
		Experiments:     s.slots,
		Remaining:       s.remaining,
		IntervalSeconds: int(s.interval / time.Second),
		Switchings:      s.switchings,
		Next:            s.next,
	}
}

// Records returns the completed experiments of the last run, first
// experiment first. An armed run has no records yet, even though storage
// still holds the previous run until the first Tick.
func (s *Scheduler) Records() ([]nvstore.Record, error) {
	s.mu.Lock()
	armed := s.state == Armed
	s.mu.Unlock()
	if armed {
		return []nvstore.Record{}, nil
	}
	return nvstore.Completed(s.store)
}
