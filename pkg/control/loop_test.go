package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/circuit-meter/pkg/ade"
	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/errcode"
	"github.com/ericogr/circuit-meter/pkg/experiment"
	"github.com/ericogr/circuit-meter/pkg/nvstore"
	"github.com/ericogr/circuit-meter/pkg/output"
	"github.com/ericogr/circuit-meter/pkg/sensor"
	"github.com/ericogr/circuit-meter/pkg/sim"
	"github.com/ericogr/circuit-meter/pkg/switchbank"
	"github.com/ericogr/circuit-meter/pkg/timex"
)

const testChannel channel.ID = 5

type recorder struct {
	mu       sync.Mutex
	readings [][]sensor.Reading
	records  []output.Record
}

func (r *recorder) Publish(rs []sensor.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, rs)
	return nil
}

func (r *recorder) PublishRecord(rec output.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) counts() (readings, records int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readings), len(r.records)
}

// brokenStore refuses to start a run.
type brokenStore struct{ nvstore.Store }

func (brokenStore) Reset(nvstore.Header) error { return errors.New("flash worn out") }

type rig struct {
	board *sim.Board
	bank  *switchbank.Bank
	bus   *ade.Bus
	store nvstore.Store
	rec   *recorder
}

func newRig(t *testing.T, store nvstore.Store) *rig {
	t.Helper()
	r := &rig{board: sim.NewBoard(channel.Count), store: store, rec: &recorder{}}
	mux, err := channel.NewMux(r.board.MuxPins())
	if err != nil {
		t.Fatalf("NewMux: %v", err)
	}
	r.bus = ade.NewBus(r.board.SPI, mux, ade.Options{Clock: timex.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))})
	sr, err := switchbank.NewShiftRegister(r.board.RegisterPins(), channel.Count)
	if err != nil {
		t.Fatalf("NewShiftRegister: %v", err)
	}
	if r.bank, err = switchbank.NewBank(sr, nil, nil); err != nil {
		t.Fatalf("NewBank: %v", err)
	}
	return r
}

func (r *rig) scheduler(t *testing.T) *experiment.Scheduler {
	t.Helper()
	cfg := experiment.DefaultConfig()
	cfg.Channel = testChannel
	m, err := r.bus.Meter(testChannel)
	if err != nil {
		t.Fatalf("Meter: %v", err)
	}
	s, err := experiment.New(cfg, m, r.bank, r.store, r.bus.Clock(), nil)
	if err != nil {
		t.Fatalf("experiment.New: %v", err)
	}
	return s
}

func (r *rig) loop(t *testing.T, s sensor.Sensor) *Loop {
	t.Helper()
	l := New(r.scheduler(t), r.bank, s, []*Sink{{Out: r.rec}}, time.Millisecond)
	l.retry = time.Millisecond
	return l
}

// start runs l until the test ends.
func start(t *testing.T, l *Loop) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.stopped
	})
	return cancel, errc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunPublishesRecords(t *testing.T) {
	r := newRig(t, nvstore.NewMemory(nvstore.DefaultCapacity))
	l := r.loop(t, nil)
	cancel, errc := start(t, l)

	n, err := l.Arm(context.Background(), 1, 10)
	if err != nil || n != 6 {
		t.Fatalf("Arm=%d,%v want 6", n, err)
	}
	waitFor(t, "run to finish", func() bool {
		_, recs := r.rec.counts()
		return l.Snapshot().State == experiment.Idle && recs == 6
	})
	r.rec.mu.Lock()
	for i, rec := range r.rec.records {
		if rec.Seq != i+1 || rec.Of != 6 || rec.Channel != testChannel || rec.On != sim.DefaultOnCount {
			t.Fatalf("record %d=%+v", i, rec)
		}
	}
	r.rec.mu.Unlock()

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run=%v want context.Canceled", err)
	}
	if err := l.Cancel(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Do after stop=%v want ErrStopped", err)
	}
}

func TestSamplesWhileIdle(t *testing.T) {
	r := newRig(t, nvstore.NewMemory(10))
	s, err := sensor.NewMeterSensor(r.bus, []int{0, 20}, sensor.DefaultScaling())
	if err != nil {
		t.Fatalf("NewMeterSensor: %v", err)
	}
	l := r.loop(t, s)
	start(t, l)
	waitFor(t, "readings", func() bool {
		n, _ := r.rec.counts()
		return n >= 3
	})
	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()
	if got := r.rec.readings[0]; len(got) != 2 || got[1].Channel != channel.Mains {
		t.Fatalf("readings=%+v", got)
	}
}

func TestSinkInterval(t *testing.T) {
	r := newRig(t, nvstore.NewMemory(10))
	s, _ := sensor.NewMeterSensor(r.bus, []int{1}, sensor.DefaultScaling())
	slow := &recorder{}
	l := New(r.scheduler(t), r.bank, s, []*Sink{{Out: r.rec}, {Out: slow, Interval: time.Hour}}, time.Millisecond)
	start(t, l)
	waitFor(t, "readings", func() bool {
		n, _ := r.rec.counts()
		return n >= 5
	})
	if n, _ := slow.counts(); n != 1 {
		t.Fatalf("hourly sink published %d times want 1", n)
	}
}

func TestSwitchGuardDuringRun(t *testing.T) {
	r := newRig(t, brokenStore{nvstore.NewMemory(10)})
	l := r.loop(t, nil)
	start(t, l)
	ctx := context.Background()

	if _, err := l.Arm(ctx, 1, 10); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	// The store never resets, so the run stays armed.
	if l.Snapshot().State != experiment.Armed {
		t.Fatalf("state=%s want armed", l.Snapshot().State)
	}
	if err := l.SetSwitch(ctx, 2, false); err != nil {
		t.Fatalf("SetSwitch(2): %v", err)
	}
	if err := l.SetSwitch(ctx, testChannel, false); errcode.Of(err) != errcode.Busy {
		t.Fatalf("SetSwitch(test channel) err=%v want busy", err)
	}
	if err := l.AllOff(ctx); errcode.Of(err) != errcode.Busy {
		t.Fatalf("AllOff err=%v want busy", err)
	}
	if _, err := l.Toggle(ctx, testChannel); errcode.Of(err) != errcode.Busy {
		t.Fatalf("Toggle(test channel) err=%v want busy", err)
	}
	if on, err := l.Toggle(ctx, 6); err != nil || !on {
		t.Fatalf("Toggle(6)=%v,%v want true", on, err)
	}
	state, err := l.Switches(ctx)
	if err != nil {
		t.Fatalf("Switches: %v", err)
	}
	if state[2] {
		t.Fatalf("switch 2 still on")
	}
	state[3] = false
	if err := l.SetSwitches(ctx, state); err != nil {
		t.Fatalf("SetSwitches keeping the test channel: %v", err)
	}
	state[testChannel] = !state[testChannel]
	if err := l.SetSwitches(ctx, state); errcode.Of(err) != errcode.Busy {
		t.Fatalf("SetSwitches flipping the test channel err=%v want busy", err)
	}

	if err := l.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := l.SetSwitch(ctx, testChannel, false); err != nil {
		t.Fatalf("SetSwitch after cancel: %v", err)
	}
	if r.board.CircuitOn(int(testChannel)) || r.board.CircuitOn(2) || r.board.CircuitOn(3) || !r.board.CircuitOn(6) {
		t.Fatalf("relays do not match commands")
	}
}

func TestResumeSkipsPublishedRecords(t *testing.T) {
	store := nvstore.NewMemory(nvstore.DefaultCapacity)
	r := newRig(t, store)
	first := r.scheduler(t)
	if _, err := first.Arm(1, 10); err != nil {
		t.Fatal(err)
	}
	for first.Snapshot().Remaining > 2 {
		if err := first.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}

	l := r.loop(t, nil)
	n, err := l.Resume()
	if err != nil || n != 2 {
		t.Fatalf("Resume=%d,%v want 2", n, err)
	}
	start(t, l)
	waitFor(t, "resumed run to finish", func() bool {
		_, recs := r.rec.counts()
		return l.Snapshot().State == experiment.Idle && recs == 2
	})
	r.rec.mu.Lock()
	defer r.rec.mu.Unlock()
	if r.rec.records[0].Seq != 5 || r.rec.records[1].Seq != 6 {
		t.Fatalf("records=%+v want 5 and 6", r.rec.records)
	}
}
