package sensor

import (
	"fmt"
	"sync"

	"github.com/ericogr/circuit-meter/pkg/ade"
	"github.com/ericogr/circuit-meter/pkg/errcode"
	"github.com/ericogr/circuit-meter/pkg/timex"
)

// MeterSensor samples the metering chips of the configured channels over
// the shared bus. Energy is read from RAENERGY, so each reading covers the
// time since the previous one.
type MeterSensor struct {
	meters  []*ade.Meter
	scaling Scaling
	clock   timex.Clock
	mu      sync.Mutex
}

func NewMeterSensor(bus *ade.Bus, channels []int, scaling Scaling) (*MeterSensor, error) {
	ids, err := buildChannels(channels)
	if err != nil {
		return nil, fmt.Errorf("sensor: %w", err)
	}
	s := &MeterSensor{scaling: scaling, clock: bus.Clock()}
	for _, id := range ids {
		m, err := bus.Meter(id)
		if err != nil {
			return nil, err
		}
		s.meters = append(s.meters, m)
	}
	return s, nil
}

// Read returns one reading per channel. A channel whose chip did not answer
// still yields a reading carrying the failure code; the returned error is
// the worst failure of the sweep.
func (s *MeterSensor) Read() ([]Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var sweep errcode.Tracker
	out := make([]Reading, 0, len(s.meters))
	for _, m := range s.meters {
		var t errcode.Tracker
		r := Reading{Channel: m.Channel(), Timestamp: now}
		r.IRMSRaw = read(&t, m, ade.IRMS)
		r.VRMSRaw = read(&t, m, ade.VRMS)
		r.EnergyRaw = read(&t, m, ade.RAENERGY)
		r.Code = t.Code()
		sweep.Note(t.Err())
		s.scaling.Apply(&r)
		out = append(out, r)
	}
	return out, sweep.Err()
}

func read(t *errcode.Tracker, m *ade.Meter, reg ade.Register) int32 {
	v, err := m.ReadRegister(reg)
	if t.Note(err) != nil {
		return 0
	}
	return v
}

// Close is a no-op; the bus belongs to the caller.
func (s *MeterSensor) Close() error { return nil }
