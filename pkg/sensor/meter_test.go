package sensor_test

import (
	"errors"
	"math"
	"testing"

	"github.com/ericogr/circuit-meter/pkg/ade"
	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/errcode"
	"github.com/ericogr/circuit-meter/pkg/sensor"
	"github.com/ericogr/circuit-meter/pkg/sim"
)

func newSensor(t *testing.T, channels []int) (*sim.Board, *sensor.MeterSensor) {
	t.Helper()
	b := sim.NewBoard(channel.Count)
	mux, err := channel.NewMux(b.MuxPins())
	if err != nil {
		t.Fatalf("NewMux: %v", err)
	}
	s, err := sensor.NewMeterSensor(ade.NewBus(b.SPI, mux, ade.Options{}), channels, sensor.DefaultScaling())
	if err != nil {
		t.Fatalf("NewMeterSensor: %v", err)
	}
	return b, s
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMeterSensorRead(t *testing.T) {
	b, s := newSensor(t, []int{20, 3, 3})
	b.Chip(20).SetLoad(10, 0)
	readings, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(readings) != 2 || readings[0].Channel != 3 || readings[1].Channel != 20 {
		t.Fatalf("readings=%+v want channels 3 and 20", readings)
	}
	r := readings[0]
	if !r.OK() || r.IRMSRaw != sim.DefaultIRMS || r.VRMSRaw != sim.DefaultVRMS {
		t.Fatalf("reading=%+v", r)
	}
	if !near(r.CurrentMA, 480) || !near(r.VoltageV, 230) || !near(r.EnergyJ, sim.DefaultOnCount*0.2014) {
		t.Fatalf("scaled reading=%+v", r)
	}
	if readings[1].EnergyRaw != 10 {
		t.Fatalf("channel 20 energy=%d want 10", readings[1].EnergyRaw)
	}
	if b.Chip(3).Reads(ade.RAENERGY) != 1 {
		t.Fatalf("RAENERGY read %d times on channel 3", b.Chip(3).Reads(ade.RAENERGY))
	}
}

func TestMeterSensorBusDown(t *testing.T) {
	b, s := newSensor(t, []int{0, 1})
	b.SPI.Fail(sim.ErrBusDown)
	readings, err := s.Read()
	if errcode.Of(err) != errcode.BusFault || !errors.Is(err, sim.ErrBusDown) {
		t.Fatalf("err=%v want bus fault", err)
	}
	for _, r := range readings {
		if r.OK() || r.Code != errcode.BusFault || r.IRMSRaw != 0 {
			t.Fatalf("reading=%+v want bus fault", r)
		}
	}
	if len(readings) != 2 {
		t.Fatalf("%d readings want one per channel", len(readings))
	}
}

func TestMeterSensorRejectsBadChannel(t *testing.T) {
	b := sim.NewBoard(channel.Count)
	mux, _ := channel.NewMux(b.MuxPins())
	_, err := sensor.NewMeterSensor(ade.NewBus(b.SPI, mux, ade.Options{}), []int{0, channel.Count}, sensor.DefaultScaling())
	if errcode.Of(err) != errcode.InvalidArgument {
		t.Fatalf("err=%v want argument_error", err)
	}
}

func TestScalingZeroDivisor(t *testing.T) {
	r := sensor.Reading{IRMSRaw: 100, VRMSRaw: 100, EnergyRaw: 5}
	sensor.Scaling{JoulesPerCount: 2}.Apply(&r)
	if r.CurrentMA != 0 || r.VoltageV != 0 || r.EnergyJ != 10 {
		t.Fatalf("scaled=%+v", r)
	}
}
