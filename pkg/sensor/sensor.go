package sensor

import (
	"time"

	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/errcode"
)

// Reading is one snapshot of a channel's metering chip.
type Reading struct {
	Channel   channel.ID   `json:"channel"`
	IRMSRaw   int32        `json:"irms_raw"`
	VRMSRaw   int32        `json:"vrms_raw"`
	EnergyRaw int32        `json:"energy_raw"`
	CurrentMA float64      `json:"current_ma"`
	VoltageV  float64      `json:"voltage_v"`
	EnergyJ   float64      `json:"energy_j"`
	Code      errcode.Code `json:"code"`
	Timestamp time.Time    `json:"timestamp"`
}

// OK reports whether every register of the reading was read.
func (r Reading) OK() bool { return r.Code == errcode.OK }

type Sensor interface {
	Read() ([]Reading, error)
	Close() error
}

// Scaling converts raw register values to engineering units. The factors
// come from bench calibration of the board and are not derived.
type Scaling struct {
	IRMSPerMilliamp float64 `json:"irms_per_milliamp" yaml:"irms_per_milliamp" koanf:"irms_per_milliamp"`
	VRMSPerVolt     float64 `json:"vrms_per_volt" yaml:"vrms_per_volt" koanf:"vrms_per_volt"`
	JoulesPerCount  float64 `json:"joules_per_count" yaml:"joules_per_count" koanf:"joules_per_count"`
}

func DefaultScaling() Scaling {
	return Scaling{IRMSPerMilliamp: 164, VRMSPerVolt: 4700, JoulesPerCount: 0.2014}
}

// Apply fills the scaled fields of r from its raw values. A zero divisor
// leaves the scaled value at zero.
func (s Scaling) Apply(r *Reading) {
	if s.IRMSPerMilliamp != 0 {
		r.CurrentMA = float64(r.IRMSRaw) / s.IRMSPerMilliamp
	}
	if s.VRMSPerVolt != 0 {
		r.VoltageV = float64(r.VRMSRaw) / s.VRMSPerVolt
	}
	r.EnergyJ = float64(r.EnergyRaw) * s.JoulesPerCount
}
