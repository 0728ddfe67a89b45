package output

import (
	"time"

	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/sensor"
)

type Output interface {
	Publish([]sensor.Reading) error
	PublishRecord(Record) error
	Close() error
}

// Record is one completed experiment of a run. Seq counts from 1.
type Record struct {
	Channel   channel.ID `json:"channel"`
	Seq       int        `json:"seq"`
	Of        int        `json:"of"`
	Off       int32      `json:"off"`
	On        int32      `json:"on"`
	Timestamp time.Time  `json:"timestamp"`
}

// helper constructors are in subpackages
