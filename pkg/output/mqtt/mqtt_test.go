package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/circuit-meter/pkg/config"
	"github.com/ericogr/circuit-meter/pkg/errcode"
	"github.com/ericogr/circuit-meter/pkg/output"
	"github.com/ericogr/circuit-meter/pkg/sensor"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// fakeClient records publishes; every other method panics through the
// embedded nil interface.
type fakeClient struct {
	paho.Client
	mu   sync.Mutex
	msgs []message
	err  error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{err: c.err}
}

func (c *fakeClient) Disconnect(uint) {}

func TestDiscoveryPerChannelAndQuantity(t *testing.T) {
	c := &fakeClient{}
	cfg := config.MQTTConfig{ClientID: "bench", DiscoveryTopic: "homeassistant/sensor/meter/config"}
	newOutput(c, cfg, []int{3, 20})
	if len(c.msgs) != 6 {
		t.Fatalf("%d discovery messages want 6", len(c.msgs))
	}
	first := c.msgs[0]
	if first.topic != "homeassistant/sensor/meter_3_current/config" || !first.retained {
		t.Fatalf("first discovery message %+v", first)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(first.payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload[keyStateTopic] != "circuit-meter/channel/3" || payload[keyUnitOfMeasurement] != "mA" || payload[keyUniqueID] != "bench_3_current" {
		t.Fatalf("payload=%v", payload)
	}
	if c.msgs[5].topic != "homeassistant/sensor/meter_20_energy/config" {
		t.Fatalf("last discovery topic %q", c.msgs[5].topic)
	}
}

func TestPublishReadings(t *testing.T) {
	c := &fakeClient{}
	m := newOutput(c, config.MQTTConfig{StateTopic: "lab/%d/state"}, nil)
	readings := []sensor.Reading{
		{Channel: 1, CurrentMA: 480, Code: errcode.OK},
		{Channel: 2, Code: errcode.Timeout},
	}
	if err := m.Publish(readings); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(c.msgs) != 2 || c.msgs[0].topic != "lab/1/state" || c.msgs[1].topic != "lab/2/state" || c.msgs[0].retained {
		t.Fatalf("messages=%+v", c.msgs)
	}
	var got sensor.Reading
	if err := json.Unmarshal(c.msgs[1].payload, &got); err != nil || got.Code != errcode.Timeout {
		t.Fatalf("payload=%s err=%v", c.msgs[1].payload, err)
	}
}

func TestPublishRecordRetained(t *testing.T) {
	c := &fakeClient{}
	m := newOutput(c, config.MQTTConfig{}, nil)
	if err := m.PublishRecord(output.Record{Channel: 7, Seq: 1, Of: 6, Off: 3, On: 1200}); err != nil {
		t.Fatalf("PublishRecord: %v", err)
	}
	if len(c.msgs) != 1 || c.msgs[0].topic != DefaultRecordTopic || !c.msgs[0].retained {
		t.Fatalf("messages=%+v", c.msgs)
	}
	var got output.Record
	if err := json.Unmarshal(c.msgs[0].payload, &got); err != nil || got.On != 1200 || got.Seq != 1 {
		t.Fatalf("record=%+v err=%v", got, err)
	}
}

func TestPublishError(t *testing.T) {
	boom := errors.New("broker gone")
	c := &fakeClient{err: boom}
	m := newOutput(c, config.MQTTConfig{}, nil)
	if err := m.Publish([]sensor.Reading{{Channel: 0}}); !errors.Is(err, boom) {
		t.Fatalf("err=%v want %v", err, boom)
	}
}

func TestFormatStateTopic(t *testing.T) {
	tests := []struct {
		base string
		ch   int
		want string
	}{
		{"meter/%d", 4, "meter/4"},
		{"meter", 4, "meter/4"},
		{"meter/", 15, "meter/15"},
	}
	for _, tt := range tests {
		if got := formatStateTopic(tt.base, tt.ch); got != tt.want {
			t.Fatalf("formatStateTopic(%q, %d)=%q want %q", tt.base, tt.ch, got, tt.want)
		}
	}
}
