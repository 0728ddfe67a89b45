package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/circuit-meter/pkg/config"
	"github.com/ericogr/circuit-meter/pkg/output"
	"github.com/ericogr/circuit-meter/pkg/sensor"
)

const (
	// defaults
	DefaultServer      = "tcp://localhost:1883"
	DefaultClientID    = "circuit-meter"
	DefaultStateTopic  = "circuit-meter/channel/%d"
	DefaultRecordTopic = "circuit-meter/experiment"
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	stateClassMeasurement  = "measurement"
	stateClassTotal        = "total_increasing"
)

// quantity is one Home Assistant sensor derived from a channel reading.
type quantity struct {
	suffix      string
	unit        string
	deviceClass string
	stateClass  string
	template    string
}

var quantities = []quantity{
	{"current", "mA", "current", stateClassMeasurement, "{{ value_json.current_ma }}"},
	{"voltage", "V", "voltage", stateClassMeasurement, "{{ value_json.voltage_v }}"},
	{"energy", "J", "energy", stateClassTotal, "{{ value_json.energy_j }}"},
}

type MQTTOutput struct {
	client         mqtt.Client
	stateTopic     string
	recordTopic    string
	discoveryTopic string
}

func NewMQTT(cfg config.MQTTConfig, channels []int) (output.Output, error) {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return newOutput(client, cfg, channels), nil
}

func newOutput(client mqtt.Client, cfg config.MQTTConfig, channels []int) *MQTTOutput {
	m := &MQTTOutput{
		client:         client,
		stateTopic:     cfg.StateTopic,
		recordTopic:    cfg.RecordTopic,
		discoveryTopic: cfg.DiscoveryTopic,
	}
	if m.stateTopic == "" {
		m.stateTopic = DefaultStateTopic
	}
	if m.recordTopic == "" {
		m.recordTopic = DefaultRecordTopic
	}

	// Home Assistant discovery: one entry per channel and quantity
	if m.discoveryTopic != "" {
		for _, ch := range channels {
			stateTopic := formatStateTopic(m.stateTopic, ch)
			for _, q := range quantities {
				dTopic := formatDiscoveryTopic(m.discoveryTopic, ch, q.suffix)
				payload := baseDiscoveryPayload(discoveryName(cfg, ch, q), stateTopic, discoveryUniqueID(cfg, ch, q), q)
				if err := publishJSON(client, dTopic, true, payload); err != nil {
					log.Printf("mqtt discovery publish error: %v", err)
				}
			}
		}
	}
	return m
}

func (m *MQTTOutput) Publish(readings []sensor.Reading) error {
	for _, r := range readings {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := m.PublishRaw(formatStateTopic(m.stateTopic, int(r.Channel)), b, false); err != nil {
			return err
		}
	}
	return nil
}

// PublishRecord publishes a completed experiment, retained so a late
// subscriber sees the latest one.
func (m *MQTTOutput) PublishRecord(r output.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return m.PublishRaw(m.recordTopic, b, true)
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

// PublishRaw publishes a raw payload to the given topic. The caller can set the
// retain flag which is useful for discovery messages.
func (m *MQTTOutput) PublishRaw(topic string, payload []byte, retained bool) error {
	if m.client == nil {
		return fmt.Errorf("mqtt client not connected")
	}
	token := m.client.Publish(topic, 0, retained, payload)
	token.Wait()
	return token.Error()
}

// helper: format a state topic for a channel using an optional formatter
func formatStateTopic(base string, ch int) string {
	if strings.Contains(base, "%d") {
		return fmt.Sprintf(base, ch)
	}
	return fmt.Sprintf("%s/%d", strings.TrimSuffix(base, "/"), ch)
}

// helper: discovery topics are the configured prefix plus an object id
// made of the channel and the quantity
func formatDiscoveryTopic(prefix string, ch int, suffix string) string {
	prefix = strings.TrimSuffix(strings.TrimSuffix(prefix, "/config"), "/")
	return fmt.Sprintf("%s_%d_%s/config", prefix, ch, suffix)
}

// helper: build a human-friendly discovery name
func discoveryName(cfg config.MQTTConfig, ch int, q quantity) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("Circuit %s", cfg.ClientID)
	}
	return fmt.Sprintf("%s ch%d %s", name, ch, q.suffix)
}

// helper: build a unique id for discovery
func discoveryUniqueID(cfg config.MQTTConfig, ch int, q quantity) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid == "" {
		return ""
	}
	return fmt.Sprintf("%s_%d_%s", uid, ch, q.suffix)
}

// helper: base discovery payload map common to all entries
func baseDiscoveryPayload(name, stateTopic, uniqueID string, q quantity) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   q.unit,
		keyDeviceClass:         q.deviceClass,
		keyStateClass:          q.stateClass,
		keyValueTemplate:       q.template,
		keyJSONAttributesTopic: stateTopic,
	}
	if uniqueID != "" {
		payload[keyUniqueID] = uniqueID
	}
	return payload
}

// helper: marshal and publish JSON payload
func publishJSON(client mqtt.Client, topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}
