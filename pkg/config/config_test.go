package config

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ericogr/circuit-meter/pkg/channel"
)

func TestParseChannels(t *testing.T) {
	tests := []struct {
		in   string
		want []int
		ok   bool
	}{
		{"", []int{}, true},
		{"0,1,20", []int{0, 1, 20}, true},
		{" 3 , 15 ", []int{3, 15}, true},
		{"21", nil, false},
		{"-1", nil, false},
		{"bad", nil, false},
	}
	for _, tt := range tests {
		got, err := parseChannels(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseChannels(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if tt.ok && !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseChannels(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseArm(t *testing.T) {
	tests := []struct {
		in   string
		want ArmConfig
		ok   bool
	}{
		{"10/60", ArmConfig{Minutes: 10, IntervalSeconds: 60}, true},
		{" 1 / 10 ", ArmConfig{Minutes: 1, IntervalSeconds: 10}, true},
		{"10", ArmConfig{}, false},
		{"x/60", ArmConfig{}, false},
		{"10/y", ArmConfig{}, false},
	}
	for _, tt := range tests {
		got, err := parseArm(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseArm(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if got != tt.want {
			t.Fatalf("parseArm(%q) = %+v; want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseIntOrHex(t *testing.T) {
	for in, want := range map[string]int{"0x1F": 31, "0X10": 16, "42": 42} {
		got, err := parseIntOrHex(in)
		if err != nil || got != want {
			t.Fatalf("parseIntOrHex(%q) = %d,%v; want %d", in, got, err, want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Fatalf("Load(\"\") = %+v\nwant %+v", cfg, DefaultConfig())
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter.yml")
	doc := `
sensor_type: simulation
channels: [1, 2]
experiment:
  channel: 7
  duty_period: 4s
calibration:
  gain: 3
storage:
  capacity: 50
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := DefaultConfig()
	if cfg.SensorType != "simulation" || !reflect.DeepEqual(cfg.Channels, []int{1, 2}) {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Experiment.Channel != 7 || cfg.Experiment.DutyPeriod != 4*time.Second {
		t.Fatalf("experiment=%+v", cfg.Experiment)
	}
	if cfg.Experiment.Timing != def.Experiment.Timing || cfg.Experiment.MinInterval != def.Experiment.MinInterval {
		t.Fatalf("unset experiment fields lost their defaults: %+v", cfg.Experiment)
	}
	if cfg.Calibration.Gain != 3 || cfg.Calibration.LineCycles != def.Calibration.LineCycles {
		t.Fatalf("calibration=%+v", cfg.Calibration)
	}
	if cfg.Storage.Capacity != 50 || cfg.Storage.Path != def.Storage.Path {
		t.Fatalf("storage=%+v", cfg.Storage)
	}
}

func TestLoadUnknownExtension(t *testing.T) {
	if _, err := Load("meter.toml"); err == nil {
		t.Fatalf("expected an error for an unknown extension")
	}
}

func TestWriteRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Experiment.Channel = 12
	cfg.Outputs = append(cfg.Outputs, OutputConfig{Type: "mqtt", IntervalMs: 500, MQTT: &MQTTConfig{Server: "tcp://broker:1883"}})
	var buf bytes.Buffer
	if err := Write(&buf, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	path := filepath.Join(t.TempDir(), "dump.yaml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, print, err := loadFromFlags(fs, []string{
		"-sensor-type", "simulation",
		"-channels", "4,5",
		"-outputs", "console,mqtt",
		"-output-intervals", "mqtt=5000",
		"-mqtt-server", "tcp://broker:1883",
		"-experiment-channel", "9",
		"-http-addr", "",
		"-resume",
		"-arm", "10/60",
		"-gain", "0x04",
		"-print-config",
	})
	if err != nil {
		t.Fatalf("loadFromFlags: %v", err)
	}
	if !print {
		t.Fatalf("print-config not reported")
	}
	if cfg.SensorType != "simulation" || !reflect.DeepEqual(cfg.Channels, []int{4, 5}) {
		t.Fatalf("cfg=%+v", cfg)
	}
	if len(cfg.Outputs) != 2 || cfg.Outputs[0].IntervalMs != 1000 || cfg.Outputs[1].IntervalMs != 5000 {
		t.Fatalf("outputs=%+v", cfg.Outputs)
	}
	if cfg.Outputs[1].MQTT == nil || cfg.Outputs[1].MQTT.Server != "tcp://broker:1883" {
		t.Fatalf("mqtt output=%+v", cfg.Outputs[1])
	}
	if cfg.Experiment.Channel != channel.ID(9) || cfg.HTTPAddr != "" || !cfg.Resume {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Arm != (ArmConfig{Minutes: 10, IntervalSeconds: 60}) || cfg.Calibration.Gain != 4 {
		t.Fatalf("arm=%+v gain=%d", cfg.Arm, cfg.Calibration.Gain)
	}
}

func TestFlagsCreateMQTTOutput(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, _, err := loadFromFlags(fs, []string{"-sensor-type", "simulation", "-mqtt-topic", "meter/%d"})
	if err != nil {
		t.Fatalf("loadFromFlags: %v", err)
	}
	if len(cfg.Outputs) != 2 || cfg.Outputs[1].Type != "mqtt" || cfg.Outputs[1].MQTT.StateTopic != "meter/%d" {
		t.Fatalf("outputs=%+v", cfg.Outputs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"sensor type", func(c *Config) { c.SensorType = "adc" }},
		{"stage1 pins", func(c *Config) { c.Pins.Stage1 = c.Pins.Stage1[:3] }},
		{"spi speed", func(c *Config) { c.SPI.SpeedHz = 0 }},
		{"experiment channel", func(c *Config) { c.Experiment.Channel = channel.Count }},
		{"sample channel", func(c *Config) { c.Channels = []int{-1} }},
		{"interval", func(c *Config) { c.IntervalMs = 0 }},
		{"capacity", func(c *Config) { c.Storage.Capacity = 0 }},
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mod(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected an error", tt.name)
		}
	}
}
