package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestUnmarshalConfigJSON(t *testing.T) {
	js := `{
        "sensor_type": "real",
        "spi": { "port": "/dev/spidev1.0", "speed_hz": 500000 },
        "channels": [0, 20],
        "interval_ms": 2000,
        "outputs": [{"type":"console"}],
        "experiment": { "channel": 3 },
        "scaling": { "irms_per_milliamp": 160, "vrms_per_volt": 4700, "joules_per_count": 0.2 }
    }`

	var cfg Config
	if err := json.Unmarshal([]byte(js), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.SPI.Port != "/dev/spidev1.0" || cfg.SPI.SpeedHz != 500000 {
		t.Fatalf("spi: got %+v", cfg.SPI)
	}
	if cfg.SensorType != "real" {
		t.Fatalf("sensor_type: got %q", cfg.SensorType)
	}
	if len(cfg.Outputs) != 1 || cfg.Outputs[0].Type != "console" {
		t.Fatalf("outputs: %+v", cfg.Outputs)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[1] != 20 {
		t.Fatalf("channels: %v", cfg.Channels)
	}
	if cfg.Experiment.Channel != 3 || cfg.Scaling.IRMSPerMilliamp != 160 {
		t.Fatalf("experiment=%+v scaling=%+v", cfg.Experiment, cfg.Scaling)
	}
}

func TestLoadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter.json")
	js := `{"interval_ms": 250, "poll_interval": "2ms", "experiment": {"min_interval": "5s"}}`
	if err := os.WriteFile(path, []byte(js), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IntervalMs != 250 || cfg.PollInterval != 2*time.Millisecond || cfg.Experiment.MinInterval != 5*time.Second {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Experiment.DutyPeriod != DefaultConfig().Experiment.DutyPeriod {
		t.Fatalf("duty period lost its default: %v", cfg.Experiment.DutyPeriod)
	}
}
