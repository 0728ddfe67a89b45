package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ericogr/circuit-meter/pkg/ade"
	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/experiment"
	"github.com/ericogr/circuit-meter/pkg/nvstore"
	"github.com/ericogr/circuit-meter/pkg/sensor"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"
)

type MQTTConfig struct {
	Server            string `json:"server" yaml:"server" koanf:"server"`
	Username          string `json:"username" yaml:"username" koanf:"username"`
	Password          string `json:"password" yaml:"password" koanf:"password"`
	ClientID          string `json:"client_id" yaml:"client_id" koanf:"client_id"`
	StateTopic        string `json:"state_topic" yaml:"state_topic" koanf:"state_topic"`
	RecordTopic       string `json:"record_topic" yaml:"record_topic" koanf:"record_topic"`
	DiscoveryTopic    string `json:"discovery_topic" yaml:"discovery_topic" koanf:"discovery_topic"`
	DiscoveryName     string `json:"discovery_name" yaml:"discovery_name" koanf:"discovery_name"`
	DiscoveryUniqueID string `json:"discovery_unique_id" yaml:"discovery_unique_id" koanf:"discovery_unique_id"`
}

type OutputConfig struct {
	Type       string      `json:"type" yaml:"type" koanf:"type"`
	IntervalMs int         `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty" koanf:"interval_ms"`
	MQTT       *MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty" koanf:"mqtt"`
}

type SPIConfig struct {
	Port    string `json:"port" yaml:"port" koanf:"port"`
	SpeedHz int64  `json:"speed_hz" yaml:"speed_hz" koanf:"speed_hz"`
}

// PinsConfig names GPIO lines as gpioreg knows them.
type PinsConfig struct {
	Stage1          []string `json:"stage1" yaml:"stage1" koanf:"stage1"`
	Stage2          []string `json:"stage2" yaml:"stage2" koanf:"stage2"`
	NotEnabled      string   `json:"not_enabled" yaml:"not_enabled" koanf:"not_enabled"`
	Data            string   `json:"data" yaml:"data" koanf:"data"`
	Clock           string   `json:"clock" yaml:"clock" koanf:"clock"`
	Latch           string   `json:"latch" yaml:"latch" koanf:"latch"`
	NotOutputEnable string   `json:"not_output_enable" yaml:"not_output_enable" koanf:"not_output_enable"`
	NotClear        string   `json:"not_clear" yaml:"not_clear" koanf:"not_clear"`
}

type StorageConfig struct {
	Path     string `json:"path" yaml:"path" koanf:"path"`
	Capacity int    `json:"capacity" yaml:"capacity" koanf:"capacity"`
}

// ArmConfig starts a run at startup when Minutes is positive.
type ArmConfig struct {
	Minutes         int `json:"minutes" yaml:"minutes" koanf:"minutes"`
	IntervalSeconds int `json:"interval_seconds" yaml:"interval_seconds" koanf:"interval_seconds"`
}

type Config struct {
	SensorType     string            `json:"sensor_type" yaml:"sensor_type" koanf:"sensor_type"`
	SPI            SPIConfig         `json:"spi" yaml:"spi" koanf:"spi"`
	Pins           PinsConfig        `json:"pins" yaml:"pins" koanf:"pins"`
	RegisterMap    []int             `json:"register_map,omitempty" yaml:"register_map,omitempty" koanf:"register_map"`
	Channels       []int             `json:"channels" yaml:"channels" koanf:"channels"`
	IntervalMs     int               `json:"interval_ms" yaml:"interval_ms" koanf:"interval_ms"`
	PollInterval   time.Duration     `json:"poll_interval" yaml:"poll_interval" koanf:"poll_interval"`
	VerifyChecksum bool              `json:"verify_checksum" yaml:"verify_checksum" koanf:"verify_checksum"`
	Outputs        []OutputConfig    `json:"outputs" yaml:"outputs" koanf:"outputs"`
	Experiment     experiment.Config `json:"experiment" yaml:"experiment" koanf:"experiment"`
	Calibration    ade.Calibration   `json:"calibration" yaml:"calibration" koanf:"calibration"`
	Retry          ade.RetryPolicy   `json:"retry" yaml:"retry" koanf:"retry"`
	Scaling        sensor.Scaling    `json:"scaling" yaml:"scaling" koanf:"scaling"`
	Storage        StorageConfig     `json:"storage" yaml:"storage" koanf:"storage"`
	HTTPAddr       string            `json:"http_addr" yaml:"http_addr" koanf:"http_addr"`
	Resume         bool              `json:"resume" yaml:"resume" koanf:"resume"`
	Arm            ArmConfig         `json:"arm" yaml:"arm" koanf:"arm"`
}

// DefaultConfig matches the reference board wiring on a Raspberry Pi header.
func DefaultConfig() Config {
	return Config{
		SensorType: "real",
		SPI:        SPIConfig{Port: "/dev/spidev0.0", SpeedHz: 1000000},
		Pins: PinsConfig{
			Stage1:          []string{"GPIO5", "GPIO6", "GPIO13", "GPIO19"},
			Stage2:          []string{"GPIO16", "GPIO20", "GPIO21"},
			NotEnabled:      "GPIO26",
			Data:            "GPIO17",
			Clock:           "GPIO27",
			Latch:           "GPIO22",
			NotOutputEnable: "GPIO23",
			NotClear:        "GPIO24",
		},
		Channels:       []int{int(channel.Mains)},
		IntervalMs:     1000,
		PollInterval:   ade.DefaultPollInterval,
		VerifyChecksum: false,
		Outputs:        []OutputConfig{{Type: "console", IntervalMs: 1000}},
		Experiment:     experiment.DefaultConfig(),
		Calibration:    ade.DefaultCalibration(),
		Retry:          ade.DefaultRetryPolicy(),
		Scaling:        sensor.DefaultScaling(),
		Storage:        StorageConfig{Path: "circuit-meter.db", Capacity: nvstore.DefaultCapacity},
		HTTPAddr:       ":8080",
	}
}

// Load reads path over the defaults. The parser is picked by extension;
// an empty path returns the defaults.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	var cfg Config
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return cfg, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		var p koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			p = json.Parser()
		case ".yml", ".yaml":
			p = yaml.Parser()
		default:
			return cfg, fmt.Errorf("config %s: unknown extension", path)
		}
		if err := k.Load(file.Provider(path), p); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Write dumps cfg as YAML.
func Write(w io.Writer, cfg Config) error {
	return yml.NewEncoder(w).Encode(cfg)
}

// Validate checks the fields every mode depends on.
func (c Config) Validate() error {
	switch c.SensorType {
	case "real", "simulation":
	default:
		return fmt.Errorf("sensor-type must be real or simulation, got %q", c.SensorType)
	}
	if c.SensorType == "real" {
		if len(c.Pins.Stage1) != 4 || len(c.Pins.Stage2) != 3 {
			return errors.New("pins: stage1 needs 4 lines and stage2 needs 3")
		}
		if c.SPI.SpeedHz <= 0 {
			return errors.New("spi speed must be > 0")
		}
	}
	if err := c.Experiment.Channel.Check(); err != nil {
		return fmt.Errorf("experiment channel: %w", err)
	}
	for _, ch := range c.Channels {
		if err := channel.ID(ch).Check(); err != nil {
			return fmt.Errorf("channels: %w", err)
		}
	}
	if c.IntervalMs <= 0 {
		return errors.New("interval-ms must be > 0")
	}
	if c.Storage.Capacity <= 0 {
		return errors.New("storage capacity must be > 0")
	}
	return nil
}

// LoadFromFlags loads configuration from a YAML or JSON file (optional) and
// flags. Flags override values present in the file.
func LoadFromFlags() (Config, bool, error) {
	return loadFromFlags(flag.CommandLine, os.Args[1:])
}

func loadFromFlags(fs *flag.FlagSet, args []string) (Config, bool, error) {
	cfgPath := fs.String("config", "", "Path to YAML or JSON config file")
	printConfig := fs.Bool("print-config", false, "Print the effective configuration as YAML and exit")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")
	flagSPIPort := fs.String("spi-port", "", "SPI port (e.g. /dev/spidev0.0)")
	flagSPISpeed := fs.Int64("spi-speed", -1, "SPI clock in Hz")
	flagChannels := fs.String("channels", "", "Comma-separated channels to sample e.g. 0,1,20")
	flagInterval := fs.Int("interval-ms", -1, "Sample and publish interval in ms")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt)")
	flagOutputIntervals := fs.String("output-intervals", "", "Comma-separated output intervals e.g. console=1000,mqtt=5000")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT state topic")
	flagChannel := fs.Int("experiment-channel", -1, "Channel the experiment scheduler switches and meters")
	flagStorage := fs.String("storage", "", "Path of the experiment store")
	flagCapacity := fs.Int("storage-capacity", -1, "Experiment slots in the store")
	flagHTTP := fs.String("http-addr", "", "HTTP listen address, empty string disables")
	flagResume := fs.Bool("resume", false, "Resume an interrupted run found in the store")
	flagArm := fs.String("arm", "", "Arm a run at startup: minutes/interval_seconds e.g. 10/60")
	flagGain := fs.String("gain", "", "GAIN register value (decimal or 0x hex)")

	if err := fs.Parse(args); err != nil {
		return Config{}, false, err
	}

	cfg, err := Load(*cfgPath)
	if err != nil {
		return cfg, false, err
	}

	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagSPIPort != "" {
		cfg.SPI.Port = *flagSPIPort
	}
	if *flagSPISpeed != -1 {
		cfg.SPI.SpeedHz = *flagSPISpeed
	}
	if *flagChannels != "" {
		chs, err := parseChannels(*flagChannels)
		if err != nil {
			return cfg, false, err
		}
		cfg.Channels = chs
	}
	if *flagInterval != -1 {
		cfg.IntervalMs = *flagInterval
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p, IntervalMs: cfg.IntervalMs})
		}
		cfg.Outputs = outs
	}
	if *flagOutputIntervals != "" {
		for _, p := range parseCSV(*flagOutputIntervals) {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) != 2 {
				continue
			}
			v, err := strconv.Atoi(strings.TrimSpace(kv[1]))
			if err != nil {
				continue
			}
			for i := range cfg.Outputs {
				if cfg.Outputs[i].Type == strings.TrimSpace(kv[0]) {
					cfg.Outputs[i].IntervalMs = v
				}
			}
		}
	}
	// mqtt flags go to every mqtt output; one is created if none exists
	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" || *flagTopic != "" {
		apply := func(m *MQTTConfig) {
			if *flagMQTTServer != "" {
				m.Server = *flagMQTTServer
			}
			if *flagMQTTUser != "" {
				m.Username = *flagMQTTUser
			}
			if *flagMQTTPass != "" {
				m.Password = *flagMQTTPass
			}
			if *flagClientID != "" {
				m.ClientID = *flagClientID
			}
			if *flagTopic != "" {
				m.StateTopic = *flagTopic
			}
		}
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) != "mqtt" {
				continue
			}
			if cfg.Outputs[i].MQTT == nil {
				cfg.Outputs[i].MQTT = &MQTTConfig{}
			}
			apply(cfg.Outputs[i].MQTT)
			applied = true
		}
		if !applied {
			out := OutputConfig{Type: "mqtt", IntervalMs: cfg.IntervalMs, MQTT: &MQTTConfig{}}
			apply(out.MQTT)
			cfg.Outputs = append(cfg.Outputs, out)
		}
	}
	if *flagChannel != -1 {
		cfg.Experiment.Channel = channel.ID(*flagChannel)
	}
	if *flagStorage != "" {
		cfg.Storage.Path = *flagStorage
	}
	if *flagCapacity != -1 {
		cfg.Storage.Capacity = *flagCapacity
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http-addr":
			cfg.HTTPAddr = *flagHTTP
		case "resume":
			cfg.Resume = *flagResume
		}
	})
	if *flagArm != "" {
		a, err := parseArm(*flagArm)
		if err != nil {
			return cfg, false, err
		}
		cfg.Arm = a
	}
	if *flagGain != "" {
		v, err := parseIntOrHex(*flagGain)
		if err != nil || v < 0 || v > 0xFF {
			return cfg, false, fmt.Errorf("gain: invalid value %q", *flagGain)
		}
		cfg.Calibration.Gain = uint8(v)
	}
	// ensure outputs have interval default
	for i := range cfg.Outputs {
		if cfg.Outputs[i].IntervalMs == 0 {
			cfg.Outputs[i].IntervalMs = cfg.IntervalMs
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, false, err
	}
	return cfg, *printConfig, nil
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseChannels(s string) ([]int, error) {
	parts := parseCSV(s)
	out := make([]int, 0, len(parts))
	for _, t := range parts {
		v, err := strconv.Atoi(t)
		if err != nil {
			return nil, fmt.Errorf("invalid channel '%s': %w", t, err)
		}
		if err := channel.ID(v).Check(); err != nil {
			return nil, fmt.Errorf("invalid channel '%s': %w", t, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// parseArm parses "minutes/interval_seconds".
func parseArm(s string) (ArmConfig, error) {
	kv := strings.SplitN(s, "/", 2)
	if len(kv) != 2 {
		return ArmConfig{}, fmt.Errorf("arm: want minutes/interval_seconds, got %q", s)
	}
	m, err := strconv.Atoi(strings.TrimSpace(kv[0]))
	if err != nil {
		return ArmConfig{}, fmt.Errorf("arm minutes: %w", err)
	}
	sec, err := strconv.Atoi(strings.TrimSpace(kv[1]))
	if err != nil {
		return ArmConfig{}, fmt.Errorf("arm interval: %w", err)
	}
	return ArmConfig{Minutes: m, IntervalSeconds: sec}, nil
}
