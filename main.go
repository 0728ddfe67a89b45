package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/ericogr/circuit-meter/pkg/ade"
	"github.com/ericogr/circuit-meter/pkg/api"
	"github.com/ericogr/circuit-meter/pkg/channel"
	"github.com/ericogr/circuit-meter/pkg/config"
	"github.com/ericogr/circuit-meter/pkg/control"
	"github.com/ericogr/circuit-meter/pkg/experiment"
	"github.com/ericogr/circuit-meter/pkg/metrics"
	"github.com/ericogr/circuit-meter/pkg/nvstore"
	"github.com/ericogr/circuit-meter/pkg/output/console"
	"github.com/ericogr/circuit-meter/pkg/output/mqtt"
	"github.com/ericogr/circuit-meter/pkg/sensor"
	"github.com/ericogr/circuit-meter/pkg/sim"
	"github.com/ericogr/circuit-meter/pkg/switchbank"
	"github.com/ericogr/circuit-meter/pkg/timex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

func main() {
	fmt.Println("starting...")

	cfg, printOnly, err := config.LoadFromFlags()
	if err != nil {
		log.Fatal(err)
	}
	if printOnly {
		if err := config.Write(os.Stdout, cfg); err != nil {
			log.Fatal(err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

// hardware is the wired board: real GPIO and SPI through periph, or the
// simulated board.
type hardware struct {
	mux   *channel.Mux
	bus   *ade.Bus
	sr    *switchbank.ShiftRegister
	bank  *switchbank.Bank
	board *sim.Board
	close func() error
}

func openHardware(cfg config.Config, met *metrics.Metrics) (*hardware, error) {
	hw := &hardware{close: func() error { return nil }}
	var (
		muxPins channel.Pins
		regPins switchbank.RegisterPins
		c       conn.Conn
	)
	switch cfg.SensorType {
	case "simulation":
		hw.board = sim.NewBoard(channel.Count)
		muxPins, regPins, c = hw.board.MuxPins(), hw.board.RegisterPins(), hw.board.SPI
	default:
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host init: %w", err)
		}
		var err error
		if muxPins, regPins, err = lookupPins(cfg.Pins); err != nil {
			return nil, err
		}
		port, err := spireg.Open(cfg.SPI.Port)
		if err != nil {
			return nil, fmt.Errorf("open spi %s: %w", cfg.SPI.Port, err)
		}
		// ADE7753 samples on the falling edge with the clock idling low.
		c, err = port.Connect(physic.Frequency(cfg.SPI.SpeedHz)*physic.Hertz, spi.Mode1, 8)
		if err != nil {
			port.Close()
			return nil, fmt.Errorf("connect spi %s: %w", cfg.SPI.Port, err)
		}
		hw.close = port.Close
	}

	var err error
	if hw.mux, err = channel.NewMux(muxPins); err != nil {
		hw.close()
		return nil, err
	}
	hw.bus = ade.NewBus(c, hw.mux, ade.Options{
		Clock:          timex.System{},
		PollInterval:   cfg.PollInterval,
		VerifyChecksum: cfg.VerifyChecksum,
		Metrics:        met,
	})
	if hw.sr, err = switchbank.NewShiftRegister(regPins, channel.Count); err != nil {
		hw.close()
		return nil, err
	}
	if hw.bank, err = switchbank.NewBank(hw.sr, cfg.RegisterMap, met); err != nil {
		hw.close()
		return nil, err
	}
	return hw, nil
}

func lookupPins(p config.PinsConfig) (channel.Pins, switchbank.RegisterPins, error) {
	var (
		mp   channel.Pins
		rp   switchbank.RegisterPins
		errs []string
	)
	pin := func(name string, optional bool) gpio.PinOut {
		if name == "" {
			if !optional {
				errs = append(errs, "unnamed pin")
			}
			return nil
		}
		io := gpioreg.ByName(name)
		if io == nil {
			errs = append(errs, name)
			return nil
		}
		return io
	}
	for i := range mp.Stage1 {
		if i < len(p.Stage1) {
			mp.Stage1[i] = pin(p.Stage1[i], false)
		}
	}
	for i := range mp.Stage2 {
		if i < len(p.Stage2) {
			mp.Stage2[i] = pin(p.Stage2[i], false)
		}
	}
	mp.NotEnabled = pin(p.NotEnabled, false)
	rp.Data = pin(p.Data, false)
	rp.Clock = pin(p.Clock, false)
	rp.Latch = pin(p.Latch, false)
	rp.NotOutputEnable = pin(p.NotOutputEnable, true)
	rp.NotClear = pin(p.NotClear, true)
	if len(errs) > 0 {
		return mp, rp, fmt.Errorf("gpio: pins not found: %s", strings.Join(errs, ", "))
	}
	return mp, rp, nil
}

// initOutputs builds the configured outputs with their publish intervals.
func initOutputs(cfg *config.Config) ([]*control.Sink, error) {
	sinks := make([]*control.Sink, 0, len(cfg.Outputs))
	for i := range cfg.Outputs {
		o := &cfg.Outputs[i]
		if o.IntervalMs == 0 {
			o.IntervalMs = cfg.IntervalMs
		}
		s := &control.Sink{Interval: time.Duration(o.IntervalMs) * time.Millisecond}
		switch strings.ToLower(o.Type) {
		case "console":
			s.Out = console.NewConsole()
		case "mqtt":
			mc := config.MQTTConfig{}
			if o.MQTT != nil {
				mc = *o.MQTT
			}
			out, err := mqtt.NewMQTT(mc, cfg.Channels)
			if err != nil {
				closeSinks(sinks)
				return nil, err
			}
			s.Out = out
		default:
			closeSinks(sinks)
			return nil, fmt.Errorf("unknown output type %q", o.Type)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func closeSinks(sinks []*control.Sink) {
	for _, s := range sinks {
		if err := s.Out.Close(); err != nil {
			log.Printf("close output: %v", err)
		}
	}
}

// restoreChips brings up every chip the service talks to. A chip that does
// not answer is logged and left alone; its readings carry the failure.
func restoreChips(bus *ade.Bus, cfg config.Config) {
	ids := map[channel.ID]bool{cfg.Experiment.Channel: true}
	for _, ch := range cfg.Channels {
		ids[channel.ID(ch)] = true
	}
	for id := range ids {
		m, err := bus.Meter(id)
		if err != nil {
			log.Printf("%s: %v", id, err)
			continue
		}
		rev, err := m.Restore(cfg.Calibration, cfg.Retry)
		if err != nil {
			log.Printf("%s: chip not ready: %v", m, err)
			continue
		}
		log.Printf("%s: die revision %d", m, rev)
	}
}

func openStore(cfg config.Config) (nvstore.Store, error) {
	if cfg.Storage.Path == "" {
		log.Printf("storage: no path, experiments will not survive a restart")
		return nvstore.NewMemory(cfg.Storage.Capacity), nil
	}
	return nvstore.OpenBolt(cfg.Storage.Path, cfg.Storage.Capacity)
}

func run(ctx context.Context, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	met := metrics.New(reg)

	hw, err := openHardware(cfg, met)
	if err != nil {
		return err
	}
	defer hw.close()
	defer hw.bus.Halt()

	// Latch the power-on pattern before enabling the outputs so no relay
	// chatters: every coil de-energised, every circuit on.
	if err := hw.bank.AllOn(); err != nil {
		return fmt.Errorf("relays: %w", err)
	}
	if err := hw.sr.SetEnabled(true); err != nil {
		return fmt.Errorf("relays: %w", err)
	}
	restoreChips(hw.bus, cfg)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	meter, err := hw.bus.Meter(cfg.Experiment.Channel)
	if err != nil {
		return err
	}
	sched, err := experiment.New(cfg.Experiment, meter, hw.bank, store, timex.System{}, met)
	if err != nil {
		return err
	}

	sinks, err := initOutputs(&cfg)
	if err != nil {
		return err
	}
	defer closeSinks(sinks)

	var s sensor.Sensor
	if len(cfg.Channels) > 0 {
		if s, err = sensor.NewMeterSensor(hw.bus, cfg.Channels, cfg.Scaling); err != nil {
			return err
		}
		defer s.Close()
	}

	loop := control.New(sched, hw.bank, s, sinks, time.Duration(cfg.IntervalMs)*time.Millisecond)
	if cfg.Resume {
		n, err := loop.Resume()
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		if n > 0 {
			log.Printf("resumed run with %d experiments left", n)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })

	if cfg.HTTPAddr != "" {
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.New(loop, cfg.Scaling, reg).Router()}
		g.Go(func() error {
			log.Println("now listening for requests at", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}

	if cfg.Arm.Minutes > 0 && !sched.Active() {
		g.Go(func() error {
			n, err := loop.Arm(ctx, cfg.Arm.Minutes, cfg.Arm.IntervalSeconds)
			if err != nil {
				log.Printf("arm at startup: %v", err)
				return nil
			}
			log.Printf("armed %d experiments at startup", n)
			return nil
		})
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("systemd notify: %v", err)
	} else if ok {
		log.Printf("systemd notified")
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
