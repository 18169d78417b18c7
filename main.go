package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericogr/nanosense/pkg/calibration"
	"github.com/ericogr/nanosense/pkg/config"
	"github.com/ericogr/nanosense/pkg/logging"
	"github.com/ericogr/nanosense/pkg/output"
	"github.com/ericogr/nanosense/pkg/output/console"
	"github.com/ericogr/nanosense/pkg/output/mqtt"
	"github.com/ericogr/nanosense/pkg/poller"
	"github.com/ericogr/nanosense/pkg/rheostat"
	"github.com/ericogr/nanosense/pkg/rover"
	"github.com/ericogr/nanosense/pkg/sensor"
	"periph.io/x/host/v3"
)

var version = "dev"

const (
	cycleQueueSize    = 16
	progressQueueSize = 32
)

// outputEntry pairs an output with its publish interval. Publishing is
// throttled on the run clock, not wall time.
type outputEntry struct {
	Out        output.Output
	IntervalMs int
	lastMs     int64
	published  bool
	runID      string
}

func (e *outputEntry) due(c poller.Cycle) bool {
	if !e.published || c.RunID != e.runID {
		return true
	}
	return c.ElapsedMs-e.lastMs >= int64(e.IntervalMs)
}

func (e *outputEntry) publish(c poller.Cycle) error {
	if !e.due(c) {
		return nil
	}
	e.published, e.lastMs, e.runID = true, c.ElapsedMs, c.RunID
	return e.Out.Publish(c)
}

// initOutputs builds the configured outputs. Outputs without an interval
// inherit the polling interval, which is written back into cfg.
func initOutputs(cfg *config.Config, channels []sensor.Channel, log *slog.Logger) ([]*outputEntry, error) {
	entries := make([]*outputEntry, 0, len(cfg.Outputs))
	for i := range cfg.Outputs {
		oc := &cfg.Outputs[i]
		if oc.IntervalMs <= 0 {
			oc.IntervalMs = cfg.PollingIntervalMs
		}
		var out output.Output
		switch oc.Type {
		case "console":
			out = console.NewConsole(cfg.Visible)
		case "mqtt":
			mc := config.MQTTConfig{}
			if oc.MQTT != nil {
				mc = *oc.MQTT
			}
			m, err := mqtt.NewMQTT(mc, channels, log)
			if err != nil {
				closeOutputs(entries, log)
				return nil, err
			}
			out = m
		default:
			closeOutputs(entries, log)
			return nil, fmt.Errorf("unknown output type %q", oc.Type)
		}
		entries = append(entries, &outputEntry{Out: out, IntervalMs: oc.IntervalMs})
	}
	return entries, nil
}

func closeOutputs(entries []*outputEntry, log *slog.Logger) {
	for _, e := range entries {
		if err := e.Out.Close(); err != nil {
			log.Warn("output close error", "error", err)
		}
	}
}

// openBoard returns the hardware front end, or the simulator when configured.
func openBoard(cfg config.Config, report func(sensor.Stage), log *slog.Logger) (*sensor.Board, error) {
	if cfg.SensorType == "simulation" {
		for _, s := range []sensor.Stage{sensor.StageBus, sensor.StageMux, sensor.StageADC} {
			report(s)
		}
		log.Info("using simulated front end", "nano_channels", cfg.NanoChannels)
		return sensor.NewFakeBoard(cfg).Board(), nil
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	return sensor.NewPeriphBoard(cfg, report)
}

// newReporter returns a stage callback that forwards initialization stages on
// progress. A full queue drops the stage.
func newReporter(progress chan<- sensor.Progress, log *slog.Logger) func(sensor.Stage) {
	return func(s sensor.Stage) {
		select {
		case progress <- sensor.Progress{Stage: s}:
		default:
			log.Warn("progress queue full, dropping", "stage", s.String())
		}
	}
}

// present drains the scheduler queues until ctx is done. It is the only
// consumer of cycles and progress.
func present(ctx context.Context, entries []*outputEntry, cycles <-chan poller.Cycle, progress <-chan sensor.Progress, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-progress:
			if !p.Calibrating {
				log.Info("initializing", "stage", p.Stage.String(), "percent", p.Stage.Percent())
				continue
			}
			log.Info("calibrating", "channel", p.Channel, "channels", p.Channels)
		case c := <-cycles:
			for _, e := range entries {
				if err := e.publish(c); err != nil {
					log.Warn("output publish error", "error", err)
				}
			}
		}
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	cycles := make(chan poller.Cycle, cycleQueueSize)
	progress := make(chan sensor.Progress, progressQueueSize)
	// stages queue up until the presenter starts
	report := newReporter(progress, log)

	board, err := openBoard(cfg, report, log)
	if err != nil {
		return err
	}
	defer board.Close()

	report(sensor.StageUART)
	if cfg.Rover.Port != "" {
		rv, err := rover.Open(cfg.Rover, log)
		if err != nil {
			return err
		}
		defer rv.Close()
		if cfg.Rover.TiltInput == "stdin" {
			go func() {
				if err := rv.Steer(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("tilt input stopped", "error", err)
				}
			}()
		}
	}

	report(sensor.StageRheostat)
	driver := rheostat.New(board.Rheostat,
		rheostat.WithVerifyTimeout(time.Duration(cfg.Rheostat.VerifyTimeoutMs)*time.Millisecond),
		rheostat.WithInitRetries(cfg.Rheostat.InitRetries),
		rheostat.WithLogger(log),
	)
	if err := driver.Initialize(ctx); err != nil {
		return err
	}

	table := calibration.NewTable(cfg.NanoChannels)
	pipeline := sensor.NewPipeline(board, driver, table, sensor.ConstantsFromConfig(cfg), log)
	engine := calibration.NewEngine(pipeline, table, log)

	entries, err := initOutputs(&cfg, pipeline.Channels(), log)
	if err != nil {
		return err
	}
	defer closeOutputs(entries, log)

	sched := poller.New(engine, pipeline,
		poller.WithInterval(int64(cfg.PollingIntervalMs)),
		poller.WithCycles(cycles),
		poller.WithProgress(progress),
		poller.WithIndicator(board.LED),
		poller.WithLogger(log),
	)

	presentCtx, stopPresent := context.WithCancel(ctx)
	presented := make(chan struct{})
	go func() {
		defer close(presented)
		present(presentCtx, entries, cycles, progress, log)
	}()
	defer func() {
		stopPresent()
		<-presented
	}()

	// SIGHUP recalibrates
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-presentCtx.Done():
				return
			case <-hup:
				log.Info("recalibration requested")
				sched.Stop()
				sched.Start()
			}
		}
	}()

	sched.Start()
	return sched.Run(ctx)
}

func main() {
	cfg, err := config.LoadFromFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.New(cfg.Logging, version)
	slog.SetDefault(log)
	log.Info("starting", "sensor_type", cfg.SensorType, "nano_channels", cfg.NanoChannels, "polling_interval_ms", cfg.PollingIntervalMs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stopped", "error", err)
		stop()
		os.Exit(1)
	}
	log.Info("stopped")
}
