package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ericogr/nanosense/pkg/bus"
	"github.com/ericogr/nanosense/pkg/calibration"
	"github.com/ericogr/nanosense/pkg/sensor"
	"github.com/google/uuid"
)

const (
	DefaultTick     = 10 * time.Millisecond
	signalQueueSize = 16
)

var ErrSignalQueueFull = errors.New("scheduler signal queue full")

// Calibrator fills the calibration table. *calibration.Engine implements it.
type Calibrator interface {
	Calibrate(ctx context.Context, progress func(done, total int)) error
	Invalidate()
	Table() *calibration.Table
}

// Acquirer runs one acquisition cycle. *sensor.Pipeline implements it.
type Acquirer interface {
	Cycle(ctx context.Context, elapsedMs int64) ([]sensor.Reading, error)
	Channels() []sensor.Channel
}

type signalKind int

func (k signalKind) String() string {
	switch k {
	case sigStart:
		return "start"
	case sigStop:
		return "stop"
	default:
		return "interval"
	}
}

const (
	sigStart signalKind = iota
	sigStop
	sigInterval
)

type signal struct {
	kind       signalKind
	intervalMs int64
}

type Option func(*Scheduler)

// WithClock replaces the millisecond clock. It must not go backwards.
func WithClock(now func() int64) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithInterval(ms int64) Option {
	return func(s *Scheduler) { s.interval = ms }
}

// WithTick sets how often Run polls.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithCycles delivers every completed cycle on ch. Sends never block; a full
// channel drops the cycle.
func WithCycles(ch chan<- Cycle) Option {
	return func(s *Scheduler) { s.cycles = ch }
}

// WithProgress delivers calibration progress on ch without blocking.
func WithProgress(ch chan<- sensor.Progress) Option {
	return func(s *Scheduler) { s.progress = ch }
}

// WithIndicator drives line high while acquiring.
func WithIndicator(line bus.DigitalLine) Option {
	return func(s *Scheduler) { s.indicator = line }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler owns the calibration table, the run clock, the series and the
// extremes. Poll and Run must be called from a single goroutine; Start, Stop,
// SetInterval and Snapshot are safe from any goroutine.
type Scheduler struct {
	cal       Calibrator
	acq       Acquirer
	now       func() int64
	interval  int64
	tick      time.Duration
	cycles    chan<- Cycle
	progress  chan<- sensor.Progress
	indicator bus.DigitalLine
	log       *slog.Logger

	signals  chan signal
	snapshot atomic.Pointer[Snapshot]

	state      State
	runID      string
	lastPolled int64
	polled     bool
	total      int64
	count      int
	series     [][]Sample
	extremes   []Extremes
}

func New(cal Calibrator, acq Acquirer, opts ...Option) *Scheduler {
	start := time.Now()
	s := &Scheduler{
		cal:      cal,
		acq:      acq,
		now:      func() int64 { return time.Since(start).Milliseconds() },
		interval: 1000,
		tick:     DefaultTick,
		signals:  make(chan signal, signalQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "poller")
	s.publish()
	return s
}

// Start requests calibration followed by acquisition.
func (s *Scheduler) Start() { s.send(signal{kind: sigStart}) }

// Stop requests a return to Idle and invalidates the calibration table.
func (s *Scheduler) Stop() { s.send(signal{kind: sigStop}) }

// SetInterval changes the polling interval, effective from the next poll.
func (s *Scheduler) SetInterval(ms int64) error {
	if ms <= 0 {
		return fmt.Errorf("polling interval must be positive, got %d", ms)
	}
	if !s.send(signal{kind: sigInterval, intervalMs: ms}) {
		return ErrSignalQueueFull
	}
	return nil
}

// send never blocks; a full queue drops the signal.
func (s *Scheduler) send(sig signal) bool {
	select {
	case s.signals <- sig:
		return true
	default:
		s.log.Warn("signal queue full, dropping", "signal", sig.kind)
		return false
	}
}

// Snapshot returns the latest published view. Callers must not modify it.
func (s *Scheduler) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Run polls every tick until ctx is done or a fatal error ends the run.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.enterIdle()
			return ctx.Err()
		case <-t.C:
			if err := s.Poll(ctx); err != nil {
				return err
			}
		}
	}
}

// Poll applies pending signals and advances the state machine by one step.
// It returns only errors that ended the run.
func (s *Scheduler) Poll(ctx context.Context) error {
	s.drainSignals()
	switch s.state {
	case Calibrating:
		return s.calibrate(ctx)
	case Acquiring:
		return s.acquire(ctx)
	}
	return nil
}

func (s *Scheduler) drainSignals() {
	for {
		select {
		case sig := <-s.signals:
			s.apply(sig)
		default:
			return
		}
	}
}

func (s *Scheduler) apply(sig signal) {
	switch sig.kind {
	case sigStart:
		if s.state != Idle {
			return
		}
		s.log.Info("start requested")
		s.state = Calibrating
		s.publish()
	case sigStop:
		if s.state == Idle {
			return
		}
		s.log.Info("stop requested", "state", s.state)
		s.enterIdle()
	case sigInterval:
		s.log.Info("polling interval changed", "from_ms", s.interval, "to_ms", sig.intervalMs)
		s.interval = sig.intervalMs
		s.publish()
	}
}

func (s *Scheduler) calibrate(ctx context.Context) error {
	err := s.cal.Calibrate(ctx, func(done, total int) {
		s.sendProgress(sensor.Progress{Stage: sensor.StageRheostat, Calibrating: true, Channel: done, Channels: total})
	})
	if err != nil {
		if !IsFatal(err) {
			s.log.Warn("calibration pass failed, restarting", "error", err)
			s.cal.Invalidate()
			s.publish()
			return nil
		}
		s.log.Error("calibration failed", "error", err)
		s.enterIdle()
		return err
	}

	n := len(s.acq.Channels())
	s.series = make([][]Sample, n)
	s.extremes = resetExtremes(n)
	s.runID = uuid.NewString()
	s.lastPolled = 0
	s.polled = false
	s.total = 0
	s.count = 0
	s.state = Acquiring
	s.setIndicator(true)
	s.log.Info("acquiring", "run_id", s.runID, "taps", s.cal.Table().Taps(), "interval_ms", s.interval)
	s.publish()
	return nil
}

func (s *Scheduler) acquire(ctx context.Context) error {
	now := s.now()
	elapsed := now - s.lastPolled
	if elapsed < s.interval {
		return nil
	}
	// the first delta is start-up latency
	if s.polled {
		s.total += elapsed
	}
	s.polled = true
	s.lastPolled = now

	readings, err := s.acq.Cycle(ctx, s.total)
	if err != nil {
		if IsFatal(err) {
			s.log.Error("acquisition failed", "error", err)
			s.enterIdle()
			return err
		}
		s.log.Warn("cycle discarded", "elapsed_ms", s.total, "error", err)
		return nil
	}

	for _, r := range readings {
		if r.Channel < 0 || r.Channel >= len(s.series) {
			continue
		}
		s.series[r.Channel] = append(s.series[r.Channel], Sample{ElapsedMs: r.ElapsedMs, Value: r.Value})
		s.extremes[r.Channel].Observe(r.Value)
	}
	s.count++
	s.publish()

	if s.cycles != nil {
		c := Cycle{RunID: s.runID, ElapsedMs: s.total, Readings: readings, Extremes: append([]Extremes(nil), s.extremes...)}
		select {
		case s.cycles <- c:
		default:
			s.log.Warn("cycle queue full, dropping", "elapsed_ms", s.total)
		}
	}
	return nil
}

func (s *Scheduler) enterIdle() {
	if s.state == Acquiring {
		s.setIndicator(false)
	}
	s.state = Idle
	s.cal.Invalidate()
	s.publish()
}

func (s *Scheduler) setIndicator(on bool) {
	if s.indicator == nil {
		return
	}
	if err := s.indicator.Write(on); err != nil {
		s.log.Warn("indicator write failed", "error", err)
	}
}

func (s *Scheduler) sendProgress(p sensor.Progress) {
	if s.progress == nil {
		return
	}
	select {
	case s.progress <- p:
	default:
		s.log.Warn("progress queue full, dropping", "channel", p.Channel)
	}
}

func (s *Scheduler) publish() {
	snap := &Snapshot{
		State:      s.state,
		RunID:      s.runID,
		IntervalMs: s.interval,
		ElapsedMs:  s.total,
		Cycles:     s.count,
		Extremes:   append([]Extremes(nil), s.extremes...),
	}
	if s.cal != nil {
		snap.Taps = s.cal.Table().Taps()
	}
	if s.series != nil {
		snap.Series = make([][]Sample, len(s.series))
		for i, ser := range s.series {
			snap.Series[i] = ser[:len(ser):len(ser)]
		}
	}
	s.snapshot.Store(snap)
}
