package poller

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/ericogr/nanosense/pkg/bus"
	"github.com/ericogr/nanosense/pkg/calibration"
	"github.com/ericogr/nanosense/pkg/config"
	"github.com/ericogr/nanosense/pkg/rheostat"
	"github.com/ericogr/nanosense/pkg/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCalibrator struct {
	table         *calibration.Table
	err           error
	calls         int
	invalidations int
}

func newFakeCalibrator(n int) *fakeCalibrator {
	return &fakeCalibrator{table: calibration.NewTable(n)}
}

func (f *fakeCalibrator) Calibrate(_ context.Context, progress func(done, total int)) error {
	f.calls++
	f.table.Clear()
	if f.err != nil {
		return f.err
	}
	n := f.table.Len()
	for ch := 0; ch < n; ch++ {
		progress(ch, n)
		f.table.Set(ch, uint8(100+ch))
	}
	progress(n, n)
	return nil
}

func (f *fakeCalibrator) Invalidate() {
	f.invalidations++
	f.table.Clear()
}

func (f *fakeCalibrator) Table() *calibration.Table { return f.table }

// fakeAcquirer reports values[i] on every channel for the i-th cycle, or the
// cycle number once values run out.
type fakeAcquirer struct {
	channels []sensor.Channel
	values   []float64
	errs     map[int]error
	stamps   []int64
}

func newFakeAcquirer(nano int) *fakeAcquirer {
	return &fakeAcquirer{channels: sensor.Layout(nano), errs: map[int]error{}}
}

func (f *fakeAcquirer) Channels() []sensor.Channel { return f.channels }

func (f *fakeAcquirer) Cycle(_ context.Context, elapsedMs int64) ([]sensor.Reading, error) {
	i := len(f.stamps)
	f.stamps = append(f.stamps, elapsedMs)
	if err := f.errs[i]; err != nil {
		return nil, err
	}
	v := float64(i)
	if i < len(f.values) {
		v = f.values[i]
	}
	out := make([]sensor.Reading, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, sensor.Reading{Channel: ch.Index, Kind: ch.Kind, Value: v, ElapsedMs: elapsedMs})
	}
	return out, nil
}

type fakeClock struct{ ms int64 }

func (c *fakeClock) now() int64 { return c.ms }

type indicator struct{ on bool }

func (i *indicator) Write(v bool) error  { i.on = v; return nil }
func (i *indicator) Read() (bool, error) { return i.on, nil }

type harness struct {
	s     *Scheduler
	cal   *fakeCalibrator
	acq   *fakeAcquirer
	clock *fakeClock
	led   *indicator
}

func newHarness(t *testing.T, nano int, opts ...Option) *harness {
	t.Helper()
	h := &harness{cal: newFakeCalibrator(nano), acq: newFakeAcquirer(nano), clock: &fakeClock{}, led: &indicator{}}
	opts = append([]Option{WithClock(h.clock.now), WithInterval(500), WithIndicator(h.led)}, opts...)
	h.s = New(h.cal, h.acq, opts...)
	return h
}

// startAcquiring starts the scheduler and runs the calibration step.
func (h *harness) startAcquiring(t *testing.T) {
	t.Helper()
	h.s.Start()
	require.NoError(t, h.s.Poll(context.Background()))
	require.Equal(t, Acquiring, h.s.Snapshot().State)
}

func (h *harness) tick(t *testing.T, ms int64) {
	t.Helper()
	h.clock.ms = ms
	require.NoError(t, h.s.Poll(context.Background()))
}

func TestSchedulerStartsIdle(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.s.Poll(context.Background()))
	snap := h.s.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, 0, h.cal.calls)
	assert.Empty(t, h.acq.stamps)
}

func TestSchedulerIntervalTicks(t *testing.T) {
	h := newHarness(t, 1)
	h.startAcquiring(t)

	for _, ms := range []int64{0, 400, 600, 1100} {
		h.tick(t, ms)
	}

	assert.Equal(t, []int64{0, 500}, h.acq.stamps)
	snap := h.s.Snapshot()
	assert.Equal(t, 2, snap.Cycles)
	assert.Equal(t, int64(500), snap.ElapsedMs)
	assert.Equal(t, []Sample{{ElapsedMs: 0, Value: 0}, {ElapsedMs: 500, Value: 1}}, snap.Series[0])
}

func TestSchedulerElapsedNonDecreasing(t *testing.T) {
	h := newHarness(t, 1)
	h.startAcquiring(t)
	for _, ms := range []int64{700, 1300, 1400, 2000, 5000, 5001, 5600} {
		h.tick(t, ms)
	}
	require.Len(t, h.acq.stamps, 5)
	for i := 1; i < len(h.acq.stamps); i++ {
		assert.GreaterOrEqual(t, h.acq.stamps[i], h.acq.stamps[i-1])
	}
	assert.Equal(t, int64(5600-700), h.s.Snapshot().ElapsedMs)
}

func TestExtremesObserve(t *testing.T) {
	perms := [][]float64{
		{3, 7, 1, 9},
		{9, 1, 7, 3},
		{1, 3, 9, 7},
		{7, 9, 3, 1},
	}
	for _, values := range perms {
		e := NewExtremes()
		assert.False(t, e.Seen())
		for _, v := range values {
			e.Observe(v)
		}
		assert.Equal(t, Extremes{Min: 1, Max: 9}, e, "%v", values)
	}
}

func TestExtremesIgnoreNonFinite(t *testing.T) {
	e := NewExtremes()
	e.Observe(math.NaN())
	e.Observe(math.Inf(1))
	assert.False(t, e.Seen())
	e.Observe(2)
	assert.Equal(t, Extremes{Min: 2, Max: 2}, e)
}

func TestSchedulerTracksExtremes(t *testing.T) {
	h := newHarness(t, 1)
	h.acq.values = []float64{3, 7, 1, 9}
	h.startAcquiring(t)
	for _, ms := range []int64{500, 1000, 1500, 2000} {
		h.tick(t, ms)
	}
	snap := h.s.Snapshot()
	require.Len(t, snap.Extremes, 4)
	for _, e := range snap.Extremes {
		assert.Equal(t, Extremes{Min: 1, Max: 9}, e)
	}
}

func TestSchedulerRecalibrationResetsRun(t *testing.T) {
	h := newHarness(t, 1)
	h.acq.values = []float64{3, 7}
	h.startAcquiring(t)
	h.tick(t, 500)
	h.tick(t, 1000)
	first := h.s.Snapshot()

	h.s.Stop()
	h.tick(t, 1100)
	h.s.Start()
	h.tick(t, 1200)

	snap := h.s.Snapshot()
	assert.Equal(t, Acquiring, snap.State)
	assert.NotEqual(t, first.RunID, snap.RunID)
	assert.Equal(t, 0, snap.Cycles)
	assert.Equal(t, int64(0), snap.ElapsedMs)
	assert.Empty(t, snap.Series[0])
	assert.False(t, snap.Extremes[0].Seen())
	assert.Equal(t, 2, h.cal.calls)
}

func TestSchedulerStopInvalidates(t *testing.T) {
	h := newHarness(t, 3)
	h.startAcquiring(t)
	assert.True(t, h.led.on)
	assert.Equal(t, []uint8{100, 101, 102}, h.s.Snapshot().Taps)

	h.s.Stop()
	h.tick(t, 500)

	snap := h.s.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Nil(t, snap.Taps)
	assert.False(t, h.cal.table.Complete())
	assert.Equal(t, 1, h.cal.invalidations)
	assert.False(t, h.led.on)
	assert.Empty(t, h.acq.stamps)
}

func TestSchedulerLinkLostDuringAcquisition(t *testing.T) {
	h := newHarness(t, 2)
	h.startAcquiring(t)
	h.tick(t, 500)
	h.acq.errs[1] = fmt.Errorf("channel 1: %w", bus.ErrLinkLost)

	h.clock.ms = 1000
	err := h.s.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	snap := h.s.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.False(t, h.cal.table.Complete())
	assert.False(t, h.led.on)
	// the completed cycle is kept, the failed one is not merged
	assert.Len(t, snap.Series[0], 1)
}

func TestSchedulerLinkLostDuringCalibration(t *testing.T) {
	h := newHarness(t, 2)
	h.cal.err = fmt.Errorf("calibrate: %w", bus.ErrLinkLost)
	h.s.Start()

	err := h.s.Poll(context.Background())
	assert.ErrorIs(t, err, bus.ErrLinkLost)
	assert.Equal(t, Idle, h.s.Snapshot().State)
	assert.False(t, h.cal.table.Complete())
	assert.False(t, h.led.on)
}

func TestSchedulerSaturationSkipsCycle(t *testing.T) {
	h := newHarness(t, 1)
	h.acq.errs[1] = fmt.Errorf("channel 0: %w", sensor.ErrSaturated)
	h.startAcquiring(t)
	for _, ms := range []int64{500, 1000, 1500} {
		h.tick(t, ms)
	}

	snap := h.s.Snapshot()
	assert.Equal(t, Acquiring, snap.State)
	assert.Equal(t, 2, snap.Cycles)
	assert.Equal(t, []Sample{{ElapsedMs: 0, Value: 0}, {ElapsedMs: 1000, Value: 2}}, snap.Series[0])
}

func TestSchedulerVerifyFailureKeepsAcquiring(t *testing.T) {
	h := newHarness(t, 1)
	h.startAcquiring(t)
	h.tick(t, 500)
	h.acq.errs[1] = fmt.Errorf("channel 0: %w", rheostat.ErrVerifyFailed)
	h.tick(t, 1000)
	h.tick(t, 1500)

	snap := h.s.Snapshot()
	assert.Equal(t, Acquiring, snap.State)
	assert.Equal(t, []uint8{100}, snap.Taps)
	assert.Equal(t, 2, snap.Cycles)
	assert.Equal(t, []Sample{{ElapsedMs: 0, Value: 0}, {ElapsedMs: 1000, Value: 2}}, snap.Series[0])
	assert.True(t, h.led.on)
	assert.Equal(t, 0, h.cal.invalidations)
}

func TestSchedulerVerifyFailureRestartsCalibration(t *testing.T) {
	h := newHarness(t, 2)
	h.cal.err = fmt.Errorf("calibrate: measure channel 1 tap 127: %w", rheostat.ErrVerifyFailed)
	h.s.Start()

	require.NoError(t, h.s.Poll(context.Background()))
	assert.Equal(t, Calibrating, h.s.Snapshot().State)
	assert.False(t, h.cal.table.Complete())
	assert.False(t, h.led.on)

	h.cal.err = nil
	require.NoError(t, h.s.Poll(context.Background()))
	assert.Equal(t, Acquiring, h.s.Snapshot().State)
	assert.Equal(t, 2, h.cal.calls)
}

func TestSchedulerSignalsNeverBlock(t *testing.T) {
	h := newHarness(t, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3*signalQueueSize; i++ {
			h.s.Stop()
			h.s.Start()
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("signals blocked on a full queue")
	}
	assert.ErrorIs(t, h.s.SetInterval(250), ErrSignalQueueFull)

	// the queued signals still apply once polled
	require.NoError(t, h.s.Poll(context.Background()))
	require.NoError(t, h.s.SetInterval(250))
	h.tick(t, 0)
	assert.Equal(t, int64(250), h.s.Snapshot().IntervalMs)
}

func TestSchedulerSetInterval(t *testing.T) {
	h := newHarness(t, 1)
	assert.Error(t, h.s.SetInterval(0))
	h.startAcquiring(t)

	h.tick(t, 500)
	require.NoError(t, h.s.SetInterval(2000))
	h.tick(t, 1000)
	assert.Len(t, h.acq.stamps, 1)
	assert.Equal(t, int64(2000), h.s.Snapshot().IntervalMs)
	h.tick(t, 2500)
	assert.Equal(t, []int64{0, 2000}, h.acq.stamps)
}

func TestSchedulerSnapshotIsStable(t *testing.T) {
	h := newHarness(t, 1)
	h.startAcquiring(t)
	h.tick(t, 500)
	before := h.s.Snapshot()
	h.tick(t, 1000)
	h.tick(t, 1500)

	require.Len(t, before.Series[0], 1)
	assert.Equal(t, cap(before.Series[0]), len(before.Series[0]))
	assert.Len(t, h.s.Snapshot().Series[0], 3)
}

func TestSchedulerPublishesCyclesAndProgress(t *testing.T) {
	cycles := make(chan Cycle, 1)
	progress := make(chan sensor.Progress, 8)
	h := newHarness(t, 2, WithCycles(cycles), WithProgress(progress))
	h.startAcquiring(t)

	close(progress)
	var seen []int
	for p := range progress {
		assert.True(t, p.Calibrating)
		assert.Equal(t, 2, p.Channels)
		seen = append(seen, p.Channel)
	}
	assert.Equal(t, []int{0, 1, 2}, seen)

	h.tick(t, 500)
	// queue of one: the second cycle is dropped rather than blocking
	h.tick(t, 1000)

	c := <-cycles
	assert.Equal(t, h.s.Snapshot().RunID, c.RunID)
	assert.Equal(t, int64(0), c.ElapsedMs)
	assert.Len(t, c.Readings, 5)
	assert.Len(t, c.Extremes, 5)
	assert.Equal(t, 2, h.s.Snapshot().Cycles)
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err   error
		fatal bool
	}{
		{fmt.Errorf("x: %w", bus.ErrLinkLost), true},
		{rheostat.ErrNotResponding, true},
		{fmt.Errorf("y: %w", rheostat.ErrVerifyFailed), false},
		{context.Canceled, true},
		{context.DeadlineExceeded, true},
		{sensor.ErrSaturated, false},
		{sensor.ErrUncalibrated, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.fatal, IsFatal(tt.err), "%v", tt.err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 1, WithTick(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSchedulerWithSimulatedBoard(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NanoChannels = 4
	fake := sensor.NewFakeBoard(cfg)
	board := fake.Board()
	driver := rheostat.New(board.Rheostat)
	require.NoError(t, driver.Initialize(context.Background()))

	table := calibration.NewTable(cfg.NanoChannels)
	pipeline := sensor.NewPipeline(board, driver, table, sensor.ConstantsFromConfig(cfg), nil)
	engine := calibration.NewEngine(pipeline, table, nil)

	clock := &fakeClock{}
	s := New(engine, pipeline, WithClock(clock.now), WithInterval(1000), WithIndicator(board.LED))
	s.Start()
	require.NoError(t, s.Poll(context.Background()))
	assert.True(t, fake.LEDOn())

	for _, ms := range []int64{1000, 2000} {
		clock.ms = ms
		require.NoError(t, s.Poll(context.Background()))
	}

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.Cycles)
	require.Len(t, snap.Series, 7)
	for ch, ser := range snap.Series {
		require.Len(t, ser, 2, "channel %d", ch)
		assert.Equal(t, int64(1000), ser[1].ElapsedMs)
	}
	assert.InDelta(t, cfg.Simulation.TemperatureC, snap.Series[4][0].Value, 1e-6)

	fake.Disconnect()
	clock.ms = 3000
	err := s.Poll(context.Background())
	assert.True(t, bus.IsLinkLost(err))
	assert.Equal(t, Idle, s.Snapshot().State)
	assert.Nil(t, table.Taps())
}
