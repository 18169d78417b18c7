package calibration

import (
	"context"
	"errors"
	"testing"

	"github.com/ericogr/nanosense/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bridge simulates a rheostat-over-sensor divider read by a 10-bit ADC.
type bridge struct {
	sensorOhms []float64
	steps      int
	failAt     int
}

func dividerOhms(tap uint8) float64 {
	return float64(tap)/255*100000 + 35
}

func (b *bridge) Measure(_ context.Context, channel int, tap uint8) (int, error) {
	b.steps++
	if b.failAt > 0 && b.steps == b.failAt {
		return 0, bus.ErrLinkLost
	}
	rs := b.sensorOhms[channel]
	return int(rs / (rs + dividerOhms(tap)) * 1023), nil
}

// linear is a monotonic decreasing code curve crossing 512 at balance.
type linear struct {
	balance int
	slope   int
	steps   int
}

func (l *linear) Measure(_ context.Context, _ int, tap uint8) (int, error) {
	l.steps++
	code := TargetCode + (l.balance-int(tap))*l.slope
	return max(0, min(1023, code)), nil
}

func TestSearchExactMatch(t *testing.T) {
	res, err := Search(context.Background(), &linear{balance: 200, slope: 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(200), res.Tap)
	assert.True(t, res.Exact)
}

func TestSearchConvergesNearBalance(t *testing.T) {
	b := &bridge{sensorOhms: []float64{dividerOhms(200)}}
	res, err := Search(context.Background(), b, 0)
	require.NoError(t, err)
	assert.InDelta(t, 200, int(res.Tap), 1)

	code, _ := b.Measure(context.Background(), 0, res.Tap)
	assert.InDelta(t, TargetCode, code, 3)
}

func TestSearchIsIdempotent(t *testing.T) {
	b := &bridge{sensorOhms: []float64{12345, 47000, 99000}}
	for ch := range b.sensorOhms {
		first, err := Search(context.Background(), b, ch)
		require.NoError(t, err)
		second, err := Search(context.Background(), b, ch)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestSearchStepBound(t *testing.T) {
	worst := 0
	for balance := -10; balance <= 270; balance++ {
		for _, slope := range []int{1, 4, 50} {
			l := &linear{balance: balance, slope: slope}
			res, err := Search(context.Background(), l, 0)
			require.NoError(t, err)
			assert.LessOrEqual(t, res.Steps, 9, "balance %d slope %d", balance, slope)
			assert.Equal(t, l.steps, res.Steps)
			worst = max(worst, res.Steps)
		}
	}
	assert.Equal(t, 9, worst)
}

func TestSearchSaturatedBounds(t *testing.T) {
	// sensor far above the rheostat range: every step reads high
	res, err := Search(context.Background(), &linear{balance: 10000, slope: 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), res.Tap)

	// sensor shorted: every step reads low
	res, err = Search(context.Background(), &linear{balance: -10000, slope: 1}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), res.Tap)
}

func TestEngineCalibrate(t *testing.T) {
	b := &bridge{sensorOhms: []float64{dividerOhms(20), dividerOhms(128), dividerOhms(240)}}
	table := NewTable(3)
	e := NewEngine(b, table, nil)

	var seen []int
	err := e.Calibrate(context.Background(), func(done, total int) {
		assert.Equal(t, 3, total)
		seen = append(seen, done)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, seen)
	assert.True(t, table.Complete())

	for ch, want := range []int{20, 128, 240} {
		tap, ok := table.Get(ch)
		require.True(t, ok)
		assert.InDelta(t, want, int(tap), 1)
	}
	assert.Len(t, table.Taps(), 3)
}

func TestEngineCalibrateErrorClearsTable(t *testing.T) {
	b := &bridge{sensorOhms: []float64{1000, 2000}, failAt: 12}
	table := NewTable(2)
	e := NewEngine(b, table, nil)

	err := e.Calibrate(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, bus.ErrLinkLost))
	assert.False(t, table.Complete())
	_, ok := table.Get(0)
	assert.False(t, ok)
	assert.Nil(t, table.Taps())
}

func TestEngineInvalidate(t *testing.T) {
	table := NewTable(1)
	e := NewEngine(&linear{balance: 50, slope: 2}, table, nil)
	require.NoError(t, e.Calibrate(context.Background(), nil))
	assert.True(t, e.Table().Complete())

	e.Invalidate()
	assert.False(t, table.Complete())
}

func TestTableGetOutOfRange(t *testing.T) {
	table := NewTable(2)
	_, ok := table.Get(-1)
	assert.False(t, ok)
	_, ok = table.Get(2)
	assert.False(t, ok)
}
