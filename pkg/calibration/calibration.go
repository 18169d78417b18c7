// Package calibration balances each nano-sensor bridge by binary-searching
// the rheostat tap that puts the bridge midpoint at the ADC half-scale code.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

const (
	// TargetCode is the half-scale code of the 10-bit converter.
	TargetCode = 512

	minTap = 0
	maxTap = 255
)

var ErrIncomplete = errors.New("calibration table incomplete")

// Meter sets channel's bridge to tap (write-verified) and returns the
// resulting ADC code in [0, 1023].
type Meter interface {
	Measure(ctx context.Context, channel int, tap uint8) (int, error)
}

type Result struct {
	Tap   uint8
	Steps int
	// Exact is set when a step hit TargetCode; otherwise Tap is the
	// midpoint of the crossed bounds.
	Exact bool
}

// Search runs the binary search over [0, 255] for one channel. It needs at
// most 9 steps.
func Search(ctx context.Context, p Meter, channel int) (Result, error) {
	low, high := minTap, maxTap
	var res Result
	for low <= high {
		mid := (low + high) / 2
		code, err := p.Measure(ctx, channel, uint8(mid))
		if err != nil {
			return Result{}, fmt.Errorf("measure channel %d tap %d: %w", channel, mid, err)
		}
		res.Steps++
		switch {
		case code < TargetCode:
			high = mid - 1
		case code > TargetCode:
			low = mid + 1
		default:
			res.Tap = uint8(mid)
			res.Exact = true
			return res, nil
		}
	}
	res.Tap = uint8((low + high) / 2)
	return res, nil
}

// Engine owns the calibration table and fills it channel by channel.
type Engine struct {
	meter Meter
	table *Table
	log   *slog.Logger
}

func NewEngine(p Meter, table *Table, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{meter: p, table: table, log: log.With("component", "calibration")}
}

func (e *Engine) Table() *Table { return e.table }

// Invalidate clears every entry, forcing a full recalibration.
func (e *Engine) Invalidate() { e.table.Clear() }

// Calibrate searches every channel in index order. progress is called with
// the channel about to be searched and once more with the channel count when
// done. On error the table is left empty.
func (e *Engine) Calibrate(ctx context.Context, progress func(done, total int)) error {
	e.table.Clear()
	total := e.table.Len()
	for ch := 0; ch < total; ch++ {
		if progress != nil {
			progress(ch, total)
		}
		res, err := Search(ctx, e.meter, ch)
		if err != nil {
			e.table.Clear()
			return fmt.Errorf("calibrate: %w", err)
		}
		e.table.Set(ch, res.Tap)
		e.log.Info("channel calibrated", "channel", ch, "tap", res.Tap, "steps", res.Steps, "exact", res.Exact)
	}
	if progress != nil {
		progress(total, total)
	}
	if !e.table.Complete() {
		return ErrIncomplete
	}
	return nil
}
