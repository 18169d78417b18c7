package poller

import (
	"context"
	"errors"

	"github.com/ericogr/nanosense/pkg/bus"
	"github.com/ericogr/nanosense/pkg/rheostat"
	"github.com/ericogr/nanosense/pkg/sensor"
)

type State int

const (
	Idle State = iota
	Calibrating
	Acquiring
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Calibrating:
		return "calibrating"
	case Acquiring:
		return "acquiring"
	default:
		return "unknown"
	}
}

// Sample is one value of a channel's time series.
type Sample struct {
	ElapsedMs int64   `json:"elapsed_ms"`
	Value     float64 `json:"value"`
}

// Cycle is one completed acquisition, handed to outputs.
type Cycle struct {
	RunID     string
	ElapsedMs int64
	Readings  []sensor.Reading
	Extremes  []Extremes
}

// Snapshot is a read-only view of the scheduler published after every state
// change or cycle. Series slices are capped at their length and never written
// again by the scheduler.
type Snapshot struct {
	State      State
	RunID      string
	IntervalMs int64
	ElapsedMs  int64
	Cycles     int
	Taps       []uint8
	Series     [][]Sample
	Extremes   []Extremes
}

// IsFatal reports whether err ends the current run. Anything else, a tap
// readback mismatch included, only discards the cycle or calibration pass it
// happened in.
func IsFatal(err error) bool {
	return errors.Is(err, bus.ErrLinkLost) ||
		errors.Is(err, rheostat.ErrNotResponding) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
