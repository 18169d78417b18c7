package poller

import "math"

// Extremes is the running minimum and maximum of one channel since the last
// calibration.
type Extremes struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func NewExtremes() Extremes {
	return Extremes{Min: math.Inf(1), Max: math.Inf(-1)}
}

// Observe tightens the bounds with v. Non-finite values are ignored.
func (e *Extremes) Observe(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	if v < e.Min {
		e.Min = v
	}
	if v > e.Max {
		e.Max = v
	}
}

// Seen reports whether at least one value was observed.
func (e Extremes) Seen() bool {
	return e.Min <= e.Max
}

func resetExtremes(n int) []Extremes {
	out := make([]Extremes, n)
	for i := range out {
		out[i] = NewExtremes()
	}
	return out
}
