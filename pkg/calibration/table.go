package calibration

// Table maps nano-sensor channel to its calibrated tap. It is written only by
// the Engine on the device goroutine; other readers get copies via Taps.
type Table struct {
	taps []uint8
	set  []bool
}

func NewTable(channels int) *Table {
	return &Table{taps: make([]uint8, channels), set: make([]bool, channels)}
}

func (t *Table) Len() int { return len(t.taps) }

func (t *Table) Set(channel int, tap uint8) {
	t.taps[channel] = tap
	t.set[channel] = true
}

// Get returns the tap for channel and whether it has been calibrated.
func (t *Table) Get(channel int) (uint8, bool) {
	if channel < 0 || channel >= len(t.taps) || !t.set[channel] {
		return 0, false
	}
	return t.taps[channel], true
}

func (t *Table) Clear() {
	for i := range t.taps {
		t.taps[i] = 0
		t.set[i] = false
	}
}

func (t *Table) Complete() bool {
	for _, ok := range t.set {
		if !ok {
			return false
		}
	}
	return true
}

// Taps returns a copy of the table, or nil unless it is complete.
func (t *Table) Taps() []uint8 {
	if !t.Complete() {
		return nil
	}
	out := make([]uint8, len(t.taps))
	copy(out, t.taps)
	return out
}
