package sensor

import (
	"fmt"

	"github.com/ericogr/nanosense/pkg/bus"
	"github.com/ericogr/nanosense/pkg/config"
)

// Mux drives the 4-bit analog multiplexer address, line i carrying bit i.
type Mux struct {
	lines [config.MuxLines]bus.DigitalLine
}

func NewMux(lines [config.MuxLines]bus.DigitalLine) *Mux {
	return &Mux{lines: lines}
}

func (m *Mux) Select(index int) error {
	if index < 0 || index >= config.MaxNanoChannels {
		return fmt.Errorf("mux address %d out of range", index)
	}
	for i, line := range m.lines {
		if err := line.Write((index>>i)&1 == 1); err != nil {
			return fmt.Errorf("mux select %d: %w", index, err)
		}
	}
	return nil
}
