package console

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ericogr/nanosense/pkg/output"
	"github.com/ericogr/nanosense/pkg/poller"
	"github.com/ericogr/nanosense/pkg/sensor"
)

type ConsoleOutput struct {
	visible func(channel int) bool
}

// NewConsole prints readings of the channels accepted by visible, or of every
// channel when visible is nil.
func NewConsole(visible func(channel int) bool) output.Output {
	return &ConsoleOutput{visible: visible}
}

func (c *ConsoleOutput) Publish(cycle poller.Cycle) error {
	elapsed := time.Duration(cycle.ElapsedMs) * time.Millisecond
	for _, r := range cycle.Readings {
		if c.visible != nil && !c.visible(r.Channel) {
			continue
		}
		line := fmt.Sprintf("t=%s channel=%d kind=%s voltage=%.4f value=%s", elapsed, r.Channel, r.Kind, r.Voltage, formatValue(r.Kind, r.Value))
		if r.Kind == sensor.KindNano {
			line += fmt.Sprintf(" tap=%d", r.Tap)
		}
		if r.Channel < len(cycle.Extremes) && cycle.Extremes[r.Channel].Seen() {
			e := cycle.Extremes[r.Channel]
			line += fmt.Sprintf(" min=%s max=%s", formatValue(r.Kind, e.Min), formatValue(r.Kind, e.Max))
		}
		fmt.Println(line)
	}
	return nil
}

func (c *ConsoleOutput) Close() error { return nil }

func formatValue(k sensor.Kind, v float64) string {
	if k == sensor.KindNano {
		return humanize.SIWithDigits(v, 2, k.Unit())
	}
	return fmt.Sprintf("%.2f%s", v, k.Unit())
}
