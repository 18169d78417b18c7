package sensor

import (
	"errors"
	"fmt"
)

// Kind selects the conversion formula applied to a channel.
type Kind int

const (
	KindNano Kind = iota
	KindTemperature
	KindHumidity
	KindThermistor
)

func (k Kind) String() string {
	switch k {
	case KindNano:
		return "nano"
	case KindTemperature:
		return "temperature"
	case KindHumidity:
		return "humidity"
	case KindThermistor:
		return "thermistor"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Unit is the physical unit of a Kind's readings.
func (k Kind) Unit() string {
	switch k {
	case KindNano:
		return "Ω"
	case KindHumidity:
		return "%"
	default:
		return "°C"
	}
}

// ADC lines of the analog front end.
const (
	LineNano = iota
	LineTemperature
	LineHumidity
	LineThermistor
	numLines
)

// Channel is one logical sensor slot.
type Channel struct {
	Index int
	Line  int
	Kind  Kind
}

// Layout returns the channels visited by one acquisition cycle, in order:
// nano 0..n-1, then temperature, humidity and thermistor.
func Layout(nano int) []Channel {
	out := make([]Channel, 0, nano+3)
	for i := 0; i < nano; i++ {
		out = append(out, Channel{Index: i, Line: LineNano, Kind: KindNano})
	}
	out = append(out,
		Channel{Index: nano, Line: LineTemperature, Kind: KindTemperature},
		Channel{Index: nano + 1, Line: LineHumidity, Kind: KindHumidity},
		Channel{Index: nano + 2, Line: LineThermistor, Kind: KindThermistor},
	)
	return out
}

// Reading is one converted sample.
type Reading struct {
	Channel   int     `json:"channel"`
	Kind      Kind    `json:"-"`
	Tap       uint8   `json:"tap,omitempty"`
	Voltage   float64 `json:"voltage"`
	Value     float64 `json:"value"`
	ElapsedMs int64   `json:"elapsed_ms"`
}

var (
	// ErrUncalibrated is returned when a nano channel has no table entry.
	ErrUncalibrated = errors.New("channel not calibrated")
	// ErrSaturated is returned when a conversion has no finite result.
	ErrSaturated = errors.New("reading saturated")
)
