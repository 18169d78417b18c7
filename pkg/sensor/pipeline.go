package sensor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/ericogr/nanosense/pkg/bus"
	"github.com/ericogr/nanosense/pkg/calibration"
	"github.com/ericogr/nanosense/pkg/config"
)

// ADCFullScale maps a normalized reading to the 10-bit code used by calibration.
const ADCFullScale = 1023

// Board is the set of transport primitives the pipeline runs on.
type Board struct {
	Rheostat bus.Duplex
	Mux      [config.MuxLines]bus.DigitalLine
	Lines    [numLines]bus.AnalogLine
	// LED is optional.
	LED bus.DigitalLine

	closers []io.Closer
}

func (b *Board) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

// Tapper sets the rheostat and blocks until the tap reads back.
type Tapper interface {
	WriteAndVerify(ctx context.Context, tap uint8) error
}

// Pipeline reads every channel once per cycle and converts to physical units.
type Pipeline struct {
	rheo     Tapper
	mux      *Mux
	lines    [numLines]bus.AnalogLine
	consts   Constants
	table    *calibration.Table
	channels []Channel
	log      *slog.Logger
}

func NewPipeline(b *Board, rheo Tapper, table *calibration.Table, consts Constants, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		rheo:     rheo,
		mux:      NewMux(b.Mux),
		lines:    b.Lines,
		consts:   consts,
		table:    table,
		channels: Layout(table.Len()),
		log:      log.With("component", "pipeline"),
	}
}

func (p *Pipeline) Channels() []Channel { return p.channels }

// Measure balances channel's bridge at tap and returns the nano line's ADC code.
func (p *Pipeline) Measure(ctx context.Context, channel int, tap uint8) (int, error) {
	if err := p.setBridge(ctx, channel, tap); err != nil {
		return 0, err
	}
	n, err := p.lines[LineNano].ReadNormalized()
	if err != nil {
		return 0, fmt.Errorf("read nano line: %w", err)
	}
	code := int(n * ADCFullScale)
	p.log.Debug("measure", "channel", channel, "tap", tap, "code", code)
	return code, nil
}

func (p *Pipeline) setBridge(ctx context.Context, channel int, tap uint8) error {
	if err := p.mux.Select(channel); err != nil {
		return err
	}
	return p.rheo.WriteAndVerify(ctx, tap)
}

// Cycle produces one Reading per channel, all stamped elapsedMs. Any error
// discards the whole cycle.
func (p *Pipeline) Cycle(ctx context.Context, elapsedMs int64) ([]Reading, error) {
	out := make([]Reading, 0, len(p.channels))
	var tempC float64
	for _, ch := range p.channels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := Reading{Channel: ch.Index, Kind: ch.Kind, ElapsedMs: elapsedMs}
		if ch.Kind == KindNano {
			tap, ok := p.table.Get(ch.Index)
			if !ok {
				return nil, fmt.Errorf("channel %d: %w", ch.Index, ErrUncalibrated)
			}
			if err := p.setBridge(ctx, ch.Index, tap); err != nil {
				return nil, fmt.Errorf("channel %d: %w", ch.Index, err)
			}
			r.Tap = tap
		}
		v, err := p.voltage(ch.Line)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch.Index, err)
		}
		r.Voltage = v
		switch ch.Kind {
		case KindNano:
			r.Value = p.consts.BridgeResistance(v, r.Tap)
		case KindTemperature:
			r.Value = p.consts.Temperature(v)
			tempC = r.Value
		case KindHumidity:
			r.Value = p.consts.Humidity(v, tempC)
		case KindThermistor:
			r.Value = p.consts.Thermistor(v)
		}
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			return nil, fmt.Errorf("channel %d (%s) at %.4f V: %w", ch.Index, ch.Kind, v, ErrSaturated)
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *Pipeline) voltage(line int) (float64, error) {
	n, err := p.lines[line].ReadNormalized()
	if err != nil {
		return 0, fmt.Errorf("read line %d: %w", line, err)
	}
	return n * p.consts.VRef, nil
}
