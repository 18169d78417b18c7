package sensor

import (
	"fmt"

	"github.com/ericogr/nanosense/pkg/bus"
	"github.com/ericogr/nanosense/pkg/config"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// NewPeriphBoard opens the rheostat SPI link, the mux and LED GPIOs and the
// MCP3008 lines, reporting each initialization stage as it starts.
func NewPeriphBoard(cfg config.Config, report func(Stage)) (*Board, error) {
	if report == nil {
		report = func(Stage) {}
	}
	b := &Board{}

	report(StageBus)
	// AD5271: data sampled on the falling edge, clock idles low
	rheo, err := bus.OpenSPI(cfg.Rheostat.Port, physic.Frequency(cfg.Rheostat.SpeedHz)*physic.Hertz, spi.Mode1)
	if err != nil {
		return nil, fmt.Errorf("rheostat: %w", err)
	}
	b.Rheostat = rheo
	b.closers = append(b.closers, rheo)

	report(StageMux)
	if len(cfg.Mux.Pins) != config.MuxLines {
		_ = b.Close()
		return nil, fmt.Errorf("mux needs %d pins, got %d", config.MuxLines, len(cfg.Mux.Pins))
	}
	for i, name := range cfg.Mux.Pins {
		pin, err := bus.OpenPin(name)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("mux line %d: %w", i, err)
		}
		b.Mux[i] = pin
	}
	if cfg.LEDPin != "" {
		led, err := bus.OpenPin(cfg.LEDPin)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("led: %w", err)
		}
		b.LED = led
	}

	report(StageADC)
	adc, err := bus.OpenSPI(cfg.ADC.Port, physic.Frequency(cfg.ADC.SpeedHz)*physic.Hertz, spi.Mode0)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("adc: %w", err)
	}
	b.closers = append(b.closers, adc)
	lines := [numLines]int{
		LineNano:        cfg.ADC.NanoLine,
		LineTemperature: cfg.ADC.TemperatureLine,
		LineHumidity:    cfg.ADC.HumidityLine,
		LineThermistor:  cfg.ADC.ThermistorLine,
	}
	for line, input := range lines {
		a, err := bus.NewMCP3008(adc, input)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("adc line %d: %w", line, err)
		}
		b.Lines[line] = a
	}
	return b, nil
}
