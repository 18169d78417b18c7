package sensor

import "github.com/ericogr/nanosense/pkg/config"

// Constants carries the fixed coefficients of the unit conversions.
type Constants struct {
	config.ConversionConfig
	RheostatMaxOhms     float64
	RheostatNominalOhms float64
}

func ConstantsFromConfig(cfg config.Config) Constants {
	return Constants{
		ConversionConfig:    cfg.Conversion,
		RheostatMaxOhms:     cfg.Rheostat.MaxOhms,
		RheostatNominalOhms: cfg.Rheostat.NominalOhms,
	}
}

// DividerOhms is the rheostat resistance at tap.
func (c Constants) DividerOhms(tap uint8) float64 {
	return float64(tap)/255*c.RheostatMaxOhms + c.RheostatNominalOhms
}

// BridgeResistance solves the divider with the rheostat as the known upper
// leg and the sensor across which v is measured.
func (c Constants) BridgeResistance(v float64, tap uint8) float64 {
	return v * c.DividerOhms(tap) / (c.VRef - v)
}

// Temperature converts the TMP36-style linear sensor voltage to °C.
func (c Constants) Temperature(v float64) float64 {
	return (v+c.TemperatureOffset)*c.TemperatureScale + c.TemperatureBase
}

// Humidity converts the humidity sensor voltage to relative humidity,
// compensated for tempC and clamped to [0, 100].
func (c Constants) Humidity(v, tempC float64) float64 {
	raw := (v/c.VRef - c.HumidityVoltageOffset) / c.HumidityVoltageScale
	rh := raw / (c.HumidityTempOffset + c.HumidityTempScale*tempC)
	switch {
	case rh > 100:
		return 100
	case rh < 0:
		return 0
	}
	return rh
}

// Thermistor converts the thermistor divider voltage to °C with a linear fit
// of the thermistor resistance.
func (c Constants) Thermistor(v float64) float64 {
	r := c.ThermistorReferenceOhm*c.VRef/v - c.ThermistorReferenceOhm
	return c.ThermistorScale*r + c.ThermistorOffset
}
