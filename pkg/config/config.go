package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	MuxLines        = 4
	MaxNanoChannels = 1 << MuxLines
)

type MQTTConfig struct {
	Server            string `json:"server" yaml:"server"`
	Username          string `json:"username" yaml:"username"`
	Password          string `json:"password" yaml:"password"`
	ClientID          string `json:"client_id" yaml:"client_id"`
	StateTopic        string `json:"state_topic" yaml:"state_topic"`
	DiscoveryTopic    string `json:"discovery_topic" yaml:"discovery_topic"`
	DiscoveryName     string `json:"discovery_name" yaml:"discovery_name"`
	DiscoveryUniqueID string `json:"discovery_unique_id" yaml:"discovery_unique_id"`
}

type OutputConfig struct {
	Type       string      `json:"type" yaml:"type"`
	IntervalMs int         `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
	MQTT       *MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

type RheostatConfig struct {
	Port            string  `json:"port" yaml:"port"`
	SpeedHz         int     `json:"speed_hz" yaml:"speed_hz"`
	VerifyTimeoutMs int     `json:"verify_timeout_ms" yaml:"verify_timeout_ms"`
	InitRetries     int     `json:"init_retries" yaml:"init_retries"`
	MaxOhms         float64 `json:"max_ohms" yaml:"max_ohms"`
	NominalOhms     float64 `json:"nominal_ohms" yaml:"nominal_ohms"`
}

// ADCConfig describes the MCP3008 carrying the four analog lines.
type ADCConfig struct {
	Port            string `json:"port" yaml:"port"`
	SpeedHz         int    `json:"speed_hz" yaml:"speed_hz"`
	NanoLine        int    `json:"nano_line" yaml:"nano_line"`
	TemperatureLine int    `json:"temperature_line" yaml:"temperature_line"`
	HumidityLine    int    `json:"humidity_line" yaml:"humidity_line"`
	ThermistorLine  int    `json:"thermistor_line" yaml:"thermistor_line"`
}

type MuxConfig struct {
	Pins []string `json:"pins" yaml:"pins"`
}

type RoverConfig struct {
	Port      string `json:"port" yaml:"port"`
	BaudRate  int    `json:"baud_rate" yaml:"baud_rate"`
	Speed     int    `json:"speed" yaml:"speed"`
	// TiltInput is "" (no steering) or "stdin": lines of "dx dy" tilt readings.
	TiltInput string `json:"tilt_input" yaml:"tilt_input"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output" yaml:"output"`
}

// SimulationConfig drives the simulated board used with sensor_type=simulation.
type SimulationConfig struct {
	Resistances   map[int]float64 `json:"resistances" yaml:"resistances"`
	DefaultOhms   float64         `json:"default_ohms" yaml:"default_ohms"`
	TemperatureC  float64         `json:"temperature_c" yaml:"temperature_c"`
	Humidity      float64         `json:"humidity" yaml:"humidity"`
	ThermistorC   float64         `json:"thermistor_c" yaml:"thermistor_c"`
	Noise         float64         `json:"noise" yaml:"noise"`
	WriteLatency  int             `json:"write_latency" yaml:"write_latency"`
	InitEchoDelay int             `json:"init_echo_delay" yaml:"init_echo_delay"`
}

// ConversionConfig holds the analytical constants of the unit conversions.
type ConversionConfig struct {
	VRef                   float64 `json:"vref" yaml:"vref"`
	TemperatureOffset      float64 `json:"temperature_offset" yaml:"temperature_offset"`
	TemperatureScale       float64 `json:"temperature_scale" yaml:"temperature_scale"`
	TemperatureBase        float64 `json:"temperature_base" yaml:"temperature_base"`
	HumidityVoltageOffset  float64 `json:"humidity_voltage_offset" yaml:"humidity_voltage_offset"`
	HumidityVoltageScale   float64 `json:"humidity_voltage_scale" yaml:"humidity_voltage_scale"`
	HumidityTempOffset     float64 `json:"humidity_temp_offset" yaml:"humidity_temp_offset"`
	HumidityTempScale      float64 `json:"humidity_temp_scale" yaml:"humidity_temp_scale"`
	ThermistorReferenceOhm float64 `json:"thermistor_reference_ohms" yaml:"thermistor_reference_ohms"`
	ThermistorScale        float64 `json:"thermistor_scale" yaml:"thermistor_scale"`
	ThermistorOffset       float64 `json:"thermistor_offset" yaml:"thermistor_offset"`
}

type Config struct {
	SensorType        string           `json:"sensor_type" yaml:"sensor_type"`
	Rheostat          RheostatConfig   `json:"rheostat" yaml:"rheostat"`
	ADC               ADCConfig        `json:"adc" yaml:"adc"`
	Mux               MuxConfig        `json:"mux" yaml:"mux"`
	LEDPin            string           `json:"led_pin" yaml:"led_pin"`
	Rover             RoverConfig      `json:"rover" yaml:"rover"`
	NanoChannels      int              `json:"nano_channels" yaml:"nano_channels"`
	PollingIntervalMs int              `json:"polling_interval_ms" yaml:"polling_interval_ms"`
	VisibleMask       uint64           `json:"visible_mask" yaml:"visible_mask"`
	Outputs           []OutputConfig   `json:"outputs" yaml:"outputs"`
	Logging           LoggingConfig    `json:"logging" yaml:"logging"`
	Simulation        SimulationConfig `json:"simulation" yaml:"simulation"`
	Conversion        ConversionConfig `json:"conversion" yaml:"conversion"`
}

func DefaultConversion() ConversionConfig {
	return ConversionConfig{
		VRef: 3.3,
		// TMP36: 10 mV/°C with a 500 mV offset
		TemperatureOffset: -0.5,
		TemperatureScale:  100,
		TemperatureBase:   0,
		// HIH-4030: Vout/Vsupply = 0.0062*RH + 0.16, true RH = RH/(1.0546 - 0.00216*T)
		HumidityVoltageOffset: 0.16,
		HumidityVoltageScale:  0.0062,
		HumidityTempOffset:    1.0546,
		HumidityTempScale:     -0.00216,
		// 10k NTC against a 10k reference, linearised around 25 °C
		ThermistorReferenceOhm: 10000,
		ThermistorScale:        -0.0028,
		ThermistorOffset:       53,
	}
}

func DefaultConfig() Config {
	return Config{
		SensorType: "real",
		Rheostat: RheostatConfig{
			Port:            "SPI0.0",
			SpeedHz:         125000,
			VerifyTimeoutMs: 1000,
			InitRetries:     1000,
			MaxOhms:         100000,
			NominalOhms:     35,
		},
		ADC: ADCConfig{
			Port:            "SPI0.1",
			SpeedHz:         1000000,
			NanoLine:        0,
			TemperatureLine: 1,
			HumidityLine:    2,
			ThermistorLine:  3,
		},
		Mux:               MuxConfig{Pins: []string{"GPIO5", "GPIO6", "GPIO13", "GPIO19"}},
		LEDPin:            "GPIO26",
		Rover:             RoverConfig{BaudRate: 9600, Speed: 0x20},
		NanoChannels:      MaxNanoChannels,
		PollingIntervalMs: 1000,
		VisibleMask:       math.MaxUint64,
		Outputs:           []OutputConfig{{Type: "console", IntervalMs: 1000}},
		Logging:           LoggingConfig{Level: "info", Format: "text", Output: "stderr"},
		Simulation: SimulationConfig{
			DefaultOhms:  47000,
			TemperatureC: 22,
			Humidity:     45,
			ThermistorC:  23,
			WriteLatency: 1,
		},
		Conversion: DefaultConversion(),
	}
}

// Visible reports whether channel is shown by display outputs.
func (c Config) Visible(channel int) bool {
	if channel < 0 || channel >= 64 {
		return true
	}
	return c.VisibleMask&(1<<uint(channel)) != 0
}

// LoadFromFlags loads configuration from the process arguments.
func LoadFromFlags() (Config, error) {
	return Load(os.Args[1:])
}

// Load reads an optional JSON or YAML config file (chosen by extension) and
// applies flags on top of it. Flags override values present in the file.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("nanosense", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to JSON or YAML config file")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")
	flagRheostatPort := fs.String("rheostat-port", "", "SPI port of the rheostat (e.g. SPI0.0)")
	flagADCPort := fs.String("adc-port", "", "SPI port of the MCP3008 (e.g. SPI0.1)")
	flagMuxPins := fs.String("mux-pins", "", "Comma-separated mux select GPIOs, LSB first")
	flagNano := fs.Int("nano-channels", -1, "Number of nano-sensor channels (1-16)")
	flagPolling := fs.Int("polling-interval-ms", -1, "Polling interval in ms")
	flagVisible := fs.String("visible", "", "Channel visibility e.g. 0=true,3=false")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt)")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT state topic, may contain %d for the channel")
	flagRoverPort := fs.String("rover-port", "", "Serial port of the rover (empty disables it)")
	flagRoverTilt := fs.String("rover-tilt-input", "", "Tilt source steering the rover: stdin")
	flagLogLevel := fs.String("log-level", "", "Log level: debug|info|warn|error")
	flagSimOhms := fs.String("sim-resistances", "", "Simulated sensor ohms e.g. 0=12000,1=56000")
	flagVerify := fs.Int("verify-timeout-ms", -1, "Rheostat write-verify timeout in ms")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()

	if *cfgPath != "" {
		if err := loadFile(*cfgPath, &cfg); err != nil {
			return cfg, err
		}
	}

	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagRheostatPort != "" {
		cfg.Rheostat.Port = *flagRheostatPort
	}
	if *flagADCPort != "" {
		cfg.ADC.Port = *flagADCPort
	}
	if *flagMuxPins != "" {
		cfg.Mux.Pins = parseCSV(*flagMuxPins)
	}
	if *flagNano != -1 {
		cfg.NanoChannels = *flagNano
	}
	if *flagPolling != -1 {
		cfg.PollingIntervalMs = *flagPolling
	}
	if *flagVerify != -1 {
		cfg.Rheostat.VerifyTimeoutMs = *flagVerify
	}
	if *flagVisible != "" {
		vis, err := parseKeyBoolMap(*flagVisible)
		if err != nil {
			return cfg, fmt.Errorf("visible: %w", err)
		}
		for ch, on := range vis {
			if ch < 0 || ch >= 64 {
				return cfg, fmt.Errorf("visible: channel %d out of range", ch)
			}
			if on {
				cfg.VisibleMask |= 1 << uint(ch)
			} else {
				cfg.VisibleMask &^= 1 << uint(ch)
			}
		}
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p, IntervalMs: cfg.PollingIntervalMs})
		}
		cfg.Outputs = outs
	}
	// map mqtt flags into every mqtt output, creating one if missing
	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" || *flagTopic != "" {
		apply := func(m *MQTTConfig) {
			if *flagMQTTServer != "" {
				m.Server = *flagMQTTServer
			}
			if *flagMQTTUser != "" {
				m.Username = *flagMQTTUser
			}
			if *flagMQTTPass != "" {
				m.Password = *flagMQTTPass
			}
			if *flagClientID != "" {
				m.ClientID = *flagClientID
			}
			if *flagTopic != "" {
				m.StateTopic = *flagTopic
			}
		}
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) == "mqtt" {
				if cfg.Outputs[i].MQTT == nil {
					cfg.Outputs[i].MQTT = &MQTTConfig{}
				}
				apply(cfg.Outputs[i].MQTT)
				applied = true
			}
		}
		if !applied {
			mqttOut := OutputConfig{Type: "mqtt", IntervalMs: cfg.PollingIntervalMs, MQTT: &MQTTConfig{}}
			apply(mqttOut.MQTT)
			cfg.Outputs = append(cfg.Outputs, mqttOut)
		}
	}
	if *flagRoverPort != "" {
		cfg.Rover.Port = *flagRoverPort
	}
	if *flagRoverTilt != "" {
		cfg.Rover.TiltInput = *flagRoverTilt
	}
	if *flagLogLevel != "" {
		cfg.Logging.Level = *flagLogLevel
	}
	if *flagSimOhms != "" {
		ohms, err := parseKeyFloatMap(*flagSimOhms)
		if err != nil {
			return cfg, fmt.Errorf("sim-resistances: %w", err)
		}
		cfg.Simulation.Resistances = ohms
	}

	// ensure outputs have interval default
	for i := range cfg.Outputs {
		if cfg.Outputs[i].IntervalMs == 0 {
			cfg.Outputs[i].IntervalMs = cfg.PollingIntervalMs
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	default:
		err = json.Unmarshal(b, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.PollingIntervalMs <= 0 {
		return errors.New("polling-interval-ms must be > 0")
	}
	if c.NanoChannels < 1 || c.NanoChannels > MaxNanoChannels {
		return fmt.Errorf("nano-channels must be between 1 and %d", MaxNanoChannels)
	}
	switch c.SensorType {
	case "real":
		if len(c.Mux.Pins) != MuxLines {
			return fmt.Errorf("mux needs exactly %d pins, got %d", MuxLines, len(c.Mux.Pins))
		}
	case "simulation":
	default:
		return fmt.Errorf("unknown sensor type %q", c.SensorType)
	}
	for _, o := range c.Outputs {
		switch strings.ToLower(o.Type) {
		case "console", "mqtt":
		default:
			return fmt.Errorf("unknown output type %q", o.Type)
		}
	}
	switch c.Rover.TiltInput {
	case "", "stdin":
	default:
		return fmt.Errorf("unknown rover tilt input %q", c.Rover.TiltInput)
	}
	if c.Conversion.VRef <= 0 {
		return errors.New("conversion vref must be > 0")
	}
	return nil
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func splitKeyValues(s string, fn func(key int, value string) error) error {
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("invalid entry '%s': want key=value", p)
		}
		k, err := strconv.Atoi(strings.TrimSpace(kv[0]))
		if err != nil {
			return fmt.Errorf("invalid key '%s': %w", kv[0], err)
		}
		if err := fn(k, strings.TrimSpace(kv[1])); err != nil {
			return err
		}
	}
	return nil
}

func parseKeyFloatMap(s string) (map[int]float64, error) {
	out := map[int]float64{}
	err := splitKeyValues(s, func(k int, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid value '%s': %w", v, err)
		}
		out[k] = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseKeyBoolMap(s string) (map[int]bool, error) {
	out := map[int]bool{}
	err := splitKeyValues(s, func(k int, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid value '%s': %w", v, err)
		}
		out[k] = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
