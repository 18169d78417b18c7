package sensor

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/ericogr/nanosense/pkg/bus"
	"github.com/ericogr/nanosense/pkg/config"
)

// FakeBoard simulates the whole front end: an AD5271 on the duplex link, the
// analog mux, the sensor bridges and the three auxiliary sensors.
type FakeBoard struct {
	mu     sync.Mutex
	consts Constants
	rng    *rand.Rand

	ohms        []float64
	tempC       float64
	humidity    float64
	thermistorC float64
	noise       float64

	// rheostat state
	shift     [2]byte
	enabled   bool
	rdac      uint8
	pending   bool
	next      uint8
	countdown int
	latency   int
	initDelay int
	writes    int

	address int
	led     bool
	lost    bool
}

func NewFakeBoard(cfg config.Config) *FakeBoard {
	return &FakeBoard{
		consts:      ConstantsFromConfig(cfg),
		rng:         rand.New(rand.NewSource(1)),
		ohms:        simulatedOhms(cfg),
		tempC:       cfg.Simulation.TemperatureC,
		humidity:    cfg.Simulation.Humidity,
		thermistorC: cfg.Simulation.ThermistorC,
		noise:       cfg.Simulation.Noise,
		latency:     cfg.Simulation.WriteLatency,
		initDelay:   cfg.Simulation.InitEchoDelay,
	}
}

// Board exposes the simulated primitives.
func (f *FakeBoard) Board() *Board {
	b := &Board{Rheostat: fakeRheostat{f}, LED: fakePin{f: f, bit: -1}}
	for i := range b.Mux {
		b.Mux[i] = fakePin{f: f, bit: i}
	}
	for i := range b.Lines {
		b.Lines[i] = fakeLine{f: f, line: i}
	}
	return b
}

// Disconnect makes every later transport call fail with bus.ErrLinkLost.
func (f *FakeBoard) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = true
}

func (f *FakeBoard) SetResistance(channel int, ohms float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ohms[channel] = ohms
}

func (f *FakeBoard) SetEnvironment(tempC, humidity, thermistorC float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tempC, f.humidity, f.thermistorC = tempC, humidity, thermistorC
}

func (f *FakeBoard) Tap() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rdac
}

func (f *FakeBoard) Address() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.address
}

func (f *FakeBoard) LEDOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.led
}

// Writes counts RDAC write frames received.
func (f *FakeBoard) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *FakeBoard) lostErr(op string) error {
	return fmt.Errorf("%w: %s", bus.ErrLinkLost, op)
}

type fakeRheostat struct{ f *FakeBoard }

func (r fakeRheostat) WriteRead(out []byte, readLen int) ([]byte, error) {
	f := r.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost {
		return nil, f.lostErr("spi tx")
	}
	if len(out) == 1 {
		f.settle()
		if out[0] == 0x08 {
			return []byte{f.rdac >> 6}, nil
		}
		return []byte{f.rdac << 2}, nil
	}

	echo := []byte{f.shift[0], f.shift[1]}
	if f.initDelay > 0 {
		f.initDelay--
		echo = []byte{0xFF, 0xFF}
	}
	f.shift = [2]byte{out[0], out[1]}
	switch out[0] &^ 0x03 {
	case 0x1C:
		f.enabled = out[1]&0x02 != 0
	case 0x04:
		f.writes++
		if f.enabled {
			f.next = (out[0]&0x03)<<6 | out[1]>>2
			f.pending = true
			f.countdown = f.latency
		}
	}
	return echo[:readLen], nil
}

// settle lands a pending write after latency reads.
func (f *FakeBoard) settle() {
	if !f.pending {
		return
	}
	if f.countdown > 0 {
		f.countdown--
		return
	}
	f.rdac = f.next
	f.pending = false
}

type fakePin struct {
	f   *FakeBoard
	bit int
}

func (p fakePin) Write(v bool) error {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if p.f.lost {
		return p.f.lostErr("gpio")
	}
	if p.bit < 0 {
		p.f.led = v
		return nil
	}
	mask := 1 << p.bit
	if v {
		p.f.address |= mask
	} else {
		p.f.address &^= mask
	}
	return nil
}

func (p fakePin) Read() (bool, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	if p.f.lost {
		return false, p.f.lostErr("gpio")
	}
	if p.bit < 0 {
		return p.f.led, nil
	}
	return p.f.address&(1<<p.bit) != 0, nil
}

type fakeLine struct {
	f    *FakeBoard
	line int
}

func (l fakeLine) ReadNormalized() (float64, error) {
	f := l.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lost {
		return 0, f.lostErr("adc")
	}
	c := f.consts
	var n float64
	switch l.line {
	case LineNano:
		if f.address < len(f.ohms) {
			rs := f.ohms[f.address]
			n = rs / (rs + c.DividerOhms(f.rdac))
		}
	case LineTemperature:
		v := (f.tempC-c.TemperatureBase)/c.TemperatureScale - c.TemperatureOffset
		n = v / c.VRef
	case LineHumidity:
		raw := f.humidity * (c.HumidityTempOffset + c.HumidityTempScale*f.tempC)
		n = raw*c.HumidityVoltageScale + c.HumidityVoltageOffset
	case LineThermistor:
		r := (f.thermistorC - c.ThermistorOffset) / c.ThermistorScale
		n = c.ThermistorReferenceOhm / (r + c.ThermistorReferenceOhm)
	}
	if f.noise > 0 {
		n += f.noise * (f.rng.Float64() - 0.5)
	}
	return min(1, max(0, n)), nil
}
