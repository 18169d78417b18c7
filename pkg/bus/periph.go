package bus

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// SPI is a Duplex backed by a periph.io SPI port.
type SPI struct {
	port spi.PortCloser
	conn spi.Conn
}

// OpenSPI opens the named SPI port (e.g. "/dev/spidev0.0" or "SPI0.0") with
// 8-bit words, most-significant bit first.
func OpenSPI(name string, freq physic.Frequency, mode spi.Mode) (*SPI, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	port, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open spi %q: %w", name, err)
	}
	conn, err := port.Connect(freq, mode, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("connect spi %q: %w", name, err)
	}
	return &SPI{port: port, conn: conn}, nil
}

func (s *SPI) WriteRead(out []byte, readLen int) ([]byte, error) {
	n := len(out)
	if readLen > n {
		n = readLen
	}
	w := make([]byte, n)
	copy(w, out)
	r := make([]byte, n)
	if err := s.conn.Tx(w, r); err != nil {
		return nil, linkLost("spi tx", err)
	}
	return r[n-readLen:], nil
}

func (s *SPI) Close() error {
	if s.port != nil {
		return s.port.Close()
	}
	return nil
}

// Pin is a DigitalLine backed by a periph.io GPIO pin driven as an output.
type Pin struct {
	pin gpio.PinIO
}

// OpenPin looks up a GPIO by name (e.g. "GPIO17") and drives it low.
func OpenPin(name string) (*Pin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio %q not found", name)
	}
	if err := p.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("gpio %q out: %w", name, err)
	}
	return &Pin{pin: p}, nil
}

func (p *Pin) Write(v bool) error {
	if err := p.pin.Out(gpio.Level(v)); err != nil {
		return linkLost("gpio "+p.pin.Name(), err)
	}
	return nil
}

func (p *Pin) Read() (bool, error) {
	return bool(p.pin.Read()), nil
}

// MCP3008 is an AnalogLine reading one single-ended input of an MCP3008
// 10-bit ADC shared over a Duplex link.
type MCP3008 struct {
	conn    Duplex
	channel int
}

// MCP3008FullScale is the largest code the converter produces.
const MCP3008FullScale = 1023

func NewMCP3008(conn Duplex, channel int) (*MCP3008, error) {
	if channel < 0 || channel > 7 {
		return nil, fmt.Errorf("invalid mcp3008 channel %d", channel)
	}
	return &MCP3008{conn: conn, channel: channel}, nil
}

func (m *MCP3008) ReadNormalized() (float64, error) {
	// start bit, single-ended + channel, then 8 clocks for the low byte
	rx, err := m.conn.WriteRead([]byte{1, byte((8 + m.channel) << 4), 0}, 3)
	if err != nil {
		return 0, err
	}
	code := (int(rx[1])<<8 | int(rx[2])) & 0x3FF
	return float64(code) / MCP3008FullScale, nil
}
