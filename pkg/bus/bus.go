package bus

import (
	"errors"
	"fmt"
)

// ErrLinkLost is returned (wrapped) by every transport call once the
// physical connection to the board has dropped.
var ErrLinkLost = errors.New("link lost")

// Duplex is a synchronous full-duplex byte exchange, the SPI-like link.
// WriteRead clocks out and returns the last readLen bytes clocked in.
type Duplex interface {
	WriteRead(out []byte, readLen int) ([]byte, error)
}

// DigitalLine is a discrete select or indicator line.
type DigitalLine interface {
	Write(v bool) error
	Read() (bool, error)
}

// AnalogLine returns the line's reading scaled to [0.0, 1.0].
type AnalogLine interface {
	ReadNormalized() (float64, error)
}

// IsLinkLost reports whether err originates from a dropped connection.
func IsLinkLost(err error) bool {
	return errors.Is(err, ErrLinkLost)
}

func linkLost(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrLinkLost, op, err)
}
