// Package rheostat drives an AD5271 256-position digital rheostat over a
// full-duplex SPI link (mode 1, MSB first).
//
// Frames are 16 bits: two don't-care bits, a 4-bit command and 10 data bits.
// The device clocks the previous frame back out on SDO, so a command is only
// echoed one exchange after it was sent.
package rheostat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericogr/nanosense/pkg/bus"
)

const (
	// command 1: write RDAC, data bits D9..D2 carry the tap
	cmdWriteRDAC = 0x04
	// command 7: write control register with C1 set (RDAC write enabled)
	cmdInitUpper = 0x1C
	cmdInitLower = 0x02
	// command 2: read RDAC, fetched one byte at a time
	cmdReadUpper = 0x08
	cmdReadLower = 0x00

	MaxTap = 255

	DefaultVerifyTimeout = time.Second
	DefaultInitRetries   = 1000
)

var (
	// ErrNotResponding means the enable command was never echoed back.
	ErrNotResponding = errors.New("rheostat not responding")
	// ErrVerifyFailed means a written tap never read back, even after a re-send.
	ErrVerifyFailed = errors.New("rheostat tap readback mismatch")
)

type Driver struct {
	conn          bus.Duplex
	verifyTimeout time.Duration
	initRetries   int
	now           func() time.Time
	log           *slog.Logger
}

type Option func(*Driver)

func WithVerifyTimeout(d time.Duration) Option {
	return func(r *Driver) {
		if d > 0 {
			r.verifyTimeout = d
		}
	}
}

func WithInitRetries(n int) Option {
	return func(r *Driver) {
		if n > 0 {
			r.initRetries = n
		}
	}
}

// WithClock replaces the time source used for the write-verify timeout.
func WithClock(now func() time.Time) Option {
	return func(r *Driver) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Driver) {
		if l != nil {
			r.log = l
		}
	}
}

func New(conn bus.Duplex, opts ...Option) *Driver {
	d := &Driver{
		conn:          conn,
		verifyTimeout: DefaultVerifyTimeout,
		initRetries:   DefaultInitRetries,
		now:           time.Now,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With("component", "rheostat")
	return d
}

// EncodeWrite builds the write-RDAC frame for tap.
func EncodeWrite(tap uint8) [2]byte {
	return [2]byte{cmdWriteRDAC | tap>>6, tap << 2}
}

// DecodeTap reassembles the 8-bit tap from the two RDAC bytes. The lowest
// two bits of the lower byte are unused on the 8-bit part.
func DecodeTap(upper, lower byte) uint8 {
	return (upper&0x03)<<6 | lower>>2
}

// Initialize enables RDAC writes. The enable command is sent, then re-sent
// until the device echoes it back unchanged.
func (d *Driver) Initialize(ctx context.Context) error {
	cmd := []byte{cmdInitUpper, cmdInitLower}
	if _, err := d.conn.WriteRead(cmd, len(cmd)); err != nil {
		return fmt.Errorf("rheostat init: %w", err)
	}
	for attempt := 1; attempt <= d.initRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		echo, err := d.conn.WriteRead(cmd, len(cmd))
		if err != nil {
			return fmt.Errorf("rheostat init: %w", err)
		}
		if echo[0] == cmd[0] && echo[1] == cmd[1] {
			d.log.Info("rheostat initialized", "attempts", attempt)
			return nil
		}
		d.log.Debug("rheostat init echo mismatch", "attempt", attempt, "upper", echo[0], "lower", echo[1])
	}
	return fmt.Errorf("%w after %d attempts", ErrNotResponding, d.initRetries)
}

// WriteTap sends the tap without waiting for it to take effect.
func (d *Driver) WriteTap(tap uint8) error {
	frame := EncodeWrite(tap)
	d.log.Debug("rheostat write", "tap", tap, "upper", frame[0], "lower", frame[1])
	if _, err := d.conn.WriteRead(frame[:], len(frame)); err != nil {
		return fmt.Errorf("rheostat write %d: %w", tap, err)
	}
	return nil
}

// ReadTap reads the RDAC register. The 16-bit response has to be fetched as
// two single-byte round trips.
func (d *Driver) ReadTap() (uint8, error) {
	upper, err := d.conn.WriteRead([]byte{cmdReadUpper}, 1)
	if err != nil {
		return 0, fmt.Errorf("rheostat read upper: %w", err)
	}
	lower, err := d.conn.WriteRead([]byte{cmdReadLower}, 1)
	if err != nil {
		return 0, fmt.Errorf("rheostat read lower: %w", err)
	}
	return DecodeTap(upper[0], lower[0]), nil
}

// WriteAndVerify writes tap and busy-polls the register until it reads back.
// When the verify timeout elapses the write is re-sent once; a second
// timeout fails with ErrVerifyFailed.
func (d *Driver) WriteAndVerify(ctx context.Context, tap uint8) error {
	if err := d.WriteTap(tap); err != nil {
		return err
	}
	start := d.now()
	resent := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		got, err := d.ReadTap()
		if err != nil {
			return err
		}
		if got == tap {
			return nil
		}
		if d.now().Sub(start) <= d.verifyTimeout {
			continue
		}
		if resent {
			return fmt.Errorf("%w: wrote %d, read %d", ErrVerifyFailed, tap, got)
		}
		d.log.Warn("rheostat readback timed out, re-sending", "tap", tap, "read", got)
		if err := d.WriteTap(tap); err != nil {
			return err
		}
		resent = true
		start = d.now()
	}
}
