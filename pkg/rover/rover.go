// Package rover drives the two-wheel auxiliary unit over a UART link with
// fixed four byte frames: left opcode, left speed, right opcode, right speed.
package rover

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/ericogr/nanosense/pkg/config"
	"go.bug.st/serial"
)

const (
	LeftForward   byte = 0xC1
	LeftReverse   byte = 0xC2
	RightForward  byte = 0xC5
	RightReverse  byte = 0xC6
	DefaultSpeed       = 0x20
	DefaultBaud        = 9600
	maxMagnitude       = 255
	tiltDeadZone       = 3
	tiltTurnZone       = 1
	gravity            = 9.8
	tiltTurnScale      = 1.25
)

type Frame [4]byte

// StopFrame halts both wheels.
func StopFrame() Frame {
	return Frame{LeftForward, 0, RightForward, 0}
}

// EncodeWheels builds a frame from signed wheel speeds. Negative speeds
// select the reverse opcode; magnitudes are clamped to 255.
func EncodeWheels(left, right float64) Frame {
	lop, rop := LeftForward, RightForward
	if left < 0 {
		lop = LeftReverse
	}
	if right < 0 {
		rop = RightReverse
	}
	return Frame{lop, magnitude(left), rop, magnitude(right)}
}

func magnitude(v float64) byte {
	return byte(math.Min(math.Abs(v), maxMagnitude))
}

// Rover sends frames to the actuator link. Safe for concurrent use.
type Rover struct {
	mu    sync.Mutex
	w     io.Writer
	speed float64
	log   *slog.Logger
}

// New wraps an already open link.
func New(w io.Writer, speed int, log *slog.Logger) *Rover {
	if speed == 0 {
		speed = DefaultSpeed
	}
	if log == nil {
		log = slog.Default()
	}
	return &Rover{w: w, speed: float64(speed), log: log.With("component", "rover")}
}

// Open opens the serial port (8N1) and stops the wheels.
func Open(cfg config.RoverConfig, log *slog.Logger) (*Rover, error) {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaud
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}
	r := New(port, cfg.Speed, log)
	if err := r.Stop(); err != nil {
		port.Close()
		return nil, err
	}
	return r, nil
}

func (r *Rover) send(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(f[:]); err != nil {
		return fmt.Errorf("rover write: %w", err)
	}
	r.log.Debug("frame sent", "frame", fmt.Sprintf("% X", f[:]))
	return nil
}

func (r *Rover) Stop() error {
	return r.send(StopFrame())
}

func (r *Rover) SetWheels(left, right float64) error {
	return r.send(EncodeWheels(left, right))
}

// MoveRelative steers from a tilt reading. dx drives forward or backward
// (positive dx reverses), dy turns by slowing one wheel. Small dx stops.
func (r *Rover) MoveRelative(dx, dy float64) error {
	if math.Abs(dx) <= tiltDeadZone {
		return r.Stop()
	}
	turn := math.Max(-1, math.Min(1, dy/gravity/tiltTurnScale))
	left, right := r.speed, r.speed
	if math.Abs(dy) > tiltTurnZone {
		switch {
		case turn < 0:
			left = r.speed * (2*turn + 1)
		case turn > 0:
			right = r.speed * (-2*turn + 1)
		}
	}
	if dx > 0 {
		left, right = -left, -right
	}
	return r.SetWheels(left, right)
}

// Steer reads tilt readings, one "dx dy" pair per line, and feeds them to
// MoveRelative until in is exhausted or ctx is done. Malformed lines are
// skipped. The wheels are stopped on return.
func (r *Rover) Steer(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return r.stopAfter(err)
		}
		var dx, dy float64
		if _, err := fmt.Sscan(sc.Text(), &dx, &dy); err != nil {
			r.log.Warn("ignoring tilt line", "line", sc.Text(), "error", err)
			continue
		}
		if err := r.MoveRelative(dx, dy); err != nil {
			return err
		}
	}
	return r.stopAfter(sc.Err())
}

func (r *Rover) stopAfter(err error) error {
	if stopErr := r.Stop(); err == nil {
		err = stopErr
	}
	return err
}

// Close stops the wheels and closes the link when it is closable.
func (r *Rover) Close() error {
	stopErr := r.Stop()
	if c, ok := r.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return stopErr
}
