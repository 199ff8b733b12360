// Package actuator drives motors and servos from control targets and
// turns every hardware failure into a fatal, non-retried error.
package actuator

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrFatal marks errors that halt actuation until the driver recovers.
	ErrFatal = errors.New("fatal actuator error")
	// ErrUnsupported is returned by drivers for actuator classes they lack.
	ErrUnsupported = errors.New("unsupported actuator")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("driver closed")
)

// Driver is the hardware abstraction for a motor/servo board.
type Driver interface {
	// SetMotor sets a DC motor; speed is signed, full scale ±32767.
	SetMotor(ctx context.Context, channel int, speed int16) error
	// SetServo moves a positional servo to angle degrees.
	SetServo(ctx context.Context, channel int, angle float64) error
	Close() error
}

// Recoverer is implemented by drivers that can report or restore health
// after a fault. Recover returns nil once writes may resume.
type Recoverer interface {
	Recover(ctx context.Context) error
}

// FatalError wraps a driver failure with the write that caused it.
type FatalError struct {
	Op      string // "motor" or "servo"
	Channel int
	Err     error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s channel %d: %v", e.Op, e.Channel, e.Err)
}

// Unwrap exposes both the fatal marker and the driver error.
func (e *FatalError) Unwrap() []error {
	return []error{ErrFatal, e.Err}
}
