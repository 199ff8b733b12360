// Package fake provides an in-memory actuator driver for tests.
package fake

import (
	"context"
	"errors"
	"sync"

	"github.com/gwillem/hadron/pkg/actuator"
)

// ErrInjected is returned by writes while a failure is injected.
var ErrInjected = errors.New("injected hardware failure")

// Write records one driver call.
type Write struct {
	Op      string // "motor" or "servo"
	Channel int
	Speed   int16
	Angle   float64
}

// Driver records every write and can be told to fail.
type Driver struct {
	mu       sync.Mutex
	writes   []Write
	motors   map[int]int16
	servos   map[int]float64
	failing  bool
	recovers bool
	closed   bool
}

var _ actuator.Recoverer = (*Driver)(nil)

// New creates a healthy fake driver.
func New() *Driver {
	return &Driver{
		motors:   make(map[int]int16),
		servos:   make(map[int]float64),
		recovers: true,
	}
}

// Fail makes every write return ErrInjected until Heal is called.
// Recover keeps failing while canRecover is false.
func (d *Driver) Fail(canRecover bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = true
	d.recovers = canRecover
}

// Heal lets Recover succeed.
func (d *Driver) Heal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recovers = true
}

func (d *Driver) SetMotor(ctx context.Context, channel int, speed int16) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.motors[channel] = speed
	d.writes = append(d.writes, Write{Op: "motor", Channel: channel, Speed: speed})
	return nil
}

func (d *Driver) SetServo(ctx context.Context, channel int, angle float64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.servos[channel] = angle
	d.writes = append(d.writes, Write{Op: "servo", Channel: channel, Angle: angle})
	return nil
}

func (d *Driver) check() error {
	if d.closed {
		return actuator.ErrClosed
	}
	if d.failing {
		return ErrInjected
	}
	return nil
}

// Recover clears an injected failure when healing is allowed.
func (d *Driver) Recover(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.recovers {
		return ErrInjected
	}
	d.failing = false
	return nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Motor returns the last speed written to channel.
func (d *Driver) Motor(channel int) int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motors[channel]
}

// Servo returns the last angle written to channel.
func (d *Driver) Servo(channel int) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.servos[channel]
}

// Writes returns a copy of every recorded write.
func (d *Driver) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Write(nil), d.writes...)
}

// Reset forgets recorded writes.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = nil
}
