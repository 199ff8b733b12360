package actuator

import (
	"context"

	"github.com/gwillem/hadron/pkg/robot"
)

// Adapter writes targets to a driver using the channel of each motor and
// servo spec. It must only be used by one goroutine.
type Adapter struct {
	driver Driver
	motors []int
	servos []int
}

// NewAdapter maps target positions to driver channels.
func NewAdapter(d Driver, motors []robot.MotorSpec, servos []robot.ServoSpec) *Adapter {
	a := &Adapter{driver: d}
	for _, m := range motors {
		a.motors = append(a.motors, m.Channel)
	}
	for _, s := range servos {
		a.servos = append(a.servos, s.Channel)
	}
	return a
}

// Driver returns the wrapped driver.
func (a *Adapter) Driver() Driver { return a.driver }

// Apply writes every motor then every servo. The first failure stops the
// write and is returned as a *FatalError.
func (a *Adapter) Apply(ctx context.Context, t robot.Target) error {
	for i, speed := range t.MotorSpeeds {
		if i >= len(a.motors) {
			break
		}
		if err := a.driver.SetMotor(ctx, a.motors[i], speed); err != nil {
			return &FatalError{Op: "motor", Channel: a.motors[i], Err: err}
		}
	}
	for i, angle := range t.ServoAngles {
		if i >= len(a.servos) {
			break
		}
		if err := a.driver.SetServo(ctx, a.servos[i], angle); err != nil {
			return &FatalError{Op: "servo", Channel: a.servos[i], Err: err}
		}
	}
	return nil
}

// Stop writes zero to every motor, ignoring servos. It keeps going past
// failures and returns the first one.
func (a *Adapter) Stop(ctx context.Context) error {
	var first error
	for _, ch := range a.motors {
		if err := a.driver.SetMotor(ctx, ch, 0); err != nil && first == nil {
			first = &FatalError{Op: "motor", Channel: ch, Err: err}
		}
	}
	return first
}

// Recover asks the driver to restore itself. Drivers without a
// Recoverer are considered healthy.
func (a *Adapter) Recover(ctx context.Context) error {
	if r, ok := a.driver.(Recoverer); ok {
		return r.Recover(ctx)
	}
	return nil
}

// Close releases the driver.
func (a *Adapter) Close() error {
	return a.driver.Close()
}
