package actuator

import (
	"context"
	"errors"
)

// Mux routes motor writes to one driver and servo writes to another.
type Mux struct {
	Motors Driver
	Servos Driver
}

func (m *Mux) SetMotor(ctx context.Context, channel int, speed int16) error {
	if m.Motors == nil {
		return ErrUnsupported
	}
	return m.Motors.SetMotor(ctx, channel, speed)
}

func (m *Mux) SetServo(ctx context.Context, channel int, angle float64) error {
	if m.Servos == nil {
		return ErrUnsupported
	}
	return m.Servos.SetServo(ctx, channel, angle)
}

// Recover recovers both drivers.
func (m *Mux) Recover(ctx context.Context) error {
	var errs []error
	for _, d := range m.drivers() {
		if r, ok := d.(Recoverer); ok {
			errs = append(errs, r.Recover(ctx))
		}
	}
	return errors.Join(errs...)
}

func (m *Mux) Close() error {
	var errs []error
	for _, d := range m.drivers() {
		errs = append(errs, d.Close())
	}
	return errors.Join(errs...)
}

func (m *Mux) drivers() []Driver {
	var out []Driver
	if m.Motors != nil {
		out = append(out, m.Motors)
	}
	if m.Servos != nil && m.Servos != m.Motors {
		out = append(out, m.Servos)
	}
	return out
}
