// Package motorhat drives the DC motor outputs of an Adafruit-style
// motor HAT (PCA9685 PWM controller feeding TB6612 H-bridges) over I2C.
package motorhat

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/pca9685"
	"periph.io/x/host/v3"

	"github.com/gwillem/hadron/pkg/actuator"
)

const (
	// DefaultAddr is the HAT's factory I2C address.
	DefaultAddr = 0x60
	// DefaultFreq suits the TB6612 drivers.
	DefaultFreq = 1600

	pwmMax = 4095
	// fullBit sets the PCA9685 full-on/full-off flag in an ON or OFF register.
	fullBit = 4096
)

// motorPins holds the PCA9685 channels wired to one H-bridge.
type motorPins struct {
	pwm, in1, in2 int
}

// pins maps motor numbers M1..M4 to PCA9685 channels.
var pins = map[int]motorPins{
	1: {pwm: 8, in1: 10, in2: 9},
	2: {pwm: 13, in1: 11, in2: 12},
	3: {pwm: 2, in1: 4, in2: 3},
	4: {pwm: 7, in1: 5, in2: 6},
}

// PWM is the subset of the PCA9685 device used by the driver.
type PWM interface {
	SetPwm(channel int, on, off gpio.Duty) error
}

// Config selects the I2C bus and device.
type Config struct {
	Bus  string // empty for the first bus
	Addr uint16
	Freq int // Hz
}

// Driver implements actuator.Driver for DC motors. Servo writes return
// actuator.ErrUnsupported.
type Driver struct {
	cfg Config
	// connect opens the bus and PWM device. Nil for drivers built by New,
	// which have nothing to reopen.
	connect func() (i2c.BusCloser, PWM, error)

	mu     sync.Mutex
	bus    i2c.BusCloser
	pwm    PWM
	closed bool
}

var _ actuator.Recoverer = (*Driver)(nil)

// Open initializes the host, opens the bus and configures the PWM frequency.
func Open(cfg Config) (*Driver, error) {
	if cfg.Addr == 0 {
		cfg.Addr = DefaultAddr
	}
	if cfg.Freq <= 0 {
		cfg.Freq = DefaultFreq
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host: %w", err)
	}
	d := &Driver{cfg: cfg}
	d.connect = d.dial
	bus, pwm, err := d.connect()
	if err != nil {
		return nil, err
	}
	d.bus, d.pwm = bus, pwm
	return d, nil
}

// New wraps an already configured PWM device.
func New(pwm PWM) *Driver {
	return &Driver{pwm: pwm}
}

func (d *Driver) dial() (i2c.BusCloser, PWM, error) {
	bus, err := i2creg.Open(d.cfg.Bus)
	if err != nil {
		return nil, nil, fmt.Errorf("open i2c bus %q: %w", d.cfg.Bus, err)
	}
	dev, err := pca9685.NewI2C(bus, d.cfg.Addr)
	if err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("open pca9685 at %#x: %w", d.cfg.Addr, err)
	}
	if err := dev.SetPwmFreq(physic.Frequency(d.cfg.Freq) * physic.Hertz); err != nil {
		bus.Close()
		return nil, nil, fmt.Errorf("set pwm frequency: %w", err)
	}
	return bus, dev, nil
}

// SetMotor drives motor channel (1-4). Positive speeds run forward.
func (d *Driver) SetMotor(ctx context.Context, channel int, speed int16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, ok := pins[channel]
	if !ok {
		return fmt.Errorf("motor channel %d: want 1-4", channel)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.pwm == nil {
		return actuator.ErrClosed
	}

	in1, in2 := false, false
	switch {
	case speed > 0:
		in1 = true
	case speed < 0:
		in2 = true
	}
	if err := d.setPin(p.in1, in1); err != nil {
		return err
	}
	if err := d.setPin(p.in2, in2); err != nil {
		return err
	}
	if err := d.pwm.SetPwm(p.pwm, 0, gpio.Duty(Duty(speed))); err != nil {
		return fmt.Errorf("set pwm %d: %w", p.pwm, err)
	}
	return nil
}

// SetServo is not supported at motor PWM frequencies.
func (d *Driver) SetServo(ctx context.Context, channel int, angle float64) error {
	return actuator.ErrUnsupported
}

// Recover reopens the bus after a failure. Until a reopen succeeds,
// motor writes return actuator.ErrClosed.
func (d *Driver) Recover(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return actuator.ErrClosed
	}
	if d.connect == nil {
		return nil
	}
	if d.bus != nil {
		d.bus.Close()
	}
	d.bus, d.pwm = nil, nil
	bus, pwm, err := d.connect()
	if err != nil {
		return err
	}
	d.bus, d.pwm = bus, pwm
	return nil
}

// Close releases every motor and the bus.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var first error
	if d.pwm != nil {
		for _, p := range pins {
			for _, ch := range []int{p.in1, p.in2, p.pwm} {
				if err := d.setPin(ch, false); err != nil && first == nil {
					first = err
				}
			}
		}
	}
	if d.bus != nil {
		if err := d.bus.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (d *Driver) setPin(channel int, high bool) error {
	var err error
	if high {
		err = d.pwm.SetPwm(channel, fullBit, 0)
	} else {
		err = d.pwm.SetPwm(channel, 0, fullBit)
	}
	if err != nil {
		return fmt.Errorf("set pin %d: %w", channel, err)
	}
	return nil
}

// Duty converts a signed speed to a 12-bit PWM off count.
func Duty(speed int16) int {
	v := int(speed)
	if v < 0 {
		v = -v
	}
	return v * pwmMax / 32767
}
