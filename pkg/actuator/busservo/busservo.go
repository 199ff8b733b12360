// Package busservo drives Feetech STS bus servos, used for the camera head.
package busservo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"

	"github.com/gwillem/hadron/pkg/actuator"
	"github.com/gwillem/hadron/pkg/robot"
)

// DefaultBaudRate is the STS factory baud rate.
const DefaultBaudRate = 1_000_000

// Config selects the serial bus and servo layout.
type Config struct {
	Port        string
	BaudRate    int
	Servos      []robot.ServoSpec
	Calibration robot.Calibration
}

// Driver implements actuator.Driver for positional bus servos. A servo
// spec's channel is its bus ID unless calibration names another ID.
type Driver struct {
	cfg    Config
	byChan map[int]servo

	mu     sync.Mutex
	bus    *feetech.Bus
	group  *feetech.ServoGroup
	closed bool
}

type servo struct {
	id   int
	spec robot.ServoSpec
	cal  robot.ServoCalibration
}

var _ actuator.Recoverer = (*Driver)(nil)

// Open connects to the bus and enables torque on every configured servo.
func Open(ctx context.Context, cfg Config) (*Driver, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	d := &Driver{cfg: cfg, byChan: layout(cfg.Servos, cfg.Calibration)}
	if err := d.open(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// layout resolves each servo spec to a bus ID and calibration. Servos
// without calibration use the full 12-bit position range.
func layout(specs []robot.ServoSpec, cal robot.Calibration) map[int]servo {
	out := make(map[int]servo, len(specs))
	for _, spec := range specs {
		sc, ok := cal[spec.Name]
		if !ok {
			sc = robot.ServoCalibration{ID: spec.Channel, RangeMin: 0, RangeMax: 4095}
		}
		if sc.ID == 0 {
			sc.ID = spec.Channel
		}
		out[spec.Channel] = servo{id: sc.ID, spec: spec, cal: sc}
	}
	return out
}

func (d *Driver) open(ctx context.Context) error {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     d.cfg.Port,
		BaudRate: d.cfg.BaudRate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}

	ids := make([]int, 0, len(d.byChan))
	for _, s := range d.byChan {
		ids = append(ids, s.id)
	}
	group := feetech.NewServoGroupByIDs(bus, ids...)
	if err := group.EnableAll(ctx); err != nil {
		bus.Close()
		return fmt.Errorf("enable servos: %w", err)
	}

	d.bus = bus
	d.group = group
	return nil
}

func (d *Driver) SetMotor(ctx context.Context, channel int, speed int16) error {
	return actuator.ErrUnsupported
}

// SetServo moves the servo on channel to angle degrees.
func (d *Driver) SetServo(ctx context.Context, channel int, angle float64) error {
	s, ok := d.byChan[channel]
	if !ok {
		return fmt.Errorf("servo channel %d not configured", channel)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.group == nil {
		return actuator.ErrClosed
	}
	raw := s.cal.AngleToRaw(s.spec, angle)
	if err := d.group.SetPositions(ctx, feetech.PositionMap{s.id: raw}); err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return nil
}

// Recover reopens the serial bus.
func (d *Driver) Recover(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return actuator.ErrClosed
	}
	if d.bus != nil {
		d.bus.Close()
		d.bus, d.group = nil, nil
	}
	return d.open(ctx)
}

// Close disables torque and closes the bus.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.bus == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.group.DisableAll(ctx)
	return d.bus.Close()
}
