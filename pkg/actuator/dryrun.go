package actuator

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// DryRun logs writes instead of touching hardware. Only changes are
// logged so a steady target stays quiet.
type DryRun struct {
	logger zerolog.Logger

	mu     sync.Mutex
	motors map[int]int16
	servos map[int]float64
}

// NewDryRun returns a driver that logs to logger.
func NewDryRun(logger zerolog.Logger) *DryRun {
	return &DryRun{
		logger: logger.With().Str("driver", "dryrun").Logger(),
		motors: make(map[int]int16),
		servos: make(map[int]float64),
	}
}

func (d *DryRun) SetMotor(ctx context.Context, channel int, speed int16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.motors[channel]; !ok || prev != speed {
		d.logger.Debug().Int("channel", channel).Int16("speed", speed).Msg("set motor")
	}
	d.motors[channel] = speed
	return nil
}

func (d *DryRun) SetServo(ctx context.Context, channel int, angle float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.servos[channel]; !ok || prev != angle {
		d.logger.Debug().Int("channel", channel).Float64("angle", angle).Msg("set servo")
	}
	d.servos[channel] = angle
	return nil
}

// Motor returns the last speed written to channel.
func (d *DryRun) Motor(channel int) int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.motors[channel]
}

func (d *DryRun) Close() error {
	d.logger.Info().Msg("dry-run driver closed")
	return nil
}
