package gamepad

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/hadron/pkg/clock"
	"github.com/gwillem/hadron/pkg/input"
	"github.com/gwillem/hadron/pkg/video"
)

// Sink receives controller reports. Each device connection gets its own
// Conn, closed when the device goes away.
type Sink interface {
	Connect(device string) (Conn, error)
}

// Conn is one controller connection.
type Conn interface {
	Send(r input.GamepadReport) error
	Close()
}

// Config holds reader settings.
type Config struct {
	// Device is a device path or "auto".
	Device string
	// Repeat resends the report at this interval while the controller
	// is engaged so a held stick stays fresh.
	Repeat time.Duration
	// Deadzone is the engagement threshold as a fraction of full scale.
	Deadzone float64
	Backoff  video.BackoffConfig
	// Open opens a device path. Nil uses Open.
	Open func(path string) (Device, error)
}

// Reader forwards controller state to a Sink and reconnects after
// the device disappears.
type Reader struct {
	cfg    Config
	sink   Sink
	clock  clock.Clock
	logger zerolog.Logger
}

// NewReader creates a reader. A nil clock uses the real clock.
func NewReader(cfg Config, sink Sink, clk clock.Clock, logger zerolog.Logger) *Reader {
	if cfg.Repeat <= 0 {
		cfg.Repeat = 100 * time.Millisecond
	}
	if cfg.Deadzone <= 0 {
		cfg.Deadzone = 0.1
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = time.Second
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = 10 * time.Second
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = 2
	}
	if cfg.Open == nil {
		cfg.Open = Open
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Reader{
		cfg:    cfg,
		sink:   sink,
		clock:  clk,
		logger: logger.With().Str("component", "gamepad").Logger(),
	}
}

// Run reads controllers until ctx is done.
func (r *Reader) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errDeviceLost) {
			attempt = 0
		}
		attempt++
		delay := r.cfg.Backoff.Delay(attempt, nil)
		if errors.Is(err, ErrNoDevice) {
			r.logger.Debug().Dur("retry_in", delay).Msg("no controller connected")
		} else {
			r.logger.Warn().Err(err).Dur("retry_in", delay).Msg("controller disconnected")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(delay):
		}
	}
}

var errDeviceLost = errors.New("device lost")

// session handles one device connection from open to loss.
func (r *Reader) session(ctx context.Context) error {
	path, err := Resolve(r.cfg.Device)
	if err != nil {
		return err
	}
	dev, err := r.cfg.Open(path)
	if err != nil {
		return err
	}
	defer dev.Close()

	conn, err := r.sink.Connect(path)
	if err != nil {
		return fmt.Errorf("connect %s: %w", path, err)
	}
	defer conn.Close()
	r.logger.Info().Str("device", path).Str("name", dev.Name()).Msg("controller connected")

	events := make(chan Event)
	readErr := make(chan error, 1)
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			ev, err := dev.ReadEvent()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case events <- ev:
			case <-readCtx.Done():
				return
			}
		}
	}()

	state := NewState()
	repeat := r.clock.NewTicker(r.cfg.Repeat)
	defer repeat.Stop()

	send := func() {
		if err := conn.Send(state.Report()); err != nil {
			r.logger.Debug().Err(err).Msg("gamepad report rejected")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("%w: %s: %w", errDeviceLost, path, err)
		case ev := <-events:
			if state.Apply(ev) {
				send()
			}
		case <-repeat.C:
			if state.Engaged(r.cfg.Deadzone) {
				send()
			}
		}
	}
}
