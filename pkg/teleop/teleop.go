// Package teleop runs the fixed-rate control loop that turns the
// arbitrated state into motor and servo writes.
package teleop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/hadron/pkg/actuator"
	"github.com/gwillem/hadron/pkg/arbiter"
	"github.com/gwillem/hadron/pkg/clock"
	"github.com/gwillem/hadron/pkg/command"
	"github.com/gwillem/hadron/pkg/observability"
	"github.com/gwillem/hadron/pkg/robot"
)

// Defaults for Config.
const (
	DefaultPeriod         = 50 * time.Millisecond
	DefaultDeadmanTimeout = 500 * time.Millisecond
)

// Mode describes what the loop did on its last tick.
type Mode string

// Loop modes.
const (
	ModeActive  Mode = "active"  // driving from fresh input
	ModeDeadman Mode = "deadman" // no fresh input, motors stopped
	ModeEStop   Mode = "estop"   // emergency stop held
	ModeFault   Mode = "fault"   // actuator failed, writes halted
	ModeStopped Mode = "stopped" // loop not running
)

// Status is a snapshot of the loop after a tick.
type Status struct {
	Mode      Mode
	State     arbiter.State
	Target    robot.Target
	Err       error
	Tick      uint64
	Timestamp time.Time
}

// Resolver produces the arbitrated state each tick.
type Resolver interface {
	Resolve() arbiter.State
}

// Config holds loop settings.
type Config struct {
	Period         time.Duration
	DeadmanTimeout time.Duration
	Slew           robot.Slew
	// OnModeChange is called from the loop goroutine on every mode
	// transition. It must not block.
	OnModeChange func(Status)
}

// Controller is the sole writer to the actuator adapter.
type Controller struct {
	resolver Resolver
	mixer    *robot.Mixer
	act      *actuator.Adapter
	clock    clock.Clock
	logger   zerolog.Logger
	cfg      Config

	mu      sync.RWMutex
	status  Status
	running bool

	// Owned by the loop goroutine.
	last    robot.Target
	faulted bool
	tick    uint64

	stateCh chan Status
}

// NewController creates a controller. A nil clock uses the real clock.
func NewController(cfg Config, r Resolver, m *robot.Mixer, act *actuator.Adapter, clk clock.Clock, logger zerolog.Logger) *Controller {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.DeadmanTimeout <= 0 {
		cfg.DeadmanTimeout = DefaultDeadmanTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	neutral := m.Neutral(robot.Target{})
	return &Controller{
		resolver: r,
		mixer:    m,
		act:      act,
		clock:    clk,
		logger:   logger.With().Str("component", "control").Logger(),
		cfg:      cfg,
		status:   Status{Mode: ModeStopped, Target: neutral},
		last:     neutral,
		stateCh:  make(chan Status, 1),
	}
}

// States returns a channel that receives status updates. Only the
// latest status is kept when the reader falls behind.
func (c *Controller) States() <-chan Status {
	return c.stateCh
}

// Status returns the status after the most recent tick.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Period returns the tick interval.
func (c *Controller) Period() time.Duration {
	return c.cfg.Period
}

// Run drives the loop until ctx is cancelled, then stops the motors.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("already running")
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info().Dur("period", c.cfg.Period).Dur("deadman", c.cfg.DeadmanTimeout).Msg("control loop started")

	ticker := c.clock.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one control step: resolve, map, apply safety rules, limit
// slew, clamp, write. It must not be called concurrently with itself.
func (c *Controller) Tick(ctx context.Context) Status {
	c.tick++
	now := c.clock.Now()
	state := c.resolver.Resolve()

	if c.faulted {
		if err := c.act.Recover(ctx); err != nil {
			return c.publish(Status{Mode: ModeFault, State: state, Target: c.last, Err: err, Tick: c.tick, Timestamp: now})
		}
		neutral := c.mixer.Neutral(c.last)
		if err := c.act.Apply(ctx, neutral); err != nil {
			return c.publish(Status{Mode: ModeFault, State: state, Target: c.last, Err: err, Tick: c.tick, Timestamp: now})
		}
		c.faulted = false
		c.last = neutral
		c.logger.Info().Msg("actuator recovered, resuming from neutral")
	}

	var (
		mode   Mode
		target robot.Target
	)
	switch {
	case state.Pressed(command.EmergencyStop):
		mode = ModeEStop
		target = c.mixer.Neutral(c.last)
	case state.ContributingSourceID == "" || now.Sub(state.LatestInput) > c.cfg.DeadmanTimeout:
		mode = ModeDeadman
		target = c.mixer.Neutral(c.last)
	default:
		mode = ModeActive
		target = c.cfg.Slew.Limit(c.last, c.mixer.Map(state))
	}
	target = c.mixer.Clamp(target)

	if err := c.act.Apply(ctx, target); err != nil {
		c.faulted = true
		if stopErr := c.act.Stop(ctx); stopErr != nil {
			c.logger.Debug().Err(stopErr).Msg("stop after fault failed")
		}
		c.last = c.mixer.Neutral(c.last)
		return c.publish(Status{Mode: ModeFault, State: state, Target: c.last, Err: err, Tick: c.tick, Timestamp: now})
	}

	c.last = target
	return c.publish(Status{Mode: mode, State: state, Target: target, Tick: c.tick, Timestamp: now})
}

func (c *Controller) publish(s Status) Status {
	c.mu.Lock()
	prev := c.status.Mode
	c.status = s
	c.mu.Unlock()

	observability.RecordControlTick(string(s.Mode))
	if s.Mode != prev {
		c.modeChanged(prev, s)
	}
	c.sendState(s)
	return s
}

func (c *Controller) modeChanged(prev Mode, s Status) {
	observability.RecordModeChange(string(s.Mode))

	event := c.logger.Info()
	switch s.Mode {
	case ModeFault:
		event = c.logger.Error().Err(s.Err)
	case ModeDeadman, ModeEStop:
		event = c.logger.Warn()
	}
	event.Str("from", string(prev)).Str("to", string(s.Mode)).
		Str("source", s.State.ContributingSourceID).Msg("control mode changed")

	if c.cfg.OnModeChange != nil {
		c.cfg.OnModeChange(s)
	}
}

func (c *Controller) sendState(s Status) {
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		select {
		case c.stateCh <- s:
		default:
		}
	}
}

func (c *Controller) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.act.Stop(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to stop motors")
	}

	c.mu.Lock()
	c.running = false
	prev := c.status.Mode
	c.status.Mode = ModeStopped
	c.status.Target = c.mixer.Neutral(c.last)
	s := c.status
	c.mu.Unlock()

	if prev != ModeStopped {
		c.modeChanged(prev, s)
	}
	c.logger.Info().Msg("control loop stopped")
}
