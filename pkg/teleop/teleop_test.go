package teleop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/hadron/pkg/actuator"
	"github.com/gwillem/hadron/pkg/actuator/fake"
	"github.com/gwillem/hadron/pkg/arbiter"
	"github.com/gwillem/hadron/pkg/clock"
	"github.com/gwillem/hadron/pkg/command"
	"github.com/gwillem/hadron/pkg/robot"
)

type rig struct {
	clk    *clock.FakeClock
	arb    *arbiter.Arbiter
	driver *fake.Driver
	ctrl   *Controller
	modes  []Mode
}

// Motor channels: left 2 (inverted), right 1.
func newRig(t *testing.T, sourceTimeout time.Duration, slew robot.Slew) *rig {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	arb, err := arbiter.New(arbiter.Config{SourceTimeout: sourceTimeout}, clk, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	mixer, err := robot.NewMixer(robot.MixerConfig{
		MaxSpeed: 1,
		TurnGain: 0.5,
		Motors:   robot.DefaultMotors(),
		Servos:   robot.DefaultServos(),
	})
	if err != nil {
		t.Fatal(err)
	}
	d := fake.New()
	r := &rig{clk: clk, arb: arb, driver: d}
	r.ctrl = NewController(Config{
		Period:         50 * time.Millisecond,
		DeadmanTimeout: 500 * time.Millisecond,
		Slew:           slew,
		OnModeChange:   func(s Status) { r.modes = append(r.modes, s.Mode) },
	}, arb, mixer, actuator.NewAdapter(d, mixer.Motors(), mixer.Servos()), clk, zerolog.Nop())
	return r
}

func (r *rig) drive(t *testing.T, id string, kind command.Kind, v float64, buttons ...command.Button) {
	t.Helper()
	c := command.New(id, kind, map[command.Axis]float64{command.Drive: v}, buttons, r.clk.Now())
	if err := r.arb.Submit(c); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestTick_DrivesFromArbitratedState(t *testing.T) {
	r := newRig(t, 500*time.Millisecond, robot.Slew{})
	r.drive(t, "pad", command.Gamepad, 1)

	s := r.ctrl.Tick(context.Background())
	if s.Mode != ModeActive {
		t.Fatalf("mode = %s, want active", s.Mode)
	}
	if r.driver.Motor(1) != robot.FullScale || r.driver.Motor(2) != -robot.FullScale {
		t.Errorf("motors = right %d left %d, want full forward", r.driver.Motor(1), r.driver.Motor(2))
	}
}

func TestTick_Deadman(t *testing.T) {
	for _, sourceTimeout := range []time.Duration{500 * time.Millisecond, 2 * time.Second} {
		r := newRig(t, sourceTimeout, robot.Slew{})
		r.drive(t, "A", command.Web, 1)

		if s := r.ctrl.Tick(context.Background()); s.Mode != ModeActive {
			t.Fatalf("timeout %v: first tick mode = %s", sourceTimeout, s.Mode)
		}

		r.clk.Advance(501 * time.Millisecond)
		s := r.ctrl.Tick(context.Background())
		if s.Mode != ModeDeadman {
			t.Errorf("timeout %v: mode at 501ms = %s, want deadman", sourceTimeout, s.Mode)
		}
		if r.driver.Motor(1) != 0 || r.driver.Motor(2) != 0 {
			t.Errorf("timeout %v: motors at 501ms = %d %d, want 0", sourceTimeout, r.driver.Motor(1), r.driver.Motor(2))
		}
	}
}

func TestTick_NoInputIsNeutral(t *testing.T) {
	r := newRig(t, 500*time.Millisecond, robot.Slew{})
	s := r.ctrl.Tick(context.Background())
	if s.Mode != ModeDeadman || !s.Target.Stopped() {
		t.Errorf("tick without input = %s %v", s.Mode, s.Target.MotorSpeeds)
	}
}

func TestTick_EmergencyStopBypassesSlew(t *testing.T) {
	r := newRig(t, 500*time.Millisecond, robot.NewSlew(0.5, 0))
	ctx := context.Background()

	r.drive(t, "pad", command.Gamepad, 1)
	r.ctrl.Tick(ctx)
	r.ctrl.Tick(ctx)
	if r.driver.Motor(1) != robot.FullScale {
		t.Fatalf("not at full speed after two ticks: %d", r.driver.Motor(1))
	}

	r.drive(t, "pad", command.Gamepad, 1, command.EmergencyStop)
	s := r.ctrl.Tick(ctx)
	if s.Mode != ModeEStop || r.driver.Motor(1) != 0 {
		t.Errorf("estop tick: mode %s motor %d", s.Mode, r.driver.Motor(1))
	}
}

func TestTick_SlewLimited(t *testing.T) {
	slew := robot.NewSlew(0.1, 5)
	r := newRig(t, 500*time.Millisecond, slew)
	ctx := context.Background()

	var prev int16
	values := []float64{1, -1, 1, 0.3, -1, -1, 1}
	for _, v := range values {
		r.drive(t, "pad", command.Gamepad, v)
		for i := 0; i < 4; i++ {
			r.clk.Advance(50 * time.Millisecond)
			r.ctrl.Tick(ctx)
			cur := r.driver.Motor(1)
			if d := int(cur) - int(prev); d > int(slew.MotorStep) || d < -int(slew.MotorStep) {
				t.Fatalf("motor jumped %d (from %d to %d), limit %d", d, prev, cur, slew.MotorStep)
			}
			prev = cur
		}
	}
}

func TestTick_FaultHaltsUntilRecovery(t *testing.T) {
	r := newRig(t, time.Hour, robot.Slew{})
	ctx := context.Background()
	r.drive(t, "pad", command.Gamepad, 1)
	r.ctrl.Tick(ctx)

	r.driver.Fail(false)
	r.driver.Reset()
	s := r.ctrl.Tick(ctx)
	if s.Mode != ModeFault || !errors.Is(s.Err, actuator.ErrFatal) {
		t.Fatalf("tick with failing driver = %s %v", s.Mode, s.Err)
	}

	// Still failing: no writes.
	r.ctrl.Tick(ctx)
	if n := len(r.driver.Writes()); n != 0 {
		t.Errorf("%d writes while faulted", n)
	}

	r.driver.Heal()
	r.clk.Advance(50 * time.Millisecond)
	r.drive(t, "pad", command.Gamepad, 0.5)
	s = r.ctrl.Tick(ctx)
	if s.Mode != ModeActive {
		t.Fatalf("mode after recovery = %s", s.Mode)
	}
	writes := r.driver.Writes()
	if len(writes) == 0 || writes[0].Op != "motor" || writes[0].Speed != 0 {
		t.Errorf("first write after recovery = %+v, want neutral", writes)
	}

	want := []Mode{ModeActive, ModeFault, ModeActive}
	if len(r.modes) != len(want) {
		t.Fatalf("mode changes = %v, want %v", r.modes, want)
	}
	for i := range want {
		if r.modes[i] != want[i] {
			t.Errorf("mode change %d = %s, want %s", i, r.modes[i], want[i])
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	r := newRig(t, time.Hour, robot.Slew{})
	r.drive(t, "pad", command.Gamepad, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.ctrl.Run(ctx) }()

	// Wait for the first tick through the state channel.
wait:
	for i := 0; i < 100; i++ {
		r.clk.Advance(50 * time.Millisecond)
		select {
		case s := <-r.ctrl.States():
			if s.Mode == ModeActive {
				break wait
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if r.driver.Motor(1) != 0 || r.ctrl.Status().Mode != ModeStopped {
		t.Errorf("after stop: motor %d mode %s", r.driver.Motor(1), r.ctrl.Status().Mode)
	}
}
