package arbiter

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/hadron/pkg/clock"
	"github.com/gwillem/hadron/pkg/command"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestArbiter(t *testing.T) (*Arbiter, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	a, err := New(Config{SourceTimeout: 500 * time.Millisecond}, clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, clk
}

func cmd(id string, kind command.Kind, ts time.Time, axes map[command.Axis]float64, buttons ...command.Button) command.Command {
	return command.New(id, kind, axes, buttons, ts)
}

func TestResolve_HigherPriorityWins(t *testing.T) {
	a, clk := newTestArbiter(t)

	// Gamepad outranks web even though web is newer.
	if err := a.Submit(cmd("pad", command.Gamepad, clk.Now(), map[command.Axis]float64{command.Drive: 1})); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Millisecond)
	if err := a.Submit(cmd("browser", command.Web, clk.Now(), map[command.Axis]float64{command.Drive: -1})); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Millisecond)

	s := a.Resolve()
	if got := s.Axis(command.Drive); got != 1 {
		t.Errorf("drive = %v, want 1", got)
	}
	if s.ContributingSourceID != "pad" {
		t.Errorf("contributing source = %q, want pad", s.ContributingSourceID)
	}
}

func TestResolve_AxisFallthrough(t *testing.T) {
	a, clk := newTestArbiter(t)

	a.Submit(cmd("pad", command.Gamepad, clk.Now(), map[command.Axis]float64{command.Drive: 0.5}))
	a.Submit(cmd("keys", command.Keyboard, clk.Now(), map[command.Axis]float64{command.Drive: -1, command.Pan: 0.25}))

	s := a.Resolve()
	if s.Axis(command.Drive) != 0.5 {
		t.Errorf("drive = %v, want 0.5", s.Axis(command.Drive))
	}
	if s.Axis(command.Pan) != 0.25 {
		t.Errorf("pan = %v, want 0.25 from keyboard", s.Axis(command.Pan))
	}
	if s.Axis(command.Turn) != 0 {
		t.Errorf("turn = %v, want neutral", s.Axis(command.Turn))
	}
	if len(s.ContributingSources) != 2 {
		t.Errorf("contributing sources = %v, want both", s.ContributingSources)
	}
}

func TestResolve_SameClassNewestWins(t *testing.T) {
	a, clk := newTestArbiter(t)

	a.Submit(cmd("tab1", command.Web, clk.Now(), map[command.Axis]float64{command.Turn: 0.3}))
	clk.Advance(5 * time.Millisecond)
	a.Submit(cmd("tab2", command.Web, clk.Now(), map[command.Axis]float64{command.Turn: -0.3}))

	if got := a.Resolve().Axis(command.Turn); got != -0.3 {
		t.Errorf("turn = %v, want -0.3", got)
	}
}

func TestResolve_ButtonUnionAndEmergencyStop(t *testing.T) {
	a, clk := newTestArbiter(t)

	a.Submit(cmd("keys", command.Keyboard, clk.Now(), map[command.Axis]float64{command.Drive: 1}, command.Center))
	a.Submit(cmd("browser", command.Web, clk.Now(), nil, "horn"))

	s := a.Resolve()
	if !s.Pressed(command.Center) || !s.Pressed("horn") {
		t.Fatalf("buttons = %v, want union of center and horn", s.Buttons)
	}

	a.Submit(cmd("browser", command.Web, clk.Now(), nil, command.EmergencyStop))
	s = a.Resolve()
	if !s.Pressed(command.EmergencyStop) {
		t.Error("estop not pressed")
	}
	if s.Pressed(command.Center) {
		t.Error("lower-priority button survived emergency stop")
	}
	if s.Axis(command.Drive) != 0 {
		t.Errorf("lower-priority drive = %v survived emergency stop", s.Axis(command.Drive))
	}
}

func TestResolve_Idempotent(t *testing.T) {
	a, clk := newTestArbiter(t)
	a.Submit(cmd("pad", command.Gamepad, clk.Now(), map[command.Axis]float64{command.Drive: 0.7}))

	first := a.Resolve()
	clk.Advance(100 * time.Millisecond)
	second := a.Resolve()

	if !first.ComputedAt.Equal(second.ComputedAt) || first.Axis(command.Drive) != second.Axis(command.Drive) {
		t.Errorf("Resolve not idempotent: %+v vs %+v", first, second)
	}

	clk.Advance(time.Millisecond)
	a.Submit(cmd("pad", command.Gamepad, clk.Now(), map[command.Axis]float64{command.Drive: 0.1}))
	third := a.Resolve()
	if third.ComputedAt.Equal(first.ComputedAt) {
		t.Error("Resolve returned cached state after a new submit")
	}
}

func TestResolve_StaleSourceExcluded(t *testing.T) {
	a, clk := newTestArbiter(t)
	a.Submit(cmd("pad", command.Gamepad, clk.Now(), map[command.Axis]float64{command.Drive: 1}))
	a.Submit(cmd("keys", command.Keyboard, clk.Now().Add(-time.Second), map[command.Axis]float64{command.Drive: 0.2}))

	clk.Advance(400 * time.Millisecond)
	a.Submit(cmd("keys", command.Keyboard, clk.Now(), map[command.Axis]float64{command.Drive: 0.2}))

	clk.Advance(200 * time.Millisecond)
	s := a.Resolve()
	if got := s.Axis(command.Drive); got != 0.2 {
		t.Errorf("drive = %v, want keyboard 0.2 after gamepad went stale", got)
	}

	for _, src := range a.Sources() {
		if src.ID == "pad" && !src.Stale {
			t.Error("pad should be reported stale")
		}
	}
}

func TestDisconnect_ExcludedImmediately(t *testing.T) {
	a, clk := newTestArbiter(t)
	a.Submit(cmd("pad", command.Gamepad, clk.Now(), map[command.Axis]float64{command.Drive: 1}))
	a.Submit(cmd("browser", command.Web, clk.Now(), map[command.Axis]float64{command.Drive: -0.5}))

	if got := a.Resolve().Axis(command.Drive); got != 1 {
		t.Fatalf("drive = %v, want 1", got)
	}
	if !a.Disconnect("pad") {
		t.Fatal("Disconnect(pad) = false")
	}
	if got := a.Resolve().Axis(command.Drive); got != -0.5 {
		t.Errorf("drive after disconnect = %v, want -0.5", got)
	}
	if a.Disconnect("pad") {
		t.Error("second Disconnect(pad) = true")
	}
}

func TestSubmit_RejectsInvalid(t *testing.T) {
	a, clk := newTestArbiter(t)
	a.Submit(cmd("pad", command.Gamepad, clk.Now(), map[command.Axis]float64{command.Drive: 0.4}))
	before := a.Resolve()

	bad := []command.Command{
		cmd("pad", command.Gamepad, clk.Now(), map[command.Axis]float64{command.Drive: 1.5}),
		cmd("pad", command.Gamepad, clk.Now(), map[command.Axis]float64{"yaw": 0}),
		cmd("pad", "joystick", clk.Now(), map[command.Axis]float64{command.Drive: 0}),
	}
	for _, c := range bad {
		if err := a.Submit(c); !errors.Is(err, command.ErrInvalidCommand) {
			t.Errorf("Submit(%v) error = %v, want ErrInvalidCommand", c.Axes, err)
		}
	}

	after := a.Resolve()
	if !after.ComputedAt.Equal(before.ComputedAt) || after.Axis(command.Drive) != 0.4 {
		t.Errorf("rejected commands changed state: %+v", after)
	}
}

func TestSubmit_OutOfOrder(t *testing.T) {
	a, clk := newTestArbiter(t)

	c := cmd("pad", command.Gamepad, clk.Now(), map[command.Axis]float64{command.Drive: 0.4})
	c.Seq = 2
	if err := a.Submit(c); err != nil {
		t.Fatal(err)
	}
	c.Seq = 2
	if err := a.Submit(c); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("repeat seq error = %v, want ErrOutOfOrder", err)
	}
	c.Seq = 1
	if err := a.Submit(c); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("older seq error = %v, want ErrOutOfOrder", err)
	}
	c.Seq = 3
	if err := a.Submit(c); err != nil {
		t.Errorf("newer seq error = %v", err)
	}
}

func TestSubmit_CopiesCommand(t *testing.T) {
	a, clk := newTestArbiter(t)

	c := cmd("browser", command.Web, clk.Now(), map[command.Axis]float64{command.Drive: 0.5})
	if err := a.Submit(c); err != nil {
		t.Fatal(err)
	}
	c.Axes[command.Drive] = -1
	c.Buttons[command.EmergencyStop] = true

	s := a.Resolve()
	if got := s.Axis(command.Drive); got != 0.5 {
		t.Errorf("drive = %v after caller mutation, want 0.5", got)
	}
	if s.Pressed(command.EmergencyStop) {
		t.Error("caller mutation pressed estop")
	}

	src := a.Sources()[0]
	src.Last.Axes[command.Drive] = 1
	if got := a.Sources()[0].Last.Axes[command.Drive]; got != 0.5 {
		t.Errorf("stored drive = %v after snapshot mutation, want 0.5", got)
	}
}

func TestNew_DuplicatePriority(t *testing.T) {
	_, err := New(Config{Priority: []command.Kind{command.Web, command.Web}}, nil, zerolog.Nop())
	if err == nil {
		t.Error("expected error for duplicate priority kind")
	}
}

// A high-priority source at t=0 beats a low-priority source at t=10ms.
func TestResolve_PriorityOverRecency(t *testing.T) {
	a, clk := newTestArbiter(t)

	a.Submit(cmd("A", command.Gamepad, clk.Now(), map[command.Axis]float64{command.Drive: 1}))
	clk.Advance(10 * time.Millisecond)
	a.Submit(cmd("B", command.Keyboard, clk.Now(), map[command.Axis]float64{command.Drive: -1}))
	clk.Advance(10 * time.Millisecond)

	if got := a.Resolve().Axis(command.Drive); got != 1 {
		t.Errorf("drive = %v, want 1", got)
	}
}

func TestResolve_RandomPermutations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	kinds := command.AllKinds()
	axes := command.DefaultAxes()

	for round := 0; round < 200; round++ {
		a, clk := newTestArbiter(t)

		type sub struct {
			rank int
			ts   time.Time
			axes map[command.Axis]float64
		}
		var subs []sub

		n := 1 + rng.Intn(6)
		for i := 0; i < n; i++ {
			kind := kinds[rng.Intn(len(kinds))]
			values := map[command.Axis]float64{}
			for _, ax := range axes {
				if rng.Intn(2) == 0 {
					values[ax] = float64(rng.Intn(201)-100) / 100
				}
			}
			ts := clk.Now().Add(time.Duration(rng.Intn(50)) * time.Millisecond)
			id := fmt.Sprintf("s%d", i)
			if err := a.Submit(cmd(id, kind, ts, values)); err != nil {
				t.Fatal(err)
			}
			subs = append(subs, sub{rank: a.ranks[kind], ts: ts, axes: values})
		}

		state := a.Resolve()
		for _, ax := range axes {
			bestRank := -1
			var bestTS time.Time
			want := 0.0
			for _, s := range subs {
				v, ok := s.axes[ax]
				if !ok {
					continue
				}
				if s.rank > bestRank || (s.rank == bestRank && s.ts.After(bestTS)) {
					bestRank, bestTS, want = s.rank, s.ts, v
				}
			}
			tied := 0
			for _, s := range subs {
				if _, ok := s.axes[ax]; ok && s.rank == bestRank && s.ts.Equal(bestTS) {
					tied++
				}
			}
			if tied > 1 {
				continue
			}
			if got := state.Axis(ax); got != want {
				t.Fatalf("round %d axis %s = %v, want %v", round, ax, got, want)
			}
		}
	}
}
