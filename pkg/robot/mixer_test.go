package robot

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gwillem/hadron/pkg/arbiter"
	"github.com/gwillem/hadron/pkg/command"
)

func testMixer(t *testing.T) *Mixer {
	t.Helper()
	m, err := NewMixer(MixerConfig{
		MaxSpeed: 1,
		TurnGain: 0.5,
		Motors: []MotorSpec{
			{Name: "left", Side: Left, Channel: 2, Inverted: true, Min: -1, Max: 1},
			{Name: "right", Side: Right, Channel: 1, Min: -1, Max: 1},
		},
		Servos: DefaultServos(),
	})
	if err != nil {
		t.Fatalf("NewMixer: %v", err)
	}
	return m
}

func state(axes map[command.Axis]float64, buttons ...command.Button) arbiter.State {
	s := arbiter.State{Axes: axes, Buttons: map[command.Button]bool{}}
	for _, b := range buttons {
		s.Buttons[b] = true
	}
	return s
}

func TestMixer_Differential(t *testing.T) {
	m := testMixer(t)

	tests := []struct {
		name        string
		drive, turn float64
		left, right float64 // before inversion
	}{
		{"stop", 0, 0, 0, 0},
		{"forward", 1, 0, 1, 1},
		{"backward", -0.5, 0, -0.5, -0.5},
		{"spin right", 0, 1, 0.5, -0.5},
		{"forward right", 1, 1, 1, 1.0 / 3},
	}

	for _, tt := range tests {
		got := m.Map(state(map[command.Axis]float64{command.Drive: tt.drive, command.Turn: tt.turn}))
		wantLeft := int16(math.Round(-tt.left * FullScale)) // left is inverted
		wantRight := int16(math.Round(tt.right * FullScale))
		if got.MotorSpeeds[0] != wantLeft || got.MotorSpeeds[1] != wantRight {
			t.Errorf("%s: speeds = %v, want [%d %d]", tt.name, got.MotorSpeeds, wantLeft, wantRight)
		}
	}
}

func TestMixer_TrimOnlyWhenMoving(t *testing.T) {
	m, err := NewMixer(MixerConfig{
		MaxSpeed: 1,
		TurnGain: 0.5,
		Motors:   []MotorSpec{{Name: "left", Side: Left, Trim: 0.1, Min: -1, Max: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := m.Map(state(map[command.Axis]float64{command.Drive: 0})).MotorSpeeds[0]; got != 0 {
		t.Errorf("stopped motor with trim = %d, want 0", got)
	}
	want := int16(math.Round(0.6 * FullScale))
	if got := m.Map(state(map[command.Axis]float64{command.Drive: 0.5})).MotorSpeeds[0]; got != want {
		t.Errorf("trimmed speed = %d, want %d", got, want)
	}
	if got := m.Map(state(map[command.Axis]float64{command.Drive: 1})).MotorSpeeds[0]; got != FullScale {
		t.Errorf("trimmed full speed = %d, want clamp to %d", got, FullScale)
	}
}

func TestMixer_Servos(t *testing.T) {
	m := testMixer(t)

	got := m.Map(state(map[command.Axis]float64{command.Pan: 1, command.Tilt: -1}))
	if got.ServoAngles[0] != 180 || got.ServoAngles[1] != 45 {
		t.Errorf("servo angles = %v, want [180 45]", got.ServoAngles)
	}

	got = m.Map(state(map[command.Axis]float64{command.Pan: 1}, command.Center))
	if got.ServoAngles[0] != 90 || got.ServoAngles[1] != 90 {
		t.Errorf("centered servo angles = %v, want [90 90]", got.ServoAngles)
	}
}

func TestMixer_NeutralHoldsServos(t *testing.T) {
	m := testMixer(t)
	prev := Target{MotorSpeeds: []int16{1000, -1000}, ServoAngles: []float64{30, 100}}

	n := m.Neutral(prev)
	if !n.Stopped() {
		t.Errorf("neutral motors = %v", n.MotorSpeeds)
	}
	if n.ServoAngles[0] != 30 || n.ServoAngles[1] != 100 {
		t.Errorf("neutral servos = %v, want held [30 100]", n.ServoAngles)
	}

	n = m.Neutral(Target{})
	if n.ServoAngles[0] != 90 {
		t.Errorf("neutral servo without history = %v, want center", n.ServoAngles[0])
	}
}

func TestMixer_Clamp(t *testing.T) {
	m, err := NewMixer(MixerConfig{
		MaxSpeed: 1,
		Motors:   []MotorSpec{{Name: "left", Side: Left, Min: -0.5, Max: 0.5}},
		Servos:   []ServoSpec{{Name: "pan", Axis: command.Pan, MinDeg: 10, MaxDeg: 170, CenterDeg: 90}},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := m.Clamp(Target{MotorSpeeds: []int16{FullScale}, ServoAngles: []float64{200}})
	if got.MotorSpeeds[0] != int16(math.Round(0.5*FullScale)) || got.ServoAngles[0] != 170 {
		t.Errorf("Clamp = %+v", got)
	}
}

func TestNewMixer_Invalid(t *testing.T) {
	bad := []MixerConfig{
		{MaxSpeed: 0},
		{MaxSpeed: 1, TurnGain: 2},
		{MaxSpeed: 1, Motors: []MotorSpec{{Name: "x", Side: "middle", Min: -1, Max: 1}}},
		{MaxSpeed: 1, Servos: []ServoSpec{{Name: "pan", Axis: command.Pan, MinDeg: 90, MaxDeg: 10}}},
	}
	for i, cfg := range bad {
		if _, err := NewMixer(cfg); err == nil {
			t.Errorf("config %d: expected error", i)
		}
	}
}

func TestSlew_BoundsEveryStep(t *testing.T) {
	s := NewSlew(0.1, 5)
	rng := rand.New(rand.NewSource(7))

	cur := Target{MotorSpeeds: []int16{0, 0}, ServoAngles: []float64{90, 90}}
	for i := 0; i < 500; i++ {
		next := Target{
			MotorSpeeds: []int16{int16(rng.Intn(2*FullScale+1) - FullScale), FullScale},
			ServoAngles: []float64{rng.Float64() * 180, 0},
		}
		if i%2 == 0 {
			next.MotorSpeeds[1] = -FullScale
		}
		out := s.Limit(cur, next)
		for j := range out.MotorSpeeds {
			d := int(out.MotorSpeeds[j]) - int(cur.MotorSpeeds[j])
			if d > int(s.MotorStep) || d < -int(s.MotorStep) {
				t.Fatalf("step %d motor %d moved %d, limit %d", i, j, d, s.MotorStep)
			}
		}
		for j := range out.ServoAngles {
			if d := math.Abs(out.ServoAngles[j] - cur.ServoAngles[j]); d > s.ServoStep+1e-9 {
				t.Fatalf("step %d servo %d moved %v, limit %v", i, j, d, s.ServoStep)
			}
		}
		cur = out
	}
}

func TestSlew_ReachesTarget(t *testing.T) {
	s := NewSlew(0.25, 0)
	cur := Target{MotorSpeeds: []int16{0}}
	want := Target{MotorSpeeds: []int16{FullScale}}

	steps := 0
	for cur.MotorSpeeds[0] != FullScale {
		cur = s.Limit(cur, want)
		steps++
		if steps > 10 {
			t.Fatalf("did not reach target, at %d", cur.MotorSpeeds[0])
		}
	}
	if steps != 4 {
		t.Errorf("reached full scale in %d steps, want 4", steps)
	}
}
