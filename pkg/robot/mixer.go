package robot

import (
	"fmt"
	"math"

	"github.com/gwillem/hadron/pkg/arbiter"
	"github.com/gwillem/hadron/pkg/command"
)

// FullScale is the motor speed written for a normalized value of 1.
const FullScale = math.MaxInt16

// Target is the concrete output for the actuator driver. Speeds and
// angles follow the order of the mixer's motor and servo specs.
type Target struct {
	MotorSpeeds []int16   `json:"motor_speeds"`
	ServoAngles []float64 `json:"servo_angles"`
}

// Clone returns a deep copy of t.
func (t Target) Clone() Target {
	return Target{
		MotorSpeeds: append([]int16(nil), t.MotorSpeeds...),
		ServoAngles: append([]float64(nil), t.ServoAngles...),
	}
}

// Stopped reports whether every motor is at zero.
func (t Target) Stopped() bool {
	for _, s := range t.MotorSpeeds {
		if s != 0 {
			return false
		}
	}
	return true
}

// MixerConfig holds drivetrain settings.
type MixerConfig struct {
	MaxSpeed float64
	TurnGain float64
	Motors   []MotorSpec
	Servos   []ServoSpec
}

// Mixer maps arbitrated states onto hardware targets.
type Mixer struct {
	cfg MixerConfig
}

// NewMixer validates cfg and returns a Mixer.
func NewMixer(cfg MixerConfig) (*Mixer, error) {
	if cfg.MaxSpeed <= 0 || cfg.MaxSpeed > 1 {
		return nil, fmt.Errorf("max speed %v not within (0, 1]", cfg.MaxSpeed)
	}
	if cfg.TurnGain < 0 || cfg.TurnGain > 1 {
		return nil, fmt.Errorf("turn gain %v not within [0, 1]", cfg.TurnGain)
	}
	for _, m := range cfg.Motors {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	for _, s := range cfg.Servos {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return &Mixer{cfg: cfg}, nil
}

// Motors returns the motor specs in target order.
func (m *Mixer) Motors() []MotorSpec { return m.cfg.Motors }

// Servos returns the servo specs in target order.
func (m *Mixer) Servos() []ServoSpec { return m.cfg.Servos }

// Map converts an arbitrated state into a clamped target.
func (m *Mixer) Map(s arbiter.State) Target {
	left, right := m.differential(s.Axis(command.Drive), s.Axis(command.Turn))

	t := Target{
		MotorSpeeds: make([]int16, len(m.cfg.Motors)),
		ServoAngles: make([]float64, len(m.cfg.Servos)),
	}
	for i, spec := range m.cfg.Motors {
		v := left
		if spec.Side == Right {
			v = right
		}
		t.MotorSpeeds[i] = m.motorSpeed(spec, v)
	}
	center := s.Pressed(command.Center)
	for i, spec := range m.cfg.Servos {
		if center {
			t.ServoAngles[i] = spec.CenterDeg
			continue
		}
		t.ServoAngles[i] = servoAngle(spec, s.Axis(spec.Axis))
	}
	return t
}

// Neutral returns a target with every motor stopped. Servos hold the
// angles of prev, or center when prev has none.
func (m *Mixer) Neutral(prev Target) Target {
	t := Target{
		MotorSpeeds: make([]int16, len(m.cfg.Motors)),
		ServoAngles: make([]float64, len(m.cfg.Servos)),
	}
	for i, spec := range m.cfg.Servos {
		if i < len(prev.ServoAngles) {
			t.ServoAngles[i] = m.ClampServo(i, prev.ServoAngles[i])
		} else {
			t.ServoAngles[i] = spec.CenterDeg
		}
	}
	return t
}

// Clamp limits every value of t to its hardware-safe range.
func (m *Mixer) Clamp(t Target) Target {
	out := t.Clone()
	for i := range out.MotorSpeeds {
		if i >= len(m.cfg.Motors) {
			break
		}
		spec := m.cfg.Motors[i]
		lo, hi := int16(math.Round(spec.Min*FullScale)), int16(math.Round(spec.Max*FullScale))
		if out.MotorSpeeds[i] < lo {
			out.MotorSpeeds[i] = lo
		} else if out.MotorSpeeds[i] > hi {
			out.MotorSpeeds[i] = hi
		}
	}
	for i := range out.ServoAngles {
		out.ServoAngles[i] = m.ClampServo(i, out.ServoAngles[i])
	}
	return out
}

// ClampServo limits deg to the range of servo i.
func (m *Mixer) ClampServo(i int, deg float64) float64 {
	if i >= len(m.cfg.Servos) {
		return deg
	}
	spec := m.cfg.Servos[i]
	return command.Clamp(deg, spec.MinDeg, spec.MaxDeg)
}

// differential mixes drive and turn into left and right wheel speeds,
// scaling both down when either exceeds full speed.
func (m *Mixer) differential(drive, turn float64) (left, right float64) {
	drive *= m.cfg.MaxSpeed
	turn *= m.cfg.TurnGain
	left = drive + turn
	right = drive - turn
	if peak := math.Max(math.Abs(left), math.Abs(right)); peak > 1 {
		left /= peak
		right /= peak
	}
	return left, right
}

func (m *Mixer) motorSpeed(spec MotorSpec, v float64) int16 {
	if v != 0 {
		v += spec.Trim
	}
	v = command.Clamp(v, spec.Min, spec.Max)
	if spec.Inverted {
		v = -v
	}
	return int16(math.Round(command.Clamp(v, -1, 1) * FullScale))
}

func servoAngle(spec ServoSpec, v float64) float64 {
	if spec.Inverted {
		v = -v
	}
	var deg float64
	if v >= 0 {
		deg = spec.CenterDeg + v*(spec.MaxDeg-spec.CenterDeg)
	} else {
		deg = spec.CenterDeg + v*(spec.CenterDeg-spec.MinDeg)
	}
	return command.Clamp(deg, spec.MinDeg, spec.MaxDeg)
}
