// Package robot models the drivetrain and camera head: how an arbitrated
// control state becomes motor speeds and servo angles.
package robot

import (
	"fmt"

	"github.com/gwillem/hadron/pkg/command"
)

// Side places a drive motor on the differential drivetrain.
type Side string

// Drive sides.
const (
	Left  Side = "left"
	Right Side = "right"
)

// MotorSpec describes one DC drive motor.
type MotorSpec struct {
	Name     string  `yaml:"name"`
	Side     Side    `yaml:"side"`
	Channel  int     `yaml:"channel"`
	Inverted bool    `yaml:"inverted"`
	Trim     float64 `yaml:"trim"` // added to non-zero speeds
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
}

// ServoSpec describes one positional servo driven by an axis.
type ServoSpec struct {
	Name      string       `yaml:"name"`
	Axis      command.Axis `yaml:"axis"`
	Channel   int          `yaml:"channel"`
	MinDeg    float64      `yaml:"min_deg"`
	MaxDeg    float64      `yaml:"max_deg"`
	CenterDeg float64      `yaml:"center_deg"`
	Inverted  bool         `yaml:"inverted"`
}

// DefaultMotors returns the two-motor layout of the reference car: left
// motor on channel 2 wired in reverse, right motor on channel 1.
func DefaultMotors() []MotorSpec {
	return []MotorSpec{
		{Name: "left", Side: Left, Channel: 2, Inverted: true, Min: -1, Max: 1},
		{Name: "right", Side: Right, Channel: 1, Min: -1, Max: 1},
	}
}

// DefaultServos returns a pan/tilt camera head.
func DefaultServos() []ServoSpec {
	return []ServoSpec{
		{Name: "pan", Axis: command.Pan, Channel: 1, MinDeg: 0, MaxDeg: 180, CenterDeg: 90},
		{Name: "tilt", Axis: command.Tilt, Channel: 2, MinDeg: 45, MaxDeg: 135, CenterDeg: 90},
	}
}

// Validate checks a motor spec for usable ranges.
func (m MotorSpec) Validate() error {
	if m.Side != Left && m.Side != Right {
		return fmt.Errorf("motor %s: side must be left or right, got %q", m.Name, m.Side)
	}
	if m.Min < -1 || m.Max > 1 || m.Min > m.Max {
		return fmt.Errorf("motor %s: range [%v, %v] not within [-1, 1]", m.Name, m.Min, m.Max)
	}
	if m.Trim < -1 || m.Trim > 1 {
		return fmt.Errorf("motor %s: trim %v not within [-1, 1]", m.Name, m.Trim)
	}
	return nil
}

// Validate checks a servo spec for a consistent angle range.
func (s ServoSpec) Validate() error {
	if s.MinDeg > s.MaxDeg {
		return fmt.Errorf("servo %s: min_deg %v above max_deg %v", s.Name, s.MinDeg, s.MaxDeg)
	}
	if s.CenterDeg < s.MinDeg || s.CenterDeg > s.MaxDeg {
		return fmt.Errorf("servo %s: center_deg %v outside [%v, %v]", s.Name, s.CenterDeg, s.MinDeg, s.MaxDeg)
	}
	if s.Axis == "" {
		return fmt.Errorf("servo %s: missing axis", s.Name)
	}
	return nil
}
