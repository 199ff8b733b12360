package input

import (
	"fmt"
	"strings"

	"github.com/gwillem/hadron/pkg/command"
)

// DefaultTurnSpeed is the wheel speed of left/right commands that carry
// no speed.
const DefaultTurnSpeed = 0.8

// WebConfig matches button commands to the drivetrain so that a button
// speed is the wheel speed the motors reach. MaxSpeed and TurnGain must
// equal the mixer's; zero means 1.
type WebConfig struct {
	MaxSpeed  float64
	TurnGain  float64
	TurnSpeed float64 // default for left, right and spins; zero means DefaultTurnSpeed
}

// WebButton is an on-page control button press or release.
type WebButton struct {
	Command  string  `json:"command"`
	Speed    float64 `json:"speed,omitempty"`
	Released bool    `json:"released,omitempty"`
}

// WebJoystick is a virtual joystick position. Negative Y points forward.
// Stick selects "drive" (default) or "camera".
type WebJoystick struct {
	X     float64 `json:"axis_x"`
	Y     float64 `json:"axis_y"`
	Stick string  `json:"stick,omitempty"`
}

// WebAdapter normalizes on-page buttons and the virtual joystick.
// Forward and backward default to MaxSpeed. Left and right pivot on the
// inner wheel, spins counter-rotate both wheels.
type WebAdapter struct {
	cfg WebConfig
}

func NewWebAdapter(cfg WebConfig) WebAdapter {
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = 1
	}
	if cfg.TurnGain <= 0 {
		cfg.TurnGain = 1
	}
	if cfg.TurnSpeed <= 0 {
		cfg.TurnSpeed = DefaultTurnSpeed
	}
	return WebAdapter{cfg: cfg}
}

func (WebAdapter) Kind() command.Kind { return command.Web }

func (a WebAdapter) Normalize(ev Event) (command.Command, error) {
	switch p := ev.Payload.(type) {
	case WebButton:
		return a.button(ev, p)
	case *WebButton:
		return a.button(ev, *p)
	case WebJoystick:
		return a.joystick(ev, p)
	case *WebJoystick:
		return a.joystick(ev, *p)
	}
	return command.Command{}, ErrUnrecognized
}

func (a WebAdapter) button(ev Event, b WebButton) (command.Command, error) {
	if a.cfg.MaxSpeed == 0 {
		a = NewWebAdapter(a.cfg)
	}
	name := strings.ToLower(strings.TrimSpace(b.Command))
	speed := b.Speed
	if speed == 0 {
		switch name {
		case "left", "right", "spin_left", "spin_right":
			speed = a.cfg.TurnSpeed
		default:
			speed = a.cfg.MaxSpeed
		}
	}
	if speed < 0 {
		return command.Command{}, fmt.Errorf("%w: negative speed %v", command.ErrInvalidCommand, speed)
	}

	if name == "emergency_stop" || name == "estop" {
		if b.Released {
			return newCommand(ev, command.Web, nil, nil), nil
		}
		return newCommand(ev, command.Web, nil, []command.Button{command.EmergencyStop}), nil
	}
	if name == "center" {
		return newCommand(ev, command.Web, nil, []command.Button{command.Center}), nil
	}

	// Axis values are chosen so the mixer's wheel speeds come out as
	// left = drive*MaxSpeed + turn*TurnGain, right = drive*MaxSpeed - turn*TurnGain.
	m, g := a.cfg.MaxSpeed, a.cfg.TurnGain
	var drive, turn float64
	switch name {
	case "forward":
		drive = speed / m
	case "backward", "back":
		drive = -speed / m
	case "left":
		drive, turn = speed/(2*m), -speed/(2*g)
	case "right":
		drive, turn = speed/(2*m), speed/(2*g)
	case "spin_left":
		turn = -speed / g
	case "spin_right":
		turn = speed / g
	case "stop":
	default:
		return command.Command{}, ErrUnrecognized
	}
	if b.Released {
		drive, turn = 0, 0
	}
	return newCommand(ev, command.Web, map[command.Axis]float64{
		command.Drive: command.Clamp(drive, -1, 1),
		command.Turn:  command.Clamp(turn, -1, 1),
	}, nil), nil
}

func (WebAdapter) joystick(ev Event, j WebJoystick) (command.Command, error) {
	switch j.Stick {
	case "", "drive":
		return newCommand(ev, command.Web, map[command.Axis]float64{
			command.Drive: -j.Y,
			command.Turn:  j.X,
		}, nil), nil
	case "camera":
		return newCommand(ev, command.Web, map[command.Axis]float64{
			command.Pan:  j.X,
			command.Tilt: -j.Y,
		}, nil), nil
	}
	return command.Command{}, ErrUnrecognized
}
