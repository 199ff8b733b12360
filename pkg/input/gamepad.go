package input

import (
	"math"

	"github.com/gwillem/hadron/pkg/command"
)

// DefaultDeadzone ignores small stick deflections.
const DefaultDeadzone = 0.1

// GamepadReport is the full axis and button state of a controller.
type GamepadReport struct {
	Axes    map[int]int16
	Buttons map[int]bool
}

// AxisBinding maps a controller axis number to a control axis.
type AxisBinding struct {
	Axis   command.Axis `yaml:"axis"`
	Invert bool         `yaml:"invert"`
}

// GamepadConfig configures the gamepad adapter.
type GamepadConfig struct {
	Deadzone float64
	Axes     map[int]AxisBinding
	Buttons  map[int]command.Button
}

// DefaultGamepadConfig matches a common Bluetooth controller: left
// stick drives (up is forward), right stick moves the camera, button 0
// is emergency stop.
func DefaultGamepadConfig() GamepadConfig {
	return GamepadConfig{
		Deadzone: DefaultDeadzone,
		Axes: map[int]AxisBinding{
			0: {Axis: command.Turn},
			1: {Axis: command.Drive, Invert: true},
			3: {Axis: command.Pan},
			4: {Axis: command.Tilt, Invert: true},
		},
		Buttons: map[int]command.Button{
			0: command.EmergencyStop,
			3: command.Center,
			5: command.Override,
		},
	}
}

// GamepadAdapter normalizes controller reports.
type GamepadAdapter struct {
	cfg GamepadConfig
}

// NewGamepadAdapter returns an adapter for cfg, filling unset fields
// from the defaults.
func NewGamepadAdapter(cfg GamepadConfig) *GamepadAdapter {
	def := DefaultGamepadConfig()
	if cfg.Deadzone <= 0 {
		cfg.Deadzone = def.Deadzone
	}
	if len(cfg.Axes) == 0 {
		cfg.Axes = def.Axes
	}
	if len(cfg.Buttons) == 0 {
		cfg.Buttons = def.Buttons
	}
	return &GamepadAdapter{cfg: cfg}
}

func (a *GamepadAdapter) Kind() command.Kind { return command.Gamepad }

// Normalize scales raw values to [-1, 1]. Axes inside the deadzone are
// left out of the command.
func (a *GamepadAdapter) Normalize(ev Event) (command.Command, error) {
	var r GamepadReport
	switch p := ev.Payload.(type) {
	case GamepadReport:
		r = p
	case *GamepadReport:
		r = *p
	default:
		return command.Command{}, ErrUnrecognized
	}

	known := false
	axes := map[command.Axis]float64{}
	for num, raw := range r.Axes {
		b, ok := a.cfg.Axes[num]
		if !ok {
			continue
		}
		known = true
		v := NormalizeAxis(raw)
		if math.Abs(v) < a.cfg.Deadzone {
			continue
		}
		if b.Invert {
			v = -v
		}
		axes[b.Axis] = v
	}

	var buttons []command.Button
	for num, pressed := range r.Buttons {
		b, ok := a.cfg.Buttons[num]
		if !ok {
			continue
		}
		known = true
		if pressed {
			buttons = append(buttons, b)
		}
	}

	if !known {
		return command.Command{}, ErrUnrecognized
	}
	return newCommand(ev, command.Gamepad, axes, buttons), nil
}

// NormalizeAxis maps a raw joystick value to [-1, 1].
func NormalizeAxis(raw int16) float64 {
	return command.Clamp(float64(raw)/32767, -1, 1)
}
