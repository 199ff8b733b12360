package input

import (
	"github.com/gwillem/hadron/pkg/command"
)

// KeyEvent is a browser key transition. Held lists every key code the
// client reports as still pressed, which lets the adapter rebuild the
// full key state from a single event.
type KeyEvent struct {
	Code string   `json:"code"`
	Down bool     `json:"down"`
	Held []string `json:"held,omitempty"`
}

// Binding maps a key to an axis contribution or a button.
type Binding struct {
	Axis   command.Axis   `yaml:"axis,omitempty"`
	Value  float64        `yaml:"value,omitempty"`
	Button command.Button `yaml:"button,omitempty"`
}

// DefaultKeyBindings returns arrow keys and WASD for driving, Q/E and
// R/F for the camera, Space for emergency stop and C to center.
func DefaultKeyBindings() map[string]Binding {
	return map[string]Binding{
		"ArrowUp":    {Axis: command.Drive, Value: 1},
		"KeyW":       {Axis: command.Drive, Value: 1},
		"ArrowDown":  {Axis: command.Drive, Value: -1},
		"KeyS":       {Axis: command.Drive, Value: -1},
		"ArrowLeft":  {Axis: command.Turn, Value: -1},
		"KeyA":       {Axis: command.Turn, Value: -1},
		"ArrowRight": {Axis: command.Turn, Value: 1},
		"KeyD":       {Axis: command.Turn, Value: 1},
		"KeyQ":       {Axis: command.Pan, Value: -1},
		"KeyE":       {Axis: command.Pan, Value: 1},
		"KeyR":       {Axis: command.Tilt, Value: 1},
		"KeyF":       {Axis: command.Tilt, Value: -1},
		"Space":      {Button: command.EmergencyStop},
		"KeyC":       {Button: command.Center},
	}
}

// KeyboardAdapter normalizes key events through a binding table.
type KeyboardAdapter struct {
	bindings map[string]Binding
}

// NewKeyboardAdapter uses bindings, or the defaults when empty.
func NewKeyboardAdapter(bindings map[string]Binding) *KeyboardAdapter {
	if len(bindings) == 0 {
		bindings = DefaultKeyBindings()
	}
	return &KeyboardAdapter{bindings: bindings}
}

func (a *KeyboardAdapter) Kind() command.Kind { return command.Keyboard }

// Normalize sums the bindings of all held keys per axis. Axes with no
// held key are left out so lower-priority sources can supply them.
func (a *KeyboardAdapter) Normalize(ev Event) (command.Command, error) {
	var k KeyEvent
	switch p := ev.Payload.(type) {
	case KeyEvent:
		k = p
	case *KeyEvent:
		k = *p
	default:
		return command.Command{}, ErrUnrecognized
	}

	held := make(map[string]bool, len(k.Held)+1)
	for _, code := range k.Held {
		held[code] = true
	}
	if k.Code != "" {
		held[k.Code] = k.Down
	}

	_, known := a.bindings[k.Code]
	axes := map[command.Axis]float64{}
	var buttons []command.Button
	for code, down := range held {
		b, ok := a.bindings[code]
		if !ok || !down {
			continue
		}
		known = true
		if b.Button != "" {
			buttons = append(buttons, b.Button)
		}
		if b.Axis != "" {
			axes[b.Axis] += b.Value
		}
	}
	if !known {
		return command.Command{}, ErrUnrecognized
	}
	for ax, v := range axes {
		axes[ax] = command.Clamp(v, -1, 1)
	}
	return newCommand(ev, command.Keyboard, axes, buttons), nil
}
