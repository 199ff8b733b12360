// Package command defines the normalized control command shared by every
// input channel, and the validation applied before arbitration.
package command

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Kind identifies the input channel a command came from.
type Kind string

// Input channel kinds.
const (
	Web      Kind = "web"
	Keyboard Kind = "keyboard"
	Gamepad  Kind = "gamepad"
)

// AllKinds returns the channel kinds in their default priority order,
// highest first.
func AllKinds() []Kind {
	return []Kind{Gamepad, Web, Keyboard}
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Web, Keyboard, Gamepad:
		return k, nil
	}
	return "", fmt.Errorf("unknown channel kind %q", s)
}

// Axis names a continuous control dimension.
type Axis string

// Default axes.
const (
	Drive Axis = "drive" // forward positive
	Turn  Axis = "turn"  // right positive
	Pan   Axis = "pan"
	Tilt  Axis = "tilt"
)

// DefaultAxes returns the axes recognised when none are configured.
func DefaultAxes() []Axis {
	return []Axis{Drive, Turn, Pan, Tilt}
}

// Button names a discrete control.
type Button string

// Buttons with special meaning to the arbiter and control loop.
const (
	EmergencyStop Button = "estop"
	Override      Button = "override"
	Center        Button = "center"
)

// ErrInvalidCommand is returned for commands with out-of-range or
// unrecognised axis values.
var ErrInvalidCommand = errors.New("invalid command")

// Command is a normalized control command. Treat it as immutable once
// built; use New to copy caller-owned maps.
type Command struct {
	SourceID  string
	Kind      Kind
	Axes      map[Axis]float64
	Buttons   map[Button]bool
	Timestamp time.Time
	Seq       uint64
}

// New builds a Command, copying axes and keeping only pressed buttons.
func New(sourceID string, kind Kind, axes map[Axis]float64, buttons []Button, ts time.Time) Command {
	c := Command{
		SourceID:  sourceID,
		Kind:      kind,
		Axes:      make(map[Axis]float64, len(axes)),
		Buttons:   make(map[Button]bool, len(buttons)),
		Timestamp: ts,
	}
	for a, v := range axes {
		c.Axes[a] = v
	}
	for _, b := range buttons {
		c.Buttons[b] = true
	}
	return c
}

// Clone returns a copy that shares no maps with c.
func (c Command) Clone() Command {
	out := c
	out.Axes = make(map[Axis]float64, len(c.Axes))
	for a, v := range c.Axes {
		out.Axes[a] = v
	}
	out.Buttons = make(map[Button]bool, len(c.Buttons))
	for b, on := range c.Buttons {
		out.Buttons[b] = on
	}
	return out
}

// Pressed reports whether b is held in the command.
func (c Command) Pressed(b Button) bool {
	return c.Buttons[b]
}

// ButtonList returns the pressed buttons in sorted order.
func (c Command) ButtonList() []Button {
	return SortedButtons(c.Buttons)
}

// SortedButtons returns the set members of m in sorted order.
func SortedButtons(m map[Button]bool) []Button {
	out := make([]Button, 0, len(m))
	for b, on := range m {
		if on {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks every axis against the recognised set and the
// [-1, 1] range. A nil or empty known set accepts any axis name.
func (c Command) Validate(known map[Axis]bool) error {
	if c.SourceID == "" {
		return fmt.Errorf("%w: missing source id", ErrInvalidCommand)
	}
	for a, v := range c.Axes {
		if len(known) > 0 && !known[a] {
			return fmt.Errorf("%w: unknown axis %q", ErrInvalidCommand, a)
		}
		if math.IsNaN(v) || v < -1 || v > 1 {
			return fmt.Errorf("%w: axis %q value %v outside [-1, 1]", ErrInvalidCommand, a, v)
		}
	}
	return nil
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
