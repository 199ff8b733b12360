// Package input translates raw client events from each channel into
// normalized commands. Adapters hold configuration only; every call to
// Normalize depends on the event alone.
package input

import (
	"errors"
	"time"

	"github.com/gwillem/hadron/pkg/command"
)

// ErrUnrecognized is returned for events an adapter does not handle.
// Callers drop such events.
var ErrUnrecognized = errors.New("unrecognized input event")

// Event is a raw event received on an input channel. Payload is one of
// WebButton, WebJoystick, KeyEvent or GamepadReport.
type Event struct {
	SourceID   string
	Kind       command.Kind
	ReceivedAt time.Time
	Payload    any
}

// Adapter normalizes events of one channel kind.
type Adapter interface {
	Kind() command.Kind
	Normalize(ev Event) (command.Command, error)
}

func newCommand(ev Event, kind command.Kind, axes map[command.Axis]float64, buttons []command.Button) command.Command {
	return command.New(ev.SourceID, kind, axes, buttons, ev.ReceivedAt)
}
