// Package gamepad reads game controllers through the Linux joystick
// interface (/dev/input/js*) and forwards their state as reports.
package gamepad

import (
	"encoding/binary"
	"fmt"
	"io"
	"maps"

	"github.com/gwillem/hadron/pkg/input"
)

// EventSize is the size of struct js_event.
const EventSize = 8

// Event type bits from linux/joystick.h.
const (
	TypeButton uint8 = 0x01
	TypeAxis   uint8 = 0x02
	TypeInit   uint8 = 0x80
)

// Event is one joystick event.
type Event struct {
	Time   uint32 // ms, driver clock
	Value  int16
	Type   uint8
	Number uint8
}

// Init reports whether the event is part of the synthetic initial state.
func (e Event) Init() bool { return e.Type&TypeInit != 0 }

// Kind returns the type with the init flag cleared.
func (e Event) Kind() uint8 { return e.Type &^ TypeInit }

// ParseEvent decodes a little-endian js_event.
func ParseEvent(b []byte) (Event, error) {
	if len(b) < EventSize {
		return Event{}, fmt.Errorf("short joystick event: %d bytes", len(b))
	}
	return Event{
		Time:   binary.LittleEndian.Uint32(b[0:4]),
		Value:  int16(binary.LittleEndian.Uint16(b[4:6])),
		Type:   b[6],
		Number: b[7],
	}, nil
}

// ReadEvent reads and decodes one event from r.
func ReadEvent(r io.Reader) (Event, error) {
	var buf [EventSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Event{}, err
	}
	return ParseEvent(buf[:])
}

// State accumulates events into the controller's current position.
type State struct {
	axes    map[int]int16
	buttons map[int]bool
}

// NewState returns an empty state.
func NewState() *State {
	return &State{axes: map[int]int16{}, buttons: map[int]bool{}}
}

// Apply folds ev into the state and reports whether anything changed.
func (s *State) Apply(ev Event) bool {
	n := int(ev.Number)
	switch ev.Kind() {
	case TypeAxis:
		old, ok := s.axes[n]
		s.axes[n] = ev.Value
		return !ok || old != ev.Value
	case TypeButton:
		pressed := ev.Value != 0
		old, ok := s.buttons[n]
		s.buttons[n] = pressed
		return !ok || old != pressed
	}
	return false
}

// Report returns a copy of the state.
func (s *State) Report() input.GamepadReport {
	return input.GamepadReport{Axes: maps.Clone(s.axes), Buttons: maps.Clone(s.buttons)}
}

// Engaged reports whether any button is held or any axis sits outside
// deadzone (a fraction of full scale).
func (s *State) Engaged(deadzone float64) bool {
	for _, pressed := range s.buttons {
		if pressed {
			return true
		}
	}
	for _, v := range s.axes {
		f := input.NormalizeAxis(v)
		if f >= deadzone || f <= -deadzone {
			return true
		}
	}
	return false
}
