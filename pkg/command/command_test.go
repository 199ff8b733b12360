package command

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestCommand_Validate(t *testing.T) {
	known := map[Axis]bool{Drive: true, Turn: true}

	tests := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"in range", New("a", Web, map[Axis]float64{Drive: 1, Turn: -1}, nil, time.Time{}), false},
		{"no axes", New("a", Web, nil, []Button{EmergencyStop}, time.Time{}), false},
		{"above range", New("a", Web, map[Axis]float64{Drive: 1.01}, nil, time.Time{}), true},
		{"below range", New("a", Web, map[Axis]float64{Turn: -2}, nil, time.Time{}), true},
		{"nan", New("a", Web, map[Axis]float64{Drive: math.NaN()}, nil, time.Time{}), true},
		{"unknown axis", New("a", Web, map[Axis]float64{Pan: 0}, nil, time.Time{}), true},
		{"missing source", New("", Web, map[Axis]float64{Drive: 0}, nil, time.Time{}), true},
	}

	for _, tt := range tests {
		err := tt.cmd.Validate(known)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("%s: error %v does not wrap ErrInvalidCommand", tt.name, err)
		}
	}
}

func TestNew_CopiesInputs(t *testing.T) {
	axes := map[Axis]float64{Drive: 0.5}
	c := New("a", Keyboard, axes, []Button{Center}, time.Time{})
	axes[Drive] = -1

	if c.Axes[Drive] != 0.5 {
		t.Errorf("command axes changed with caller map: %v", c.Axes[Drive])
	}
	if !c.Pressed(Center) {
		t.Error("Center not pressed")
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds() {
		got, err := ParseKind(string(k))
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %q, %v", k, got, err)
		}
	}
	if _, err := ParseKind("joystick"); err == nil {
		t.Error("ParseKind(joystick) should fail")
	}
}
