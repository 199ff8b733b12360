package gamepad

import (
	"errors"
	"path/filepath"
	"sort"
)

// DevicePattern matches joystick device nodes.
const DevicePattern = "/dev/input/js*"

// ErrNoDevice is returned when auto-detection finds no controller.
var ErrNoDevice = errors.New("no joystick device found")

// Device is an open controller.
type Device interface {
	Name() string
	ReadEvent() (Event, error)
	Close() error
}

// Info describes a controller.
type Info struct {
	Path    string
	Name    string
	Axes    int
	Buttons int
}

// Detect lists joystick device nodes in order.
func Detect() []string {
	paths, _ := filepath.Glob(DevicePattern)
	sort.Strings(paths)
	return paths
}

// Resolve maps "auto" or "" to the first detected device.
func Resolve(device string) (string, error) {
	if device != "" && device != "auto" {
		return device, nil
	}
	paths := Detect()
	if len(paths) == 0 {
		return "", ErrNoDevice
	}
	return paths[0], nil
}
