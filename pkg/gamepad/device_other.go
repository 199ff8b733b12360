//go:build !linux

package gamepad

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("joystick devices are only supported on linux, not " + runtime.GOOS)

// Open is not available on this platform.
func Open(path string) (Device, error) { return nil, errUnsupported }

// Describe is not available on this platform.
func Describe(path string) (Info, error) { return Info{}, errUnsupported }
