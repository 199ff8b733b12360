//go:build linux

package gamepad

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers from linux/joystick.h: _IOR('j', nr, size).
const (
	jsiocgAxes    = 0x80016a11
	jsiocgButtons = 0x80016a12
	jsiocgNameNr  = 0x80006a13
	nameLen       = 128
)

type jsDevice struct {
	f    *os.File
	info Info
}

// Open opens a joystick device node and queries its name and layout.
func Open(path string) (Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open joystick: %w", err)
	}
	info, err := query(f.Fd())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	info.Path = path
	return &jsDevice{f: f, info: info}, nil
}

// Describe returns name and layout of the device at path.
func Describe(path string) (Info, error) {
	d, err := Open(path)
	if err != nil {
		return Info{}, err
	}
	defer d.Close()
	return d.(*jsDevice).info, nil
}

func query(fd uintptr) (Info, error) {
	var info Info
	var axes, buttons uint8
	if err := ioctl(fd, jsiocgAxes, unsafe.Pointer(&axes)); err != nil {
		return info, fmt.Errorf("axes: %w", err)
	}
	if err := ioctl(fd, jsiocgButtons, unsafe.Pointer(&buttons)); err != nil {
		return info, fmt.Errorf("buttons: %w", err)
	}
	var name [nameLen]byte
	if err := ioctl(fd, jsiocgNameNr|nameLen<<16, unsafe.Pointer(&name[0])); err != nil {
		return info, fmt.Errorf("name: %w", err)
	}
	info.Axes = int(axes)
	info.Buttons = int(buttons)
	info.Name = unix.ByteSliceToString(name[:])
	return info, nil
}

func ioctl(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *jsDevice) Name() string { return d.info.Name }

func (d *jsDevice) ReadEvent() (Event, error) { return ReadEvent(d.f) }

func (d *jsDevice) Close() error { return d.f.Close() }
