package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gwillem/hadron/pkg/command"
	"github.com/gwillem/hadron/pkg/robot"
)

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
arbiter:
  priority: [web, gamepad]
  source_timeout: 750ms
control:
  period: 20ms
  slew:
    motor_per_tick: 0.25
drive:
  max_speed: 0.6
  motors:
    - {name: left, side: left, channel: 3, min: -1, max: 1}
    - {name: right, side: right, channel: 4, inverted: true, min: -1, max: 1}
gamepad:
  axes:
    2: {axis: turn}
  buttons:
    1: estop
web:
  port: 9000
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := cfg.Arbiter.Priority; len(got) != 2 || got[0] != command.Web {
		t.Errorf("priority = %v", got)
	}
	if cfg.Arbiter.SourceTimeout != 750*time.Millisecond {
		t.Errorf("source_timeout = %v", cfg.Arbiter.SourceTimeout)
	}
	if cfg.Control.Period != 20*time.Millisecond {
		t.Errorf("period = %v", cfg.Control.Period)
	}
	if cfg.Control.DeadmanTimeout != 500*time.Millisecond {
		t.Errorf("deadman_timeout default lost: %v", cfg.Control.DeadmanTimeout)
	}
	if len(cfg.Drive.Motors) != 2 || cfg.Drive.Motors[1].Channel != 4 || !cfg.Drive.Motors[1].Inverted {
		t.Errorf("motors = %+v", cfg.Drive.Motors)
	}
	if cfg.Gamepad.Axes[2].Axis != command.Turn || cfg.Gamepad.Buttons[1] != command.EmergencyStop {
		t.Errorf("gamepad mapping = %+v %+v", cfg.Gamepad.Axes, cfg.Gamepad.Buttons)
	}
	if cfg.Addr() != "0.0.0.0:9000" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if s := cfg.TeleopConfig().Slew; s.MotorStep != 8192 {
		t.Errorf("motor slew step = %d", s.MotorStep)
	}
	if len(cfg.Servos) != 2 {
		t.Errorf("servo defaults lost: %+v", cfg.Servos)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown channel", func(c *Config) { c.Arbiter.Priority = []command.Kind{"joystick"} }, "arbiter.priority"},
		{"duplicate channel", func(c *Config) { c.Arbiter.Priority = []command.Kind{command.Web, command.Web} }, "listed twice"},
		{"zero deadman", func(c *Config) { c.Control.DeadmanTimeout = 0 }, "deadman_timeout"},
		{"bad max speed", func(c *Config) { c.Drive.MaxSpeed = 2 }, "drive"},
		{"unknown motor driver", func(c *Config) { c.Hardware.MotorDriver = "l298n" }, "motor_driver"},
		{"feetech without port", func(c *Config) { c.Hardware.ServoDriver = DriverFeetech }, "servo_port"},
		{"camera fps", func(c *Config) { c.Camera.FPS = 0 }, "camera"},
		{"port", func(c *Config) { c.Web.Port = 70000 }, "web.port"},
		{"mqtt topic", func(c *Config) { c.MQTT.Broker = "tcp://localhost:1883"; c.MQTT.Topic = "" }, "mqtt.topic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robot.yaml")
	cfg := Default()
	cfg.Web.Port = 8123
	cfg.Control.DeadmanTimeout = 750 * time.Millisecond
	cfg.Hardware.Calibration = robot.Calibration{"pan": {ID: 7, RangeMin: 100, RangeMax: 3900}}
	if err := cfg.SaveTo(path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "deadman_timeout: 750ms") {
		t.Errorf("durations not written as strings:\n%s", data)
	}

	t.Setenv(EnvConfigFile, path)
	if !Exists() {
		t.Fatal("Exists() = false for HADRON_CONFIG file")
	}
	got, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Web.Port != 8123 || got.Control.DeadmanTimeout != 750*time.Millisecond {
		t.Errorf("loaded config = %+v", got)
	}
	if got.Hardware.Calibration["pan"].ID != 7 {
		t.Errorf("calibration = %+v", got.Hardware.Calibration)
	}
}

func TestLoad_Missing(t *testing.T) {
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want defaults", err)
	}
	if cfg.Web.Port != 8000 {
		t.Errorf("port = %d", cfg.Web.Port)
	}
	if _, err := LoadFrom(Path("")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadFrom missing = %v", err)
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	if got := Path(""); got != DefaultConfigFile {
		t.Errorf("Path() = %q", got)
	}
	if got := Path("x.yaml"); got != "x.yaml" {
		t.Errorf("explicit Path = %q", got)
	}
}
