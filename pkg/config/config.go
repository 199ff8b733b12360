// Package config loads and saves the hadron.yaml configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gwillem/hadron/pkg/arbiter"
	"github.com/gwillem/hadron/pkg/camera"
	"github.com/gwillem/hadron/pkg/command"
	"github.com/gwillem/hadron/pkg/input"
	"github.com/gwillem/hadron/pkg/observability"
	"github.com/gwillem/hadron/pkg/robot"
	"github.com/gwillem/hadron/pkg/teleop"
	"github.com/gwillem/hadron/pkg/video"
)

// DefaultConfigFile is read when neither a flag nor HADRON_CONFIG names a file.
const DefaultConfigFile = "hadron.yaml"

// EnvConfigFile overrides the config file path.
const EnvConfigFile = "HADRON_CONFIG"

// Driver names for HardwareConfig.
const (
	DriverMotorHat = "motorhat"
	DriverFeetech  = "feetech"
	DriverDryRun   = "dryrun"
	DriverNone     = "none"
)

// Config holds the robot configuration.
type Config struct {
	Arbiter  ArbiterConfig     `yaml:"arbiter"`
	Control  ControlConfig     `yaml:"control"`
	Drive    DriveConfig       `yaml:"drive"`
	Servos   []robot.ServoSpec `yaml:"servos"`
	Hardware HardwareConfig    `yaml:"hardware"`
	Camera   CameraConfig      `yaml:"camera"`
	Gamepad  GamepadConfig     `yaml:"gamepad"`
	Keyboard KeyboardConfig    `yaml:"keyboard"`
	Web      WebConfig         `yaml:"web"`
	MQTT     MQTTConfig        `yaml:"mqtt"`
	Log      LogConfig         `yaml:"log"`
}

type ArbiterConfig struct {
	// Priority lists input channels from highest to lowest priority.
	Priority      []command.Kind `yaml:"priority"`
	SourceTimeout time.Duration  `yaml:"source_timeout"`
	Axes          []command.Axis `yaml:"axes,omitempty"`
}

type ControlConfig struct {
	Period         time.Duration `yaml:"period"`
	DeadmanTimeout time.Duration `yaml:"deadman_timeout"`
	Slew           SlewConfig    `yaml:"slew"`
}

type SlewConfig struct {
	// MotorPerTick is the largest motor speed change per tick as a
	// fraction of full scale. Zero disables motor slew limiting.
	MotorPerTick    float64 `yaml:"motor_per_tick"`
	ServoDegPerTick float64 `yaml:"servo_deg_per_tick"`
}

type DriveConfig struct {
	MaxSpeed  float64           `yaml:"max_speed"`
	TurnGain  float64           `yaml:"turn_gain"`
	TurnSpeed float64           `yaml:"turn_speed"` // web left/right default
	Motors    []robot.MotorSpec `yaml:"motors"`
}

type HardwareConfig struct {
	MotorDriver string            `yaml:"motor_driver"`
	ServoDriver string            `yaml:"servo_driver"`
	I2CBus      string            `yaml:"i2c_bus,omitempty"`
	I2CAddr     uint16            `yaml:"i2c_addr"`
	PWMFreq     int               `yaml:"pwm_freq"`
	ServoPort   string            `yaml:"servo_port,omitempty"`
	ServoBaud   int               `yaml:"servo_baud"`
	Calibration robot.Calibration `yaml:"calibration,omitempty"`
}

type CameraConfig struct {
	camera.Config `yaml:",inline"`
	Buffer        int           `yaml:"buffer"`
	RetryMin      time.Duration `yaml:"retry_min"`
	RetryMax      time.Duration `yaml:"retry_max"`
}

type GamepadConfig struct {
	Enabled  bool                      `yaml:"enabled"`
	Device   string                    `yaml:"device"`
	Deadzone float64                   `yaml:"deadzone"`
	Repeat   time.Duration             `yaml:"repeat"`
	Axes     map[int]input.AxisBinding `yaml:"axes,omitempty"`
	Buttons  map[int]command.Button    `yaml:"buttons,omitempty"`
}

type KeyboardConfig struct {
	Bindings map[string]input.Binding `yaml:"bindings,omitempty"`
}

type WebConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	CORSOrigins        []string      `yaml:"cors_origins"`
	TrustedProxies     []string      `yaml:"trusted_proxies,omitempty"`
	StatusInterval     time.Duration `yaml:"status_interval"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
}

type MQTTConfig struct {
	Broker   string        `yaml:"broker,omitempty"`
	Topic    string        `yaml:"topic"`
	ClientID string        `yaml:"client_id,omitempty"`
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration of the reference car.
func Default() *Config {
	return &Config{
		Arbiter: ArbiterConfig{
			Priority:      []command.Kind{command.Gamepad, command.Web, command.Keyboard},
			SourceTimeout: arbiter.DefaultSourceTimeout,
		},
		Control: ControlConfig{
			Period:         teleop.DefaultPeriod,
			DeadmanTimeout: teleop.DefaultDeadmanTimeout,
			Slew:           SlewConfig{MotorPerTick: 0.1, ServoDegPerTick: 6},
		},
		Drive: DriveConfig{
			MaxSpeed:  1,
			TurnGain:  0.7,
			TurnSpeed: input.DefaultTurnSpeed,
			Motors:   robot.DefaultMotors(),
		},
		Servos: robot.DefaultServos(),
		Hardware: HardwareConfig{
			MotorDriver: DriverMotorHat,
			ServoDriver: DriverNone,
			I2CAddr:     0x60,
			PWMFreq:     1600,
			ServoBaud:   1_000_000,
		},
		Camera: CameraConfig{
			Config:   camera.DefaultConfig(),
			Buffer:   1,
			RetryMin: 500 * time.Millisecond,
			RetryMax: 10 * time.Second,
		},
		Gamepad: GamepadConfig{
			Enabled:  true,
			Device:   "auto",
			Deadzone: input.DefaultDeadzone,
			Repeat:   100 * time.Millisecond,
		},
		Web: WebConfig{
			Host:               "0.0.0.0",
			Port:               8000,
			CORSOrigins:        []string{"*"},
			StatusInterval:     time.Second,
			SessionIdleTimeout: 30 * time.Second,
		},
		MQTT: MQTTConfig{
			Topic:    "hadron/status",
			ClientID: "hadron",
			Interval: time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Console:    true,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Path returns the config file to use: explicit if set, else
// HADRON_CONFIG, else DefaultConfigFile.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfigFile); p != "" {
		return p
	}
	return DefaultConfigFile
}

// Load loads the configuration from Path(""). A missing file yields
// the defaults.
func Load() (*Config, error) {
	cfg, err := LoadFrom(Path(""))
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// LoadFrom reads path over the defaults and validates the result.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to the default config file.
func (c *Config) Save() error {
	return c.SaveTo(Path(""))
}

// SaveTo writes the configuration to path.
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Exists returns true if the config file exists.
func Exists() bool {
	_, err := os.Stat(Path(""))
	return err == nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.Arbiter.Priority) == 0 {
		add("arbiter.priority must list at least one channel")
	}
	seen := map[command.Kind]bool{}
	for _, k := range c.Arbiter.Priority {
		if _, err := command.ParseKind(string(k)); err != nil {
			add("arbiter.priority: %v", err)
		}
		if seen[k] {
			add("arbiter.priority: %s listed twice", k)
		}
		seen[k] = true
	}
	if c.Arbiter.SourceTimeout <= 0 {
		add("arbiter.source_timeout must be positive")
	}
	if c.Control.Period <= 0 {
		add("control.period must be positive")
	}
	if c.Control.DeadmanTimeout <= 0 {
		add("control.deadman_timeout must be positive")
	}
	if c.Control.Slew.MotorPerTick < 0 || c.Control.Slew.MotorPerTick > 1 {
		add("control.slew.motor_per_tick %v not within [0, 1]", c.Control.Slew.MotorPerTick)
	}
	if c.Control.Slew.ServoDegPerTick < 0 {
		add("control.slew.servo_deg_per_tick must not be negative")
	}
	if _, err := robot.NewMixer(c.MixerConfig()); err != nil {
		add("drive: %w", err)
	}
	if c.Drive.TurnSpeed < 0 || c.Drive.TurnSpeed > 1 {
		add("drive.turn_speed %v not within [0, 1]", c.Drive.TurnSpeed)
	}

	switch c.Hardware.MotorDriver {
	case DriverMotorHat, DriverDryRun:
	default:
		add("hardware.motor_driver %q: want %s or %s", c.Hardware.MotorDriver, DriverMotorHat, DriverDryRun)
	}
	switch c.Hardware.ServoDriver {
	case DriverFeetech:
		if c.Hardware.ServoPort == "" {
			add("hardware.servo_port is required for the %s servo driver", DriverFeetech)
		}
	case DriverDryRun, DriverNone:
	default:
		add("hardware.servo_driver %q: want %s, %s or %s", c.Hardware.ServoDriver, DriverFeetech, DriverDryRun, DriverNone)
	}

	if err := c.Camera.Validate(); err != nil {
		add("camera: %w", err)
	}
	if c.Camera.Buffer < 1 {
		add("camera.buffer must be at least 1")
	}
	if c.Gamepad.Deadzone < 0 || c.Gamepad.Deadzone >= 1 {
		add("gamepad.deadzone %v not within [0, 1)", c.Gamepad.Deadzone)
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		add("web.port %d out of range", c.Web.Port)
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		add("mqtt.topic is required when mqtt.broker is set")
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Web.Host, strconv.Itoa(c.Web.Port))
}

// ArbiterConfig returns the arbiter settings.
func (c *Config) ArbiterConfig() arbiter.Config {
	return arbiter.Config{
		Priority:      c.Arbiter.Priority,
		SourceTimeout: c.Arbiter.SourceTimeout,
		Axes:          c.Arbiter.Axes,
	}
}

// MixerConfig returns the drivetrain and camera head mapping.
func (c *Config) MixerConfig() robot.MixerConfig {
	return robot.MixerConfig{
		MaxSpeed: c.Drive.MaxSpeed,
		TurnGain: c.Drive.TurnGain,
		Motors:   c.Drive.Motors,
		Servos:   c.Servos,
	}
}

// WebAdapterConfig returns the button speeds of the web channel, matched
// to the mixer.
func (c *Config) WebAdapterConfig() input.WebConfig {
	return input.WebConfig{
		MaxSpeed:  c.Drive.MaxSpeed,
		TurnGain:  c.Drive.TurnGain,
		TurnSpeed: c.Drive.TurnSpeed,
	}
}

// TeleopConfig returns the control loop settings.
func (c *Config) TeleopConfig() teleop.Config {
	return teleop.Config{
		Period:         c.Control.Period,
		DeadmanTimeout: c.Control.DeadmanTimeout,
		Slew:           robot.NewSlew(c.Control.Slew.MotorPerTick, c.Control.Slew.ServoDegPerTick),
	}
}

// GamepadAdapterConfig returns the controller mapping.
func (c *Config) GamepadAdapterConfig() input.GamepadConfig {
	return input.GamepadConfig{
		Deadzone: c.Gamepad.Deadzone,
		Axes:     c.Gamepad.Axes,
		Buttons:  c.Gamepad.Buttons,
	}
}

// VideoConfig returns publisher settings.
func (c *Config) VideoConfig() video.Config {
	return video.Config{
		Buffer: c.Camera.Buffer,
		Backoff: video.BackoffConfig{
			InitialDelay: c.Camera.RetryMin,
			MaxDelay:     c.Camera.RetryMax,
			Multiplier:   2,
			Jitter:       0.2,
		},
	}
}

// LogConfig returns logger settings.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:      c.Log.Level,
		Console:    c.Log.Console,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
