// Package camera provides frame sources for the video publisher.
package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gwillem/hadron/pkg/video"
)

// Source kinds accepted in Config.Source.
const (
	SourceRpicam  = "rpicam"
	SourcePattern = "pattern"
	SourceNone    = "none"
)

// ErrDisabled is returned by the opener when no camera is configured.
var ErrDisabled = errors.New("camera disabled")

// Config describes the camera.
type Config struct {
	Source  string   `yaml:"source"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Width   int      `yaml:"width"`
	Height  int      `yaml:"height"`
	FPS     int      `yaml:"fps"`
	Quality int      `yaml:"quality"`
	HFlip   bool     `yaml:"hflip"`
	VFlip   bool     `yaml:"vflip"`
}

// DefaultConfig matches a Raspberry Pi camera module at 640x480.
func DefaultConfig() Config {
	return Config{
		Source:  SourceRpicam,
		Command: "rpicam-vid",
		Width:   640,
		Height:  480,
		FPS:     30,
		Quality: 80,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch strings.ToLower(c.Source) {
	case SourceRpicam:
		if c.Command == "" {
			return fmt.Errorf("camera command is required for source %q", c.Source)
		}
	case SourcePattern, SourceNone, "":
	default:
		return fmt.Errorf("unknown camera source %q", c.Source)
	}
	if c.Source != SourceNone && c.Source != "" {
		if c.Width <= 0 || c.Height <= 0 {
			return fmt.Errorf("invalid camera resolution %dx%d", c.Width, c.Height)
		}
		if c.FPS <= 0 {
			return fmt.Errorf("invalid camera fps %d", c.FPS)
		}
		if c.Quality < 1 || c.Quality > 100 {
			return fmt.Errorf("camera quality %d outside 1..100", c.Quality)
		}
	}
	return nil
}

// NewOpener returns a video.Opener for the configured source. Every call
// of the opener starts a fresh source.
func NewOpener(cfg Config, logger zerolog.Logger) video.Opener {
	logger = logger.With().Str("component", "camera").Str("source", cfg.Source).Logger()
	switch strings.ToLower(cfg.Source) {
	case SourceRpicam:
		return func(ctx context.Context) (video.Source, error) {
			return StartCommand(ctx, cfg, logger)
		}
	case SourcePattern:
		return func(ctx context.Context) (video.Source, error) {
			return NewPattern(cfg, nil), nil
		}
	default:
		return func(ctx context.Context) (video.Source, error) {
			return nil, ErrDisabled
		}
	}
}
