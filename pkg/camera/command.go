package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

const maxFrameSize = 4 << 20

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// Command reads an MJPEG stream from the stdout of a capture process.
type Command struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	logger  zerolog.Logger

	closeOnce sync.Once
	waitErr   error
}

// CaptureArgs builds the rpicam-vid argument list for cfg. Extra
// cfg.Args are appended verbatim.
func CaptureArgs(cfg Config) []string {
	args := []string{
		"-t", "0",
		"--nopreview",
		"--codec", "mjpeg",
		"--width", strconv.Itoa(cfg.Width),
		"--height", strconv.Itoa(cfg.Height),
		"--framerate", strconv.Itoa(cfg.FPS),
		"--quality", strconv.Itoa(cfg.Quality),
	}
	if cfg.HFlip {
		args = append(args, "--hflip")
	}
	if cfg.VFlip {
		args = append(args, "--vflip")
	}
	args = append(args, cfg.Args...)
	return append(args, "-o", "-")
}

// StartCommand launches the capture process.
func StartCommand(ctx context.Context, cfg Config, logger zerolog.Logger) (*Command, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.Command, CaptureArgs(cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("camera stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	logger.Info().Int("pid", cmd.Process.Pid).Strs("args", cmd.Args).Msg("capture process started")
	return &Command{
		cmd:     cmd,
		stdout:  stdout,
		scanner: NewFrameScanner(stdout),
		cancel:  cancel,
		logger:  logger,
	}, nil
}

// NextFrame returns the next JPEG frame from the process output.
func (c *Command) NextFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.scanner.Scan() {
		err := c.scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read camera stream: %w", err)
	}
	frame := c.scanner.Bytes()
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}

// Close stops the capture process.
func (c *Command) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.stdout.Close()
		err := c.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			c.waitErr = err
		}
		c.logger.Debug().Err(err).Msg("capture process exited")
	})
	return c.waitErr
}

// NewFrameScanner returns a scanner that yields complete JPEG images
// from an MJPEG byte stream. Bytes outside SOI..EOI are discarded.
func NewFrameScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64<<10), maxFrameSize)
	s.Split(splitJPEG)
	return s
}

func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		// Keep a trailing 0xff in case it begins the next marker.
		if n := len(data); !atEOF && n > 0 && data[n-1] == 0xff {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		if start > 0 {
			return start, nil, nil
		}
		return 0, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}
