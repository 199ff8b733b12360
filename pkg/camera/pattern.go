package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"github.com/gwillem/hadron/pkg/clock"
)

// Pattern generates a moving test image. It stands in for a camera on
// machines without one.
type Pattern struct {
	cfg    Config
	clock  clock.Clock
	ticker *clock.Ticker
	img    *image.RGBA
	frame  int
}

// NewPattern creates a test pattern source. A nil clock uses the real clock.
func NewPattern(cfg Config, clk clock.Clock) *Pattern {
	if clk == nil {
		clk = clock.Real()
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = 10
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 75
	}
	return &Pattern{
		cfg:    cfg,
		clock:  clk,
		ticker: clk.NewTicker(time.Second / time.Duration(fps)),
		img:    image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height)),
	}
}

// NextFrame waits for the next frame period and renders a frame.
func (p *Pattern) NextFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ticker.C:
	}
	return p.Render()
}

// Render draws and encodes the next frame immediately.
func (p *Pattern) Render() ([]byte, error) {
	b := p.img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty pattern size %dx%d", w, h)
	}
	bar := p.frame % w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 96, A: 255}
			if x >= bar && x < bar+8 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			p.img.SetRGBA(x, y, c)
		}
	}
	p.frame += 4

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, p.img, &jpeg.Options{Quality: p.cfg.Quality}); err != nil {
		return nil, fmt.Errorf("encode pattern: %w", err)
	}
	return buf.Bytes(), nil
}

// Close stops the frame ticker.
func (p *Pattern) Close() error {
	p.ticker.Stop()
	return nil
}
