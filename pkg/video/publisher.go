// Package video fans camera frames out to viewers. Each viewer has its
// own bounded mailbox so a slow viewer never holds back the camera or
// other viewers.
package video

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/hadron/pkg/clock"
	"github.com/gwillem/hadron/pkg/observability"
)

var (
	// ErrStreamDegraded reports that the camera source failed and the
	// publisher is retrying.
	ErrStreamDegraded = errors.New("stream degraded")
	// ErrClosed is returned by Next after the subscription closed.
	ErrClosed = errors.New("subscription closed")
)

// Source yields encoded frames until it fails. A failed source is not
// reused; the publisher opens a new one.
type Source interface {
	NextFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener starts a new camera source.
type Opener func(ctx context.Context) (Source, error)

// Config holds publisher settings.
type Config struct {
	// Buffer is each subscriber's mailbox capacity.
	Buffer  int
	Backoff BackoffConfig
	// OnDegraded is called when the stream enters or leaves the
	// degraded state. err is nil on recovery. It must not block.
	OnDegraded func(degraded bool, err error)
}

// Stats describes the publisher.
type Stats struct {
	Degraded    bool              `json:"degraded"`
	LastError   string            `json:"last_error,omitempty"`
	Frames      uint64            `json:"frames"`
	FPS         float64           `json:"fps"`
	FrameBytes  int               `json:"frame_bytes"`
	LastFrameAt time.Time         `json:"last_frame_at"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Publisher owns the camera source and the subscriber set.
type Publisher struct {
	open   Opener
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger
	rng    *rand.Rand

	mu        sync.Mutex
	subs      map[string]*Subscription
	seq       uint64
	fps       float64
	frameSize int
	lastAt    time.Time
	degraded  bool
	lastErr   error
	latest    *Frame
}

// NewPublisher creates a publisher. A nil clock uses the real clock.
func NewPublisher(open Opener, cfg Config, clk clock.Clock, logger zerolog.Logger) *Publisher {
	if cfg.Buffer < 1 {
		cfg.Buffer = 1
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff.InitialDelay = 500 * time.Millisecond
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff.MaxDelay = 10 * time.Second
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = 2
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Publisher{
		open:   open,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With().Str("component", "video").Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe attaches a viewer. A previous subscription with the same id
// is closed. The newest frame, if any, is queued immediately.
func (p *Publisher) Subscribe(id string) *Subscription {
	sub := newSubscription(id, p.cfg.Buffer, p.clock.Now())
	sub.onClose = func() { p.remove(id, sub) }

	p.mu.Lock()
	old := p.subs[id]
	p.subs[id] = sub
	latest := p.latest
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if latest != nil {
		sub.offer(*latest)
	}
	p.logger.Debug().Str("subscriber", id).Msg("viewer subscribed")
	return sub
}

// Unsubscribe closes the viewer's subscription if present.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	sub := p.subs[id]
	p.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (p *Publisher) remove(id string, sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[id] == sub {
		delete(p.subs, id)
	}
}

// Publish delivers data to every subscriber without blocking.
func (p *Publisher) Publish(data []byte) {
	now := p.clock.Now()

	p.mu.Lock()
	p.seq++
	f := Frame{Data: data, Seq: p.seq, At: now}
	if !p.lastAt.IsZero() {
		if dt := now.Sub(p.lastAt).Seconds(); dt > 0 {
			inst := 1 / dt
			if p.fps == 0 {
				p.fps = inst
			} else {
				p.fps = 0.9*p.fps + 0.1*inst
			}
		}
	}
	p.lastAt = now
	p.frameSize = len(data)
	p.latest = &f
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	dropped := 0
	for _, s := range subs {
		dropped += s.offer(f)
	}
	observability.RecordFrame(dropped)
}

// Run pulls frames from the camera until ctx is cancelled, reopening
// the source with backoff after failures.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info().Int("buffer", p.cfg.Buffer).Msg("video publisher started")
	attempt := 0
	for {
		src, err := p.open(ctx)
		if err == nil {
			var delivered bool
			delivered, err = p.stream(ctx, src)
			if cerr := src.Close(); cerr != nil {
				p.logger.Debug().Err(cerr).Msg("close camera source")
			}
			if delivered {
				attempt = 0
			}
		}
		if ctx.Err() != nil {
			p.closeAll()
			return ctx.Err()
		}

		attempt++
		p.setDegraded(err)
		delay := p.cfg.Backoff.Delay(attempt, p.rng)
		p.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("camera stream degraded")

		select {
		case <-ctx.Done():
			p.closeAll()
			return ctx.Err()
		case <-p.clock.After(delay):
		}
	}
}

func (p *Publisher) stream(ctx context.Context, src Source) (delivered bool, err error) {
	for {
		data, ferr := src.NextFrame(ctx)
		if ferr != nil {
			return delivered, ferr
		}
		delivered = true
		p.setRecovered()
		p.Publish(data)
	}
}

func (p *Publisher) setDegraded(err error) {
	p.mu.Lock()
	was := p.degraded
	p.degraded = true
	p.lastErr = err
	p.mu.Unlock()

	if !was {
		observability.SetStreamDegraded(true)
		if p.cfg.OnDegraded != nil {
			p.cfg.OnDegraded(true, errors.Join(ErrStreamDegraded, err))
		}
	}
}

func (p *Publisher) setRecovered() {
	p.mu.Lock()
	was := p.degraded
	p.degraded = false
	p.mu.Unlock()

	if was {
		observability.SetStreamDegraded(false)
		p.logger.Info().Msg("camera stream recovered")
		if p.cfg.OnDegraded != nil {
			p.cfg.OnDegraded(false, nil)
		}
	}
}

func (p *Publisher) closeAll() {
	p.mu.Lock()
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// Stats returns a snapshot of publisher and subscriber counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		Degraded:    p.degraded,
		Frames:      p.seq,
		FPS:         p.fps,
		FrameBytes:  p.frameSize,
		LastFrameAt: p.lastAt,
	}
	if p.lastErr != nil && p.degraded {
		st.LastError = p.lastErr.Error()
	}
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		st.Subscribers = append(st.Subscribers, s.Stats())
	}
	sort.Slice(st.Subscribers, func(i, j int) bool { return st.Subscribers[i].ID < st.Subscribers[j].ID })
	return st
}
