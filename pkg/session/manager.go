package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gwillem/hadron/pkg/clock"
	"github.com/gwillem/hadron/pkg/command"
	"github.com/gwillem/hadron/pkg/input"
	"github.com/gwillem/hadron/pkg/observability"
	"github.com/gwillem/hadron/pkg/video"
)

var (
	// ErrUnknownSession is returned for ids that are not open.
	ErrUnknownSession = errors.New("unknown session")
	// ErrDropped wraps events that were discarded without reaching the
	// arbiter: unrecognised payloads and channels the session did not
	// subscribe to.
	ErrDropped = errors.New("event dropped")
	// ErrNoVideo is returned by Watch when no publisher is configured.
	ErrNoVideo = errors.New("video not available")
)

// Submitter accepts commands and tracks their sources.
type Submitter interface {
	Register(id string, kind command.Kind) error
	Submit(cmd command.Command) error
	Disconnect(id string) bool
}

// Watcher hands out video subscriptions.
type Watcher interface {
	Subscribe(id string) *video.Subscription
}

// Config holds session manager settings.
type Config struct {
	// IdleTimeout closes ephemeral sessions with no activity for this long.
	IdleTimeout time.Duration
	// OutboxSize bounds each session's queued outbound messages.
	OutboxSize int
}

// Manager owns the open sessions.
type Manager struct {
	arb      Submitter
	adapters map[command.Kind]input.Adapter
	video    Watcher
	cfg      Config
	clock    clock.Clock
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	remotes  map[string]string
}

// NewManager creates a session manager. pub may be nil.
func NewManager(arb Submitter, adapters []input.Adapter, pub Watcher, cfg Config, clk clock.Clock, logger zerolog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 16
	}
	if clk == nil {
		clk = clock.Real()
	}
	m := &Manager{
		arb:      arb,
		adapters: make(map[command.Kind]input.Adapter, len(adapters)),
		video:    pub,
		cfg:      cfg,
		clock:    clk,
		logger:   logger.With().Str("component", "session").Logger(),
		sessions: make(map[string]*Session),
		remotes:  make(map[string]string),
	}
	for _, a := range adapters {
		m.adapters[a.Kind()] = a
	}
	return m
}

// Open starts a session for a connection and subscribes it to channels.
// The session lives until Close.
func (m *Manager) Open(remote string, channels ...command.Kind) (*Session, error) {
	s := newSession(uuid.NewString(), remote, m.clock.Now(), m.cfg.OutboxSize)
	if err := m.subscribe(s, channels); err != nil {
		m.disconnect(s)
		s.cancel()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	observability.SetSessions(n)
	m.logger.Info().Str("session", s.ID).Str("remote", remote).Interface("channels", channels).Msg("session opened")
	return s, nil
}

// ForRemote returns the ephemeral session of a connectionless client,
// opening one on first use. Ephemeral sessions are reaped when idle.
func (m *Manager) ForRemote(remote string, channels ...command.Kind) (*Session, error) {
	m.mu.Lock()
	id, ok := m.remotes[remote]
	s := m.sessions[id]
	m.mu.Unlock()
	if ok && s != nil {
		if err := m.Subscribe(s.ID, channels...); err != nil {
			return nil, err
		}
		return s, nil
	}

	s, err := m.Open(remote, channels...)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ephemeral = true
	s.mu.Unlock()

	m.mu.Lock()
	m.remotes[remote] = s.ID
	m.mu.Unlock()
	return s, nil
}

// Subscribe adds input channels to an open session.
func (m *Manager) Subscribe(id string, channels ...command.Kind) error {
	s, ok := m.Lookup(id)
	if !ok {
		return fmt.Errorf("subscribe %s: %w", id, ErrUnknownSession)
	}
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	if s.ctx.Err() != nil {
		return fmt.Errorf("subscribe %s: %w", id, ErrUnknownSession)
	}
	return m.subscribe(s, channels)
}

func (m *Manager) subscribe(s *Session, channels []command.Kind) error {
	for _, kind := range channels {
		if _, ok := m.adapters[kind]; !ok {
			return fmt.Errorf("subscribe %s: no adapter for channel %q", s.ID, kind)
		}
		if s.Subscribed(kind) {
			continue
		}
		if err := m.arb.Register(SourceID(s.ID, kind), kind); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.ID, err)
		}
		s.mu.Lock()
		s.channels[kind] = true
		s.mu.Unlock()
	}
	return nil
}

// Lookup returns an open session.
func (m *Manager) Lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Dispatch normalizes a raw event from a session's channel and submits
// it to the arbiter. Events the session cannot send are dropped with a
// warning and an error wrapping ErrDropped. Invalid commands are
// returned to the caller and leave the arbiter untouched.
func (m *Manager) Dispatch(id string, kind command.Kind, payload any) error {
	s, ok := m.Lookup(id)
	if !ok {
		return fmt.Errorf("dispatch %s: %w", id, ErrUnknownSession)
	}
	now := m.clock.Now()
	s.touch(now)

	adapter, ok := m.adapters[kind]
	if !ok || !s.Subscribed(kind) {
		observability.RecordCommand(string(kind), "dropped")
		m.logger.Warn().Str("session", id).Str("channel", string(kind)).Msg("event on unsubscribed channel dropped")
		return fmt.Errorf("%w: session %s is not subscribed to %s", ErrDropped, id, kind)
	}

	ev := input.Event{SourceID: SourceID(id, kind), Kind: kind, ReceivedAt: now, Payload: payload}
	cmd, err := adapter.Normalize(ev)
	if errors.Is(err, input.ErrUnrecognized) {
		observability.RecordCommand(string(kind), "dropped")
		m.logger.Warn().Str("session", id).Str("channel", string(kind)).Str("payload", fmt.Sprintf("%T", payload)).Msg("unrecognized event dropped")
		return fmt.Errorf("%w: %w", ErrDropped, err)
	}
	if err != nil {
		observability.RecordCommand(string(kind), "rejected")
		return err
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	// Close may have run while the adapter was normalizing. Submitting
	// now would recreate the sources it removed.
	if s.ctx.Err() != nil {
		observability.RecordCommand(string(kind), "dropped")
		return fmt.Errorf("dispatch %s: %w", id, ErrUnknownSession)
	}
	cmd.Seq = s.nextSeq(kind)
	if err := m.arb.Submit(cmd); err != nil {
		observability.RecordCommand(string(kind), "rejected")
		m.logger.Debug().Err(err).Str("source", cmd.SourceID).Msg("command rejected")
		return err
	}
	observability.RecordCommand(string(kind), "accepted")
	return nil
}

// Watch attaches a video subscription owned by the session.
func (m *Manager) Watch(id string) (*video.Subscription, error) {
	if m.video == nil {
		return nil, ErrNoVideo
	}
	s, ok := m.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("watch %s: %w", id, ErrUnknownSession)
	}
	sub := m.video.Subscribe(id)
	s.mu.Lock()
	s.viewer = sub
	s.mu.Unlock()
	return sub, nil
}

// Close ends a session and removes its sources from the arbiter at
// once. A dispatch still in flight for the session fails with
// ErrUnknownSession instead of submitting. It reports whether the
// session was open.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if m.remotes[s.Remote] == id {
			delete(m.remotes, s.Remote)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.dispatchMu.Lock()
	s.mu.Lock()
	s.cancel()
	viewer := s.viewer
	s.viewer = nil
	s.mu.Unlock()
	m.disconnect(s)
	s.dispatchMu.Unlock()
	if viewer != nil {
		viewer.Close()
	}

	observability.SetSessions(n)
	m.logger.Info().Str("session", id).Str("remote", s.Remote).Msg("session closed")
	return true
}

func (m *Manager) disconnect(s *Session) {
	for _, kind := range s.Channels() {
		m.arb.Disconnect(SourceID(s.ID, kind))
	}
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	for _, info := range m.Sessions() {
		m.Close(info.ID)
	}
}

// Broadcast queues msg on every session's outbox.
func (m *Manager) Broadcast(msg Message) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Send(msg)
	}
}

// Sessions returns a snapshot of open sessions ordered by open time.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reap closes ephemeral sessions idle for longer than the idle timeout
// and returns how many it closed.
func (m *Manager) Reap() int {
	now := m.clock.Now()
	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		s.mu.Lock()
		if s.ephemeral && now.Sub(s.lastActive) > m.cfg.IdleTimeout {
			idle = append(idle, id)
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()

	n := 0
	for _, id := range idle {
		if m.Close(id) {
			n++
			m.logger.Debug().Str("session", id).Msg("idle session reaped")
		}
	}
	return n
}

// RunReaper calls Reap every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.IdleTimeout / 2
	}
	t := m.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Reap()
		}
	}
}
