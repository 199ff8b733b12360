// Package session tracks connected clients, routes their raw input
// events to the arbiter, and fans status messages back out.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/gwillem/hadron/pkg/command"
	"github.com/gwillem/hadron/pkg/video"
)

// Message is an outbound client message.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Session is one connected client. Its arbiter sources are
// "<id>/<kind>" for every subscribed channel.
type Session struct {
	ID       string
	Remote   string
	OpenedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// dispatchMu orders sequence assignment with arbiter submission.
	dispatchMu sync.Mutex

	mu         sync.Mutex
	channels   map[command.Kind]bool
	seq        map[command.Kind]uint64
	lastActive time.Time
	ephemeral  bool
	viewer     *video.Subscription
	outbox     chan Message
	dropped    uint64
}

func newSession(id, remote string, now time.Time, outboxSize int) *Session {
	if outboxSize < 1 {
		outboxSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:         id,
		Remote:     remote,
		OpenedAt:   now,
		ctx:        ctx,
		cancel:     cancel,
		channels:   make(map[command.Kind]bool),
		seq:        make(map[command.Kind]uint64),
		lastActive: now,
		outbox:     make(chan Message, outboxSize),
	}
}

// SourceID is the arbiter source id for kind within session id.
func SourceID(id string, kind command.Kind) string {
	return id + "/" + string(kind)
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Outbox yields messages queued for the client.
func (s *Session) Outbox() <-chan Message { return s.outbox }

// Subscribed reports whether the session owns a source of kind.
func (s *Session) Subscribed(kind command.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[kind]
}

// Channels returns the subscribed channel kinds in priority-independent
// canonical order.
func (s *Session) Channels() []command.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []command.Kind
	for _, k := range command.AllKinds() {
		if s.channels[k] {
			out = append(out, k)
		}
	}
	return out
}

// Send queues msg without blocking, discarding the oldest queued
// message when the outbox is full. It reports false after close.
func (s *Session) Send(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	for {
		select {
		case s.outbox <- msg:
			return true
		default:
		}
		select {
		case <-s.outbox:
			s.dropped++
		default:
		}
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActive) {
		s.lastActive = now
	}
	s.mu.Unlock()
}

func (s *Session) nextSeq(kind command.Kind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[kind]++
	return s.seq[kind]
}

// Info describes a session for status reports.
type Info struct {
	ID         string         `json:"id"`
	Remote     string         `json:"remote"`
	Channels   []command.Kind `json:"channels"`
	OpenedAt   time.Time      `json:"opened_at"`
	LastActive time.Time      `json:"last_active"`
	Viewer     bool           `json:"viewer"`
	Dropped    uint64         `json:"dropped_messages"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	channels := s.Channels()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.ID,
		Remote:     s.Remote,
		Channels:   channels,
		OpenedAt:   s.OpenedAt,
		LastActive: s.lastActive,
		Viewer:     s.viewer != nil,
		Dropped:    s.dropped,
	}
}
