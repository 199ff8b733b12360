package video

import (
	"context"
	"sync"
	"time"
)

// Frame is one encoded JPEG image.
type Frame struct {
	Data []byte
	Seq  uint64
	At   time.Time
}

// Subscription is a viewer's private frame mailbox. It holds at most
// its capacity of undelivered frames; publishing into a full mailbox
// drops the oldest frame. Next must be called from one goroutine.
type Subscription struct {
	ID           string
	SubscribedAt time.Time

	mu        sync.Mutex
	buf       []Frame // ring, oldest at head
	head, n   int
	notify    chan struct{}
	closed    bool
	delivered uint64
	dropped   uint64
	onClose   func()
}

func newSubscription(id string, capacity int, at time.Time) *Subscription {
	if capacity < 1 {
		capacity = 1
	}
	return &Subscription{
		ID:           id,
		SubscribedAt: at,
		buf:          make([]Frame, capacity),
		notify:       make(chan struct{}, 1),
	}
}

// offer stores f without blocking and returns how many frames it evicted.
func (s *Subscription) offer(f Frame) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	evicted := 0
	if s.n == len(s.buf) {
		s.head = (s.head + 1) % len(s.buf)
		s.n--
		s.dropped++
		evicted = 1
	}
	s.buf[(s.head+s.n)%len(s.buf)] = f
	s.n++

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Next blocks until a frame is available, the subscription closes, or
// ctx is done.
func (s *Subscription) Next(ctx context.Context) (Frame, error) {
	for {
		s.mu.Lock()
		if s.n > 0 {
			f := s.buf[s.head]
			s.buf[s.head] = Frame{}
			s.head = (s.head + 1) % len(s.buf)
			s.n--
			s.delivered++
			s.mu.Unlock()
			return f, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Frame{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the subscription. Pending Next calls return ErrClosed.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.n = 0
	onClose := s.onClose
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	if onClose != nil {
		onClose()
	}
}

// SubscriberStats describes one subscription.
type SubscriberStats struct {
	ID           string    `json:"id"`
	SubscribedAt time.Time `json:"subscribed_at"`
	Delivered    uint64    `json:"delivered"`
	Dropped      uint64    `json:"dropped"`
	Pending      int       `json:"pending"`
}

// Stats returns delivery counters.
func (s *Subscription) Stats() SubscriberStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriberStats{
		ID:           s.ID,
		SubscribedAt: s.SubscribedAt,
		Delivered:    s.delivered,
		Dropped:      s.dropped,
		Pending:      s.n,
	}
}
