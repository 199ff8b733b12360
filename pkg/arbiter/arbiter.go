// Package arbiter merges commands from concurrent input sources into the
// single authoritative control state.
package arbiter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwillem/hadron/pkg/clock"
	"github.com/gwillem/hadron/pkg/command"
)

// DefaultSourceTimeout is how long a source stays fresh after its last command.
const DefaultSourceTimeout = 500 * time.Millisecond

var (
	// ErrOutOfOrder is returned when a command's sequence number does not
	// advance past the last one accepted from its source.
	ErrOutOfOrder = errors.New("command out of order")
	// ErrUnknownSource is returned for operations on unregistered sources.
	ErrUnknownSource = errors.New("unknown source")
)

// Config holds arbiter settings.
type Config struct {
	// Priority lists channel kinds from highest to lowest priority.
	Priority      []command.Kind
	SourceTimeout time.Duration
	// Axes is the recognised axis set. Empty means command.DefaultAxes.
	Axes []command.Axis
}

// Source is a snapshot of one input source.
type Source struct {
	ID        string
	Kind      command.Kind
	Priority  int // higher wins
	LastSeen  time.Time
	Connected bool
	Stale     bool
	Last      *command.Command
}

// State is the arbitrated result of all fresh sources.
type State struct {
	Axes    map[command.Axis]float64
	Buttons map[command.Button]bool
	// ContributingSourceID is the highest-priority source that
	// contributed to this state, empty when nothing did.
	ContributingSourceID string
	ContributingSources  []string
	// LatestInput is when the most recent contributing command arrived.
	LatestInput time.Time
	ComputedAt  time.Time
	Version     uint64
}

// Pressed reports whether b is held in the arbitrated state.
func (s State) Pressed(b command.Button) bool {
	return s.Buttons[b]
}

// Axis returns the arbitrated value for a, zero when absent.
func (s State) Axis(a command.Axis) float64 {
	return s.Axes[a]
}

type entry struct {
	id       string
	kind     command.Kind
	rank     int
	lastSeen time.Time
	lastSeq  uint64
	last     *command.Command
	stale    bool
}

// Arbiter owns the source table and the current arbitrated state. All
// methods are safe for concurrent use; every update takes the one lock.
type Arbiter struct {
	clock   clock.Clock
	logger  zerolog.Logger
	timeout time.Duration
	ranks   map[command.Kind]int
	axes    []command.Axis
	known   map[command.Axis]bool

	mu       sync.Mutex
	sources  map[string]*entry
	version  uint64
	current  State
	cacheKey string
}

// New creates an arbiter. A nil clock uses the real clock.
func New(cfg Config, clk clock.Clock, logger zerolog.Logger) (*Arbiter, error) {
	if clk == nil {
		clk = clock.Real()
	}
	if len(cfg.Priority) == 0 {
		cfg.Priority = command.AllKinds()
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultSourceTimeout
	}
	if len(cfg.Axes) == 0 {
		cfg.Axes = command.DefaultAxes()
	}

	ranks := make(map[command.Kind]int, len(cfg.Priority))
	for i, k := range cfg.Priority {
		if _, dup := ranks[k]; dup {
			return nil, fmt.Errorf("duplicate kind %q in priority", k)
		}
		ranks[k] = len(cfg.Priority) - i
	}
	known := make(map[command.Axis]bool, len(cfg.Axes))
	for _, a := range cfg.Axes {
		known[a] = true
	}

	a := &Arbiter{
		clock:   clk,
		logger:  logger.With().Str("component", "arbiter").Logger(),
		timeout: cfg.SourceTimeout,
		ranks:   ranks,
		axes:    append([]command.Axis(nil), cfg.Axes...),
		known:   known,
		sources: make(map[string]*entry),
	}
	a.current = a.neutral(clk.Now())
	return a, nil
}

// Axes returns the recognised axis set.
func (a *Arbiter) Axes() []command.Axis {
	return append([]command.Axis(nil), a.axes...)
}

// Known reports whether axis is recognised.
func (a *Arbiter) Known(axis command.Axis) bool {
	return a.known[axis]
}

// Register adds a connected source before it has sent any command.
func (a *Arbiter) Register(id string, kind command.Kind) error {
	rank, ok := a.ranks[kind]
	if !ok {
		return fmt.Errorf("register %s: kind %q has no priority", id, kind)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.sources[id]; !exists {
		a.sources[id] = &entry{id: id, kind: kind, rank: rank}
	}
	return nil
}

// Submit records cmd as the latest command from its source, creating the
// source on first use. Rejected commands never change arbiter state.
func (a *Arbiter) Submit(cmd command.Command) error {
	if err := cmd.Validate(a.known); err != nil {
		return err
	}
	rank, ok := a.ranks[cmd.Kind]
	if !ok {
		return fmt.Errorf("%w: kind %q has no priority", command.ErrInvalidCommand, cmd.Kind)
	}

	now := a.clock.Now()
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = now
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, exists := a.sources[cmd.SourceID]
	if !exists {
		e = &entry{id: cmd.SourceID, kind: cmd.Kind, rank: rank}
		a.sources[cmd.SourceID] = e
	}
	if cmd.Seq != 0 && cmd.Seq <= e.lastSeq {
		return fmt.Errorf("%w: source %s seq %d after %d", ErrOutOfOrder, cmd.SourceID, cmd.Seq, e.lastSeq)
	}

	stored := cmd.Clone()
	e.last = &stored
	e.lastSeen = now
	if cmd.Seq != 0 {
		e.lastSeq = cmd.Seq
	}
	if e.stale {
		e.stale = false
		a.logger.Debug().Str("source", e.id).Msg("source fresh again")
	}
	a.version++
	return nil
}

// Disconnect removes a source immediately. It reports whether the
// source existed.
func (a *Arbiter) Disconnect(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sources[id]; !ok {
		return false
	}
	delete(a.sources, id)
	a.version++
	return true
}

// Sources returns a snapshot of the source table ordered by priority.
func (a *Arbiter) Sources() []Source {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	out := make([]Source, 0, len(a.sources))
	for _, e := range a.sources {
		s := Source{
			ID:        e.id,
			Kind:      e.kind,
			Priority:  e.rank,
			LastSeen:  e.lastSeen,
			Connected: true,
			Stale:     !a.fresh(e, now),
		}
		if e.last != nil {
			c := e.last.Clone()
			s.Last = &c
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Current returns the most recently resolved state without resolving.
func (a *Arbiter) Current() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyState(a.current)
}

// Resolve computes the arbitrated state from fresh sources. Between
// submissions, disconnects, and staleness changes it returns the same
// state, including ComputedAt.
func (a *Arbiter) Resolve() State {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	fresh := make([]*entry, 0, len(a.sources))
	for _, e := range a.sources {
		if e.last == nil {
			continue
		}
		if !a.fresh(e, now) {
			if !e.stale {
				e.stale = true
				a.logger.Debug().Str("source", e.id).Dur("silent", now.Sub(e.lastSeen)).Msg("source stale, excluded")
			}
			continue
		}
		fresh = append(fresh, e)
	}
	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].rank != fresh[j].rank {
			return fresh[i].rank > fresh[j].rank
		}
		return fresh[i].id < fresh[j].id
	})

	key := a.key(fresh)
	if key == a.cacheKey {
		return copyState(a.current)
	}

	a.current = a.compute(fresh, now)
	a.cacheKey = key
	return copyState(a.current)
}

func (a *Arbiter) fresh(e *entry, now time.Time) bool {
	return e.last != nil && now.Sub(e.lastSeen) <= a.timeout
}

func (a *Arbiter) key(fresh []*entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d", a.version)
	for _, e := range fresh {
		sb.WriteByte('|')
		sb.WriteString(e.id)
	}
	return sb.String()
}

func (a *Arbiter) neutral(now time.Time) State {
	s := State{
		Axes:       make(map[command.Axis]float64, len(a.axes)),
		Buttons:    map[command.Button]bool{},
		ComputedAt: now,
		Version:    a.version,
	}
	for _, ax := range a.axes {
		s.Axes[ax] = 0
	}
	return s
}

// compute expects fresh sorted by rank, highest first.
func (a *Arbiter) compute(fresh []*entry, now time.Time) State {
	s := a.neutral(now)

	// An emergency stop or override clears every lower class.
	floor := 0
	for _, e := range fresh {
		if e.last.Pressed(command.EmergencyStop) || e.last.Pressed(command.Override) {
			floor = e.rank
			break
		}
	}

	contributors := map[string]*entry{}
	for _, ax := range a.axes {
		var winner *entry
		for _, e := range fresh {
			if e.rank < floor {
				break
			}
			if winner != nil && e.rank < winner.rank {
				break
			}
			if _, ok := e.last.Axes[ax]; !ok {
				continue
			}
			if winner == nil || newer(e.last, winner.last) {
				winner = e
			}
		}
		if winner != nil {
			s.Axes[ax] = winner.last.Axes[ax]
			contributors[winner.id] = winner
		}
	}

	for _, e := range fresh {
		if e.rank < floor {
			break
		}
		for b, on := range e.last.Buttons {
			if on {
				s.Buttons[b] = true
				contributors[e.id] = e
			}
		}
	}

	var top *entry
	for _, e := range contributors {
		s.ContributingSources = append(s.ContributingSources, e.id)
		if e.lastSeen.After(s.LatestInput) {
			s.LatestInput = e.lastSeen
		}
		if top == nil || e.rank > top.rank || (e.rank == top.rank && newer(e.last, top.last)) {
			top = e
		}
	}
	sort.Strings(s.ContributingSources)
	if top != nil {
		s.ContributingSourceID = top.id
	}
	return s
}

func newer(a, b *command.Command) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.SourceID < b.SourceID
}

func copyState(s State) State {
	out := s
	out.Axes = make(map[command.Axis]float64, len(s.Axes))
	for k, v := range s.Axes {
		out.Axes[k] = v
	}
	out.Buttons = make(map[command.Button]bool, len(s.Buttons))
	for k, v := range s.Buttons {
		out.Buttons[k] = v
	}
	out.ContributingSources = append([]string(nil), s.ContributingSources...)
	return out
}
