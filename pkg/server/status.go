package server

import (
	"context"
	"time"

	"github.com/gwillem/hadron/pkg/command"
	"github.com/gwillem/hadron/pkg/session"
	"github.com/gwillem/hadron/pkg/teleop"
)

// Status is the robot status sent to clients.
type Status struct {
	Mode         teleop.Mode              `json:"mode"`
	Error        string                   `json:"error,omitempty"`
	Tick         uint64                   `json:"tick"`
	Timestamp    time.Time                `json:"timestamp"`
	Axes         map[command.Axis]float64 `json:"axes"`
	Buttons      []command.Button         `json:"buttons"`
	Contributor  string                   `json:"contributor,omitempty"`
	Contributors []string                 `json:"contributors,omitempty"`
	MotorSpeeds  []int16                  `json:"motor_speeds"`
	ServoAngles  []float64                `json:"servo_angles"`
	Sources      []SourceStatus           `json:"sources"`
	Sessions     int                      `json:"sessions"`
	Video        *VideoStatus             `json:"video,omitempty"`
	Uptime       string                   `json:"uptime"`
}

// SourceStatus describes one arbiter input source.
type SourceStatus struct {
	ID       string       `json:"id"`
	Kind     command.Kind `json:"kind"`
	Priority int          `json:"priority"`
	Stale    bool         `json:"stale"`
	LastSeen time.Time    `json:"last_seen"`
}

// VideoStatus summarises the camera stream.
type VideoStatus struct {
	Degraded  bool    `json:"degraded"`
	LastError string  `json:"last_error,omitempty"`
	FPS       float64 `json:"fps"`
	Frames    uint64  `json:"frames"`
	Viewers   int     `json:"viewers"`
}

// Snapshot assembles the current status.
func (s *Server) Snapshot() Status {
	st := s.deps.Control.Status()
	out := Status{
		Mode:         st.Mode,
		Tick:         st.Tick,
		Timestamp:    st.Timestamp,
		Axes:         st.State.Axes,
		Buttons:      command.SortedButtons(st.State.Buttons),
		Contributor:  st.State.ContributingSourceID,
		Contributors: st.State.ContributingSources,
		MotorSpeeds:  st.Target.MotorSpeeds,
		ServoAngles:  st.Target.ServoAngles,
		Sessions:     len(s.deps.Sessions.Sessions()),
		Uptime:       s.deps.Clock.Now().Sub(s.started).Round(time.Second).String(),
	}
	if out.Axes == nil {
		out.Axes = map[command.Axis]float64{}
	}
	if st.Err != nil {
		out.Error = st.Err.Error()
	}
	if s.deps.Sources != nil {
		for _, src := range s.deps.Sources.Sources() {
			out.Sources = append(out.Sources, SourceStatus{
				ID:       src.ID,
				Kind:     src.Kind,
				Priority: src.Priority,
				Stale:    src.Stale,
				LastSeen: src.LastSeen,
			})
		}
	}
	if s.deps.Video != nil {
		vs := s.deps.Video.Stats()
		out.Video = &VideoStatus{
			Degraded:  vs.Degraded,
			LastError: vs.LastError,
			FPS:       vs.FPS,
			Frames:    vs.Frames,
			Viewers:   len(vs.Subscribers),
		}
	}
	return out
}

// Notify requests an immediate status broadcast. It never blocks.
func (s *Server) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// RunStatus broadcasts the status to every session periodically and
// whenever Notify is called, until ctx is done.
func (s *Server) RunStatus(ctx context.Context) error {
	t := s.deps.Clock.NewTicker(s.cfg.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-s.notify:
		}
		s.deps.Sessions.Broadcast(session.Message{Type: "status", Data: s.Snapshot()})
	}
}
