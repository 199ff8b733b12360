package gamepad

import (
	"github.com/gwillem/hadron/pkg/command"
	"github.com/gwillem/hadron/pkg/input"
	"github.com/gwillem/hadron/pkg/session"
)

// SessionSink opens one gamepad session per connected controller.
func SessionSink(m *session.Manager) Sink {
	return sessionSink{m: m}
}

type sessionSink struct {
	m *session.Manager
}

func (s sessionSink) Connect(device string) (Conn, error) {
	sess, err := s.m.Open("gamepad:"+device, command.Gamepad)
	if err != nil {
		return nil, err
	}
	return &sessionConn{m: s.m, id: sess.ID}, nil
}

type sessionConn struct {
	m  *session.Manager
	id string
}

func (c *sessionConn) Send(r input.GamepadReport) error {
	return c.m.Dispatch(c.id, command.Gamepad, r)
}

func (c *sessionConn) Close() { c.m.Close(c.id) }
