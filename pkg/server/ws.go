package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/gwillem/hadron/pkg/command"
	"github.com/gwillem/hadron/pkg/input"
	"github.com/gwillem/hadron/pkg/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 64 << 10
)

// inbound is a client message.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type helloData struct {
	Channels []command.Kind `json:"channels"`
}

type estopData struct {
	Released bool `json:"released,omitempty"`
}

type commandResult struct {
	Request string `json:"request"`
	OK      bool   `json:"ok"`
}

type errorData struct {
	Request string `json:"request,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsConn serialises writes to one websocket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) write(msg session.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// defaultChannels are subscribed when the client names none.
var defaultChannels = []command.Kind{command.Web, command.Keyboard}

func parseChannels(s string) ([]command.Kind, error) {
	if s == "" {
		return defaultChannels, nil
	}
	var out []command.Kind
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part == "" || part == "none" {
			continue
		}
		k, err := command.ParseKind(part)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// serveWS upgrades the connection and runs the client session.
func (s *Server) serveWS(c *gin.Context) {
	channels, err := parseChannels(c.Query("channels"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws := &wsConn{conn: conn}
	defer conn.Close()

	sess, err := s.deps.Sessions.Open(c.Request.RemoteAddr, channels...)
	if err != nil {
		ws.write(session.Message{Type: "error", Data: errorData{Code: "session", Message: err.Error()}})
		return
	}
	defer s.deps.Sessions.Close(sess.ID)

	if err := ws.write(session.Message{Type: "initial_state", Data: gin.H{
		"session":  sess.ID,
		"channels": sess.Channels(),
		"status":   s.Snapshot(),
	}}); err != nil {
		return
	}

	reqCtx := c.Request.Context()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ws, sess, done)
	}()
	go func() {
		select {
		case <-reqCtx.Done():
			conn.Close()
		case <-sess.Context().Done():
			conn.Close()
		case <-done:
		}
	}()

	s.readLoop(ws, sess)
	close(done)
	wg.Wait()
}

func (s *Server) writeLoop(ws *wsConn, sess *session.Session, done <-chan struct{}) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-sess.Context().Done():
			return
		case msg := <-sess.Outbox():
			if err := ws.write(msg); err != nil {
				s.logger.Debug().Err(err).Str("session", sess.ID).Msg("websocket write failed")
				ws.conn.Close()
				return
			}
		case <-ping.C:
			if err := ws.ping(); err != nil {
				ws.conn.Close()
				return
			}
		}
	}
}

func (s *Server) readLoop(ws *wsConn, sess *session.Session) {
	conn := ws.conn
	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("session", sess.ID).Msg("websocket closed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.write(errorMessage("", "bad_message", err))
			continue
		}
		if reply, ok := s.handle(sess, msg); ok {
			if err := ws.write(reply); err != nil {
				return
			}
		}
	}
}

// handle processes one client message and returns the reply, if any.
func (s *Server) handle(sess *session.Session, msg inbound) (session.Message, bool) {
	var (
		kind    command.Kind
		payload any
	)
	switch msg.Type {
	case "ping":
		return session.Message{Type: "pong", Data: gin.H{"time": s.deps.Clock.Now()}}, true
	case "get_status":
		return session.Message{Type: "status", Data: s.Snapshot()}, true
	case "hello":
		var h helloData
		if err := decode(msg.Data, &h); err != nil {
			return errorMessage(msg.Type, "bad_message", err), true
		}
		if err := s.deps.Sessions.Subscribe(sess.ID, h.Channels...); err != nil {
			return errorMessage(msg.Type, "subscribe", err), true
		}
		return session.Message{Type: "command_result", Data: gin.H{
			"request":  msg.Type,
			"ok":       true,
			"channels": sess.Channels(),
		}}, true
	case "robot_command":
		var b input.WebButton
		if err := decode(msg.Data, &b); err != nil {
			return errorMessage(msg.Type, "bad_message", err), true
		}
		kind, payload = command.Web, b
	case "robot_joystick":
		var j input.WebJoystick
		if err := decode(msg.Data, &j); err != nil {
			return errorMessage(msg.Type, "bad_message", err), true
		}
		kind, payload = command.Web, j
	case "key_event":
		var k input.KeyEvent
		if err := decode(msg.Data, &k); err != nil {
			return errorMessage(msg.Type, "bad_message", err), true
		}
		kind, payload = command.Keyboard, k
	case "emergency_stop":
		var e estopData
		if err := decode(msg.Data, &e); err != nil {
			return errorMessage(msg.Type, "bad_message", err), true
		}
		kind, payload = command.Web, input.WebButton{Command: "emergency_stop", Released: e.Released}
	default:
		s.logger.Warn().Str("session", sess.ID).Str("type", msg.Type).Msg("unknown message type dropped")
		return errorMessage(msg.Type, "unknown_type", fmt.Errorf("unknown message type %q", msg.Type)), true
	}

	if err := s.deps.Sessions.Dispatch(sess.ID, kind, payload); err != nil {
		code := "internal"
		switch {
		case errors.Is(err, command.ErrInvalidCommand):
			code = "invalid_command"
		case errors.Is(err, session.ErrDropped):
			code = "dropped"
		}
		return errorMessage(msg.Type, code, err), true
	}
	return session.Message{Type: "command_result", Data: commandResult{Request: msg.Type, OK: true}}, true
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func errorMessage(request, code string, err error) session.Message {
	return session.Message{Type: "error", Data: errorData{Request: request, Code: code, Message: err.Error()}}
}
