package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gwillem/hadron/pkg/command"
	"github.com/gwillem/hadron/pkg/input"
	"github.com/gwillem/hadron/pkg/session"
	"github.com/gwillem/hadron/pkg/video"
)

// errorStatus maps dispatch errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, command.ErrInvalidCommand), errors.Is(err, session.ErrDropped):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrUnknownSession):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// dispatchREST routes a payload through the caller's ephemeral web session.
func (s *Server) dispatchREST(c *gin.Context, payload any) {
	sess, err := s.deps.Sessions.ForRemote(c.ClientIP(), command.Web)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	err = s.deps.Sessions.Dispatch(sess.ID, command.Web, payload)
	if errors.Is(err, session.ErrUnknownSession) {
		// reaped between lookup and dispatch
		if sess, err = s.deps.Sessions.ForRemote(c.ClientIP(), command.Web); err == nil {
			err = s.deps.Sessions.Dispatch(sess.ID, command.Web, payload)
		}
	}
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session": sess.ID})
}

func (s *Server) robotCommand(c *gin.Context) {
	var b input.WebButton
	if err := c.ShouldBindJSON(&b); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if b.Command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}
	s.dispatchREST(c, b)
}

func (s *Server) robotJoystick(c *gin.Context) {
	var j input.WebJoystick
	if err := c.ShouldBindJSON(&j); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}
	s.dispatchREST(c, j)
}

func (s *Server) emergencyStop(c *gin.Context) {
	s.dispatchREST(c, input.WebButton{Command: "emergency_stop"})
}

func (s *Server) videoStats(c *gin.Context) {
	if s.deps.Video == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": session.ErrNoVideo.Error()})
		return
	}
	c.JSON(http.StatusOK, s.deps.Video.Stats())
}

// videoFeed streams JPEG frames as multipart/x-mixed-replace until the
// client goes away.
func (s *Server) videoFeed(c *gin.Context) {
	if s.deps.Video == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": session.ErrNoVideo.Error()})
		return
	}
	sess, err := s.deps.Sessions.Open(c.Request.RemoteAddr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer s.deps.Sessions.Close(sess.ID)

	sub, err := s.deps.Sessions.Watch(sess.ID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request.Context()
	for {
		frame, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, video.ErrClosed) {
				s.logger.Debug().Err(err).Str("session", sess.ID).Msg("video viewer left")
			}
			return
		}
		if err := writePart(w, frame.Data); err != nil {
			s.logger.Debug().Err(err).Str("session", sess.ID).Msg("video write failed")
			return
		}
		w.Flush()
	}
}

func writePart(w gin.ResponseWriter, jpeg []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpeg)); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
