// Package server exposes the robot over HTTP: a control page, REST and
// websocket control, the MJPEG camera feed, status and metrics.
package server

import (
	"context"
	_ "embed"
	"errors"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gwillem/hadron/pkg/arbiter"
	"github.com/gwillem/hadron/pkg/clock"
	"github.com/gwillem/hadron/pkg/observability"
	"github.com/gwillem/hadron/pkg/session"
	"github.com/gwillem/hadron/pkg/teleop"
	"github.com/gwillem/hadron/pkg/video"
)

//go:embed index.html
var indexHTML []byte

// Config holds HTTP settings.
type Config struct {
	Addr           string
	CORSOrigins    []string
	StatusInterval time.Duration
	// TrustedProxies may set client IPs through forwarding headers.
	// Nil trusts loopback only.
	TrustedProxies []string
}

// Controller reports the control loop status.
type Controller interface {
	Status() teleop.Status
}

// SourceLister reports the arbiter's input sources.
type SourceLister interface {
	Sources() []arbiter.Source
}

// Deps are the components the server exposes. Video may be nil.
type Deps struct {
	Sessions *session.Manager
	Control  Controller
	Sources  SourceLister
	Video    *video.Publisher
	Clock    clock.Clock
}

// Server is the HTTP front end.
type Server struct {
	cfg      Config
	deps     Deps
	router   *gin.Engine
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	started  time.Time
	notify   chan struct{}
}

// New builds the router and registers all routes.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	observability.RegisterMetrics()

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With().Str("component", "http").Logger(),
		started: deps.Clock.Now(),
		notify:  make(chan struct{}, 1),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.logger))
	r.Use(observability.RequestMetrics())
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	proxies := cfg.TrustedProxies
	if proxies == nil {
		proxies = []string{"127.0.0.1", "::1"}
	}
	if err := r.SetTrustedProxies(proxies); err != nil {
		s.logger.Warn().Err(err).Strs("proxies", proxies).Msg("invalid trusted proxies, forwarding headers ignored")
	}
	s.router = r
	s.routes()
	return s
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.CORSOrigins) == 0 || slices.Contains(s.cfg.CORSOrigins, "*") {
		return true
	}
	return slices.Contains(s.cfg.CORSOrigins, origin)
}

func (s *Server) routes() {
	r := s.router
	r.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
	})
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Snapshot())
	})
	r.GET("/video_feed", s.videoFeed)
	r.GET("/video_stats", s.videoStats)

	api := r.Group("/api/robot")
	api.POST("/command", s.robotCommand)
	api.POST("/joystick", s.robotJoystick)
	api.POST("/emergency_stop", s.emergencyStop)

	r.GET("/ws", s.serveWS)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(c *gin.Context) {
	st := s.deps.Control.Status()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": s.deps.Clock.Now().Sub(s.started).Round(time.Second).String(),
		"mode":   st.Mode,
	})
}

// Run serves HTTP on cfg.Addr until ctx is done. Request contexts are
// derived from ctx so streams end on shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
