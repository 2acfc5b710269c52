// Package monitor serves the HTTP admin surface of a running server:
// health, the live session table, Prometheus metrics and a websocket stream
// of session lifecycle events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1ureka/kcpnet/internal/kcpnet"
	"github.com/1ureka/kcpnet/internal/session"
	"github.com/1ureka/kcpnet/internal/util"
)

// SessionSource is the read side of a multiplexer.
type SessionSource interface {
	Sessions() []session.Info
	Len() int
}

// Server is the admin HTTP server.
type Server struct {
	src       SessionSource
	hub       *Hub
	gatherer  prometheus.Gatherer
	startTime time.Time

	listener net.Listener
	srv      *http.Server
}

// New creates an admin server reading sessions from src and metrics from
// gatherer. src may be nil until SetSource is called.
func New(src SessionSource, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		src:       src,
		hub:       NewHub(),
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.HandleMethodNotAllowed = true

	router.GET("/health", s.handleHealth)
	router.GET("/sessions", s.handleSessions)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/events", gin.WrapH(s.hub))

	s.srv = &http.Server{
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// SetSource attaches the multiplexer whose sessions are served.
func (s *Server) SetSource(src SessionSource) {
	s.src = src
}

// Observe publishes ev to event watchers. Pass it to kcpnet.WithObserver.
func (s *Server) Observe(ev kcpnet.Event) {
	s.hub.Publish(ev)
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on addr and serves in the background. It returns the bound
// address, which differs from addr when addr uses port 0.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start monitor on %s: %w", addr, err)
	}
	s.listener = listener

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("monitor server error: %v", err)
		}
	}()

	util.LogInfo("monitor listening on http://%s", listener.Addr())
	return listener.Addr(), nil
}

// Close disconnects event watchers and shuts the HTTP server down.
func (s *Server) Close(ctx context.Context) error {
	s.hub.Close()
	if s.listener == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(c *gin.Context) {
	active := 0
	if s.src != nil {
		active = s.src.Len()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"uptime":          time.Since(s.startTime).Round(time.Second).String(),
		"active_sessions": active,
		"event_watchers":  s.hub.Len(),
		"timestamp":       time.Now().UTC(),
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions := []session.Info{}
	if s.src != nil {
		sessions = s.src.Sessions()
	}
	c.JSON(http.StatusOK, gin.H{
		"total":    len(sessions),
		"sessions": sessions,
	})
}
