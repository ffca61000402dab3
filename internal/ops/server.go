// Package ops exposes a small read-only status surface for operators:
// liveness plus a snapshot of every monitored user's session state.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pranavchavda/niftystrategist-v2-sub001/internal/daemon"
)

// Snapshotter is the slice of the daemon the status endpoint reads.
type Snapshotter interface {
	Snapshot(ctx context.Context) []daemon.UserStatus
}

// Server serves the ops endpoints.
type Server struct {
	Router *gin.Engine
	daemon Snapshotter
	log    zerolog.Logger
}

// NewServer builds the router. Gin runs in release mode; request logging
// stays on the zerolog pipeline like everything else.
func NewServer(snap Snapshotter, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{Router: r, daemon: snap, log: log}
	r.GET("/healthz", s.health)
	r.GET("/api/status", s.status)
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", addr).Msg("ops server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	users := s.daemon.Snapshot(c.Request.Context())
	if users == nil {
		users = []daemon.UserStatus{}
	}
	c.JSON(http.StatusOK, gin.H{
		"users":      users,
		"user_count": len(users),
	})
}
