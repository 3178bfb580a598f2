// Package server exposes the operational HTTP surface: liveness,
// processing status, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Dominican809/humano-watcher/internal/metrics"
	"github.com/Dominican809/humano-watcher/internal/stats"
	"github.com/Dominican809/humano-watcher/internal/store"
)

// Deps are the data sources the status endpoint reads from.
type Deps struct {
	Stats     *stats.Manager
	Dedup     store.DedupStore
	StartedAt time.Time
	// ConnState reports the current mailbox connection state.
	ConnState func() string
	// OpenSessions counts report sessions still waiting on a partner.
	OpenSessions func(ctx context.Context) (int64, error)
}

// Server is the ops HTTP server.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

func New(listen string, deps Deps, log *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           newRouter(deps),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With("component", "server"),
	}
}

func newRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/status", func(c *gin.Context) {
		out := gin.H{
			"uptime": time.Since(deps.StartedAt).Round(time.Second).String(),
		}
		if deps.Dedup != nil {
			if n, err := deps.Dedup.Count(c.Request.Context()); err == nil {
				out["processed_messages"] = n
			}
		}
		if deps.Stats != nil {
			if combined, err := deps.Stats.LatestCombined(); err == nil && combined != nil {
				out["last_executions"] = combined
			}
		}
		if deps.ConnState != nil {
			out["connection_state"] = deps.ConnState()
		}
		if deps.OpenSessions != nil {
			if n, err := deps.OpenSessions(c.Request.Context()); err == nil {
				out["open_sessions"] = n
			}
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", "error", err)
		}
	}()
	s.log.Info("http server listening", "addr", s.srv.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
