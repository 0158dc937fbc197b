// Package server exposes the instance status and metrics over HTTP.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/abdelmounim-dev/voicesync/config"
	"github.com/abdelmounim-dev/voicesync/directory"
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	zlog "github.com/rs/zerolog/log"
)

// StatsSource reports the rooms and listeners of this instance.
type StatsSource interface {
	Stats() directory.Stats
}

type Server struct {
	serverID string
	started  time.Time
	stats    StatsSource
	router   *gin.Engine
	http     *http.Server
}

func New(cfg *config.AppConfig, serverID string, stats StatsSource) *Server {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		serverID: serverID,
		started:  time.Now(),
		stats:    stats,
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery(), requestLogger())
	s.setupRoutes(cfg.Metrics)

	s.http = &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes(m config.MetricsConfig) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "voicesync"})
	})

	s.router.GET("/status", func(c *gin.Context) {
		st := s.stats.Stats()
		c.JSON(http.StatusOK, gin.H{
			"server_id": s.serverID,
			"uptime":    int64(time.Since(s.started).Seconds()),
			"rooms":     st.Rooms,
			"users":     st.Users,
		})
	})

	s.router.GET("/playercount", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"count": s.stats.Stats().Rooms})
	})

	if m.Enabled {
		s.router.GET(m.Path, gin.WrapH(promhttp.Handler()))
	}
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	zlog.Info().Str("addr", s.http.Addr).Msg("status server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "status server")
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogger logs requests through zerolog, skipping the probes that
// run every few seconds.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		if path == "/health" || path == "/playercount" {
			return
		}
		zlog.Debug().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("http request")
	}
}
