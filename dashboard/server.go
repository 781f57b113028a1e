package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	appconfig "goldflow/config"
	"goldflow/logger"
	"goldflow/pipeline"
)

// StatsSource exposes the pipeline's per-stream counters to the dashboard.
type StatsSource interface {
	Stats() []pipeline.StreamStatus
	Healthy() bool
}

// Server hosts the read-only monitoring endpoints for the sampling pipeline.
type Server struct {
	cfg        appconfig.DashboardConfig
	log        *logger.Log
	source     StatsSource
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer constructs a dashboard server when the dashboard is enabled.
// When disabled the returned server is nil and safe to Run.
func NewServer(cfg appconfig.DashboardConfig, source StatsSource) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	return &Server{
		cfg:       cfg,
		log:       logger.GetLogger(),
		source:    source,
		startedAt: time.Now(),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.buildRouter(appName),
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter(appName string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		if !s.source.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.GET("/streams", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"streams": s.source.Stats()})
	})
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":        appName,
			"started_at": s.startedAt.UTC().Format(time.RFC3339),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		})
	})

	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ":8080"
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort("", addr)
	}
	return addr
}
