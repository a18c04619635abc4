package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/alert"
	"github.com/deemkeen/fedcore/health"
	"github.com/deemkeen/fedcore/maintenance"
	"github.com/deemkeen/fedcore/metrics"
	"github.com/deemkeen/fedcore/queue"
	"github.com/deemkeen/fedcore/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Server serves the inbound federation endpoints and the operator API.
type Server struct {
	Conf       *util.AppConfig
	Accounts   activitypub.AccountStore
	Logs       activitypub.LogStore
	Resolver   *activitypub.Resolver
	Follower   *activitypub.Follower
	Queue      *queue.Queue
	Health     *health.Tracker
	Maintainer *maintenance.Maintainer
	Alerts     *alert.Monitor
	Metrics    *metrics.Metrics
	Now        func() time.Time

	globalLimiter *RateLimiter
	apiLimiter    *RateLimiter
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) Router() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger())
	g.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	s.globalLimiter = NewRateLimiter(rate.Limit(10), 20)
	g.Use(s.globalLimiter.Middleware())

	g.GET("/.well-known/webfinger", s.handleWebFinger)
	g.GET("/users/:username", s.handleActor)
	if s.Metrics != nil {
		g.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	// Operator API: stricter limit, bounded bodies
	s.apiLimiter = NewRateLimiter(rate.Limit(5), 10)
	api := g.Group("/api/federation", s.apiLimiter.Middleware(), MaxBytesMiddleware(maxBodySize))
	api.GET("/stats", s.handleStats)
	api.GET("/health", s.handleHealth)
	api.POST("/cleanup", s.handleCleanup)
	api.POST("/prewarm", s.handlePrewarm)
	api.GET("/alerts", s.handleAlerts)
	api.GET("/alerts.rss", s.handleAlertsRSS)
	api.POST("/alerts/:id/acknowledge", s.handleAcknowledge)
	api.GET("/instances", s.handleInstances)
	api.POST("/instances/:host/block", s.handleBlock(true))
	api.POST("/instances/:host/unblock", s.handleBlock(false))
	api.POST("/resolve", s.handleResolve)
	api.POST("/follow", s.handleFollow)

	return g
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	handler := s.Router()
	addr := fmt.Sprintf("%s:%d", s.Conf.Conf.Host, s.Conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.globalLimiter.Run(ctx)
	go s.apiLimiter.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "http").Str("addr", addr).Msg("Starting federation server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Str("component", "http").Msg("Federation server stopped")
	return nil
}
