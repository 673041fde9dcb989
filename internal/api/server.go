// Package api exposes the detection pipeline over HTTP: status and
// diagnostics endpoints, the recent-signal feed, Prometheus metrics and a
// websocket channel pushing signals to connected UIs.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fpf-engine/internal/candle"
	"fpf-engine/internal/detector"
	"fpf-engine/internal/feed"
	"fpf-engine/internal/storage"
)

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
}

// SignalSource serves recent final signals; satisfied by
// storage.SignalManager.
type SignalSource interface {
	Recent(limit int) []storage.UIRow
}

// Diagnostics exposes detector counters and buffered candles; satisfied by
// detector.Detector.
type Diagnostics interface {
	Stats() map[string]int
	Summary() detector.StatsSummary
	Candles(symbol, tf string) []candle.Candle
}

// FeedStatus reports feed connectivity; satisfied by feed.Feed.
type FeedStatus interface {
	Stats() feed.Stats
}

// OutcomeStatus reports how many signals are being tracked; satisfied by
// outcome.Tracker.
type OutcomeStatus interface {
	ActiveCount() int
}

// Server is the HTTP front of the engine. Every dependency except config is
// optional; missing ones degrade the related endpoint instead of failing
// startup.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	logger     zerolog.Logger

	signals   SignalSource
	diag      Diagnostics
	feed      FeedStatus
	outcomes  OutcomeStatus
	repo      *storage.Repository
	hub       *Hub
	startedAt time.Time
}

// NewServer builds the router and routes.
func NewServer(
	config ServerConfig,
	logger zerolog.Logger,
	signals SignalSource,
	diag Diagnostics,
	feedStatus FeedStatus,
	outcomes OutcomeStatus,
	repo *storage.Repository,
	hub *Hub,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:    router,
		config:    config,
		logger:    logger.With().Str("component", "API").Logger(),
		signals:   signals,
		diag:      diag,
		feed:      feedStatus,
		outcomes:  outcomes,
		repo:      repo,
		hub:       hub,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/diagnostics", s.handleDiagnostics)
		apiGroup.GET("/signals", s.handleSignals)
		apiGroup.GET("/signals/history", s.handleSignalHistory)
		apiGroup.GET("/scan", s.handleScan)
	}

	if s.hub != nil {
		s.router.GET("/ws/signals", s.hub.HandleConnection)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.repo != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := s.repo.HealthCheck(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = "ok"
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
	if s.feed != nil {
		resp["feed"] = s.feed.Stats()
	}
	if s.outcomes != nil {
		resp["tracked_signals"] = s.outcomes.ActiveCount()
	}
	if s.hub != nil {
		resp["ws_clients"] = s.hub.ClientCount()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	if s.diag == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "detector not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"counters": s.diag.Stats(),
		"summary":  s.diag.Summary(),
	})
}

func (s *Server) handleSignals(c *gin.Context) {
	if s.signals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signal store not available"})
		return
	}
	limit := intQuery(c, "limit", 50)
	rows := s.signals.Recent(limit)
	c.JSON(http.StatusOK, gin.H{"signals": rows, "count": len(rows)})
}

func (s *Server) handleSignalHistory(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not available"})
		return
	}
	limit := intQuery(c, "limit", 50)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	rows, err := s.repo.RecentSignals(ctx, limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Signal history query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": rows, "count": len(rows)})
}

func intQuery(c *gin.Context, name string, def int) int {
	v := def
	if raw := c.Query(name); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &v); err != nil || v <= 0 {
			v = def
		}
	}
	return v
}

// Router returns the underlying gin engine, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
