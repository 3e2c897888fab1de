// Package httpapi is the thin, read-mostly HTTP adapter in front of the
// risk pipeline: the recent-alerts query endpoint, webhook subscription
// CRUD, health/readiness, Prometheus metrics, and the live alert
// WebSocket feed. None of the pipeline's core logic lives here — this
// package only translates HTTP requests into calls against the stores
// and services built in cmd/server.
package httpapi

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/payment-risk-engine/internal/alertstore"
	"github.com/mbd888/payment-risk-engine/internal/alertstream"
	"github.com/mbd888/payment-risk-engine/internal/config"
	"github.com/mbd888/payment-risk-engine/internal/health"
	"github.com/mbd888/payment-risk-engine/internal/logging"
	"github.com/mbd888/payment-risk-engine/internal/metrics"
	"github.com/mbd888/payment-risk-engine/internal/ratelimit"
	"github.com/mbd888/payment-risk-engine/internal/riskevents"
	"github.com/mbd888/payment-risk-engine/internal/security"
	"github.com/mbd888/payment-risk-engine/internal/validation"
	"github.com/mbd888/payment-risk-engine/internal/webhookregistry"
)

// Server wraps the HTTP adapter and its dependencies.
type Server struct {
	cfg      *config.Config
	alerts   *alertstore.Store
	webhooks webhookregistry.Store
	health   *health.Registry
	hub      *alertstream.Hub // nil disables the /ws live feed

	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithHub attaches the live alert WebSocket feed.
func WithHub(hub *alertstream.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds a Server ready to Run.
func New(cfg *config.Config, alerts *alertstore.Store, webhooks webhookregistry.Store, healthRegistry *health.Registry, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		alerts:   alerts,
		webhooks: webhooks,
		health:   healthRegistry,
		logger:   logging.New(cfg.LogLevel, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "an unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(gzipMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.timeoutMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())
		fields := []any{"method", c.Request.Method, "path", path, "status", status, "latency_ms", latency.Milliseconds()}

		switch {
		case status >= 500:
			logger.Error("request completed", fields...)
		case status >= 400:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

type gzipWriter struct {
	gin.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipWriter) Write(data []byte) (int, error) { return w.writer.Write(data) }

func gzipMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") || c.GetHeader("Upgrade") == "websocket" {
			c.Next()
			return
		}
		gz, err := gzip.NewWriterLevel(c.Writer, gzip.DefaultCompression)
		if err != nil {
			c.Next()
			return
		}
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipWriter{ResponseWriter: c.Writer, writer: gz}
		defer func() {
			if err := gz.Close(); err != nil {
				_ = c.Error(err)
			}
			c.Header("Content-Length", "")
		}()
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthzHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/risk/alerts", s.listAlertsHandler)

		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("", s.createWebhookHandler)
			webhooks.GET("", s.listWebhooksHandler)
			webhooks.DELETE("/:id", s.deleteWebhookHandler)
		}
	}

	if s.hub != nil {
		s.router.GET("/ws", func(c *gin.Context) { s.hub.HandleWebSocket(c.Writer, c.Request) })
	}
}

func (s *Server) healthzHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status": map[bool]string{true: "healthy", false: "degraded"}[healthy],
		"checks": statuses,
	})
}

// GET /api/v1/risk/alerts?limit=N — up to N recent alerts, newest first.
func (s *Server) listAlertsHandler(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	alerts := s.alerts.GetRecent(limit)
	if alerts == nil {
		alerts = make([]*riskevents.RiskAlert, 0)
	}
	c.JSON(http.StatusOK, alerts)
}

type createWebhookRequest struct {
	EntityID string `json:"entityId" binding:"required"`
	URL      string `json:"url" binding:"required"`
}

func (s *Server) createWebhookHandler(c *gin.Context) {
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	sub, err := webhookregistry.NewSubscription(req.EntityID, req.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if err := s.webhooks.Create(c.Request.Context(), sub); err != nil {
		s.logger.Error("httpapi: create webhook subscription failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) listWebhooksHandler(c *gin.Context) {
	entityID := c.Query("entityId")
	if entityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entityId is required"})
		return
	}
	subs, err := s.webhooks.GetByEntity(c.Request.Context(), entityID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if subs == nil {
		subs = []*webhookregistry.Subscription{}
	}
	c.JSON(http.StatusOK, subs)
}

func (s *Server) deleteWebhookHandler(c *gin.Context) {
	id := c.Param("id")
	if err := s.webhooks.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Run starts the HTTP server and blocks until ctx is done or a shutdown
// signal arrives, then gracefully shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting httpapi server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("httpapi: server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	s.logger.Info("starting graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}
	return nil
}

// Router exposes the underlying gin engine for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
