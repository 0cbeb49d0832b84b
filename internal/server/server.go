// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/perimeter/internal/config"
	"github.com/mbd888/perimeter/internal/guard"
	"github.com/mbd888/perimeter/internal/health"
	"github.com/mbd888/perimeter/internal/logging"
	"github.com/mbd888/perimeter/internal/metrics"
	"github.com/mbd888/perimeter/internal/realtime"
	"github.com/mbd888/perimeter/internal/security"
	"github.com/mbd888/perimeter/internal/sentinel"
	"github.com/mbd888/perimeter/internal/traces"
	"github.com/mbd888/perimeter/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	engine       *sentinel.Engine
	alertStore   sentinel.Store
	webhookStore webhooks.Store
	realtimeHub  *realtime.Hub
	checks       *health.Registry
	identity     guard.IdentityFunc
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	tracesStop   func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithIdentity sets the user identity extractor used by the guard.
// The default reads the X-User-ID header set by an upstream auth proxy.
func WithIdentity(fn guard.IdentityFunc) Option {
	return func(s *Server) {
		s.identity = fn
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		identity: func(c *gin.Context) string {
			return c.GetHeader("X-User-ID")
		},
	}

	// Apply options first (may set logger/identity)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.alertStore = sentinel.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.alertStore = sentinel.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Create the detection engine
	engine, err := sentinel.New(sentinel.Config{
		MaxFailedAttempts: cfg.MaxFailedAttempts,
		TimeWindow:        cfg.TimeWindow,
		MaxOrdersPerUser:  cfg.MaxOrdersPerUser,
		MaxRequestsPerIP:  cfg.MaxRequestsPerIP,
		IPCoolingPeriod:   cfg.IPCoolingPeriod,
		UserCoolingPeriod: cfg.UserCoolingPeriod,
		SweepInterval:     cfg.SweepInterval,
		Classifier:        sentinel.DefaultClassifierConfig(),
	},
		sentinel.WithLogger(s.logger),
		sentinel.WithStore(s.alertStore),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	s.engine = engine

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Alert handlers: log always, live stream, webhook fan-out
	s.engine.RegisterHandler(&sentinel.LogHandler{Logger: s.logger})
	s.engine.RegisterHandler(realtime.NewAlertHandler(s.realtimeHub))
	s.engine.RegisterHandler(webhooks.NewSink(s.webhookStore, s.logger))

	// Health checks
	s.checks = health.NewRegistry()
	s.checks.Register("engine", func(ctx context.Context) health.Status {
		stats := s.engine.Stats()
		return health.Status{
			Name:    "engine",
			Healthy: true,
			Detail:  fmt.Sprintf("events=%d activities=%d queue=%d", stats.Events, stats.Activities, stats.AlertQueueDepth),
		}
	})
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// requireAdmin gates mutating routes behind the ADMIN_SECRET header.
// In development without a secret configured, access is open.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is not configured",
			})
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.checks.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info endpoint
	s.router.GET("/api", s.infoHandler)

	// V1 API group, enforced by the guard: blocked addresses and locked
	// accounts are rejected before any handler runs.
	requestGuard := guard.New(s.engine, guard.WithIdentity(s.identity))
	v1 := s.router.Group("/api/v1")
	v1.Use(requestGuard.Middleware())

	// Read-only security endpoints
	sentinelHandler := sentinel.NewHTTPHandler(s.engine, s.alertStore)
	sentinelHandler.RegisterRoutes(v1)

	// Event ingestion: services report security-relevant outcomes here.
	v1.POST("/security/events", s.recordEvent)
	v1.POST("/security/events/failed-auth", s.recordFailedAuth)
	v1.POST("/security/events/unauthorized", s.recordUnauthorized)
	v1.POST("/security/events/orders", s.recordOrder)

	// Admin group: reset operations and webhook subscription management
	admin := v1.Group("/admin")
	admin.Use(s.requireAdmin())
	sentinelHandler.RegisterAdminRoutes(admin)
	var webhookOpts []webhooks.HandlerOption
	if s.cfg.WebhookSecret != "" {
		webhookOpts = append(webhookOpts, webhooks.WithDefaultSecret(s.cfg.WebhookSecret))
	}
	webhooks.NewHandler(s.webhookStore, webhookOpts...).RegisterRoutes(admin)
	admin.GET("/stream/stats", s.streamStatsHandler)
}

// -----------------------------------------------------------------------------
// Ingestion handlers
// -----------------------------------------------------------------------------

// eventReport is the common body for ingestion endpoints. SourceIP defaults
// to the reporting client's address when omitted, which is only correct when
// the caller IS the offending client; reporting services set it explicitly.
type eventReport struct {
	Type     string         `json:"type"`
	SourceIP string         `json:"sourceIp"`
	UserID   string         `json:"userId"`
	Endpoint string         `json:"endpoint"`
	Method   string         `json:"method"`
	Details  map[string]any `json:"details"`
}

func (s *Server) requestInfo(c *gin.Context, report *eventReport) sentinel.RequestInfo {
	info := sentinel.RequestInfo{
		SourceIP: report.SourceIP,
		UserID:   report.UserID,
		Endpoint: report.Endpoint,
		Method:   report.Method,
	}
	if info.SourceIP == "" {
		info.SourceIP = c.ClientIP()
	}
	if info.Endpoint == "" {
		info.Endpoint = c.Request.URL.Path
	}
	if info.Method == "" {
		info.Method = c.Request.Method
	}
	return info
}

// recordEvent handles POST /api/v1/security/events
func (s *Server) recordEvent(c *gin.Context) {
	_, span := traces.StartSpan(c.Request.Context(), "server.record_event")
	defer span.End()

	var report eventReport
	if err := c.ShouldBindJSON(&report); err != nil || report.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must include a non-empty \"type\" field",
		})
		return
	}
	info := s.requestInfo(c, &report)
	span.SetAttributes(
		traces.EventType(report.Type),
		traces.SourceIP(info.SourceIP),
		traces.UserID(info.UserID),
	)
	s.engine.RecordEvent(sentinel.EventType(report.Type), info, report.Details)
	s.realtimeHub.BroadcastSecurityEvent(&sentinel.SecurityEvent{
		Timestamp: time.Now(),
		Type:      sentinel.EventType(report.Type),
		SourceIP:  info.SourceIP,
		UserID:    info.UserID,
		Endpoint:  info.Endpoint,
		Method:    info.Method,
		Details:   report.Details,
	})
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// recordFailedAuth handles POST /api/v1/security/events/failed-auth
func (s *Server) recordFailedAuth(c *gin.Context) {
	var report eventReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	info := s.requestInfo(c, &report)
	rec := s.engine.RecordFailedAuthentication(info, report.Details)
	c.JSON(http.StatusAccepted, gin.H{
		"success":  true,
		"attempts": rec.Count,
		"blocked":  s.engine.IsBlocked(sentinel.DimensionIP, info.SourceIP),
	})
}

// recordUnauthorized handles POST /api/v1/security/events/unauthorized
func (s *Server) recordUnauthorized(c *gin.Context) {
	var report eventReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	info := s.requestInfo(c, &report)
	s.engine.RecordUnauthorizedAccess(info, report.Details)
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// recordOrder handles POST /api/v1/security/events/orders
func (s *Server) recordOrder(c *gin.Context) {
	var report eventReport
	if err := c.ShouldBindJSON(&report); err != nil || report.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must include a non-empty \"userId\" field",
		})
		return
	}

	info := s.requestInfo(c, &report)
	s.engine.RecordSuspiciousOrder(info, report.Details)
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Perimeter",
		"description": "Real-time abuse detection and access control",
		"version":     "0.1.0",
	})
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when OTEL_EXPORTER_OTLP_ENDPOINT is unset)
	stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.tracesStop = stop
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop the engine: drains the alert queue and stops the sweeper
	s.engine.Close()
	s.logger.Info("engine stopped")

	// Flush traces
	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the detection engine for testing
func (s *Server) Engine() *sentinel.Engine {
	return s.engine
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
