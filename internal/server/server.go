// Package server wires the gateway's HTTP surface: payment routes, the
// admin surface, the websocket feed, and health/metrics endpoints.
package server

import (
	"context"
	"crypto/rand"
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

	"github.com/tronpay-io/tronpay/internal/admin"
	"github.com/tronpay-io/tronpay/internal/callback"
	"github.com/tronpay-io/tronpay/internal/config"
	"github.com/tronpay-io/tronpay/internal/fees"
	"github.com/tronpay-io/tronpay/internal/health"
	"github.com/tronpay-io/tronpay/internal/keycrypt"
	"github.com/tronpay-io/tronpay/internal/logging"
	"github.com/tronpay-io/tronpay/internal/metrics"
	"github.com/tronpay-io/tronpay/internal/payment"
	"github.com/tronpay-io/tronpay/internal/ratelimit"
	"github.com/tronpay-io/tronpay/internal/realtime"
	"github.com/tronpay-io/tronpay/internal/retry"
	"github.com/tronpay-io/tronpay/internal/security"
	"github.com/tronpay-io/tronpay/internal/tron"
	"github.com/tronpay-io/tronpay/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ledger       tron.Gateway
	payments     *payment.Service
	pollTimer    *payment.Timer
	notifier     *callback.Dispatcher
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithLedger sets a custom node gateway (for testing)
func WithLedger(g tron.Gateway) Option {
	return func(s *Server) {
		s.ledger = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	s.healthy.Store(true)

	// Apply options first (may set ledger/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var store payment.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		store = payment.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = payment.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Node gateway, unless a test injected one
	if s.ledger == nil {
		client, err := tron.NewClient(tron.ClientConfig{
			NodeURL:       cfg.NodeURL,
			APIKey:        cfg.NodeAPIKey,
			TokenContract: cfg.USDTContract,
			FeeWalletKey:  cfg.FeeWalletKey,
			FeeLimitSun:   cfg.TokenFeeLimitSun,
		}, tron.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("node client: %w", err)
		}
		s.ledger = client
		s.logger.Info("node client ready",
			"node", cfg.NodeURL,
			"fee_wallet", client.FeeWalletAddress(),
		)
	}

	// Key envelopes for per-session signing keys
	sealer, err := keycrypt.New(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("key sealer: %w", err)
	}

	estimator := fees.NewEstimator(s.ledger, fees.Costs{
		ActivationSun: cfg.ActivationCostSun,
		BaseSun:       cfg.BaseFeeSun,
		PerHundredSun: cfg.PerHundredFeeSun,
		FallbackSun:   cfg.FallbackFeeSun,
	}, s.logger)

	s.notifier = callback.NewDispatcher(cfg.WebhookSecret,
		callback.WithLogger(s.logger),
		callback.WithURLValidator(security.ValidateCallbackURL),
	)
	if cfg.WebhookSecret == "" {
		s.logger.Warn("no webhook secret configured, callbacks will be unsigned")
	}

	// Realtime hub for merchant dashboards
	s.realtimeHub = realtime.NewHub(s.logger)

	s.payments = payment.NewService(store, s.ledger, estimator, s.notifier, sealer,
		payment.Config{
			TreasuryAddress:   cfg.TreasuryAddress,
			SessionTTL:        cfg.SessionTTL,
			SettleDelay:       cfg.SettleDelay,
			CheckTimeout:      cfg.CheckTimeout,
			GasReserveSun:     cfg.GasReserveSun,
			ActivationSun:     cfg.ActivationCostSun,
			NotifyBeforeSweep: cfg.NotifyBeforeSweep,
			SweepRetry:        retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second},
			RecoveryRetry:     retry.Policy{MaxAttempts: 3, BaseDelay: time.Second},
		}, s.logger,
	).WithEventSink(func(event string, data map[string]interface{}) {
		s.realtimeHub.BroadcastSession(realtime.EventType(event), data)
	})

	s.pollTimer = payment.NewTimer(s.payments, cfg.PollInterval, s.logger)

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		s.checks.Register("database", health.Database(s.db))
	}
	s.checks.Register("node", health.Probe("node", func(ctx context.Context) error {
		_, err := s.ledger.NativeBalance(ctx, s.ledger.FeeWalletAddress())
		return err
	}))

	// Setup router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

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

	// CORS (allow all origins so merchant dashboards can embed the feed)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(s.cfg.RateLimitRPS),
		BurstSize:         s.cfg.RateLimitRPS * 2,
	})
	s.router.Use(s.rateLimiter.Middleware())

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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time session events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Merchant-facing payment API
	api := s.router.Group("/api")
	payment.NewHandler(s.payments).RegisterRoutes(api)

	// Operator surface, disabled outright when no secret is set
	adminGroup := s.router.Group("/api", admin.RequireSecret(s.cfg.AdminSecret))
	admin.NewHandler(s.payments, s.ledger).RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"treasury", s.cfg.TreasuryAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start the reconciliation poller
	go s.pollTimer.Start(runCtx)

	// Sample DB pool stats for Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for all background goroutines (hub, poller)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the reconciliation poller
	if s.pollTimer != nil {
		s.pollTimer.Stop()
		s.logger.Info("payment poller stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
