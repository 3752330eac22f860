// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/mbd888/storeguard/internal/config"
	"github.com/mbd888/storeguard/internal/enforcement"
	"github.com/mbd888/storeguard/internal/experiment"
	"github.com/mbd888/storeguard/internal/health"
	"github.com/mbd888/storeguard/internal/idgen"
	"github.com/mbd888/storeguard/internal/logging"
	"github.com/mbd888/storeguard/internal/metrics"
	"github.com/mbd888/storeguard/internal/orders"
	"github.com/mbd888/storeguard/internal/policy"
	"github.com/mbd888/storeguard/internal/ratelimit"
	"github.com/mbd888/storeguard/internal/revenue"
	"github.com/mbd888/storeguard/internal/risk"
	"github.com/mbd888/storeguard/internal/security"
	"github.com/mbd888/storeguard/internal/snapshot"
	"github.com/mbd888/storeguard/internal/traces"
	"github.com/mbd888/storeguard/internal/validation"
	"github.com/mbd888/storeguard/internal/workflow"
	"github.com/mbd888/storeguard/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	orders        orders.Store
	ingestor      *orders.Ingestor
	orderConsumer *orders.KafkaConsumer

	snapshots      snapshot.Store
	aggregator     *snapshot.Aggregator
	snapshotWorker *snapshot.Worker

	scorer       *risk.Scorer
	enforcer     *enforcement.Enforcer
	mirror       *enforcement.RedisMirror
	policyEngine *policy.Engine
	policyTimer  *policy.Timer

	revenueEngine  *revenue.Engine
	revenueMonitor *revenue.Monitor

	experiments experiment.Store
	reporter    *experiment.Reporter

	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

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

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	var (
		flagStore   enforcement.FlagStore
		configStore enforcement.ConfigStore
		riskStore   risk.Store
		decisions   policy.Store
		suggestions revenue.Store
		history     workflow.HistoryStore
	)

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.orders = orders.NewPostgresStore(db)
		s.snapshots = snapshot.NewPostgresStore(db, cfg.Snapshot.Retention)
		enforcementStore := enforcement.NewPostgresStore(db)
		flagStore, configStore = enforcementStore, enforcementStore
		riskStore = risk.NewPostgresStore(db)
		decisions = policy.NewPostgresStore(db)
		suggestions = revenue.NewPostgresStore(db)
		history = workflow.NewPostgresHistory(db)
		s.experiments = experiment.NewPostgresStore(db)

		s.health.Register("postgres", health.PingChecker(db, 2*time.Second))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.orders = orders.NewMemoryStore()
		s.snapshots = snapshot.NewMemoryStore(cfg.Snapshot.Retention)
		enforcementStore := enforcement.NewMemoryStore()
		flagStore, configStore = enforcementStore, enforcementStore
		riskStore = risk.NewMemoryStore()
		decisions = policy.NewMemoryStore()
		suggestions = revenue.NewMemoryStore()
		history = workflow.NewMemoryHistory()
		s.experiments = experiment.NewMemoryStore()
	}

	// Enforcement state, mirrored to Redis for checkout when configured
	s.enforcer = enforcement.NewEnforcer(flagStore, configStore, s.logger)
	if cfg.RedisAddr != "" {
		mirror, err := enforcement.NewRedisMirror(cfg.RedisAddr, cfg.RedisDB, cfg.MirrorKeyPrefix)
		if err != nil {
			s.logger.Warn("redis mirror unavailable, enforcement stays database-only", "error", err)
		} else {
			s.mirror = mirror
			s.enforcer.WithPublisher(mirror)
			s.health.Register("redis", health.PingChecker(mirror, 2*time.Second))
			s.logger.Info("enforcement mirror enabled", "addr", cfg.RedisAddr, "channel", mirror.ChangesChannel())
		}
	}

	// Order ingestion
	s.ingestor = orders.NewIngestor(s.orders, s.logger)
	if len(cfg.KafkaBrokers) > 0 {
		reader := orders.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup)
		s.orderConsumer = orders.NewKafkaConsumer(reader, s.ingestor, s.logger)
		s.logger.Info("order consumer configured", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	// Metrics aggregator
	s.aggregator = snapshot.NewAggregator(s.orders, s.snapshots, cfg.Snapshot.Interval, cfg.Snapshot.Window, s.logger)
	s.snapshotWorker = snapshot.NewWorker(s.aggregator, cfg.Snapshot.Interval, s.logger)
	s.health.Register("snapshots", health.FreshnessChecker(s.latestSnapshotTs, 3*cfg.Snapshot.Interval, nil))

	// Risk scorer and policy rule engine
	s.scorer = risk.NewScorer(s.orders, riskStore, riskConfig(cfg.Risk), s.logger)
	rules, err := policy.NewRuleSet(ruleConfig(cfg.Policy))
	if err != nil {
		return nil, fmt.Errorf("invalid policy rules: %w", err)
	}
	policyCfg := policy.DefaultConfig()
	policyCfg.ReproposeAfter = cfg.Policy.ReproposeAfter
	policyCfg.DefaultLimit = cfg.Policy.DefaultRunLimit
	s.policyEngine = policy.NewEngine(decisions, rules, s.scorer, s.orders, s.enforcer, history, policyCfg, s.logger)
	s.policyTimer = policy.NewTimer(s.policyEngine, cfg.Policy.RunInterval, cfg.Policy.DefaultRunLimit, s.logger)

	// Revenue optimization with post-apply monitoring
	s.revenueEngine = revenue.NewEngine(suggestions, s.snapshots, s.enforcer, history, revenueConfig(cfg.Revenue), s.logger)
	s.revenueMonitor = revenue.NewMonitor(s.revenueEngine, cfg.Revenue.SweepInterval, s.logger)
	s.aggregator.Subscribe(s.revenueEngine.OnSnapshot)

	// Experiment reporting
	s.reporter = experiment.NewReporter(s.orders, s.experiments)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func riskConfig(c config.RiskConfig) risk.Config {
	return risk.Config{
		WatchThreshold:    c.WatchThreshold,
		RiskThreshold:     c.RiskThreshold,
		CODRefusalPoints:  c.CODRefusalPoints,
		ReturnPoints:      c.ReturnPoints,
		WeightCODRefusals: c.WeightCODRefusals,
		WeightReturns:     c.WeightReturns,
		WeightReturnRate:  c.WeightReturnRate,
	}
}

func ruleConfig(c config.PolicyConfig) policy.RuleConfig {
	return policy.RuleConfig{
		RiskThresholdHigh:  c.RiskThresholdHigh,
		BlockCODScore:      c.BlockCODScore,
		BlockCODRefusals:   c.BlockCODRefusals,
		CityMinOrders:      c.CityMinOrders,
		CityReturnRateCeil: c.CityReturnRateCeil,
		UserRuleExpr:       c.UserRuleExpr,
		CityRuleExpr:       c.CityRuleExpr,
	}
}

func revenueConfig(c config.RevenueConfig) revenue.Config {
	return revenue.Config{
		TargetPrepaidConversion: c.TargetPrepaidConversion,
		MaxDeclineRate:          c.MaxDeclineRate,
		ConversionSlack:         c.ConversionSlack,
		DiscountStepPct:         c.DiscountStepPct,
		DiscountMaxPct:          c.DiscountMaxPct,
		DepositStepUAH:          c.DepositStepUAH,
		DepositMaxUAH:           c.DepositMaxUAH,
		ConversionUpliftPerPct:  c.ConversionUpliftPerPct,
		MarginPerPaidOrderUAH:   c.MarginPerPaidOrderUAH,
		AvgOrderValueUAH:        c.AvgOrderValueUAH,
		Cooldown:                c.Cooldown,
		MonitorWindow:           c.MonitorWindow,
		RollbackToleranceUAH:    c.RollbackToleranceUAH,
		BreachesToRollback:      c.BreachesToRollback,
	}
}

func (s *Server) latestSnapshotTs(ctx context.Context) (time.Time, error) {
	snap, err := s.snapshots.Latest(ctx)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return snap.Ts, nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.actorMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
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

// actorMiddleware records the operator named in X-Actor. Requests without
// it act as the system actor.
func (s *Server) actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := validation.SanitizeString(c.GetHeader("X-Actor"), 128)
		if actor == "" {
			c.Next()
			return
		}
		if !validation.IsValidID(actor) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "X-Actor contains invalid characters",
			})
			return
		}
		c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), actor))
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
			logger.Debug("request completed",
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

	v1 := s.router.Group("/v1")
	if s.cfg.WriteRateLimit > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.WriteRateLimit,
			BurstSize:         s.cfg.WriteRateBurst,
			CleanupInterval:   time.Minute,
		})
		v1.Use(s.rateLimiter.Middleware())
	}
	v1.GET("/info", s.infoHandler)

	orders.NewHandler(s.ingestor, s.orders).RegisterRoutes(v1)
	snapshot.NewHandler(s.aggregator, s.snapshots).RegisterRoutes(v1)
	risk.NewHandler(s.scorer).RegisterRoutes(v1)
	policy.NewHandler(s.policyEngine).RegisterRoutes(v1)
	enforcement.NewHandler(s.enforcer).RegisterRoutes(v1)
	revenue.NewHandler(s.revenueEngine).RegisterRoutes(v1)
	experiment.NewHandler(s.experiments, s.reporter).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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

func (s *Server) infoHandler(c *gin.Context) {
	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "storeguard",
		"description": "Risk and policy decision engine for checkout",
		"version":     Version,
		"storage":     storage,
		"mirror":      s.mirror != nil,
		"kafka":       s.orderConsumer != nil,
		"workers": gin.H{
			"snapshots":       s.snapshotWorker.Running(),
			"policy":          s.policyTimer.Running(),
			"revenue_monitor": s.revenueMonitor.Running(),
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Checkout may have missed mirror writes while we were down.
	if s.mirror != nil {
		if err := s.enforcer.Resync(runCtx); err != nil {
			s.logger.Warn("enforcement mirror resync failed", "error", err)
		}
	}

	if s.orderConsumer != nil {
		go func() {
			if err := s.orderConsumer.Start(runCtx); err != nil {
				s.logger.Error("order consumer stopped", "error", err)
			}
		}()
	}

	go s.snapshotWorker.Start(runCtx)
	go s.policyTimer.Start(runCtx)
	go s.revenueMonitor.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.snapshotWorker.Stop()
	s.policyTimer.Stop()
	s.revenueMonitor.Stop()
	s.logger.Info("background workers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.orderConsumer != nil {
		if err := s.orderConsumer.Close(); err != nil {
			s.logger.Error("order consumer close error", "error", err)
		}
	}

	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

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

// generateRequestID returns a time-ordered id so log lines sort by arrival.
func generateRequestID() string {
	return idgen.Ordered()
}
