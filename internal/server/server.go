// Package server wires the decision pipeline, stores, and supporting services
// into the HTTP surface.
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
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/gabizap/accessd/internal/auth"
	"github.com/gabizap/accessd/internal/circuitbreaker"
	"github.com/gabizap/accessd/internal/config"
	"github.com/gabizap/accessd/internal/gateway"
	"github.com/gabizap/accessd/internal/idgen"
	"github.com/gabizap/accessd/internal/logging"
	"github.com/gabizap/accessd/internal/matcher"
	"github.com/gabizap/accessd/internal/metrics"
	"github.com/gabizap/accessd/internal/pipeline"
	"github.com/gabizap/accessd/internal/ratelimit"
	"github.com/gabizap/accessd/internal/retry"
	"github.com/gabizap/accessd/internal/risk"
	"github.com/gabizap/accessd/internal/security"
	"github.com/gabizap/accessd/internal/traces"
	"github.com/gabizap/accessd/internal/validation"
)

// Server is the top-level application: configuration, stores, pipeline,
// and the gin router.
type Server struct {
	cfg *config.Config

	matcher   *matcher.Matcher
	scorer    *risk.Scorer
	riskStore risk.Store
	authMgr   *auth.Manager
	limiter   *ratelimit.Limiter // pipeline rate-check stage (shared counter store)
	pipeline  *pipeline.Pipeline
	gateway   *gateway.Gateway

	// Edge limiter protects the whole HTTP surface (IP-keyed, in-process
	// counters). The pipeline limiter above is the domain rate check and
	// uses the configured backend.
	edgeLimiter  *ratelimit.Limiter
	edgeCounters *ratelimit.MemoryStore

	memCounters *ratelimit.MemoryStore   // nil when Postgres-backed
	pgCounters  *ratelimit.PostgresStore // nil when memory-backed

	db      *sql.DB // nil if using in-memory
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		templateStore matcher.TemplateStore
		counterStore  ratelimit.CounterStore
		authStore     auth.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := retry.Do(ctx, 3, time.Second, db.Ping); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		templateStore = matcher.NewPostgresStore(db)
		s.pgCounters = ratelimit.NewPostgresStore(db)
		counterStore = s.pgCounters
		s.riskStore = risk.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		templateStore = matcher.NewMemoryStore()
		s.memCounters = ratelimit.NewMemoryStore()
		counterStore = s.memCounters
		s.riskStore = risk.NewMemoryStore()
		authStore = auth.NewMemoryStore()
	}

	// Template matcher
	s.matcher = matcher.New(templateStore, cfg.EmbeddingDim, cfg.MatchThreshold)
	s.logger.Info("template matching enabled",
		"dimension", cfg.EmbeddingDim,
		"threshold", cfg.MatchThreshold,
	)

	// Risk scorer. A configured artifact that fails to load is fatal; no
	// artifact at all means the scorer runs degraded until an admin reload.
	s.scorer = risk.NewScorer(s.riskStore).
		WithBlockThreshold(cfg.BlockThreshold).
		WithStepUpThreshold(cfg.StepUpThreshold)
	if cfg.RiskModelPath != "" {
		err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
			return s.scorer.LoadModelFile(cfg.RiskModelPath)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load risk model: %w", err)
		}
		s.logger.Info("risk model loaded",
			"path", cfg.RiskModelPath,
			"version", s.scorer.ModelVersion(),
		)
	} else {
		s.logger.Warn("no risk model configured, scoring runs degraded")
	}

	// API key auth
	s.authMgr = auth.NewManager(authStore)
	s.logger.Info("API authentication enabled")

	// Rate limiting: the pipeline limiter counts on the configured backend,
	// the edge limiter keeps its own in-process counters so a decision never
	// charges a client twice.
	rlCfg := ratelimit.Config{
		Limit:    cfg.RateLimitMax,
		Window:   cfg.RateLimitWindow,
		FailOpen: cfg.RateLimitFailOpen,
	}
	s.limiter = ratelimit.New(rlCfg, counterStore)
	s.edgeCounters = ratelimit.NewMemoryStore()
	s.edgeLimiter = ratelimit.New(rlCfg, s.edgeCounters)

	// Decision pipeline
	s.pipeline = pipeline.New(s.limiter, s.authMgr, s.matcher, s.scorer).
		WithStageTimeout(cfg.StageTimeout)

	// Gateway to upstream services, behind a per-upstream circuit breaker.
	// Private upstream addresses are normal inside a deployment.
	s.gateway = gateway.New(gateway.DefaultUpstreamTimeout, circuitbreaker.New(0, 0))
	allowPrivate := !cfg.IsProduction()
	for name, target := range map[string]string{
		"users": cfg.UserServiceURL,
		"audit": cfg.AuditServiceURL,
	} {
		if target == "" {
			continue
		}
		if err := s.gateway.AddUpstream(name, target, allowPrivate); err != nil {
			s.logger.Warn("skipping upstream", "name", name, "error", err)
			continue
		}
		s.logger.Info("upstream configured", "name", name)
	}

	// Tracing
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
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

// setupMiddleware installs the chain in its required order: recovery first,
// then security headers, CORS, request size limit, rate limiting, metrics,
// request ID, logging. The rate limiter runs before anything touches identity
// or risk state.
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Edge rate limiting
	s.router.Use(s.edgeLimiter.Middleware())

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
			requestID = idgen.WithPrefix("req_")
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

// decisionGate runs the full pipeline before a proxied upstream call. The
// claimed identity comes from the X-Identity-Key header, the credential from
// the usual auth headers.
func (s *Server) decisionGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		identityKey := c.GetHeader("X-Identity-Key")
		if identityKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_identity",
				"message": "X-Identity-Key header is required",
			})
			return
		}

		dec := s.pipeline.Decide(c.Request.Context(), pipeline.Request{
			ClientKey:   c.ClientIP(),
			IdentityKey: identityKey,
			Credential:  rawCredential(c),
			Context: risk.Context{
				IdentityKey: identityKey,
				Hour:        time.Now().Hour(),
				DeviceTrust: 0.5,
			},
		})

		switch dec.Outcome {
		case pipeline.OutcomeAllow:
			c.Next()
		case pipeline.OutcomeDeniedUnauth:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":    "unauthorized",
				"decision": dec,
			})
		case pipeline.OutcomeDeniedRateLimit:
			c.Header("Retry-After", strconv.Itoa(dec.RetryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":    "rate_limited",
				"decision": dec,
			})
		case pipeline.OutcomeErrorUnavailable:
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":    "unavailable",
				"decision": dec,
			})
		default: // BLOCK, STEP_UP
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "access_denied",
				"decision": dec,
			})
		}
	}
}

// rawCredential extracts the presented API key without validating it; the
// pipeline's identity check does the validation.
func rawCredential(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return c.GetHeader("X-API-Key")
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health and metrics
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")

	// Enrollment and decisions
	v1.POST("/templates", s.registerTemplate)
	v1.POST("/match", s.matchTemplate)
	v1.POST("/score", s.scoreContext)
	v1.POST("/decide", s.decideHandler)

	// Identity-scoped routes
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr))
	{
		protected.DELETE("/templates/:identity_key",
			auth.RequireIdentity(s.authMgr, "identity_key"), s.deleteTemplate)
		protected.GET("/risk/:identity_key/assessments",
			auth.RequireIdentity(s.authMgr, "identity_key"), s.listAssessments)
	}

	// API key management
	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	protectedAuth := v1.Group("/auth")
	protectedAuth.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		protectedAuth.GET("/keys", authHandler.ListKeys)
		protectedAuth.POST("/keys", authHandler.CreateKey)
		protectedAuth.DELETE("/keys/:keyId", authHandler.RevokeKey)
		protectedAuth.GET("/whoami", authHandler.WhoAmI)
	}

	// Admin routes
	admin := s.router.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	{
		admin.POST("/model/reload", s.reloadModel)
	}

	// Proxied upstreams sit behind the full decision pipeline
	for _, name := range s.gateway.Upstreams() {
		s.router.Any("/svc/"+name+"/*path", s.decisionGate(), s.gateway.Handler(name))
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

type registerRequest struct {
	IdentityKey string    `json:"identity_key"`
	Embedding   []float64 `json:"embedding"`
}

// registerTemplate handles POST /v1/templates. First-time enrollment also
// issues the identity's API key.
func (s *Server) registerTemplate(c *gin.Context) {
	ctx := c.Request.Context()

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	existing, err := s.authMgr.ListKeys(ctx, req.IdentityKey)
	if err != nil {
		logging.L(ctx).Error("failed to list keys", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Key store is unavailable",
		})
		return
	}

	if err := s.matcher.Register(ctx, req.IdentityKey, req.Embedding); err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			validation.AbortValidation(c, verr)
			return
		}
		logging.L(ctx).Error("failed to register template", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Template store is unavailable",
		})
		return
	}

	resp := gin.H{
		"status":       "registered",
		"identity_key": req.IdentityKey,
	}

	// Issue the initial credential on first enrollment only
	if len(existing) == 0 {
		rawKey, key, err := s.authMgr.GenerateKey(ctx, req.IdentityKey, "Enrollment key")
		if err != nil {
			logging.L(ctx).Error("failed to issue enrollment key", "error", err)
		} else {
			resp["api_key"] = rawKey
			resp["key_id"] = key.ID
			resp["warning"] = "Store this key securely. It will not be shown again."
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) deleteTemplate(c *gin.Context) {
	ctx := c.Request.Context()
	identityKey := c.Param("identity_key")

	if err := s.matcher.Delete(ctx, identityKey); err != nil {
		logging.L(ctx).Error("failed to delete template", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Template store is unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "deleted",
		"identity_key": identityKey,
	})
}

type matchRequest struct {
	Embedding []float64 `json:"embedding"`
	Threshold float64   `json:"threshold"`
}

// matchTemplate handles POST /v1/match. Threshold 0 means the configured
// default.
func (s *Server) matchTemplate(c *gin.Context) {
	ctx := c.Request.Context()

	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	res, err := s.matcher.Match(ctx, req.Embedding, req.Threshold)
	if err != nil {
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			validation.AbortValidation(c, verr)
			return
		}
		logging.L(ctx).Error("match failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Template store is unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, res)
}

type scoreRequest struct {
	IdentityKey string  `json:"identity_key"`
	Hour        int     `json:"hour"`
	DeviceTrust float64 `json:"device_trust"`
	GeoDist     float64 `json:"geo_dist"`
	Velocity    float64 `json:"velocity"`
}

func (s *Server) scoreContext(c *gin.Context) {
	ctx := c.Request.Context()

	var req scoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if verr := validation.CheckRiskContext(req.Hour, req.DeviceTrust, req.GeoDist, req.Velocity); verr != nil {
		validation.AbortValidation(c, verr)
		return
	}

	a := s.scorer.Score(ctx, risk.Context{
		IdentityKey: req.IdentityKey,
		Hour:        req.Hour,
		DeviceTrust: req.DeviceTrust,
		GeoDist:     req.GeoDist,
		Velocity:    req.Velocity,
	})

	c.JSON(http.StatusOK, a)
}

// decideHandler handles POST /v1/decide, the full pipeline. The decision body
// is always returned; the HTTP status follows the outcome.
func (s *Server) decideHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if verr := validation.CheckIdentityKey(req.IdentityKey); verr != nil {
		validation.AbortValidation(c, verr)
		return
	}
	if len(req.Embedding) > 0 {
		if verr := validation.CheckEmbedding(req.Embedding, s.cfg.EmbeddingDim); verr != nil {
			validation.AbortValidation(c, verr)
			return
		}
	}
	rc := req.Context
	if verr := validation.CheckRiskContext(rc.Hour, rc.DeviceTrust, rc.GeoDist, rc.Velocity); verr != nil {
		validation.AbortValidation(c, verr)
		return
	}

	if req.ClientKey == "" {
		req.ClientKey = c.ClientIP()
	}

	dec := s.pipeline.Decide(ctx, req)

	switch dec.Outcome {
	case pipeline.OutcomeDeniedUnauth:
		c.JSON(http.StatusUnauthorized, dec)
	case pipeline.OutcomeDeniedRateLimit:
		c.Header("Retry-After", strconv.Itoa(dec.RetryAfter))
		c.JSON(http.StatusTooManyRequests, dec)
	case pipeline.OutcomeErrorUnavailable:
		c.JSON(http.StatusServiceUnavailable, dec)
	default: // ALLOW, STEP_UP, BLOCK are all valid decisions
		c.JSON(http.StatusOK, dec)
	}
}

func (s *Server) listAssessments(c *gin.Context) {
	ctx := c.Request.Context()
	identityKey := c.Param("identity_key")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 500",
			})
			return
		}
		limit = n
	}

	assessments, err := s.riskStore.ListByIdentity(ctx, identityKey, limit)
	if err != nil {
		logging.L(ctx).Error("failed to list assessments", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Assessment store is unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"identity_key": identityKey,
		"assessments":  assessments,
		"count":        len(assessments),
	})
}

// reloadModel handles POST /admin/model/reload
func (s *Server) reloadModel(c *gin.Context) {
	ctx := c.Request.Context()

	if err := s.scorer.Reload(ctx); err != nil {
		logging.L(ctx).Error("model reload failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "reload_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "reloaded",
		"model_version": s.scorer.ModelVersion(),
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	httpStatus := http.StatusOK

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "memory"
	}

	// A missing model degrades scoring but the service still answers
	if s.scorer.ModelVersion() == "" {
		checks["risk_model"] = "degraded"
	} else {
		checks["risk_model"] = "healthy"
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "accessd",
		"description": "Adaptive access decision service",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"model_version", s.scorer.ModelVersion(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Expired window counters only accumulate on the Postgres backend; the
	// memory stores sweep themselves.
	if s.pgCounters != nil {
		go s.counterMaintenance(runCtx)
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, time.Minute)
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

// counterMaintenance periodically deletes rate-limit counters whose window
// closed long ago.
func (s *Server) counterMaintenance(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	maxAge := 2 * s.cfg.RateLimitWindow
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.pgCounters.DeleteExpired(ctx, maxAge)
			if err != nil {
				s.logger.Warn("counter maintenance failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("expired counters removed", "count", n)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel background goroutines (maintenance, stats collector)
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

	s.edgeCounters.Close()
	if s.memCounters != nil {
		s.memCounters.Close()
	}
	s.logger.Info("rate limiter stopped")

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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
