// Package server wires the engines, stores, and HTTP API together.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/ecomsec/sentinel/internal/abtest"
	"github.com/ecomsec/sentinel/internal/config"
	"github.com/ecomsec/sentinel/internal/evaluation"
	"github.com/ecomsec/sentinel/internal/idgen"
	"github.com/ecomsec/sentinel/internal/logging"
	"github.com/ecomsec/sentinel/internal/metrics"
	"github.com/ecomsec/sentinel/internal/ml"
	"github.com/ecomsec/sentinel/internal/ratelimit"
	"github.com/ecomsec/sentinel/internal/realtime"
	"github.com/ecomsec/sentinel/internal/rules"
	"github.com/ecomsec/sentinel/internal/security"
	"github.com/ecomsec/sentinel/internal/signalcache"
	"github.com/ecomsec/sentinel/internal/threatintel"
	"github.com/ecomsec/sentinel/internal/traces"
	"github.com/ecomsec/sentinel/internal/validation"
)

// Server is the assembled risk evaluation service.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine
	http   *http.Server

	db         *sql.DB
	cache      *signalcache.Cache
	velocity   *signalcache.VelocityTracker
	ruleStore  rules.Store
	ruleLoader *rules.Loader
	modelStore ml.Store
	registry   *ml.Registry
	intel      *threatintel.Client
	abRouter   *abtest.Router
	evalStore  evaluation.Store
	hub        *realtime.Hub
	kafkaSink  *evaluation.KafkaSink
	orch       *evaluation.Orchestrator

	healthy atomic.Bool
	ready   atomic.Bool

	shutdownTracing func(context.Context) error
}

// Option customizes server construction, mostly for tests.
type Option func(*Server)

// WithRuleStore overrides the rule store.
func WithRuleStore(s rules.Store) Option {
	return func(srv *Server) { srv.ruleStore = s }
}

// WithModelStore overrides the model version store.
func WithModelStore(s ml.Store) Option {
	return func(srv *Server) { srv.modelStore = s }
}

// WithEvaluationStore overrides the evaluation store.
func WithEvaluationStore(s evaluation.Store) Option {
	return func(srv *Server) { srv.evalStore = s }
}

// New assembles a server from configuration. PostgreSQL backs the stores
// when DATABASE_URL is set; otherwise everything runs in memory with the
// seed rule set and baseline model.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.setupStores(); err != nil {
		return nil, err
	}

	s.cache = signalcache.NewCache(100000, time.Minute)
	s.velocity = signalcache.NewVelocityTracker(time.Hour, time.Minute)

	s.intel = threatintel.New(threatintel.Config{
		BaseURL:   cfg.ThreatIntelURL,
		Timeout:   cfg.ThreatIntelDeadline,
		IPTTL:     cfg.IPReputationTTL,
		DeviceTTL: cfg.DeviceSignalTTL,
		BINTTL:    cfg.BINReputationTTL,
		EmailTTL:  cfg.EmailSignalTTL,
	}, s.cache)

	var exp *abtest.Experiment
	if cfg.ExperimentName != "" {
		exp = &abtest.Experiment{
			Name:           cfg.ExperimentName,
			SplitPercent:   cfg.ExperimentSplit,
			VariantModelID: cfg.VariantModelID,
		}
	}
	s.abRouter = abtest.NewRouter(exp)

	s.ruleLoader = rules.NewLoader(s.ruleStore, cfg.SnapshotReloadInterval)
	s.registry = ml.NewRegistry(s.modelStore, cfg.SnapshotReloadInterval)
	s.hub = realtime.NewHub(logger)

	sinks := []evaluation.Sink{
		evaluation.NewStoreSink(s.evalStore),
		evaluation.NewFuncSink("realtime", s.broadcastEvaluation),
	}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := evaluation.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("connecting Kafka sink: %w", err)
		}
		s.kafkaSink = sink
		sinks = append(sinks, sink)
	}
	emitter := evaluation.NewEmitter(logger, sinks...)

	s.orch = evaluation.NewOrchestrator(evaluation.Config{
		OverallDeadline:     cfg.OverallDeadline,
		MLDeadline:          cfg.MLDeadline,
		ThreatIntelDeadline: cfg.ThreatIntelDeadline,
		RuleWeight:          cfg.RuleWeight,
		MLWeight:            cfg.MLWeight,
		ThreatIntelWeight:   cfg.ThreatIntelWeight,
		ApproveMax:          cfg.ApproveMax,
		ReviewMax:           cfg.ReviewMax,
		BINDenyList:         cfg.BINDenyList,
	}, s.ruleLoader, s.registry, s.intel, s.velocity, s.cache, s.abRouter, emitter)

	s.setupRouter()

	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.healthy.Store(true)
	return s, nil
}

// setupStores picks PostgreSQL or in-memory stores. Options may have
// already provided a store; those are left alone.
func (s *Server) setupStores() error {
	if s.cfg.DatabaseURL == "" {
		if s.ruleStore == nil {
			s.ruleStore = rules.NewMemoryStoreWithRules(rules.DefaultRules())
		}
		if s.modelStore == nil {
			s.modelStore = ml.NewMemoryStoreWithDefaults()
		}
		if s.evalStore == nil {
			s.evalStore = evaluation.NewMemoryStore()
		}
		s.logger.Info("using in-memory stores (no DATABASE_URL set)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	s.db = db

	ruleStore := rules.NewPostgresStore(db)
	modelStore := ml.NewPostgresStore(db)
	evalStore := evaluation.NewPostgresStore(db)
	for name, migrate := range map[string]func(context.Context) error{
		"rules":       ruleStore.Migrate,
		"models":      modelStore.Migrate,
		"evaluations": evalStore.Migrate,
	} {
		if err := migrate(ctx); err != nil {
			return fmt.Errorf("migrating %s: %w", name, err)
		}
	}

	if s.ruleStore == nil {
		s.ruleStore = ruleStore
	}
	if s.modelStore == nil {
		s.modelStore = modelStore
	}
	if s.evalStore == nil {
		s.evalStore = evalStore
	}
	s.logger.Info("using PostgreSQL stores")
	return nil
}

// broadcastEvaluation adapts the realtime hub as an emitter sink. The
// result round-trips through JSON so subscription filters see the same
// field names the HTTP API serves.
func (s *Server) broadcastEvaluation(ctx context.Context, result *evaluation.EvaluationResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	s.hub.BroadcastEvaluation(payload)
	return nil
}

func (s *Server) setupRouter() {
	router := gin.New()

	router.Use(gin.CustomRecovery(s.recoverPanic))
	router.Use(s.requestIDMiddleware())
	router.Use(s.loggingMiddleware())
	router.Use(security.HeadersMiddleware())
	router.Use(security.CORSMiddleware(nil))
	router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	router.Use(metrics.Middleware())

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitRPM / 10,
		CleanupInterval:   time.Minute,
	})

	router.GET("/health", s.handleHealth)
	router.GET("/health/live", s.handleLive)
	router.GET("/health/ready", s.handleReady)
	router.GET("/metrics", metrics.Handler())
	router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	evalHandler := evaluation.NewHandler(s.orch, s.evalStore)

	v1 := router.Group("/v1", limiter.Middleware())
	{
		v1.POST("/evaluate", evalHandler.Evaluate)
		v1.GET("/evaluations", evalHandler.List)
		v1.GET("/evaluations/:transactionID", evalHandler.GetByTransaction)
		v1.GET("/realtime/stats", s.handleRealtimeStats)

		admin := v1.Group("/admin")
		{
			admin.GET("/rules", s.handleListRules)
			admin.PUT("/rules/:id", s.handleUpsertRule)
			admin.DELETE("/rules/:id", s.handleDeleteRule)
			admin.POST("/rules/reload", s.handleReloadRules)

			admin.GET("/models", s.handleListModels)
			admin.PUT("/models/:id", s.handlePutModel)
			admin.POST("/models/:id/activate", s.handleActivateModel)
			admin.POST("/models/reload", s.handleReloadModels)

			admin.GET("/experiment", s.handleGetExperiment)
			admin.PUT("/experiment", s.handleSetExperiment)
			admin.DELETE("/experiment", s.handleStopExperiment)
		}
	}

	// Unversioned alias kept for early integrations.
	router.POST("/evaluate", limiter.Middleware(), evalHandler.Evaluate)

	s.router = router
}

// recoverPanic is the last line of the fail-open policy: a panic that
// escapes the engine goroutines must not surface a 5xx to checkout, so
// the evaluate routes answer with the fail-open decision. Every other
// route gets a plain 500.
func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	path := c.Request.URL.Path
	s.logger.Error("panic recovered", "panic", recovered, "path", path)

	if c.Request.Method == http.MethodPost && (path == "/evaluate" || path == "/v1/evaluate") {
		metrics.FailOpenTotal.Inc()
		c.AbortWithStatusJSON(http.StatusOK, evaluation.FailOpenResult(""))
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}
		c.Header("X-Request-ID", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Health and metrics scrapes would drown everything else out.
		path := c.Request.URL.Path
		if path == "/health" || path == "/health/live" || path == "/health/ready" || path == "/metrics" {
			return
		}

		logging.L(c.Request.Context()).Info("request completed",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", float64(time.Since(start).Microseconds())/1000,
			"client_ip", c.ClientIP())
	}
}

// Run starts the server and blocks until ctx is cancelled or a signal
// arrives. Shutdown is graceful: in-flight evaluations finish, background
// loops stop, sinks flush.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if err := s.ruleLoader.Start(ctx); err != nil {
		return err
	}
	if err := s.registry.Start(ctx); err != nil {
		return err
	}
	go s.hub.Run(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.ready.Store(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	}

	return s.Shutdown()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.healthy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var firstErr error
	if err := s.http.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("http shutdown: %w", err)
	}

	s.ruleLoader.Stop()
	s.registry.Stop()
	s.velocity.Stop()
	s.cache.Stop()

	if s.kafkaSink != nil {
		if err := s.kafkaSink.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("kafka close: %w", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("db close: %w", err)
		}
	}
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tracing shutdown: %w", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	if !s.healthy.Load() {
		status = http.StatusServiceUnavailable
	}

	snap := s.ruleLoader.Snapshot()
	ruleCount := 0
	ruleVersion := ""
	if snap != nil {
		ruleCount = snap.Len()
		ruleVersion = snap.Version
	}
	modelID := ""
	if mv := s.registry.Active(); mv != nil {
		modelID = mv.ID
	}

	c.JSON(status, gin.H{
		"healthy":       s.healthy.Load(),
		"ready":         s.ready.Load(),
		"rules":         ruleCount,
		"rule_version":  ruleVersion,
		"model_version": modelID,
	})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() || s.ruleLoader.Snapshot() == nil || s.registry.Active() == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleRealtimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}
