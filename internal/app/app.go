package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neogan74/overseer/internal/anomaly"
	"github.com/neogan74/overseer/internal/approval"
	"github.com/neogan74/overseer/internal/audit"
	"github.com/neogan74/overseer/internal/auth"
	"github.com/neogan74/overseer/internal/config"
	"github.com/neogan74/overseer/internal/feed"
	"github.com/neogan74/overseer/internal/governor"
	"github.com/neogan74/overseer/internal/handlers"
	"github.com/neogan74/overseer/internal/journal"
	"github.com/neogan74/overseer/internal/ledger"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/metrics"
	"github.com/neogan74/overseer/internal/middleware"
	"github.com/neogan74/overseer/internal/persistence"
	"github.com/neogan74/overseer/internal/policy"
	"github.com/neogan74/overseer/internal/telemetry"
	"github.com/neogan74/overseer/internal/trust"
	"github.com/neogan74/overseer/internal/vault"
)

const shutdownTimeout = 5 * time.Second

// Builder wires Overseer application dependencies.
type Builder struct {
	cfg            *config.Config
	version        string
	logger         logger.Logger
	fiberApp       *fiber.App
	engine         persistence.Engine
	tracerProvider *telemetry.TracerProvider

	hub       *feed.Hub
	ledger    *ledger.Ledger
	auditSink *audit.Manager
	auditLog  *audit.Log
	journal   *journal.Journal
	detector  *anomaly.Detector
	monitor   *anomaly.Monitor
	approvals *approval.Workflow
	governor  *governor.Governor
	analyzer  *trust.Analyzer
	vault     *vault.Vault

	closers []func()
}

// NewBuilder creates a new application builder.
func NewBuilder(cfg *config.Config, version string) *Builder {
	return &Builder{cfg: cfg, version: version}
}

// Build assembles the Overseer application components.
func (b *Builder) Build(ctx context.Context) (*App, error) {
	b.initLogger()
	b.recordStartupMetrics()
	b.initFiber()
	b.initTracing(ctx)
	b.initMiddleware()

	steps := []func(context.Context) error{
		b.initPersistence,
		b.initRecording,
		b.initAnomaly,
		b.initGovernance,
		b.initVault,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			b.cleanupOnError()
			return nil, err
		}
	}

	b.initHandlers()

	return &App{
		cfg:            b.cfg,
		version:        b.version,
		logger:         b.logger,
		fiberApp:       b.fiberApp,
		tracerProvider: b.tracerProvider,
		closers:        b.closers,
	}, nil
}

func (b *Builder) initLogger() {
	b.logger = logger.NewFromConfig(b.cfg.Log.Level, b.cfg.Log.Format)
	logger.SetDefault(b.logger)
}

func (b *Builder) recordStartupMetrics() {
	metrics.BuildInfo.WithLabelValues(b.version, runtime.Version()).Set(1)

	b.logger.Info("Starting Overseer",
		logger.String("version", b.version),
		logger.String("address", b.cfg.Address()),
		logger.String("log_level", b.cfg.Log.Level),
		logger.String("log_format", b.cfg.Log.Format),
		logger.Bool("persistence_enabled", b.cfg.Persistence.Enabled),
		logger.String("persistence_type", b.cfg.Persistence.Type),
		logger.Bool("auth_enabled", b.cfg.Auth.Enabled),
	)
}

func (b *Builder) initFiber() {
	b.fiberApp = fiber.New(fiber.Config{
		AppName:               "overseer",
		ErrorHandler:          middleware.ErrorHandler,
		DisableStartupMessage: true,
	})
}

func (b *Builder) initTracing(ctx context.Context) {
	tracingCfg := telemetry.TracingConfig{
		Enabled:        b.cfg.Tracing.Enabled,
		Endpoint:       b.cfg.Tracing.Endpoint,
		ServiceName:    b.cfg.Tracing.ServiceName,
		ServiceVersion: b.cfg.Tracing.ServiceVersion,
		Environment:    b.cfg.Tracing.Environment,
		SamplingRatio:  b.cfg.Tracing.SamplingRatio,
		InsecureConn:   b.cfg.Tracing.InsecureConn,
	}

	provider, err := telemetry.InitTracing(ctx, tracingCfg)
	if err != nil {
		b.logger.Error("Failed to initialize tracing", logger.Error(err))
		return
	}

	if b.cfg.Tracing.Enabled {
		b.logger.Info("OpenTelemetry tracing initialized",
			logger.String("endpoint", b.cfg.Tracing.Endpoint),
			logger.String("service_name", b.cfg.Tracing.ServiceName),
		)

		b.addCloser(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				b.logger.Error("Failed to shutdown tracer provider", logger.Error(err))
			}
		})
	}

	b.tracerProvider = provider
}

func (b *Builder) initMiddleware() {
	b.fiberApp.Use(middleware.RequestLogging(b.logger))
	b.fiberApp.Use(middleware.MetricsMiddleware())

	if b.cfg.Tracing.Enabled {
		b.fiberApp.Use(middleware.TracingMiddleware())
	}
}

func (b *Builder) initPersistence(context.Context) error {
	engine, err := persistence.NewEngine(persistence.Config{
		Enabled:    b.cfg.Persistence.Enabled,
		Type:       b.cfg.Persistence.Type,
		DataDir:    b.cfg.Persistence.DataDir,
		SyncWrites: b.cfg.Persistence.SyncWrites,
	}, b.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize persistence engine: %w", err)
	}

	b.engine = engine

	b.addCloser(func() {
		if err := engine.Close(); err != nil {
			b.logger.Error("Failed to close persistence engine", logger.Error(err))
		}
	})

	return nil
}

// initRecording builds the feed hub, the ledger, the audit log with its sink,
// and the journal that writes both stores.
func (b *Builder) initRecording(context.Context) error {
	b.hub = feed.NewHub(b.logger, b.cfg.Feed.BufferSize, b.cfg.Feed.MaxPerClient)
	b.addCloser(b.hub.Close)

	chain, err := ledger.New(b.engine, ledger.Options{QueueSize: b.cfg.Ledger.QueueSize}, b.logger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	b.ledger = chain
	b.addCloser(func() {
		if err := chain.Close(); err != nil {
			b.logger.Error("Failed to close ledger", logger.Error(err))
		}
	})

	sink, err := audit.NewManager(audit.ManagerConfig{
		Sink:          b.cfg.Audit.Sink,
		FilePath:      b.cfg.Audit.FilePath,
		BufferSize:    b.cfg.Audit.BufferSize,
		FlushInterval: b.cfg.Audit.FlushInterval,
		DropPolicy:    audit.DropPolicy(b.cfg.Audit.DropPolicy),
	}, b.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize audit sink: %w", err)
	}
	b.auditSink = sink
	b.addCloser(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := sink.Shutdown(shutdownCtx); err != nil {
			b.logger.Error("Failed to shutdown audit sink", logger.Error(err))
		}
	})

	auditLog, err := audit.NewLog(b.engine, audit.LogOptions{
		Retention: b.cfg.Audit.Retention,
		Sink:      sink,
	}, b.logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	b.auditLog = auditLog

	b.journal = journal.New(auditLog, chain, b.cfg.Audit.WriteTimeout, b.logger)
	b.journal.OnRecord(func(e audit.Entry) {
		b.hub.Publish(feed.DecisionTopic(e), e)
	})
	return nil
}

func (b *Builder) initAnomaly(context.Context) error {
	detector, err := anomaly.NewDetector(b.engine, anomaly.Options{
		OnRecord: func(e anomaly.Event) {
			b.hub.Publish(feed.TopicAnomalyRecorded, e)
		},
	}, b.logger)
	if err != nil {
		return fmt.Errorf("failed to open anomaly store: %w", err)
	}
	b.detector = detector

	b.monitor = anomaly.NewMonitor(detector, anomaly.MonitorConfig{
		BurstThreshold:  b.cfg.Anomaly.BurstThreshold,
		BurstWindow:     b.cfg.Anomaly.BurstWindow,
		VolumeThreshold: b.cfg.Anomaly.VolumeThreshold,
		Buffer:          b.cfg.Anomaly.MonitorBuffer,
	}, b.logger)
	b.addCloser(b.monitor.Close)

	b.journal.OnRecord(func(e audit.Entry) {
		b.monitor.Observe(anomaly.ObservationFrom(e))
	})
	return nil
}

func (b *Builder) initGovernance(context.Context) error {
	rules := policy.DefaultRules()
	if b.cfg.Policy.RuleFile != "" {
		loaded, err := policy.LoadFile(b.cfg.Policy.RuleFile)
		if err != nil {
			return fmt.Errorf("failed to load policy rules: %w", err)
		}
		rules = loaded
		b.logger.Info("Policy rules loaded",
			logger.String("file", b.cfg.Policy.RuleFile),
			logger.Int("rules", len(rules.Rules)))
	}
	table, err := policy.NewTable(rules)
	if err != nil {
		return fmt.Errorf("invalid policy rules: %w", err)
	}

	workflow, err := approval.NewWorkflow(b.engine, b.journal, approval.Options{
		TTL: b.cfg.Approval.TTL,
		OnTransition: func(a approval.Approval) {
			for _, topic := range feed.ApprovalTopics(a) {
				b.hub.Publish(topic, a)
			}
		},
	}, b.logger)
	if err != nil {
		return fmt.Errorf("failed to open approval store: %w", err)
	}
	b.approvals = workflow

	b.governor = governor.New(table, b.detector, workflow, b.journal, governor.Options{
		AnomalyLookback: b.cfg.Policy.AnomalyLookback,
		AnomalyTimeout:  b.cfg.Policy.AnomalyTimeout,
	}, b.logger)

	b.analyzer = trust.NewAnalyzer(b.auditLog, b.detector, trust.Options{}, b.logger)
	return nil
}

func (b *Builder) initVault(ctx context.Context) error {
	b.vault = vault.New(b.engine, vault.Options{}, b.logger)
	b.addCloser(b.vault.Lock)

	passphrase := b.cfg.VaultPassphrase()
	if passphrase == "" {
		b.logger.Info("Vault locked until initialized via API")
		return nil
	}
	if err := b.vault.Initialize(ctx, passphrase); err != nil {
		return fmt.Errorf("failed to initialize vault: %w", err)
	}
	b.logger.Info("Vault initialized from environment",
		logger.String("env", b.cfg.Vault.PassphraseEnv))
	return nil
}

func (b *Builder) initHandlers() {
	governanceHandler := handlers.NewGovernanceHandler(b.governor)
	approvalHandler := handlers.NewApprovalHandler(b.governor, b.approvals)
	auditHandler := handlers.NewAuditHandler(b.auditLog)
	ledgerHandler := handlers.NewLedgerHandler(b.ledger, b.journal)
	anomalyHandler := handlers.NewAnomalyHandler(b.detector, b.hub)
	vaultHandler := handlers.NewVaultHandler(b.vault)
	insightsHandler := handlers.NewInsightsHandler(b.analyzer)
	feedHandler := handlers.NewFeedHandler(b.hub, b.logger)
	healthHandler := handlers.NewHealthHandler(b.governor, b.ledger, b.vault, b.hub, b.version)

	b.fiberApp.Get("/health", healthHandler.Check)
	b.fiberApp.Get("/health/live", healthHandler.Liveness)
	b.fiberApp.Get("/health/ready", healthHandler.Readiness)
	b.fiberApp.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := b.fiberApp.Group("/api/v1")

	approver := func(c *fiber.Ctx) error { return c.Next() }
	admin := approver
	if b.cfg.Auth.Enabled {
		jwtService := auth.NewJWTService(b.cfg.Auth.JWTSecret, b.cfg.Auth.JWTExpiry, b.cfg.Auth.Issuer)
		api.Use(middleware.JWTAuth(jwtService, b.cfg.Auth.PublicPaths))
		approver = middleware.RequireRole(auth.RoleApprover)
		admin = middleware.RequireRole(auth.RoleAdmin)
	}

	api.Post("/operations/evaluate", governanceHandler.Evaluate)

	api.Post("/governance/pause", approver, governanceHandler.Pause)
	api.Post("/governance/resume", approver, governanceHandler.Resume)
	api.Get("/governance/stats", governanceHandler.Stats)
	api.Get("/governance/rules", governanceHandler.Rules)

	api.Get("/approvals", approvalHandler.List)
	api.Get("/approvals/:id", approvalHandler.Get)
	api.Post("/approvals/:id/approve", approver, approvalHandler.Approve)
	api.Post("/approvals/:id/deny", approver, approvalHandler.Deny)

	api.Get("/audit", auditHandler.Query)

	api.Get("/ledger/recent", ledgerHandler.Recent)
	api.Get("/ledger/verify", ledgerHandler.Verify)
	api.Get("/ledger/stats", ledgerHandler.Stats)
	api.Get("/ledger/reconcile", ledgerHandler.Reconcile)
	api.Post("/ledger/repair", approver, ledgerHandler.Repair)

	api.Get("/anomalies", anomalyHandler.List)
	api.Get("/anomalies/:id", anomalyHandler.Get)
	api.Post("/anomalies/:id/review", approver, anomalyHandler.Review)

	vaultGroup := api.Group("/vault", admin)
	vaultGroup.Post("/init", vaultHandler.Init)
	vaultGroup.Get("/credentials", vaultHandler.List)
	vaultGroup.Post("/credentials", vaultHandler.Store)
	vaultGroup.Get("/credentials/:id", vaultHandler.Retrieve)
	vaultGroup.Delete("/credentials/:id", vaultHandler.Delete)

	api.Get("/insights/trust", insightsHandler.Trust)
	api.Get("/insights/guardrails", insightsHandler.Guardrails)
	api.Get("/insights/fingerprint", insightsHandler.Fingerprint)

	api.Get("/feed/ws", feedHandler.Upgrade, websocket.New(feedHandler.Stream))
}

func (b *Builder) addCloser(closer func()) {
	b.closers = append(b.closers, closer)
}

func (b *Builder) cleanupOnError() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// App represents a configured Overseer application ready to run.
type App struct {
	cfg            *config.Config
	version        string
	logger         logger.Logger
	fiberApp       *fiber.App
	tracerProvider *telemetry.TracerProvider
	closers        []func()
}

// Run starts the Overseer application and handles graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("Server starting", logger.String("address", a.cfg.Address()))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.fiberApp.Listen(a.cfg.Address())
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			a.logger.Error("Failed to start server", logger.Error(err))
			a.runClosers()
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server...")

	if err := a.fiberApp.ShutdownWithTimeout(shutdownTimeout); err != nil {
		a.logger.Error("Server forced to shutdown", logger.Error(err))
	}

	a.runClosers()

	if err := <-serverErr; err != nil {
		return err
	}

	a.logger.Info("Server exited gracefully")
	return nil
}

// Close releases every component without serving.
func (a *App) Close() {
	a.runClosers()
}

func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
