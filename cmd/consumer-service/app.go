package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"brokerrelay/internal/api"
	"brokerrelay/internal/audit"
	"brokerrelay/internal/broker"
	"brokerrelay/internal/config"
	"brokerrelay/internal/constants"
	"brokerrelay/internal/deduplication"
	"brokerrelay/internal/engine"
	"brokerrelay/internal/logger"
	"brokerrelay/internal/persistence"
	"brokerrelay/internal/processor"
	"brokerrelay/internal/reconnect"
	"brokerrelay/internal/webhook"
	"brokerrelay/pkg/bootstrap"
	"brokerrelay/pkg/health"
	"brokerrelay/pkg/metrics"
	"brokerrelay/pkg/middleware"
	"brokerrelay/pkg/ratelimit"
)

// App wires the consumer engine and its control plane together and owns
// the process lifecycle: connecting the broker, bringing up the HTTP
// server, and tearing both down in order on shutdown.
type App struct {
	config      *config.Config
	logger      logger.Logger
	dbConnector *bootstrap.DatabaseConnector
	auditDB     *sql.DB
	auditTrail  *audit.Trail
	mirror      *deduplication.Mirror
	dedupStore  *deduplication.Store
	engine      *engine.Engine
	router      *gin.Engine
	server      *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config:      cfg,
		logger:      log,
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initAudit(ctx); err != nil {
		return fmt.Errorf("failed to initialize audit trail: %w", err)
	}

	if err := a.initEngine(ctx); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	a.initServer()
	return nil
}

func (a *App) initAudit(ctx context.Context) error {
	if !a.config.Audit.Enabled {
		return nil
	}

	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	if db == nil {
		a.logger.WarnwCtx(ctx, "audit trail enabled but no database_url configured, audit disabled")
		return nil
	}
	a.auditDB = db

	if a.config.Audit.RunMigrations {
		if err := audit.RunMigrations(db, a.config.Audit.MigrationsPath); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) initEngine(ctx context.Context) error {
	brokerClient := broker.New(a.config.Broker, a.logger)

	var mirror *deduplication.Mirror
	if a.config.Deduplication.Mirror.Enabled {
		mirror = deduplication.NewMirror(a.config.Deduplication.Mirror, a.logger)
		a.mirror = mirror
	}
	dedupStore := deduplication.NewStore(a.config.Deduplication, mirror, a.logger)
	if mirror != nil {
		if fingerprints, err := mirror.Initialize(ctx); err != nil {
			a.logger.WarnwCtx(ctx, "dedup mirror warm start failed", "error", err)
		} else {
			for _, fp := range fingerprints {
				dedupStore.MarkProcessed(fp)
			}
		}
	}
	a.dedupStore = dedupStore

	sender := webhook.NewSender(a.config.Webhook, a.logger)
	store := persistence.NewStore(a.config.Persistence.FilePath)
	reconnector := reconnect.NewController(a.config.Reconnection, brokerClient, a.logger)
	proc := processor.New(dedupStore, sender, a.logger)

	var auditor engine.Auditor
	if a.auditDB != nil {
		a.auditTrail = audit.NewTrail(a.auditDB, a.config.Audit, a.logger)
		auditor = a.auditTrail
	}

	eng := engine.New(brokerClient, proc, store, sender, reconnector, auditor, a.logger)

	if err := eng.Initialize(ctx); err != nil {
		return err
	}

	a.engine = eng
	return nil
}

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.Management.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.config.Management.RateLimit.RPS,
			Burst:           a.config.Management.RateLimit.Burst,
			CleanupInterval: time.Duration(a.config.Management.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.config.Management.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.logger.InfowCtx(context.Background(), "rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	store := persistence.NewStore(a.config.Persistence.FilePath)
	sender := webhook.NewSender(a.config.Webhook, a.logger)

	var querier api.AuditQuerier
	if a.auditTrail != nil {
		querier = a.auditTrail
	}

	handler := api.NewHandler(a.engine, store, sender, querier, a.logger)
	handler.RegisterRoutes(router)

	metrics.RegisterConsumerMetrics()
	metrics.RegisterCircuitBreakerMetrics()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewFuncChecker("engine", func(ctx context.Context) error {
		if a.engine == nil {
			return fmt.Errorf("engine not initialized")
		}
		return nil
	}))
	if a.auditDB != nil {
		healthRegistry.Register(health.NewPostgreSQLChecker(a.auditDB))
	}

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
	return nil
}

func (a *App) initServer() {
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.config.Server.WriteTimeoutSeconds,
	}
}

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// The server goroutine and the cancellation watcher run under one
// errgroup so either failing tears the other down.
func (a *App) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		a.logger.InfowCtx(ctx, "server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		return a.Shutdown(ctx)
	})

	return group.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "shutting down consumer service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.engine != nil {
		if err := a.engine.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("engine shutdown error: %w", err))
		}
	}

	if a.dedupStore != nil {
		a.dedupStore.Shutdown()
	}

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.auditTrail != nil {
		a.auditTrail.Shutdown(shutdownCtx)
	}

	errs = append(errs, a.dbConnector.ShutdownDatabases(shutdownCtx, a.auditDB)...)

	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dedup mirror close error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "consumer service exited successfully")
	return nil
}

