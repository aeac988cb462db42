package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/kursadbilgin/batch-dispatch/internal/audit"
	"github.com/kursadbilgin/batch-dispatch/internal/config"
	"github.com/kursadbilgin/batch-dispatch/internal/directory"
	"github.com/kursadbilgin/batch-dispatch/internal/handler"
	"github.com/kursadbilgin/batch-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/batch-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/batch-dispatch/internal/observability"
	"github.com/kursadbilgin/batch-dispatch/internal/queue"
	"github.com/kursadbilgin/batch-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/batch-dispatch/internal/registry"
	"github.com/kursadbilgin/batch-dispatch/internal/repository"
	"github.com/kursadbilgin/batch-dispatch/internal/service"
	"github.com/kursadbilgin/batch-dispatch/internal/transport"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout       = 30 * time.Second
	httpShutdownTimeout   = 10 * time.Second
	auditConsumerPrefetch = 16
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the batch orchestrator and the background loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(cmd, opts)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger, !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply database migrations on start")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	if migrate {
		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	metrics := observability.NewMetrics()

	batches := repository.NewGormBatchRepo(db)
	units := repository.NewGormWorkUnitRepo(db)
	artifacts := repository.NewGormArtifactRepo(db)
	audits := repository.NewGormAuditRepo(db)

	readiness := []handler.ReadinessCheck{handler.PostgresCheck(sqlDB), handler.RedisCheck(rdb)}

	var (
		publisher queue.Publisher
		consumer  queue.Consumer
	)
	if cfg.RabbitMQURL != "" {
		broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return err
		}
		defer broker.Close()

		publisher = queue.NewRabbitMQPublisher(broker)
		consumer = queue.NewRabbitMQConsumer(broker, auditConsumerPrefetch, logger)
		readiness = append(readiness, handler.ReadinessCheck{Name: "rabbitmq", Ping: broker.Ping})
	} else {
		logger.Info("RABBITMQ_URL not set, audit events are written directly to postgres")
	}

	sink, err := audit.NewSink(publisher, audits, 0, logger)
	if err != nil {
		return err
	}
	sink.SetMetrics(metrics)

	var dir service.Directory = repository.NewGormTargetRepo(db)
	if cfg.DirectoryURL != "" {
		httpDir, err := directory.NewHTTPDirectory(cfg.DirectoryURL)
		if err != nil {
			return err
		}
		dir = httpDir
	}

	limiter, err := newRateLimiter(cfg, rdb)
	if err != nil {
		return err
	}

	lease, err := infraredis.NewBatchLease(rdb, instanceID(), cfg.LeaseTTL())
	if err != nil {
		return err
	}

	reg := registry.New()
	cooldowns := service.NewCooldownTracker(cfg.OwnerCooldown())
	defer cooldowns.Stop()

	guard, err := service.NewAdmissionGuard(batches, dir, reg, cooldowns, service.AdmissionLimits{
		MaxTargets:       cfg.MaxBatchTargets,
		MaxActiveBatches: cfg.OwnerMaxActiveBatches,
	}, logger)
	if err != nil {
		return err
	}

	fulfiller, err := service.NewDeliveryFulfiller(units, artifacts, reg, cfg.FulfillmentPoll(), logger)
	if err != nil {
		return err
	}

	supervisor, err := service.NewItemSupervisor(batches, units, fulfiller, reg, sink, cfg.ItemTimeout(), logger)
	if err != nil {
		return err
	}
	supervisor.SetMetrics(metrics)

	orchestrator, err := service.NewOrchestrator(batches, supervisor, lease, sink, service.OrchestratorConfig{
		MaxConcurrentBatches: cfg.MaxConcurrentBatches,
		ItemParallelism:      cfg.ItemParallelism,
		LeaseHeartbeat:       cfg.LeaseTTL() / 3,
	}, logger)
	if err != nil {
		return err
	}
	orchestrator.SetMetrics(metrics)

	batchService, err := service.NewBatchService(service.BatchServiceDeps{
		Guard:     guard,
		Batches:   batches,
		Units:     units,
		Artifacts: artifacts,
		Audits:    audits,
		Scheduler: orchestrator,
		Registry:  reg,
		Audit:     sink,
	}, logger)
	if err != nil {
		return err
	}
	batchService.SetMetrics(metrics)

	retryLoop, err := service.NewRetryLoop(units, reg, sink, service.RetryLoopConfig{
		Interval:    cfg.RetryScanInterval(),
		Grace:       cfg.RetryGrace(),
		MaxAttempts: cfg.MaxDeliveryAttempts,
	}, logger)
	if err != nil {
		return err
	}
	retryLoop.SetMetrics(metrics)

	sweeper, err := service.NewRetentionSweeper(batches, units, artifacts, service.RetentionConfig{
		Interval:  cfg.RetentionInterval(),
		Retention: cfg.BatchRetention(),
	}, logger)
	if err != nil {
		return err
	}
	sweeper.SetMetrics(metrics)

	reconciler, err := service.NewReconciler(batches, orchestrator, orchestrator, lease, sink, service.ReconcilerConfig{
		Interval:   cfg.ReconcileInterval(),
		StaleAfter: 2 * cfg.ItemTimeout(),
	}, logger)
	if err != nil {
		return err
	}
	reconciler.SetMetrics(metrics)

	agents, err := handler.NewAgentHandler(batchService, reg, logger)
	if err != nil {
		return err
	}
	agents.SetMetrics(metrics)

	app, err := newHTTPApp(httpDeps{
		logger:       logger,
		metrics:      metrics,
		limiter:      limiter,
		readiness:    readiness,
		agents:       agents,
		batches:      batchService,
		orchestrator: orchestrator,
	})
	if err != nil {
		return err
	}

	// The sink outlives the other components so terminal events emitted
	// during shutdown still get flushed.
	sinkCtx, stopSink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSink()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sink.Run(sinkCtx) })
	g.Go(func() error { return retryLoop.Start(gctx) })
	g.Go(func() error { return sweeper.Start(gctx) })
	g.Go(func() error { return reconciler.Start(gctx) })

	if consumer != nil {
		recorder, err := audit.NewRecorder(audits, logger)
		if err != nil {
			return err
		}
		recorder.SetMetrics(metrics)
		g.Go(func() error { return recorder.Run(gctx, consumer) })
	}

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("batch-dispatch api started", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		if err := app.ShutdownWithTimeout(httpShutdownTimeout); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := orchestrator.Stop(stopCtx); err != nil {
			logger.Warn("orchestrator did not stop cleanly", zap.Error(err))
		}

		stopSink()
		return nil
	})

	return g.Wait()
}

type httpDeps struct {
	logger       *zap.Logger
	metrics      *observability.Metrics
	limiter      ratelimit.RateLimiter
	readiness    []handler.ReadinessCheck
	agents       *handler.AgentHandler
	batches      handler.BatchService
	orchestrator handler.OrchestratorStatusProvider
}

func newHTTPApp(deps httpDeps) (*fiber.App, error) {
	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(deps.logger),
		DisableStartupMessage: true,
	})

	app.Use(
		recover.New(),
		requestid.New(),
		transport.Correlation(),
		deps.metrics.HTTPMiddleware(),
	)

	handler.RegisterHealthRoutes(app, deps.readiness...)
	app.Get("/metrics", adaptor.HTTPHandler(deps.metrics.Handler()))

	// Agent and operator routes are mounted before the owner group: the
	// group's middleware applies to every later /v1 route.
	deps.agents.Register(app)
	if err := handler.RegisterOrchestratorRoutes(app.Group("/v1"), deps.orchestrator); err != nil {
		return nil, err
	}

	owned := app.Group("/v1", transport.RequireOwner(), transport.RateLimit(deps.limiter, deps.logger))
	if err := handler.RegisterBatchRoutes(owned, deps.batches); err != nil {
		return nil, err
	}

	return app, nil
}

func newRateLimiter(cfg *config.Config, rdb *redis.Client) (ratelimit.RateLimiter, error) {
	if cfg.RateLimitBackend == config.RateLimitBackendRedis {
		return infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitCalls, cfg.RateLimitWindow())
	}
	return ratelimit.NewSlidingWindow(cfg.RateLimitCalls, cfg.RateLimitWindow()), nil
}

// instanceID names this process as a lease holder.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "batch-dispatch"
	}
	return host + "-" + uuid.NewString()[:8]
}
