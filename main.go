// Package main is the entry point of the multi-tenant WhatsApp campaign dispatcher
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/handlers"
	"github.com/amirphl/wa-campaign-dispatcher/app/middleware"
	"github.com/amirphl/wa-campaign-dispatcher/app/router"
	"github.com/amirphl/wa-campaign-dispatcher/app/scheduler"
	"github.com/amirphl/wa-campaign-dispatcher/app/services"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/amirphl/wa-campaign-dispatcher/config"
	"github.com/amirphl/wa-campaign-dispatcher/models"
	"github.com/amirphl/wa-campaign-dispatcher/queue"
	"github.com/amirphl/wa-campaign-dispatcher/repository"
	"github.com/amirphl/wa-campaign-dispatcher/tenancy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := services.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting dispatcher",
		zap.String("environment", cfg.Deployment.Environment),
		zap.String("version", cfg.Deployment.Version),
		zap.String("commit", cfg.Deployment.CommitHash),
	)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("dispatcher stopped with error", zap.Error(err))
	}
	logger.Info("dispatcher stopped")
}

func run(ctx context.Context, cfg *config.ProductionConfig, logger *zap.Logger) error {
	registry, err := initializeRegistry(ctx, cfg.Database, cfg.Partitions, logger)
	if err != nil {
		return err
	}

	rc, err := initializeCache(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	if rc != nil {
		defer func() { _ = rc.Close() }()
	}

	q, err := initializeQueue(cfg.Queue, rc)
	if err != nil {
		return err
	}

	publisher, err := initializePublisher(cfg.AMQP, logger)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	provider := services.NewEvolutionClient(cfg.Provider, logger)
	tokenService, err := services.NewTokenService(cfg.JWT)
	if err != nil {
		return fmt.Errorf("failed to initialize token service: %w", err)
	}

	// Repositories: control-backed ones take the control DB, the rest resolve their
	// partition from the request's tenant scope
	control := registry.Control()
	settingsRepo := repository.NewCampaignSettingsRepository(control)
	senderRepo := repository.NewSenderRepository()
	usageRepo := repository.NewSenderUsageRepository()
	campaignRepo := repository.NewCampaignRepository()
	targetRepo := repository.NewTargetRepository()
	templateRepo := repository.NewTemplateRepository()
	audienceRepo := repository.NewAudienceRepository()
	phoneHistoryRepo := repository.NewPhoneHistoryRepository()
	conversationRepo := repository.NewConversationRepository()
	webhookRepo := repository.NewWebhookEventRepository()

	// Flows
	pool := businessflow.NewSenderPool(senderRepo, usageRepo, nil, nil, logger)
	campaignFlow := businessflow.NewCampaignFlow(
		registry, campaignRepo, targetRepo, templateRepo, audienceRepo, senderRepo, settingsRepo,
		q, publisher, cfg.Dispatcher, nil, nil, logger,
	)
	dispatchFlow := businessflow.NewDispatchFlow(
		registry, campaignRepo, targetRepo, templateRepo, phoneHistoryRepo, settingsRepo,
		pool, provider, q, publisher, nil, nil, logger,
	)
	senderFlow := businessflow.NewSenderFlow(
		registry, senderRepo, usageRepo, phoneHistoryRepo, provider,
		cfg.Provider, cfg.Server, cfg.Webhook, nil, logger,
	)
	inboundFlow := businessflow.NewInboundFlow(
		registry, senderRepo, conversationRepo, targetRepo, webhookRepo, provider, publisher, nil, logger,
	)
	settingsFlow := businessflow.NewSettingsFlow(settingsRepo, logger)
	templateFlow := businessflow.NewTemplateFlow(registry, templateRepo, logger)

	// Background workers
	runner := scheduler.NewRunner(q, cfg.Dispatcher, nil, logger)
	scheduler.Register(runner, campaignFlow, dispatchFlow)
	campaignScheduler := scheduler.NewCampaignScheduler(campaignFlow, cfg.Dispatcher.TickInterval, logger).
		WithTenantSync(scheduler.NewTenantSync(repository.NewTenantRepository(control), registry, logger))

	// HTTP
	checks := map[string]handlers.HealthCheck{
		"control_db": func(ctx context.Context) error { return pingDB(ctx, control) },
	}
	if rc != nil {
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	}
	r := router.NewFiberRouter(cfg, router.Handlers{
		Campaign:     handlers.NewCampaignHandler(campaignFlow, logger),
		Sender:       handlers.NewSenderHandler(senderFlow, logger),
		Conversation: handlers.NewConversationHandler(inboundFlow, logger),
		Settings:     handlers.NewSettingsHandler(settingsFlow, logger),
		Template:     handlers.NewTemplateHandler(templateFlow, logger),
		Webhook:      handlers.NewWebhookHandler(inboundFlow, cfg.Webhook.SecretHeader, logger),
		Health:       handlers.NewHealthHandler("wa-campaign-dispatcher", checks),
	}, middleware.NewAuthMiddleware(tokenService), logger)
	r.SetupRoutes()

	g, gctx := errgroup.WithContext(ctx)

	stopRunner := runner.Start(gctx)
	stopScheduler := campaignScheduler.Start(gctx)
	stopMonitor := func() {}
	if rc != nil {
		stopMonitor = startCacheHealthMonitor(gctx, rc, cfg.Cache.HealthInterval, logger)
	}

	g.Go(func() error {
		address := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
		if err := r.Start(address); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", zap.String("address", metricsServer.Addr), zap.String("path", cfg.Metrics.Path))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		// stop producing work first, then drain running tasks
		stopScheduler()
		stopRunner()
		stopMonitor()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := r.GetApp().ShutdownWithContext(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics shutdown failed", zap.Error(err))
			}
		}
		return nil
	})

	return g.Wait()
}

// initializeRegistry opens the control store and every declared partition, then binds
// the active tenants
func initializeRegistry(ctx context.Context, cfg config.DatabaseConfig, partitions []config.PartitionConfig, logger *zap.Logger) (*tenancy.Registry, error) {
	control, err := initializeDatabase(cfg.ControlDSN, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("control partition: %w", err)
	}
	if cfg.AutoMigrate {
		if err := control.AutoMigrate(models.ControlModels()...); err != nil {
			return nil, fmt.Errorf("failed to migrate control partition: %w", err)
		}
	}

	registry := tenancy.NewRegistry(control, logger)
	for _, p := range partitions {
		db, err := initializeDatabase(p.DSN, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", p.Name, err)
		}
		if cfg.AutoMigrate {
			if err := db.AutoMigrate(models.PartitionModels()...); err != nil {
				return nil, fmt.Errorf("failed to migrate partition %s: %w", p.Name, err)
			}
		}
		if err := registry.AddPartition(p.Name, db); err != nil {
			return nil, err
		}
	}

	if err := registry.Load(ctx); err != nil {
		return nil, err
	}
	return registry, nil
}

// initializeDatabase opens a postgres connection with connection pooling
func initializeDatabase(dsn string, cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	dbLogger := gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
		SlowThreshold:             cfg.SlowQueryTime,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         dbLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// initializeCache connects to Redis when a URL is configured
func initializeCache(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rc := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", opt.Addr), zap.Int("db", opt.DB))
	return rc, nil
}

// startCacheHealthMonitor periodically pings Redis to surface connectivity issues.
// The returned function stops the monitor.
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration, logger *zap.Logger) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(monitorCtx, 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					logger.Warn("redis healthcheck failed", zap.Error(err))
				}
				c()
			}
		}
	}()
	return cancel
}

func initializeQueue(cfg config.QueueConfig, rc *redis.Client) (queue.Queue, error) {
	switch cfg.Backend {
	case "memory":
		return queue.NewMemoryQueue(cfg.Visibility), nil
	case "redis", "":
		if rc == nil {
			return nil, errors.New("redis queue backend needs REDIS_URL")
		}
		return queue.NewRedisQueue(rc, cfg.Prefix, cfg.Visibility), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

// initializePublisher returns the AMQP outcome publisher, or a no-op one when no
// broker is configured
func initializePublisher(cfg config.AMQPConfig, logger *zap.Logger) (services.EventPublisher, error) {
	if !cfg.Enabled() {
		logger.Info("outcome events disabled, AMQP_URL not set")
		return services.NoopPublisher{}, nil
	}
	p, err := services.NewAMQPPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}
