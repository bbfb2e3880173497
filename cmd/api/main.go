package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportdesk/case-service/internal/ai"
	httptransport "github.com/supportdesk/case-service/internal/api/http"
	"github.com/supportdesk/case-service/internal/api/http/handlers"
	"github.com/supportdesk/case-service/internal/auth"
	"github.com/supportdesk/case-service/internal/caselock"
	"github.com/supportdesk/case-service/internal/config"
	"github.com/supportdesk/case-service/internal/events"
	"github.com/supportdesk/case-service/internal/knowledge"
	"github.com/supportdesk/case-service/internal/mailer"
	"github.com/supportdesk/case-service/internal/observability"
	"github.com/supportdesk/case-service/internal/persistence"
	"github.com/supportdesk/case-service/internal/repository"
	"github.com/supportdesk/case-service/internal/service"
	"github.com/supportdesk/case-service/internal/worker"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	var store repository.Store = repository.NewMemoryStore()
	if pg.Enabled() {
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		store = repository.NewPostgresStore(pg.PoolHandle())
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	hub := events.NewHub(events.DefaultSubscriptionBuffer, logger)
	var locker caselock.Locker = caselock.NewLocalLocker()
	if redis.Enabled() {
		locker = caselock.NewRedisLocker(redis.Client, cfg.Lifecycle.LockTTL(), logger)
		relay := events.NewRedisRelay(redis.Client, cfg.Redis.Channel, hub, logger)
		_, relayDone := relay.Run(ctx)
		go func() {
			if err := <-relayDone; err != nil {
				logger.Error("snapshot relay stopped", zap.Error(err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher(logger)
	worker.StartNotificationWorker(service.NewNotificationService(dispatcher, logger, metrics))

	analyzer := newAnalyzer(ctx, cfg.AI, logger)
	if closer, ok := analyzer.(interface{ Close() error }); ok {
		defer closer.Close() //nolint:errcheck
	}
	replyMailer := newMailer(ctx, cfg.Mail, logger)
	publisher := newPublisher(cfg.Knowledge, logger)
	if closer, ok := publisher.(interface{ Close() error }); ok {
		defer closer.Close() //nolint:errcheck
	}

	caseService := service.NewCaseService(service.CaseDependencies{
		Store:      store,
		Locker:     locker,
		Hub:        hub,
		Dispatcher: dispatcher,
		Analyzer:   analyzer,
		Mailer:     replyMailer,
		Publisher:  publisher,
		Guardrails: service.Guardrails{
			InternalDomain: cfg.Guardrails.InternalDomain,
			ForbiddenWords: cfg.Guardrails.ForbiddenWords,
		},
		Logger:              logger,
		AnalysisTimeout:     cfg.AI.AnalysisTimeout(),
		NextContactFallback: cfg.Lifecycle.NextContactFallback(),
		DefaultOperator:     cfg.Auth.DefaultOperatorName,
	})

	analysisPool := worker.NewAnalysisPool(caseService, cfg.Lifecycle.AnalysisWorkers, cfg.Lifecycle.AnalysisQueueSize, logger)
	caseService.SetScheduler(analysisPool)
	analysisPool.Start(ctx)

	operators := store.Repos().Operators
	authService := service.NewAuthService(cfg.Auth, operators, logger)
	if err := authService.EnsureBootstrapAdmin(ctx, cfg.Auth.BootstrapAdminEmail, cfg.Auth.BootstrapAdminPass); err != nil {
		logger.Fatal("failed to create bootstrap admin", zap.Error(err))
	}
	authMiddleware := auth.NewAuthMiddleware(authService.TokenManager(), operators, cfg.Auth.Required)

	app := fiber.New(fiber.Config{AppName: cfg.App.Name, DisableStartupMessage: true})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis, metrics),
		Cases:          handlers.NewCasesHandler(caseService, logger),
		Webhooks:       handlers.NewWebhooksHandler(caseService, cfg.Mail.InboundSecret),
		Operators:      handlers.NewOperatorsHandler(authService),
		AuthMiddleware: authMiddleware,
	})

	go func() {
		logger.Info("listening", zap.String("addr", cfg.App.Addr()))
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	analysisPool.Stop()
	cancel()
}

func newAnalyzer(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) service.Analyzer {
	engine, err := ai.NewGemini(ctx, cfg, logger)
	switch {
	case errors.Is(err, ai.ErrDisabled):
		logger.Warn("GEMINI_API_KEY not set; analysis and chat are disabled")
		return ai.Disabled{}
	case err != nil:
		logger.Fatal("failed to init ai engine", zap.Error(err))
	}
	return engine
}

func newMailer(ctx context.Context, cfg config.MailConfig, logger *zap.Logger) service.Mailer {
	gmail, err := mailer.NewGmail(ctx, cfg, logger)
	switch {
	case errors.Is(err, mailer.ErrNotConfigured):
		logger.Warn("gmail not configured; approved replies are logged only")
		return mailer.LogMailer{Logger: logger}
	case err != nil:
		logger.Fatal("failed to init gmail", zap.Error(err))
	}
	return gmail
}

func newPublisher(cfg config.KnowledgeConfig, logger *zap.Logger) service.KnowledgePublisher {
	publisher, err := knowledge.NewKafkaPublisher(cfg, logger)
	if errors.Is(err, knowledge.ErrDisabled) {
		logger.Info("knowledge publishing disabled")
		return knowledge.Disabled{}
	}
	return publisher
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
