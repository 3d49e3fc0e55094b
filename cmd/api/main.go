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
	"golang.org/x/sync/errgroup"

	httptransport "github.com/spec-kit/security-gateway/internal/api/http"
	"github.com/spec-kit/security-gateway/internal/api/http/handlers"
	"github.com/spec-kit/security-gateway/internal/audit"
	"github.com/spec-kit/security-gateway/internal/auth"
	"github.com/spec-kit/security-gateway/internal/config"
	"github.com/spec-kit/security-gateway/internal/observability"
	"github.com/spec-kit/security-gateway/internal/persistence"
	"github.com/spec-kit/security-gateway/internal/ratelimit"
	"github.com/spec-kit/security-gateway/internal/rbac"
	"github.com/spec-kit/security-gateway/internal/repository"
	"github.com/spec-kit/security-gateway/internal/service"
)

const shutdownTimeout = 10 * time.Second

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer pg.Close()

	if pg.Enabled() && cfg.Postgres.RunMigrations {
		if _, err := persistence.RunMigrations(ctx, pg, os.DirFS(persistence.DefaultMigrationsDir), logger); err != nil {
			return err
		}
	}

	var redis *persistence.Redis
	if cfg.Auth.RefreshStore == "redis" || cfg.RateLimit.Backend == "redis" {
		redis, err = persistence.NewRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer redis.Close()
	}

	metrics := observability.NewMetrics()

	var sink audit.Sink = audit.NewZapSink(logger.Named("audit"))
	if cfg.Audit.Postgres && pg.Enabled() {
		sink = audit.MultiSink{sink, repository.NewAuditRepository(pg.PoolHandle())}
	}
	dispatcher := audit.NewDispatcher(sink, cfg.Audit.BufferSize, logger)
	defer dispatcher.Close()

	var principals repository.PrincipalStore
	if pg.Enabled() {
		principals = repository.NewPrincipalRepository(pg.PoolHandle())
	} else {
		logger.Warn("no postgres configured; principals are held in memory")
		principals = repository.NewMemoryPrincipalStore()
	}

	refresh, clearOnDestroy, err := refreshStore(cfg.Auth.RefreshStore, pg, redis)
	if err != nil {
		return err
	}

	var backend ratelimit.StorageBackend = ratelimit.NewMemoryBackend()
	if cfg.RateLimit.Backend == "redis" {
		backend = ratelimit.NewRedisBackend(redis.Client, redis.Namespace("ratelimit"))
	}
	limiter := ratelimit.NewLimiter(backend, logger)
	defer limiter.Close() //nolint:errcheck
	for _, policy := range ratelimit.PoliciesFromConfig(cfg.RateLimit) {
		if err := limiter.Configure(policy); err != nil {
			return err
		}
	}

	resolver, err := rbac.NewResolver(nil, rbac.ResolverOptions{AdminRole: cfg.Auth.AdminRole}, logger)
	if err != nil {
		return err
	}

	tokens, err := service.NewTokenService(cfg.Auth, service.TokenDependencies{
		Principals:            principals,
		Refresh:               refresh,
		Audit:                 dispatcher,
		Metrics:               metrics,
		Logger:                logger,
		ClearRefreshOnDestroy: clearOnDestroy,
	})
	if err != nil {
		return err
	}
	if err := tokens.Initialize(); err != nil {
		return err
	}
	defer tokens.Destroy()

	if cfg.Auth.BootstrapAdmin != "" {
		if _, err := tokens.EnsureAdmin(ctx, service.RegisterInput{
			Username: cfg.Auth.BootstrapAdmin,
			Email:    cfg.Auth.BootstrapEmail,
			Password: cfg.Auth.BootstrapPassword,
		}, resolver.AdminRole()); err != nil {
			return err
		}
	}

	probes := []handlers.Probe{{Name: "rate_limiter", Check: limiter.Health}}
	if pg.Enabled() {
		probes = append(probes, handlers.Probe{Name: "postgres", Check: pg.Ping})
	}
	if redis != nil {
		probes = append(probes, handlers.Probe{Name: "redis", Check: redis.Ping})
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		BodyLimit:             cfg.App.BodyLimitBytes,
		DisableStartupMessage: true,
	})
	hardened := cfg.Auth.IsHardened()
	httptransport.RegisterMiddlewares(app, logger, metrics, httptransport.MiddlewareOptions{
		Timeout:  cfg.App.RequestTimeout(),
		Hardened: hardened,
	})

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, logger, probes...),
		Auth:           handlers.NewAuthHandler(tokens, resolver, !cfg.Auth.DisableRegistration),
		Admin:          handlers.NewAdminHandler(tokens, resolver, limiter, dispatcher, logger),
		Upload:         handlers.NewUploadHandler(),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		Guard:          auth.NewGuard(resolver, dispatcher),
		Metrics:        metrics,
		Security: httptransport.SecurityConfig{
			Limiter:  limiter,
			Audit:    dispatcher,
			Metrics:  metrics,
			Logger:   logger,
			Hardened: hardened,
			CSRF:     cfg.CSRF,
		},
		UploadLimits: cfg.Upload,
		Audit:        dispatcher,
		Logger:       logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.App.Addr()), zap.String("security_mode", cfg.Auth.SecurityMode))
		return app.Listen(cfg.App.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})
	return g.Wait()
}

func refreshStore(kind string, pg *persistence.Postgres, redis *persistence.Redis) (repository.RefreshStore, bool, error) {
	switch kind {
	case "postgres":
		if !pg.Enabled() {
			return nil, false, errors.New("AUTH_REFRESH_STORE=postgres requires POSTGRES_DSN")
		}
		return repository.NewRefreshRepository(pg.PoolHandle()), false, nil
	case "redis":
		return repository.NewRedisRefreshStore(redis.Client, redis.Namespace("refresh")), false, nil
	default:
		return repository.NewMemoryRefreshStore(), true, nil
	}
}
