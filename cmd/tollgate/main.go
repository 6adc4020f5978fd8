package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tollgate/pkg/api"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/providers/paypal"
	"github.com/platinummonkey/tollgate/pkg/providers/stripe"
	"github.com/platinummonkey/tollgate/pkg/ratelimit"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/storage/memory"
	"github.com/platinummonkey/tollgate/pkg/storage/postgres"
	"github.com/platinummonkey/tollgate/pkg/webhooks"
	"github.com/platinummonkey/tollgate/pkg/workspaces"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// governanceStore is satisfied by both the memory and postgres stores
type governanceStore interface {
	billing.Store
	workspaces.Store
	api.WorkspaceCreator
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithFields(map[string]interface{}{"service": "tollgate", "version": version})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	store, db, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	shutdown.RegisterShutdownFunc("storage", func(context.Context) error {
		if c, ok := store.(interface{ Close() error }); ok {
			return c.Close()
		}
		return nil
	})
	if pg, ok := store.(*postgres.Store); ok {
		pg.Connections().StartHealthCheckRoutine(ctx, 30*time.Second)
	}

	var redisClient *redis.Client
	if cfg.Storage.RedisEnabled() {
		redisClient, err = storage.NewRedisClient(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}

	health := observability.NewHealthChecker(db, redisClient).WithVersion(version)

	webhookOpts := []webhooks.Option{
		webhooks.WithLogger(logger),
		webhooks.WithMetrics(metrics),
		webhooks.WithReceiptLog(webhooks.NewReceiptLog(1000)),
	}
	if cfg.Storage.ArchiveEnabled() {
		s3, err := storage.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to create webhook archive: %w", err)
		}
		webhookOpts = append(webhookOpts, webhooks.WithArchive(webhooks.NewObjectArchive(s3)))
		health.AddCheck("s3", false, s3.HealthCheck)
		logger.WithField("bucket", s3.Bucket()).Info("archiving webhook payloads")
	}

	catalog := plans.NewCatalog()
	if cfg.Billing.PriceCatalog != "" {
		catalog, err = plans.LoadCatalog(cfg.Billing.PriceCatalog)
		if err != nil {
			return err
		}
	}
	webhookOpts = append(webhookOpts, providerAdapters(cfg.Billing, catalog, metrics, logger)...)

	controller := billing.NewController(store,
		billing.WithGracePeriod(cfg.Billing.GracePeriod),
		billing.WithNotifier(newNotifier(cfg.Billing, redisClient, logger)),
		billing.WithLogger(logger),
		billing.WithMetrics(metrics),
		billing.WithSweepConcurrency(cfg.Billing.SweepBatchSize, cfg.Billing.SweepWorkers),
	)
	guard := workspaces.NewGuard(store,
		workspaces.WithDowngrader(controller),
		workspaces.WithLogger(logger),
		workspaces.WithMetrics(metrics),
	)

	var limitStore ratelimit.Store
	switch cfg.RateLimit.Backend {
	case config.RateLimitBackendRedis:
		limitStore = ratelimit.NewRedisStore(redisClient, cfg.RateLimit.RedisPrefix)
	default:
		limitStore = ratelimit.NewMemoryStore(cfg.RateLimit.MaxKeys)
	}
	limiter := ratelimit.NewLimiter(limitStore, ratelimit.WithMetrics(metrics))
	limiter.StartCompaction(ctx, cfg.RateLimit.CompactInterval, cfg.RateLimit.Idle, logger)

	if cfg.Billing.SweepInProcess {
		sweeper, err := billing.NewSweeper(controller, cfg.Billing.SweepSchedule, logger)
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		shutdown.RegisterShutdownFunc("sweeper", func(ctx context.Context) error {
			select {
			case <-sweeper.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	webhookService := webhooks.NewService(controller, webhookOpts...)

	observability.RouteTemplate = api.RouteTemplate
	server := api.NewServer(api.Dependencies{
		Workspaces: store,
		Controller: controller,
		Guard:      guard,
		Webhooks:   webhookService,
		Limiter:    limiter,
		GenerationPolicy: middleware.RateLimitPolicy{
			Operation: api.OperationGenerate,
			Window:    cfg.RateLimit.Window,
			Max:       cfg.RateLimit.Max,
		},
		Metrics: metrics,
		Logger:  logger,
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(server, "tollgate"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	admin := mux.NewRouter()
	webhooks.NewHandlers(webhookService).RegisterAdminRoutes(admin)

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, health)
	healthMux.Handle("/admin/", admin)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown.AddServer(httpServer)
	shutdown.AddServer(healthServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("starting tollgate API server")
		return listen(httpServer)
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("starting health server")
		return listen(healthServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return shutdown.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("tollgate stopped")
	return nil
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server on %s failed: %w", srv.Addr, err)
	}
	return nil
}

// openStore returns the configured store and, for postgres, its primary
// handle for health checks
func openStore(ctx context.Context, cfg storage.Config, logger *observability.Logger) (governanceStore, *sql.DB, error) {
	switch cfg.Type {
	case storage.TypePostgres:
		store, err := postgres.New(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using postgres storage")
		return store, store.DB(), nil
	default:
		logger.Warn("using in-memory storage; state is lost on restart")
		return memory.New(), nil, nil
	}
}

func providerAdapters(cfg config.BillingConfig, catalog *plans.Catalog, metrics *observability.Metrics, logger *observability.Logger) []webhooks.Option {
	var opts []webhooks.Option
	if cfg.StripeEnabled() {
		clientOpts := []stripe.ClientOption{
			stripe.WithTimeout(cfg.ProviderTimeout),
			stripe.WithClientMetrics(metrics),
		}
		if cfg.StripeBaseURL != "" {
			clientOpts = append(clientOpts, stripe.WithBaseURL(cfg.StripeBaseURL))
		}
		client := stripe.NewClient(cfg.StripeSecretKey, clientOpts...)
		opts = append(opts, webhooks.WithAdapter(stripe.NewAdapter(cfg.StripeWebhookSecret, client, catalog)))
		logger.Info("stripe webhooks enabled")
	}
	if cfg.PayPalEnabled() {
		client := paypal.NewClient(paypal.Config{
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			BaseURL:      cfg.PayPalBaseURL,
			Timeout:      cfg.ProviderTimeout,
		}, metrics)
		opts = append(opts, webhooks.WithAdapter(paypal.NewAdapter(cfg.PayPalWebhookID, client, catalog)))
		logger.WithField("base_url", cfg.PayPalBaseURL).Info("paypal webhooks enabled")
	}
	return opts
}

func newNotifier(cfg config.BillingConfig, client *redis.Client, logger *observability.Logger) billing.Notifier {
	notifiers := billing.MultiNotifier{billing.NewLogNotifier(logger)}
	if cfg.NotifyChannel != "" && client != nil {
		notifiers = append(notifiers, billing.NewRedisNotifier(client, cfg.NotifyChannel))
	}
	return notifiers
}
