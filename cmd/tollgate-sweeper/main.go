package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/storage/postgres"
)

var (
	schedule        = flag.String("schedule", "", "Cron schedule for the downgrade sweep (default: TOLLGATE_SWEEP_SCHEDULE)")
	replicaSchedule = flag.String("replica-schedule", "@every 1m", "Cron schedule for dropping unhealthy read replicas")
	runOnce         = flag.Bool("run-once", false, "Run one downgrade sweep and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "tollgate-sweeper")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("sweeper failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	if cfg.Storage.Type != storage.TypePostgres {
		return fmt.Errorf("the sweeper needs shared storage, got TOLLGATE_STORAGE_TYPE=%s", cfg.Storage.Type)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	notifiers := billing.MultiNotifier{billing.NewLogNotifier(logger)}
	if cfg.Storage.RedisEnabled() && cfg.Billing.NotifyChannel != "" {
		var client *redis.Client
		client, err = storage.NewRedisClient(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		notifiers = append(notifiers, billing.NewRedisNotifier(client, cfg.Billing.NotifyChannel))
	}

	controller := billing.NewController(store,
		billing.WithGracePeriod(cfg.Billing.GracePeriod),
		billing.WithNotifier(notifiers),
		billing.WithLogger(logger),
		billing.WithSweepConcurrency(cfg.Billing.SweepBatchSize, cfg.Billing.SweepWorkers),
	)

	sched := *schedule
	if sched == "" {
		sched = cfg.Billing.SweepSchedule
	}
	sweeper, err := billing.NewSweeper(controller, sched, logger)
	if err != nil {
		return err
	}

	if *runOnce {
		n, err := sweeper.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed after %d downgrades: %w", n, err)
		}
		logger.WithField("downgraded", n).Info("sweep completed")
		return nil
	}

	err = sweeper.AddJob(*replicaSchedule, "replica health", func(ctx context.Context) error {
		if removed := store.Connections().RemoveUnhealthyReplicas(ctx); removed > 0 {
			logger.WithField("removed", removed).Warn("dropped unhealthy read replicas")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down gracefully")

	select {
	case <-sweeper.Stop().Done():
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("sweep still running at shutdown timeout")
	}
	logger.Info("sweeper stopped")
	return nil
}
