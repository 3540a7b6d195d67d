package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/outbox-relay/api"
	"github.com/angelmondragon/outbox-relay/api/controllers"
	"github.com/angelmondragon/outbox-relay/api/routes"
	"github.com/angelmondragon/outbox-relay/internal/cron"
	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/db"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/metrics"
	"github.com/angelmondragon/outbox-relay/pkg/migrate"
	"github.com/angelmondragon/outbox-relay/pkg/outbox"
	"github.com/angelmondragon/outbox-relay/pkg/redis"
)

const serviceName = "housekeeper"

func main() {
	once := flag.Bool("once", false, "run every job once and exit")
	only := flag.String("job", "", "run only the named job once and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	checks := []controllers.HealthCheck{{Name: "database", Pinger: dbClient}}
	var lock cron.Lock = cron.NoopLock{}
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		redisLock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(serviceName+":"+lockEnv(cfg.App.Env)), cfg.Retention.LockTTL)
		if err != nil {
			logg.Error(context.Background(), "failed to create housekeeping lock", err)
			os.Exit(1)
		}
		lock = redisLock
		checks = append(checks, controllers.HealthCheck{Name: "redis", Pinger: redisClient})
	} else {
		logg.Warn(context.Background(), "redis not configured; assuming a single housekeeper instance")
	}

	reg := prometheus.NewRegistry()
	registry, err := buildRegistry(cfg, logg, dbClient, metrics.NewRelayMetrics(reg))
	if err != nil {
		logg.Error(context.Background(), "failed to register housekeeping jobs", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewJobMetrics(reg),
		Interval: cfg.Retention.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create housekeeping service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	if *only != "" {
		if err := service.RunJob(ctx, *only); err != nil {
			logg.Error(ctx, "housekeeping job failed", err)
			os.Exit(1)
		}
		return
	}
	if *once {
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "housekeeping run failed", err)
			os.Exit(1)
		}
		return
	}

	logg.Info(ctx, "starting housekeeper")
	server := api.NewServer(cfg.App.OpsPort, routes.NewRouter(cfg, logg, routes.Dependencies{
		Checks:   checks,
		Gatherer: reg,
	}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return service.Run(gctx) })
	g.Go(func() error { return api.Serve(gctx, server, logg) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "housekeeper stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "housekeeper shutting down gracefully")
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, relayMetrics *metrics.RelayMetrics) (*cron.Registry, error) {
	store := outbox.NewStore(dbClient.DB())

	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:    logg,
		Store:     store,
		Retention: cfg.Retention.PublishedDays,
	})
	if err != nil {
		return nil, err
	}
	deadLetters, err := cron.NewDeadLetterRetentionJob(cron.DeadLetterRetentionJobParams{
		Logger:    logg,
		Store:     outbox.NewDeadLetterStore(dbClient.DB()),
		Retention: cfg.Retention.DeadLetterDays,
	})
	if err != nil {
		return nil, err
	}
	backlog, err := cron.NewBacklogJob(cron.BacklogJobParams{
		Logger:   logg,
		Store:    store,
		Metrics:  relayMetrics,
		AlertAge: cfg.Retention.BacklogAlertAge,
	})
	if err != nil {
		return nil, err
	}
	return cron.NewRegistry(retention, deadLetters, backlog)
}

func lockEnv(env string) string {
	if env == "" {
		return "local"
	}
	return env
}
