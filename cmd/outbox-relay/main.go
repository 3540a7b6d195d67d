package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/outbox-relay/api"
	"github.com/angelmondragon/outbox-relay/api/controllers"
	"github.com/angelmondragon/outbox-relay/api/routes"
	"github.com/angelmondragon/outbox-relay/internal/cron"
	"github.com/angelmondragon/outbox-relay/internal/relay"
	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/db"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/metrics"
	"github.com/angelmondragon/outbox-relay/pkg/migrate"
	"github.com/angelmondragon/outbox-relay/pkg/outbox"
	"github.com/angelmondragon/outbox-relay/pkg/outbox/registry"
	"github.com/angelmondragon/outbox-relay/pkg/redis"
)

const serviceName = "outbox-relay"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":       cfg.App.Env,
		"transport": cfg.Outbox.Transport,
	})

	if err := run(ctx, cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox relay stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "outbox relay shut down")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
	var closers closerStack
	defer func() {
		err = multierr.Append(err, closers.Close())
	}()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	closers.push(dbClient.Close)

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	topics, err := registry.NewTopicRegistry(defaultTopic(cfg), cfg.Outbox.TopicRoutes)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	relayMetrics := metrics.NewRelayMetrics(reg)

	bundle, err := buildTransport(ctx, cfg, logg, topics.Topics())
	if err != nil {
		return err
	}
	closers.push(bundle.close)

	checks := []controllers.HealthCheck{{Name: "database", Pinger: dbClient}, bundle.check}

	var lease relay.Lease
	if cfg.Outbox.LeaseEnabled {
		redisClient, err := redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return err
		}
		closers.push(redisClient.Close)
		redisLock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(leaseName(cfg)), cfg.Outbox.LeaseTTL)
		if err != nil {
			return err
		}
		lease = redisLock
		checks = append(checks, controllers.HealthCheck{Name: "redis", Pinger: redisClient})
	}

	store := outbox.NewStore(dbClient.DB())
	relayer, err := relay.New(relay.Params{
		Config:    cfg.Outbox,
		Logger:    logg,
		Store:     store,
		Transport: bundle.transport,
		Router:    topics,
		Lease:     lease,
		Metrics:   relayMetrics,
	})
	if err != nil {
		return err
	}

	deadLetters := outbox.NewDeadLetterStore(dbClient.DB())
	server := api.NewServer(cfg.App.OpsPort, routes.NewRouter(cfg, logg, routes.Dependencies{
		Checks:      checks,
		DeadLetters: deadLetters,
		Requeuer:    deadLetters,
		Gatherer:    reg,
	}))

	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGUSR1)
	defer signal.Stop(wake)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relayer.Run(gctx) })
	g.Go(func() error { return api.Serve(gctx, server, logg) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-wake:
				logg.Info(gctx, "wake signal received")
				relayer.Wake()
			}
		}
	})
	return g.Wait()
}
