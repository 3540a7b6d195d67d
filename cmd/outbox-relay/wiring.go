package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/angelmondragon/outbox-relay/api/controllers"
	"github.com/angelmondragon/outbox-relay/internal/relay"
	"github.com/angelmondragon/outbox-relay/internal/transport"
	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/pubsub"
	"github.com/angelmondragon/outbox-relay/pkg/rabbitmq"
)

type transportBundle struct {
	transport relay.Transport
	check     controllers.HealthCheck
	close     func() error
}

// buildTransport connects the configured broker. Every topic the registry
// can route to is verified up front.
func buildTransport(ctx context.Context, cfg *config.Config, logg *logger.Logger, topics []string) (transportBundle, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Outbox.Transport)) {
	case config.TransportPubSub:
		client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, topics, logg)
		if err != nil {
			return transportBundle{}, err
		}
		tr, err := transport.NewPubSub(client)
		if err != nil {
			return transportBundle{}, multierr.Append(err, client.Close())
		}
		return transportBundle{
			transport: tr,
			check:     controllers.HealthCheck{Name: "pubsub", Pinger: client},
			close:     client.Close,
		}, nil

	case config.TransportRabbitMQ:
		client, err := rabbitmq.Dial(ctx, cfg.RabbitMQ, logg)
		if err != nil {
			return transportBundle{}, err
		}
		tr, err := transport.NewRabbitMQ(client, cfg.Service.Kind)
		if err != nil {
			return transportBundle{}, multierr.Append(err, client.Close())
		}
		return transportBundle{
			transport: tr,
			check:     controllers.HealthCheck{Name: "rabbitmq", Pinger: client},
			close:     client.Close,
		}, nil

	case config.TransportMemory:
		if cfg.App.IsProd() {
			return transportBundle{}, fmt.Errorf("%s transport is not allowed in %s", config.TransportMemory, cfg.App.Env)
		}
		logg.Warn(ctx, "using in-memory transport; events are not delivered anywhere")
		return transportBundle{
			transport: transport.NewMemory(),
			check:     controllers.HealthCheck{Name: "memory"},
			close:     func() error { return nil },
		}, nil
	}
	return transportBundle{}, fmt.Errorf("unsupported outbox transport %q", cfg.Outbox.Transport)
}

func defaultTopic(cfg *config.Config) string {
	if strings.EqualFold(strings.TrimSpace(cfg.Outbox.Transport), config.TransportRabbitMQ) {
		return cfg.RabbitMQ.RoutingKey
	}
	return cfg.PubSub.Topic
}

// leaseName scopes the relay lease by environment so relays sharing a Redis
// across environments do not exclude each other.
func leaseName(cfg *config.Config) string {
	env := strings.TrimSpace(cfg.App.Env)
	if env == "" {
		env = "local"
	}
	return serviceName + ":" + env
}

// closerStack closes resources in reverse order of creation.
type closerStack struct {
	fns []func() error
}

func (s *closerStack) push(fn func() error) {
	if fn != nil {
		s.fns = append(s.fns, fn)
	}
}

func (s *closerStack) Close() error {
	var err error
	for i := len(s.fns) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.fns[i]())
	}
	s.fns = nil
	return err
}
