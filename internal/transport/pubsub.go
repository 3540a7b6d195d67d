package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/outbox-relay/internal/relay"
	"github.com/angelmondragon/outbox-relay/pkg/outbox/registry"
)

// Message attribute names shared by every transport.
const (
	AttrRecordID    = "record_id"
	AttrEventType   = "event_type"
	AttrAggregateID = "aggregate_id"
	AttrCreatedAt   = "created_at"
)

type pubSubClient interface {
	Publisher(name string) *gcppubsub.Publisher
	OrderingEnabled() bool
}

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
	ResumePublish(orderingKey string)
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type publisherFactory func(topic string) publisher

// PubSub publishes outbox records to Google Cloud Pub/Sub topics.
type PubSub struct {
	factory  publisherFactory
	ordering bool
}

// NewPubSub wires a transport over a Pub/Sub client.
func NewPubSub(client pubSubClient) (*PubSub, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	return &PubSub{
		factory: func(topic string) publisher {
			pub := client.Publisher(topic)
			if pub == nil {
				return nil
			}
			return &gcpPublisher{Publisher: pub}
		},
		ordering: client.OrderingEnabled(),
	}, nil
}

func (p *PubSub) Publish(ctx context.Context, msg relay.Message) error {
	pub := p.factory(msg.Topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher not configured for topic %s", msg.Topic))
	}

	psMsg := &gcppubsub.Message{
		Data:       msg.Payload,
		Attributes: attributes(msg),
	}
	if p.ordering {
		psMsg.OrderingKey = msg.Key
	}

	result := pub.Publish(ctx, psMsg)
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher returned nil for topic %s", msg.Topic))
	}
	if _, err := result.Get(ctx); err != nil {
		// A failed ordered publish pauses its key until resumed.
		if p.ordering && msg.Key != "" {
			pub.ResumePublish(msg.Key)
		}
		return classifyPubSubError(err)
	}
	return nil
}

func classifyPubSubError(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied:
		return registry.NewNonRetryableError(err)
	}
	return err
}

func attributes(msg relay.Message) map[string]string {
	attrs := map[string]string{
		AttrRecordID:    strconv.FormatInt(msg.RecordID, 10),
		AttrEventType:   msg.EventType,
		AttrAggregateID: msg.Key,
	}
	if !msg.CreatedAt.IsZero() {
		attrs[AttrCreatedAt] = msg.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return attrs
}

type gcpPublisher struct {
	*gcppubsub.Publisher
}

func (p *gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	if p == nil || p.Publisher == nil {
		return nil
	}
	return &gcpPublishResult{PublishResult: p.Publisher.Publish(ctx, msg)}
}

type gcpPublishResult struct {
	*gcppubsub.PublishResult
}

func (r *gcpPublishResult) Get(ctx context.Context) (string, error) {
	if r == nil || r.PublishResult == nil {
		return "", errors.New("publish result is nil")
	}
	return r.PublishResult.Get(ctx)
}
