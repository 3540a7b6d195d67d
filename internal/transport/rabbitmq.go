package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/angelmondragon/outbox-relay/internal/relay"
)

type confirmPublisher interface {
	PublishConfirmed(ctx context.Context, routingKey string, msg amqp.Publishing) error
}

// RabbitMQ publishes to a topic exchange; the resolved topic is the routing key.
type RabbitMQ struct {
	client confirmPublisher
	appID  string
}

func NewRabbitMQ(client confirmPublisher, appID string) (*RabbitMQ, error) {
	if client == nil {
		return nil, errors.New("rabbitmq client is required")
	}
	return &RabbitMQ{client: client, appID: appID}, nil
}

func (r *RabbitMQ) Publish(ctx context.Context, msg relay.Message) error {
	return r.client.PublishConfirmed(ctx, strings.TrimSpace(msg.Topic), r.publishing(msg))
}

func (r *RabbitMQ) publishing(msg relay.Message) amqp.Publishing {
	contentType := "application/octet-stream"
	if json.Valid(msg.Payload) {
		contentType = "application/json"
	}
	return amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    strconv.FormatInt(msg.RecordID, 10),
		Timestamp:    msg.CreatedAt.UTC(),
		Type:         msg.EventType,
		AppId:        r.appID,
		Body:         msg.Payload,
		Headers: amqp.Table{
			AttrAggregateID: msg.Key,
			AttrEventType:   msg.EventType,
			AttrRecordID:    msg.RecordID,
		},
	}
}
