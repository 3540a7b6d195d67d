package relay

import (
	"context"
	"time"
)

// Message is what the relay hands to a transport. Key is the aggregate id so
// transports with partition or ordering keys keep per-aggregate order.
type Message struct {
	Topic     string
	Key       string
	EventType string
	RecordID  int64
	Payload   []byte
	CreatedAt time.Time
}

// Transport publishes one message and returns once the broker acknowledged
// it. Implementations should honour ctx; the relay abandons calls that
// outlive the send timeout either way.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
}

// Lease guards single-active relay deployments.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
