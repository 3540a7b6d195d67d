package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/angelmondragon/outbox-relay/pkg/db/models"
)

// NonRetryableError signals the relay should stop retrying a record.
type NonRetryableError struct {
	Err error
}

// NewNonRetryableError wraps err so the relay dead-letters the record on the
// first failure.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// Error implements error.
func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// IsNonRetryable reports whether err carries a NonRetryableError.
func IsNonRetryable(err error) bool {
	var target NonRetryableError
	return errors.As(err, &target)
}

// Route is where a record is sent.
type Route struct {
	Topic string
}

// TopicRegistry maps event types to transport topics. Types without an
// explicit route fall back to the default topic.
type TopicRegistry struct {
	defaultTopic string
	entries      map[string]string
}

// NewTopicRegistry builds the registry from the configured default topic and
// per event type overrides.
func NewTopicRegistry(defaultTopic string, routes map[string]string) (*TopicRegistry, error) {
	reg := &TopicRegistry{
		defaultTopic: strings.TrimSpace(defaultTopic),
		entries:      make(map[string]string, len(routes)),
	}
	for eventType, topic := range routes {
		eventType = strings.TrimSpace(eventType)
		topic = strings.TrimSpace(topic)
		if eventType == "" || topic == "" {
			return nil, fmt.Errorf("invalid topic route %q=%q", eventType, topic)
		}
		reg.entries[eventType] = topic
	}
	if reg.defaultTopic == "" && len(reg.entries) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	return reg, nil
}

// Resolve validates the record and picks its topic.
func (r *TopicRegistry) Resolve(record models.OutboxRecord) (Route, error) {
	if strings.TrimSpace(record.AggregateID) == "" {
		return Route{}, NewNonRetryableError(errors.New("missing aggregate_id"))
	}
	if topic, ok := r.entries[record.EventType]; ok {
		return Route{Topic: topic}, nil
	}
	if r.defaultTopic == "" {
		return Route{}, NewNonRetryableError(fmt.Errorf("no topic route for event type %s", record.EventType))
	}
	return Route{Topic: r.defaultTopic}, nil
}

// Topics lists every distinct topic the registry can route to.
func (r *TopicRegistry) Topics() []string {
	seen := map[string]struct{}{}
	if r.defaultTopic != "" {
		seen[r.defaultTopic] = struct{}{}
	}
	for _, topic := range r.entries {
		seen[topic] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for topic := range seen {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}
