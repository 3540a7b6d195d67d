package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/outbox-relay/pkg/redis"
)

// Manager tracks processed events per consumer using Redis SETNX with a TTL.
// The relay delivers at least once, so every consumer must pass deliveries
// through a Manager (or an equivalent guard) before acting on them.
// Keys follow the `outbox:idempotency:evt:processed:<consumer>:<key>` pattern.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewManager builds an idempotency guard that marks events as processed for the given TTL.
func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{
		store: store,
		ttl:   ttl,
	}, nil
}

// CheckAndMarkProcessed returns true if the event has already been processed and
// otherwise marks it as processed with the configured TTL. dedupKey is the
// envelope event id, or RawKey for payloads without one.
func (m *Manager) CheckAndMarkProcessed(ctx context.Context, consumer, dedupKey string) (bool, error) {
	key, err := m.processedKey(consumer, dedupKey)
	if err != nil {
		return false, err
	}
	set, err := m.store.SetNX(ctx, key, "1", m.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Delete forgets a processed mark, typically after the consumer's side effect failed.
func (m *Manager) Delete(ctx context.Context, consumer, dedupKey string) error {
	key, err := m.processedKey(consumer, dedupKey)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

// RawKey derives a stable dedup key from the record content for payloads
// that carry no event id.
func RawKey(aggregateID, eventType string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(aggregateID))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (m *Manager) processedKey(consumer, dedupKey string) (string, error) {
	if strings.TrimSpace(consumer) == "" {
		return "", errors.New("consumer name is required")
	}
	if strings.TrimSpace(dedupKey) == "" {
		return "", errors.New("dedup key is required")
	}
	scope := fmt.Sprintf("evt:processed:%s", consumer)
	return m.store.IdempotencyKey(scope, dedupKey), nil
}
