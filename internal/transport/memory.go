package transport

import (
	"context"
	"sync"

	"github.com/angelmondragon/outbox-relay/internal/relay"
)

// Memory keeps published messages in process. Used for local runs and tests.
type Memory struct {
	mu       sync.Mutex
	messages []relay.Message
	fail     func(relay.Message) error
}

func NewMemory() *Memory {
	return &Memory{}
}

// FailWith makes Publish return fn's error; a nil fn restores success.
func (m *Memory) FailWith(fn func(relay.Message) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *Memory) Publish(ctx context.Context, msg relay.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		if err := m.fail(msg); err != nil {
			return err
		}
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a copy of everything published so far.
func (m *Memory) Messages() []relay.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]relay.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
