package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/outbox"
)

type fakeStore struct {
	mu          sync.Mutex
	records     map[int64]*models.OutboxRecord
	nextID      int64
	fetchErr    error
	markErr     error
	incErr      error
	fetchCalls  int
	deadLetters map[int64]enums.DeadLetterReason
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:     map[int64]*models.OutboxRecord{},
		deadLetters: map[int64]enums.DeadLetterReason{},
	}
}

func (s *fakeStore) add(aggregateID string, createdAt time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.records[s.nextID] = &models.OutboxRecord{
		ID:          s.nextID,
		AggregateID: aggregateID,
		EventType:   enums.EventOrderCreated,
		Payload:     []byte(aggregateID),
		CreatedAt:   createdAt,
	}
	return s.nextID
}

func (s *fakeStore) get(id int64) models.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

func (s *fakeStore) FetchUnpublished(_ context.Context, limit int) ([]models.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []models.OutboxRecord
	for _, record := range s.records {
		if !record.Published && record.DeadLetteredAt == nil {
			out = append(out, *record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) MarkPublished(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	if record, ok := s.records[id]; ok {
		record.Published = true
	}
	return nil
}

func (s *fakeStore) IncrementAttempts(_ context.Context, id int64, _ error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incErr != nil {
		return 0, s.incErr
	}
	record, ok := s.records[id]
	if !ok {
		return 0, errors.New("missing record")
	}
	record.PublishAttempts++
	return record.PublishAttempts, nil
}

func (s *fakeStore) DeadLetter(_ context.Context, record models.OutboxRecord, reason enums.DeadLetterReason, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.records[record.ID].DeadLetteredAt = &now
	s.deadLetters[record.ID] = reason
	return nil
}

func (s *fakeStore) Backlog(context.Context) (outbox.Backlog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var backlog outbox.Backlog
	for _, record := range s.records {
		if record.Published || record.DeadLetteredAt != nil {
			continue
		}
		backlog.Pending++
		if backlog.OldestCreatedAt == nil || record.CreatedAt.Before(*backlog.OldestCreatedAt) {
			createdAt := record.CreatedAt
			backlog.OldestCreatedAt = &createdAt
		}
	}
	return backlog, nil
}

// recordingTransport keeps every accepted message in send order.
type recordingTransport struct {
	mu     sync.Mutex
	sent   []Message
	fail   func(Message) error
	onSend chan Message
}

func (t *recordingTransport) Publish(_ context.Context, msg Message) error {
	t.mu.Lock()
	fail := t.fail
	t.mu.Unlock()
	if fail != nil {
		if err := fail(msg); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
	if t.onSend != nil {
		t.onSend <- msg
	}
	return nil
}

func (t *recordingTransport) setFail(fail func(Message) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = fail
}

func (t *recordingTransport) keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sent))
	for _, msg := range t.sent {
		out = append(out, msg.Key)
	}
	return out
}

// blockingTransport ignores its context until released.
type blockingTransport struct {
	release chan struct{}
}

func (t *blockingTransport) Publish(context.Context, Message) error {
	<-t.release
	return nil
}

type fakeLease struct {
	acquire    bool
	acquireErr error
	acquired   int
	released   int
}

func (l *fakeLease) Acquire(context.Context) (bool, error) {
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	if l.acquire {
		l.acquired++
	}
	return l.acquire, nil
}

func (l *fakeLease) Release(context.Context) error {
	l.released++
	return nil
}

// tickClock advances by step on every call.
type tickClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

var errStoreDown = pkgerrors.StoreUnavailable(errors.New("connection refused"), "fetch unpublished outbox records")
