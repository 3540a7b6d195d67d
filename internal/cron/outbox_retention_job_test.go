package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

func TestOutboxRetentionJobDeletesPublishedRows(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	store := &fakePurger{}
	job := newOutboxRetentionJob(t, store, 0)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	expectedCutoff := now.Add(-outboxRetentionDays * 24 * time.Hour)
	if !store.lastCutoff.Equal(expectedCutoff) {
		t.Fatalf("expected cutoff %s, got %s", expectedCutoff, store.lastCutoff)
	}
	if store.called != 1 {
		t.Fatalf("expected store called once, got %d", store.called)
	}
}

func TestOutboxRetentionJobHonoursConfiguredDays(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	store := &fakePurger{}
	job := newOutboxRetentionJob(t, store, 7)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := now.Add(-7 * 24 * time.Hour); !store.lastCutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, store.lastCutoff)
	}
}

func TestOutboxRetentionJobPropagatesError(t *testing.T) {
	job := newOutboxRetentionJob(t, &fakePurger{err: errors.New("boom")}, 0)
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeadLetterRetentionJob(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &fakePurger{}
	jobIface, err := NewDeadLetterRetentionJob(DeadLetterRetentionJobParams{Logger: logger.Nop(), Store: store})
	if err != nil {
		t.Fatalf("NewDeadLetterRetentionJob: %v", err)
	}
	job := jobIface.(*deadLetterRetentionJob)
	job.now = func() time.Time { return now }

	if job.Name() != "dead-letter-retention" {
		t.Fatalf("unexpected name %s", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := now.Add(-deadLetterRetentionDays * 24 * time.Hour); !store.lastCutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, store.lastCutoff)
	}

	store.err = errors.New("boom")
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRetentionJobsRequireDependencies(t *testing.T) {
	if _, err := NewOutboxRetentionJob(OutboxRetentionJobParams{Logger: logger.Nop()}); err == nil {
		t.Fatal("expected store error")
	}
	if _, err := NewDeadLetterRetentionJob(DeadLetterRetentionJobParams{Store: &fakePurger{}}); err == nil {
		t.Fatal("expected logger error")
	}
}

func newOutboxRetentionJob(t *testing.T, store *fakePurger, days int) *outboxRetentionJob {
	t.Helper()
	jobIface, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:    logger.Nop(),
		Store:     store,
		Retention: days,
	})
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	job, ok := jobIface.(*outboxRetentionJob)
	if !ok {
		t.Fatalf("expected outboxRetentionJob, got %T", jobIface)
	}
	return job
}

type fakePurger struct {
	lastCutoff time.Time
	called     int
	err        error
}

func (f *fakePurger) DeletePublishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return f.DeleteBefore(context.Background(), cutoff)
}

func (f *fakePurger) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.called++
	f.lastCutoff = cutoff
	if f.err != nil {
		return 0, f.err
	}
	return 7, nil
}
