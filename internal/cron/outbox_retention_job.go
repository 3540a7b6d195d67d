package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

const (
	outboxRetentionDays     = 30
	deadLetterRetentionDays = 90
)

type OutboxRetentionJobParams struct {
	Logger    *logger.Logger
	Store     publishedPurger
	Retention int
}

type publishedPurger interface {
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewOutboxRetentionJob deletes published records older than the retention
// window. Unpublished and dead-lettered records are never touched.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("outbox store required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = outboxRetentionDays
	}
	return &outboxRetentionJob{
		logg:      params.Logger,
		store:     params.Store,
		retention: retention,
		now:       time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg      *logger.Logger
	store     publishedPurger
	retention int
	now       func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	cutoff := retentionCutoff(j.now(), j.retention)
	deleted, err := j.store.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("outbox retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "outbox retention cleanup complete")
	return nil
}

type DeadLetterRetentionJobParams struct {
	Logger    *logger.Logger
	Store     deadLetterPurger
	Retention int
}

type deadLetterPurger interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// NewDeadLetterRetentionJob purges dead letters past retention together with
// the retired outbox rows they were copied from.
func NewDeadLetterRetentionJob(params DeadLetterRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("dead letter store required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = deadLetterRetentionDays
	}
	return &deadLetterRetentionJob{
		logg:      params.Logger,
		store:     params.Store,
		retention: retention,
		now:       time.Now,
	}, nil
}

type deadLetterRetentionJob struct {
	logg      *logger.Logger
	store     deadLetterPurger
	retention int
	now       func() time.Time
}

func (j *deadLetterRetentionJob) Name() string { return "dead-letter-retention" }

func (j *deadLetterRetentionJob) Run(ctx context.Context) error {
	cutoff := retentionCutoff(j.now(), j.retention)
	deleted, err := j.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("dead letter retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "dead letter retention cleanup complete")
	return nil
}

func retentionCutoff(now time.Time, days int) time.Time {
	return now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
}
