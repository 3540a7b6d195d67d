package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/metrics"
	"github.com/angelmondragon/outbox-relay/pkg/outbox"
)

const defaultBacklogAlertAge = 10 * time.Minute

type backlogReader interface {
	Backlog(ctx context.Context) (outbox.Backlog, error)
}

type BacklogJobParams struct {
	Logger   *logger.Logger
	Store    backlogReader
	Metrics  *metrics.RelayMetrics
	AlertAge time.Duration
}

// NewBacklogJob reports how far the relay is behind. A record older than
// AlertAge usually means the relay is down or a transport is rejecting sends.
func NewBacklogJob(params BacklogJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("outbox store required")
	}
	alertAge := params.AlertAge
	if alertAge <= 0 {
		alertAge = defaultBacklogAlertAge
	}
	return &backlogJob{
		logg:     params.Logger,
		store:    params.Store,
		metrics:  params.Metrics,
		alertAge: alertAge,
		now:      time.Now,
	}, nil
}

type backlogJob struct {
	logg     *logger.Logger
	store    backlogReader
	metrics  *metrics.RelayMetrics
	alertAge time.Duration
	now      func() time.Time
}

func (j *backlogJob) Name() string { return "outbox-backlog" }

func (j *backlogJob) Run(ctx context.Context) error {
	backlog, err := j.store.Backlog(ctx)
	if err != nil {
		return fmt.Errorf("outbox backlog: %w", err)
	}
	var age time.Duration
	if backlog.OldestCreatedAt != nil {
		age = j.now().Sub(*backlog.OldestCreatedAt)
		if age < 0 {
			age = 0
		}
	}
	j.metrics.SetBacklog(backlog.Pending, age)

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"pending":       backlog.Pending,
		"oldest_age_ms": age.Milliseconds(),
		"alert_age_ms":  j.alertAge.Milliseconds(),
	})
	if age > j.alertAge {
		j.logg.Warn(logCtx, "outbox backlog older than alert threshold")
		return nil
	}
	j.logg.Info(logCtx, "outbox backlog checked")
	return nil
}
