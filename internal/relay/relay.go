package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/angelmondragon/outbox-relay/pkg/config"
	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/metrics"
	"github.com/angelmondragon/outbox-relay/pkg/outbox"
	"github.com/angelmondragon/outbox-relay/pkg/outbox/registry"
)

const (
	defaultBatchLimit   = 100
	defaultPollInterval = 5 * time.Second
	defaultSendTimeout  = 15 * time.Second
	maxBackoff          = time.Minute
	jitterWindow        = 250 * time.Millisecond
)

type outboxStore interface {
	FetchUnpublished(ctx context.Context, limit int) ([]models.OutboxRecord, error)
	MarkPublished(ctx context.Context, id int64) error
	IncrementAttempts(ctx context.Context, id int64, cause error) (int, error)
	DeadLetter(ctx context.Context, record models.OutboxRecord, reason enums.DeadLetterReason, cause error) error
	Backlog(ctx context.Context) (outbox.Backlog, error)
}

type router interface {
	Resolve(models.OutboxRecord) (registry.Route, error)
}

type Params struct {
	Config    config.OutboxConfig
	Logger    *logger.Logger
	Store     outboxStore
	Transport Transport
	Router    router
	// Lease is optional; without it the relay assumes it is the only instance.
	Lease   Lease
	Metrics *metrics.RelayMetrics
	Clock   func() time.Time
}

// TickResult summarises one pass over the outbox.
type TickResult struct {
	Fetched      int
	Published    int
	Failed       int
	DeadLettered int
	MarkFailures int
	// Remaining counts fetched records left for the next tick after the
	// tick deadline passed.
	Remaining    int
	LeaseSkipped bool
}

// Relay drains the outbox into a transport with at-least-once delivery.
type Relay struct {
	logg         *logger.Logger
	store        outboxStore
	transport    Transport
	router       router
	lease        Lease
	metrics      *metrics.RelayMetrics
	now          func() time.Time
	wake         chan struct{}
	batchLimit   int
	pollInterval time.Duration
	sendTimeout  time.Duration
	tickDeadline time.Duration
	maxAttempts  int
}

func New(params Params) (*Relay, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Store == nil {
		return nil, errors.New("outbox store is required")
	}
	if params.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if params.Router == nil {
		return nil, errors.New("topic router is required")
	}
	if params.Config.MaxAttempts < 0 {
		return nil, errors.New("max attempts must not be negative")
	}

	batch := params.Config.BatchLimit
	if batch <= 0 {
		batch = defaultBatchLimit
	}
	poll := params.Config.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	sendTimeout := params.Config.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Relay{
		logg:         params.Logger,
		store:        params.Store,
		transport:    params.Transport,
		router:       params.Router,
		lease:        params.Lease,
		metrics:      params.Metrics,
		now:          clock,
		wake:         make(chan struct{}, 1),
		batchLimit:   batch,
		pollInterval: poll,
		sendTimeout:  sendTimeout,
		tickDeadline: params.Config.TickDeadline,
		maxAttempts:  params.Config.MaxAttempts,
	}, nil
}

// Wake asks Run to start the next tick now instead of waiting for the poll
// interval. Calls coalesce while a wake is pending.
func (r *Relay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is canceled. Ticks never overlap. A full batch that made
// progress is followed by another tick right away; a failed fetch backs off.
func (r *Relay) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.logg.Info(r.logg.WithFields(ctx, map[string]any{
		"batch_limit":   r.batchLimit,
		"poll_interval": r.pollInterval.String(),
		"send_timeout":  r.sendTimeout.String(),
		"max_attempts":  r.maxAttempts,
	}), "outbox relay started")

	backoff := r.pollInterval
	for {
		if err := ctx.Err(); err != nil {
			r.logg.Info(ctx, "outbox relay stopped")
			return err
		}

		result, err := r.Tick(ctx)
		wait := r.pollInterval
		switch {
		case err != nil && ctx.Err() == nil:
			backoff = nextBackoff(backoff, r.pollInterval, maxBackoff)
			wait = withJitter(backoff)
		case err == nil:
			backoff = r.pollInterval
			drained := result.Published + result.DeadLettered
			if (result.Fetched >= r.batchLimit && drained > 0) || result.Remaining > 0 {
				wait = 0
			}
		}

		if err := r.sleep(ctx, wait); err != nil {
			r.logg.Info(ctx, "outbox relay stopped")
			return err
		}
	}
}

// Tick runs one synchronous reconciliation pass. A store failure turns the
// tick into a no-op and is returned for the caller to log; failures of a
// single record never abort the batch.
func (r *Relay) Tick(ctx context.Context) (TickResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var result TickResult
	start := r.now()

	if r.lease != nil {
		acquired, err := r.lease.Acquire(ctx)
		if err != nil {
			return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire relay lease")
		}
		if !acquired {
			result.LeaseSkipped = true
			r.metrics.IncLeaseSkipped()
			r.logg.Debug(ctx, "relay lease held elsewhere, skipping tick")
			return result, nil
		}
		defer func() {
			if err := r.lease.Release(context.WithoutCancel(ctx)); err != nil {
				r.logg.Warn(r.logg.WithField(ctx, "error", err.Error()), "release relay lease failed")
			}
		}()
	}

	records, err := r.store.FetchUnpublished(ctx, r.batchLimit)
	if err != nil {
		r.metrics.IncFetchFailure()
		r.logg.Error(ctx, "fetch unpublished outbox records failed", err)
		return result, err
	}
	result.Fetched = len(records)

	var exhausted []exhaustedRecord
	for i, record := range records {
		if err := ctx.Err(); err != nil {
			result.Remaining = len(records) - i
			return result, err
		}
		if i > 0 && r.tickDeadline > 0 && r.now().Sub(start) >= r.tickDeadline {
			result.Remaining = len(records) - i
			r.logg.Warn(r.logg.WithField(ctx, "remaining", result.Remaining), "tick deadline reached, deferring rest of batch")
			break
		}
		if spent := r.process(ctx, record, &result); spent != nil {
			exhausted = append(exhausted, *spent)
		}
	}
	r.settleExhausted(ctx, exhausted, &result)

	r.observeBacklog(ctx)
	r.metrics.ObserveTick(r.now().Sub(start), result.Fetched)
	if result.Fetched > 0 {
		r.logg.Info(r.logg.WithFields(ctx, map[string]any{
			"fetched":       result.Fetched,
			"published":     result.Published,
			"failed":        result.Failed,
			"dead_lettered": result.DeadLettered,
			"remaining":     result.Remaining,
		}), "outbox tick finished")
	}
	return result, nil
}

// exhaustedRecord is a record that used up its attempts on a retryable
// error. Whether it is dead-lettered depends on the rest of the batch.
type exhaustedRecord struct {
	ctx    context.Context
	record models.OutboxRecord
	cause  error
}

// process sends one record. It returns the record when it ran out of
// attempts on a retryable error.
func (r *Relay) process(ctx context.Context, record models.OutboxRecord, result *TickResult) *exhaustedRecord {
	recordCtx := r.logg.WithFields(r.logg.WithRecordID(ctx, record.ID), recordFields(record))

	route, err := r.router.Resolve(record)
	if err != nil {
		return r.handleFailure(recordCtx, record, "", err, result)
	}
	recordCtx = r.logg.WithField(recordCtx, "topic", route.Topic)

	msg := Message{
		Topic:     route.Topic,
		Key:       record.AggregateID,
		EventType: record.EventType,
		RecordID:  record.ID,
		Payload:   record.Payload,
		CreatedAt: record.CreatedAt,
	}
	if err := r.send(ctx, msg); err != nil {
		return r.handleFailure(recordCtx, record, route.Topic, err, result)
	}

	if err := r.store.MarkPublished(ctx, record.ID); err != nil {
		result.MarkFailures++
		r.metrics.IncMarkPublishedFailure()
		r.logg.Error(recordCtx, "outbox record sent but not marked published, it will be redelivered", err)
		return nil
	}
	result.Published++
	r.metrics.IncPublished(route.Topic)
	r.logg.Debug(recordCtx, "outbox record published")
	return nil
}

// send bounds a transport call by the send timeout, even when the transport
// ignores its context.
func (r *Relay) send(ctx context.Context, msg Message) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.transport.Publish(sendCtx, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return pkgerrors.SendFailure(err, fmt.Sprintf("publish to %s", msg.Topic))
		}
		return nil
	case <-sendCtx.Done():
		return pkgerrors.SendFailure(sendCtx.Err(), fmt.Sprintf("publish to %s", msg.Topic))
	}
}

func (r *Relay) handleFailure(ctx context.Context, record models.OutboxRecord, topic string, cause error, result *TickResult) *exhaustedRecord {
	result.Failed++
	r.metrics.IncSendFailure(topic)

	attempts, err := r.store.IncrementAttempts(ctx, record.ID, cause)
	if err != nil {
		r.logg.Error(ctx, "increment publish attempts failed", err)
		return nil
	}
	record.PublishAttempts = attempts
	failCtx := r.logg.WithFields(ctx, map[string]any{
		"publish_attempts": attempts,
		"error":            cause.Error(),
	})

	switch r.deadLetterReason(cause, attempts) {
	case enums.DeadLetterReasonNonRetryable:
		r.deadLetter(failCtx, record, enums.DeadLetterReasonNonRetryable, cause, result)
		return nil
	case enums.DeadLetterReasonMaxAttempts:
		return &exhaustedRecord{ctx: failCtx, record: record, cause: cause}
	}
	r.logg.Warn(failCtx, "outbox publish failed, will retry")
	return nil
}

// settleExhausted dead-letters records that ran out of attempts, unless no
// record of the batch reached the transport. A batch where every send failed
// looks like a transport outage, and those records keep retrying.
func (r *Relay) settleExhausted(ctx context.Context, exhausted []exhaustedRecord, result *TickResult) {
	if len(exhausted) == 0 {
		return
	}
	if result.Published+result.MarkFailures == 0 {
		r.logg.Warn(r.logg.WithField(ctx, "exhausted", len(exhausted)), "no record reached the transport, treating as outage and deferring dead letters")
		return
	}
	for _, spent := range exhausted {
		r.deadLetter(spent.ctx, spent.record, enums.DeadLetterReasonMaxAttempts, spent.cause, result)
	}
}

func (r *Relay) deadLetter(ctx context.Context, record models.OutboxRecord, reason enums.DeadLetterReason, cause error, result *TickResult) {
	if err := r.store.DeadLetter(ctx, record, reason, cause); err != nil {
		r.logg.Error(ctx, "dead letter outbox record failed", err)
		return
	}
	result.DeadLettered++
	r.metrics.IncDeadLettered(string(reason))
	r.logg.Warn(r.logg.WithField(ctx, "dead_letter_reason", reason), "outbox record dead-lettered, it will not be retried")
}

// deadLetterReason applies the threshold policy. MaxAttempts 0 retries forever,
// even for errors flagged non-retryable.
func (r *Relay) deadLetterReason(cause error, attempts int) enums.DeadLetterReason {
	if r.maxAttempts <= 0 {
		return ""
	}
	if registry.IsNonRetryable(cause) {
		return enums.DeadLetterReasonNonRetryable
	}
	if attempts >= r.maxAttempts {
		return enums.DeadLetterReasonMaxAttempts
	}
	return ""
}

func (r *Relay) observeBacklog(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	backlog, err := r.store.Backlog(ctx)
	if err != nil {
		r.logg.Debug(r.logg.WithField(ctx, "error", err.Error()), "backlog query failed")
		return
	}
	var age time.Duration
	if backlog.OldestCreatedAt != nil {
		age = r.now().Sub(*backlog.OldestCreatedAt)
	}
	r.metrics.SetBacklog(backlog.Pending, age)
}

func recordFields(record models.OutboxRecord) map[string]any {
	fields := map[string]any{
		"aggregate_id":     record.AggregateID,
		"event_type":       record.EventType,
		"publish_attempts": record.PublishAttempts,
		"created_at":       record.CreatedAt.Format(time.RFC3339Nano),
	}
	if record.LastError != nil {
		fields["last_error"] = *record.LastError
	}
	return fields
}

func (r *Relay) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(jitterWindow)))
}
