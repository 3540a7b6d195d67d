package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
)

const maxErrorLen = 1024

var validate = validator.New()

// AppendParams describes a pending event handed over by business code.
type AppendParams struct {
	AggregateID string `validate:"required,max=255"`
	EventType   string `validate:"required,max=255"`
	Payload     []byte `validate:"required,min=1"`
}

// Backlog summarises records still waiting for the relay.
type Backlog struct {
	Pending         int64
	OldestCreatedAt *time.Time
}

// Store is the durable bookkeeping of pending events.
//
// Append joins the caller's transaction. Every other method is an
// independent per-record statement, so a crash mid-batch never leaves a
// single record half updated.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source used for created_at and published_at.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// Append inserts a pending record inside tx. It refuses to run without a
// caller-owned transaction; a failed insert must abort that transaction.
func (s *Store) Append(ctx context.Context, tx *gorm.DB, params AppendParams) (models.OutboxRecord, error) {
	if tx == nil {
		return models.OutboxRecord{}, pkgerrors.New(pkgerrors.CodeValidation, "transaction required")
	}
	if err := validate.Struct(params); err != nil {
		return models.OutboxRecord{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid outbox record")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record := models.OutboxRecord{
		AggregateID: params.AggregateID,
		EventType:   params.EventType,
		Payload:     params.Payload,
		CreatedAt:   s.now(),
	}
	if err := tx.WithContext(ctx).Create(&record).Error; err != nil {
		return models.OutboxRecord{}, pkgerrors.StoreUnavailable(err, "append outbox record")
	}
	return record, nil
}

// FetchUnpublished returns at most limit pending records ordered by
// (created_at, id). Dead-lettered records are excluded.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	if limit <= 0 {
		return []models.OutboxRecord{}, nil
	}
	var rows []models.OutboxRecord
	err := s.db.WithContext(ctx).
		Where("published = ? AND dead_lettered_at IS NULL", false).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.StoreUnavailable(err, "fetch unpublished outbox records")
	}
	return rows, nil
}

// MarkPublished flips published to true. Unknown or already published ids
// are a successful no-op; published is never cleared.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).
		Model(&models.OutboxRecord{}).
		Where("id = ? AND published = ?", id, false).
		Updates(map[string]any{
			"published":    true,
			"published_at": s.now(),
		}).Error
	if err != nil {
		return pkgerrors.MarkPublishedFailure(err, "mark outbox record published")
	}
	return nil
}

// IncrementAttempts records a failed send and returns the new attempt count.
// The count comes back from the UPDATE itself, so concurrent increments never
// observe each other's values.
func (s *Store) IncrementAttempts(ctx context.Context, id int64, cause error) (int, error) {
	var (
		attempts []int
		tx       *gorm.DB
	)
	conn := s.db.WithContext(ctx)
	if cause != nil {
		tx = conn.Raw(`UPDATE outbox_records
			SET publish_attempts = publish_attempts + 1, last_error = ?
			WHERE id = ?
			RETURNING publish_attempts`, truncateError(cause.Error()), id).Scan(&attempts)
	} else {
		tx = conn.Raw(`UPDATE outbox_records
			SET publish_attempts = publish_attempts + 1
			WHERE id = ?
			RETURNING publish_attempts`, id).Scan(&attempts)
	}
	if tx.Error != nil {
		return 0, pkgerrors.StoreUnavailable(tx.Error, "increment publish attempts")
	}
	if len(attempts) == 0 {
		return 0, pkgerrors.New(pkgerrors.CodeNotFound, "outbox record not found")
	}
	return attempts[0], nil
}

// DeadLetter copies record into the dead-letter table and retires it from
// the pending set in one transaction. The record stays unpublished.
func (s *Store) DeadLetter(ctx context.Context, record models.OutboxRecord, reason enums.DeadLetterReason, cause error) error {
	if !reason.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "invalid dead letter reason")
	}
	now := s.now()
	entry := models.OutboxDeadLetter{
		RecordID:        record.ID,
		AggregateID:     record.AggregateID,
		EventType:       record.EventType,
		Payload:         record.Payload,
		Reason:          reason,
		PublishAttempts: record.PublishAttempts,
		FailedAt:        now,
	}
	if cause != nil {
		msg := cause.Error()
		entry.ErrorMessage = &msg
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := insertDeadLetterTx(tx, entry); err != nil {
			return err
		}
		return tx.Model(&models.OutboxRecord{}).
			Where("id = ? AND published = ?", record.ID, false).
			Update("dead_lettered_at", now).Error
	})
	if err != nil {
		return pkgerrors.StoreUnavailable(err, "dead letter outbox record")
	}
	return nil
}

// DeletePublishedBefore removes published records older than cutoff. Only
// housekeeping calls it; the relay never deletes.
func (s *Store) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("published = ? AND published_at < ?", true, cutoff).
		Delete(&models.OutboxRecord{})
	if res.Error != nil {
		return 0, pkgerrors.StoreUnavailable(res.Error, "delete published outbox records")
	}
	return res.RowsAffected, nil
}

// Backlog reports how many records wait for the relay and the oldest one.
func (s *Store) Backlog(ctx context.Context) (Backlog, error) {
	conn := s.db.WithContext(ctx)
	pending := conn.Model(&models.OutboxRecord{}).Where("published = ? AND dead_lettered_at IS NULL", false)

	var out Backlog
	if err := pending.Session(&gorm.Session{}).Count(&out.Pending).Error; err != nil {
		return Backlog{}, pkgerrors.StoreUnavailable(err, "count pending outbox records")
	}
	if out.Pending == 0 {
		return out, nil
	}
	var oldest models.OutboxRecord
	err := pending.Session(&gorm.Session{}).
		Order("created_at ASC").
		Order("id ASC").
		Take(&oldest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return out, nil
		}
		return Backlog{}, pkgerrors.StoreUnavailable(err, "find oldest pending outbox record")
	}
	createdAt := oldest.CreatedAt
	out.OldestCreatedAt = &createdAt
	return out, nil
}

func truncateError(message string) string {
	if len(message) <= maxErrorLen {
		return message
	}
	return message[:maxErrorLen]
}
