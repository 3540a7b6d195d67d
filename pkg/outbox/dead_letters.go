package outbox

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
)

const defaultDeadLetterListLimit = 50

// DeadLetterStore lets operators inspect, requeue and purge records the
// relay gave up on.
type DeadLetterStore struct {
	db *gorm.DB
}

func NewDeadLetterStore(db *gorm.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

func insertDeadLetterTx(tx *gorm.DB, entry models.OutboxDeadLetter) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ErrorMessage != nil {
		msg := truncateError(*entry.ErrorMessage)
		entry.ErrorMessage = &msg
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_id"}},
		DoNothing: true,
	}).Create(&entry).Error
}

// FindByRecordID returns nil when the record was never dead-lettered.
func (r *DeadLetterStore) FindByRecordID(ctx context.Context, recordID int64) (*models.OutboxDeadLetter, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var entry models.OutboxDeadLetter
	err := r.db.WithContext(ctx).Where("record_id = ?", recordID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.StoreUnavailable(err, "find dead letter")
	}
	return &entry, nil
}

// List returns the newest dead letters first.
func (r *DeadLetterStore) List(ctx context.Context, limit int) ([]models.OutboxDeadLetter, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = defaultDeadLetterListLimit
	}
	var rows []models.OutboxDeadLetter
	err := r.db.WithContext(ctx).
		Order("failed_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, pkgerrors.StoreUnavailable(err, "list dead letters")
	}
	return rows, nil
}

// DeleteBefore purges dead letters that failed before cutoff together with
// their retired outbox records, in one transaction. It returns the number of
// dead letters removed.
func (r *DeadLetterStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("failed_at < ?", cutoff).Delete(&models.OutboxDeadLetter{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return tx.Where("published = ? AND dead_lettered_at < ?", false, cutoff).
			Delete(&models.OutboxRecord{}).Error
	})
	if err != nil {
		return 0, pkgerrors.StoreUnavailable(err, "delete dead letters")
	}
	return deleted, nil
}

// Requeue hands a dead-lettered record back to the relay with a fresh
// attempt budget and drops its dead-letter entry. Records that are not
// currently dead-lettered are reported as not found.
func (r *DeadLetterStore) Requeue(ctx context.Context, recordID int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.OutboxRecord{}).
			Where("id = ? AND published = ? AND dead_lettered_at IS NOT NULL", recordID, false).
			Updates(map[string]any{
				"dead_lettered_at": nil,
				"publish_attempts": 0,
				"last_error":       nil,
			})
		if res.Error != nil {
			return pkgerrors.StoreUnavailable(res.Error, "requeue outbox record")
		}
		if res.RowsAffected == 0 {
			return pkgerrors.New(pkgerrors.CodeNotFound, "dead-lettered record not found")
		}
		if err := tx.Where("record_id = ?", recordID).Delete(&models.OutboxDeadLetter{}).Error; err != nil {
			return pkgerrors.StoreUnavailable(err, "delete dead letter")
		}
		return nil
	})
	return err
}
