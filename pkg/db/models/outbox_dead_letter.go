package models

import (
	"time"

	"github.com/angelmondragon/outbox-relay/pkg/enums"
)

// OutboxDeadLetter captures records the relay stopped retrying.
type OutboxDeadLetter struct {
	ID              int64                  `gorm:"column:id;primaryKey;autoIncrement"`
	RecordID        int64                  `gorm:"column:record_id;not null;uniqueIndex"`
	AggregateID     string                 `gorm:"column:aggregate_id;size:255;not null"`
	EventType       string                 `gorm:"column:event_type;size:255;not null"`
	Payload         []byte                 `gorm:"column:payload;not null"`
	Reason          enums.DeadLetterReason `gorm:"column:reason;size:64;not null"`
	ErrorMessage    *string                `gorm:"column:error_message"`
	PublishAttempts int                    `gorm:"column:publish_attempts;not null;default:0"`
	FailedAt        time.Time              `gorm:"column:failed_at;not null;index"`
}

func (OutboxDeadLetter) TableName() string { return "outbox_dead_letters" }
