package models

import "time"

// OutboxRecord is a pending event written in the same transaction as the
// business change it describes. Only the relay mutates it afterwards.
type OutboxRecord struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	AggregateID     string     `gorm:"column:aggregate_id;size:255;not null;index:idx_outbox_records_aggregate"`
	EventType       string     `gorm:"column:event_type;size:255;not null"`
	Payload         []byte     `gorm:"column:payload;not null"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null;index:idx_outbox_records_pending,priority:2"`
	Published       bool       `gorm:"column:published;not null;default:false;index:idx_outbox_records_pending,priority:1"`
	PublishedAt     *time.Time `gorm:"column:published_at"`
	PublishAttempts int        `gorm:"column:publish_attempts;not null;default:0"`
	LastError       *string    `gorm:"column:last_error"`
	DeadLetteredAt  *time.Time `gorm:"column:dead_lettered_at"`
}

func (OutboxRecord) TableName() string { return "outbox_records" }
