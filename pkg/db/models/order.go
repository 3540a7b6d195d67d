package models

import (
	"time"

	"github.com/angelmondragon/outbox-relay/pkg/enums"
)

// Order is the business row written alongside its OrderCreated outbox record.
type Order struct {
	ID         string            `gorm:"column:id;primaryKey;size:64"`
	CustomerID string            `gorm:"column:customer_id;size:255;not null"`
	Status     enums.OrderStatus `gorm:"column:status;size:32;not null"`
	CreatedAt  time.Time         `gorm:"column:created_at;not null"`
}

func (Order) TableName() string { return "orders" }
