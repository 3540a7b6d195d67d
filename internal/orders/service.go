package orders

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/outbox-relay/pkg/db"
	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (models.OutboxRecord, error)
}

// Service places orders. The order row and its OrderCreated record commit
// or roll back together.
type Service interface {
	CreateOrder(ctx context.Context, customerID string) (*models.Order, error)
}

type service struct {
	repo   Repository
	tx     txRunner
	outbox outboxPublisher
	now    func() time.Time
	newID  func() string
}

func NewService(repo Repository, tx txRunner, publisher outboxPublisher) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "order repository required")
	}
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if publisher == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "outbox publisher required")
	}
	return &service{
		repo:   repo,
		tx:     tx,
		outbox: publisher,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}, nil
}

func (s *service) CreateOrder(ctx context.Context, customerID string) (*models.Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}

	order := &models.Order{
		ID:         s.newID(),
		CustomerID: customerID,
		Status:     enums.OrderStatusCreated,
		CreatedAt:  s.now(),
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.repo.WithTx(tx).Create(ctx, order); err != nil {
			if db.IsUniqueViolation(err, "") {
				return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "order already exists")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		_, err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			AggregateID: order.ID,
			EventType:   enums.EventOrderCreated,
			OccurredAt:  order.CreatedAt,
			Data: OrderCreatedEvent{
				OrderID:    order.ID,
				CustomerID: order.CustomerID,
				Status:     string(order.Status),
				CreatedAt:  order.CreatedAt,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}
