package orders

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	"github.com/angelmondragon/outbox-relay/pkg/enums"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
	"github.com/angelmondragon/outbox-relay/pkg/outbox"
)

type failingPublisher struct {
	err error
}

func (f failingPublisher) Emit(context.Context, *gorm.DB, outbox.DomainEvent) (models.OutboxRecord, error) {
	return models.OutboxRecord{}, f.err
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

func TestCreateOrderAppendsOutboxRecordAtomically(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	store := outbox.NewStore(client.DB())
	svc, err := NewService(NewRepository(client.DB()), client, outbox.NewEmitter(store, logger.Nop()))
	require.NoError(t, err)

	order, err := svc.CreateOrder(ctx, " customer-1 ")
	require.NoError(t, err)
	assert.Equal(t, "customer-1", order.CustomerID)
	assert.Equal(t, enums.OrderStatusCreated, order.Status)

	records, err := store.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	record := records[0]
	assert.Equal(t, order.ID, record.AggregateID)
	assert.Equal(t, enums.EventOrderCreated, record.EventType)
	assert.False(t, record.Published)

	envelope, err := outbox.DecodeEnvelope(record.Payload)
	require.NoError(t, err)
	assert.NotEmpty(t, envelope.EventID)
	var data OrderCreatedEvent
	require.NoError(t, json.Unmarshal(envelope.Data, &data))
	assert.Equal(t, order.ID, data.OrderID)
	assert.Equal(t, "customer-1", data.CustomerID)
}

func TestCreateOrderRollsBackWhenAppendFails(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	boom := pkgerrors.StoreUnavailable(errors.New("disk full"), "append")
	svc, err := NewService(NewRepository(client.DB()), client, failingPublisher{err: boom})
	require.NoError(t, err)

	_, err = svc.CreateOrder(ctx, "customer-1")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStoreUnavailable))
	assert.Zero(t, countRows(t, client.DB(), &models.Order{}))
	assert.Zero(t, countRows(t, client.DB(), &models.OutboxRecord{}))
}

func TestCreateOrderWritesNothingWhenOrderInsertFails(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	store := outbox.NewStore(client.DB())
	svc, err := NewService(NewRepository(client.DB()), client, outbox.NewEmitter(store, logger.Nop()))
	require.NoError(t, err)

	impl := svc.(*service)
	impl.newID = func() string { return "order-dup" }

	_, err = svc.CreateOrder(ctx, "customer-1")
	require.NoError(t, err)
	_, err = svc.CreateOrder(ctx, "customer-2")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	assert.Equal(t, int64(1), countRows(t, client.DB(), &models.Order{}))
	assert.Equal(t, int64(1), countRows(t, client.DB(), &models.OutboxRecord{}))
}

func TestCreateOrderRequiresCustomer(t *testing.T) {
	client := newTestClient(t)
	svc, err := NewService(NewRepository(client.DB()), client, failingPublisher{})
	require.NoError(t, err)

	_, err = svc.CreateOrder(context.Background(), "  ")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	client := newTestClient(t)
	_, err := NewService(nil, client, failingPublisher{})
	assert.Error(t, err)
	_, err = NewService(NewRepository(client.DB()), nil, failingPublisher{})
	assert.Error(t, err)
	_, err = NewService(NewRepository(client.DB()), client, nil)
	assert.Error(t, err)
}
