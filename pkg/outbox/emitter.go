package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

type DomainEvent struct {
	AggregateID string
	EventType   string
	Data        any
	Version     int
	OccurredAt  time.Time
}

// Emitter wraps domain data in a PayloadEnvelope before appending it.
type Emitter struct {
	store *Store
	logg  *logger.Logger
}

func NewEmitter(store *Store, logg *logger.Logger) *Emitter {
	return &Emitter{store: store, logg: logg}
}

func (e *Emitter) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) (models.OutboxRecord, error) {
	if tx == nil {
		return models.OutboxRecord{}, pkgerrors.New(pkgerrors.CodeValidation, "transaction required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return models.OutboxRecord{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encode event data")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Version == 0 {
		event.Version = 1
	}
	envelope := PayloadEnvelope{
		Version:    event.Version,
		EventID:    uuid.NewString(),
		EventType:  event.EventType,
		OccurredAt: event.OccurredAt,
		Data:       data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return models.OutboxRecord{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode envelope")
	}
	record, err := e.store.Append(ctx, tx, AppendParams{
		AggregateID: event.AggregateID,
		EventType:   event.EventType,
		Payload:     payload,
	})
	if err != nil {
		return models.OutboxRecord{}, err
	}
	if e.logg != nil {
		logCtx := e.logg.WithFields(ctx, map[string]any{
			"event_id":     envelope.EventID,
			"event_type":   event.EventType,
			"aggregate_id": event.AggregateID,
		})
		e.logg.Debug(logCtx, "outbox event queued")
	}
	return record, nil
}
