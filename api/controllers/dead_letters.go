package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/outbox-relay/api/responses"
	"github.com/angelmondragon/outbox-relay/api/validators"
	"github.com/angelmondragon/outbox-relay/pkg/db/models"
	pkgerrors "github.com/angelmondragon/outbox-relay/pkg/errors"
	"github.com/angelmondragon/outbox-relay/pkg/logger"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// DeadLetterRequeuer hands a dead-lettered record back to the relay.
type DeadLetterRequeuer interface {
	Requeue(ctx context.Context, recordID int64) error
}

// DeadLetterReader is the read side of the dead-letter table.
type DeadLetterReader interface {
	List(ctx context.Context, limit int) ([]models.OutboxDeadLetter, error)
	FindByRecordID(ctx context.Context, recordID int64) (*models.OutboxDeadLetter, error)
}

type DeadLetterView struct {
	ID              int64           `json:"id"`
	RecordID        int64           `json:"record_id"`
	AggregateID     string          `json:"aggregate_id"`
	EventType       string          `json:"event_type"`
	Reason          string          `json:"reason"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	PublishAttempts int             `json:"publish_attempts"`
	FailedAt        time.Time       `json:"failed_at"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	PayloadBytes    []byte          `json:"payload_base64,omitempty"`
}

func newDeadLetterView(entry models.OutboxDeadLetter) DeadLetterView {
	view := DeadLetterView{
		ID:              entry.ID,
		RecordID:        entry.RecordID,
		AggregateID:     entry.AggregateID,
		EventType:       entry.EventType,
		Reason:          string(entry.Reason),
		ErrorMessage:    entry.ErrorMessage,
		PublishAttempts: entry.PublishAttempts,
		FailedAt:        entry.FailedAt,
	}
	if json.Valid(entry.Payload) {
		view.Payload = json.RawMessage(entry.Payload)
	} else {
		view.PayloadBytes = entry.Payload
	}
	return view
}

// ListDeadLetters serves GET /admin/dead-letters?limit=&record_id=.
func ListDeadLetters(store DeadLetterReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		recordID, byRecord, err := validators.ParseQueryInt64(r, "record_id")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if byRecord {
			entry, err := store.FindByRecordID(ctx, recordID)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			if entry == nil {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "dead letter not found"))
				return
			}
			responses.WriteSuccess(w, newDeadLetterView(*entry))
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", defaultDeadLetterLimit, 1, maxDeadLetterLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		entries, err := store.List(ctx, limit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		views := make([]DeadLetterView, 0, len(entries))
		for _, entry := range entries {
			views = append(views, newDeadLetterView(entry))
		}
		responses.WriteSuccess(w, views)
	}
}

type requeueResponse struct {
	RecordID int64 `json:"record_id"`
	Requeued bool  `json:"requeued"`
}

// RequeueDeadLetter serves POST /admin/dead-letters/{record_id}/requeue.
// The record gets a fresh attempt budget and is picked up by the next tick.
func RequeueDeadLetter(store DeadLetterRequeuer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		recordID, err := strconv.ParseInt(chi.URLParam(r, "record_id"), 10, 64)
		if err != nil || recordID <= 0 {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "record_id must be a positive integer"))
			return
		}
		ctx = logg.WithRecordID(ctx, recordID)
		if err := store.Requeue(ctx, recordID); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		logg.Info(ctx, "dead-lettered outbox record requeued")
		responses.WriteSuccessStatus(w, http.StatusAccepted, requeueResponse{RecordID: recordID, Requeued: true})
	}
}
