package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arlo-systems/eventbus/pkg/clock"
	"github.com/arlo-systems/eventbus/pkg/db/models"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
	"github.com/arlo-systems/eventbus/pkg/logger"
	"github.com/arlo-systems/eventbus/pkg/observe"
)

// DeadLetterStore is the slice of the outbox repository the admin surface
// needs.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, limit int) ([]models.OutboxDeadLetter, error)
	Replay(ctx context.Context, id uuid.UUID, now time.Time) error
}

type deadLetterView struct {
	EventID      string    `json:"eventId"`
	EventType    string    `json:"eventType"`
	Topic        string    `json:"topic"`
	ErrorReason  string    `json:"errorReason"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	AttemptCount int       `json:"attemptCount"`
	FailedAt     time.Time `json:"failedAt"`
}

func listDeadLetters(logg *logger.Logger, store DeadLetterStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 || parsed > 500 {
				writeError(r.Context(), logg, w, appErrors.New(appErrors.CodeValidation, "limit must be between 1 and 500"))
				return
			}
			limit = parsed
		}

		entries, err := store.ListDeadLetters(r.Context(), limit)
		if err != nil {
			writeError(r.Context(), logg, w, err)
			return
		}

		views := make([]deadLetterView, 0, len(entries))
		for _, entry := range entries {
			view := deadLetterView{
				EventID:      entry.EventID.String(),
				EventType:    entry.EventType,
				Topic:        entry.Topic,
				ErrorReason:  string(entry.ErrorReason),
				AttemptCount: entry.AttemptCount,
				FailedAt:     entry.FailedAt,
			}
			if entry.ErrorMessage != nil {
				view.ErrorMessage = *entry.ErrorMessage
			}
			views = append(views, view)
		}
		writeSuccess(w, views)
	}
}

func replayDeadLetter(logg *logger.Logger, store DeadLetterStore, clk clock.Clock, emitter observe.Emitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID, err := uuid.Parse(chi.URLParam(r, "eventId"))
		if err != nil {
			writeError(r.Context(), logg, w, appErrors.New(appErrors.CodeValidation, "invalid event id"))
			return
		}

		if err := store.Replay(r.Context(), eventID, clk.Now()); err != nil {
			writeError(r.Context(), logg, w, err)
			return
		}

		emitter.Emit(r.Context(), observe.EventDeadLetterReplay, map[string]any{
			"event_id": eventID.String(),
		})
		if logg != nil {
			logg.Info(logg.WithEventID(r.Context(), eventID.String()), "dead letter requeued for replay")
		}
		writeSuccess(w, map[string]string{"eventId": eventID.String(), "status": "pending"})
	}
}
