package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arlo-systems/eventbus/pkg/clock"
	"github.com/arlo-systems/eventbus/pkg/db/models"
	"github.com/arlo-systems/eventbus/pkg/enums"
	appErrors "github.com/arlo-systems/eventbus/pkg/errors"
	"github.com/arlo-systems/eventbus/pkg/observe"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(context.Context) error { return p.err }

type fakeDeadLetterStore struct {
	entries   []models.OutboxDeadLetter
	listErr   error
	replayErr error
	replayed  []uuid.UUID
}

func (s *fakeDeadLetterStore) ListDeadLetters(_ context.Context, limit int) ([]models.OutboxDeadLetter, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	if limit > len(s.entries) {
		limit = len(s.entries)
	}
	return s.entries[:limit], nil
}

func (s *fakeDeadLetterStore) Replay(_ context.Context, id uuid.UUID, _ time.Time) error {
	if s.replayErr != nil {
		return s.replayErr
	}
	s.replayed = append(s.replayed, id)
	return nil
}

func doRequest(t *testing.T, handler http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsOKWhenDependenciesRespond(t *testing.T) {
	handler := NewRouter(Params{
		DB:     &fakePinger{},
		Redis:  &fakePinger{},
		Broker: &fakePinger{},
	})

	rec := doRequest(t, handler, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "ok", checks["redis"])
	assert.Equal(t, "ok", checks["broker"])
}

func TestHealthzReportsDegradedOnPingFailure(t *testing.T) {
	handler := NewRouter(Params{
		DB:    &fakePinger{},
		Redis: &fakePinger{err: errors.New("connection refused")},
	})

	rec := doRequest(t, handler, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestHealthzSkipsAbsentDependencies(t *testing.T) {
	handler := NewRouter(Params{DB: &fakePinger{}})

	rec := doRequest(t, handler, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	checks := body["checks"].(map[string]any)
	assert.NotContains(t, checks, "redis")
	assert.NotContains(t, checks, "broker")
}

func TestListDeadLettersReturnsEntries(t *testing.T) {
	msg := "connection refused"
	store := &fakeDeadLetterStore{entries: []models.OutboxDeadLetter{{
		EventID:      uuid.New(),
		EventType:    "order.created",
		Topic:        "eventbus.order",
		ErrorReason:  enums.DeadLetterMaxAttempts,
		ErrorMessage: &msg,
		AttemptCount: 10,
		FailedAt:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}}}
	handler := NewRouter(Params{DeadLetter: store})

	rec := doRequest(t, handler, http.MethodGet, "/dead-letters/")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []deadLetterView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, "order.created", body.Data[0].EventType)
	assert.Equal(t, "max_attempts", body.Data[0].ErrorReason)
	assert.Equal(t, msg, body.Data[0].ErrorMessage)
}

func TestListDeadLettersValidatesLimit(t *testing.T) {
	handler := NewRouter(Params{DeadLetter: &fakeDeadLetterStore{}})

	for _, limit := range []string{"0", "-1", "501", "abc"} {
		rec := doRequest(t, handler, http.MethodGet, "/dead-letters/?limit="+limit)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit %s", limit)
	}
}

func TestReplayDeadLetterRequeuesEvent(t *testing.T) {
	store := &fakeDeadLetterStore{}
	recorder := observe.NewRecorder()
	handler := NewRouter(Params{
		DeadLetter: store,
		Clock:      clock.NewMock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)),
		Emitter:    recorder,
	})

	eventID := uuid.New()
	rec := doRequest(t, handler, http.MethodPost, "/dead-letters/"+eventID.String()+"/replay")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, store.replayed, 1)
	assert.Equal(t, eventID, store.replayed[0])
	assert.Equal(t, 1, recorder.CountByName(observe.EventDeadLetterReplay))
}

func TestReplayDeadLetterRejectsMalformedID(t *testing.T) {
	handler := NewRouter(Params{DeadLetter: &fakeDeadLetterStore{}})

	rec := doRequest(t, handler, http.MethodPost, "/dead-letters/not-a-uuid/replay")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayDeadLetterMapsNotFound(t *testing.T) {
	store := &fakeDeadLetterStore{replayErr: appErrors.New(appErrors.CodeNotFound, "dead letter not found")}
	handler := NewRouter(Params{DeadLetter: store})

	rec := doRequest(t, handler, http.MethodPost, "/dead-letters/"+uuid.NewString()+"/replay")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(appErrors.CodeNotFound), body.Error.Code)
}

func TestRouterRecoversPanicsAndSetsRequestID(t *testing.T) {
	handler := NewRouter(Params{DB: &fakePinger{}})

	rec := doRequest(t, handler, http.MethodGet, "/healthz")
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
