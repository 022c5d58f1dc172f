package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"featurebot/internal"
	"featurebot/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRuns struct {
	records []storage.RunRecord
	filter  storage.RunFilter
}

func (m *memoryRuns) CreateRun(ctx context.Context, record *storage.RunRecord) error {
	record.ID = uint(len(m.records) + 1)
	m.records = append(m.records, *record)
	return nil
}

func (m *memoryRuns) GetRun(ctx context.Context, id uint) (*storage.RunRecord, error) {
	for _, record := range m.records {
		if record.ID == id {
			record := record
			return &record, nil
		}
	}
	return nil, nil
}

func (m *memoryRuns) ListRuns(ctx context.Context, filter storage.RunFilter) ([]storage.RunRecord, error) {
	m.filter = filter
	return m.records, nil
}

func (m *memoryRuns) Close() error { return nil }

type capturePublisher struct {
	topic string
	event internal.Event
	err   error
}

func (c *capturePublisher) Publish(ctx context.Context, topic string, event internal.Event) error {
	c.topic = topic
	c.event = event
	return c.err
}

func seededRuns(t *testing.T) *memoryRuns {
	t.Helper()
	runs := &memoryRuns{}
	require.NoError(t, runs.CreateRun(context.Background(), &storage.RunRecord{
		RequestID:  "req-1",
		DeliveryID: "del-1",
		Repository: "acme/features",
		HeadSHA:    "abc",
		Event:      "check_run",
		Topic:      "featurebot.check_run.completed",
		Action:     "prune",
		Outcome:    "failure",
		Error:      "ref heads/master moved",
		Transcript: "Pruning\nError: ref heads/master moved",
		Payload:    []byte(`{"action":"completed"}`),
		CreatedAt:  time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, runs.CreateRun(context.Background(), &storage.RunRecord{
		Repository: "acme/features",
		Event:      "check_run",
		Action:     "none",
		Outcome:    "neutral",
	}))
	return runs
}

func newMux(runs storage.RunStore, pub Publisher, token string) *http.ServeMux {
	mux := http.NewServeMux()
	Register(mux, "/api/", token, runs, pub, nil)
	return mux
}

func TestListRuns(t *testing.T) {
	runs := seededRuns(t)
	req := httptest.NewRequest(http.MethodGet, "/api/runs?repository=acme/features&outcome=failure&limit=5", nil)
	rec := httptest.NewRecorder()
	newMux(runs, nil, "").ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, storage.RunFilter{Repository: "acme/features", Outcome: "failure", Limit: 5}, runs.filter)

	var views []map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&views))
	require.Len(t, views, 2)
	assert.Equal(t, "prune", views[0]["action"])
	assert.Equal(t, "2026-10-01T12:00:00Z", views[0]["created_at"])
	assert.NotContains(t, views[0], "payload")
}

func TestGetRunIncludesPayload(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/runs?id=1", nil)
	rec := httptest.NewRecorder()
	newMux(seededRuns(t), nil, "").ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, map[string]interface{}{"action": "completed"}, view["payload"])
	assert.Len(t, view["transcript"], 2)
}

func TestGetRunErrors(t *testing.T) {
	mux := newMux(seededRuns(t), nil, "")
	for target, code := range map[string]int{
		"/api/runs?id=9":      http.StatusNotFound,
		"/api/runs?id=x":      http.StatusBadRequest,
		"/api/runs?limit=-1":  http.StatusBadRequest,
		"/api/runs?limit=abc": http.StatusBadRequest,
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, code, rec.Code, target)
	}
}

func TestRetriggerRepublishes(t *testing.T) {
	pub := &capturePublisher{}
	rec := httptest.NewRecorder()
	newMux(seededRuns(t), pub, "").ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs/retrigger?id=1", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "featurebot.check_run.completed", pub.topic)
	assert.Equal(t, "check_run", pub.event.Name)
	assert.Equal(t, "del-1", pub.event.DeliveryID)
	assert.NotEmpty(t, pub.event.RequestID)
	assert.NotEqual(t, "req-1", pub.event.RequestID)
	assert.JSONEq(t, `{"action":"completed"}`, string(pub.event.RawPayload))
}

func TestRetriggerWithoutDelivery(t *testing.T) {
	rec := httptest.NewRecorder()
	newMux(seededRuns(t), &capturePublisher{}, "").ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs/retrigger?id=2", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetriggerPublishFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	pub := &capturePublisher{err: errors.New("down")}
	newMux(seededRuns(t), pub, "").ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/runs/retrigger?id=1", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRetriggerRequiresPost(t *testing.T) {
	rec := httptest.NewRecorder()
	newMux(seededRuns(t), &capturePublisher{}, "").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/retrigger?id=1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequireToken(t *testing.T) {
	mux := newMux(seededRuns(t), nil, "tok")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunsWithoutStorage(t *testing.T) {
	rec := httptest.NewRecorder()
	newMux(nil, nil, "").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
