package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"featurebot/internal"
	"featurebot/pkg/storage"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// Publisher is the subset of queue.Publisher the API needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, event internal.Event) error
}

// RunsHandler lists recorded policy runs, or returns one with ?id=.
type RunsHandler struct {
	Store  storage.RunStore
	Logger *zerolog.Logger
}

func (h *RunsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Store == nil {
		http.Error(w, "storage not configured", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	if rawID := strings.TrimSpace(query.Get("id")); rawID != "" {
		id, err := parseID(rawID)
		if err != nil {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		record, err := h.Store.GetRun(r.Context(), id)
		if err != nil {
			h.fail(w, "get run failed", err)
			return
		}
		if record == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, toRunView(*record, true))
		return
	}

	filter := storage.RunFilter{
		Repository: strings.TrimSpace(query.Get("repository")),
		Outcome:    strings.TrimSpace(query.Get("outcome")),
	}
	if rawLimit := strings.TrimSpace(query.Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	records, err := h.Store.ListRuns(r.Context(), filter)
	if err != nil {
		h.fail(w, "list runs failed", err)
		return
	}
	views := make([]runView, 0, len(records))
	for _, record := range records {
		views = append(views, toRunView(record, false))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *RunsHandler) fail(w http.ResponseWriter, msg string, err error) {
	http.Error(w, msg, http.StatusInternalServerError)
	if h.Logger != nil {
		h.Logger.Error().Err(err).Msg(msg)
	}
}

// RetriggerHandler republishes a recorded webhook payload to the topic it
// was first consumed from. The new delivery keeps the original delivery id
// and gets a fresh request id.
type RetriggerHandler struct {
	Store     storage.RunStore
	Publisher Publisher
	Logger    *zerolog.Logger
}

func (h *RetriggerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Store == nil || h.Publisher == nil {
		http.Error(w, "retrigger not configured", http.StatusServiceUnavailable)
		return
	}
	id, err := parseID(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	record, err := h.Store.GetRun(r.Context(), id)
	if err != nil {
		http.Error(w, "get run failed", http.StatusInternalServerError)
		return
	}
	if record == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if record.Topic == "" || len(record.Payload) == 0 {
		http.Error(w, "run has no recorded delivery", http.StatusConflict)
		return
	}

	event := internal.Event{
		Provider:   "github",
		Name:       record.Event,
		RequestID:  watermill.NewUUID(),
		DeliveryID: record.DeliveryID,
		RawPayload: record.Payload,
	}
	if err := h.Publisher.Publish(r.Context(), record.Topic, event); err != nil {
		internal.IncPublishError("api")
		if h.Logger != nil {
			h.Logger.Error().Err(err).Uint("run", record.ID).Str("topic", record.Topic).Msg("retrigger publish failed")
		}
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	if h.Logger != nil {
		h.Logger.Info().Uint("run", record.ID).Str("topic", record.Topic).Str("request_id", event.RequestID).Msg("run retriggered")
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":         record.ID,
		"topic":      record.Topic,
		"request_id": event.RequestID,
	})
}

// RequireToken rejects requests without the bearer token. An empty token
// leaves the handler open.
func RequireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Register mounts the operator API under prefix.
func Register(mux *http.ServeMux, prefix, token string, store storage.RunStore, publisher Publisher, logger *zerolog.Logger) {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	mux.Handle(prefix+"/runs", RequireToken(token, &RunsHandler{Store: store, Logger: logger}))
	mux.Handle(prefix+"/runs/retrigger", RequireToken(token, &RetriggerHandler{Store: store, Publisher: publisher, Logger: logger}))
}

type runView struct {
	ID         uint            `json:"id"`
	RequestID  string          `json:"request_id,omitempty"`
	DeliveryID string          `json:"delivery_id,omitempty"`
	Repository string          `json:"repository"`
	HeadSHA    string          `json:"head_sha"`
	Event      string          `json:"event"`
	Topic      string          `json:"topic,omitempty"`
	Action     string          `json:"action"`
	Outcome    string          `json:"outcome"`
	Error      string          `json:"error,omitempty"`
	CommitSHA  string          `json:"commit_sha,omitempty"`
	Transcript []string        `json:"transcript,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

func toRunView(record storage.RunRecord, withPayload bool) runView {
	view := runView{
		ID:         record.ID,
		RequestID:  record.RequestID,
		DeliveryID: record.DeliveryID,
		Repository: record.Repository,
		HeadSHA:    record.HeadSHA,
		Event:      record.Event,
		Topic:      record.Topic,
		Action:     record.Action,
		Outcome:    record.Outcome,
		Error:      record.Error,
		CommitSHA:  record.CommitSHA,
		CreatedAt:  record.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if record.Transcript != "" {
		view.Transcript = strings.Split(record.Transcript, "\n")
	}
	if withPayload && json.Valid(record.Payload) {
		view.Payload = json.RawMessage(record.Payload)
	}
	return view
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, strconv.ErrSyntax
	}
	return uint(id), nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
