package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"featurebot/internal"
	"featurebot/pkg/queue"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-playground/webhooks/v6/github"
	"github.com/rs/zerolog"
)

const providerGitHub = "github"

// GitHubHandler verifies GitHub deliveries and routes them to topics.
type GitHubHandler struct {
	hook         *github.Webhook
	fallbackHook *github.Webhook
	secret       string
	rules        *internal.RuleEngine
	publisher    queue.Publisher
	logger       *zerolog.Logger
	maxBody      int64
	debugEvents  bool
}

var githubEvents = []github.Event{
	github.CheckRunEvent,
	github.CheckSuiteEvent,
	github.InstallationEvent,
	github.InstallationRepositoriesEvent,
	github.PingEvent,
	github.PullRequestEvent,
	github.PushEvent,
}

// NewGitHubHandler creates a new GitHubHandler. An empty secret disables
// signature verification.
func NewGitHubHandler(secret string, rules *internal.RuleEngine, publisher queue.Publisher, logger *zerolog.Logger, maxBody int64, debugEvents bool) (*GitHubHandler, error) {
	if rules == nil {
		return nil, errors.New("rule engine is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	hook, err := github.New(github.Options.Secret(secret))
	if err != nil {
		return nil, err
	}
	fallbackHook, err := github.New()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = internal.NewLogger("webhook")
	}
	return &GitHubHandler{
		hook:         hook,
		fallbackHook: fallbackHook,
		secret:       secret,
		rules:        rules,
		publisher:    publisher,
		logger:       logger,
		maxBody:      maxBody,
		debugEvents:  debugEvents,
	}, nil
}

// ServeHTTP handles an incoming HTTP request.
func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	internal.IncRequest(providerGitHub)
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	logger := internal.WithRequestID(h.logger, reqID)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	eventName := r.Header.Get("X-GitHub-Event")
	if h.debugEvents {
		logDebugEvent(logger, providerGitHub, eventName, rawBody)
	}

	var payload interface{}
	if sha256Header := r.Header.Get("X-Hub-Signature-256"); sha256Header != "" && h.secret != "" {
		// The library only checks X-Hub-Signature, so sha256 is verified here.
		if !verifyGitHubSHA256(h.secret, rawBody, sha256Header) {
			internal.IncParseError(providerGitHub)
			logger.Warn().Str("event", eventName).Msg("github sha256 signature mismatch")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payload, err = h.fallbackHook.Parse(r, githubEvents...)
	} else {
		payload, err = h.hook.Parse(r, githubEvents...)
		if err == nil && h.secret != "" {
			logger.Warn().Msg("accepted sha1 signature")
		}
	}
	if err != nil {
		if errors.Is(err, github.ErrEventNotFound) {
			logger.Debug().Str("event", eventName).Msg("ignoring unrouted github event")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		internal.IncParseError(providerGitHub)
		logger.Warn().Err(err).Str("event", eventName).Msg("github parse failed")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch p := payload.(type) {
	case github.PingPayload:
		w.WriteHeader(http.StatusOK)
		return
	case github.InstallationPayload:
		logger.Info().
			Str("action", p.Action).
			Int64("installation", p.Installation.ID).
			Msg("github installation changed")
	}

	var rawObject interface{}
	if err := json.Unmarshal(rawBody, &rawObject); err != nil {
		internal.IncParseError(providerGitHub)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.emit(r, logger, internal.Event{
		Provider:   providerGitHub,
		Name:       eventName,
		RequestID:  reqID,
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
		RawPayload: rawBody,
		RawObject:  rawObject,
	})

	w.WriteHeader(http.StatusOK)
}

// emit publishes to every matching topic. A failed publish is logged and
// counted; the delivery is still acknowledged.
func (h *GitHubHandler) emit(r *http.Request, logger *zerolog.Logger, event internal.Event) {
	matches := h.rules.EvaluateWithLogger(event, logger)
	topics := make([]string, 0, len(matches))
	for _, match := range matches {
		topics = append(topics, match.Topic)
	}
	logger.Info().Str("provider", event.Provider).Str("event", event.Name).Strs("topics", topics).Msg("event routed")
	for _, match := range matches {
		if err := h.publisher.PublishForDrivers(r.Context(), match.Topic, event, match.Drivers); err != nil {
			internal.IncPublishError(strings.Join(match.Drivers, ","))
			logger.Error().Err(err).Str("topic", match.Topic).Msg("publish failed")
		}
	}
}

func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-Id")); id != "" {
		return id
	}
	return watermill.NewUUID()
}

func logDebugEvent(logger *zerolog.Logger, provider, event string, body []byte) {
	logger.Debug().Str("provider", provider).Str("event", event).RawJSON("body", compactJSON(body)).Msg("webhook payload")
}

func compactJSON(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		quoted, _ := json.Marshal(string(body))
		return quoted
	}
	return buf.Bytes()
}

func verifyGitHubSHA256(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
