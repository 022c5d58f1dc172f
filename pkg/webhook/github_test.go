package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"featurebot/internal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

const checkRunBody = `{"action":"completed","check_run":{"id":1,"name":"Travis CI - Branch","head_sha":"abc","status":"completed","conclusion":"success"},"repository":{"id":5,"name":"features","full_name":"acme/features","owner":{"login":"acme"}},"installation":{"id":77}}`

type published struct {
	topic   string
	event   internal.Event
	drivers []string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event internal.Event) error {
	return p.PublishForDrivers(ctx, topic, event, nil)
}

func (p *recordingPublisher) PublishForDrivers(ctx context.Context, topic string, event internal.Event, drivers []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{topic: topic, event: event, drivers: drivers})
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func newTestHandler(t *testing.T, pub *recordingPublisher, maxBody int64) *GitHubHandler {
	t.Helper()
	rules, err := internal.NewRuleEngine(internal.RulesConfig{})
	require.NoError(t, err)
	h, err := NewGitHubHandler(testSecret, rules, pub, nil, maxBody, false)
	require.NoError(t, err)
	return h
}

func sign256(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func sign1(body string) string {
	mac := hmac.New(sha1.New, []byte(testSecret))
	mac.Write([]byte(body))
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func deliver(h http.Handler, event, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGitHubCheckRunIsRouted(t *testing.T) {
	pub := &recordingPublisher{}
	h := newTestHandler(t, pub, 0)

	rec := deliver(h, "check_run", checkRunBody, map[string]string{
		"X-Hub-Signature-256": sign256(checkRunBody),
		"X-Request-Id":        "req-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-Id"))

	require.Len(t, pub.events, 1)
	got := pub.events[0]
	assert.Equal(t, internal.DefaultTopic, got.topic)
	assert.Equal(t, "check_run", got.event.Name)
	assert.Equal(t, "github", got.event.Provider)
	assert.Equal(t, "req-1", got.event.RequestID)
	assert.Equal(t, "delivery-1", got.event.DeliveryID)
	assert.JSONEq(t, checkRunBody, string(got.event.RawPayload))
}

func TestGitHubGeneratesRequestID(t *testing.T) {
	pub := &recordingPublisher{}
	rec := deliver(newTestHandler(t, pub, 0), "check_run", checkRunBody, map[string]string{
		"X-Hub-Signature-256": sign256(checkRunBody),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestGitHubRejectsBadSignature(t *testing.T) {
	pub := &recordingPublisher{}
	rec := deliver(newTestHandler(t, pub, 0), "check_run", checkRunBody, map[string]string{
		"X-Hub-Signature-256": sign256("other body"),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, pub.events)
}

func TestGitHubAcceptsSHA1Fallback(t *testing.T) {
	pub := &recordingPublisher{}
	rec := deliver(newTestHandler(t, pub, 0), "check_run", checkRunBody, map[string]string{
		"X-Hub-Signature": sign1(checkRunBody),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, pub.events, 1)
}

func TestGitHubPingIsAcknowledged(t *testing.T) {
	body := `{"zen":"Keep it logically awesome.","hook_id":1}`
	pub := &recordingPublisher{}
	rec := deliver(newTestHandler(t, pub, 0), "ping", body, map[string]string{
		"X-Hub-Signature-256": sign256(body),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, pub.events)
}

func TestGitHubUnroutedEventIsIgnored(t *testing.T) {
	body := `{"action":"opened"}`
	pub := &recordingPublisher{}
	rec := deliver(newTestHandler(t, pub, 0), "issues", body, map[string]string{
		"X-Hub-Signature-256": sign256(body),
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, pub.events)
}

func TestGitHubRuleMismatchPublishesNothing(t *testing.T) {
	body := strings.Replace(checkRunBody, `"action":"completed"`, `"action":"created"`, 1)
	pub := &recordingPublisher{}
	rec := deliver(newTestHandler(t, pub, 0), "check_run", body, map[string]string{
		"X-Hub-Signature-256": sign256(body),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, pub.events)
}

func TestGitHubPublishFailureStillAcknowledged(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	rec := deliver(newTestHandler(t, pub, 0), "check_run", checkRunBody, map[string]string{
		"X-Hub-Signature-256": sign256(checkRunBody),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, pub.events, 1)
}

func TestGitHubBodyLimit(t *testing.T) {
	pub := &recordingPublisher{}
	rec := deliver(newTestHandler(t, pub, 16), "check_run", checkRunBody, map[string]string{
		"X-Hub-Signature-256": sign256(checkRunBody),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, pub.events)
}

func TestGitHubRejectsGet(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/webhooks/github", nil)
	rec := httptest.NewRecorder()
	newTestHandler(t, &recordingPublisher{}, 0).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestVerifyGitHubSHA256(t *testing.T) {
	body := []byte(`{"a":1}`)
	assert.True(t, verifyGitHubSHA256(testSecret, body, sign256(string(body))))
	assert.False(t, verifyGitHubSHA256(testSecret, body, "sha256=deadbeef"))
	assert.False(t, verifyGitHubSHA256("", body, sign256(string(body))))
}

func TestGitHubSHA256TakesPrecedenceOverSHA1(t *testing.T) {
	pub := &recordingPublisher{}
	rec := deliver(newTestHandler(t, pub, 0), "check_run", checkRunBody, map[string]string{
		"X-Hub-Signature-256": sign256("other body"),
		"X-Hub-Signature":     sign1(checkRunBody),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, pub.events)
}

func TestGitHubRejectsUnsignedDelivery(t *testing.T) {
	pub := &recordingPublisher{}
	rec := deliver(newTestHandler(t, pub, 0), "check_run", checkRunBody, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, pub.events)
}
