package worker

import (
	"context"
	"errors"
	"expvar"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/riverqueue/river"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"featurebot/internal"
	"featurebot/pkg/queue"
)

func newMessage(payload string, metadata map[string]string) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), []byte(payload))
	for key, value := range metadata {
		msg.Metadata.Set(key, value)
	}
	return msg
}

func TestDefaultCodecReadsMetadata(t *testing.T) {
	msg := newMessage(`{"action":"completed"}`, map[string]string{
		"provider":   "github",
		"event":      "check_run",
		"request_id": "req-1",
	})
	evt, err := DefaultCodec{}.Decode("featurebot.check_run", msg)
	require.NoError(t, err)
	assert.Equal(t, "github", evt.Provider)
	assert.Equal(t, "check_run", evt.Type)
	assert.Equal(t, "featurebot.check_run", evt.Topic)
	assert.Equal(t, "req-1", evt.RequestID())
	assert.Equal(t, "completed", evt.Normalized["action"])
	assert.JSONEq(t, `{"action":"completed"}`, string(evt.Payload))
}

func TestDefaultCodecUnwrapsEnvelope(t *testing.T) {
	msg := newMessage(`{"provider":"github","name":"check_run","data":{"action":"completed"}}`, nil)
	evt, err := DefaultCodec{}.Decode("t", msg)
	require.NoError(t, err)
	assert.Equal(t, "check_run", evt.Type)
	assert.JSONEq(t, `{"action":"completed"}`, string(evt.Payload))
}

func TestDefaultCodecRejectsUnnamedMessages(t *testing.T) {
	_, err := DefaultCodec{}.Decode("t", newMessage(`{"action":"completed"}`, nil))
	assert.Error(t, err)
	_, err = DefaultCodec{}.Decode("t", newMessage(``, nil))
	assert.Error(t, err)
	_, err = DefaultCodec{}.Decode("t", newMessage(`{`, map[string]string{"event": "x"}))
	assert.Error(t, err)
}

func TestNoRetryAcks(t *testing.T) {
	decision := NoRetry{}.OnError(context.Background(), nil, errors.New("boom"))
	assert.False(t, decision.Retry)
	assert.False(t, decision.Nack)
	assert.True(t, NackOnError{}.OnError(context.Background(), nil, errors.New("boom")).Nack)
}

func TestProcessDispatchesByTopicThenType(t *testing.T) {
	var topicCalls, typeCalls int32
	w := New(WithTopics("a"))
	w.HandleTopic("a", func(ctx context.Context, evt *Event) error {
		atomic.AddInt32(&topicCalls, 1)
		return nil
	})
	w.HandleType("check_run", func(ctx context.Context, evt *Event) error {
		atomic.AddInt32(&typeCalls, 1)
		return nil
	})

	require.NoError(t, w.Process(context.Background(), &Event{Topic: "a", Type: "check_run"}))
	require.NoError(t, w.Process(context.Background(), &Event{Topic: "b", Type: "check_run"}))
	require.NoError(t, w.Process(context.Background(), &Event{Topic: "b", Type: "push"}))
	assert.EqualValues(t, 1, topicCalls)
	assert.EqualValues(t, 1, typeCalls)
}

func TestProcessResolvesClientOnce(t *testing.T) {
	var resolved int32
	w := New(WithClientProvider(ClientProviderFunc(func(ctx context.Context, evt *Event) (interface{}, error) {
		atomic.AddInt32(&resolved, 1)
		return "client", nil
	})))
	var seen interface{}
	w.HandleType("check_run", func(ctx context.Context, evt *Event) error {
		seen = evt.Client
		return nil
	})
	require.NoError(t, w.Process(context.Background(), &Event{Type: "check_run"}))
	assert.Equal(t, "client", seen)
	assert.EqualValues(t, 1, resolved)
}

func TestProcessClientError(t *testing.T) {
	var errs int32
	w := New(
		WithClientProvider(ClientProviderFunc(func(ctx context.Context, evt *Event) (interface{}, error) {
			return nil, errors.New("no credentials")
		})),
		WithListener(Listener{OnError: func(ctx context.Context, evt *Event, err error) {
			atomic.AddInt32(&errs, 1)
		}}),
	)
	w.HandleType("check_run", func(ctx context.Context, evt *Event) error {
		t.Fatal("handler must not run")
		return nil
	})
	require.Error(t, w.Process(context.Background(), &Event{Type: "check_run"}))
	assert.EqualValues(t, 1, errs)
}

func TestMiddlewareOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, evt *Event) error {
				order = append(order, name)
				return next(ctx, evt)
			}
		}
	}
	w := New(WithMiddleware(mark("outer"), mark("inner")))
	w.HandleType("push", func(ctx context.Context, evt *Event) error {
		order = append(order, "handler")
		return nil
	})
	require.NoError(t, w.Process(context.Background(), &Event{Type: "push"}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRecovererReturnsPanicAsError(t *testing.T) {
	w := New(WithMiddleware(Recoverer()))
	w.HandleType("push", func(ctx context.Context, evt *Event) error {
		panic("boom")
	})
	err := w.Process(context.Background(), &Event{Type: "push", Metadata: map[string]string{"request_id": "r"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestWatermillMiddlewareSeesEvent(t *testing.T) {
	var payload, correlation, provider string
	inspect := func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			payload = string(msg.Payload)
			correlation = middleware.MessageCorrelationID(msg)
			provider = msg.Metadata.Get("provider")
			return h(msg)
		}
	}
	handled := false
	w := New(WithMiddleware(MiddlewareFromWatermill(inspect)))
	w.HandleType("check_run", func(ctx context.Context, evt *Event) error {
		handled = true
		return nil
	})

	err := w.Process(context.Background(), &Event{
		Type:     "check_run",
		Payload:  []byte(`{"action":"completed"}`),
		Metadata: map[string]string{"request_id": "req-9", "provider": "github"},
	})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, `{"action":"completed"}`, payload)
	assert.Equal(t, "req-9", correlation)
	assert.Equal(t, "github", provider)
}

func TestRetryOptions(t *testing.T) {
	assert.Equal(t, NoRetry{}, New(WithRetry(nil)).retry)
	assert.Equal(t, NackOnError{}, New(WithConfig(internal.WorkerConfig{NackOnError: true})).retry)
	assert.Equal(t, NoRetry{}, New(WithConfig(internal.WorkerConfig{})).retry)
}

func TestRunConsumesAndAcksFailures(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8, Persistent: true}, watermill.NopLogger{})
	defer pubsub.Close()

	msg := newMessage(`{"action":"completed"}`, map[string]string{"provider": "github", "event": "check_run"})
	require.NoError(t, pubsub.Publish("featurebot.check_run", msg))

	var calls int32
	done := make(chan struct{}, 4)
	w := New(WithSubscriber(pubsub), WithTopics("featurebot.check_run"), WithConcurrency(2))
	w.HandleTopic("featurebot.check_run", func(ctx context.Context, evt *Event) error {
		atomic.AddInt32(&calls, 1)
		done <- struct{}{}
		return errors.New("policy failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not consumed")
	}

	// An acked failure is not redelivered.
	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRunRequiresSubscriberAndTopics(t *testing.T) {
	assert.Error(t, New().Run(context.Background()))
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubsub.Close()
	assert.Error(t, New(WithSubscriber(pubsub)).Run(context.Background()))
}

func TestEventFromArgs(t *testing.T) {
	evt := EventFromArgs(queue.EventArgs{
		Topic:      "featurebot.check_run",
		Provider:   "github",
		Name:       "check_run",
		RequestID:  "req",
		DeliveryID: "del",
		Payload:    []byte(`{"action":"completed"}`),
	})
	assert.Equal(t, "check_run", evt.Type)
	assert.Equal(t, "req", evt.RequestID())
	assert.Equal(t, "del", evt.DeliveryID())
	assert.Equal(t, "featurebot.check_run", evt.Topic)
}

func TestWithConfig(t *testing.T) {
	w := New(WithConfig(internal.WorkerConfig{
		Topics:      []string{"featurebot.check_run", ""},
		Concurrency: 3,
		NackOnError: true,
	}))
	assert.Equal(t, []string{"featurebot.check_run"}, w.topics)
	assert.Equal(t, 3, w.concurrency)
	assert.IsType(t, NackOnError{}, w.retry)

	w.HandleTopic("other", func(ctx context.Context, evt *Event) error { return nil })
	assert.NotContains(t, w.topicHandlers, "other")
}

func TestMetricsListenerCountsOutcomes(t *testing.T) {
	counter := func(key string) int64 {
		m := expvar.Get("featurebot_messages_total").(*expvar.Map)
		if v, ok := m.Get(key).(*expvar.Int); ok {
			return v.Value()
		}
		return 0
	}
	before := counter("metrics.test:failed")

	w := New(WithListener(MetricsListener()))
	w.HandleTopic("metrics.test", func(ctx context.Context, evt *Event) error { return errors.New("no") })
	require.Error(t, w.Process(context.Background(), &Event{Topic: "metrics.test"}))
	assert.Equal(t, before+1, counter("metrics.test:failed"))
}

func TestRiverWorkerRunsPipeline(t *testing.T) {
	var started, finished int32
	w := New(WithListener(Listener{
		OnMessageStart:  func(ctx context.Context, evt *Event) { atomic.AddInt32(&started, 1) },
		OnMessageFinish: func(ctx context.Context, evt *Event, err error) { atomic.AddInt32(&finished, 1) },
	}))
	w.HandleType("check_run", func(ctx context.Context, evt *Event) error {
		if evt.Normalized["action"] != "completed" {
			return errors.New("unexpected payload")
		}
		return nil
	})
	rw := NewRiverWorker(w)

	job := &river.Job[queue.EventArgs]{Args: queue.EventArgs{
		Provider: "github",
		Name:     "check_run",
		Payload:  []byte(`{"action":"completed"}`),
	}}
	require.NoError(t, rw.Work(context.Background(), job))
	assert.Equal(t, int32(1), atomic.LoadInt32(&started))
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))

	job.Args.Payload = []byte(`{`)
	assert.Error(t, rw.Work(context.Background(), job))
}

