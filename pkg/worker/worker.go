package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Worker is a message-processing worker that subscribes to topics, decodes
// messages, and dispatches them to handlers.
type Worker struct {
	subscriber  message.Subscriber
	codec       Codec
	retry       RetryPolicy
	logger      Logger
	concurrency int
	topics      []string

	topicHandlers  map[string]Handler
	typeHandlers   map[string]Handler
	middleware     []Middleware
	clientProvider ClientProvider
	listeners      listeners
	allowedTopics  map[string]struct{}
}

// New creates a new Worker with the given options.
func New(opts ...Option) *Worker {
	w := &Worker{
		codec:         DefaultCodec{},
		retry:         NoRetry{},
		logger:        defaultLogger(),
		concurrency:   1,
		topicHandlers: make(map[string]Handler),
		typeHandlers:  make(map[string]Handler),
		allowedTopics: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleTopic registers a handler for a specific topic.
func (w *Worker) HandleTopic(topic string, h Handler) {
	if h == nil || topic == "" {
		return
	}
	if len(w.allowedTopics) > 0 {
		if _, ok := w.allowedTopics[topic]; !ok {
			w.logger.Printf("handler topic not subscribed: %s", topic)
			return
		}
	}
	w.topicHandlers[topic] = h
	w.topics = append(w.topics, topic)
}

// HandleType registers a handler for a specific event type.
func (w *Worker) HandleType(eventType string, h Handler) {
	if h == nil || eventType == "" {
		return
	}
	w.typeHandlers[eventType] = h
}

// Run subscribes to every registered topic and processes messages until ctx
// is cancelled. At most concurrency messages are in flight across topics.
func (w *Worker) Run(ctx context.Context) error {
	if w.subscriber == nil {
		return errors.New("subscriber is required")
	}
	if len(w.topics) == 0 {
		return errors.New("at least one topic is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.listeners.start(ctx)
	defer w.listeners.exit(ctx)

	var wg sync.WaitGroup
	slots := make(chan struct{}, w.concurrency)
	for _, topic := range unique(w.topics) {
		msgs, err := w.subscriber.Subscribe(ctx, topic)
		if err != nil {
			w.listeners.failed(ctx, nil, err)
			cancel()
			wg.Wait()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			w.consume(ctx, topic, msgs, slots, &wg)
		}(topic)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// consume hands each message to its own goroutine once a slot is free. A
// message still waiting for a slot at shutdown is nacked.
func (w *Worker) consume(ctx context.Context, topic string, msgs <-chan *message.Message, slots chan struct{}, wg *sync.WaitGroup) {
	for {
		var msg *message.Message
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			msg = m
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			msg.Nack()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			w.handleMessage(ctx, topic, msg)
		}()
	}
}

// Close gracefully shuts down the worker and its subscriber.
func (w *Worker) Close() error {
	if w.subscriber == nil {
		return nil
	}
	return w.subscriber.Close()
}

func (w *Worker) handleMessage(ctx context.Context, topic string, msg *message.Message) {
	evt, err := w.codec.Decode(topic, msg)
	if err != nil {
		w.logger.Printf("decode failed: %v", err)
		w.listeners.failed(ctx, nil, err)
		w.settle(msg, w.retry.OnError(ctx, nil, err))
		return
	}
	if err := w.Process(ctx, evt); err != nil {
		w.settle(msg, w.retry.OnError(ctx, evt, err))
		return
	}
	msg.Ack()
}

func (w *Worker) settle(msg *message.Message, decision RetryDecision) {
	if decision.Retry || decision.Nack {
		msg.Nack()
		return
	}
	msg.Ack()
}

// Process runs one decoded event through client resolution, the matching
// handler and the middleware chain. Events without a handler are dropped.
func (w *Worker) Process(ctx context.Context, evt *Event) error {
	if w.clientProvider != nil && evt.Client == nil {
		client, err := w.clientProvider.Client(ctx, evt)
		if err != nil {
			w.logger.Printf("client init failed: %v", err)
			w.listeners.failed(ctx, evt, err)
			return err
		}
		evt.Client = client
	}

	if reqID := evt.RequestID(); reqID != "" {
		w.logger.Printf("request_id=%s topic=%s provider=%s type=%s", reqID, evt.Topic, evt.Provider, evt.Type)
	}

	w.listeners.messageStart(ctx, evt)

	handler := w.topicHandlers[evt.Topic]
	if handler == nil {
		handler = w.typeHandlers[evt.Type]
	}
	if handler == nil {
		w.logger.Printf("no handler for topic=%s type=%s", evt.Topic, evt.Type)
		w.listeners.messageFinish(ctx, evt, nil)
		return nil
	}

	if err := Chain(handler, w.middleware...)(ctx, evt); err != nil {
		w.listeners.messageFinish(ctx, evt, err)
		w.listeners.failed(ctx, evt, err)
		return err
	}
	w.listeners.messageFinish(ctx, evt, nil)
	return nil
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
