package worker

import (
	"featurebot/internal"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Option configures a Worker.
type Option func(*Worker)

// WithSubscriber sets the Watermill subscriber Run consumes from.
func WithSubscriber(sub message.Subscriber) Option {
	return func(w *Worker) {
		w.subscriber = sub
	}
}

// WithTopics subscribes to topics. Once any topic is set, HandleTopic only
// accepts subscribed topics.
func WithTopics(topics ...string) Option {
	return func(w *Worker) {
		for _, topic := range topics {
			if topic == "" {
				continue
			}
			w.topics = append(w.topics, topic)
			w.allowedTopics[topic] = struct{}{}
		}
	}
}

// WithConcurrency bounds the number of messages processed at once.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithConfig applies the worker section of the application config.
func WithConfig(cfg internal.WorkerConfig) Option {
	return func(w *Worker) {
		WithTopics(cfg.Topics...)(w)
		WithConcurrency(cfg.Concurrency)(w)
		if cfg.NackOnError {
			WithRetry(NackOnError{})(w)
		}
	}
}

func WithMiddleware(mw ...Middleware) Option {
	return func(w *Worker) {
		w.middleware = append(w.middleware, mw...)
	}
}

// WithRetry replaces the NoRetry default.
func WithRetry(policy RetryPolicy) Option {
	return func(w *Worker) {
		if policy != nil {
			w.retry = policy
		}
	}
}

func WithLogger(l Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClientProvider resolves evt.Client before each handler runs.
func WithClientProvider(provider ClientProvider) Option {
	return func(w *Worker) {
		w.clientProvider = provider
	}
}

func WithListener(listener ...Listener) Option {
	return func(w *Worker) {
		w.listeners = append(w.listeners, listener...)
	}
}
