package worker

import "context"

// RetryDecision defines whether a message should be retried or Nacked.
type RetryDecision struct {
	Retry bool
	Nack  bool
}

// RetryPolicy defines a policy for retrying failed messages.
type RetryPolicy interface {
	OnError(ctx context.Context, evt *Event, err error) RetryDecision
}

// NoRetry acks failed messages. A failed policy run has already been
// reported on its check run, and redelivery would repeat side effects.
type NoRetry struct{}

func (NoRetry) OnError(ctx context.Context, evt *Event, err error) RetryDecision {
	return RetryDecision{}
}

// NackOnError hands failed messages back to the broker for redelivery.
type NackOnError struct{}

func (NackOnError) OnError(ctx context.Context, evt *Event, err error) RetryDecision {
	return RetryDecision{Nack: true}
}
