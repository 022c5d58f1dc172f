package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Driver connections are retried with a constant delay; configuration
// errors are marked permanent and fail immediately.
var (
	connectAttempts uint64 = 10
	connectDelay           = 2 * time.Second
)

func connectWithRetry[T any](build func() (T, error)) (T, error) {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(connectDelay), connectAttempts-1)
	return backoff.RetryWithData[T](build, policy)
}

func permanent(err error) error {
	return backoff.Permanent(err)
}
