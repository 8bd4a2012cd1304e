package backend

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryTransient runs op, retrying connection and timeout errors up to
// maxRetries times with a fixed delay between attempts (no jitter, no
// multiplier; the backend is on a local network, so herd effects are not a
// concern). API errors and context cancellation abort immediately. The last
// error is returned after retries are exhausted.
func RetryTransient(ctx context.Context, delay time.Duration, maxRetries int, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsConnection(err) || IsTimeout(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(maxRetries))
	return backoff.Retry(wrapped, backoff.WithContext(b, ctx))
}
