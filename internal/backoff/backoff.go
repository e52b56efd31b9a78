// Package backoff wraps remote operations with bounded exponential
// retry. Transient failures (unreachable remote, rate limiting,
// timeouts) consume retry budget; terminal failures (validation,
// permission, not-found) fail fast on the first attempt.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/nekay/nekaysync/internal/common"
	"github.com/nekay/nekaysync/internal/logging"
)

const (
	baseDelay = 500 * time.Millisecond
	maxDelay  = 8 * time.Second
)

// IsRetryable classifies an error from the remote transport. Only
// transient conditions are worth retrying; everything else will fail
// the same way on every attempt.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, common.ErrUnavailable),
		errors.Is(err, common.ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// Controller retries operations with jittered exponential delay up to a
// fixed attempt count.
type Controller struct {
	maxAttempts int
	log         logging.Logger
}

// New returns a Controller making at most maxAttempts total attempts
// per operation. maxAttempts below 1 is treated as 1.
func New(maxAttempts int, log logging.Logger) *Controller {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Controller{maxAttempts: maxAttempts, log: log.With("component", "backoff")}
}

// Do runs op, retrying transient failures with exponential backoff.
// Terminal errors return immediately. When the attempt budget runs out
// the returned error matches both common.ErrRetriesExhausted and the
// operation's last error via errors.Is.
func (c *Controller) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	b := retry.NewExponential(baseDelay)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(maxDelay, b)
	b = retry.WithMaxRetries(uint64(c.maxAttempts-1), b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		c.log.Debug(ctx, "transient failure, will retry", "op", name, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}

	if IsRetryable(err) && attempt >= c.maxAttempts {
		c.log.Warn(ctx, "retry budget exhausted", "op", name, "attempts", attempt, "error", err)
		return fmt.Errorf("%w: %s failed after %d attempts: %w", common.ErrRetriesExhausted, name, attempt, err)
	}
	return err
}
