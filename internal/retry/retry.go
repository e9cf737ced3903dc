// Package retry implements the shared retry policy for portal calls:
// exponential backoff honoring server-supplied retry-after values, bounded
// by an attempt count.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leapstack-labs/crmsync/pkg/crm"
	goretry "github.com/sethvargo/go-retry"
)

// Default policy values.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
)

// Policy configures retries. The zero value uses the defaults.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides which errors are retried. Defaults to crm.IsRetryable.
	Retryable func(error) bool
	Logger    *slog.Logger
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Retryable == nil {
		p.Retryable = crm.IsRetryable
	}
	if p.Logger == nil {
		p.Logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget runs out or ctx is done. A retry-after hint longer than the computed
// backoff replaces it.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	var (
		attempts int
		hint     time.Duration
		lastErr  error
	)

	base := goretry.NewExponential(p.BaseDelay)
	base = goretry.WithCappedDuration(p.MaxDelay, base)
	base = goretry.WithMaxRetries(uint64(p.MaxAttempts-1), base)

	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := base.Next()
		if stop {
			return 0, true
		}
		if hint > next {
			next = hint
		}
		p.Logger.Debug("retrying",
			slog.String("op", op),
			slog.Int("attempt", attempts),
			slog.Duration("delay", next),
			slog.String("error", lastErr.Error()))
		return next, false
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		hint = 0
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.Retryable(err) {
			return err
		}
		if d, ok := crm.RetryAfterHint(err); ok {
			hint = d
		}
		return goretry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if p.Retryable(err) {
		return &ExhaustedError{Op: op, Attempts: attempts, Err: err}
	}
	return err
}
