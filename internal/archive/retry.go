// Package archive acquires CRIS zip archives, unpacks them, and files the
// processed CSV extracts away in object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"

	"crisimport/internal/logging"
)

// DefaultAttempts bounds every retried operation unless configured otherwise.
const DefaultAttempts = 3

// RetryError is returned once an operation has used all of its attempts.
type RetryError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth another attempt. Do returns the wrapped
// error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs an operation with bounded exponential backoff.
type Retry struct {
	Attempts int
	Min      time.Duration
	Max      time.Duration
	Clock    clock.Clock
	Logger   logging.Logger
}

// DefaultRetry waits 30s, then 60s, between three attempts.
func DefaultRetry() Retry {
	return Retry{Attempts: DefaultAttempts, Min: 30 * time.Second, Max: 2 * time.Minute}
}

// Do calls fn until it succeeds, the attempts run out, or ctx is done.
func (r Retry) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	clk := r.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := logging.OrNoop(r.Logger)
	b := &backoff.Backoff{Min: r.Min, Max: r.Max, Factor: 2, Jitter: true}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		if attempt >= attempts {
			return &RetryError{Op: op, Attempts: attempt, Err: err}
		}
		wait := b.Duration()
		log.Warn("retrying", "op", op, "attempt", attempt, "wait", wait.String(), "error", err)
		select {
		case <-clk.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
}
