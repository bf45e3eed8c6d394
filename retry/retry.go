// Package retry runs an operation again after transient failures,
// doubling the delay between attempts.
package retry

import (
	"context"
	"errors"
	"time"
)

// DefaultDelay is used when no base delay is configured.
const DefaultDelay = 100 * time.Millisecond

type Options struct {
	// Retries is the number of additional attempts after the first one.
	Retries int

	// Delay before the first retry. Doubles on every further attempt.
	Delay time.Duration
}

// Do runs op until it succeeds or the retry budget is exhausted.
// The last error is returned as-is so the caller sees the root cause.
// A cancelled context stops retrying immediately: cancellation is
// terminal, not a transient failure.
func Do(ctx context.Context, op func(context.Context) (any, error), opts Options) (any, error) {
	delay := opts.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}

	var result any
	var err error

	for attempt := 0; ; attempt++ {
		result, err = op(ctx)
		if err == nil {
			return result, nil
		}

		if attempt >= opts.Retries {
			return nil, err
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, err
		}

		if waitErr := sleep(ctx, delay); waitErr != nil {
			return nil, err
		}

		delay *= 2
	}
}

// Backoff retries call up to retries more times, doubling delay between
// attempts. It is the low-level variant of Do for call-sites that do not
// need a result value, e.g. waiting out a backend that is still starting.
func Backoff(ctx context.Context, retries int, delay time.Duration, call func(context.Context) error) error {
	err := call(ctx)
	if err == nil {
		return nil
	}

	if retries <= 0 || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return err
	}

	if waitErr := sleep(ctx, delay); waitErr != nil {
		return err
	}

	return Backoff(ctx, retries-1, delay*2, call)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
