package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	var attempts int
	var starts []time.Time

	op := func(ctx context.Context) (any, error) {
		starts = append(starts, time.Now())
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return "done", nil
	}

	begin := time.Now()
	result, err := Do(context.Background(), op, Options{Retries: 3, Delay: 20 * time.Millisecond})
	elapsed := time.Since(begin)

	if err != nil {
		t.Errorf("wanted: nil, got: %s", err)
	}
	if result != "done" {
		t.Errorf("wanted the success value, got: %v", result)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}

	// delays double: 20ms then 40ms
	if elapsed < 60*time.Millisecond {
		t.Errorf("attempts came too fast: %s < 60ms", elapsed)
	}
	if len(starts) == 3 {
		first := starts[1].Sub(starts[0])
		second := starts[2].Sub(starts[1])
		if second < first {
			t.Errorf("delay should grow between attempts: %s then %s", first, second)
		}
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	errAlways := errors.New("always fails")
	var attempts int

	op := func(ctx context.Context) (any, error) {
		attempts++
		return nil, errAlways
	}

	_, err := Do(context.Background(), op, Options{Retries: 3, Delay: time.Millisecond})

	if !errors.Is(err, errAlways) {
		t.Errorf("the original error must come back unchanged, got: %v", err)
	}
	if attempts != 4 {
		t.Errorf("expected 1 + 3 attempts, got %d", attempts)
	}
}

func TestDoStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var attempts int
	op := func(ctx context.Context) (any, error) {
		attempts++
		cancel()
		return nil, errors.New("failed and cancelled")
	}

	_, err := Do(ctx, op, Options{Retries: 5, Delay: time.Millisecond})

	if err == nil {
		t.Errorf("expected an error")
	}
	if attempts != 1 {
		t.Errorf("cancellation is terminal, but op ran %d times", attempts)
	}
}

func TestBackoffSucceeds(t *testing.T) {
	var attempts int

	err := Backoff(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Errorf("wanted: nil, got: %s", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestBackoffRethrowsFinalError(t *testing.T) {
	errFinal := errors.New("still broken")
	var attempts int
	var starts []time.Time

	err := Backoff(context.Background(), 2, 10*time.Millisecond, func(ctx context.Context) error {
		starts = append(starts, time.Now())
		attempts++
		return errFinal
	})

	if !errors.Is(err, errFinal) {
		t.Errorf("the final error must come back unchanged, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 1 + 2 attempts, got %d", attempts)
	}

	// same doubling law as Do: 10ms then 20ms
	if len(starts) == 3 {
		first := starts[1].Sub(starts[0])
		second := starts[2].Sub(starts[1])
		if second < first {
			t.Errorf("delay should grow between attempts: %s then %s", first, second)
		}
	}
}

func TestBackoffStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var attempts int
	err := Backoff(ctx, 5, time.Millisecond, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("failed and cancelled")
	})

	if err == nil {
		t.Errorf("expected an error")
	}
	if attempts != 1 {
		t.Errorf("cancellation is terminal, but call ran %d times", attempts)
	}
}
