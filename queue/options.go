package queue

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders pending requests. Higher priorities are admitted first.
type Priority int

const (
	Low Priority = iota + 1
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return Low, nil
	case "", "normal":
		return Normal, nil
	case "high":
		return High, nil
	}
	return 0, fmt.Errorf("unknown priority: %s", s)
}

// Options control a single enqueued request. The zero value picks up the
// queue-level defaults.
type Options struct {
	// Priority of the request. Zero means the queue default.
	Priority Priority

	// Tags mark the request for bulk cancellation.
	Tags []string

	// NoDedupe opts this request out of collapsing into an identical
	// pending or active one.
	NoDedupe bool

	// MaxQueueTime rejects the request as expired if it could not be
	// admitted within this duration after enqueueing. Zero means no
	// deadline. The deadline is soft: it is checked when the scheduler
	// scans for admission, not by a per-request timer.
	MaxQueueTime time.Duration

	// MaxRetries is the number of additional attempts on executor
	// failure. Zero means the queue default.
	MaxRetries int

	// RetryDelay is the base delay between attempts, doubling each time.
	// Zero means the queue default.
	RetryDelay time.Duration
}
