// Package queue coordinates concurrent requests against a single backend
// connection: it admits them under a concurrency ceiling ordered by
// priority and submission time, collapses identical in-flight requests,
// and supports cancellation by tag and queue-time expiry.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainfolio/apiqueue/retry"
)

var (
	// ErrCancelled rejects requests cancelled by tag, CancelAll or Close.
	ErrCancelled = errors.New("queue: request cancelled")

	// ErrExpired rejects requests that waited past their MaxQueueTime
	// without being admitted. Distinct from an executor failure so
	// callers can tell queue starvation from a failed call.
	ErrExpired = errors.New("queue: request expired before admission")

	// ErrShutdown rejects requests enqueued after Close.
	ErrShutdown = errors.New("queue: queue is shut down")
)

// Executor performs the actual unit of work for an admitted request. The
// queue treats it as opaque; it must honor ctx cancellation.
type Executor func(ctx context.Context, key string, payload any) (any, error)

type Config struct {
	// Name labels this queue in metrics, e.g. "core".
	Name string

	// Limit is the maximum number of concurrently active requests.
	Limit int

	// DefaultPriority applies when Options.Priority is zero.
	DefaultPriority Priority

	// Dedupe collapses identical requests by default. Individual
	// requests opt out with Options.NoDedupe.
	Dedupe bool

	// MaxRetries and RetryDelay apply when the per-request options
	// leave them zero.
	MaxRetries int
	RetryDelay time.Duration
}

type entryState int

const (
	statePending entryState = iota
	stateActive
	stateCompleted
	stateCancelled
	stateExpired
	stateFailed
)

type entry struct {
	key     string
	payload any

	priority     Priority
	tags         []string
	dedupe       bool
	maxQueueTime time.Duration
	maxRetries   int
	retryDelay   time.Duration

	seq        uint64
	enqueuedAt time.Time
	state      entryState
	ticket     *Ticket

	// cancel aborts the executor once the entry is active.
	cancel context.CancelFunc

	heapIndex int
}

// RequestQueue owns all its entries and indices exclusively; mutation
// happens only through the public operations, each of which completes its
// bookkeeping under one lock acquisition so a state check and the
// matching transition can never be split by an executor suspension.
type RequestQueue struct {
	cfg  Config
	exec Executor

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	pending entryHeap
	index   map[string]*entry
	tags    map[string]map[*entry]struct{}
	live    map[*entry]struct{}
	active  int
	npend   int
	seq     uint64
	closed  bool

	completed uint64
	failed    uint64
	cancelled uint64
	expired   uint64
	deduped   uint64
}

func New(cfg Config, exec Executor) (*RequestQueue, error) {
	if cfg.Limit < 1 {
		return nil, fmt.Errorf("queue limit must be >= 1")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor must not be nil")
	}
	if cfg.DefaultPriority == 0 {
		cfg.DefaultPriority = Normal
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = retry.DefaultDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RequestQueue{
		cfg:     cfg,
		exec:    exec,
		baseCtx: ctx,
		stop:    cancel,
		index:   make(map[string]*entry),
		tags:    make(map[string]map[*entry]struct{}),
		live:    make(map[*entry]struct{}),
	}, nil
}

// Enqueue registers a request and returns its ticket. If an identical
// request is already pending or active and deduplication applies, the
// existing ticket is returned and no new work is created.
func (q *RequestQueue) Enqueue(key string, payload any, opts Options) *Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return settledTicket(nil, ErrShutdown)
	}

	dedupe := q.cfg.Dedupe && !opts.NoDedupe
	if dedupe {
		if canonical, ok := q.index[key]; ok {
			q.deduped++
			dedupedTotal.WithLabelValues(q.cfg.Name).Inc()
			return canonical.ticket
		}
	}

	q.seq++
	e := &entry{
		key:          key,
		payload:      payload,
		priority:     opts.Priority,
		tags:         opts.Tags,
		dedupe:       dedupe,
		maxQueueTime: opts.MaxQueueTime,
		maxRetries:   opts.MaxRetries,
		retryDelay:   opts.RetryDelay,
		seq:          q.seq,
		enqueuedAt:   time.Now(),
		state:        statePending,
		ticket:       newTicket(),
	}
	if e.priority == 0 {
		e.priority = q.cfg.DefaultPriority
	}
	if e.maxRetries == 0 {
		e.maxRetries = q.cfg.MaxRetries
	}
	if e.retryDelay <= 0 {
		e.retryDelay = q.cfg.RetryDelay
	}

	heap.Push(&q.pending, e)
	q.npend++
	q.live[e] = struct{}{}
	if dedupe {
		q.index[key] = e
	}
	for _, tag := range e.tags {
		set := q.tags[tag]
		if set == nil {
			set = make(map[*entry]struct{})
			q.tags[tag] = set
		}
		set[e] = struct{}{}
	}

	q.dispatch()
	q.syncGauges()

	return e.ticket
}

// dispatch admits pending entries while concurrency slots are free,
// highest priority first, FIFO within a priority band. Entries past
// their queue-time deadline expire instead of consuming a slot.
// Callers must hold q.mu.
func (q *RequestQueue) dispatch() {
	now := time.Now()

	for q.active < q.cfg.Limit && q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*entry)
		q.npend--

		if e.maxQueueTime > 0 && now.Sub(e.enqueuedAt) > e.maxQueueTime {
			q.finish(e, stateExpired, nil, ErrExpired)
			continue
		}

		e.state = stateActive
		q.active++
		waitSeconds.WithLabelValues(q.cfg.Name).Observe(now.Sub(e.enqueuedAt).Seconds())

		ctx, cancel := context.WithCancel(q.baseCtx)
		e.cancel = cancel
		go q.run(ctx, e)
	}
}

// run executes one admitted entry outside the lock and frees its slot
// once the executor returns, even if the entry was cancelled meanwhile.
func (q *RequestQueue) run(ctx context.Context, e *entry) {
	defer e.cancel()

	op := func(ctx context.Context) (any, error) {
		return q.exec(ctx, e.key, e.payload)
	}

	var result any
	var err error
	if e.maxRetries > 0 {
		result, err = retry.Do(ctx, op, retry.Options{
			Retries: e.maxRetries,
			Delay:   e.retryDelay,
		})
	} else {
		result, err = op(ctx)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.active--
	if e.state == stateActive {
		if err != nil {
			q.finish(e, stateFailed, nil, err)
		} else {
			q.finish(e, stateCompleted, result, nil)
		}
	}

	q.dispatch()
	q.syncGauges()
}

// finish moves an entry to a terminal state, settles its ticket and drops
// it from the dedupe and tag indices in the same step. Callers must hold
// q.mu.
func (q *RequestQueue) finish(e *entry, s entryState, result any, err error) {
	e.state = s

	delete(q.live, e)
	if e.dedupe && q.index[e.key] == e {
		delete(q.index, e.key)
	}
	for _, tag := range e.tags {
		if set := q.tags[tag]; set != nil {
			delete(set, e)
			if len(set) == 0 {
				delete(q.tags, tag)
			}
		}
	}

	switch s {
	case stateCompleted:
		q.completed++
	case stateFailed:
		q.failed++
	case stateCancelled:
		q.cancelled++
	case stateExpired:
		q.expired++
	}
	requestsTotal.WithLabelValues(q.cfg.Name, stateLabel(s)).Inc()

	e.ticket.settle(result, err)
}

// cancelEntry cancels one pending or active entry. Callers must hold q.mu.
func (q *RequestQueue) cancelEntry(e *entry) bool {
	switch e.state {
	case statePending:
		heap.Remove(&q.pending, e.heapIndex)
		q.npend--
		q.finish(e, stateCancelled, nil, ErrCancelled)
		return true
	case stateActive:
		q.finish(e, stateCancelled, nil, ErrCancelled)
		e.cancel()
		return true
	}
	return false
}

// CancelTag cancels every pending or active request carrying tag and
// returns how many were cancelled. Requests without the tag are not
// touched. Idempotent when nothing matches.
func (q *RequestQueue) CancelTag(tag string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	for e := range q.tags[tag] {
		if q.cancelEntry(e) {
			n++
		}
	}

	q.dispatch()
	q.syncGauges()

	return n
}

// CancelAll cancels every pending and active request.
func (q *RequestQueue) CancelAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.cancelAll()
	q.syncGauges()

	return n
}

func (q *RequestQueue) cancelAll() int {
	var n int
	for e := range q.live {
		if q.cancelEntry(e) {
			n++
		}
	}
	return n
}

// Close cancels everything and rejects any later Enqueue with
// ErrShutdown. Used on session teardown.
func (q *RequestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cancelAll()
	q.syncGauges()
	q.stop()
}

func stateLabel(s entryState) string {
	switch s {
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	case stateCancelled:
		return "cancelled"
	case stateExpired:
		return "expired"
	}
	return "unknown"
}
