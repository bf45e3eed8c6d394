package queue

import "context"

// Ticket is the caller's handle on an enqueued request. It settles exactly
// once, when the request reaches a terminal state. Deduplicated callers
// share the canonical request's ticket and therefore its outcome.
type Ticket struct {
	done   chan struct{}
	result any
	err    error
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

// settle must be called exactly once, holding the queue lock.
func (t *Ticket) settle(result any, err error) {
	t.result = result
	t.err = err
	close(t.done)
}

func settledTicket(result any, err error) *Ticket {
	t := newTicket()
	t.settle(result, err)
	return t
}

// Done is closed once the request has settled.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the request settles or ctx is cancelled.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return t.result, t.err
	}
}
