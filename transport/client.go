// Package transport is the single chokepoint for outbound backend calls.
// It routes each request to the queue of its backend channel (or around
// the queues entirely), performs the HTTP call once a request is admitted,
// and exposes the cancellation primitives the rest of the application
// uses on navigation and logout.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"

	cfg "github.com/chainfolio/apiqueue/config"
	"github.com/chainfolio/apiqueue/journal"
	"github.com/chainfolio/apiqueue/queue"
)

// ErrAuthFailure reports the distinguished authentication-failure status.
// It tears the session down; there is no automatic recovery.
var ErrAuthFailure = errors.New("transport: authentication failure")

// CallOptions carry the queue metadata of a single call.
type CallOptions struct {
	queue.Options

	// SkipQueue bypasses queueing and deduplication entirely, for calls
	// that must never be delayed, e.g. authentication.
	SkipQueue bool
}

// Client performs the requests. It owns one queue per backend channel;
// the two queues share no state, so cancelling a tag on one never touches
// the other's requests.
type Client struct {
	client *http.Client

	core       *queue.RequestQueue
	privileged *queue.RequestQueue

	coreURL          *url.URL
	privilegedURL    *url.URL
	privilegedPrefix string

	limiter ratelimit.Limiter

	// abortCtx is the current abort generation. Cancel replaces it so
	// later requests are unaffected.
	mu       sync.Mutex
	abortCtx context.Context
	abort    context.CancelFunc

	authOnce      sync.Once
	onAuthFailure func()

	journal       journal.Journal
	journalWrites sync.WaitGroup
}

func NewClient(config *cfg.Config, jnl journal.Journal) (*Client, error) {
	coreURL, err := url.Parse(config.Backend.CoreURL)
	if err != nil {
		return nil, fmt.Errorf("parsing core url: %w", err)
	}

	privilegedURL, err := url.Parse(config.Backend.PrivilegedURL)
	if err != nil {
		return nil, fmt.Errorf("parsing privileged url: %w", err)
	}

	if config.Backend.NumClients < 1 {
		return nil, fmt.Errorf("number of clients must be >= 1")
	}
	if config.Backend.PerSecond < 1 {
		return nil, fmt.Errorf("max rps must be >= 1")
	}

	defaultPriority, err := queue.ParsePriority(config.Queue.DefaultPriority)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"core_url":        config.Backend.CoreURL,
		"privileged_url":  config.Backend.PrivilegedURL,
		"max_open_fd":     config.Backend.NumClients,
		"request_timeout": config.Backend.RequestTimeout,
		"per_second":      config.Backend.PerSecond,
	}).Info("Initializing transport")

	transport := http.DefaultTransport.(*http.Transport).Clone()

	// Limit open file descriptors
	transport.MaxConnsPerHost = config.Backend.NumClients
	transport.MaxIdleConnsPerHost = config.Backend.NumClients

	abortCtx, abort := context.WithCancel(context.Background())

	c := &Client{
		client: &http.Client{
			Timeout:   config.Backend.RequestTimeout,
			Transport: transport,
		},
		coreURL:          coreURL,
		privilegedURL:    privilegedURL,
		privilegedPrefix: config.Backend.PrivilegedPrefix,
		limiter:          ratelimit.New(config.Backend.PerSecond),
		abortCtx:         abortCtx,
		abort:            abort,
		journal:          jnl,
	}

	c.core, err = queue.New(queue.Config{
		Name:            "core",
		Limit:           config.Queue.Limit,
		DefaultPriority: defaultPriority,
		Dedupe:          config.Queue.Dedupe,
		MaxRetries:      config.Queue.MaxRetries,
		RetryDelay:      config.Queue.RetryDelay,
	}, c.execute)
	if err != nil {
		return nil, err
	}

	c.privileged, err = queue.New(queue.Config{
		Name:            "privileged",
		Limit:           config.Queue.PrivilegedLimit,
		DefaultPriority: defaultPriority,
		Dedupe:          config.Queue.Dedupe,
		MaxRetries:      config.Queue.MaxRetries,
		RetryDelay:      config.Queue.RetryDelay,
	}, c.execute)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// OnAuthFailure registers the callback fired once when the backend
// reports the session invalid.
func (c *Client) OnAuthFailure(fn func()) {
	c.onAuthFailure = fn
}

// Do issues a logical request and blocks until it settles. Queued
// requests resolve or reject exactly as the eventual underlying call
// would; cancellation and expiry reject with their own error kinds.
func (c *Client) Do(ctx context.Context, r *Request, opts CallOptions) (*Response, error) {
	start := time.Now()

	var result any
	var err error

	if opts.SkipQueue {
		result, err = c.send(ctx, r)
	} else {
		ticket := c.channelFor(r.Path).Enqueue(r.Key(), r, opts.Options)
		result, err = ticket.Wait(ctx)
	}

	c.recordOutcome(r, start, result, err)

	// The session teardown happens here rather than inside the executor:
	// cancelling the queues from within the reporting request would settle
	// its own ticket as cancelled before the auth error could propagate.
	if errors.Is(err, ErrAuthFailure) {
		c.authFailure()
	}

	if err != nil {
		return nil, err
	}

	return result.(*Response), nil
}

// CancelTag cancels every pending or active request carrying tag on both
// channels and returns how many were cancelled.
func (c *Client) CancelTag(tag string) int {
	return c.core.CancelTag(tag) + c.privileged.CancelTag(tag)
}

// CancelAll cancels every queued request on both channels.
func (c *Client) CancelAll() int {
	return c.core.CancelAll() + c.privileged.CancelAll()
}

// Cancel aborts every in-flight HTTP operation immediately, including
// requests that are already past the queue, and swaps in a fresh abort
// context so subsequent requests are unaffected.
func (c *Client) Cancel() {
	c.mu.Lock()
	abort := c.abort
	c.abortCtx, c.abort = context.WithCancel(context.Background())
	c.mu.Unlock()

	abort()
}

// Metrics returns the state snapshots of both channels.
func (c *Client) Metrics() (core, privileged queue.Snapshot) {
	return c.core.Metrics(), c.privileged.Metrics()
}

// Shutdown cancels all queued work and waits for pending journal writes
// to finish or the context to run out.
func (c *Client) Shutdown(ctx context.Context) error {
	c.core.Close()
	c.privileged.Close()
	c.Cancel()

	writesFinished := make(chan struct{})
	go func() {
		c.journalWrites.Wait()
		close(writesFinished)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-writesFinished:
		return nil
	}
}

// channelFor routes a path to its channel queue. Pure function of the
// URL prefix.
func (c *Client) channelFor(path string) *queue.RequestQueue {
	if strings.HasPrefix(path, c.privilegedPrefix) {
		return c.privileged
	}
	return c.core
}

func (c *Client) baseFor(path string) *url.URL {
	if strings.HasPrefix(path, c.privilegedPrefix) {
		return c.privilegedURL
	}
	return c.coreURL
}

// execute is the executor injected into both queues.
func (c *Client) execute(ctx context.Context, key string, payload any) (any, error) {
	return c.send(ctx, payload.(*Request))
}

// send performs the HTTP call, limiting the outgoing load. The call runs
// under the current abort generation in addition to the caller's context.
func (c *Client) send(ctx context.Context, r *Request) (*Response, error) {
	ctx, cancel := c.abortable(ctx)
	defer cancel()

	c.limiter.Take()

	httpReq, err := r.toHTTPRequest(ctx, c.baseFor(r.Path))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	log.WithFields(log.Fields{
		"method": r.Method,
		"path":   r.Path,
	}).Debug("sending...")

	start := time.Now()

	resp, err := c.client.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("request error: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	log.WithFields(log.Fields{
		"method": r.Method,
		"path":   r.Path,
		"status": resp.StatusCode,
	}).Debug("...done")

	trackResponseDuration(start, r, resp.StatusCode)

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthFailure
	}

	if resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: body}
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// abortable derives a context cancelled by either the caller or the
// current abort generation.
func (c *Client) abortable(ctx context.Context) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	abortCtx := c.abortCtx
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(abortCtx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

// authFailure tears the session down once: every in-flight operation is
// aborted, both queues are drained and the registered callback fires.
func (c *Client) authFailure() {
	c.authOnce.Do(func() {
		log.Warn("backend session invalid, aborting all requests")

		c.Cancel()
		c.core.CancelAll()
		c.privileged.CancelAll()

		if c.onAuthFailure != nil {
			c.onAuthFailure()
		}
	})
}

func (c *Client) recordOutcome(r *Request, start time.Time, result any, err error) {
	if c.journal == nil {
		return
	}

	e := &journal.Entry{
		Time:     start,
		Method:   r.Method,
		URL:      r.Path,
		Outcome:  classifyOutcome(err),
		Duration: time.Since(start),
	}
	if resp, ok := result.(*Response); ok && resp != nil {
		e.Status = resp.Status
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		e.Status = statusErr.Status
	}

	c.journalWrites.Add(1)
	go func() {
		defer c.journalWrites.Done()

		if err := c.journal.Record(e); err != nil {
			log.WithError(err).Warn("journal write failed")
		}
	}()
}

func classifyOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, queue.ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, queue.ErrExpired):
		return "expired"
	default:
		return "failed"
	}
}
