// Package server exposes the transport layer over a local HTTP gateway:
// inbound requests are converted into backend calls, queue metadata is
// derived from request headers, and a small control surface cancels
// queued work by tag.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	cfg "github.com/chainfolio/apiqueue/config"
	"github.com/chainfolio/apiqueue/queue"
	"github.com/chainfolio/apiqueue/transport"
)

// Request headers carrying queue metadata. Stripped before forwarding.
const (
	headerPriority     = "X-Queue-Priority"
	headerTag          = "X-Queue-Tag"
	headerSkipQueue    = "X-Skip-Queue"
	headerMaxQueueTime = "X-Max-Queue-Time"
)

const cancelPath = "/queue/cancel"

// StatusClientClosedRequest reports a cancelled request, following the
// nginx convention.
const StatusClientClosedRequest = 499

type Forwarder interface {
	Do(ctx context.Context, r *transport.Request, opts transport.CallOptions) (*transport.Response, error)
	CancelTag(tag string) int
	CancelAll() int
}

type Gateway struct {
	forwarder Forwarder

	// Rate limiter for inbound requests
	limiter *rate.Limiter
}

func NewGateway(config *cfg.Config, forwarder Forwarder) (*Gateway, error) {
	if config.Server.InboundRate < 1 {
		return nil, fmt.Errorf("inbound rate must be >= 1")
	}

	log.WithFields(log.Fields{
		"bind":         config.Server.Bind,
		"inbound_rate": config.Server.InboundRate,
	}).Info("Initializing gateway")

	return &Gateway{
		forwarder: forwarder,
		limiter:   rate.NewLimiter(rate.Limit(config.Server.InboundRate), config.Server.InboundRate),
	}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	trackRequest(r)
	start := time.Now()

	log.WithFields(log.Fields{
		"method": r.Method,
		"uri":    r.RequestURI,
		"ip":     r.RemoteAddr,
	}).Info("received")

	if r.URL.Path == cancelPath {
		g.handleCancel(w, r)
		return
	}

	if !g.limiter.Allow() {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	g.forward(w, r)
	trackRequestDuration(start, r)
}

// handleCancel cancels queued requests: every request carrying the given
// tag, or everything when no tag is supplied.
func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var n int
	if tag := r.URL.Query().Get("tag"); tag != "" {
		n = g.forwarder.CancelTag(tag)
	} else {
		n = g.forwarder.CancelAll()
	}

	log.WithFields(log.Fields{
		"tag":       r.URL.Query().Get("tag"),
		"cancelled": n,
	}).Info("cancelled queued requests")

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "%d\n", n)
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request) {
	request, opts, err := newBackendRequest(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		log.WithError(err).Warn("bad request")
		return
	}

	resp, err := g.forwarder.Do(r.Context(), request, opts)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// newBackendRequest converts an inbound request, deriving queue options
// from its headers.
func newBackendRequest(r *http.Request) (*transport.Request, transport.CallOptions, error) {
	var opts transport.CallOptions

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, opts, err
	}

	header := r.Header.Clone()

	if s := header.Get(headerPriority); s != "" {
		priority, err := queue.ParsePriority(s)
		if err != nil {
			return nil, opts, err
		}
		opts.Priority = priority
	}

	opts.Tags = header.Values(headerTag)

	if s := header.Get(headerSkipQueue); s != "" {
		skip, err := strconv.ParseBool(s)
		if err != nil {
			return nil, opts, fmt.Errorf("parsing %s: %w", headerSkipQueue, err)
		}
		opts.SkipQueue = skip
	}

	if s := header.Get(headerMaxQueueTime); s != "" {
		maxQueueTime, err := time.ParseDuration(s)
		if err != nil {
			return nil, opts, fmt.Errorf("parsing %s: %w", headerMaxQueueTime, err)
		}
		opts.MaxQueueTime = maxQueueTime
	}

	for _, name := range []string{headerPriority, headerTag, headerSkipQueue, headerMaxQueueTime} {
		header.Del(name)
	}

	return &transport.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: header,
		Body:   body,
	}, opts, nil
}

// writeError maps the error kinds of the transport layer onto inbound
// statuses, so callers can tell a cancelled request from a failed one.
func writeError(w http.ResponseWriter, err error) {
	var statusErr *transport.StatusError

	switch {
	case errors.As(err, &statusErr):
		w.WriteHeader(statusErr.Status)
		w.Write(statusErr.Body)
	case errors.Is(err, transport.ErrAuthFailure):
		w.WriteHeader(http.StatusUnauthorized)
	case errors.Is(err, queue.ErrCancelled), errors.Is(err, context.Canceled):
		w.WriteHeader(StatusClientClosedRequest)
	case errors.Is(err, queue.ErrExpired):
		w.WriteHeader(http.StatusGatewayTimeout)
	case errors.Is(err, queue.ErrShutdown):
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		log.WithError(err).Warn("forwarding error")
		w.WriteHeader(http.StatusBadGateway)
	}
}
