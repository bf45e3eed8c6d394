package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	cfg "github.com/chainfolio/apiqueue/config"
	"github.com/chainfolio/apiqueue/journal"
)

type MockedRoundTripper struct {
	f func(r *http.Request) (*http.Response, error)
}

func (m MockedRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := m.f(r)
	if resp != nil && resp.Body == nil {
		resp.Body = io.NopCloser(bytes.NewReader(nil))
	}
	return resp, err
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func testConfig() *cfg.Config {
	config := &cfg.Config{}

	config.Backend.CoreURL = "http://core"
	config.Backend.PrivilegedURL = "http://privileged"
	config.Backend.PrivilegedPrefix = "/api/1/privileged"
	config.Backend.RequestTimeout = 10 * time.Second
	config.Backend.NumClients = 4
	config.Backend.PerSecond = 1000

	config.Queue.Limit = 4
	config.Queue.PrivilegedLimit = 2
	config.Queue.DefaultPriority = "normal"
	config.Queue.Dedupe = true

	return config
}

func newTestClient(t *testing.T, rt MockedRoundTripper) *Client {
	t.Helper()

	client, err := NewClient(testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	client.client.Transport = rt

	return client
}

func TestNewClient(t *testing.T) {
	config := testConfig()
	config.Backend.NumClients = 0

	if _, err := NewClient(config, nil); err == nil {
		t.Errorf("must fail if numClients < 1")
	}

	config = testConfig()
	config.Queue.DefaultPriority = "urgent"

	if _, err := NewClient(config, nil); err == nil {
		t.Errorf("must fail on an unknown priority")
	}
}

func TestChannelRouting(t *testing.T) {
	var mu sync.Mutex
	hosts := map[string]string{}

	client := newTestClient(t, MockedRoundTripper{func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		hosts[r.URL.Path] = r.URL.Host
		mu.Unlock()
		return okResponse("{}"), nil
	}})

	ctx := context.Background()

	if _, err := client.Do(ctx, &Request{Method: "GET", Path: "/api/1/balances"}, CallOptions{}); err != nil {
		t.Errorf("wanted: nil, got: %s", err)
	}
	if _, err := client.Do(ctx, &Request{Method: "GET", Path: "/api/1/privileged/stats"}, CallOptions{}); err != nil {
		t.Errorf("wanted: nil, got: %s", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if hosts["/api/1/balances"] != "core" {
		t.Errorf("expected the core channel, got host %q", hosts["/api/1/balances"])
	}
	if hosts["/api/1/privileged/stats"] != "privileged" {
		t.Errorf("expected the privileged channel, got host %q", hosts["/api/1/privileged/stats"])
	}
}

func TestRequestID(t *testing.T) {
	var requestID string

	client := newTestClient(t, MockedRoundTripper{func(r *http.Request) (*http.Response, error) {
		requestID = r.Header.Get("X-Request-Id")
		return okResponse(""), nil
	}})

	client.Do(context.Background(), &Request{Method: "GET", Path: "/api/1/ping"}, CallOptions{})

	if requestID == "" {
		t.Errorf("expected a correlation id on the outgoing request")
	}
}

func TestDoReturnsResponse(t *testing.T) {
	client := newTestClient(t, MockedRoundTripper{func(r *http.Request) (*http.Response, error) {
		return okResponse(`{"result": 1}`), nil
	}})

	resp, err := client.Do(context.Background(), &Request{Method: "GET", Path: "/api/1/version"}, CallOptions{})
	if err != nil {
		t.Errorf("wanted: nil, got: %s", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("wanted 200, got %d", resp.Status)
	}
	if string(resp.Body) != `{"result": 1}` {
		t.Errorf("unexpected body: %s", resp.Body)
	}
}

func TestStatusError(t *testing.T) {
	client := newTestClient(t, MockedRoundTripper{func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(bytes.NewReader([]byte("broken"))),
		}, nil
	}})

	_, err := client.Do(context.Background(), &Request{Method: "GET", Path: "/api/1/version"}, CallOptions{})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("wanted a StatusError, got: %v", err)
	}
	if statusErr.Status != http.StatusInternalServerError {
		t.Errorf("wanted 500, got %d", statusErr.Status)
	}
	if string(statusErr.Body) != "broken" {
		t.Errorf("the error body must be preserved, got: %s", statusErr.Body)
	}
}

func TestAuthFailure(t *testing.T) {
	client := newTestClient(t, MockedRoundTripper{func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusUnauthorized}, nil
	}})

	var callbackFired bool
	client.OnAuthFailure(func() { callbackFired = true })

	_, err := client.Do(context.Background(), &Request{Method: "GET", Path: "/api/1/balances"}, CallOptions{})

	if !errors.Is(err, ErrAuthFailure) {
		t.Errorf("wanted ErrAuthFailure, got: %v", err)
	}
	if !callbackFired {
		t.Errorf("the auth failure callback should have fired")
	}
}

func TestCancelAbortsInFlight(t *testing.T) {
	var calls int
	var mu sync.Mutex

	client := newTestClient(t, MockedRoundTripper{func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()

		if first {
			<-r.Context().Done()
			return nil, r.Context().Err()
		}
		return okResponse("ok"), nil
	}})

	done := make(chan error, 1)
	go func() {
		_, err := client.Do(context.Background(), &Request{Method: "GET", Path: "/api/1/slow"}, CallOptions{})
		done <- err
	}()

	// wait for the request to be in flight before aborting
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		started := calls > 0
		mu.Unlock()
		if started {
			break
		}
		time.Sleep(time.Millisecond)
	}

	client.Cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("wanted context.Canceled, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("the in-flight request was not aborted")
	}

	// the abort generation was swapped, later requests are unaffected
	if _, err := client.Do(context.Background(), &Request{Method: "GET", Path: "/api/1/fast"}, CallOptions{}); err != nil {
		t.Errorf("requests after Cancel should work, got: %s", err)
	}
}

func TestSkipQueue(t *testing.T) {
	client := newTestClient(t, MockedRoundTripper{func(r *http.Request) (*http.Response, error) {
		return okResponse(""), nil
	}})

	if _, err := client.Do(context.Background(), &Request{Method: "POST", Path: "/api/1/login"}, CallOptions{SkipQueue: true}); err != nil {
		t.Errorf("wanted: nil, got: %s", err)
	}

	core, privileged := client.Metrics()
	if core.Completed != 0 || privileged.Completed != 0 {
		t.Errorf("a skip-queue request must bypass both queues")
	}
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []*journal.Entry
}

func (f *fakeJournal) Shutdown() error { return nil }

func (f *fakeJournal) Record(e *journal.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeJournal) Tail(n int) ([]*journal.Entry, error) { return nil, nil }

func TestJournalRecording(t *testing.T) {
	jnl := &fakeJournal{}

	client, err := NewClient(testConfig(), jnl)
	if err != nil {
		t.Fatal(err)
	}
	client.client.Transport = MockedRoundTripper{func(r *http.Request) (*http.Response, error) {
		return okResponse(""), nil
	}}

	client.Do(context.Background(), &Request{Method: "GET", Path: "/api/1/version"}, CallOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	jnl.mu.Lock()
	defer jnl.mu.Unlock()

	if len(jnl.entries) != 1 {
		t.Fatalf("expected 1 journal entry, got %d", len(jnl.entries))
	}
	entry := jnl.entries[0]
	if entry.Outcome != "ok" || entry.Status != http.StatusOK || entry.URL != "/api/1/version" {
		t.Errorf("unexpected journal entry: %+v", entry)
	}
}

func TestRequestKey(t *testing.T) {
	r1 := &Request{Method: "GET", Path: "/api/1/balances"}
	r2 := &Request{Method: "GET", Path: "/api/1/balances"}
	if r1.Key() != r2.Key() {
		t.Errorf("identical requests must derive the same key")
	}

	r3 := &Request{Method: "POST", Path: "/api/1/balances"}
	if r1.Key() == r3.Key() {
		t.Errorf("the method is part of the key")
	}

	r4 := &Request{Method: "GET", Path: "/api/1/balances", Query: map[string][]string{"a": {"1"}, "b": {"2"}}}
	r5 := &Request{Method: "GET", Path: "/api/1/balances", Query: map[string][]string{"b": {"2"}, "a": {"1"}}}
	if r4.Key() != r5.Key() {
		t.Errorf("query order must not change the key")
	}
	if r1.Key() == r4.Key() {
		t.Errorf("the query is part of the key")
	}
}
