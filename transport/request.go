package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Request describes one logical backend call before it is bound to a
// channel. Stored by value in the queue so goroutines can handle it
// asynchronously and thread-safe.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Key derives the deduplication identity of the request. url.Values
// encoding sorts the query keys, so two logically identical requests
// always derive the same key.
func (r *Request) Key() string {
	if len(r.Query) == 0 {
		return r.Method + " " + r.Path
	}

	return r.Method + " " + r.Path + "?" + r.Query.Encode()
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s", r.Method, r.Path)
}

func (r *Request) toHTTPRequest(ctx context.Context, base *url.URL) (*http.Request, error) {
	reqURL := *base
	reqURL.Path = r.Path
	reqURL.RawQuery = r.Query.Encode()

	var bodyReader io.Reader = bytes.NewReader(r.Body)

	httpReq, err := http.NewRequestWithContext(ctx, r.Method, reqURL.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	for name, values := range r.Header {
		httpReq.Header[name] = values
	}

	return httpReq, nil
}

// Response carries the backend's reply back to the caller.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// StatusError reports a non-2xx backend response, preserving the status
// and body for the caller.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("response %d", e.Status)
}
