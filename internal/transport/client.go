// Package transport provides the stateless HTTP transport used by the
// remote sync protocol. The transport owns nothing beyond the single call:
// retry policy, signing and response interpretation belong to the caller.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultTimeout is the per-request timeout applied when the request
	// does not carry its own.
	DefaultTimeout = 15 * time.Second

	// MaxResponseSize caps response bodies (8MB). Config payloads are
	// small; anything larger indicates a misbehaving control plane.
	MaxResponseSize = 8 * 1024 * 1024

	// maxAttempts bounds the quick in-call retries on connection-level
	// failures. HTTP-level errors are never retried here.
	maxAttempts = 3
)

// Request describes a single control-plane call.
type Request struct {
	Method  string
	Host    string
	Port    int
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
	TLS     bool
}

// Response carries the status code and body of a completed call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client is the interface for HTTP operations against the control plane.
type Client interface {
	// Do executes the request and returns the response. A non-2xx status
	// is not an error: callers interpret status codes themselves.
	Do(ctx context.Context, req *Request) (*Response, error)
}

// HTTPClient is the default Client implementation.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates a transport client. Timeouts are applied per
// request, so the underlying http.Client carries none of its own.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		client: &http.Client{},
	}
}

// URL renders the request target.
func (r *Request) URL() string {
	host := r.Host
	if r.Port > 0 {
		host = fmt.Sprintf("%s:%d", r.Host, r.Port)
	}
	scheme := "http"
	if r.TLS {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: r.Path}
	if len(r.Query) > 0 {
		u.RawQuery = r.Query.Encode()
	}
	return u.String()
}

// Do executes the request. Connection-level failures are retried a bounded
// number of times with exponential backoff inside the request deadline;
// once a status line is received the response is returned as-is.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	operation := func() (*Response, error) {
		resp, err := c.doOnce(callCtx, req)
		if err != nil {
			if isRetryable(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}

	resp, err := backoff.Retry(callCtx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL(), err)
	}
	return resp, nil
}

func (c *HTTPClient) doOnce(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	limited := io.LimitReader(httpResp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}

	return &Response{StatusCode: httpResp.StatusCode, Body: body}, nil
}

// isRetryable reports whether the error is a connection-level failure that
// a quick retry may cure. Context cancellation is never retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
