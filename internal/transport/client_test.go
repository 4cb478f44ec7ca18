package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestRequestURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{
			name: "plain",
			req:  Request{Host: "example.com", Port: 8080, Path: "/v1/agent/heartbeat"},
			want: "http://example.com:8080/v1/agent/heartbeat",
		},
		{
			name: "tls",
			req:  Request{Host: "example.com", Port: 443, Path: "/v1/agent/fetch", TLS: true},
			want: "https://example.com:443/v1/agent/fetch",
		},
		{
			name: "no port",
			req:  Request{Host: "example.com", Path: "/x"},
			want: "http://example.com/x",
		},
		{
			name: "query",
			req:  Request{Host: "example.com", Port: 80, Path: "/x", Query: url.Values{"k": {"v"}}},
			want: "http://example.com:80/x?k=v",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.req.URL())
		})
	}
}

func TestClientDoPassesThroughStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("denied"))
	}))
	t.Cleanup(srv.Close)

	host, port := hostPort(t, srv.URL)
	resp, err := NewHTTPClient().Do(context.Background(), &Request{
		Method:  http.MethodPost,
		Host:    host,
		Port:    port,
		Path:    "/v1/agent/heartbeat",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte("{}"),
	})

	// Auth and validation failures are data, not transport errors.
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "denied", string(resp.Body))
}

func TestClientDoRetriesConnectionFailure(t *testing.T) {
	t.Parallel()

	// Nothing listens on this address; every attempt fails at the
	// connection level and the retry budget is exhausted.
	start := time.Now()
	_, err := NewHTTPClient().Do(context.Background(), &Request{
		Method:  http.MethodPost,
		Host:    "127.0.0.1",
		Port:    1,
		Path:    "/x",
		Timeout: 5 * time.Second,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClientDoRespectsContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHTTPClient().Do(ctx, &Request{
		Method: http.MethodGet,
		Host:   "127.0.0.1",
		Port:   1,
		Path:   "/x",
	})
	require.Error(t, err)
}

func TestClientDoRejectsOversizedResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", MaxResponseSize+1)))
	}))
	t.Cleanup(srv.Close)

	host, port := hostPort(t, srv.URL)
	_, err := NewHTTPClient().Do(context.Background(), &Request{
		Method: http.MethodGet,
		Host:   host,
		Port:   port,
		Path:   "/big",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum allowed size")
}
