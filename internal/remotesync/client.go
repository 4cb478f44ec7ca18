package remotesync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/flowtail/agent/internal/credentials"
	"github.com/flowtail/agent/internal/logger"
	"github.com/flowtail/agent/internal/pipeline"
	"github.com/flowtail/agent/internal/transport"
)

// Supported credential providers.
const (
	ProviderStatic = "static"
	ProviderAKSK   = "aksk"
)

// ServiceClient abstracts the server-specific parts of the sync
// protocol: how requests are built, signed, and how credentials are
// refreshed after an auth failure. The sync loop itself is provider
// agnostic.
type ServiceClient interface {
	// InitClient prepares the client before the first request, for
	// example by loading initial credentials.
	InitClient(ctx context.Context) error

	// FlushCredential attempts to refresh credentials after an auth
	// failure. It reports whether a retry with fresh credentials is
	// worthwhile.
	FlushCredential(ctx context.Context) bool

	// SignHeader stamps auth headers onto an outgoing request. It is
	// called once per attempt, so a retry after FlushCredential picks
	// up the refreshed credentials.
	SignHeader(req *transport.Request) error

	// SendMetadata registers the agent's identity with the server.
	// Failures are non-fatal.
	SendMetadata(ctx context.Context, tc transport.Client) error

	GenerateHeartbeatRequest(requestID string, known []pipeline.NameVersion) (*transport.Request, error)
	GenerateFetchRequest(requestID string, requested []KnownConfig) (*transport.Request, error)
}

// ClientOptions carries the endpoint and identity parameters shared by
// all providers.
type ClientOptions struct {
	Host         string
	Port         int
	TLS          bool
	AgentID      string
	AgentVersion string
	Hostname     string
	AccountID    string
	Timeout      time.Duration
	Attrs        map[string]string
}

// NewServiceClient builds the client for the configured provider.
func NewServiceClient(provider string, opts ClientOptions, creds *credentials.Manager) (ServiceClient, error) {
	base := &staticClient{opts: opts}
	switch provider {
	case ProviderStatic, "":
		return base, nil
	case ProviderAKSK:
		if opts.AccountID == "" {
			return nil, fmt.Errorf("aksk provider requires an account ID")
		}
		if creds == nil {
			return nil, fmt.Errorf("aksk provider requires a credential manager")
		}
		return &akskClient{staticClient: base, creds: creds, now: time.Now}, nil
	default:
		return nil, fmt.Errorf("unknown credential provider: %s", provider)
	}
}

// staticClient talks to servers that need no request signing.
type staticClient struct {
	opts ClientOptions
}

func (c *staticClient) InitClient(_ context.Context) error { return nil }

// FlushCredential has nothing to refresh, so auth failures are final.
func (c *staticClient) FlushCredential(_ context.Context) bool { return false }

func (c *staticClient) SignHeader(_ *transport.Request) error { return nil }

func (c *staticClient) SendMetadata(ctx context.Context, tc transport.Client) error {
	body := MetadataRequest{
		RequestID: uuid.NewString(),
		AgentID:   c.opts.AgentID,
		Hostname:  c.opts.Hostname,
		Version:   c.opts.AgentVersion,
		Attrs:     c.opts.Attrs,
	}
	req, err := c.jsonRequest(metadataPath, body)
	if err != nil {
		return err
	}
	resp, err := tc.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metadata registration returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *staticClient) GenerateHeartbeatRequest(requestID string, known []pipeline.NameVersion) (*transport.Request, error) {
	body := HeartbeatRequest{
		RequestID: requestID,
		AgentID:   c.opts.AgentID,
		Known:     make([]KnownConfig, 0, len(known)),
	}
	for _, nv := range known {
		body.Known = append(body.Known, KnownConfig{Name: nv.Name, Version: nv.Version})
	}
	return c.jsonRequest(heartbeatPath, body)
}

func (c *staticClient) GenerateFetchRequest(requestID string, requested []KnownConfig) (*transport.Request, error) {
	body := FetchRequest{
		RequestID: requestID,
		AgentID:   c.opts.AgentID,
		Requested: requested,
	}
	return c.jsonRequest(fetchPath, body)
}

func (c *staticClient) jsonRequest(path string, body any) (*transport.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", path, err)
	}
	return &transport.Request{
		Method: http.MethodPost,
		Host:   c.opts.Host,
		Port:   c.opts.Port,
		Path:   path,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body:    payload,
		Timeout: c.opts.Timeout,
		TLS:     c.opts.TLS,
	}, nil
}

// akskClient signs every request with an HMAC-SHA256 over the method,
// path and timestamp, keyed by the account's access key.
type akskClient struct {
	*staticClient

	creds *credentials.Manager
	now   func() time.Time
}

func (c *akskClient) InitClient(ctx context.Context) error {
	if _, ok := c.creds.GetCredential(c.opts.AccountID); ok {
		return nil
	}
	refreshed, err := c.creds.RefreshCredential(ctx, c.opts.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load initial credentials for account %s: %w", c.opts.AccountID, err)
	}
	if !refreshed {
		return fmt.Errorf("no credentials available for account %s", c.opts.AccountID)
	}
	return nil
}

func (c *akskClient) FlushCredential(ctx context.Context) bool {
	refreshed, err := c.creds.RefreshCredential(ctx, c.opts.AccountID)
	if err != nil {
		logger.Warnw("credential refresh failed", "account", c.opts.AccountID, "error", err)
		return false
	}
	return refreshed
}

func (c *akskClient) SignHeader(req *transport.Request) error {
	cred, ok := c.creds.GetCredential(c.opts.AccountID)
	if !ok {
		return fmt.Errorf("no credentials for account %s", c.opts.AccountID)
	}
	date := c.now().UTC().Format(http.TimeFormat)
	mac := hmac.New(sha256.New, []byte(cred.AccessKey))
	fmt.Fprintf(mac, "%s\n%s\n%s", req.Method, req.Path, date)
	sig := hex.EncodeToString(mac.Sum(nil))

	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["X-Flowtail-Date"] = date
	req.Headers["X-Flowtail-Key"] = cred.AccessKeyID
	req.Headers["Authorization"] = "FT1-HMAC-SHA256 " + sig
	return nil
}
