package remotesync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtail/agent/internal/credentials"
	"github.com/flowtail/agent/internal/pipeline"
)

type seededRefresher struct {
	cred credentials.Credential
}

func (s *seededRefresher) Refresh(_ context.Context, _ string) (credentials.Credential, error) {
	return s.cred, nil
}

func TestNewServiceClientProviders(t *testing.T) {
	t.Parallel()

	creds := credentials.NewManager(&seededRefresher{})

	tests := []struct {
		name     string
		provider string
		opts     ClientOptions
		creds    *credentials.Manager
		wantErr  string
	}{
		{name: "static", provider: ProviderStatic},
		{name: "default is static", provider: ""},
		{name: "aksk", provider: ProviderAKSK, opts: ClientOptions{AccountID: "acct"}, creds: creds},
		{name: "aksk without account", provider: ProviderAKSK, creds: creds, wantErr: "requires an account ID"},
		{name: "aksk without manager", provider: ProviderAKSK, opts: ClientOptions{AccountID: "acct"}, wantErr: "requires a credential manager"},
		{name: "unknown", provider: "oauth", wantErr: "unknown credential provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, err := NewServiceClient(tt.provider, tt.opts, tt.creds)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client)
		})
	}
}

func TestStaticClientGenerateHeartbeatRequest(t *testing.T) {
	t.Parallel()

	client, err := NewServiceClient(ProviderStatic, ClientOptions{
		Host:    "config.example.com",
		Port:    443,
		TLS:     true,
		AgentID: "agent-1",
		Timeout: 5 * time.Second,
	}, nil)
	require.NoError(t, err)

	known := []pipeline.NameVersion{{Name: "a", Version: 2}, {Name: "b", Version: 5}}
	req, err := client.GenerateHeartbeatRequest("req-1", known)
	require.NoError(t, err)

	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "config.example.com", req.Host)
	assert.Equal(t, 443, req.Port)
	assert.True(t, req.TLS)
	assert.Equal(t, heartbeatPath, req.Path)
	assert.Equal(t, "application/json", req.Headers["Content-Type"])

	var body HeartbeatRequest
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "req-1", body.RequestID)
	assert.Equal(t, "agent-1", body.AgentID)
	assert.Equal(t, []KnownConfig{{Name: "a", Version: 2}, {Name: "b", Version: 5}}, body.Known)

	// The static client neither signs nor refreshes.
	require.NoError(t, client.SignHeader(req))
	assert.NotContains(t, req.Headers, "Authorization")
	assert.False(t, client.FlushCredential(context.Background()))
}

func TestAKSKClientSignHeader(t *testing.T) {
	t.Parallel()

	creds := credentials.NewManager(&seededRefresher{})
	creds.SetCredential("acct", "AKID", "topsecret")

	client, err := NewServiceClient(ProviderAKSK, ClientOptions{
		Host:      "config.example.com",
		Port:      8080,
		AgentID:   "agent-1",
		AccountID: "acct",
	}, creds)
	require.NoError(t, err)

	signAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client.(*akskClient).now = func() time.Time { return signAt }

	req, err := client.GenerateFetchRequest("req-2", []KnownConfig{{Name: "a", Version: 3}})
	require.NoError(t, err)
	require.NoError(t, client.SignHeader(req))

	date := req.Headers["X-Flowtail-Date"]
	assert.Equal(t, signAt.Format("Mon, 02 Jan 2006 15:04:05 GMT"), date)
	assert.Equal(t, "AKID", req.Headers["X-Flowtail-Key"])

	mac := hmac.New(sha256.New, []byte("topsecret"))
	fmt.Fprintf(mac, "POST\n%s\n%s", fetchPath, date)
	assert.Equal(t, "FT1-HMAC-SHA256 "+hex.EncodeToString(mac.Sum(nil)), req.Headers["Authorization"])
}

func TestAKSKClientInitLoadsCredentials(t *testing.T) {
	t.Parallel()

	creds := credentials.NewManager(&seededRefresher{
		cred: credentials.Credential{AccessKeyID: "AKID", AccessKey: "sk"},
	})

	client, err := NewServiceClient(ProviderAKSK, ClientOptions{AccountID: "acct"}, creds)
	require.NoError(t, err)
	require.NoError(t, client.InitClient(context.Background()))

	cred, ok := creds.GetCredential("acct")
	require.True(t, ok)
	assert.Equal(t, "AKID", cred.AccessKeyID)
}

func TestAKSKClientSignWithoutCredentials(t *testing.T) {
	t.Parallel()

	creds := credentials.NewManager(&seededRefresher{})
	client, err := NewServiceClient(ProviderAKSK, ClientOptions{AccountID: "empty"}, creds)
	require.NoError(t, err)

	req, err := client.GenerateHeartbeatRequest("req-3", nil)
	require.NoError(t, err)
	err = client.SignHeader(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")
}
