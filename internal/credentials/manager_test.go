package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRefresher struct {
	calls int
	cred  Credential
	err   error
}

func (s *stubRefresher) Refresh(_ context.Context, _ string) (Credential, error) {
	s.calls++
	if s.err != nil {
		return Credential{}, s.err
	}
	return s.cred, nil
}

func TestManagerRefreshCredential(t *testing.T) {
	t.Parallel()

	stub := &stubRefresher{cred: Credential{AccessKeyID: "AK1", AccessKey: "SK1"}}
	m := NewManager(stub)

	refreshed, err := m.RefreshCredential(context.Background(), "acct")
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, 1, stub.calls)

	cred, ok := m.GetCredential("acct")
	require.True(t, ok)
	assert.Equal(t, "AK1", cred.AccessKeyID)
	assert.Equal(t, "acct", cred.AccountID)
	assert.False(t, cred.LastUpdate.IsZero())
}

func TestManagerRefreshRateLimited(t *testing.T) {
	t.Parallel()

	stub := &stubRefresher{cred: Credential{AccessKeyID: "AK1", AccessKey: "SK1"}}
	m := NewManager(stub, WithMinRefreshInterval(time.Minute))

	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	refreshed, err := m.RefreshCredential(context.Background(), "acct")
	require.NoError(t, err)
	require.True(t, refreshed)

	// Within the interval the refresh is refused without touching the
	// upstream or the record.
	now = now.Add(30 * time.Second)
	stub.cred = Credential{AccessKeyID: "AK2", AccessKey: "SK2"}
	refreshed, err = m.RefreshCredential(context.Background(), "acct")
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, 1, stub.calls)

	cred, ok := m.GetCredential("acct")
	require.True(t, ok)
	assert.Equal(t, "AK1", cred.AccessKeyID)

	// Past the interval the refresh goes through.
	now = now.Add(31 * time.Second)
	refreshed, err = m.RefreshCredential(context.Background(), "acct")
	require.NoError(t, err)
	assert.True(t, refreshed)

	cred, _ = m.GetCredential("acct")
	assert.Equal(t, "AK2", cred.AccessKeyID)
}

func TestManagerRefreshErrorKeepsRecord(t *testing.T) {
	t.Parallel()

	stub := &stubRefresher{cred: Credential{AccessKeyID: "AK1", AccessKey: "SK1"}}
	m := NewManager(stub, WithMinRefreshInterval(time.Nanosecond))

	_, err := m.RefreshCredential(context.Background(), "acct")
	require.NoError(t, err)

	stub.err = errors.New("upstream unavailable")
	refreshed, err := m.RefreshCredential(context.Background(), "acct")
	require.Error(t, err)
	assert.False(t, refreshed)

	cred, ok := m.GetCredential("acct")
	require.True(t, ok)
	assert.Equal(t, "AK1", cred.AccessKeyID)
}

func TestManagerSetCredentialPreservesLastUpdate(t *testing.T) {
	t.Parallel()

	stub := &stubRefresher{cred: Credential{AccessKeyID: "AK1", AccessKey: "SK1"}}
	m := NewManager(stub, WithMinRefreshInterval(time.Hour))

	_, err := m.RefreshCredential(context.Background(), "acct")
	require.NoError(t, err)
	before, _ := m.GetCredential("acct")

	m.SetCredential("acct", "AK9", "SK9")
	after, _ := m.GetCredential("acct")
	assert.Equal(t, "AK9", after.AccessKeyID)
	assert.Equal(t, before.LastUpdate, after.LastUpdate)

	// A seeded credential still counts against the refresh interval.
	refreshed, err := m.RefreshCredential(context.Background(), "acct")
	require.NoError(t, err)
	assert.False(t, refreshed)
}

func TestFileRefresher(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`accounts:
  prod:
    accessKeyId: AKPROD
    accessKey: secret
  incomplete:
    accessKeyId: AKX
`), 0600))

	f := NewFileRefresher(path)

	cred, err := f.Refresh(context.Background(), "prod")
	require.NoError(t, err)
	assert.Equal(t, "AKPROD", cred.AccessKeyID)
	assert.Equal(t, "secret", cred.AccessKey)

	_, err = f.Refresh(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not present")

	_, err = f.Refresh(context.Background(), "incomplete")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incomplete credentials")

	_, err = NewFileRefresher(filepath.Join(dir, "nope.yaml")).Refresh(context.Background(), "prod")
	require.Error(t, err)
}
