// Package credentials caches per-account access credentials and rate-limits
// refreshes so call-site storms cannot trigger excessive upstream issuance.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowtail/agent/internal/logger"
)

// DefaultMinRefreshInterval is the minimum gap enforced between two
// refreshes of the same account when the config does not override it.
const DefaultMinRefreshInterval = 60 * time.Second

// Credential is one account's access key pair together with the time it
// was last refreshed.
type Credential struct {
	AccountID   string
	AccessKeyID string
	AccessKey   string
	LastUpdate  time.Time
}

// Refresher obtains fresh credentials for an account from an upstream
// source (credential file, environment, instance metadata).
type Refresher interface {
	Refresh(ctx context.Context, accountID string) (Credential, error)
}

// Manager is the per-account credential cache.
type Manager struct {
	mu          sync.Mutex
	records     map[string]Credential
	refresher   Refresher
	minInterval time.Duration

	// now is swappable for tests
	now func() time.Time
}

// Option configures the manager.
type Option func(*Manager)

// WithMinRefreshInterval overrides the minimum interval between refreshes
// of the same account.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.minInterval = d
		}
	}
}

// NewManager creates a credential manager backed by the given refresher.
func NewManager(refresher Refresher, opts ...Option) *Manager {
	m := &Manager{
		records:     make(map[string]Credential),
		refresher:   refresher,
		minInterval: DefaultMinRefreshInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetCredential returns the cached credential for the account.
func (m *Manager) GetCredential(accountID string) (Credential, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.records[accountID]
	return cred, ok
}

// SetCredential seeds or replaces the cached credential for an account.
// LastUpdate is preserved from the stored record so a seed does not count
// as a refresh.
func (m *Manager) SetCredential(accountID, accessKeyID, accessKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.records[accountID]
	m.records[accountID] = Credential{
		AccountID:   accountID,
		AccessKeyID: accessKeyID,
		AccessKey:   accessKey,
		LastUpdate:  prev.LastUpdate,
	}
}

// RefreshCredential refreshes the account's credential unless a refresh
// already happened within the configured minimum interval. Returns true
// only when a refresh was actually performed. A refused refresh leaves
// the record untouched.
func (m *Manager) RefreshCredential(ctx context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	record, ok := m.records[accountID]
	if ok && m.now().Sub(record.LastUpdate) < m.minInterval {
		m.mu.Unlock()
		logger.Debugf("credential refresh for account %s refused: within minimum interval", accountID)
		return false, nil
	}
	m.mu.Unlock()

	// The upstream call runs outside the lock; a concurrent refresh of a
	// different account must not wait on it.
	cred, err := m.refresher.Refresh(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to refresh credential for account %s: %w", accountID, err)
	}

	m.mu.Lock()
	cred.AccountID = accountID
	cred.LastUpdate = m.now()
	m.records[accountID] = cred
	m.mu.Unlock()

	logger.Infof("credential refreshed for account %s", accountID)
	return true, nil
}
