package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileRefresher reads credentials from a YAML file keyed by account id.
// External orchestration rotates the file; the agent only ever reads it.
type FileRefresher struct {
	path string
}

// credentialFile is the on-disk schema of the credential file.
type credentialFile struct {
	Accounts map[string]struct {
		AccessKeyID string `yaml:"accessKeyId"`
		AccessKey   string `yaml:"accessKey"`
	} `yaml:"accounts"`
}

// NewFileRefresher creates a refresher reading from the given path.
func NewFileRefresher(path string) *FileRefresher {
	return &FileRefresher{path: filepath.Clean(path)}
}

// Refresh re-reads the credential file and returns the entry for the
// account.
func (f *FileRefresher) Refresh(_ context.Context, accountID string) (Credential, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read credential file: %w", err)
	}

	var parsed credentialFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return Credential{}, fmt.Errorf("failed to parse credential file: %w", err)
	}

	entry, ok := parsed.Accounts[accountID]
	if !ok {
		return Credential{}, fmt.Errorf("account %s not present in credential file", accountID)
	}
	if entry.AccessKeyID == "" || entry.AccessKey == "" {
		return Credential{}, fmt.Errorf("account %s has incomplete credentials", accountID)
	}

	return Credential{
		AccountID:   accountID,
		AccessKeyID: entry.AccessKeyID,
		AccessKey:   entry.AccessKey,
	}, nil
}
