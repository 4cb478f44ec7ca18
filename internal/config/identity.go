package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const agentIDFile = "agent_id"

// LoadOrCreateAgentID returns the stable identity for this agent. The
// ID is generated on first run and persisted next to the config store
// so it survives restarts.
func LoadOrCreateAgentID(dir string) (string, error) {
	path := filepath.Join(dir, agentIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		// Corrupt file, regenerate below.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read agent ID file %s: %w", path, err)
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create directory for agent ID: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to persist agent ID: %w", err)
	}
	return id, nil
}
