// Package remotesync implements the agent side of the configuration
// distribution protocol: periodic heartbeats reporting known config
// versions, fetches for changed content, and the on-disk version store
// that survives restarts.
package remotesync

// CheckStatus is the server's verdict for one config in a heartbeat
// response.
type CheckStatus string

const (
	StatusNew       CheckStatus = "NEW"
	StatusModified  CheckStatus = "MODIFIED"
	StatusDeleted   CheckStatus = "DELETED"
	StatusUnchanged CheckStatus = "UNCHANGED"
)

// KnownConfig identifies a config version the agent currently holds, or
// one it wants fetched.
type KnownConfig struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

// HeartbeatRequest reports every config the agent holds so the server
// can diff against its desired state.
type HeartbeatRequest struct {
	RequestID string        `json:"request_id"`
	AgentID   string        `json:"agent_id"`
	Known     []KnownConfig `json:"known"`
}

// CheckResult is the server's per-config diff entry.
type CheckResult struct {
	Name       string      `json:"name"`
	Status     CheckStatus `json:"status"`
	OldVersion int64       `json:"old_version"`
	NewVersion int64       `json:"new_version"`
}

// HeartbeatResponse echoes the request ID so stale replies can be
// discarded.
type HeartbeatResponse struct {
	RequestID string        `json:"request_id"`
	Code      int           `json:"code"`
	Results   []CheckResult `json:"results"`
}

// FetchRequest asks for the content of configs the heartbeat reported
// as new or modified.
type FetchRequest struct {
	RequestID string        `json:"request_id"`
	AgentID   string        `json:"agent_id"`
	Requested []KnownConfig `json:"requested"`
}

// ConfigDetail carries one config's content at a specific version.
type ConfigDetail struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
	Content string `json:"content"`
}

type FetchResponse struct {
	RequestID string         `json:"request_id"`
	Code      int            `json:"code"`
	Details   []ConfigDetail `json:"details"`
}

// MetadataRequest is sent once at startup to register the agent's
// identity and static attributes with the server.
type MetadataRequest struct {
	RequestID string            `json:"request_id"`
	AgentID   string            `json:"agent_id"`
	Hostname  string            `json:"hostname"`
	Version   string            `json:"version"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

const (
	heartbeatPath = "/v1/agent/heartbeat"
	fetchPath     = "/v1/agent/fetch"
	metadataPath  = "/v1/agent/metadata"
)
