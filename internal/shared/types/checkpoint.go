package types

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// NoCommitHash is the commit hash the backend records for a checkpoint that
// produced no version-control commit.
const NoCommitHash = "no_commit"

// Versioning modes
const (
	VersioningGit  = "git"
	VersioningNone = "none"
)

// Checkpoint is a backend-recorded point in a session's history.
type Checkpoint struct {
	CheckpointID  int               `json:"checkpoint_id"`
	EventID       int64             `json:"event_id"`
	CommitHash    string            `json:"commit_hash"`
	CommitMessage string            `json:"commit_message"`
	AgentHistory  []json.RawMessage `json:"agent_history,omitempty"`

	// NoCommit is the explicit form of the sentinel hash. Backends that send
	// it get an unambiguous answer from HasCommit; older backends leave it
	// nil and the hash decides.
	NoCommit *bool `json:"no_commit,omitempty"`

	// PendingInvalid is local only: set after a revert to a lower id until
	// reconciliation confirms the backend dropped this checkpoint.
	PendingInvalid bool `json:"pending_invalid,omitempty"`
}

// HasCommit reports whether the checkpoint carries a real commit.
func (c Checkpoint) HasCommit() bool {
	if c.NoCommit != nil {
		return !*c.NoCommit
	}
	return c.CommitHash != NoCommitHash
}

// SessionConfig is the backend's authoritative view of a session, mirrored
// locally by reconciliation.
type SessionConfig struct {
	Model              string                 `json:"model"`
	VersioningType     string                 `json:"versioning_type"`
	Checkpoints        []Checkpoint           `json:"checkpoints"`
	VersioningMetadata map[string]interface{} `json:"versioning_metadata,omitempty"`
}

// OldBranch returns the source branch name the agent branched from, or ""
// when the backend has not recorded one as a string.
func (c SessionConfig) OldBranch() string {
	return c.metadataString("old_branch")
}

// CurrentBranch returns the agent's working branch name, if recorded.
func (c SessionConfig) CurrentBranch() string {
	return c.metadataString("current_branch")
}

func (c SessionConfig) metadataString(key string) string {
	if c.VersioningMetadata == nil {
		return ""
	}
	s, _ := c.VersioningMetadata[key].(string)
	return s
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c SessionConfig) Clone() SessionConfig {
	out := c
	if c.Checkpoints != nil {
		out.Checkpoints = make([]Checkpoint, len(c.Checkpoints))
		copy(out.Checkpoints, c.Checkpoints)
	}
	if c.VersioningMetadata != nil {
		out.VersioningMetadata = make(map[string]interface{}, len(c.VersioningMetadata))
		for k, v := range c.VersioningMetadata {
			out.VersioningMetadata[k] = v
		}
	}
	return out
}

// AgentConfig is what a session is created with.
type AgentConfig struct {
	Model          string `json:"model"`
	APIKey         string `json:"api_key,omitempty"`
	VersioningType string `json:"versioning_type,omitempty"`
}

// UpdateConfig patches the model and secret of a live session.
type UpdateConfig struct {
	Model  string `json:"model"`
	APIKey string `json:"api_key"`
}

// FileDiff is one file of a checkpoint-to-checkpoint diff.
type FileDiff struct {
	FilePath string `json:"file_path"`
	Before   string `json:"before"`
	After    string `json:"after"`
}

// DiffResult is the whole-file diff between two checkpoints.
type DiffResult struct {
	Files []FileDiff `json:"files"`
}

// IndexEntry is one directory index maintained by the backend.
type IndexEntry struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// SessionSummary is one entry of the backend's session list. Backends answer
// with either bare names or objects, both decode here.
type SessionSummary struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// UnmarshalJSON accepts a bare string or an object.
func (s *SessionSummary) UnmarshalJSON(data []byte) error {
	var name string
	if err := sonic.Unmarshal(data, &name); err == nil {
		*s = SessionSummary{Name: name}
		return nil
	}
	type plain SessionSummary
	var p plain
	if err := sonic.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = SessionSummary(p)
	return nil
}
