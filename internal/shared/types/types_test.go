package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointHasCommit(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name string
		cp   Checkpoint
		want bool
	}{
		{name: "real hash", cp: Checkpoint{CommitHash: "abc123"}, want: true},
		{name: "sentinel hash", cp: Checkpoint{CommitHash: NoCommitHash}, want: false},
		{name: "explicit flag wins over hash", cp: Checkpoint{CommitHash: NoCommitHash, NoCommit: &no}, want: true},
		{name: "explicit no commit", cp: Checkpoint{CommitHash: "abc123", NoCommit: &yes}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cp.HasCommit())
		})
	}
}

func TestSessionConfigDecode(t *testing.T) {
	raw := `{
		"model": "gpt4-o",
		"versioning_type": "git",
		"checkpoints": [
			{"checkpoint_id": 1, "event_id": 3, "commit_hash": "no_commit", "commit_message": ""},
			{"checkpoint_id": 2, "event_id": 9, "commit_hash": "abc123", "commit_message": "Add snake logic", "agent_history": [{"role": "user"}]}
		],
		"versioning_metadata": {"old_branch": "main", "current_branch": {}}
	}`

	var cfg SessionConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))

	assert.Equal(t, "gpt4-o", cfg.Model)
	assert.Len(t, cfg.Checkpoints, 2)
	assert.False(t, cfg.Checkpoints[0].HasCommit())
	assert.True(t, cfg.Checkpoints[1].HasCommit())
	assert.Len(t, cfg.Checkpoints[1].AgentHistory, 1)
	assert.Equal(t, "main", cfg.OldBranch())
	assert.Equal(t, "", cfg.CurrentBranch(), "non-string metadata reads as empty")
}

func TestSessionConfigClone(t *testing.T) {
	cfg := SessionConfig{
		Checkpoints:        []Checkpoint{{CheckpointID: 1}},
		VersioningMetadata: map[string]interface{}{"old_branch": "main"},
	}

	clone := cfg.Clone()
	clone.Checkpoints[0].CheckpointID = 99
	clone.VersioningMetadata["old_branch"] = "dev"

	assert.Equal(t, 1, cfg.Checkpoints[0].CheckpointID)
	assert.Equal(t, "main", cfg.OldBranch())
}

func TestServerEventText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "string content", content: `"hello"`, want: "hello"},
		{name: "object content", content: `{"a":1}`, want: `{"a":1}`},
		{name: "number content", content: `42`, want: "42"},
		{name: "empty", content: ``, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ServerEvent{Content: json.RawMessage(tt.content)}
			assert.Equal(t, tt.want, ev.Text())
		})
	}
}

func TestServerEventField(t *testing.T) {
	ev := ServerEvent{Content: json.RawMessage(`{"type":"error","message":"boom","code":3}`)}

	assert.Equal(t, "error", ev.Field("type"))
	assert.Equal(t, "boom", ev.Field("message"))
	assert.Equal(t, "3", ev.Field("code"))
	assert.Equal(t, "", ev.Field("missing"))
	assert.Equal(t, "", ServerEvent{Content: json.RawMessage(`"plain"`)}.Field("type"))
}

func TestServerEventIsResolved(t *testing.T) {
	yes, no := true, false
	assert.False(t, ServerEvent{}.IsResolved())
	assert.True(t, ServerEvent{Resolved: &yes}.IsResolved())
	assert.False(t, ServerEvent{Resolved: &no}.IsResolved())
}

func TestResultHelpers(t *testing.T) {
	assert.Equal(t, Result{Success: true, Data: "x"}, Ok("x"))
	assert.Equal(t, Result{Success: false, Message: "nope"}, Fail("nope"))
}

func TestSessionSummaryDecode(t *testing.T) {
	var list []SessionSummary
	require.NoError(t, json.Unmarshal([]byte(`["a", {"name": "b", "path": "/src"}]`), &list))

	assert.Equal(t, []SessionSummary{{Name: "a"}, {Name: "b", Path: "/src"}}, list)
	assert.Error(t, json.Unmarshal([]byte(`[3]`), &list))
}
