package types

import (
	"encoding/json"
	"strings"

	"github.com/bytedance/sonic"
)

// EventType discriminates ServerEvent payloads.
type EventType string

// Known backend event kinds. Anything else is treated as unknown and ignored.
const (
	EventModelRequest        EventType = "ModelRequest"
	EventModelResponse       EventType = "ModelResponse"
	EventToolRequest         EventType = "ToolRequest"
	EventToolResponse        EventType = "ToolResponse"
	EventTask                EventType = "Task"
	EventUserRequest         EventType = "UserRequest"
	EventUserResponse        EventType = "UserResponse"
	EventError               EventType = "Error"
	EventStop                EventType = "Stop"
	EventInterrupt           EventType = "Interrupt"
	EventShellRequest        EventType = "ShellRequest"
	EventShellResponse       EventType = "ShellResponse"
	EventRateLimit           EventType = "RateLimit"
	EventCheckpoint          EventType = "Checkpoint"
	EventGitInit             EventType = "GitInit"
	EventGitError            EventType = "GitError"
	EventGitResolve          EventType = "GitResolve"
	EventGitMerge            EventType = "GitMerge"
	EventEnvironmentRequest  EventType = "EnvironmentRequest"
	EventEnvironmentResponse EventType = "EnvironmentResponse"
)

// Event producers and consumers used when the desktop submits an event.
const (
	ProducerUser   = "user"
	ProducerSystem = "system"
	ConsumerDevon  = "devon"
)

// Git resolution choices carried by a GitResolve event.
const (
	GitActionInit     = "git"
	GitActionContinue = "nogit"
)

// ServerEvent is one entry of the backend's event log, as pushed to the UI.
type ServerEvent struct {
	EventID  int64           `json:"event_id"`
	Type     EventType       `json:"type"`
	Content  json.RawMessage `json:"content,omitempty"`
	Producer string          `json:"producer,omitempty"`
	Consumer string          `json:"consumer,omitempty"`
	Resolved *bool           `json:"resolved,omitempty"`
	Session  string          `json:"session,omitempty"`
}

// Text returns the content as display text: a JSON string is unquoted,
// anything else is returned as raw JSON.
func (e ServerEvent) Text() string {
	if len(e.Content) == 0 {
		return ""
	}
	var s string
	if err := sonic.Unmarshal(e.Content, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(e.Content))
}

// Field extracts a string field from an object content, or "".
func (e ServerEvent) Field(name string) string {
	var obj map[string]json.RawMessage
	if err := sonic.Unmarshal(e.Content, &obj); err != nil {
		return ""
	}
	raw, ok := obj[name]
	if !ok {
		return ""
	}
	var s string
	if err := sonic.Unmarshal(raw, &s); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return s
}

// IsResolved reports the resolved flag. The backend emits a fresh GitError
// without the flag and waits for a GitResolve, so absence means unresolved.
func (e ServerEvent) IsResolved() bool {
	return e.Resolved != nil && *e.Resolved
}

// EventRequest is what the desktop posts to a session's event endpoint.
type EventRequest struct {
	Type     EventType   `json:"type"`
	Content  interface{} `json:"content"`
	Producer string      `json:"producer"`
	Consumer string      `json:"consumer"`
}
