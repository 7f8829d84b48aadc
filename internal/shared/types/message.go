package types

// MessageKind is the display category of a normalized log entry.
type MessageKind string

const (
	MessageUser          MessageKind = "user"
	MessageAgent         MessageKind = "agent"
	MessageCommand       MessageKind = "command"
	MessageTool          MessageKind = "tool"
	MessageTask          MessageKind = "task"
	MessageThought       MessageKind = "thought"
	MessageError         MessageKind = "error"
	MessageShellCommand  MessageKind = "shellCommand"
	MessageShellResponse MessageKind = "shellResponse"
	MessageRateLimit     MessageKind = "rateLimit"
	MessageCheckpoint    MessageKind = "checkpoint"
)

// Message is one entry of the ordered chat log shown to the user.
type Message struct {
	Kind         MessageKind `json:"type"`
	Text         string      `json:"text"`
	EventID      int64       `json:"event_id"`
	CheckpointID *int        `json:"checkpoint_id,omitempty"`
}

// Result is the uniform reply of host operations that must never fail loudly.
type Result struct {
	Success bool   `json:"success"`
	Data    string `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// MsgDecryptionFailed is the failed load-data message for a blob that exists
// but no longer decrypts. Readers treat it as "no stored secret", unlike a
// missing encryption capability.
const MsgDecryptionFailed = "Failed to decrypt encrypted data"

// Ok returns a successful result.
func Ok(data string) Result {
	return Result{Success: true, Data: data}
}

// Fail returns a failed result carrying a human-readable message.
func Fail(message string) Result {
	return Result{Success: false, Message: message}
}
