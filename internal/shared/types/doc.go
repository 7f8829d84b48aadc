// Package types provides shared data structures for the desktop runtime.
//
// These are the wire shapes exchanged with the agent backend and across the
// command channel. They carry no behaviour beyond small accessors.
//
// Core Types:
//   - Checkpoint, SessionConfig: the backend's authoritative session state
//   - AgentConfig, UpdateConfig: session creation and patch payloads
//   - ServerEvent: tagged union pushed by the backend, keyed by Type
//   - Message: normalized chat log entry
//   - Result: success/message reply for host operations
//
// Example Usage:
//
//	for _, cp := range cfg.Checkpoints {
//	    if cp.HasCommit() {
//	        fmt.Println(cp.CheckpointID, cp.CommitMessage)
//	    }
//	}
package types
