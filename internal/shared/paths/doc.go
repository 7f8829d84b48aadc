// Package paths provides the on-disk layout of the desktop user data directory.
//
// Every component that persists state (vault blob, master key, diagnostic
// logs) resolves its location through Layout so the host and CLI agree.
package paths
