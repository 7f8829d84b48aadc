// Package events normalizes backend events into the chat message log.
//
// Each ServerEvent type maps to zero or more Messages. Lifecycle and version
// control events produce no entry; unknown types are logged at debug level
// and ignored. Checkpoint events become anchors that Anchor resolves to a log
// index for scroll-to-checkpoint.
package events
