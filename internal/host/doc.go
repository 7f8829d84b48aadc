// Package host is the privileged side of the desktop.
//
// It serves the UI's channel calls (vault, editor watcher, port and dialog
// requests), supervises the backend process and forwards its errors to the
// UI as server-error pushes. An unexpected exit is pushed with a fatal flag.
// Panics in host code are recovered, logged with their stack and shown
// through a Notifier.
package host
