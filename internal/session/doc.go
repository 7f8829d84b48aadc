// Package session drives one agent session through its lifecycle.
//
// A Machine is an actor: a single goroutine owns the state and applies every
// message through one transition step. Backend calls run on their own
// goroutines and report back with messages tagged by session name and
// generation, so results for a deleted or reset session are dropped.
//
// Subscribers receive immutable Snapshot values. A slow subscriber only ever
// sees the newest one.
package session
