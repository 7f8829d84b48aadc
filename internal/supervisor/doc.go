// Package supervisor runs the agent backend as a child process.
//
// It finds a free port, checks that the backend binary works, spawns it and
// turns its output into log entries. Error output is also forwarded to a
// sink, which the host connects to the UI. An exit nobody asked for is
// reported through a separate crash callback. Output flows through a bounded
// queue that drops the oldest line when full, so a slow consumer never
// stalls the child.
package supervisor
