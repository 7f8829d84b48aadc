package session

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/timeline"
)

// Status is the lifecycle state of the current session.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusCreating      Status = "creating"
	StatusInitializing  Status = "initializing"
	StatusRunning       Status = "running"
	StatusPaused        Status = "paused"
	StatusError         Status = "error"
	StatusDeleted       Status = "deleted"
)

// live reports whether the backend knows the session and can take calls.
func (s Status) live() bool {
	return s == StatusInitializing || s == StatusRunning || s == StatusPaused
}

// accepting reports whether pushed events are applied in this state.
func (s Status) accepting() bool {
	return s == StatusCreating || s.live()
}

var (
	// ErrGated is returned for agent-driving commands while a version
	// control decision is outstanding. It is not a session failure.
	ErrGated = errors.New("session is waiting on a git decision")
	// ErrInvalidState is returned when an operation does not apply to the
	// current status.
	ErrInvalidState = errors.New("operation not valid in current session state")
	// ErrNoSession is returned by Reset when nothing was ever created.
	ErrNoSession = errors.New("no session to reset")
	// ErrClosed is returned once the machine has been closed.
	ErrClosed = errors.New("session machine closed")

	// Failure kinds, matched with errors.Is against a *Failure.
	ErrTransport    = errors.New("backend transport failure")
	ErrUnresponsive = errors.New("backend unresponsive")
	ErrCrashed      = errors.New("agent crashed")
)

// FailureKind classifies why a session entered the error state.
type FailureKind string

const (
	FailureTransport    FailureKind = "transport"
	FailureUnresponsive FailureKind = "unresponsive"
	FailureCrashed      FailureKind = "crashed"
)

// Failure is the cause recorded when a session moves to StatusError.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches the kind sentinels.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrTransport:
		return f.Kind == FailureTransport
	case ErrUnresponsive:
		return f.Kind == FailureUnresponsive
	case ErrCrashed:
		return f.Kind == FailureCrashed
	}
	return false
}

// MarshalJSON renders the failure for diagnostics.
func (f *Failure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return sonic.Marshal(struct {
		Kind    FailureKind `json:"kind"`
		Message string      `json:"message,omitempty"`
	}{f.Kind, msg})
}

func invalid(op string, s Status) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidState, op, s)
}

// GitError is an unresolved version control error reported by the agent.
type GitError struct {
	EventID int64  `json:"event_id"`
	Message string `json:"message"`
}

// Gate holds outstanding version control decisions. While Blocked, agent
// driving commands fail with ErrGated.
type Gate struct {
	GitInit     bool       `json:"git_init"`
	InitMessage string     `json:"init_message,omitempty"`
	Errors      []GitError `json:"errors,omitempty"`
}

// Blocked reports whether any decision is outstanding.
func (g Gate) Blocked() bool {
	return g.GitInit || len(g.Errors) > 0
}

func (g Gate) clone() Gate {
	g.Errors = append([]GitError(nil), g.Errors...)
	return g
}

// resolveNewest clears the init prompt and the most recent unresolved error.
func (g *Gate) resolveNewest() {
	g.GitInit = false
	g.InitMessage = ""
	if n := len(g.Errors); n > 0 {
		g.Errors = g.Errors[:n-1]
	}
}

// resolveBefore clears the init prompt and every error raised before id.
func (g *Gate) resolveBefore(id int64) {
	g.GitInit = false
	g.InitMessage = ""
	kept := g.Errors[:0]
	for _, e := range g.Errors {
		if e.EventID > id {
			kept = append(kept, e)
		}
	}
	g.Errors = kept
}

// resolveMessage clears errors carrying the given message.
func (g *Gate) resolveMessage(msg string) {
	kept := g.Errors[:0]
	for _, e := range g.Errors {
		if e.Message != msg {
			kept = append(kept, e)
		}
	}
	g.Errors = kept
}

// Snapshot is an immutable view of the machine, safe to share.
type Snapshot struct {
	Name        string              `json:"name,omitempty"`
	Host        string              `json:"host"`
	Status      Status              `json:"status"`
	Config      types.SessionConfig `json:"config"`
	Timeline    timeline.View       `json:"timeline"`
	Messages    []types.Message     `json:"messages"`
	LastEventID int64               `json:"last_event_id"`
	Gate        Gate                `json:"gate"`
	Err         *Failure            `json:"error,omitempty"`
	// ServerError is the latest non-fatal error line from the backend.
	ServerError string              `json:"server_error,omitempty"`
	Generation  uint64              `json:"generation"`
}
