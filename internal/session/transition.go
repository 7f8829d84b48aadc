package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/events"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/timeline"
)

// state is owned by the actor goroutine.
type state struct {
	status      Status
	name        string
	gen         uint64
	request     *CreateRequest
	config      types.SessionConfig
	digest      string
	lastEventID int64
	initAcked   bool
	polling     bool
	failure     *Failure
	serverError string
	gate        Gate
	timeline    *timeline.Reconciler
	view        timeline.View
	log         *events.Normalizer

	ctx    context.Context
	cancel context.CancelFunc
	health *time.Timer
}

type reply struct {
	name       string
	gen        uint64
	checkpoint types.Checkpoint
	err        error
}

type opKind int

const (
	opPause opKind = iota
	opResume
	opRevert
	opSend
	opMerge
	opResolve
	opUpdate
	opDiff
)

var opNames = map[opKind]string{
	opPause:   "pause",
	opResume:  "resume",
	opRevert:  "revert",
	opSend:    "send event",
	opMerge:   "merge",
	opResolve: "resolve git",
	opUpdate:  "update config",
	opDiff:    "diff",
}

// Commands from callers.
type (
	cmdCreate struct {
		req   CreateRequest
		reply chan<- reply
	}
	cmdReset  struct{ reply chan<- reply }
	cmdDelete struct{ reply chan<- reply }
	cmdBegin  struct {
		op           opKind
		checkpointID int
		reply        chan<- reply
	}
	cmdSelect struct {
		id    int
		clear bool
		reply chan<- reply
	}
)

// Results of background calls, tagged with the session they belong to.
type (
	createDone struct {
		name string
		gen  uint64
		err  error
	}
	startDone struct {
		name string
		gen  uint64
		err  error
	}
	configDone struct {
		name   string
		gen    uint64
		health bool
		config types.SessionConfig
		raw    []byte
		err    error
	}
	pauseDone struct {
		name   string
		gen    uint64
		paused bool
		reply  chan<- reply
	}
	revertDone struct {
		name       string
		gen        uint64
		checkpoint types.Checkpoint
		reply      chan<- reply
	}
	resolveDone struct {
		name  string
		gen   uint64
		reply chan<- reply
	}
	updateDone struct {
		name  string
		gen   uint64
		model string
		reply chan<- reply
	}
	healthExpired struct {
		name string
		gen  uint64
	}
)

// Signals.
type (
	pollTick       struct{}
	eventMsg       struct{ ev types.ServerEvent }
	serverErrorMsg struct {
		text  string
		fatal bool
	}
)

// respond queues a reply. Replies go out after the step publishes, so a
// caller that returns from an operation already sees its snapshot.
func (m *Machine) respond(ch chan<- reply, r reply) {
	if ch != nil {
		m.replies = append(m.replies, pendingReply{ch: ch, r: r})
	}
}

type pendingReply struct {
	ch chan<- reply
	r  reply
}

// isCurrent reports whether a tagged result belongs to the live session.
func (m *Machine) isCurrent(name string, gen uint64) bool {
	return m.st.name == name && m.st.gen == gen
}

// step applies one message and publishes the result if anything changed.
func (m *Machine) step(msg interface{}) {
	before := m.st.status
	changed := m.transition(msg)
	if after := m.st.status; after != before {
		m.metrics.RecordTransition(string(before), string(after))
		m.logger.Info("Session status changed",
			zap.String("session", m.st.name),
			zap.String("from", string(before)),
			zap.String("to", string(after)))
		changed = true
	}
	if changed {
		m.publish()
	}
	for _, p := range m.replies {
		p.ch <- p.r
	}
	m.replies = m.replies[:0]
}

func (m *Machine) transition(msg interface{}) bool {
	st := &m.st

	switch msg := msg.(type) {
	case cmdCreate:
		switch st.status {
		case StatusUninitialized, StatusDeleted, StatusError:
		default:
			m.respond(msg.reply, reply{err: invalid("create", st.status)})
			return false
		}
		m.startSession(msg.req)
		m.respond(msg.reply, reply{name: st.name, gen: st.gen})
		return true

	case cmdReset:
		if st.request == nil {
			m.respond(msg.reply, reply{err: ErrNoSession})
			return false
		}
		m.deleteSession()
		m.startSession(*st.request)
		m.respond(msg.reply, reply{name: st.name, gen: st.gen})
		return true

	case cmdDelete:
		m.deleteSession()
		m.respond(msg.reply, reply{name: st.name, gen: st.gen})
		return true

	case cmdBegin:
		m.respond(msg.reply, m.admit(msg))
		return false

	case cmdSelect:
		var err error
		if msg.clear {
			st.timeline.ClearSelection()
		} else {
			err = st.timeline.Select(msg.id)
		}
		m.respond(msg.reply, reply{err: err})
		if err != nil {
			return false
		}
		st.view = st.timeline.View()
		return true

	case createDone:
		if !m.isCurrent(msg.name, msg.gen) || st.status != StatusCreating {
			return false
		}
		if msg.err != nil {
			m.fail(FailureTransport, fmt.Errorf("create session: %w", msg.err))
			return true
		}
		st.status = StatusInitializing
		ctx, name, gen := m.sessionContext(), st.name, st.gen
		m.spawn(func() { m.runStart(ctx, name, gen) })
		m.spawn(func() { m.runStream(ctx, name) })
		return true

	case startDone:
		if !m.isCurrent(msg.name, msg.gen) || st.status != StatusInitializing {
			return false
		}
		if msg.err != nil {
			m.fail(FailureTransport, fmt.Errorf("start session: %w", msg.err))
			return true
		}
		st.initAcked = true
		ctx, name, gen := m.sessionContext(), st.name, st.gen
		m.spawn(func() { m.runHealthCheck(ctx, name, gen) })
		return false

	case configDone:
		if !m.isCurrent(msg.name, msg.gen) || !st.status.live() {
			return false
		}
		if !msg.health {
			st.polling = false
		}
		if msg.err != nil {
			if msg.health {
				m.fail(FailureTransport, fmt.Errorf("health check: %w", msg.err))
				return true
			}
			m.metrics.RecordReconcile("error")
			m.logger.Warn("Config poll failed", zap.String("session", st.name), zap.Error(msg.err))
			return false
		}
		changed := m.reconcile(msg.config, msg.raw)
		if st.status == StatusInitializing && st.initAcked {
			m.stopHealthTimer()
			st.status = StatusRunning
		}
		return changed

	case pauseDone:
		if !m.isCurrent(msg.name, msg.gen) {
			m.respond(msg.reply, reply{err: ErrInvalidState})
			return false
		}
		m.respond(msg.reply, reply{name: st.name, gen: st.gen})
		switch {
		case msg.paused && st.status == StatusRunning:
			st.status = StatusPaused
		case !msg.paused && st.status == StatusPaused:
			st.status = StatusRunning
		}
		return false

	case revertDone:
		if !m.isCurrent(msg.name, msg.gen) {
			m.respond(msg.reply, reply{err: ErrInvalidState})
			return false
		}
		st.view = st.timeline.MarkPendingAfter(msg.checkpoint.CheckpointID)
		// The backend truncates its event log at the checkpoint and reuses
		// later ids.
		st.lastEventID = msg.checkpoint.EventID
		st.log.TruncateAfter(msg.checkpoint.EventID)
		st.digest = ""
		m.respond(msg.reply, reply{name: st.name, gen: st.gen, checkpoint: msg.checkpoint})
		return true

	case resolveDone:
		if !m.isCurrent(msg.name, msg.gen) {
			m.respond(msg.reply, reply{err: ErrInvalidState})
			return false
		}
		st.gate.resolveNewest()
		m.respond(msg.reply, reply{name: st.name, gen: st.gen})
		return true

	case updateDone:
		if !m.isCurrent(msg.name, msg.gen) {
			m.respond(msg.reply, reply{err: ErrInvalidState})
			return false
		}
		st.config.Model = msg.model
		if st.request != nil {
			st.request.Agent.Model = msg.model
		}
		m.respond(msg.reply, reply{name: st.name, gen: st.gen})
		return true

	case healthExpired:
		if !m.isCurrent(msg.name, msg.gen) {
			return false
		}
		if st.status == StatusCreating || st.status == StatusInitializing {
			m.fail(FailureUnresponsive, fmt.Errorf("backend not ready within %s", m.opts.HealthTimeout))
			return true
		}
		return false

	case pollTick:
		if !st.status.live() || st.polling {
			return false
		}
		st.polling = true
		ctx, name, gen := m.sessionContext(), st.name, st.gen
		m.spawn(func() { m.runPoll(ctx, name, gen) })
		return false

	case eventMsg:
		return m.applyEvent(msg.ev)

	case serverErrorMsg:
		if !msg.fatal {
			m.logger.Warn("Backend reported an error", zap.String("session", st.name), zap.String("error", msg.text))
			if st.serverError == msg.text {
				return false
			}
			st.serverError = msg.text
			return true
		}
		m.logger.Error("Backend exited", zap.String("session", st.name), zap.String("notice", msg.text))
		if st.status == StatusRunning || st.status == StatusPaused {
			m.fail(FailureCrashed, fmt.Errorf("backend exited: %s", msg.text))
			return true
		}
		return false
	}

	m.logger.Debug("Unhandled session message", zap.String("type", fmt.Sprintf("%T", msg)))
	return false
}

// admit checks that an operation applies to the current state and hands the
// caller the session it may act on.
func (m *Machine) admit(c cmdBegin) reply {
	st := &m.st
	r := reply{name: st.name, gen: st.gen}
	op := opNames[c.op]

	switch c.op {
	case opPause:
		if st.status != StatusRunning {
			r.err = invalid(op, st.status)
		}
	case opResume:
		switch {
		case st.status != StatusPaused:
			r.err = invalid(op, st.status)
		case st.gate.Blocked():
			r.err = ErrGated
		}
	case opRevert:
		if st.status != StatusRunning && st.status != StatusPaused {
			r.err = invalid(op, st.status)
			break
		}
		if st.gate.Blocked() {
			r.err = ErrGated
			break
		}
		cp, ok := st.view.Find(c.checkpointID)
		if !ok {
			r.err = fmt.Errorf("%w: %d", timeline.ErrUnknownCheckpoint, c.checkpointID)
			break
		}
		r.checkpoint = cp
	case opSend, opMerge:
		switch {
		case !st.status.live():
			r.err = invalid(op, st.status)
		case st.gate.Blocked():
			r.err = ErrGated
		}
	case opResolve, opUpdate, opDiff:
		if !st.status.live() {
			r.err = invalid(op, st.status)
		}
	}
	return r
}

func (m *Machine) applyEvent(ev types.ServerEvent) bool {
	st := &m.st

	if ev.Session != "" && ev.Session != st.name {
		m.metrics.RecordEventDiscarded("stale_session")
		return false
	}
	if !st.status.accepting() {
		m.metrics.RecordEventDiscarded("inactive")
		return false
	}
	if ev.EventID <= st.lastEventID {
		m.metrics.RecordEventDiscarded("duplicate")
		return false
	}

	st.lastEventID = ev.EventID
	st.log.Apply(ev)
	m.metrics.RecordEventApplied(string(ev.Type))

	switch ev.Type {
	case types.EventGitInit:
		st.gate.GitInit = true
		st.gate.InitMessage = ev.Text()
	case types.EventGitError:
		if ev.IsResolved() {
			st.gate.resolveMessage(ev.Text())
		} else {
			st.gate.Errors = append(st.gate.Errors, GitError{EventID: ev.EventID, Message: ev.Text()})
		}
	case types.EventGitResolve:
		st.gate.resolveBefore(ev.EventID)
	case types.EventError:
		m.crash(ev.Text())
	case types.EventStop:
		if ev.Field("type") == "error" {
			text := ev.Field("message")
			if text == "" {
				text = ev.Text()
			}
			m.crash(text)
		}
	}
	return true
}

func (m *Machine) crash(text string) {
	if s := m.st.status; s == StatusRunning || s == StatusPaused {
		m.fail(FailureCrashed, fmt.Errorf("agent error: %s", text))
	}
}

// reconcile merges a fetched config. Identical payloads are skipped by
// digest.
func (m *Machine) reconcile(cfg types.SessionConfig, raw []byte) bool {
	st := &m.st

	digest := configDigest(raw)
	if digest != "" && digest == st.digest {
		m.metrics.RecordReconcile("unchanged")
		return false
	}
	st.digest = digest
	st.config = cfg

	view, changed := st.timeline.Reconcile(cfg.Checkpoints)
	st.view = view
	if changed {
		m.metrics.RecordReconcile("changed")
	} else {
		m.metrics.RecordReconcile("unchanged")
	}
	// Metadata and model changes publish even when the timeline is equal.
	return true
}

func (m *Machine) startSession(req CreateRequest) {
	st := &m.st
	m.stopSession()

	st.gen++
	st.name = m.opts.NewName()
	st.request = &req
	st.status = StatusCreating
	st.config = types.SessionConfig{}
	st.digest = ""
	st.lastEventID = -1
	st.initAcked = false
	st.polling = false
	st.failure = nil
	st.gate = Gate{}
	st.timeline = timeline.New()
	st.view = timeline.View{}
	st.log.Reset()
	m.breaker.Reset()

	ctx, cancel := context.WithCancel(m.ctx)
	st.ctx, st.cancel = ctx, cancel

	name, gen := st.name, st.gen
	st.health = time.AfterFunc(m.opts.HealthTimeout, func() {
		m.post(healthExpired{name: name, gen: gen})
	})

	m.logger.Info("Creating session", zap.String("session", name), zap.String("path", req.Path), zap.String("model", req.Agent.Model))
	m.spawn(func() { m.runCreate(ctx, name, gen, req) })
}

func (m *Machine) deleteSession() {
	m.stopSession()
	m.st.gen++
	m.st.status = StatusDeleted
	m.st.polling = false
}

func (m *Machine) fail(kind FailureKind, err error) {
	m.stopSession()
	m.st.failure = &Failure{Kind: kind, Err: err}
	m.st.status = StatusError
	m.logger.Error("Session failed", zap.String("session", m.st.name), zap.String("kind", string(kind)), zap.Error(err))
}

// stopSession cancels every background call of the current session.
func (m *Machine) stopSession() {
	m.stopHealthTimer()
	if m.st.cancel != nil {
		m.st.cancel()
		m.st.cancel = nil
	}
}

func (m *Machine) stopHealthTimer() {
	if m.st.health != nil {
		m.st.health.Stop()
		m.st.health = nil
	}
}

// sessionContext is cancelled when the current session is deleted, reset,
// or failed.
func (m *Machine) sessionContext() context.Context {
	if m.st.ctx == nil {
		return m.ctx
	}
	return m.st.ctx
}

func (m *Machine) snapshot() Snapshot {
	st := &m.st
	snap := Snapshot{
		Name:        st.name,
		Host:        m.opts.Host,
		Status:      st.status,
		Config:      st.config.Clone(),
		Timeline:    st.view.Clone(),
		Messages:    st.log.Messages(),
		LastEventID: st.lastEventID,
		Gate:        st.gate.clone(),
		ServerError: st.serverError,
		Generation:  st.gen,
	}
	if st.failure != nil {
		f := *st.failure
		snap.Err = &f
	}
	return snap
}
