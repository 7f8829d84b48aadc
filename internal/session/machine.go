package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/backend"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/events"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/paths"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/timeline"
)

// Backend is the subset of the agent backend the machine drives.
type Backend interface {
	CreateSession(ctx context.Context, name, path string, cfg types.AgentConfig) error
	StartSession(ctx context.Context, name string) error
	PauseSession(ctx context.Context, name string) error
	ResumeSession(ctx context.Context, name string) error
	RevertSession(ctx context.Context, name string, checkpointID int) error
	Config(ctx context.Context, name string) (types.SessionConfig, []byte, error)
	UpdateConfig(ctx context.Context, name string, update types.UpdateConfig) error
	Diff(ctx context.Context, name string, src, dest int) (types.DiffResult, error)
	Events(ctx context.Context, name string) ([]types.ServerEvent, error)
	SendEvent(ctx context.Context, name string, ev types.EventRequest) error
	Subscribe(ctx context.Context, name string) (*backend.Stream, error)
	Sessions(ctx context.Context) ([]types.SessionSummary, error)
	Indexes(ctx context.Context) ([]types.IndexEntry, error)
	CreateIndex(ctx context.Context, dir string) error
	DeleteIndex(ctx context.Context, dir string) error
}

// SecretSource resolves stored API keys by model name.
type SecretSource interface {
	APIKey(model string) (string, error)
}

// CreateRequest is what a session is created from. Reset replays it.
type CreateRequest struct {
	Path  string
	Agent types.AgentConfig
}

// Options configures a Machine.
type Options struct {
	Backend Backend
	// Host is the backend base URL reported in snapshots
	Host          string
	PollInterval  time.Duration
	HealthTimeout time.Duration
	Retry         resilience.Policy
	Secrets       SecretSource
	Logger        *zap.Logger
	Metrics       *monitoring.Metrics
	// NewName overrides session name generation, for tests
	NewName func() string
}

// Machine owns one desktop session at a time. A single goroutine applies
// every state change; public methods talk to it through messages.
type Machine struct {
	opts    Options
	backend Backend
	logger  *zap.Logger
	metrics *monitoring.Metrics
	breaker *resilience.Breaker

	inbox     chan interface{}
	closing   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	current atomic.Pointer[Snapshot]
	subsMu  sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int

	// owned by the actor goroutine
	st      state
	replies []pendingReply
}

// New starts a machine in the uninitialized state.
func New(opts Options) (*Machine, error) {
	if opts.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 15 * time.Second
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = resilience.DefaultPolicy()
	}
	if opts.NewName == nil {
		opts.NewName = func() string { return id.NewSessionName().String() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("session")

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		opts:    opts,
		backend: opts.Backend,
		logger:  logger,
		metrics: opts.Metrics,
		inbox:   make(chan interface{}, 256),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[int]chan Snapshot),
		st: state{
			status:      StatusUninitialized,
			lastEventID: -1,
			timeline:    timeline.New(),
			log:         events.New(logger),
		},
	}
	m.breaker = resilience.New("session-poll", resilience.Settings{
		Threshold: 3,
		Cooldown:  5 * opts.PollInterval,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Poll breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	snap := m.snapshot()
	m.current.Store(&snap)

	go m.run()
	return m, nil
}

// Close stops the actor and every background call, then waits for them.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		close(m.closing)
		<-m.stopped
		m.cancel()
		m.wg.Wait()

		m.subsMu.Lock()
		for key, ch := range m.subs {
			close(ch)
			delete(m.subs, key)
		}
		m.subsMu.Unlock()
	})
}

func (m *Machine) run() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closing:
			m.stopSession()
			return
		case <-ticker.C:
			m.step(pollTick{})
		case msg := <-m.inbox:
			m.step(msg)
		}
	}
}

// post enqueues msg for the actor. It gives up once the machine closes.
func (m *Machine) post(msg interface{}) bool {
	select {
	case m.inbox <- msg:
		return true
	case <-m.closing:
		return false
	}
}

// ask posts a message built around a reply channel and waits for the reply.
func (m *Machine) ask(ctx context.Context, build func(chan<- reply) interface{}) (reply, error) {
	ch := make(chan reply, 1)
	select {
	case m.inbox <- build(ch):
	case <-m.closing:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	select {
	case r := <-ch:
		return r, r.err
	case <-m.stopped:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// spawn runs fn as a tracked background call.
func (m *Machine) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// Snapshot returns the latest published state.
func (m *Machine) Snapshot() Snapshot {
	return *m.current.Load()
}

// Subscribe returns a channel that always holds the newest snapshot. Slow
// readers skip intermediate states. The channel is closed by unsubscribe or
// Close.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.subsMu.Lock()
	key := m.nextSub
	m.nextSub++
	m.subs[key] = ch
	ch <- *m.current.Load()
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			if _, ok := m.subs[key]; ok {
				delete(m.subs, key)
				close(ch)
			}
		})
	}
}

// WaitFor blocks until pred holds for a published snapshot.
func (m *Machine) WaitFor(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return m.Snapshot(), ErrClosed
			}
			if pred(snap) {
				return snap, nil
			}
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		}
	}
}

func (m *Machine) publish() {
	snap := m.snapshot()
	m.current.Store(&snap)

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Create starts a new session for the project at req.Path. When the request
// carries no API key the secret source is consulted. It returns the new
// session name once the create call is under way.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := paths.ValidateProjectPath(req.Path); err != nil {
		return "", err
	}
	if req.Agent.APIKey == "" && m.opts.Secrets != nil && req.Agent.Model != "" {
		key, err := m.opts.Secrets.APIKey(req.Agent.Model)
		if err != nil {
			m.logger.Warn("Could not read stored API key", zap.String("model", req.Agent.Model), zap.Error(err))
		}
		req.Agent.APIKey = key
	}

	r, err := m.ask(ctx, func(ch chan<- reply) interface{} { return cmdCreate{req: req, reply: ch} })
	return r.name, err
}

// Reset deletes the current session and creates a fresh one from the last
// request under a new name.
func (m *Machine) Reset(ctx context.Context) (string, error) {
	r, err := m.ask(ctx, func(ch chan<- reply) interface{} { return cmdReset{reply: ch} })
	return r.name, err
}

// Delete abandons the current session locally. The backend is not told.
func (m *Machine) Delete(ctx context.Context) error {
	_, err := m.ask(ctx, func(ch chan<- reply) interface{} { return cmdDelete{reply: ch} })
	return err
}

func (m *Machine) begin(ctx context.Context, op opKind, checkpointID int) (reply, error) {
	return m.ask(ctx, func(ch chan<- reply) interface{} {
		return cmdBegin{op: op, checkpointID: checkpointID, reply: ch}
	})
}

// Pause pauses a running session.
func (m *Machine) Pause(ctx context.Context) error {
	r, err := m.begin(ctx, opPause, 0)
	if err != nil {
		return err
	}
	if err := m.backend.PauseSession(ctx, r.name); err != nil {
		return fmt.Errorf("pause session: %w", err)
	}
	_, err = m.ask(ctx, func(ch chan<- reply) interface{} {
		return pauseDone{name: r.name, gen: r.gen, paused: true, reply: ch}
	})
	return err
}

// Resume resumes a paused session.
func (m *Machine) Resume(ctx context.Context) error {
	r, err := m.begin(ctx, opResume, 0)
	if err != nil {
		return err
	}
	if err := m.backend.ResumeSession(ctx, r.name); err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	_, err = m.ask(ctx, func(ch chan<- reply) interface{} {
		return pauseDone{name: r.name, gen: r.gen, paused: false, reply: ch}
	})
	return err
}

// Revert rolls the session back to a checkpoint. Later checkpoints are
// marked pending until the backend stops reporting them.
func (m *Machine) Revert(ctx context.Context, checkpointID int) error {
	r, err := m.begin(ctx, opRevert, checkpointID)
	if err != nil {
		return err
	}
	if err := m.backend.RevertSession(ctx, r.name, checkpointID); err != nil {
		return fmt.Errorf("revert session: %w", err)
	}
	_, err = m.ask(ctx, func(ch chan<- reply) interface{} {
		return revertDone{name: r.name, gen: r.gen, checkpoint: r.checkpoint, reply: ch}
	})
	return err
}

// SendEvent submits a user event to the agent.
func (m *Machine) SendEvent(ctx context.Context, typ types.EventType, content interface{}) error {
	if typ == types.EventGitResolve {
		return fmt.Errorf("%w: use ResolveGit for %s", ErrInvalidState, typ)
	}
	r, err := m.begin(ctx, opSend, 0)
	if err != nil {
		return err
	}
	return m.send(ctx, r.name, typ, content)
}

// Merge asks the agent to merge its branch. Nothing changes locally until
// the next reconciliation.
func (m *Machine) Merge(ctx context.Context, message string) error {
	if message == "" {
		message = "Merge branch"
	}
	r, err := m.begin(ctx, opMerge, 0)
	if err != nil {
		return err
	}
	return m.send(ctx, r.name, types.EventGitMerge, map[string]string{"commit_message": message})
}

// ResolveGit answers an outstanding version control prompt with "git" or
// "nogit".
func (m *Machine) ResolveGit(ctx context.Context, action string) error {
	if action != types.GitActionInit && action != types.GitActionContinue {
		return fmt.Errorf("invalid git action %q", action)
	}
	r, err := m.begin(ctx, opResolve, 0)
	if err != nil {
		return err
	}
	if err := m.send(ctx, r.name, types.EventGitResolve, map[string]string{"action": action}); err != nil {
		return err
	}
	_, err = m.ask(ctx, func(ch chan<- reply) interface{} {
		return resolveDone{name: r.name, gen: r.gen, reply: ch}
	})
	return err
}

func (m *Machine) send(ctx context.Context, name string, typ types.EventType, content interface{}) error {
	err := m.backend.SendEvent(ctx, name, types.EventRequest{
		Type:     typ,
		Content:  content,
		Producer: types.ProducerUser,
		Consumer: types.ConsumerDevon,
	})
	if err != nil {
		return fmt.Errorf("send %s event: %w", typ, err)
	}
	return nil
}

// UpdateConfig changes the model and API key of the live session.
func (m *Machine) UpdateConfig(ctx context.Context, model, apiKey string) error {
	r, err := m.begin(ctx, opUpdate, 0)
	if err != nil {
		return err
	}
	if err := m.backend.UpdateConfig(ctx, r.name, types.UpdateConfig{Model: model, APIKey: apiKey}); err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	_, err = m.ask(ctx, func(ch chan<- reply) interface{} {
		return updateDone{name: r.name, gen: r.gen, model: model, reply: ch}
	})
	return err
}

// Diff returns the file changes between two checkpoints.
func (m *Machine) Diff(ctx context.Context, src, dest int) (types.DiffResult, error) {
	r, err := m.begin(ctx, opDiff, 0)
	if err != nil {
		return types.DiffResult{}, err
	}
	res, err := m.backend.Diff(ctx, r.name, src, dest)
	if err != nil {
		return types.DiffResult{}, fmt.Errorf("diff checkpoints: %w", err)
	}
	return res, nil
}

// Select marks a commit as the selected timeline entry.
func (m *Machine) Select(ctx context.Context, checkpointID int) error {
	_, err := m.ask(ctx, func(ch chan<- reply) interface{} {
		return cmdSelect{id: checkpointID, reply: ch}
	})
	return err
}

// ClearSelection drops the timeline selection.
func (m *Machine) ClearSelection(ctx context.Context) error {
	_, err := m.ask(ctx, func(ch chan<- reply) interface{} {
		return cmdSelect{clear: true, reply: ch}
	})
	return err
}

// ApplyEvent feeds one backend event into the machine. Untagged events are
// taken to belong to the current session.
func (m *Machine) ApplyEvent(ev types.ServerEvent) {
	m.post(eventMsg{ev: ev})
}

// ServerError reports an error line from the backend. It is logged and
// surfaced in snapshots but does not change the status.
func (m *Machine) ServerError(text string) {
	m.post(serverErrorMsg{text: text})
}

// BackendCrashed reports that the backend process exited on its own. A
// running or paused session fails with ErrCrashed.
func (m *Machine) BackendCrashed(notice string) {
	m.post(serverErrorMsg{text: notice, fatal: true})
}

// Sessions lists sessions the backend knows about.
func (m *Machine) Sessions(ctx context.Context) ([]types.SessionSummary, error) {
	return m.backend.Sessions(ctx)
}

// Indexes lists the backend's directory indexes.
func (m *Machine) Indexes(ctx context.Context) ([]types.IndexEntry, error) {
	return m.backend.Indexes(ctx)
}

// CreateIndex starts indexing a directory.
func (m *Machine) CreateIndex(ctx context.Context, dir string) error {
	return m.backend.CreateIndex(ctx, dir)
}

// DeleteIndex removes a directory index.
func (m *Machine) DeleteIndex(ctx context.Context, dir string) error {
	return m.backend.DeleteIndex(ctx, dir)
}
