package host

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/channel"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/paths"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/supervisor"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/vault"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/watch"
)

// ErrNotStarted is returned by calls that need the backend before Start.
var ErrNotStarted = errors.New("backend not started")

// ShutdownTimeout bounds how long Stop waits for the backend to exit.
const ShutdownTimeout = 5 * time.Second

// Options wires a Host.
type Options struct {
	Config   *config.Config
	Bus      *channel.Bus
	Bridge   *vault.Bridge
	Logger   *zap.Logger
	Metrics  *monitoring.Metrics
	Notifier Notifier
	// Env is passed to the backend in addition to the current environment.
	Env []string
	// PickDirectory asks the user for a directory. Nil means the host has no
	// dialog and every request is cancelled.
	PickDirectory func(ctx context.Context) (string, error)
	// OpenPath reveals a path in the desktop's file manager. Optional.
	OpenPath func(path string) error
}

// Host is the privileged half: it owns the backend process, the vault and
// the file watcher, and serves the UI over the channel bus.
type Host struct {
	cfg      *config.Config
	layout   paths.Layout
	bus      *channel.Bus
	bridge   *vault.Bridge
	store    *vault.Store
	logger   *zap.Logger
	uiLogger *zap.Logger
	root     *zap.Logger
	metrics  *monitoring.Metrics
	notifier Notifier
	env      []string
	pick     func(ctx context.Context) (string, error)
	openPath func(string) error

	mu      sync.Mutex
	handle  *supervisor.Handle
	version string
	watcher *watch.Watcher
}

// New builds a host. Call Register before the UI starts sending.
func New(opts Options) (*Host, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("channel bus is required")
	}
	if opts.Bridge == nil {
		return nil, errors.New("vault bridge is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = logNotifier{logger}
	}

	return &Host{
		cfg:      opts.Config,
		layout:   paths.New(opts.Config.Backend.DataDir),
		bus:      opts.Bus,
		bridge:   opts.Bridge,
		store:    vault.NewStore(opts.Bridge),
		logger:   logger.Named(logging.MainName),
		uiLogger: logger.Named(logging.RendererName),
		root:     logger,
		metrics:  opts.Metrics,
		notifier: notifier,
		env:      opts.Env,
		pick:     opts.PickDirectory,
		openPath: opts.OpenPath,
	}, nil
}

type logNotifier struct{ logger *zap.Logger }

func (n logNotifier) Notify(title, message string) {
	n.logger.Error(title, zap.String("notice", message))
}

// Start checks the backend, picks a port and spawns it. A missing backend is
// reported through the Notifier and nothing is spawned.
func (h *Host) Start(ctx context.Context) error {
	binary := h.cfg.Backend.Binary

	version, err := supervisor.CheckBackend(ctx, binary, h.env...)
	if err != nil {
		h.logger.Error("Failed to get backend version", zap.String("binary", binary), zap.Error(err))
		h.notifier.Notify("Backend not found",
			fmt.Sprintf("Failed to run `%s --version`. Please make sure it is installed (`pipx install devon_agent`).\n\n%v", binary, err))
		return err
	}
	h.logger.Info("Backend version", zap.String("binary", binary), zap.String("version", version))

	port, err := supervisor.AcquirePort(ctx, h.cfg.Backend.BasePort, h.cfg.Backend.PortSpan)
	if err != nil {
		h.logger.Error("Failed to find a free port", zap.Error(err))
		h.notifier.Notify("Failed to start backend", err.Error())
		return err
	}

	handle, err := supervisor.Spawn(ctx, supervisor.SpawnOptions{
		Binary:  binary,
		Port:    port,
		DataDir: h.layout.Root,
		Env:     h.env,
		Logger:  h.root,
		Metrics: h.metrics,
		Sink:    h.forwardServerError,
		Crash:   h.forwardCrash,
	})
	if err != nil {
		h.notifier.Notify("Failed to start backend", err.Error())
		return err
	}

	h.mu.Lock()
	h.handle = handle
	h.version = version
	h.mu.Unlock()
	return nil
}

// Stop terminates the backend and the watcher, then stops the vault writer.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	handle := h.handle
	w := h.watcher
	h.watcher = nil
	h.mu.Unlock()
	defer h.store.Close()

	var errs []error
	if w != nil {
		errs = append(errs, w.Close())
	}
	if handle == nil {
		h.logger.Info("No server process found")
		return errors.Join(errs...)
	}

	ctx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
	defer cancel()
	errs = append(errs, supervisor.Terminate(ctx, handle))
	return errors.Join(errs...)
}

// Port returns the backend's port, or 0 before Start.
func (h *Host) Port() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handle == nil {
		return 0
	}
	return h.handle.Port()
}

// Version returns the backend version found by Start.
func (h *Host) Version() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// Done is closed when the backend exits. It is nil before Start.
func (h *Host) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handle == nil {
		return nil
	}
	return h.handle.Done()
}

// LogDir returns the diagnostic log directory.
func (h *Host) LogDir() string { return h.layout.LogDir() }

// forwardServerError is the supervisor sink: backend error lines surface in
// the UI as server-error pushes.
func (h *Host) forwardServerError(text string) {
	if err := h.bus.Push(channel.ServerError, text); err != nil {
		h.logger.Debug("Could not push server error", zap.Error(err))
	}
}

// forwardCrash pushes the exit notice as a server-error whose second
// argument marks it fatal. Only this push fails the session.
func (h *Host) forwardCrash(notice string) {
	if err := h.bus.Push(channel.ServerError, notice, true); err != nil {
		h.logger.Debug("Could not push crash notice", zap.Error(err))
	}
}

// guard runs fn and reports a panic instead of crashing the host.
func (h *Host) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			h.logger.Error("Uncaught exception",
				zap.String("in", what),
				zap.Any("panic", r),
				zap.ByteString("stack", stack))
			h.notifier.Notify("An error occurred", panicNotice(what, r, stack))
		}
	}()
	fn()
}
