package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/monitoring"
)

const (
	defaultQueueSize = 256
	// waitDelay bounds how long Wait keeps pipes open after the process exits,
	// in case a grandchild inherited them.
	waitDelay        = 2 * time.Second
	maxLineSize      = 1 << 20
)

// SpawnOptions describes one backend subprocess.
type SpawnOptions struct {
	Binary  string
	Port    int
	DataDir string
	// Env is appended to the current environment.
	Env []string

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
	// Sink receives every Error line.
	Sink func(text string)
	// Crash receives one notice when the process exits without a
	// termination request.
	Crash     func(notice string)
	QueueSize int
}

// Handle is a running backend subprocess.
type Handle struct {
	cmd     *exec.Cmd
	port    int
	logger  *zap.Logger
	agent   *zap.Logger
	metrics *monitoring.Metrics
	sink    func(string)
	crash   func(string)

	queue       *lineQueue
	readersDone chan struct{}
	done        chan struct{}

	terminating atomic.Bool
	termOnce    sync.Once
	exitCode    int
	killed      bool
}

// Spawn starts `<binary> server --port <port> --db_path <dataDir>`. The
// process outlives ctx; stop it with Terminate.
func Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	if opts.Binary == "" {
		return nil, fmt.Errorf("%w: binary not set", ErrBackendMissing)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}

	cmd := exec.Command(opts.Binary, "server", "--port", strconv.Itoa(opts.Port), "--db_path", opts.DataDir)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.WaitDelay = waitDelay

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	h := &Handle{
		cmd:         cmd,
		port:        opts.Port,
		logger:      logger.Named("supervisor"),
		agent:       logger.Named(logging.BackendName),
		metrics:     opts.Metrics,
		sink:        opts.Sink,
		crash:       opts.Crash,
		queue:       newLineQueue(size, opts.Metrics.IncDroppedLines),
		readersDone: make(chan struct{}),
		done:        make(chan struct{}),
		exitCode:    -1,
	}

	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return nil, fmt.Errorf("%w: start %s: %v", ErrBackendMissing, opts.Binary, err)
	}
	h.logger.Info("Backend started",
		zap.String("binary", opts.Binary),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("port", opts.Port))
	opts.Metrics.SetBackendAlive()

	var g errgroup.Group
	g.Go(func() error { return h.read(outR, Stdout) })
	g.Go(func() error { return h.read(errR, Stderr) })

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		h.consume()
	}()

	go h.monitor(&g, outW, errW, consumerDone)
	return h, nil
}

// Port returns the port the backend was told to listen on.
func (h *Handle) Port() int { return h.port }

// PID returns the process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode returns the exit code, or -1 while running or when killed by a
// signal.
func (h *Handle) ExitCode() int {
	select {
	case <-h.done:
		return h.exitCode
	default:
		return -1
	}
}

func (h *Handle) read(r io.Reader, src Source) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if line, ok := Classify(src, scanner.Text()); ok {
			h.queue.push(line)
		}
	}
	if err := scanner.Err(); err != nil {
		// Keep draining so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("read %s: %w", src, err)
	}
	return nil
}

func (h *Handle) consume() {
	for {
		select {
		case l := <-h.queue.ch:
			h.handle(l)
		case <-h.readersDone:
			for {
				select {
				case l := <-h.queue.ch:
					h.handle(l)
				default:
					return
				}
			}
		}
	}
}

func (h *Handle) handle(l Line) {
	h.metrics.RecordOutputLine(string(l.Level))
	switch l.Level {
	case LevelInfo:
		h.agent.Info(l.Text)
	case LevelError:
		h.agent.Error(l.Text)
		if h.sink != nil {
			h.sink(l.Text)
		}
	}
}

func (h *Handle) monitor(g *errgroup.Group, outW, errW *io.PipeWriter, consumerDone <-chan struct{}) {
	waitErr := h.cmd.Wait()
	outW.Close()
	errW.Close()
	if err := g.Wait(); err != nil {
		h.logger.Warn("Backend output reader failed", zap.Error(err))
	}
	close(h.readersDone)
	<-consumerDone

	if state := h.cmd.ProcessState; state != nil {
		h.exitCode = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			h.killed = true
		}
	}
	h.logger.Info("Server process exited", zap.Int("code", h.exitCode), zap.Bool("signaled", h.killed))

	if h.terminating.Load() {
		h.metrics.RecordBackendExit("requested")
	} else {
		h.metrics.RecordBackendExit("crashed")
		notice := fmt.Sprintf("Backend exited unexpectedly with code %d", h.exitCode)
		if waitErr != nil && !errors.As(waitErr, new(*exec.ExitError)) {
			notice = fmt.Sprintf("Backend exited unexpectedly: %v", waitErr)
		}
		h.logger.Error(notice)
		if h.crash != nil {
			h.crash(notice)
		}
	}
	close(h.done)
}

// Terminate stops the process: SIGTERM, then SIGKILL regardless of the first
// result, then waits for exit within ctx. Calls after the first return nil.
func Terminate(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	var err error
	h.termOnce.Do(func() {
		err = h.terminate(ctx)
	})
	return err
}

func (h *Handle) terminate(ctx context.Context) error {
	h.terminating.Store(true)
	proc := h.cmd.Process
	h.logger.Info("Killing server process", zap.Int("pid", proc.Pid))

	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.logger.Debug("SIGTERM failed", zap.Error(err))
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.logger.Debug("SIGKILL failed", zap.Error(err))
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		h.logger.Warn("Failed to kill the server process", zap.Error(ctx.Err()))
		return fmt.Errorf("wait for backend exit: %w", ctx.Err())
	}

	if h.killed {
		h.logger.Info("Server process was successfully killed")
	} else {
		h.logger.Info("Server process exited before it could be killed", zap.Int("code", h.exitCode))
	}
	return nil
}
