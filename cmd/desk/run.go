package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	goruntime "runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/backend"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/channel"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/host"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/server"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/session"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/ui"
)

type runFlags struct {
	path       string
	model      string
	apiKey     string
	versioning string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the backend and a session for a project directory",
		Long: `Start the agent backend, open a session on a project directory and
stream its transcript. Lines typed on stdin are sent to the agent; the
commands /pause, /resume, /revert <checkpoint> and /quit control the session.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSession(cmd, g, f)
		},
	}
	cmd.Flags().StringVarP(&f.path, "path", "p", "", "project directory (prompted when empty)")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "model name (defaults to the stored selection)")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key for the model; stored in the vault")
	cmd.Flags().StringVar(&f.versioning, "versioning", "", "versioning type: git or none")
	return cmd
}

// lineReader serializes stdin between the directory prompt and the input loop.
type lineReader struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	out     io.Writer
}

func newLineReader(in io.Reader, out io.Writer) *lineReader {
	return &lineReader{scanner: bufio.NewScanner(in), out: out}
}

func (r *lineReader) next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(r.scanner.Text()), true
}

func (r *lineReader) pickDirectory(context.Context) (string, error) {
	fmt.Fprint(r.out, "Project directory: ")
	line, ok := r.next()
	if !ok {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", nil
	}
	return line, nil
}

func openPath(path string) error {
	name := "xdg-open"
	switch goruntime.GOOS {
	case "darwin":
		name = "open"
	case "windows":
		name = "explorer"
	}
	return exec.Command(name, path).Start()
}

func runSession(cmd *cobra.Command, g *globalFlags, f *runFlags) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	rt, err := g.open(stderr)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger.Logger
	cfg := rt.cfg

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier := &host.WriterNotifier{W: stderr}
	pipe := channel.New(channel.Options{
		Whitelist: channel.DefaultWhitelist(),
		Logger:    logger,
		Metrics:   rt.metrics,
		OnPanic:   host.PanicReporter(logger, notifier),
	})
	defer pipe.Close()

	input := newLineReader(cmd.InOrStdin(), stdout)
	h, err := host.New(host.Options{
		Config:        cfg,
		Bus:           pipe.Bus(),
		Bridge:        rt.bridge,
		Logger:        logger,
		Metrics:       rt.metrics,
		Notifier:      notifier,
		PickDirectory: input.pickDirectory,
		OpenPath:      openPath,
	})
	if err != nil {
		return err
	}
	if err := h.Register(); err != nil {
		return err
	}
	if err := h.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := h.Stop(context.Background()); err != nil {
			logger.Warn("Backend shutdown", zap.Error(err))
		}
	}()

	client := ui.New(pipe.API(), logger)
	baseURL, err := client.BackendURL(ctx)
	if err != nil {
		return err
	}
	be := backend.New(backend.Options{
		BaseURL:   baseURL,
		Timeout:   cfg.HTTP.Timeout,
		RateLimit: cfg.HTTP.RateLimit,
		Retries:   2,
		Logger:    logger,
		Metrics:   rt.metrics,
	})

	machine, err := session.New(session.Options{
		Backend:       be,
		Host:          baseURL,
		PollInterval:  cfg.Session.PollInterval,
		HealthTimeout: cfg.Session.HealthTimeout,
		Retry: resilience.Policy{
			Attempts: cfg.Session.RetryAttempts,
			MinWait:  cfg.Session.RetryMinWait,
			MaxWait:  cfg.Session.RetryMaxWait,
		},
		Secrets: client,
		Logger:  logger,
		Metrics: rt.metrics,
	})
	if err != nil {
		return err
	}
	defer machine.Close()

	unbind, err := client.BindServerErrors(machine)
	if err != nil {
		return err
	}
	defer unbind()

	if cfg.Diagnostics.Enabled {
		diag := server.New(server.Options{
			Addr:        cfg.Diagnostics.Addr,
			Development: cfg.Logging.Development,
			Logger:      logger,
			Metrics:     rt.metrics,
			Session:     func() interface{} { return machine.Snapshot() },
			Health: func(ctx context.Context) error {
				_, err := be.Sessions(ctx)
				return err
			},
		})
		go func() {
			if err := diag.Run(); err != nil {
				logger.Error("Diagnostics server failed", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = diag.Shutdown(ctx)
		}()
	}

	path := f.path
	if path == "" {
		if path, err = client.PickDirectory(ctx); err != nil {
			return err
		}
		if path == "" {
			return errors.New("no project directory chosen")
		}
	}

	model := f.model
	if model == "" || f.versioning == "" {
		stored, err := client.Secrets(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "warning: %v\n", err)
		}
		if model == "" {
			model = stored["model"]
		}
		if f.versioning == "" {
			f.versioning = stored["versioning_type"]
		}
	}
	if f.apiKey != "" && model != "" {
		if err := client.SetSecrets(ctx, map[string]string{model: f.apiKey}); err != nil {
			fmt.Fprintf(stderr, "warning: API key not stored: %v\n", err)
		}
	}

	name, err := machine.Create(ctx, session.CreateRequest{
		Path:  path,
		Agent: types.AgentConfig{Model: model, APIKey: f.apiKey, VersioningType: f.versioning},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Session %s on %s (backend %s)\n", name, path, baseURL)

	go readCommands(ctx, input, machine, client, stop, stderr)

	updates, unsubscribe := machine.Subscribe()
	defer unsubscribe()
	tr := &transcript{w: stdout}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.Done():
			return errors.New("backend exited")
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			tr.render(snap)
			if snap.Status == session.StatusError && snap.Err != nil {
				return snap.Err
			}
		}
	}
}

// readCommands feeds stdin to the session until EOF or /quit.
func readCommands(ctx context.Context, in *lineReader, m *session.Machine, client *ui.Client, quit func(), stderr io.Writer) {
	for {
		line, ok := in.next()
		if !ok {
			return
		}
		if line == "" {
			continue
		}
		var err error
		switch fields := strings.Fields(line); fields[0] {
		case "/quit":
			quit()
			return
		case "/pause":
			err = m.Pause(ctx)
		case "/resume":
			err = m.Resume(ctx)
		case "/revert":
			if len(fields) != 2 {
				err = errors.New("usage: /revert <checkpoint>")
				break
			}
			var id int
			if id, err = strconv.Atoi(fields[1]); err == nil {
				err = m.Revert(ctx, id)
			}
		default:
			err = m.SendEvent(ctx, types.EventUserResponse, line)
		}
		if err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			client.LogError(err.Error())
		}
	}
}

// transcript prints messages once. A revert shortens the message list, and
// printing resumes from the new end.
type transcript struct {
	w           io.Writer
	printed     int
	status      session.Status
	serverError string
}

func (t *transcript) render(snap session.Snapshot) {
	if snap.Status != t.status {
		t.status = snap.Status
		fmt.Fprintf(t.w, "[%s]\n", snap.Status)
	}
	if snap.ServerError != "" && snap.ServerError != t.serverError {
		t.serverError = snap.ServerError
		fmt.Fprintf(t.w, "%-13s %s\n", "backend:", snap.ServerError)
	}
	if len(snap.Messages) < t.printed {
		t.printed = len(snap.Messages)
	}
	for _, msg := range snap.Messages[t.printed:] {
		fmt.Fprintf(t.w, "%-13s %s\n", msg.Kind+":", msg.Text)
	}
	t.printed = len(snap.Messages)
}
