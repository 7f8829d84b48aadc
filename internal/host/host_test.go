package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/channel"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/paths"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/supervisor"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/vault"
)

const helperEnv = "DESK_HOST_HELPER"

// TestMain lets the test binary stand in for the backend.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		if slices.Contains(os.Args[1:], "--version") {
			fmt.Println("0.1.26")
			os.Exit(0)
		}
		if os.Getenv(helperEnv) == "crash" {
			fmt.Fprintln(os.Stderr, "fatal: database locked")
			os.Exit(3)
		}
		fmt.Fprintln(os.Stderr, "INFO: Uvicorn running")
		fmt.Fprintln(os.Stderr, "sqlite3.OperationalError: database is locked")
		time.Sleep(time.Hour)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type notices struct {
	mu       sync.Mutex
	titles   []string
	messages []string
}

func (n *notices) Notify(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	n.messages = append(n.messages, message)
}

func (n *notices) lastMessage() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return ""
	}
	return n.messages[len(n.messages)-1]
}

func (n *notices) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

type fixture struct {
	host    *Host
	pipe    *channel.Pipe
	api     *channel.API
	notices *notices
	logs    *observer.ObservedLogs
	cfg     *config.Config
}

func newFixture(t *testing.T, configure func(*Options)) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	cfg := config.Default()
	cfg.Backend.DataDir = dataDir
	cfg.Backend.Binary = os.Args[0]
	cfg.Backend.BasePort = 21000

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	n := &notices{}

	pipe := channel.New(channel.Options{
		Whitelist: channel.DefaultWhitelist(),
		Logger:    logger,
		OnPanic:   PanicReporter(logger, n),
	})

	layout := paths.New(dataDir)
	require.NoError(t, layout.Ensure())
	cipher := vault.NewKeyfileCipher(layout.Key(), false, logger)
	bridge := vault.NewBridge(layout.SecureBlob(), cipher, logger, nil)

	opts := Options{
		Config:   cfg,
		Bus:      pipe.Bus(),
		Bridge:   bridge,
		Logger:   logger,
		Notifier: n,
		Env:      []string{helperEnv + "=1"},
	}
	if configure != nil {
		configure(&opts)
	}
	h, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, h.Register())

	t.Cleanup(func() {
		_ = h.Stop(context.Background())
		pipe.Close()
	})
	return &fixture{host: h, pipe: pipe, api: pipe.API(), notices: n, logs: logs, cfg: cfg}
}

func (f *fixture) invoke(t *testing.T, name channel.Name, args ...interface{}) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := f.api.Invoke(ctx, name, args...)
	require.NoError(t, err)
	return raw
}

func (f *fixture) result(t *testing.T, name channel.Name, args ...interface{}) types.Result {
	t.Helper()
	var res types.Result
	require.NoError(t, json.Unmarshal(f.invoke(t, name, args...), &res))
	return res
}

func receiveOne(t *testing.T, api *channel.API, name channel.Name) <-chan json.RawMessage {
	t.Helper()
	got := make(chan json.RawMessage, 16)
	unsubscribe, err := api.Receive(name, func(args ...json.RawMessage) {
		if len(args) > 0 {
			got <- args[0]
		}
	})
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	return got
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Config: config.Default()})
	assert.Error(t, err)
}

func TestVaultChannels(t *testing.T) {
	f := newFixture(t, nil)

	res := f.result(t, channel.CheckHasEncryptedData)
	assert.False(t, res.Success)
	assert.Equal(t, "Data not available", res.Message)

	res = f.result(t, channel.SaveData, `{"gpt-4o":"sk-oa"}`)
	require.True(t, res.Success)

	res = f.result(t, channel.LoadData)
	require.True(t, res.Success)
	assert.JSONEq(t, `{"gpt-4o":"sk-oa"}`, res.Data)

	var encoded string
	require.NoError(t, json.Unmarshal(f.invoke(t, channel.EncryptData, "secret"), &encoded))
	var plain string
	require.NoError(t, json.Unmarshal(f.invoke(t, channel.DecryptData, encoded), &plain))
	assert.Equal(t, "secret", plain)

	_, err := f.api.Invoke(context.Background(), channel.DecryptData, "zz")
	var remote *channel.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "decryption failed")

	res = f.result(t, channel.DeleteEncryptedData)
	assert.True(t, res.Success)
	assert.Equal(t, "Encrypted data deleted successfully.", res.Message)
}

func TestVaultChannelsWithoutEncryption(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		dir := t.TempDir()
		c := vault.NewKeyfileCipher(filepath.Join(dir, "secure.key"), true, nil)
		o.Bridge = vault.NewBridge(filepath.Join(dir, "secureData.bin"), c, nil, nil)
	})

	res := f.result(t, channel.LoadData)
	assert.False(t, res.Success)
	assert.Equal(t, "Decryption not available", res.Message)

	_, err := f.api.Invoke(context.Background(), channel.DecryptData, "00ff")
	var remote *channel.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "decryption not available", remote.Message)
}

func TestPingAndPortBeforeStart(t *testing.T) {
	f := newFixture(t, nil)

	assert.JSONEq(t, `"pong"`, string(f.invoke(t, channel.Ping)))

	_, err := f.api.Invoke(context.Background(), channel.GetPort)
	var remote *channel.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrNotStarted.Error(), remote.Message)

	ports := receiveOne(t, f.api, channel.GetPortResponse)
	require.NoError(t, f.api.Send(channel.GetPort))
	select {
	case raw := <-ports:
		assert.Equal(t, "0", string(raw))
	case <-time.After(5 * time.Second):
		t.Fatal("no get-port-response")
	}
}

func TestLogErrorGoesToUILogger(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.api.Send(channel.LogError, "render failed", "at App.tsx"))

	require.Eventually(t, func() bool {
		return f.logs.FilterMessage("render failed at App.tsx").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)
	entry := f.logs.FilterMessage("render failed at App.tsx").All()[0]
	assert.Equal(t, "devon-ui", entry.LoggerName)
	assert.Equal(t, zap.ErrorLevel, entry.Level)
}

func TestGetFilePath(t *testing.T) {
	tests := []struct {
		name string
		pick func(context.Context) (string, error)
		want string
	}{
		{"no dialog", nil, PickCancelled},
		{"chosen", func(context.Context) (string, error) { return "/home/dev/project", nil }, "/home/dev/project"},
		{"dismissed", func(context.Context) (string, error) { return "", nil }, PickCancelled},
		{"dialog failed", func(context.Context) (string, error) { return "", fmt.Errorf("no display") }, PickError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.PickDirectory = tt.pick })

			var got string
			require.NoError(t, json.Unmarshal(f.invoke(t, channel.GetFilePath), &got))
			assert.Equal(t, tt.want, got)

			responses := receiveOne(t, f.api, channel.FilePathResponse)
			require.NoError(t, f.api.Send(channel.GetFilePath))
			select {
			case raw := <-responses:
				assert.JSONEq(t, fmt.Sprintf("%q", tt.want), string(raw))
			case <-time.After(5 * time.Second):
				t.Fatal("no file-path-response")
			}
		})
	}
}

func TestOpenLogsDirectory(t *testing.T) {
	var opened string
	f := newFixture(t, func(o *Options) {
		o.OpenPath = func(p string) error {
			opened = p
			return nil
		}
	})

	var dir string
	require.NoError(t, json.Unmarshal(f.invoke(t, channel.OpenLogsDirectory), &dir))
	assert.Equal(t, filepath.Join(f.cfg.Backend.DataDir, "logs"), dir)
	assert.Equal(t, dir, opened)
}

func TestWatchDirPushesFileChanges(t *testing.T) {
	f := newFixture(t, nil)
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	changes := receiveOne(t, f.api, channel.EditorFileChanged)
	assert.JSONEq(t, "true", string(f.invoke(t, channel.WatchDir, root)))

	file := filepath.Join(root, "main.py")
	require.NoError(t, os.WriteFile(file, []byte("print('hi')"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case raw := <-changes:
			var c struct {
				Path string `json:"path"`
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(raw, &c))
			if c.Path == file {
				return
			}
		case <-deadline:
			t.Fatal("no editor-file-changed push")
		}
	}
}

func TestStartWithMissingBackendNotifies(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Config.Backend.Binary = "devon_agent_definitely_not_installed"
	})

	err := f.host.Start(context.Background())
	assert.ErrorIs(t, err, supervisor.ErrBackendMissing)
	assert.Equal(t, []string{"Backend not found"}, f.notices.all())
	assert.Zero(t, f.host.Port())
	assert.Nil(t, f.host.Done())
}

func TestStartSpawnsAndForwardsServerErrors(t *testing.T) {
	f := newFixture(t, nil)
	errs := receiveOne(t, f.api, channel.ServerError)

	require.NoError(t, f.host.Start(context.Background()))
	assert.Equal(t, "0.1.26", f.host.Version())
	port := f.host.Port()
	assert.GreaterOrEqual(t, port, 21000)

	var got int
	require.NoError(t, json.Unmarshal(f.invoke(t, channel.GetPort), &got))
	assert.Equal(t, port, got)

	select {
	case raw := <-errs:
		assert.JSONEq(t, `"sqlite3.OperationalError: database is locked"`, string(raw))
	case <-time.After(5 * time.Second):
		t.Fatal("no server-error push")
	}

	require.NoError(t, f.host.Stop(context.Background()))
	select {
	case <-f.host.Done():
	default:
		t.Fatal("backend still running after Stop")
	}
}

func TestUnexpectedExitIsPushedAsFatal(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Env = []string{helperEnv + "=crash"} })
	pushes := make(chan []json.RawMessage, 16)
	unsubscribe, err := f.api.Receive(channel.ServerError, func(args ...json.RawMessage) { pushes <- args })
	require.NoError(t, err)
	t.Cleanup(unsubscribe)

	require.NoError(t, f.host.Start(context.Background()))

	var got [][]json.RawMessage
	deadline := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case args := <-pushes:
			got = append(got, args)
		case <-deadline:
			t.Fatalf("got %d server-error pushes, want 2", len(got))
		}
	}

	require.Len(t, got[0], 1, "an error line carries no fatal flag")
	assert.JSONEq(t, `"fatal: database locked"`, string(got[0][0]))
	require.Len(t, got[1], 2)
	assert.JSONEq(t, `"Backend exited unexpectedly with code 3"`, string(got[1][0]))
	assert.JSONEq(t, `true`, string(got[1][1]))
}

// overlapCipher records whether two Encrypt calls ever ran at once.
type overlapCipher struct {
	vault.Cipher
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (c *overlapCipher) Encrypt(plain []byte) ([]byte, error) {
	if c.inFlight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	defer c.inFlight.Add(-1)
	time.Sleep(5 * time.Millisecond)
	return c.Cipher.Encrypt(plain)
}

func TestVaultWritesAreSerialized(t *testing.T) {
	var cipher *overlapCipher
	f := newFixture(t, func(o *Options) {
		layout := paths.New(o.Config.Backend.DataDir)
		cipher = &overlapCipher{Cipher: vault.NewKeyfileCipher(layout.Key(), false, nil)}
		o.Bridge = vault.NewBridge(layout.SecureBlob(), cipher, nil, nil)
	})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			raw, err := f.api.Invoke(ctx, channel.SaveData, fmt.Sprintf(`{"model-%d":"key"}`, i))
			if !assert.NoError(t, err) {
				return
			}
			var res types.Result
			assert.NoError(t, json.Unmarshal(raw, &res))
			assert.True(t, res.Success, res.Message)
		}()
	}
	wg.Wait()

	assert.False(t, cipher.overlap.Load(), "saves must run one at a time")
	res := f.result(t, channel.LoadData)
	require.True(t, res.Success, res.Message)
	assert.Regexp(t, `^\{"model-\d":"key"\}$`, res.Data)
}

func TestHandlerPanicIsReported(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.pipe.Bus().Handle(channel.Ping, func(context.Context, []json.RawMessage) (interface{}, error) {
		panic("nil map write")
	}))

	_, err := f.api.Invoke(context.Background(), channel.Ping)
	assert.Error(t, err)
	assert.Equal(t, []string{"An error occurred"}, f.notices.all())
	assert.Equal(t, 1, f.logs.FilterMessage("Uncaught exception").Len())
	notice := f.notices.lastMessage()
	assert.True(t, strings.HasPrefix(notice, "ping: nil map write\n\n"), notice)
	assert.Contains(t, notice, "goroutine ", "the notice carries the stack")

	// The host keeps serving.
	res := f.result(t, channel.CheckHasEncryptedData)
	assert.False(t, res.Success)
}

func TestGuardNoticeCarriesStack(t *testing.T) {
	f := newFixture(t, nil)

	assert.NotPanics(t, func() {
		f.host.guard("editor-file-changed", func() { panic("closed channel") })
	})

	assert.Equal(t, []string{"An error occurred"}, f.notices.all())
	notice := f.notices.lastMessage()
	assert.True(t, strings.HasPrefix(notice, "editor-file-changed: closed channel\n\n"), notice)
	assert.Contains(t, notice, "runtime/debug.Stack")
}

func TestWriterNotifier(t *testing.T) {
	var sb syncBuffer
	n := &WriterNotifier{W: &sb}
	n.Notify("Backend not found", "install it")
	assert.Equal(t, "Backend not found\n\ninstall it\n", sb.String())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
