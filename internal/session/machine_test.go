package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/backend"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/backend/backendtest"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/timeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type fixture struct {
	srv *backendtest.Server
	m   *Machine
	dir string
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	srv := backendtest.New(t)
	client := backend.New(backend.Options{BaseURL: srv.URL, Timeout: 2 * time.Second})

	var seq atomic.Int32
	opts := Options{
		Backend:       client,
		Host:          srv.URL,
		PollInterval:  20 * time.Millisecond,
		HealthTimeout: 3 * time.Second,
		Retry:         resilience.Policy{Attempts: 3, MinWait: 5 * time.Millisecond, MaxWait: 20 * time.Millisecond},
		Metrics:       monitoring.NewMetrics(),
		NewName:       func() string { return fmt.Sprintf("sess_%d", seq.Add(1)) },
	}
	if mutate != nil {
		mutate(&opts)
	}

	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return &fixture{srv: srv, m: m, dir: t.TempDir()}
}

func (f *fixture) request() CreateRequest {
	return CreateRequest{Path: f.dir, Agent: types.AgentConfig{Model: "claude-opus", APIKey: "sk-test"}}
}

func (f *fixture) waitFor(t *testing.T, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := f.m.WaitFor(ctx, pred)
	require.NoError(t, err, "last snapshot: status=%s name=%s err=%v", snap.Status, snap.Name, snap.Err)
	return snap
}

// start creates a session and waits until it runs with its stream attached.
func (f *fixture) start(t *testing.T) string {
	t.Helper()
	name, err := f.m.Create(context.Background(), f.request())
	require.NoError(t, err)
	f.waitFor(t, statusIs(StatusRunning))
	require.Eventually(t, func() bool { return f.srv.StreamCount(name) == 1 }, 5*time.Second, 5*time.Millisecond)
	return name
}

func statusIs(s Status) func(Snapshot) bool {
	return func(snap Snapshot) bool { return snap.Status == s }
}

func messageCount(n int) func(Snapshot) bool {
	return func(snap Snapshot) bool { return len(snap.Messages) >= n }
}

func text(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func checkpoint(id int) types.Checkpoint {
	return types.Checkpoint{CheckpointID: id, EventID: int64(id), CommitHash: fmt.Sprintf("hash%d", id), CommitMessage: "step"}
}

func TestCreateReachesRunning(t *testing.T) {
	f := newFixture(t, nil)

	name := f.start(t)

	assert.Equal(t, "sess_1", name)
	sess, ok := f.srv.Session(name)
	require.True(t, ok)
	assert.Equal(t, f.dir, sess.Path)
	assert.Equal(t, "running", sess.Status)

	snap := f.m.Snapshot()
	assert.Equal(t, name, snap.Name)
	assert.Equal(t, f.srv.URL, snap.Host)
	assert.Nil(t, snap.Err)

	var order []string
	for _, c := range f.srv.Calls() {
		switch {
		case c.Method == http.MethodPost && c.Path == "/sessions/"+name:
			order = append(order, "create")
		case c.Method == http.MethodPatch && c.Path == "/sessions/"+name+"/start":
			order = append(order, "start")
		}
	}
	assert.Equal(t, []string{"create", "start"}, order)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.m.Create(ctx, CreateRequest{Path: "relative/dir"})
	require.Error(t, err)
	assert.Empty(t, f.srv.Calls())

	f.start(t)
	_, err = f.m.Create(ctx, f.request())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCreateUsesStoredAPIKey(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Secrets = staticSecrets{"claude-opus": "sk-stored"} })

	req := f.request()
	req.Agent.APIKey = ""
	name, err := f.m.Create(context.Background(), req)
	require.NoError(t, err)
	f.waitFor(t, statusIs(StatusRunning))

	sess, _ := f.srv.Session(name)
	assert.Equal(t, "sk-stored", sess.Agent.APIKey)
}

type staticSecrets map[string]string

func (s staticSecrets) APIKey(model string) (string, error) {
	return s[model], nil
}

func TestCreateRetriesTemporaryFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.FailNext("create", http.StatusServiceUnavailable)

	name := f.start(t)

	assert.Equal(t, 2, f.srv.CallCount(http.MethodPost, "/sessions/"+name))
}

func TestRetryExhaustionFailsWithTransport(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.FailNext("create", http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusServiceUnavailable)

	_, err := f.m.Create(context.Background(), f.request())
	require.NoError(t, err)

	snap := f.waitFor(t, statusIs(StatusError))
	require.NotNil(t, snap.Err)
	assert.ErrorIs(t, snap.Err, ErrTransport)
	assert.ErrorIs(t, snap.Err, resilience.ErrBudgetExhausted)
	assert.NotErrorIs(t, snap.Err, ErrUnresponsive)
	assert.Equal(t, 3, f.srv.CallCount(http.MethodPost, "/sessions/sess_1"))
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.FailNext("create", http.StatusBadRequest)

	_, err := f.m.Create(context.Background(), f.request())
	require.NoError(t, err)

	snap := f.waitFor(t, statusIs(StatusError))
	assert.ErrorIs(t, snap.Err, ErrTransport)
	assert.Equal(t, http.StatusBadRequest, backend.StatusOf(snap.Err))
	assert.Equal(t, 1, f.srv.CallCount(http.MethodPost, "/sessions/sess_1"))
}

func TestHealthTimeoutFailsAsUnresponsive(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.HealthTimeout = 150 * time.Millisecond
		o.Retry = resilience.Policy{Attempts: 100, MinWait: 30 * time.Millisecond, MaxWait: 30 * time.Millisecond}
	})
	failures := make([]int, 200)
	for i := range failures {
		failures[i] = http.StatusServiceUnavailable
	}
	f.srv.FailNext("config", failures...)

	_, err := f.m.Create(context.Background(), f.request())
	require.NoError(t, err)

	snap := f.waitFor(t, statusIs(StatusError))
	assert.ErrorIs(t, snap.Err, ErrUnresponsive)
	assert.NotErrorIs(t, snap.Err, ErrCrashed)
	assert.NotErrorIs(t, snap.Err, ErrTransport)
}

func TestEventsAreAppliedOnceInOrder(t *testing.T) {
	f := newFixture(t, nil)
	name := f.start(t)

	first := f.srv.Push(name, types.ServerEvent{Type: types.EventTask, Content: text("build snake")})
	f.waitFor(t, messageCount(1))

	// A replay of an applied event is a no-op.
	f.m.ApplyEvent(first)
	f.srv.Push(name, types.ServerEvent{Type: types.EventToolResponse, Content: text("done")})

	snap := f.waitFor(t, messageCount(2))
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, types.MessageTask, snap.Messages[0].Kind)
	assert.Equal(t, types.MessageTool, snap.Messages[1].Kind)
	assert.Equal(t, snap.Messages[1].EventID, snap.LastEventID)
}

func TestEventsBeforeRunningAreApplied(t *testing.T) {
	f := newFixture(t, nil)

	name, err := f.m.Create(context.Background(), f.request())
	require.NoError(t, err)
	f.m.ApplyEvent(types.ServerEvent{EventID: 1, Type: types.EventTask, Content: text("early"), Session: name})

	snap := f.waitFor(t, func(s Snapshot) bool { return s.Status == StatusRunning && len(s.Messages) == 1 })
	assert.Equal(t, "early", snap.Messages[0].Text)
}

func TestStaleSessionEventsAreDropped(t *testing.T) {
	f := newFixture(t, nil)
	name := f.start(t)

	f.m.ApplyEvent(types.ServerEvent{EventID: 50, Type: types.EventTask, Content: text("stale"), Session: "sess_old"})
	f.srv.Push(name, types.ServerEvent{Type: types.EventTask, Content: text("fresh")})

	snap := f.waitFor(t, messageCount(1))
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "fresh", snap.Messages[0].Text)
	assert.Less(t, snap.LastEventID, int64(50))
}

func TestDeleteStopsPollingAndStream(t *testing.T) {
	f := newFixture(t, nil)
	name := f.start(t)

	require.NoError(t, f.m.Delete(context.Background()))
	assert.Equal(t, StatusDeleted, f.m.Snapshot().Status)

	require.Eventually(t, func() bool { return f.srv.StreamCount(name) == 0 }, 5*time.Second, 5*time.Millisecond)

	// Let an in-flight poll land, then make sure no new ones start.
	time.Sleep(50 * time.Millisecond)
	polls := f.srv.CallCount(http.MethodGet, "/sessions/"+name+"/config")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, polls, f.srv.CallCount(http.MethodGet, "/sessions/"+name+"/config"))

	// No backend delete call exists; the session is only abandoned locally.
	_, ok := f.srv.Session(name)
	assert.True(t, ok)
}

func TestResetCreatesFreshSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.m.Reset(ctx)
	require.ErrorIs(t, err, ErrNoSession)

	first := f.start(t)
	f.srv.Push(first, types.ServerEvent{Type: types.EventTask, Content: text("old task")})
	f.waitFor(t, messageCount(1))

	second, err := f.m.Reset(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	snap := f.waitFor(t, func(s Snapshot) bool { return s.Name == second && s.Status == StatusRunning })
	assert.Empty(t, snap.Messages)
	assert.Greater(t, snap.Generation, uint64(1))

	sess, ok := f.srv.Session(second)
	require.True(t, ok)
	assert.Equal(t, f.dir, sess.Path, "reset replays the last request")

	f.m.ApplyEvent(types.ServerEvent{EventID: 99, Type: types.EventTask, Content: text("late"), Session: first})
	f.srv.Push(second, types.ServerEvent{Type: types.EventTask, Content: text("new task")})
	snap = f.waitFor(t, messageCount(1))
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "new task", snap.Messages[0].Text)
}

func TestConfigForSupersededSessionIsDiscarded(t *testing.T) {
	tests := []struct {
		name      string
		supersede func(t *testing.T, f *fixture)
		want      Status
	}{
		{
			name: "reset",
			supersede: func(t *testing.T, f *fixture) {
				second, err := f.m.Reset(context.Background())
				require.NoError(t, err)
				f.waitFor(t, func(s Snapshot) bool { return s.Name == second && s.Status == StatusRunning })
			},
			want: StatusRunning,
		},
		{
			name: "delete",
			supersede: func(t *testing.T, f *fixture) {
				require.NoError(t, f.m.Delete(context.Background()))
				f.waitFor(t, statusIs(StatusDeleted))
			},
			want: StatusDeleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			first := f.start(t)
			oldGen := f.m.Snapshot().Generation

			tt.supersede(t, f)
			before := f.m.Snapshot()

			stale := types.SessionConfig{Model: "stale", Checkpoints: []types.Checkpoint{checkpoint(9)}}
			require.True(t, f.m.post(configDone{name: first, gen: oldGen, config: stale, raw: []byte(`{"model":"stale"}`)}))
			// The inbox is ordered, so a later round trip proves the stale
			// reply was handled.
			_, _ = f.m.ask(context.Background(), func(ch chan<- reply) interface{} {
				return cmdSelect{clear: true, reply: ch}
			})

			after := f.m.Snapshot()
			assert.Equal(t, tt.want, after.Status)
			assert.Equal(t, before.Config.Model, after.Config.Model)
			assert.NotEqual(t, "stale", after.Config.Model)
			assert.Equal(t, before.Timeline, after.Timeline)
		})
	}
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	name := f.start(t)

	require.NoError(t, f.m.Pause(ctx))
	assert.Equal(t, StatusPaused, f.m.Snapshot().Status)
	sess, _ := f.srv.Session(name)
	assert.Equal(t, "paused", sess.Status)

	assert.ErrorIs(t, f.m.Pause(ctx), ErrInvalidState)

	require.NoError(t, f.m.Resume(ctx))
	assert.Equal(t, StatusRunning, f.m.Snapshot().Status)
	assert.ErrorIs(t, f.m.Resume(ctx), ErrInvalidState)
}

func TestReconcileTracksCheckpoints(t *testing.T) {
	f := newFixture(t, nil)
	name := f.start(t)

	f.srv.SetCheckpoints(name, checkpoint(1), types.Checkpoint{CheckpointID: 2, CommitHash: types.NoCommitHash}, checkpoint(3))

	snap := f.waitFor(t, func(s Snapshot) bool { return len(s.Timeline.Checkpoints) == 3 })
	assert.Len(t, snap.Timeline.Commits, 2)
	require.NotNil(t, snap.Timeline.Tracker)
	assert.Equal(t, 1, snap.Timeline.Tracker.Initial)
	assert.Equal(t, 3, snap.Timeline.Tracker.Current)
}

func TestPollFailuresDoNotFailSession(t *testing.T) {
	f := newFixture(t, nil)
	name := f.start(t)

	f.srv.FailNext("config", http.StatusInternalServerError, http.StatusInternalServerError,
		http.StatusInternalServerError, http.StatusInternalServerError)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StatusRunning, f.m.Snapshot().Status)

	f.srv.SetCheckpoints(name, checkpoint(1))
	f.waitFor(t, func(s Snapshot) bool { return len(s.Timeline.Checkpoints) == 1 })
}

func TestSelection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	name := f.start(t)
	f.srv.SetCheckpoints(name, checkpoint(1), checkpoint(2))
	f.waitFor(t, func(s Snapshot) bool { return len(s.Timeline.Commits) == 2 })

	require.NoError(t, f.m.Select(ctx, 1))
	snap := f.m.Snapshot()
	require.NotNil(t, snap.Timeline.Tracker.Selected)
	assert.Equal(t, 1, *snap.Timeline.Tracker.Selected)

	assert.ErrorIs(t, f.m.Select(ctx, 9), timeline.ErrUnknownCheckpoint)

	require.NoError(t, f.m.ClearSelection(ctx))
	assert.Nil(t, f.m.Snapshot().Timeline.Tracker.Selected)
}

func TestRevertMarksLaterCheckpointsPending(t *testing.T) {
	f := newFixture(t, nil)
	// The backend keeps reporting later checkpoints until told otherwise.
	f.srv.OnRevert = func(*backendtest.Session, int) {}
	ctx := context.Background()
	name := f.start(t)

	f.srv.Push(name, types.ServerEvent{EventID: 1, Type: types.EventTask, Content: text("task")})
	f.srv.Push(name, types.ServerEvent{EventID: 2, Type: types.EventToolResponse, Content: text("after")})
	f.waitFor(t, messageCount(2))

	f.srv.SetCheckpoints(name, checkpoint(1), checkpoint(2))
	f.waitFor(t, func(s Snapshot) bool { return len(s.Timeline.Checkpoints) == 2 })

	require.NoError(t, f.m.Revert(ctx, 1))

	snap := f.m.Snapshot()
	require.Len(t, snap.Timeline.Checkpoints, 2)
	assert.False(t, snap.Timeline.Checkpoints[0].PendingInvalid)
	assert.True(t, snap.Timeline.Checkpoints[1].PendingInvalid)
	assert.Equal(t, int64(1), snap.LastEventID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "task", snap.Messages[0].Text)

	f.srv.SetCheckpoints(name, checkpoint(1))
	snap = f.waitFor(t, func(s Snapshot) bool { return len(s.Timeline.Checkpoints) == 1 })
	assert.False(t, snap.Timeline.Checkpoints[0].PendingInvalid)

	assert.ErrorIs(t, f.m.Revert(ctx, 7), timeline.ErrUnknownCheckpoint)
}

func TestGitGate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	name := f.start(t)
	f.srv.SetCheckpoints(name, checkpoint(1))
	f.waitFor(t, func(s Snapshot) bool { return len(s.Timeline.Checkpoints) == 1 })

	unresolved := false
	f.srv.Push(name, types.ServerEvent{Type: types.EventGitError, Content: text("working tree is dirty"), Resolved: &unresolved})
	snap := f.waitFor(t, func(s Snapshot) bool { return s.Gate.Blocked() })
	require.Len(t, snap.Gate.Errors, 1)
	assert.Equal(t, "working tree is dirty", snap.Gate.Errors[0].Message)

	assert.ErrorIs(t, f.m.SendEvent(ctx, types.EventUserResponse, "continue"), ErrGated)
	assert.ErrorIs(t, f.m.Revert(ctx, 1), ErrGated)
	assert.ErrorIs(t, f.m.Merge(ctx, ""), ErrGated)
	assert.ErrorIs(t, f.m.SendEvent(ctx, types.EventGitResolve, nil), ErrInvalidState)

	require.NoError(t, f.m.Pause(ctx), "pausing is not agent-driving")
	assert.ErrorIs(t, f.m.Resume(ctx), ErrGated)
	assert.Equal(t, StatusPaused, f.m.Snapshot().Status, "a gated command is not a failure")

	assert.Error(t, f.m.ResolveGit(ctx, "maybe"))
	require.NoError(t, f.m.ResolveGit(ctx, types.GitActionContinue))
	assert.False(t, f.m.Snapshot().Gate.Blocked())

	require.NoError(t, f.m.Resume(ctx))
	require.NoError(t, f.m.SendEvent(ctx, types.EventUserResponse, "continue"))

	var resolve backendtest.Call
	for _, c := range f.srv.Calls() {
		if c.Method == http.MethodPost && c.Path == "/sessions/"+name+"/event" {
			resolve = c
			break
		}
	}
	assert.JSONEq(t, `{"type":"GitResolve","content":{"action":"nogit"},"producer":"user","consumer":"devon"}`, string(resolve.Body))
}

func TestGitErrorWithoutFlagGates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	name := f.start(t)

	f.srv.Push(name, types.ServerEvent{Type: types.EventGitError, Content: text("Error creating branch: dirty")})
	snap := f.waitFor(t, func(s Snapshot) bool { return s.Gate.Blocked() })
	require.Len(t, snap.Gate.Errors, 1)
	assert.Equal(t, "Error creating branch: dirty", snap.Gate.Errors[0].Message)
	assert.ErrorIs(t, f.m.SendEvent(ctx, types.EventUserResponse, "continue"), ErrGated)

	require.NoError(t, f.m.ResolveGit(ctx, types.GitActionContinue))
	assert.False(t, f.m.Snapshot().Gate.Blocked())
}

func TestGitInitBlocksUntilResolved(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	name := f.start(t)

	f.srv.Push(name, types.ServerEvent{Type: types.EventGitInit, Content: text("Initialize a repository?")})
	snap := f.waitFor(t, func(s Snapshot) bool { return s.Gate.GitInit })
	assert.Equal(t, "Initialize a repository?", snap.Gate.InitMessage)
	assert.ErrorIs(t, f.m.SendEvent(ctx, types.EventUserResponse, "hi"), ErrGated)

	require.NoError(t, f.m.ResolveGit(ctx, types.GitActionInit))
	assert.False(t, f.m.Snapshot().Gate.Blocked())
}

func TestResolvedGitErrorClearsGate(t *testing.T) {
	f := newFixture(t, nil)
	name := f.start(t)
	resolved, unresolved := true, false

	f.srv.Push(name, types.ServerEvent{Type: types.EventGitError, Content: text("merge conflict"), Resolved: &unresolved})
	f.waitFor(t, func(s Snapshot) bool { return s.Gate.Blocked() })

	f.srv.Push(name, types.ServerEvent{Type: types.EventGitError, Content: text("merge conflict"), Resolved: &resolved})
	snap := f.waitFor(t, func(s Snapshot) bool { return !s.Gate.Blocked() })
	assert.Empty(t, snap.Gate.Errors)
}

func TestMergeIsFireAndForget(t *testing.T) {
	f := newFixture(t, nil)
	name := f.start(t)
	before := f.m.Snapshot()

	require.NoError(t, f.m.Merge(context.Background(), ""))

	var body []byte
	for _, c := range f.srv.Calls() {
		if c.Method == http.MethodPost && c.Path == "/sessions/"+name+"/event" {
			body = c.Body
		}
	}
	assert.JSONEq(t, `{"type":"GitMerge","content":{"commit_message":"Merge branch"},"producer":"user","consumer":"devon"}`, string(body))
	assert.Equal(t, before.Timeline, f.m.Snapshot().Timeline)
}

func TestCrashSignals(t *testing.T) {
	tests := []struct {
		name  string
		crash func(f *fixture, session string)
	}{
		{
			name:  "backend exit",
			crash: func(f *fixture, _ string) { f.m.BackendCrashed("Backend exited unexpectedly with code 1") },
		},
		{
			name: "error event",
			crash: func(f *fixture, session string) {
				f.srv.Push(session, types.ServerEvent{Type: types.EventError, Content: text("tool exploded")})
			},
		},
		{
			name: "stop with error type",
			crash: func(f *fixture, session string) {
				f.srv.Push(session, types.ServerEvent{Type: types.EventStop, Content: json.RawMessage(`{"type":"error","message":"model died"}`)})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			name := f.start(t)

			tt.crash(f, name)

			snap := f.waitFor(t, statusIs(StatusError))
			assert.ErrorIs(t, snap.Err, ErrCrashed)
			assert.NotErrorIs(t, snap.Err, ErrUnresponsive)
			require.Eventually(t, func() bool { return f.srv.StreamCount(name) == 0 }, 5*time.Second, 5*time.Millisecond)
		})
	}
}

func TestServerErrorBeforeRunningIsIgnored(t *testing.T) {
	f := newFixture(t, nil)

	f.m.BackendCrashed("startup noise")
	f.start(t)

	assert.Nil(t, f.m.Snapshot().Err)
}

func TestServerErrorLineIsSurfacedNotFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	f.m.ServerError("WARNING:  Invalid HTTP request received.")
	snap := f.waitFor(t, func(s Snapshot) bool { return s.ServerError != "" })

	assert.Equal(t, "WARNING:  Invalid HTTP request received.", snap.ServerError)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Nil(t, snap.Err)
}

func TestUpdateConfigAndDiff(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	name := f.start(t)

	require.NoError(t, f.m.UpdateConfig(ctx, "gpt-4o", "sk-new"))
	sess, _ := f.srv.Session(name)
	assert.Equal(t, "gpt-4o", sess.Agent.Model)
	assert.Equal(t, "sk-new", sess.Agent.APIKey)
	assert.Equal(t, "gpt-4o", f.m.Snapshot().Config.Model)

	diff, err := f.m.Diff(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, diff.Files, 1)
	assert.Equal(t, "main.go", diff.Files[0].FilePath)
}

func TestOperationsWithoutSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.m.Pause(ctx), ErrInvalidState)
	assert.ErrorIs(t, f.m.SendEvent(ctx, types.EventUserResponse, "hi"), ErrInvalidState)
	_, err := f.m.Diff(ctx, 1, 2)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, f.srv.Calls())
}

func TestIndexesAndSessionsPassThrough(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	name := f.start(t)

	sessions, err := f.m.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, name, sessions[0].Name)

	require.NoError(t, f.m.CreateIndex(ctx, "/src/app"))
	idx, err := f.m.Indexes(ctx)
	require.NoError(t, err)
	require.Len(t, idx, 1)
	assert.Equal(t, "/src/app", idx[0].Path)

	require.NoError(t, f.m.DeleteIndex(ctx, "/src/app"))
	assert.Empty(t, f.srv.Indexes())
}

func TestSubscribeAndClose(t *testing.T) {
	f := newFixture(t, nil)

	ch, unsubscribe := f.m.Subscribe()
	first := <-ch
	assert.Equal(t, StatusUninitialized, first.Status)
	unsubscribe()
	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok)

	ch, _ = f.m.Subscribe()
	f.m.Close()
	for range ch {
	}

	_, err := f.m.Create(context.Background(), f.request())
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestConfigDigestIsCanonical(t *testing.T) {
	a := configDigest([]byte(`{"model":"m","checkpoints":[{"checkpoint_id":1}]}`))
	b := configDigest([]byte(`{ "checkpoints": [ {"checkpoint_id": 1} ], "model": "m" }`))
	c := configDigest([]byte(`{"model":"other"}`))

	assert.NotEmpty(t, a)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Empty(t, configDigest(nil))
}

func TestFailureJSON(t *testing.T) {
	data, err := json.Marshal(&Failure{Kind: FailureCrashed, Err: errors.New("boom")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"crashed","message":"boom"}`, string(data))
}
