package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
)

func cp(id int, hash string) types.Checkpoint {
	return types.Checkpoint{CheckpointID: id, EventID: int64(id * 10), CommitHash: hash, CommitMessage: "commit " + hash}
}

func ids(cps []types.Checkpoint) []int {
	out := make([]int, 0, len(cps))
	for _, c := range cps {
		out = append(out, c.CheckpointID)
	}
	return out
}

func TestReconcileSentinelExcludedFromCommits(t *testing.T) {
	r := New()

	view, changed := r.Reconcile([]types.Checkpoint{cp(1, types.NoCommitHash), cp(2, "abc123")})

	require.True(t, changed)
	assert.Equal(t, []int{1, 2}, ids(view.Checkpoints), "sentinel is a regular checkpoint")
	assert.Equal(t, []int{2}, ids(view.Commits))
	require.NotNil(t, view.Tracker)
	assert.Equal(t, 2, view.Tracker.Initial)
	assert.Equal(t, 2, view.Tracker.Current)
	assert.Nil(t, view.Tracker.Selected)
}

func TestReconcileSortsAndDerivesTracker(t *testing.T) {
	r := New()

	view, _ := r.Reconcile([]types.Checkpoint{
		cp(4, "d"), cp(1, "a"), cp(3, types.NoCommitHash), cp(2, "b"), cp(5, types.NoCommitHash),
	})

	assert.Equal(t, []int{1, 2, 3, 4, 5}, ids(view.Checkpoints))
	assert.Equal(t, []int{1, 2, 4}, ids(view.Commits))
	assert.Equal(t, 1, view.Tracker.Initial)
	assert.Equal(t, 4, view.Tracker.Current, "current is the last non-sentinel id")
}

func TestReconcileNoCommits(t *testing.T) {
	r := New()

	view, _ := r.Reconcile([]types.Checkpoint{cp(1, types.NoCommitHash)})

	assert.Empty(t, view.Commits)
	assert.Nil(t, view.Tracker)
	assert.Nil(t, r.Tracker())
}

func TestDoubleReconcileIsNoop(t *testing.T) {
	r := New()
	list := []types.Checkpoint{cp(1, "a"), cp(2, "b")}

	_, changed := r.Reconcile(list)
	require.True(t, changed)

	_, changed = r.Reconcile(list)
	assert.False(t, changed)

	_, changed = r.Reconcile([]types.Checkpoint{cp(2, "b"), cp(1, "a")})
	assert.False(t, changed, "order of the backend list does not matter")
}

func TestEmptyReconcileOnFreshReconcilerIsNoop(t *testing.T) {
	r := New()

	_, changed := r.Reconcile(nil)
	assert.False(t, changed)
	_, changed = r.Reconcile([]types.Checkpoint{})
	assert.False(t, changed)
}

func TestSelectionSurvivesReconcile(t *testing.T) {
	r := New()
	r.Reconcile([]types.Checkpoint{cp(1, "a"), cp(2, "b")})

	require.NoError(t, r.Select(1))
	require.NotNil(t, r.Tracker().Selected)

	view, changed := r.Reconcile([]types.Checkpoint{cp(1, "a"), cp(2, "b"), cp(3, "c")})
	assert.True(t, changed)
	require.NotNil(t, view.Tracker.Selected)
	assert.Equal(t, 1, *view.Tracker.Selected)
	assert.Equal(t, 3, view.Tracker.Current)
}

func TestSelectionResetWhenCheckpointVanishes(t *testing.T) {
	r := New()
	r.Reconcile([]types.Checkpoint{cp(1, "a"), cp(2, "b")})
	require.NoError(t, r.Select(2))

	view, changed := r.Reconcile([]types.Checkpoint{cp(1, "a")})

	assert.True(t, changed)
	assert.Nil(t, view.Tracker.Selected)
}

func TestSelectUnknown(t *testing.T) {
	r := New()
	r.Reconcile([]types.Checkpoint{cp(1, types.NoCommitHash), cp(2, "b")})

	assert.ErrorIs(t, r.Select(9), ErrUnknownCheckpoint)
	assert.ErrorIs(t, r.Select(1), ErrUnknownCheckpoint, "sentinels are not selectable")

	require.NoError(t, r.Select(2))
	r.ClearSelection()
	assert.Nil(t, r.Tracker().Selected)
}

func TestRevertMarksPendingUntilReconciled(t *testing.T) {
	r := New()
	r.Reconcile([]types.Checkpoint{cp(1, "a"), cp(2, "b"), cp(3, "c")})

	view := r.MarkPendingAfter(1)

	assert.Equal(t, []int{1, 2, 3}, ids(view.Checkpoints), "ids stay until the backend drops them")
	assert.False(t, view.Checkpoints[0].PendingInvalid)
	assert.True(t, view.Checkpoints[1].PendingInvalid)
	assert.True(t, view.Checkpoints[2].PendingInvalid)
	assert.Equal(t, []int{2, 3}, r.Pending())

	// Backend still reports 3: its marker is kept, 2 is confirmed gone.
	view, changed := r.Reconcile([]types.Checkpoint{cp(1, "a"), cp(3, "c")})
	assert.True(t, changed)
	assert.Equal(t, []int{1, 3}, ids(view.Checkpoints))
	assert.True(t, view.Checkpoints[1].PendingInvalid)
	assert.Equal(t, []int{3}, r.Pending())

	view, _ = r.Reconcile([]types.Checkpoint{cp(1, "a")})
	assert.Equal(t, []int{1}, ids(view.Checkpoints))
	assert.Empty(t, r.Pending())
	assert.Equal(t, 1, view.Tracker.Current)
}

func TestDeletedIDIsNeverResurrected(t *testing.T) {
	r := New()
	r.Reconcile([]types.Checkpoint{cp(1, "a"), cp(2, "b")})
	r.MarkPendingAfter(1)
	r.Reconcile([]types.Checkpoint{cp(1, "a")})

	// A stale response still listing 2 must not bring it back.
	view, changed := r.Reconcile([]types.Checkpoint{cp(1, "a"), cp(2, "b")})

	assert.False(t, changed)
	assert.Equal(t, []int{1}, ids(view.Checkpoints))
}

func TestReusedIDWithNewCommitIsKept(t *testing.T) {
	r := New()
	r.Reconcile([]types.Checkpoint{cp(1, "a"), cp(2, "b")})
	r.MarkPendingAfter(1)
	r.Reconcile([]types.Checkpoint{cp(1, "a")})

	view, changed := r.Reconcile([]types.Checkpoint{cp(1, "a"), cp(2, "c")})

	assert.True(t, changed)
	require.Len(t, view.Checkpoints, 2)
	assert.Equal(t, "c", view.Checkpoints[1].CommitHash)
	assert.False(t, view.Checkpoints[1].PendingInvalid)
}

func TestNewCheckpointsAfterRevertAreNotPending(t *testing.T) {
	r := New()
	r.Reconcile([]types.Checkpoint{cp(1, "a"), cp(2, "b")})
	r.MarkPendingAfter(1)

	view, _ := r.Reconcile([]types.Checkpoint{cp(1, "a"), cp(7, "g")})

	require.Len(t, view.Checkpoints, 2)
	assert.False(t, view.Checkpoints[1].PendingInvalid)
	assert.Equal(t, 7, view.Tracker.Current)
}

func TestViewsAreCopies(t *testing.T) {
	r := New()
	view, _ := r.Reconcile([]types.Checkpoint{cp(1, "a")})

	view.Checkpoints[0].CommitHash = "mutated"
	view.Tracker.Current = 99

	assert.Equal(t, "a", r.View().Checkpoints[0].CommitHash)
	assert.Equal(t, 1, r.Tracker().Current)
	assert.Equal(t, []int{1}, ids(r.Commits()))
}

func TestViewFind(t *testing.T) {
	r := New()
	view, _ := r.Reconcile([]types.Checkpoint{cp(3, "c"), cp(1, "a")})

	found, ok := view.Find(3)
	assert.True(t, ok)
	assert.Equal(t, "c", found.CommitHash)
	assert.False(t, view.Has(2))
}
