package timeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
)

// ErrUnknownCheckpoint is returned when selecting an id that is not a commit
// in the current view.
var ErrUnknownCheckpoint = errors.New("unknown checkpoint")

// Tracker locates the commit range shown on the timeline. Fields hold
// checkpoint ids, never copies of checkpoints.
type Tracker struct {
	Initial  int  `json:"initial"`
	Current  int  `json:"current"`
	Selected *int `json:"selected,omitempty"`
}

// View is an immutable reconciled timeline.
type View struct {
	// Checkpoints is every checkpoint, sentinels included, ascending by id.
	Checkpoints []types.Checkpoint `json:"checkpoints"`
	// Commits is Checkpoints minus sentinel entries.
	Commits []types.Checkpoint `json:"commits"`
	// Tracker is nil while there are no commits.
	Tracker *Tracker `json:"tracker,omitempty"`
}

// Clone returns a deep copy.
func (v View) Clone() View {
	out := View{
		Checkpoints: append([]types.Checkpoint(nil), v.Checkpoints...),
		Commits:     append([]types.Checkpoint(nil), v.Commits...),
	}
	if v.Tracker != nil {
		t := *v.Tracker
		if t.Selected != nil {
			sel := *t.Selected
			t.Selected = &sel
		}
		out.Tracker = &t
	}
	return out
}

// Has reports whether id is present in the view.
func (v View) Has(id int) bool {
	_, ok := v.Find(id)
	return ok
}

// Find returns the checkpoint with id.
func (v View) Find(id int) (types.Checkpoint, bool) {
	i := sort.Search(len(v.Checkpoints), func(i int) bool { return v.Checkpoints[i].CheckpointID >= id })
	if i < len(v.Checkpoints) && v.Checkpoints[i].CheckpointID == id {
		return v.Checkpoints[i], true
	}
	return types.Checkpoint{}, false
}

// Reconciler merges backend checkpoint lists into a local timeline. It is
// not safe for concurrent use; the session actor owns it.
type Reconciler struct {
	view     View
	selected *int
	// pending maps ids marked invalid by a revert, and not yet confirmed
	// gone, to their commit hash.
	pending map[int]string
	// deleted holds ids the backend confirmed gone, with the commit they
	// carried. A later list repeating that commit is a stale response and is
	// filtered. The same id with a different commit is a new checkpoint.
	deleted map[int]string
}

// New returns an empty reconciler.
func New() *Reconciler {
	return &Reconciler{
		pending: make(map[int]string),
		deleted: make(map[int]string),
	}
}

// Reconcile replaces the local list with the backend's and reports whether
// the resulting view differs from the previous one.
func (r *Reconciler) Reconcile(checkpoints []types.Checkpoint) (View, bool) {
	next := r.build(checkpoints)
	changed := !cmp.Equal(r.view, next, cmpopts.EquateEmpty())
	r.view = next
	return next.Clone(), changed
}

func (r *Reconciler) build(checkpoints []types.Checkpoint) View {
	sorted := make([]types.Checkpoint, 0, len(checkpoints))
	seen := make(map[int]struct{}, len(checkpoints))
	for _, cp := range checkpoints {
		if hash, gone := r.deleted[cp.CheckpointID]; gone {
			if hash == cp.CommitHash {
				continue
			}
			delete(r.deleted, cp.CheckpointID)
		}
		if _, dup := seen[cp.CheckpointID]; dup {
			continue
		}
		seen[cp.CheckpointID] = struct{}{}
		cp.PendingInvalid = false
		sorted = append(sorted, cp)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CheckpointID < sorted[j].CheckpointID })

	// Pending ids the backend no longer reports are confirmed deleted.
	for id, hash := range r.pending {
		if _, ok := seen[id]; !ok {
			delete(r.pending, id)
			r.deleted[id] = hash
		}
	}
	for i := range sorted {
		if _, ok := r.pending[sorted[i].CheckpointID]; ok {
			sorted[i].PendingInvalid = true
		}
	}

	return r.derive(sorted)
}

// derive computes commits and the tracker from an ordered list.
func (r *Reconciler) derive(sorted []types.Checkpoint) View {
	v := View{Checkpoints: sorted, Commits: []types.Checkpoint{}}
	for _, cp := range sorted {
		if cp.HasCommit() {
			v.Commits = append(v.Commits, cp)
		}
	}
	if len(v.Commits) == 0 {
		r.selected = nil
		return v
	}

	if r.selected != nil && !containsID(v.Commits, *r.selected) {
		r.selected = nil
	}
	v.Tracker = &Tracker{
		Initial: v.Commits[0].CheckpointID,
		Current: v.Commits[len(v.Commits)-1].CheckpointID,
	}
	if r.selected != nil {
		sel := *r.selected
		v.Tracker.Selected = &sel
	}
	return v
}

func containsID(cps []types.Checkpoint, id int) bool {
	for _, cp := range cps {
		if cp.CheckpointID == id {
			return true
		}
	}
	return false
}

// Select marks a commit as the user's selection.
func (r *Reconciler) Select(id int) error {
	if !containsID(r.view.Commits, id) {
		return fmt.Errorf("%w: %d", ErrUnknownCheckpoint, id)
	}
	r.selected = &id
	r.view = r.derive(r.view.Checkpoints)
	return nil
}

// ClearSelection drops the user's selection.
func (r *Reconciler) ClearSelection() {
	r.selected = nil
	r.view = r.derive(r.view.Checkpoints)
}

// MarkPendingAfter flags every checkpoint above k as pending removal. The
// flags stay until a reconcile shows the backend dropped them.
func (r *Reconciler) MarkPendingAfter(k int) View {
	for i := range r.view.Checkpoints {
		if id := r.view.Checkpoints[i].CheckpointID; id > k {
			r.pending[id] = r.view.Checkpoints[i].CommitHash
			r.view.Checkpoints[i].PendingInvalid = true
		}
	}
	r.view = r.derive(r.view.Checkpoints)
	return r.view.Clone()
}

// Pending returns the ids awaiting removal, ascending.
func (r *Reconciler) Pending() []int {
	out := make([]int, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// View returns a copy of the current view.
func (r *Reconciler) View() View {
	return r.view.Clone()
}

// Commits returns a copy of the current commit list.
func (r *Reconciler) Commits() []types.Checkpoint {
	return append([]types.Checkpoint(nil), r.view.Commits...)
}

// Tracker returns a copy of the tracker, or nil while there are no commits.
func (r *Reconciler) Tracker() *Tracker {
	return r.view.Clone().Tracker
}
