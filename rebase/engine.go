package rebase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"snapgraph/analysis"
	"snapgraph/cas"
	"snapgraph/diff"
	"snapgraph/graph"
	"snapgraph/ident"
	"snapgraph/proto"
	"snapgraph/store"
	"snapgraph/vclock"
)

var (
	// ErrLoad means the target snapshot or the batch could not be loaded.
	ErrLoad = errors.New("rebase load failed")
	// ErrApply means correcting, applying or persisting the batch failed.
	// Nothing visible changed.
	ErrApply = errors.New("rebase apply failed")
	// ErrAbandoned means the target change set was abandoned.
	ErrAbandoned = errors.New("change set abandoned")
)

const abandonedMessage = "Attempted to rebase for an abandoned change set."

// ContentStore reads and writes content-addressed bytes.
type ContentStore interface {
	Get(ctx context.Context, addr cas.Hash) ([]byte, error)
	Put(ctx context.Context, data []byte) (cas.Hash, error)
}

// ChangeSets resolves change sets and moves their snapshot pointers.
type ChangeSets interface {
	ChangeSet(ctx context.Context, id ident.ID) (store.ChangeSet, error)
	Workspace(ctx context.Context, id ident.ID) (store.Workspace, error)
	UpdatePointer(ctx context.Context, id ident.ID, old, new cas.Hash, actor string) error
}

// State is how far a rebase got.
type State int

const (
	StateReceived State = iota
	StateLoaded
	StateCorrected
	StateApplied
	StatePersisted
	StateReplied
	StateLoadFailed
	StateApplyFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateLoaded:
		return "loaded"
	case StateCorrected:
		return "corrected"
	case StateApplied:
		return "applied"
	case StatePersisted:
		return "persisted"
	case StateReplied:
		return "replied"
	case StateLoadFailed:
		return "load_failed"
	case StateApplyFailed:
		return "apply_failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Result describes one rebase.
type Result struct {
	State State
	Err   error

	ChangeSet   store.ChangeSet
	UpdatedHead bool
	// Skipped is set when the target had already observed the batch.
	Skipped bool

	// UpdatesPerformed is the address of the batch that was applied.
	UpdatesPerformed cas.Hash
	Applied          int
	Changes          []diff.Change

	PreviousSnapshot cas.Hash
	Snapshot         cas.Hash
}

// Reply converts the result to the wire reply.
func (r *Result) Reply() proto.RebaseReply {
	if r.Err != nil {
		if errors.Is(r.Err, ErrAbandoned) {
			return proto.ErrorReply(abandonedMessage)
		}
		return proto.ErrorReply(r.Err.Error())
	}
	return proto.SuccessReply(r.UpdatesPerformed)
}

// MarkReplied records that the reply was delivered.
func (r *Result) MarkReplied() {
	if r.Err == nil {
		r.State = StateReplied
	}
}

func (r *Result) fail(state State, err error) *Result {
	r.State = state
	r.Err = err
	return r
}

// Options configures an Engine.
type Options struct {
	// Actor identifies this rebaser in vector clocks and pointer history.
	Actor ident.ID
	// AllowList exempts legacy workspaces from the subscription cycle check.
	AllowList analysis.AllowList
	Logger    *slog.Logger
}

// Engine performs rebases. It does not serialize rebases itself: callers
// must not run two rebases onto the same change set concurrently.
type Engine struct {
	objects    ContentStore
	changeSets ChangeSets
	actor      ident.ID
	allow      analysis.AllowList
	log        *slog.Logger
}

// NewEngine creates an engine.
func NewEngine(objects ContentStore, changeSets ChangeSets, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	actor := opts.Actor
	if actor.IsNil() {
		actor = ident.New()
	}
	return &Engine{
		objects:    objects,
		changeSets: changeSets,
		actor:      actor,
		allow:      opts.AllowList,
		log:        log.With("component", "rebase"),
	}
}

// Actor returns the engine's clock actor.
func (e *Engine) Actor() ident.ID {
	return e.actor
}

// Rebase applies the requested batch to the target change set. Failures
// are reported in the result, never as partial state.
func (e *Engine) Rebase(ctx context.Context, req proto.RebaseRequest) *Result {
	res := &Result{State: StateReceived}
	to := req.ToRebaseChangeSetID
	log := e.log.With("change_set_id", to.String(), "batch", req.RebaseBatchAddress.Short())

	if err := req.Validate(); err != nil {
		return res.fail(StateLoadFailed, fmt.Errorf("%w: %w", ErrLoad, err))
	}

	cs, err := e.changeSets.ChangeSet(ctx, to)
	if err != nil {
		return res.fail(StateLoadFailed, fmt.Errorf("%w: %w", ErrLoad, err))
	}
	res.ChangeSet = cs
	if cs.Status == store.StatusAbandoned {
		log.Warn("rebase onto abandoned change set")
		return res.fail(StateLoadFailed, ErrAbandoned)
	}
	ws, err := e.changeSets.Workspace(ctx, cs.WorkspaceID)
	if err != nil {
		return res.fail(StateLoadFailed, fmt.Errorf("%w: %w", ErrLoad, err))
	}
	res.UpdatedHead = ws.DefaultChangeSetID == to
	res.PreviousSnapshot = cs.SnapshotAddress

	target, batch, err := e.load(ctx, cs.SnapshotAddress, req.RebaseBatchAddress)
	if err != nil {
		log.Error("loading rebase inputs", "error", err)
		return res.fail(StateLoadFailed, fmt.Errorf("%w: %w", ErrLoad, err))
	}
	res.State = StateLoaded

	fromDifferent := !res.UpdatedHead && req.FromChangeSetID != nil && *req.FromChangeSetID != to
	if batch.Clock.Len() > 0 && target.Clock().IsNewerThan(batch.Clock) {
		log.Info("target already observed batch; skipping")
		addr, err := e.skippedBatchAddress(ctx, target, req.RebaseBatchAddress, batch, fromDifferent)
		if err != nil {
			return res.fail(StateApplyFailed, fmt.Errorf("%w: %w", ErrApply, err))
		}
		res.Skipped = true
		res.UpdatesPerformed = addr
		res.Snapshot = cs.SnapshotAddress
		res.State = StateApplied
		return res
	}

	corrected, err := graph.CorrectTransforms(target, batch.Updates, fromDifferent)
	if err != nil {
		return res.fail(StateApplyFailed, fmt.Errorf("%w: %w", ErrApply, err))
	}
	res.State = StateCorrected
	if dropped := len(batch.Updates) - len(corrected); dropped > 0 {
		log.Info("correction dropped updates", "dropped", dropped)
	}

	working := target.Clone()
	if err := working.PerformUpdates(corrected); err != nil {
		return res.fail(StateApplyFailed, fmt.Errorf("%w: %w", ErrApply, err))
	}
	removed := working.Cleanup()
	working.RecalculateMerkleTreeHashes()
	if err := analysis.ValidateSubscriptions(working, cs.WorkspaceID, e.allow); err != nil {
		return res.fail(StateApplyFailed, fmt.Errorf("%w: %w", ErrApply, err))
	}
	working.MergeClock(vclock.ClockID{Actor: e.actor, ChangeSet: to}, batch.Clock)
	res.State = StateApplied
	res.Applied = len(corrected)

	if len(corrected) == 0 {
		log.Info("nothing to apply after correction")
		res.UpdatesPerformed = req.RebaseBatchAddress
		res.Snapshot = cs.SnapshotAddress
		return res
	}

	applied := Batch{Updates: corrected, Clock: batch.Clock}
	if err := e.persist(ctx, res, applied, working); err != nil {
		log.Error("persisting rebase", "error", err)
		return res.fail(StateApplyFailed, fmt.Errorf("%w: %w", ErrApply, err))
	}
	res.Changes = diff.DetectChanges(target, working)
	res.State = StatePersisted

	log.Info("rebase applied",
		"updates", len(corrected),
		"changes", len(res.Changes),
		"garbage_collected", removed,
		"snapshot", res.Snapshot.Short(),
		"head", res.UpdatedHead)
	return res
}

func (e *Engine) load(ctx context.Context, snapshot, batchAddr cas.Hash) (*graph.Graph, Batch, error) {
	data, err := e.objects.Get(ctx, snapshot)
	if err != nil {
		return nil, Batch{}, fmt.Errorf("snapshot %s: %w", snapshot.Short(), err)
	}
	target, err := graph.Decode(data)
	if err != nil {
		return nil, Batch{}, fmt.Errorf("snapshot %s: %w", snapshot.Short(), err)
	}

	data, err = e.objects.Get(ctx, batchAddr)
	if err != nil {
		return nil, Batch{}, fmt.Errorf("batch %s: %w", batchAddr.Short(), err)
	}
	batch, err := DecodeBatch(data)
	if err != nil {
		return nil, Batch{}, fmt.Errorf("batch %s: %w", batchAddr.Short(), err)
	}
	return target, batch, nil
}

// skippedBatchAddress answers a replayed request with the batch the first
// application stored. Correction against the target reproduces it: the
// updates it dropped then are still unresolvable now.
func (e *Engine) skippedBatchAddress(ctx context.Context, target *graph.Graph, requested cas.Hash, batch Batch, fromDifferent bool) (cas.Hash, error) {
	corrected, err := graph.CorrectTransforms(target, batch.Updates, fromDifferent)
	if err != nil {
		return cas.Hash{}, err
	}
	if len(corrected) == 0 || len(corrected) == len(batch.Updates) {
		return requested, nil
	}
	data, err := Batch{Updates: corrected, Clock: batch.Clock}.Encode()
	if err != nil {
		return cas.Hash{}, err
	}
	addr, err := e.objects.Put(ctx, data)
	if err != nil {
		return cas.Hash{}, fmt.Errorf("storing batch: %w", err)
	}
	return addr, nil
}

// persist writes the applied batch and the new snapshot, then swings the
// pointer. Objects written before a failed swing are unreferenced garbage.
func (e *Engine) persist(ctx context.Context, res *Result, applied Batch, working *graph.Graph) error {
	batchData, err := applied.Encode()
	if err != nil {
		return err
	}
	batchAddr, err := e.objects.Put(ctx, batchData)
	if err != nil {
		return fmt.Errorf("storing batch: %w", err)
	}

	snapData, err := working.Encode()
	if err != nil {
		return err
	}
	snapAddr, err := e.objects.Put(ctx, snapData)
	if err != nil {
		return fmt.Errorf("storing snapshot: %w", err)
	}

	if err := e.changeSets.UpdatePointer(ctx, res.ChangeSet.ID, res.PreviousSnapshot, snapAddr, e.actor.String()); err != nil {
		return err
	}
	res.UpdatesPerformed = batchAddr
	res.Snapshot = snapAddr
	return nil
}
