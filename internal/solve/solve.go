// Package solve implements the solve-prune cycle controller: repeated
// bundle-adjustment solves where each iteration zeroes the weight of the
// tracks most harmful to the reconstruction, keeping the prune when the
// average reprojection error improves and rolling it back when it regresses.
package solve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/motionforge/autotrack/internal/clip"
	"github.com/motionforge/autotrack/internal/config"
	"github.com/motionforge/autotrack/internal/engine"
	"github.com/motionforge/autotrack/internal/monitoring"
	"github.com/motionforge/autotrack/internal/status"
)

// State is the controller lifecycle state.
type State string

const (
	StateInit       State = "init"
	StateSolving    State = "solving"
	StateEvaluating State = "evaluating"
	StatePruning    State = "pruning"
	StateReverting  State = "reverting"
	StateDone       State = "done"
)

var (
	// ErrNoSolvable is returned when no weighted, visible tracks exist to
	// solve from.
	ErrNoSolvable = errors.New("solve: no solvable tracks")
	// ErrSolveInvalid is returned when the solver cannot produce a valid
	// reconstruction.
	ErrSolveInvalid = errors.New("solve: reconstruction invalid")
)

// Config holds one controller instance's tuning values.
type Config struct {
	MaxIterations       int
	TargetError         float64
	DeleteCount         int
	DeleteFailedBundles bool
}

// ConfigFromTuning builds a Config from a loaded tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		MaxIterations:       cfg.GetSolveMaxIterations(),
		TargetError:         cfg.GetSolveTargetError(),
		DeleteCount:         cfg.GetSolveDeleteCount(),
		DeleteFailedBundles: cfg.GetSolveDeleteFailedBundles(),
	}
}

// Recorder persists per-iteration results. Optional.
type Recorder interface {
	RecordSolveIteration(it Iteration) error
}

// Iteration summarizes one solve for persistence and the convergence chart.
type Iteration struct {
	Iteration int
	Error     float64
	Pruned    int // tracks zero-weighted going into this solve
	Committed bool
	Reverted  bool
}

// snapshot remembers a pruned track's pre-prune weight for exact rollback.
type snapshot struct {
	track  *clip.Track
	weight float64
}

// Controller drives the solve→evaluate→prune loop. Step advances the state
// machine by one transition; Run loops Step to a terminal state with
// cooperative cancellation between steps. Run and Step must be driven from a
// single goroutine; State, Err, BestError, Removed, and History are safe to
// call from others.
type Controller struct {
	lib    *clip.Library
	eng    engine.Engine
	cfg    Config
	events *status.Ring
	rec    Recorder

	// mu guards state, lastErr, best, removed, and history for the
	// monitor's accessors; all other fields are touched only from the
	// goroutine driving Run or Step.
	mu      sync.RWMutex
	state   State
	lastErr error

	iter        int
	solves      int
	best        float64
	newError    float64
	pending     []snapshot // weights zeroed by the last prune, not yet judged
	prunedTotal int        // committed-pruned track count
	removed     int        // tracks deleted at finalization
	history     []float64  // error per solve, for the convergence chart
}

// New creates a controller in the Init state. events must not be nil.
func New(lib *clip.Library, eng engine.Engine, cfg Config, events *status.Ring) *Controller {
	return &Controller{
		lib:    lib,
		eng:    eng,
		cfg:    cfg,
		events: events,
		state:  StateInit,
		best:   math.Inf(1),
	}
}

// SetRecorder attaches an optional per-iteration report sink.
func (c *Controller) SetRecorder(r Recorder) { c.rec = r }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the error that terminated the controller, if any.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// BestError returns the lowest committed reconstruction error so far.
func (c *Controller) BestError() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.best
}

// Removed returns the number of tracks deleted at finalization.
func (c *Controller) Removed() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.removed
}

// History returns the reconstruction error of every solve in order.
func (c *Controller) History() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]float64, len(c.history))
	copy(out, c.history)
	return out
}

// Done reports whether the controller reached a terminal state.
func (c *Controller) Done() bool { return c.State() == StateDone }

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) setBest(v float64) {
	c.mu.Lock()
	c.best = v
	c.mu.Unlock()
}

// Run advances the state machine to completion, observing ctx between
// steps. Cancellation is cooperative: commits made so far are preserved and
// the normal finalization runs.
func (c *Controller) Run(ctx context.Context) error {
	for !c.Done() {
		if err := ctx.Err(); err != nil {
			// Restore any prune still awaiting evaluation; committed prunes
			// are preserved.
			for _, s := range c.pending {
				s.track.Weight = s.weight
			}
			c.pending = nil
			c.events.Warnf("solve refine cancelled after %d iterations", c.iter)
			c.finish(ctx, "cancelled")
			return err
		}
		if err := c.Step(ctx); err != nil {
			return err
		}
	}
	return c.lastErr
}

// Step performs one state transition. Returns the fatal error, if any;
// regression and convergence are normal transitions, not errors.
func (c *Controller) Step(ctx context.Context) error {
	switch c.state {
	case StateInit:
		return c.stepInit()
	case StateSolving:
		return c.stepSolving(ctx)
	case StateEvaluating:
		return c.stepEvaluating(ctx)
	case StatePruning:
		return c.stepPruning(ctx)
	case StateReverting:
		return c.stepReverting(ctx)
	case StateDone:
		return c.lastErr
	default:
		return fmt.Errorf("solve: unknown state %q", c.state)
	}
}

// stepInit validates that a solvable dataset exists before anything is
// mutated.
func (c *Controller) stepInit() error {
	solvable := 0
	for _, t := range c.lib.Tracks() {
		if t.Weight > 0 && !t.Hidden {
			solvable++
		}
	}
	if solvable == 0 {
		c.mu.Lock()
		c.lastErr = ErrNoSolvable
		c.state = StateDone
		c.mu.Unlock()
		c.events.Errorf("solve refine: %v", ErrNoSolvable)
		return ErrNoSolvable
	}
	c.iter = 0
	c.setBest(math.Inf(1))
	c.setState(StateSolving)
	c.events.Infof("solve refine started over %d weighted tracks", solvable)
	return nil
}

// stepSolving invokes the solver. An invalid reconstruction is fatal: on
// the first solve nothing has been pruned yet; on later solves any
// committed zero weights are left in place and reported (no auto-revert
// beyond the regression path).
func (c *Controller) stepSolving(ctx context.Context) error {
	r, err := c.eng.SolveCamera(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("solve camera: %w", err))
	}
	c.solves++
	if !r.Valid {
		return c.fail(ErrSolveInvalid)
	}
	c.newError = r.AvgError
	c.mu.Lock()
	c.history = append(c.history, r.AvgError)
	c.mu.Unlock()
	c.setState(StateEvaluating)
	return nil
}

// stepEvaluating compares the new error against the best committed one and
// decides: first solve seeds the baseline, improvement commits the pending
// prune, regression moves to the rollback path.
func (c *Controller) stepEvaluating(ctx context.Context) error {
	if c.solves == 1 {
		c.setBest(c.newError)
		c.events.Infof("initial solve: average error %.4f px", c.newError)
		c.record(Iteration{Iteration: c.iter, Error: c.newError, Committed: true})
		c.setState(StatePruning)
		return nil
	}

	if c.newError < c.best {
		c.setBest(c.newError)
		c.prunedTotal += len(c.pending)
		c.record(Iteration{Iteration: c.iter, Error: c.newError, Pruned: len(c.pending), Committed: true})
		c.events.Infof("iteration %d: error improved to %.4f px (%d tracks pruned)",
			c.iter, c.best, len(c.pending))
		c.pending = nil

		if c.best <= c.cfg.TargetError {
			c.events.Infof("target error %.4f px reached", c.cfg.TargetError)
			c.finish(ctx, "target reached")
			return nil
		}
		c.setState(StatePruning)
		return nil
	}

	c.record(Iteration{Iteration: c.iter, Error: c.newError, Pruned: len(c.pending), Reverted: true})
	c.events.Warnf("iteration %d: error regressed to %.4f px (best %.4f), reverting",
		c.iter, c.newError, c.best)
	c.setState(StateReverting)
	return nil
}

// stepPruning selects the next candidate set, snapshots weights, and zeroes
// them. Failed-bundle tracks are always included when configured; the
// worst-N bundled tracks are ranked by average error in strict descending
// order with stable ties, and the two sets are combined by union.
func (c *Controller) stepPruning(ctx context.Context) error {
	c.iter++
	if c.iter > c.cfg.MaxIterations {
		c.events.Infof("iteration cap %d reached", c.cfg.MaxIterations)
		c.finish(ctx, "iteration cap reached")
		return nil
	}

	seen := make(map[*clip.Track]bool)
	var candidates []*clip.Track

	if c.cfg.DeleteFailedBundles {
		for _, t := range c.lib.Tracks() {
			if t.Weight > 0 && !t.Hidden && !t.HasBundle {
				seen[t] = true
				candidates = append(candidates, t)
			}
		}
	}

	var bundled []*clip.Track
	for _, t := range c.lib.Tracks() {
		if t.Weight > 0 && !t.Hidden && t.HasBundle {
			bundled = append(bundled, t)
		}
	}
	sort.SliceStable(bundled, func(i, j int) bool {
		return bundled[i].AvgError > bundled[j].AvgError
	})
	for i := 0; i < len(bundled) && i < c.cfg.DeleteCount; i++ {
		if !seen[bundled[i]] {
			seen[bundled[i]] = true
			candidates = append(candidates, bundled[i])
		}
	}

	if len(candidates) == 0 {
		c.events.Infof("no prune candidates left, converged at %.4f px", c.best)
		c.finish(ctx, "converged")
		return nil
	}

	c.pending = c.pending[:0]
	for _, t := range candidates {
		c.pending = append(c.pending, snapshot{track: t, weight: t.Weight})
		t.Weight = 0
	}
	monitoring.Logf("solve iteration %d: pruning %d tracks", c.iter, len(candidates))
	c.setState(StateSolving)
	return nil
}

// stepReverting restores every pending weight to its exact pre-prune value,
// solves once more to restore solver-internal state, and terminates.
func (c *Controller) stepReverting(ctx context.Context) error {
	for _, s := range c.pending {
		s.track.Weight = s.weight
	}
	c.pending = nil

	if _, err := c.eng.SolveCamera(ctx); err != nil {
		return c.fail(fmt.Errorf("restore solve: %w", err))
	}
	c.solves++
	c.finish(ctx, "finished, reverted")
	return nil
}

// finish runs the shared Done finalization: committed-pruned tracks (weight
// zero) are deleted in one batch, then the final summary is reported.
func (c *Controller) finish(ctx context.Context, reason string) {
	if c.state == StateDone {
		return
	}
	c.setState(StateDone)

	if c.prunedTotal > 0 {
		var zeroed []*clip.Track
		for _, t := range c.lib.Tracks() {
			if t.Weight == 0 {
				zeroed = append(zeroed, t)
			}
		}
		c.lib.SelectOnly(zeroed)
		if err := c.eng.DeleteSelected(ctx); err != nil {
			monitoring.Logf("solve finalize: delete pruned tracks: %v", err)
			c.events.Errorf("failed to delete %d pruned tracks: %v", len(zeroed), err)
		} else {
			c.mu.Lock()
			c.removed = len(zeroed)
			c.mu.Unlock()
		}
		c.lib.DeselectAll()
		c.events.Infof("solve refine %s: error %.4f px, %d tracks removed", reason, c.best, c.removed)
	} else {
		c.events.Infof("solve refine %s: error %.4f px, dataset unchanged", reason, c.best)
	}
	monitoring.Logf("solve refine %s: best error %.4f px, removed %d tracks", reason, c.best, c.removed)
}

// fail terminates on a fatal engine failure. Weights mutated by committed
// prunes are deliberately left as-is; the report counts them so the caller
// can restore or delete explicitly.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	stranded := 0
	for _, t := range c.lib.Tracks() {
		if t.Weight == 0 {
			stranded++
		}
	}
	if stranded > 0 {
		c.events.Errorf("solve refine failed: %v (%d tracks left zero-weighted)", err, stranded)
	} else {
		c.events.Errorf("solve refine failed: %v", err)
	}
	c.setState(StateDone)
	return err
}

// record forwards an iteration result to the attached recorder, if any.
func (c *Controller) record(it Iteration) {
	if c.rec == nil {
		return
	}
	if err := c.rec.RecordSolveIteration(it); err != nil {
		monitoring.Logf("solve iteration %d: record: %v", it.Iteration, err)
	}
}
