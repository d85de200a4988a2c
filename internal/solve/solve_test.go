package solve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionforge/autotrack/internal/clip"
	"github.com/motionforge/autotrack/internal/engine"
	"github.com/motionforge/autotrack/internal/status"
)

// scriptedEngine replays a fixed sequence of reconstructions, one per
// SolveCamera call, and deletes through the real library.
type scriptedEngine struct {
	lib     *clip.Library
	results []clip.Reconstruction

	solveCalls  int
	deleteCalls int
	deleteCtx   context.Context
	solveErr    error
}

func (e *scriptedEngine) SolveCamera(_ context.Context) (clip.Reconstruction, error) {
	if e.solveErr != nil {
		return clip.Reconstruction{}, e.solveErr
	}
	i := e.solveCalls
	if i >= len(e.results) {
		i = len(e.results) - 1
	}
	e.solveCalls++
	r := e.results[i]
	e.lib.SetReconstruction(r)
	return r, nil
}

func (e *scriptedEngine) DeleteSelected(ctx context.Context) error {
	e.deleteCalls++
	e.deleteCtx = ctx
	e.lib.RemoveSelected()
	return nil
}

func (e *scriptedEngine) DetectFeatures(_ context.Context, _ engine.DetectOptions) ([]*clip.Track, error) {
	return nil, nil
}

func (e *scriptedEngine) TrackMarkers(_ context.Context, _ engine.TrackOptions) error {
	return nil
}

func (e *scriptedEngine) FilterByError(_ context.Context, _ float64) ([]*clip.Track, error) {
	return nil, nil
}

func solvedTrack(id string, avgError float64, bundled bool) *clip.Track {
	t := clip.NewTrack(id, id)
	for f := 1; f <= 6; f++ {
		t.SetMarker(clip.Marker{Frame: f, X: 0.5, Y: 0.5})
	}
	t.AvgError = avgError
	t.HasBundle = bundled
	return t
}

func newSolveFixture(results []clip.Reconstruction, cfg Config, tracks ...*clip.Track) (*clip.Library, *scriptedEngine, *Controller) {
	lib := clip.NewLibrary(clip.Clip{Width: 1920, Height: 1080, FrameStart: 1, FrameEnd: 100})
	for _, t := range tracks {
		lib.AddTrack(t)
	}
	eng := &scriptedEngine{lib: lib, results: results}
	return lib, eng, New(lib, eng, cfg, status.NewRing(0))
}

func valid(avgError float64) clip.Reconstruction {
	return clip.Reconstruction{Valid: true, AvgError: avgError}
}

func TestRunFailsWithoutSolvableTracks(t *testing.T) {
	hidden := solvedTrack("hidden", 0.5, true)
	hidden.Hidden = true
	zero := solvedTrack("zero", 0.5, true)
	zero.Weight = 0

	_, _, ctrl := newSolveFixture(nil, Config{MaxIterations: 5, DeleteCount: 1}, hidden, zero)

	err := ctrl.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoSolvable)
	assert.True(t, ctrl.Done())
}

func TestFirstInvalidSolveIsFatal(t *testing.T) {
	_, eng, ctrl := newSolveFixture(
		[]clip.Reconstruction{{Valid: false}},
		Config{MaxIterations: 5, DeleteCount: 1},
		solvedTrack("a", 0.5, true),
	)

	err := ctrl.Run(context.Background())
	assert.ErrorIs(t, err, ErrSolveInvalid)
	assert.ErrorIs(t, ctrl.Err(), ErrSolveInvalid)
	assert.True(t, ctrl.Done())
	assert.Equal(t, 1, eng.solveCalls)
	assert.Equal(t, 0, eng.deleteCalls)
}

func TestRunPrunesUntilTargetReached(t *testing.T) {
	tracks := []*clip.Track{
		solvedTrack("a", 0.2, true),
		solvedTrack("b", 0.4, true),
		solvedTrack("c", 0.9, true),
		solvedTrack("d", 1.4, true),
		solvedTrack("e", 1.8, true),
	}
	lib, eng, ctrl := newSolveFixture(
		[]clip.Reconstruction{valid(1.0), valid(0.7), valid(0.45), valid(0.25)},
		Config{MaxIterations: 10, TargetError: 0.3, DeleteCount: 1},
		tracks...,
	)

	require.NoError(t, ctrl.Run(context.Background()))

	assert.True(t, ctrl.Done())
	assert.NoError(t, ctrl.Err())
	assert.InDelta(t, 0.25, ctrl.BestError(), 1e-9)
	assert.Equal(t, 4, eng.solveCalls)
	assert.Equal(t, []float64{1.0, 0.7, 0.45, 0.25}, ctrl.History())

	// Worst-error tracks pruned in order: e, d, c.
	assert.Equal(t, 3, ctrl.Removed())
	require.Equal(t, 2, lib.Len())
	assert.Equal(t, "a", lib.Tracks()[0].ID)
	assert.Equal(t, "b", lib.Tracks()[1].ID)
}

func TestRegressionRevertsExactWeights(t *testing.T) {
	kept := solvedTrack("kept", 0.3, true)
	worst := solvedTrack("worst", 2.0, true)
	worst.Weight = 0.7 // non-default weight must round-trip exactly

	lib, eng, ctrl := newSolveFixture(
		[]clip.Reconstruction{valid(0.5), valid(0.8)},
		Config{MaxIterations: 10, DeleteCount: 1},
		kept, worst,
	)

	require.NoError(t, ctrl.Run(context.Background()))

	assert.True(t, ctrl.Done())
	assert.Equal(t, 0.7, worst.Weight)
	assert.InDelta(t, 0.5, ctrl.BestError(), 1e-9)
	// Two scored solves plus the restore solve after rollback.
	assert.Equal(t, 3, eng.solveCalls)
	assert.Len(t, ctrl.History(), 2)

	// Nothing was committed, so nothing is deleted.
	assert.Equal(t, 0, ctrl.Removed())
	assert.Equal(t, 2, lib.Len())
}

func TestPruneUnionsFailedBundlesAndWorstTracks(t *testing.T) {
	failed1 := solvedTrack("failed1", 0, false)
	failed2 := solvedTrack("failed2", 0, false)
	good := solvedTrack("good", 0.2, true)
	bad1 := solvedTrack("bad1", 1.1, true)
	bad2 := solvedTrack("bad2", 1.6, true)

	_, _, ctrl := newSolveFixture(
		[]clip.Reconstruction{valid(1.0)},
		Config{MaxIterations: 10, DeleteCount: 2, DeleteFailedBundles: true},
		failed1, failed2, good, bad1, bad2,
	)

	ctx := context.Background()
	require.NoError(t, ctrl.Step(ctx)) // init -> solving
	require.NoError(t, ctrl.Step(ctx)) // solve
	require.NoError(t, ctrl.Step(ctx)) // evaluate: baseline
	require.NoError(t, ctrl.Step(ctx)) // prune

	assert.Equal(t, StateSolving, ctrl.State())
	assert.Equal(t, 0.0, failed1.Weight)
	assert.Equal(t, 0.0, failed2.Weight)
	assert.Equal(t, 0.0, bad1.Weight)
	assert.Equal(t, 0.0, bad2.Weight)
	assert.Equal(t, 1.0, good.Weight)
}

func TestPruneRanksWorstFirstWithStableTies(t *testing.T) {
	first := solvedTrack("first", 0.9, true)
	middle := solvedTrack("middle", 0.5, true)
	last := solvedTrack("last", 0.9, true)

	_, _, ctrl := newSolveFixture(
		[]clip.Reconstruction{valid(1.0)},
		Config{MaxIterations: 10, DeleteCount: 2},
		first, middle, last,
	)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, ctrl.Step(ctx))
	}

	// Tied at 0.9: insertion order breaks the tie.
	assert.Equal(t, 0.0, first.Weight)
	assert.Equal(t, 0.0, last.Weight)
	assert.Equal(t, 1.0, middle.Weight)
}

func TestIterationCapBoundsSolveCount(t *testing.T) {
	var tracks []*clip.Track
	for i := 0; i < 10; i++ {
		tracks = append(tracks, solvedTrack(fmt.Sprintf("t%d", i), float64(i), true))
	}

	// Error improves forever; only the cap stops the loop.
	results := make([]clip.Reconstruction, 20)
	for i := range results {
		results[i] = valid(10.0 / float64(i+1))
	}

	_, eng, ctrl := newSolveFixture(results, Config{MaxIterations: 2, DeleteCount: 1}, tracks...)

	require.NoError(t, ctrl.Run(context.Background()))

	// The cap admits at most MaxIterations prunes, so MaxIterations+1 solves.
	assert.Equal(t, 3, eng.solveCalls)
	assert.Len(t, ctrl.History(), 3)
	assert.Equal(t, 2, ctrl.Removed())
}

func TestConvergesWhenNoCandidatesRemain(t *testing.T) {
	// Nothing bundles and failed-bundle pruning is off: the first prune pass
	// finds no candidates.
	a := solvedTrack("a", 0, false)
	b := solvedTrack("b", 0, false)

	lib, eng, ctrl := newSolveFixture(
		[]clip.Reconstruction{valid(0.9)},
		Config{MaxIterations: 10, DeleteCount: 1, DeleteFailedBundles: false},
		a, b,
	)

	require.NoError(t, ctrl.Run(context.Background()))

	assert.True(t, ctrl.Done())
	assert.Equal(t, 1, eng.solveCalls)
	assert.Equal(t, 0, ctrl.Removed())
	assert.Equal(t, 2, lib.Len())
}

func TestEngineFailureLeavesCommittedWeights(t *testing.T) {
	tracks := []*clip.Track{
		solvedTrack("a", 0.2, true),
		solvedTrack("b", 0.9, true),
		solvedTrack("c", 1.5, true),
	}
	_, eng, ctrl := newSolveFixture(
		[]clip.Reconstruction{valid(1.0), valid(0.7)},
		Config{MaxIterations: 10, DeleteCount: 1},
		tracks...,
	)

	ctx := context.Background()
	// Walk through the first committed prune, then make the solver blow up.
	for ctrl.State() != StateSolving || eng.solveCalls == 0 {
		require.NoError(t, ctrl.Step(ctx))
	}
	eng.solveErr = errors.New("solver crashed")

	err := ctrl.Run(ctx)
	require.Error(t, err)
	assert.True(t, ctrl.Done())
	assert.Equal(t, 0.0, tracks[2].Weight, "pruned weight is left in place on failure")
}

func TestRunCancellationRestoresPendingPrune(t *testing.T) {
	tracks := []*clip.Track{
		solvedTrack("a", 0.2, true),
		solvedTrack("b", 0.9, true),
		solvedTrack("c", 1.5, true),
	}
	lib, _, ctrl := newSolveFixture(
		[]clip.Reconstruction{valid(1.0)},
		Config{MaxIterations: 10, DeleteCount: 1},
		tracks...,
	)

	ctx := context.Background()
	// Advance to the point where a prune is pending but unjudged.
	for i := 0; i < 4; i++ {
		require.NoError(t, ctrl.Step(ctx))
	}
	require.Equal(t, 0.0, tracks[2].Weight)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := ctrl.Run(cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	assert.True(t, ctrl.Done())
	assert.Equal(t, 1.0, tracks[2].Weight, "pending prune must be rolled back")
	assert.Equal(t, 3, lib.Len())
}

func TestRecorderReceivesIterations(t *testing.T) {
	tracks := []*clip.Track{
		solvedTrack("a", 0.2, true),
		solvedTrack("b", 0.9, true),
		solvedTrack("c", 1.5, true),
	}
	_, _, ctrl := newSolveFixture(
		[]clip.Reconstruction{valid(1.0), valid(0.7), valid(0.9)},
		Config{MaxIterations: 10, DeleteCount: 1},
		tracks...,
	)
	rec := &captureRecorder{}
	ctrl.SetRecorder(rec)

	require.NoError(t, ctrl.Run(context.Background()))

	require.Len(t, rec.iterations, 3)
	assert.Equal(t, Iteration{Iteration: 0, Error: 1.0, Committed: true}, rec.iterations[0])
	assert.Equal(t, Iteration{Iteration: 1, Error: 0.7, Pruned: 1, Committed: true}, rec.iterations[1])
	assert.Equal(t, Iteration{Iteration: 2, Error: 0.9, Pruned: 1, Reverted: true}, rec.iterations[2])
}

type captureRecorder struct {
	iterations []Iteration
}

func (r *captureRecorder) RecordSolveIteration(it Iteration) error {
	r.iterations = append(r.iterations, it)
	return nil
}

func TestFinalizeDeletesThroughRunContext(t *testing.T) {
	tracks := []*clip.Track{
		solvedTrack("a", 0.2, true),
		solvedTrack("b", 0.9, true),
		solvedTrack("c", 1.5, true),
	}
	_, eng, ctrl := newSolveFixture(
		[]clip.Reconstruction{valid(1.0), valid(0.25)},
		Config{MaxIterations: 10, TargetError: 0.3, DeleteCount: 1},
		tracks...,
	)

	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "run")
	require.NoError(t, ctrl.Run(ctx))

	require.Equal(t, 1, eng.deleteCalls)
	require.NotNil(t, eng.deleteCtx)
	assert.Equal(t, "run", eng.deleteCtx.Value(ctxKey{}))
}

func TestAccessorsDuringRun(t *testing.T) {
	var tracks []*clip.Track
	for i := 0; i < 30; i++ {
		tracks = append(tracks, solvedTrack(fmt.Sprintf("t%d", i), float64(i), true))
	}
	results := make([]clip.Reconstruction, 40)
	for i := range results {
		results[i] = valid(10.0 / float64(i+1))
	}
	_, _, ctrl := newSolveFixture(results, Config{MaxIterations: 20, DeleteCount: 1}, tracks...)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = ctrl.State()
			_ = ctrl.Err()
			_ = ctrl.BestError()
			_ = ctrl.Removed()
			_ = ctrl.History()
		}
	}()

	require.NoError(t, ctrl.Run(context.Background()))
	close(stop)
	wg.Wait()

	assert.True(t, ctrl.Done())
	assert.Len(t, ctrl.History(), 21)
}

func TestBestErrorStartsUnset(t *testing.T) {
	_, _, ctrl := newSolveFixture(nil, Config{}, solvedTrack("a", 0.5, true))
	assert.True(t, math.IsInf(ctrl.BestError(), 1))
}
