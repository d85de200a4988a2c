package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/motionforge/autotrack/internal/clip"
	"github.com/motionforge/autotrack/internal/cycle"
	"github.com/motionforge/autotrack/internal/solve"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testClip() clip.Clip {
	return clip.Clip{Width: 1920, Height: 1080, FrameStart: 1, FrameEnd: 250}
}

func TestOpenBootstrapsSchema(t *testing.T) {
	store := openTestStore(t)

	for _, table := range []string{"sessions", "cycle_reports", "solve_iterations", "track_records"} {
		var name string
		err := store.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestCreateSession(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.CreateSession("sess-1", testClip()))

	var width, frameEnd int
	err := store.QueryRow(
		"SELECT clip_width, frame_end FROM sessions WHERE session_id = ?", "sess-1",
	).Scan(&width, &frameEnd)
	require.NoError(t, err)
	assert.Equal(t, 1920, width)
	assert.Equal(t, 250, frameEnd)

	// Session IDs are unique.
	assert.Error(t, store.CreateSession("sess-1", testClip()))
}

func TestRecordCycleRoundTrip(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.CreateSession("sess-1", testClip()))
	rec := NewSessionRecorder(store, "sess-1")

	reports := []cycle.Report{
		{Cycle: 1, Frame: 1, Detected: 20, Selected: 20},
		{Cycle: 2, Frame: 31, Deleted: 3, Stopped: 1, HighError: 2, Detected: 18, Overlap: 4, Selected: 28},
	}
	for _, rep := range reports {
		require.NoError(t, rec.RecordCycle(rep))
	}

	rows, err := store.CycleReports("sess-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 1, rows[0].Cycle)
	assert.Equal(t, 20, rows[0].Detected)
	assert.Equal(t, 2, rows[1].Cycle)
	assert.Equal(t, 31, rows[1].Frame)
	assert.Equal(t, 3, rows[1].Deleted)
	assert.Equal(t, 1, rows[1].Stopped)
	assert.Equal(t, 2, rows[1].HighError)
	assert.Equal(t, 4, rows[1].Overlap)
	assert.Equal(t, 28, rows[1].Selected)
	assert.False(t, rows[1].CreatedAt.IsZero())
}

func TestCycleReportsScopedToSession(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.CreateSession("sess-1", testClip()))
	require.NoError(t, store.CreateSession("sess-2", testClip()))

	require.NoError(t, NewSessionRecorder(store, "sess-1").RecordCycle(cycle.Report{Cycle: 1, Frame: 1}))
	require.NoError(t, NewSessionRecorder(store, "sess-2").RecordCycle(cycle.Report{Cycle: 1, Frame: 1}))
	require.NoError(t, NewSessionRecorder(store, "sess-2").RecordCycle(cycle.Report{Cycle: 2, Frame: 31}))

	rows, err := store.CycleReports("sess-2")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRecordSolveIterationsAndErrors(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.CreateSession("sess-1", testClip()))
	rec := NewSessionRecorder(store, "sess-1")

	iterations := []solve.Iteration{
		{Iteration: 0, Error: 1.2, Committed: true},
		{Iteration: 1, Error: 0.8, Pruned: 2, Committed: true},
		{Iteration: 2, Error: 0.9, Pruned: 1, Reverted: true},
	}
	for _, it := range iterations {
		require.NoError(t, rec.RecordSolveIteration(it))
	}

	errors, err := store.SolveErrors("sess-1")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.2, 0.8, 0.9}, errors)

	var committed, reverted int
	require.NoError(t, store.QueryRow(
		"SELECT committed, reverted FROM solve_iterations WHERE iteration = 2",
	).Scan(&committed, &reverted))
	assert.Equal(t, 0, committed)
	assert.Equal(t, 1, reverted)
}

func TestRecordTracks(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.CreateSession("sess-1", testClip()))
	rec := NewSessionRecorder(store, "sess-1")

	lib := clip.NewLibrary(testClip())
	a := clip.NewTrack("trk_a", "Track.0001")
	for f := 1; f <= 40; f++ {
		a.SetMarker(clip.Marker{Frame: f, X: 0.5, Y: 0.5})
	}
	a.AvgError = 0.42
	a.HasBundle = true
	lib.AddTrack(a)

	b := clip.NewTrack("trk_b", "Track.0002")
	b.Weight = 0
	lib.AddTrack(b)

	require.NoError(t, rec.RecordTracks(lib))

	var count int
	require.NoError(t, store.QueryRow(
		"SELECT COUNT(*) FROM track_records WHERE session_id = ?", "sess-1",
	).Scan(&count))
	assert.Equal(t, 2, count)

	var markerCount, hasBundle int
	var avgError, weight float64
	require.NoError(t, store.QueryRow(
		"SELECT marker_count, avg_error, has_bundle, weight FROM track_records WHERE track_id = ?", "trk_a",
	).Scan(&markerCount, &avgError, &hasBundle, &weight))
	assert.Equal(t, 40, markerCount)
	assert.Equal(t, 0.42, avgError)
	assert.Equal(t, 1, hasBundle)
	assert.Equal(t, 1.0, weight)
}

func TestEmptyQueriesReturnNil(t *testing.T) {
	store := openTestStore(t)

	rows, err := store.CycleReports("absent")
	require.NoError(t, err)
	assert.Empty(t, rows)

	errors, err := store.SolveErrors("absent")
	require.NoError(t, err)
	assert.Empty(t, errors)
}
