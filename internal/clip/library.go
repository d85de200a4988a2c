package clip

import "sync"

// Library is the live track dataset for one clip. It keeps tracks in
// insertion order (detection order), which is also the iteration order the
// overlap suppressor and prune ranking rely on for deterministic tie-breaks.
//
// The mutex guards the collection, the frame cursor, and the solver
// outputs published via SetSolveStats, so the monitor server can take
// snapshots while a controller is running. The remaining Track fields
// (selection, weight, throttle, markers) are owned by the single active
// controller and must not be read from other goroutines; the monitor reads
// them only through TrackStats.
type Library struct {
	mu sync.RWMutex

	Clip   Clip
	tracks []*Track

	currentFrame int
	recon        Reconstruction
}

// NewLibrary creates an empty library positioned at the clip's first frame.
func NewLibrary(c Clip) *Library {
	return &Library{Clip: c, currentFrame: c.FrameStart}
}

// AddTrack appends a track to the library.
func (l *Library) AddTrack(t *Track) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracks = append(l.tracks, t)
}

// Tracks returns the track slice in insertion order. The slice is a copy;
// the pointed-to tracks are shared.
func (l *Library) Tracks() []*Track {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Track, len(l.tracks))
	copy(out, l.tracks)
	return out
}

// Len returns the number of tracks.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tracks)
}

// CurrentFrame returns the playhead position.
func (l *Library) CurrentFrame() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentFrame
}

// SetCurrentFrame moves the playhead. Called by the host on frame advance.
func (l *Library) SetCurrentFrame(frame int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentFrame = frame
}

// Reconstruction returns the most recent solver output.
func (l *Library) Reconstruction() Reconstruction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.recon
}

// SetReconstruction stores a new solver output. Called by the engine.
func (l *Library) SetReconstruction(r Reconstruction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recon = r
}

// DeselectAll clears the selection flag on every track.
func (l *Library) DeselectAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tracks {
		t.Selected = false
	}
}

// SelectOnly selects exactly the given tracks and deselects every other.
func (l *Library) SelectOnly(tracks []*Track) {
	want := make(map[*Track]bool, len(tracks))
	for _, t := range tracks {
		want[t] = true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tracks {
		t.Selected = want[t]
	}
}

// Selected returns the currently selected tracks in insertion order.
func (l *Library) Selected() []*Track {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Track
	for _, t := range l.tracks {
		if t.Selected {
			out = append(out, t)
		}
	}
	return out
}

// RemoveSelected removes every selected track from the library and returns
// the number removed. This is the library half of the engine's
// delete-selected operation.
func (l *Library) RemoveSelected() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.tracks[:0]
	removed := 0
	for _, t := range l.tracks {
		if t.Selected {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	// Zero the tail so removed tracks are not retained by the backing array.
	for i := len(kept); i < len(l.tracks); i++ {
		l.tracks[i] = nil
	}
	l.tracks = kept
	return removed
}

// ResetFrameLimits clears the tracker throttle on every track so manual
// tracking behaves normally after a cycle is cancelled.
func (l *Library) ResetFrameLimits() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tracks {
		t.FramesLimit = 0
	}
}

// TrackStat is a value copy of one track's solver outputs for readers
// outside the controller goroutine.
type TrackStat struct {
	ID        string
	Name      string
	AvgError  float64
	HasBundle bool
}

// TrackStats returns value snapshots of every track's solver outputs.
// Solver outputs are published through SetSolveStats, so snapshots taken
// here never observe a half-written update.
func (l *Library) TrackStats() []TrackStat {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TrackStat, 0, len(l.tracks))
	for _, t := range l.tracks {
		out = append(out, TrackStat{ID: t.ID, Name: t.Name, AvgError: t.AvgError, HasBundle: t.HasBundle})
	}
	return out
}

// SetSolveStats publishes a track's per-solve outputs under the library
// lock. Engines must write AvgError and HasBundle through this rather than
// assigning the fields directly.
func (l *Library) SetSolveStats(t *Track, avgError float64, hasBundle bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t.AvgError = avgError
	t.HasBundle = hasBundle
}
