package clip

import "sort"

// Track is a persistent feature identity followed across frames. Tracks are
// created by the detection engine, advanced by the correlation tracker, and
// destroyed only through an explicit delete-selected engine call.
//
// Selection, Weight, and FramesLimit are scratch state owned by whichever
// controller is currently running over the library; no two controllers run
// concurrently over the same library.
type Track struct {
	ID   string
	Name string

	Hidden   bool
	Locked   bool
	Selected bool

	// Weight gates participation in the camera solve; 0 excludes the track
	// from the next solve entirely. Range [0, 1].
	Weight float64

	// FramesLimit throttles the asynchronous tracker: the engine stops
	// advancing this track once it has tracked this many frames past the
	// point where tracking started. 0 means unlimited.
	FramesLimit int

	// Solver outputs, refreshed on every solve.
	AvgCorrelation float64
	AvgError       float64
	HasBundle      bool

	markers map[int]Marker
}

// NewTrack creates an empty track with the given identity and full solve
// weight.
func NewTrack(id, name string) *Track {
	return &Track{
		ID:      id,
		Name:    name,
		Weight:  1,
		markers: make(map[int]Marker),
	}
}

// MarkerAt returns the marker keyed at exactly the given frame.
func (t *Track) MarkerAt(frame int) (Marker, bool) {
	m, ok := t.markers[frame]
	return m, ok
}

// SetMarker inserts or replaces the marker for m.Frame. The one-marker-per-
// frame invariant is enforced by the map key.
func (t *Track) SetMarker(m Marker) {
	if t.markers == nil {
		t.markers = make(map[int]Marker)
	}
	t.markers[m.Frame] = m
}

// DeleteMarker removes the marker at the given frame, if any.
func (t *Track) DeleteMarker(frame int) {
	delete(t.markers, frame)
}

// MarkerCount returns the number of frames this track has markers on.
func (t *Track) MarkerCount() int {
	return len(t.markers)
}

// MarkerFrames returns the marker frame numbers in ascending order.
func (t *Track) MarkerFrames() []int {
	frames := make([]int, 0, len(t.markers))
	for f := range t.markers {
		frames = append(frames, f)
	}
	sort.Ints(frames)
	return frames
}

// LastFrame returns the highest frame carrying a marker, or FrameStart-like
// zero value if the track has no markers. The second return reports whether
// any marker exists.
func (t *Track) LastFrame() (int, bool) {
	last := 0
	found := false
	for f := range t.markers {
		if !found || f > last {
			last = f
			found = true
		}
	}
	return last, found
}
