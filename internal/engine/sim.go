package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/google/uuid"

	"github.com/motionforge/autotrack/internal/clip"
)

// Sim is a deterministic, seeded stand-in for the real tracking engine.
// It exists so the controllers can be exercised end to end (dev binary,
// tests) without footage: detection scatters features with per-track noise
// profiles, tracking drifts markers forward on every host tick and
// occasionally slips, and solving reports an average error that improves as
// noisy tracks are down-weighted or removed.
type Sim struct {
	lib *clip.Library
	rng *rand.Rand

	// noise holds each simulated track's intrinsic reprojection noise in
	// pixels; it drives AvgError, HasBundle, and slip probability.
	noise map[string]float64

	// tracked counts frames advanced per track since the last TrackMarkers
	// call, for FramesLimit enforcement.
	tracked map[string]int

	// active is the set of track IDs the current track-markers job covers.
	active map[string]bool

	detectCount int
}

// NewSim creates a simulated engine over the given library. The seed fixes
// all stochastic behaviour.
func NewSim(lib *clip.Library, seed int64) *Sim {
	return &Sim{
		lib:     lib,
		rng:     rand.New(rand.NewSource(seed)),
		noise:   make(map[string]float64),
		tracked: make(map[string]int),
		active:  make(map[string]bool),
	}
}

// DetectFeatures scatters new tracks over the frame, each with a marker at
// the current frame and full solve weight. Placement is naive on purpose:
// duplicate-suppression against existing tracks is the caller's job.
func (s *Sim) DetectFeatures(_ context.Context, opts DetectOptions) ([]*clip.Track, error) {
	frame := s.lib.CurrentFrame()
	w := float64(s.lib.Clip.Width)
	h := float64(s.lib.Clip.Height)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("detect features: clip has no pixel dimensions")
	}

	marginX := float64(opts.MarginPx) / w
	marginY := float64(opts.MarginPx) / h

	// Feature count scales inversely with the quality threshold: a lower
	// threshold admits more features.
	count := int(2.0 / math.Max(opts.Threshold, 0.01))
	if count > 24 {
		count = 24
	}
	if count < 6 {
		count = 6
	}

	var out []*clip.Track
	for i := 0; i < count; i++ {
		s.detectCount++
		id := fmt.Sprintf("trk_%s", uuid.NewString())
		t := clip.NewTrack(id, fmt.Sprintf("Track.%04d", s.detectCount))
		t.Selected = true
		t.SetMarker(clip.Marker{
			Frame: frame,
			X:     marginX + (1-2*marginX)*s.rng.Float64(),
			Y:     marginY + (1-2*marginY)*s.rng.Float64(),
		})
		// Heavier tail of noisy features at lower thresholds.
		t.AvgCorrelation = 0.75 + 0.25*s.rng.Float64()
		s.noise[id] = 0.1 + s.rng.ExpFloat64()*0.4
		s.lib.AddTrack(t)
		out = append(out, t)
	}
	return out, nil
}

// TrackMarkers registers the selected, unlocked tracks as the active
// tracking job and returns. Marker advancement happens on Tick.
func (s *Sim) TrackMarkers(_ context.Context, opts TrackOptions) error {
	if opts.Backwards {
		return fmt.Errorf("track markers: backwards tracking not simulated")
	}
	s.active = make(map[string]bool)
	s.tracked = make(map[string]int)
	for _, t := range s.lib.Selected() {
		if t.Locked || t.Hidden {
			continue
		}
		s.active[t.ID] = true
	}
	return nil
}

// Tick advances the playhead one frame and moves every actively tracked
// marker with it. Tracks slip with a probability proportional to their
// intrinsic noise; a slipped track gets a muted marker and stops advancing.
// Throttled tracks (FramesLimit reached) stop silently, matching the real
// tracker's frame-limit behaviour.
func (s *Sim) Tick() int {
	prev := s.lib.CurrentFrame()
	frame := prev + 1
	s.lib.SetCurrentFrame(frame)

	for _, t := range s.lib.Tracks() {
		if !s.active[t.ID] {
			continue
		}
		if t.FramesLimit > 0 && s.tracked[t.ID] >= t.FramesLimit {
			continue
		}
		m, ok := t.MarkerAt(prev)
		if !ok || m.Muted {
			continue
		}
		s.tracked[t.ID]++

		slipped := s.rng.Float64() < s.noise[t.ID]*0.02
		jitter := s.noise[t.ID] / s.lib.Clip.Diagonal()
		t.SetMarker(clip.Marker{
			Frame: frame,
			X:     clamp01(m.X + 0.0004 + s.rng.NormFloat64()*jitter),
			Y:     clamp01(m.Y + s.rng.NormFloat64()*jitter),
			Muted: slipped,
		})
	}
	return frame
}

// SolveCamera derives a reconstruction from all weighted tracks. Tracks
// whose noise is extreme or whose history is too short fail to bundle.
// The average error is the mean intrinsic noise of the weighted, bundled
// tracks, so pruning the worst tracks genuinely lowers it.
func (s *Sim) SolveCamera(_ context.Context) (clip.Reconstruction, error) {
	var weighted []*clip.Track
	for _, t := range s.lib.Tracks() {
		if t.Weight > 0 && !t.Hidden {
			weighted = append(weighted, t)
		}
	}
	if len(weighted) < 8 {
		r := clip.Reconstruction{Valid: false}
		s.lib.SetReconstruction(r)
		return r, nil
	}

	var sum float64
	var bundled int
	for _, t := range weighted {
		noise := s.noise[t.ID]
		hasBundle := t.MarkerCount() >= 5 && noise < 1.5
		s.lib.SetSolveStats(t, noise, hasBundle)
		if hasBundle {
			sum += noise * t.Weight
			bundled++
		}
	}
	if bundled == 0 {
		r := clip.Reconstruction{Valid: false}
		s.lib.SetReconstruction(r)
		return r, nil
	}

	r := clip.Reconstruction{Valid: true, AvgError: sum / float64(bundled)}
	s.lib.SetReconstruction(r)
	return r, nil
}

// FilterByError returns the visible tracks whose reprojection error exceeds
// threshold, worst first.
func (s *Sim) FilterByError(_ context.Context, threshold float64) ([]*clip.Track, error) {
	var out []*clip.Track
	for _, t := range s.lib.Tracks() {
		if t.Hidden {
			continue
		}
		if s.noise[t.ID] > threshold {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return s.noise[out[i].ID] > s.noise[out[j].ID]
	})
	return out, nil
}

// DeleteSelected removes all selected tracks and forgets their simulation
// state.
func (s *Sim) DeleteSelected(_ context.Context) error {
	for _, t := range s.lib.Selected() {
		delete(s.noise, t.ID)
		delete(s.tracked, t.ID)
		delete(s.active, t.ID)
	}
	s.lib.RemoveSelected()
	return nil
}

// SetNoise overrides a track's intrinsic noise. Test hook.
func (s *Sim) SetNoise(trackID string, noise float64) {
	s.noise[trackID] = noise
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
