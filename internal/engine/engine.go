// Package engine defines the contract for the opaque tracking-engine
// operations the controllers drive: feature detection, correlation
// tracking, camera solving, error filtering, and track deletion. The
// operations that historically communicated through the shared selection
// set (detect, filter) return their track sets directly instead.
package engine

import (
	"context"

	"github.com/motionforge/autotrack/internal/clip"
)

// Placement restricts where the detector may place new features.
type Placement string

const (
	PlacementFrame       Placement = "frame"
	PlacementInsideMask  Placement = "inside_mask"
	PlacementOutsideMask Placement = "outside_mask"
)

// DetectOptions parameterize one detect-features call.
type DetectOptions struct {
	// Threshold is the detector quality cutoff; lower admits more features.
	Threshold float64
	// MinDistancePx is the minimum pixel distance between placed features.
	MinDistancePx float64
	// MarginPx keeps features away from the image edge.
	MarginPx int
	// Placement restricts the detection region.
	Placement Placement
}

// TrackOptions parameterize one track-markers call.
type TrackOptions struct {
	// Backwards tracks toward the clip start instead of the end.
	Backwards bool
	// Sequence tracks frame-by-frame until each track's throttle or a
	// failure stops it, rather than a single frame step.
	Sequence bool
}

// Engine is the set of engine collaborator operations. All calls are
// blocking from the controller's perspective; TrackMarkers is additionally
// asynchronous relative to the host, advancing markers across subsequent
// host ticks until each selected track hits its FramesLimit.
type Engine interface {
	// DetectFeatures creates new tracks with a marker at the current frame
	// and returns them. The returned tracks are also left selected.
	DetectFeatures(ctx context.Context, opts DetectOptions) ([]*clip.Track, error)

	// TrackMarkers starts advancing markers for all selected, unlocked
	// tracks. It returns once the operation is issued.
	TrackMarkers(ctx context.Context, opts TrackOptions) error

	// SolveCamera recomputes the reconstruction from all tracks with
	// weight > 0, refreshing each track's AvgError and HasBundle.
	SolveCamera(ctx context.Context) (clip.Reconstruction, error)

	// FilterByError returns the tracks whose reprojection error exceeds
	// threshold.
	FilterByError(ctx context.Context, threshold float64) ([]*clip.Track, error)

	// DeleteSelected removes all currently selected tracks from the dataset.
	DeleteSelected(ctx context.Context) error
}
