// Package quality contains the pure track classification and overlap
// suppression rules consumed by the tracking cycle. Both are side-effect
// free: callers apply the verdicts.
package quality

import (
	"math"

	"github.com/motionforge/autotrack/internal/clip"
)

// Verdict is the classification of a single track at a given frame.
type Verdict string

const (
	// Healthy tracks continue tracking unchanged.
	Healthy Verdict = "healthy"
	// Garbage tracks are too short to be useful and should be deleted.
	Garbage Verdict = "garbage"
	// Stop tracks have slipped but carry enough history to keep; they are
	// excluded from further tracking but retained for the solve.
	Stop Verdict = "stop"
)

// Config holds the thresholds the classifier judges against.
type Config struct {
	// RateFrames is the cycle interval: a track old enough to have a marker
	// RateFrames ago has had a full cycle to prove itself.
	RateFrames int
	// MinDurationFrames is the minimum marker count below which a judged
	// track is garbage.
	MinDurationFrames int
}

// Classify judges one track at currentFrame. Hidden and locked tracks are
// never classified; they come back Healthy so callers leave them untouched.
//
// A track is Garbage when it already existed RateFrames ago yet still has
// fewer than MinDurationFrames markers: it survived a full cycle without
// accumulating useful history. A track whose marker at currentFrame (or
// currentFrame-1, tolerating the tracker stopping one frame short) is muted
// has slipped: it is stopped if its history is worth keeping, deleted
// otherwise.
func Classify(t *clip.Track, currentFrame int, cfg Config) Verdict {
	if t.Hidden || t.Locked {
		return Healthy
	}

	if _, ok := t.MarkerAt(currentFrame - cfg.RateFrames); ok {
		if t.MarkerCount() < cfg.MinDurationFrames {
			return Garbage
		}
	}

	m, ok := t.MarkerAt(currentFrame)
	if !ok {
		m, ok = t.MarkerAt(currentFrame - 1)
	}
	if ok && m.Muted {
		if t.MarkerCount() > cfg.MinDurationFrames {
			return Stop
		}
		return Garbage
	}

	return Healthy
}

// SuppressOverlaps compares each newly detected candidate against the
// surviving tracks and returns the candidates placed too close to an
// existing feature. Distances are computed in pixels: normalized marker
// distance scaled by the clip diagonal.
//
// The scan is first-match-wins: once a candidate is within
// minDistancePixels of any survivor it is flagged and the remaining
// survivors are skipped. Survivor order is iteration order, so ties are
// deterministic. O(candidates × survivors); at the expected scale of a few
// hundred tracks no spatial index is warranted.
func SuppressOverlaps(candidates, survivors []*clip.Track, frame int, minDistancePixels, diagonal float64) []*clip.Track {
	var flagged []*clip.Track
	for _, cand := range candidates {
		cm, ok := cand.MarkerAt(frame)
		if !ok {
			continue
		}
		for _, surv := range survivors {
			sm, ok := surv.MarkerAt(frame)
			if !ok {
				sm, ok = surv.MarkerAt(frame - 1)
			}
			if !ok {
				continue
			}
			distance := math.Hypot(cm.X-sm.X, cm.Y-sm.Y) * diagonal
			if distance < minDistancePixels {
				flagged = append(flagged, cand)
				break
			}
		}
	}
	return flagged
}
