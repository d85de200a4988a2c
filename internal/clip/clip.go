// Package clip holds the in-memory footage dataset the controllers operate
// on: the clip geometry, the track collection, and the most recent camera
// reconstruction. The engine owns track creation and marker advancement;
// the controllers own selection, weight, and throttle state.
package clip

import "math"

// Marker is a track's observed 2D position on a single frame. Coordinates
// are in normalized image space ([0,1] on each axis). A muted marker is one
// the correlation tracker lost confidence in.
type Marker struct {
	Frame int
	X     float64
	Y     float64
	Muted bool
}

// Clip describes the footage geometry and timeline bounds.
type Clip struct {
	Width      int
	Height     int
	FrameStart int
	FrameEnd   int
}

// Diagonal returns the pixel length of the image diagonal. Normalized
// marker distances are multiplied by this to obtain pixel distances.
func (c Clip) Diagonal() float64 {
	return math.Hypot(float64(c.Width), float64(c.Height))
}

// Reconstruction is the camera solver's most recent output. AvgError is the
// average reprojection error across all weighted tracks, in pixels.
type Reconstruction struct {
	Valid    bool
	AvgError float64
}
