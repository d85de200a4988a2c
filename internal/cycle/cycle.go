// Package cycle implements the tracking cycle controller: the state machine
// that repeatedly prunes poor tracks, detects replacement features,
// suppresses spatial duplicates, and hands the surviving selection to the
// asynchronous tracker, suspending between cycles until the host's timer or
// frame-advance triggers fire.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/motionforge/autotrack/internal/clip"
	"github.com/motionforge/autotrack/internal/config"
	"github.com/motionforge/autotrack/internal/engine"
	"github.com/motionforge/autotrack/internal/monitoring"
	"github.com/motionforge/autotrack/internal/quality"
	"github.com/motionforge/autotrack/internal/status"
)

// State is the controller lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateWaiting   State = "waiting"
	StateFinished  State = "finished"
	StateCancelled State = "cancelled"
)

// noTrigger is the nextTrigger sentinel: run a cycle unconditionally on the
// next trigger. Only set before the first cycle.
const noTrigger = -1

// throttleMargin is added to RateFrames when setting each track's
// FramesLimit so the asynchronous tracker runs strictly past the next
// trigger frame instead of stopping exactly one frame short of it.
const throttleMargin = 5

// ErrNoTrackableClip is returned when the controller is started without a
// clip that has pixel dimensions and timeline bounds.
var ErrNoTrackableClip = errors.New("cycle: no trackable clip")

// Config holds one controller instance's tuning values.
type Config struct {
	RateFrames           int
	MinDurationFrames    int
	DetectThreshold      float64
	DetectMinDistancePx  float64
	DetectMarginPx       int
	DetectPlacement      engine.Placement
	FilterErrorThreshold float64
}

// ConfigFromTuning builds a Config from a loaded tuning file.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		RateFrames:           cfg.GetRateFrames(),
		MinDurationFrames:    cfg.GetMinDurationFrames(),
		DetectThreshold:      cfg.GetDetectThreshold(),
		DetectMinDistancePx:  cfg.GetDetectMinDistancePx(),
		DetectMarginPx:       cfg.GetDetectMarginPx(),
		DetectPlacement:      engine.Placement(cfg.GetDetectPlacement()),
		FilterErrorThreshold: cfg.GetFilterErrorThreshold(),
	}
}

// Host delivers the external triggers the controller suspends on. Both
// subscriptions return an unsubscribe func the controller must call on
// every exit path.
type Host interface {
	// SubscribeTimer registers a periodic tick callback.
	SubscribeTimer(fn func()) (unsubscribe func())
	// SubscribeFrameChange registers a playhead-advance callback.
	SubscribeFrameChange(fn func(frame int)) (unsubscribe func())
}

// Recorder persists per-cycle reports. Optional.
type Recorder interface {
	RecordCycle(r Report) error
}

// Report summarizes one completed cycle for persistence and display.
type Report struct {
	Cycle     int
	Frame     int
	Deleted   int // garbage tracks removed
	Stopped   int // slipping tracks retained but stopped
	HighError int // tracks removed by the reprojection error filter
	Detected  int // new candidates from detection
	Overlap   int // candidates removed by overlap suppression
	Selected  int // tracks handed to the tracker
}

// Controller drives the detect/filter/suppress/select/track loop. It is a
// single-threaded cooperative state machine: all mutation happens inside
// Start and the host trigger callbacks, which the host must deliver from
// one goroutine.
type Controller struct {
	lib    *clip.Library
	eng    engine.Engine
	cfg    Config
	events *status.Ring
	rec    Recorder

	// mu guards state, lastErr, and cycles for the monitor's accessors;
	// all other fields are touched only from the trigger goroutine.
	mu sync.RWMutex

	state       State
	nextTrigger int
	frameMoved  bool
	cancelReq   bool
	lastErr     error

	// stopped tracks slipped with enough history to keep; they are excluded
	// from every subsequent selection this controller builds.
	stopped map[*clip.Track]bool

	cycles int

	unsubTimer func()
	unsubFrame func()
}

// New creates an idle controller. events receives the user-facing status
// feed and must not be nil.
func New(lib *clip.Library, eng engine.Engine, cfg Config, events *status.Ring) *Controller {
	return &Controller{
		lib:         lib,
		eng:         eng,
		cfg:         cfg,
		events:      events,
		state:       StateIdle,
		nextTrigger: noTrigger,
		stopped:     make(map[*clip.Track]bool),
	}
}

// SetRecorder attaches an optional per-cycle report sink.
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

// Cycles returns the number of cycles run so far.
func (c *Controller) Cycles() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cycles
}

// setState publishes a state transition. All transitions happen on the
// trigger goroutine; the lock is for the monitor's concurrent reads.
func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start validates preconditions, subscribes to the host's triggers, and
// runs the first cycle immediately. The controller then advances only on
// trigger callbacks until it reaches Finished or Cancelled.
func (c *Controller) Start(ctx context.Context, host Host) error {
	if c.state != StateIdle {
		return fmt.Errorf("cycle: start from state %q", c.state)
	}
	if c.lib.Clip.Width <= 0 || c.lib.Clip.Height <= 0 || c.lib.Clip.FrameEnd <= c.lib.Clip.FrameStart {
		return ErrNoTrackableClip
	}

	c.unsubTimer = host.SubscribeTimer(func() { c.onTimer(ctx) })
	c.unsubFrame = host.SubscribeFrameChange(func(int) { c.onFrameChange() })

	c.setState(StateRunning)
	c.nextTrigger = noTrigger
	c.events.Infof("auto track started at frame %d", c.lib.CurrentFrame())

	if err := c.runCycle(ctx); err != nil {
		c.fail(err)
		return err
	}
	c.setState(StateWaiting)
	return nil
}

// Cancel requests cooperative cancellation. It is observed at the next
// trigger, not preemptively.
func (c *Controller) Cancel() { c.cancelReq = true }

// onFrameChange records that the playhead moved. The work happens on the
// timer trigger; this keeps the frame-advance path cheap enough to run from
// the host's playback loop.
func (c *Controller) onFrameChange() {
	if c.state == StateWaiting || c.state == StateRunning {
		c.frameMoved = true
	}
}

// onTimer is the main trigger. In order: observe cancellation, check for
// clip end, then run a cycle if the playhead has reached the re-detect
// frame (one-frame tolerance) or the trigger sentinel is unset. Triggers
// that find the tracker mid-flight pass through untouched.
func (c *Controller) onTimer(ctx context.Context) {
	if c.state != StateWaiting && c.state != StateRunning {
		return
	}
	if c.cancelReq {
		c.finalize(StateCancelled, "auto track cancelled")
		return
	}

	cur := c.lib.CurrentFrame()
	if cur >= c.lib.Clip.FrameEnd {
		c.finalize(StateFinished, fmt.Sprintf("end of clip reached at frame %d", cur))
		return
	}

	due := c.nextTrigger == noTrigger
	if !due && c.frameMoved && cur >= c.nextTrigger-1 {
		due = true
	}
	if !due {
		return
	}
	c.frameMoved = false

	c.setState(StateRunning)
	if err := c.runCycle(ctx); err != nil {
		c.fail(err)
		return
	}
	c.setState(StateWaiting)
}

// runCycle executes one detect→filter→suppress→select→track iteration at
// the current frame.
func (c *Controller) runCycle(ctx context.Context) error {
	cur := c.lib.CurrentFrame()
	c.mu.Lock()
	c.cycles++
	c.mu.Unlock()
	qcfg := quality.Config{RateFrames: c.cfg.RateFrames, MinDurationFrames: c.cfg.MinDurationFrames}
	report := Report{Cycle: c.cycles, Frame: cur}

	// Step 1: classify every unlocked, visible track.
	var toDelete, toStop []*clip.Track
	for _, t := range c.lib.Tracks() {
		if t.Hidden || t.Locked {
			continue
		}
		switch quality.Classify(t, cur, qcfg) {
		case quality.Garbage:
			toDelete = append(toDelete, t)
		case quality.Stop:
			toStop = append(toStop, t)
		}
	}

	// Step 2: delete the garbage batch.
	if len(toDelete) > 0 {
		c.lib.SelectOnly(toDelete)
		if err := c.eng.DeleteSelected(ctx); err != nil {
			return fmt.Errorf("delete short tracks: %w", err)
		}
		c.lib.DeselectAll()
		report.Deleted = len(toDelete)
		c.events.Infof("cycle %d: deleted %d short or slipping tracks", c.cycles, len(toDelete))
	}

	// Step 3: stop slipping tracks with useful history. They keep their
	// markers for the solve but are excluded from every later selection.
	for _, t := range toStop {
		c.stopped[t] = true
	}
	if len(toStop) > 0 {
		report.Stopped = len(toStop)
		c.events.Infof("cycle %d: stopped %d slipping tracks", c.cycles, len(toStop))
	}

	// Step 4: reprojection error filter, when enabled.
	if c.cfg.FilterErrorThreshold > 0 {
		bad, err := c.eng.FilterByError(ctx, c.cfg.FilterErrorThreshold)
		if err != nil {
			return fmt.Errorf("filter high-error tracks: %w", err)
		}
		if len(bad) > 0 {
			c.lib.SelectOnly(bad)
			if err := c.eng.DeleteSelected(ctx); err != nil {
				return fmt.Errorf("delete high-error tracks: %w", err)
			}
			c.lib.DeselectAll()
			report.HighError = len(bad)
			c.events.Infof("cycle %d: deleted %d high-error tracks", c.cycles, len(bad))
		}
	}

	// Step 5: detect replacement features.
	c.lib.DeselectAll()
	candidates, err := c.eng.DetectFeatures(ctx, engine.DetectOptions{
		Threshold:     c.cfg.DetectThreshold,
		MinDistancePx: c.cfg.DetectMinDistancePx,
		MarginPx:      c.cfg.DetectMarginPx,
		Placement:     c.cfg.DetectPlacement,
	})
	if err != nil {
		return fmt.Errorf("detect features: %w", err)
	}
	report.Detected = len(candidates)

	// Step 6: build the survivor set and suppress overlapping candidates.
	isCandidate := make(map[*clip.Track]bool, len(candidates))
	for _, t := range candidates {
		isCandidate[t] = true
	}
	var survivors []*clip.Track
	for _, t := range c.lib.Tracks() {
		if t.Hidden || isCandidate[t] || c.stopped[t] {
			continue
		}
		if !hasMarkerNear(t, cur) {
			continue
		}
		survivors = append(survivors, t)
	}
	flagged := quality.SuppressOverlaps(candidates, survivors, cur, c.cfg.DetectMinDistancePx, c.lib.Clip.Diagonal())
	if len(flagged) > 0 {
		c.lib.SelectOnly(flagged)
		if err := c.eng.DeleteSelected(ctx); err != nil {
			return fmt.Errorf("delete overlapping tracks: %w", err)
		}
		c.lib.DeselectAll()
		report.Overlap = len(flagged)
		c.events.Infof("cycle %d: suppressed %d overlapping features", c.cycles, len(flagged))
	}
	removed := make(map[*clip.Track]bool, len(flagged))
	for _, t := range flagged {
		removed[t] = true
	}

	// Step 7: continuation selection — every visible, unlocked track that
	// is still live at the playhead, plus the surviving candidates.
	var selection []*clip.Track
	for _, t := range c.lib.Tracks() {
		if t.Hidden || t.Locked || c.stopped[t] || removed[t] {
			continue
		}
		if isCandidate[t] || hasLiveMarkerNear(t, cur) {
			selection = append(selection, t)
		}
	}
	c.lib.SelectOnly(selection)
	report.Selected = len(selection)

	// Step 8: throttle each selected track past the next trigger frame.
	for _, t := range selection {
		t.FramesLimit = c.cfg.RateFrames + throttleMargin
	}

	// Step 9: arm the next trigger.
	c.nextTrigger = cur + c.cfg.RateFrames
	monitoring.Logf("cycle %d at frame %d: %d selected, next detect at frame %d",
		c.cycles, cur, len(selection), c.nextTrigger)
	c.events.Infof("cycle %d: tracking %d features forward (next detect frame %d)",
		c.cycles, len(selection), c.nextTrigger)

	if c.rec != nil {
		if err := c.rec.RecordCycle(report); err != nil {
			monitoring.Logf("cycle %d: record report: %v", c.cycles, err)
		}
	}

	// Step 10: hand off to the asynchronous tracker and suspend.
	if err := c.eng.TrackMarkers(ctx, engine.TrackOptions{Sequence: true}); err != nil {
		return fmt.Errorf("track markers: %w", err)
	}
	return nil
}

// fail terminates the controller on an engine-call failure, running the
// same finalization path as cancel so subscriptions are always released.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.events.Errorf("auto track failed: %v", err)
	c.finalize(StateCancelled, "auto track aborted")
}

// finalize is the single exit routine reached from every terminal
// transition: normal finish, cancel, and fatal failure. It resets the
// tracker throttle on every track and releases both host subscriptions.
func (c *Controller) finalize(s State, msg string) {
	if c.state == StateFinished || c.state == StateCancelled {
		return
	}
	c.setState(s)

	c.lib.ResetFrameLimits()

	if c.unsubTimer != nil {
		c.unsubTimer()
		c.unsubTimer = nil
	}
	if c.unsubFrame != nil {
		c.unsubFrame()
		c.unsubFrame = nil
	}

	c.events.Infof("%s after %d cycles", msg, c.cycles)
	monitoring.Logf("auto track: %s (%d cycles)", msg, c.cycles)
}

// hasMarkerNear reports a marker at frame or frame-1.
func hasMarkerNear(t *clip.Track, frame int) bool {
	if _, ok := t.MarkerAt(frame); ok {
		return true
	}
	_, ok := t.MarkerAt(frame - 1)
	return ok
}

// hasLiveMarkerNear reports an unmuted marker at frame or frame-1.
func hasLiveMarkerNear(t *clip.Track, frame int) bool {
	if m, ok := t.MarkerAt(frame); ok && !m.Muted {
		return true
	}
	m, ok := t.MarkerAt(frame - 1)
	return ok && !m.Muted
}
