package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/motionforge/autotrack/internal/clip"
	"github.com/motionforge/autotrack/internal/config"
	"github.com/motionforge/autotrack/internal/cycle"
	"github.com/motionforge/autotrack/internal/engine"
	"github.com/motionforge/autotrack/internal/monitor"
	"github.com/motionforge/autotrack/internal/solve"
	"github.com/motionforge/autotrack/internal/status"
	sqlite "github.com/motionforge/autotrack/internal/storage/sqlite"
	"github.com/motionforge/autotrack/internal/version"
)

var (
	dbFile     = flag.String("db", "autotrack.db", "Path to SQLite session database")
	configPath = flag.String("config", "", "Path to tuning config JSON (defaults baked in)")
	listen     = flag.String("listen", ":8080", "Listen address for the monitor server")
	width      = flag.Int("width", 1920, "Clip width in pixels")
	height     = flag.Int("height", 1080, "Clip height in pixels")
	frames     = flag.Int("frames", 250, "Clip length in frames")
	seed       = flag.Int64("seed", 1, "Seed for the simulated tracking engine")
	tickMs     = flag.Int("tick", 20, "Playback tick interval in milliseconds")
	migrate    = flag.Bool("migrate", false, "Run pending schema migrations and exit")
)

// playHost drives the tracking controller the way an editor playback loop
// would: a periodic timer tick plus a frame-change notification whenever
// the playhead advances. Callbacks fire on the loop goroutine only.
type playHost struct {
	mu       sync.Mutex
	timerFns map[int]func()
	frameFns map[int]func(frame int)
	nextID   int
}

func newPlayHost() *playHost {
	return &playHost{
		timerFns: make(map[int]func()),
		frameFns: make(map[int]func(frame int)),
	}
}

func (h *playHost) SubscribeTimer(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.timerFns[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.timerFns, id)
	}
}

func (h *playHost) SubscribeFrameChange(fn func(frame int)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.frameFns[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.frameFns, id)
	}
}

func (h *playHost) fireFrameChange(frame int) {
	h.mu.Lock()
	fns := make([]func(int), 0, len(h.frameFns))
	for _, fn := range h.frameFns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(frame)
	}
}

func (h *playHost) fireTimer() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.timerFns))
	for _, fn := range h.timerFns {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func loadTuning() (*config.TuningConfig, error) {
	if *configPath != "" {
		return config.LoadTuningConfig(*configPath)
	}
	return config.MustLoadDefaultConfig(), nil
}

func run() error {
	tuning, err := loadTuning()
	if err != nil {
		return fmt.Errorf("load tuning config: %w", err)
	}
	if err := tuning.Validate(); err != nil {
		return fmt.Errorf("invalid tuning config: %w", err)
	}

	store, err := sqlite.Open(*dbFile)
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	defer store.Close()

	if *migrate {
		if err := store.MigrateUp("migrations"); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		log.Printf("migrations applied")
		return nil
	}

	lib := clip.NewLibrary(clip.Clip{
		Width:      *width,
		Height:     *height,
		FrameStart: 1,
		FrameEnd:   *frames,
	})
	lib.SetCurrentFrame(1)

	sim := engine.NewSim(lib, *seed)
	events := status.NewRing(status.DefaultCapacity)

	sessionID := uuid.New().String()
	if err := store.CreateSession(sessionID, lib.Clip); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	recorder := sqlite.NewSessionRecorder(store, sessionID)
	log.Printf("session %s: %dx%d clip, frames %d..%d", sessionID, *width, *height, 1, *frames)

	tracker := cycle.New(lib, sim, cycle.ConfigFromTuning(tuning), events)
	tracker.SetRecorder(recorder)
	solver := solve.New(lib, sim, solve.ConfigFromTuning(tuning), events)
	solver.SetRecorder(recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First SIGINT cancels the tracker cooperatively; second one pulls the
	// plug on everything.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("interrupt: cancelling tracking")
		tracker.Cancel()
		<-sigCh
		log.Printf("second interrupt: shutting down")
		cancel()
	}()

	ws := monitor.NewWebServer(monitor.WebServerConfig{
		Address: *listen,
		Library: lib,
		Ring:    events,
		Tracker: tracker,
		Solver:  solver,
	})
	go ws.Start(ctx)

	host := newPlayHost()
	if err := tracker.Start(ctx, host); err != nil {
		return fmt.Errorf("start tracking: %w", err)
	}

	ticker := time.NewTicker(time.Duration(*tickMs) * time.Millisecond)
	defer ticker.Stop()

playback:
	for tracker.State() == cycle.StateWaiting || tracker.State() == cycle.StateRunning {
		select {
		case <-ctx.Done():
			tracker.Cancel()
			host.fireTimer()
			break playback
		case <-ticker.C:
			frame := sim.Tick()
			host.fireFrameChange(frame)
			host.fireTimer()
		}
	}

	log.Printf("tracking %s after %d cycles", tracker.State(), tracker.Cycles())
	if err := tracker.Err(); err != nil {
		return fmt.Errorf("tracking failed: %w", err)
	}

	if err := solver.Run(ctx); err != nil {
		if ctx.Err() != nil {
			log.Printf("solve cancelled: %v", err)
		} else {
			return fmt.Errorf("solve failed: %w", err)
		}
	} else {
		log.Printf("solve done: best error %.4fpx, %d tracks pruned", solver.BestError(), solver.Removed())
	}

	if err := recorder.RecordTracks(lib); err != nil {
		return fmt.Errorf("record final tracks: %w", err)
	}
	log.Printf("session %s recorded: %d tracks survive", sessionID, lib.Len())
	return nil
}

func main() {
	flag.Parse()
	log.Printf("autotrack %s", version.String())
	if err := run(); err != nil {
		log.Fatalf("autotrack: %v", err)
	}
}
