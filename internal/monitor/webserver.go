// Package monitor exposes a small HTTP interface for observing an
// autotrack session: live status events, track error statistics, and a
// debug chart of solve convergence.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/motionforge/autotrack/internal/clip"
	"github.com/motionforge/autotrack/internal/cycle"
	"github.com/motionforge/autotrack/internal/monitoring"
	"github.com/motionforge/autotrack/internal/solve"
	"github.com/motionforge/autotrack/internal/status"
	"github.com/motionforge/autotrack/internal/version"
)

// WebServer handles the HTTP interface for monitoring a tracking session.
type WebServer struct {
	address string
	library *clip.Library
	ring    *status.Ring
	tracker *cycle.Controller
	solver  *solve.Controller
	server  *http.Server
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address string
	Library *clip.Library
	Ring    *status.Ring
	Tracker *cycle.Controller
	Solver  *solve.Controller
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address: config.Address,
		library: config.Library,
		ring:    config.Ring,
		tracker: config.Tracker,
		solver:  config.Solver,
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}

	return ws
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/session", ws.handleSession)
	mux.HandleFunc("/debug/convergence", ws.handleConvergence)

	return mux
}

// Handler returns the configured HTTP handler. Useful for tests.
func (ws *WebServer) Handler() http.Handler {
	return ws.server.Handler
}

// Start begins the HTTP server in a goroutine and shuts it down when the
// context is cancelled.
func (ws *WebServer) Start(ctx context.Context) error {
	go func() {
		monitoring.Logf("starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Logf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}

	return nil
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, statusCode int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": version.String()})
}

// handleStatus reports the controller states and the recent status events.
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed; use GET")
		return
	}

	resp := struct {
		TrackerState string         `json:"tracker_state,omitempty"`
		SolverState  string         `json:"solver_state,omitempty"`
		CurrentFrame int            `json:"current_frame"`
		Events       []status.Event `json:"events"`
	}{
		CurrentFrame: ws.library.CurrentFrame(),
		Events:       ws.ring.Snapshot(),
	}
	if ws.tracker != nil {
		resp.TrackerState = string(ws.tracker.State())
	}
	if ws.solver != nil {
		resp.SolverState = string(ws.solver.State())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// TrackErrorSummary describes the distribution of per-track reprojection
// errors across the current track set.
type TrackErrorSummary struct {
	TrackCount    int     `json:"track_count"`
	BundledCount  int     `json:"bundled_count"`
	MeanError     float64 `json:"mean_error"`
	StdDevError   float64 `json:"stddev_error"`
	MedianError   float64 `json:"median_error"`
	P90Error      float64 `json:"p90_error"`
	MaxError      float64 `json:"max_error"`
	SolveValid    bool    `json:"solve_valid"`
	SolveAvgError float64 `json:"solve_avg_error"`
}

// handleSession summarises the current session: track counts and the
// distribution of per-track errors from the last solve.
func (ws *WebServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed; use GET")
		return
	}

	stats := ws.library.TrackStats()
	errors := make([]float64, 0, len(stats))
	bundled := 0
	for _, st := range stats {
		if !st.HasBundle {
			continue
		}
		bundled++
		errors = append(errors, st.AvgError)
	}

	summary := TrackErrorSummary{
		TrackCount:   len(stats),
		BundledCount: bundled,
	}

	recon := ws.library.Reconstruction()
	summary.SolveValid = recon.Valid
	summary.SolveAvgError = recon.AvgError

	if len(errors) > 0 {
		sort.Float64s(errors)
		summary.MeanError = stat.Mean(errors, nil)
		summary.StdDevError = stat.StdDev(errors, nil)
		summary.MedianError = stat.Quantile(0.5, stat.Empirical, errors, nil)
		summary.P90Error = stat.Quantile(0.9, stat.Empirical, errors, nil)
		summary.MaxError = errors[len(errors)-1]
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}
