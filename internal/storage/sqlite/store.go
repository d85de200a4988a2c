// Package sqlite persists session outputs: per-cycle reports, per-iteration
// solve results, and final track records. Controllers keep no state here —
// the store is a write-mostly report sink read back by the monitor server
// and analysis tooling.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/motionforge/autotrack/internal/clip"
	"github.com/motionforge/autotrack/internal/cycle"
	"github.com/motionforge/autotrack/internal/solve"
)

// Store wraps the session database.
type Store struct {
	*sql.DB
}

// Open opens (creating if necessary) the session database at path and
// bootstraps the schema. Use MigrateUp for versioned schema changes beyond
// the baseline.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			clip_width INTEGER,
			clip_height INTEGER,
			frame_start INTEGER,
			frame_end INTEGER,
			started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS cycle_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			frame INTEGER NOT NULL,
			deleted INTEGER NOT NULL,
			stopped INTEGER NOT NULL,
			high_error INTEGER NOT NULL,
			detected INTEGER NOT NULL,
			overlap INTEGER NOT NULL,
			selected INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
		CREATE TABLE IF NOT EXISTS solve_iterations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			iteration INTEGER NOT NULL,
			avg_error DOUBLE NOT NULL,
			pruned INTEGER NOT NULL,
			committed INTEGER NOT NULL,
			reverted INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
		CREATE TABLE IF NOT EXISTS track_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			track_id TEXT NOT NULL,
			name TEXT,
			marker_count INTEGER NOT NULL,
			avg_error DOUBLE NOT NULL,
			has_bundle INTEGER NOT NULL,
			weight DOUBLE NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return &Store{db}, nil
}

// CreateSession records a new session and its clip geometry.
func (s *Store) CreateSession(sessionID string, c clip.Clip) error {
	_, err := s.Exec(
		"INSERT INTO sessions (session_id, clip_width, clip_height, frame_start, frame_end) VALUES (?, ?, ?, ?, ?)",
		sessionID, c.Width, c.Height, c.FrameStart, c.FrameEnd,
	)
	return err
}

// SessionRecorder binds a Store to one session and implements both the
// cycle and solve recorder interfaces.
type SessionRecorder struct {
	store     *Store
	SessionID string
}

// NewSessionRecorder creates a recorder writing under the given session.
func NewSessionRecorder(store *Store, sessionID string) *SessionRecorder {
	return &SessionRecorder{store: store, SessionID: sessionID}
}

// RecordCycle implements cycle.Recorder.
func (r *SessionRecorder) RecordCycle(rep cycle.Report) error {
	_, err := r.store.Exec(
		`INSERT INTO cycle_reports (session_id, cycle, frame, deleted, stopped, high_error, detected, overlap, selected)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, rep.Cycle, rep.Frame, rep.Deleted, rep.Stopped, rep.HighError, rep.Detected, rep.Overlap, rep.Selected,
	)
	return err
}

// RecordSolveIteration implements solve.Recorder.
func (r *SessionRecorder) RecordSolveIteration(it solve.Iteration) error {
	_, err := r.store.Exec(
		`INSERT INTO solve_iterations (session_id, iteration, avg_error, pruned, committed, reverted)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.SessionID, it.Iteration, it.Error, it.Pruned, boolInt(it.Committed), boolInt(it.Reverted),
	)
	return err
}

// RecordTracks writes a final snapshot of every track in the library,
// typically called once after the solve-prune cycle completes.
func (r *SessionRecorder) RecordTracks(lib *clip.Library) error {
	tx, err := r.store.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		`INSERT INTO track_records (session_id, track_id, name, marker_count, avg_error, has_bundle, weight)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, t := range lib.Tracks() {
		if _, err := stmt.Exec(r.SessionID, t.ID, t.Name, t.MarkerCount(), t.AvgError, boolInt(t.HasBundle), t.Weight); err != nil {
			tx.Rollback()
			return fmt.Errorf("record track %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

// CycleReportRow is one persisted cycle report.
type CycleReportRow struct {
	Cycle     int
	Frame     int
	Deleted   int
	Stopped   int
	HighError int
	Detected  int
	Overlap   int
	Selected  int
	CreatedAt time.Time
}

// CycleReports returns a session's cycle reports in cycle order.
func (s *Store) CycleReports(sessionID string) ([]CycleReportRow, error) {
	rows, err := s.Query(
		`SELECT cycle, frame, deleted, stopped, high_error, detected, overlap, selected, created_at
		 FROM cycle_reports WHERE session_id = ? ORDER BY cycle`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleReportRow
	for rows.Next() {
		var r CycleReportRow
		if err := rows.Scan(&r.Cycle, &r.Frame, &r.Deleted, &r.Stopped, &r.HighError, &r.Detected, &r.Overlap, &r.Selected, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SolveErrors returns a session's per-solve average errors in iteration
// order, for the convergence chart.
func (s *Store) SolveErrors(sessionID string) ([]float64, error) {
	rows, err := s.Query(
		"SELECT avg_error FROM solve_iterations WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var e float64
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
