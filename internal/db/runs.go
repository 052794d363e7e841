package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lanecount/internal/crossing"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run status values.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// Run is one pass of the counter over a region source.
type Run struct {
	RunID         string     `json:"run_id"`
	Source        string     `json:"source"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Frames        int64      `json:"frames"`
	SkippedFrames int64      `json:"skipped_frames"`
	Total         int        `json:"total"`
	Status        string     `json:"status"`
}

// EventRecord is a stored crossing event.
type EventRecord struct {
	EventID    int64     `json:"event_id"`
	RunID      string    `json:"run_id"`
	FrameIndex int64     `json:"frame_index"`
	TrackID    int       `json:"track_id"`
	Label      string    `json:"label"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Event converts the record back to a crossing event.
func (e EventRecord) Event() crossing.Event {
	return crossing.Event{TrackID: e.TrackID, Label: e.Label, Frame: e.FrameIndex}
}

// RunSummary closes a run.
type RunSummary struct {
	Frames        int64
	SkippedFrames int64
	Counters      crossing.Counters
	Status        string
	FinishedAt    time.Time
}

// StartRun inserts a new running row and returns its id.
func (db *DB) StartRun(ctx context.Context, source string, startedAt time.Time) (string, error) {
	runID := uuid.NewString()
	_, err := db.ExecContext(ctx,
		`INSERT INTO count_runs (run_id, source, started_at, status) VALUES (?, ?, ?, ?)`,
		runID, source, startedAt.UnixNano(), RunRunning,
	)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return runID, nil
}

// RecordEvents appends events for a run in a single transaction.
func (db *DB) RecordEvents(ctx context.Context, runID string, recordedAt time.Time, events []crossing.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO crossing_events (run_id, frame_index, track_id, label, recorded_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	ts := recordedAt.UnixNano()
	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, runID, e.Frame, e.TrackID, e.Label, ts); err != nil {
			return fmt.Errorf("failed to insert event (track %d, %s): %w", e.TrackID, e.Label, err)
		}
	}
	return tx.Commit()
}

// FinishRun stores the final counters and marks the run finished.
func (db *DB) FinishRun(ctx context.Context, runID string, s RunSummary) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	status := s.Status
	if status == "" {
		status = RunCompleted
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE count_runs SET finished_at = ?, frames = ?, skipped_frames = ?, total = ?, status = ? WHERE run_id = ?`,
		s.FinishedAt.UnixNano(), s.Frames, s.SkippedFrames, s.Counters.Total, status, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	for _, label := range s.Counters.Labels() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_counts (run_id, label, count) VALUES (?, ?, ?)
			 ON CONFLICT (run_id, label) DO UPDATE SET count = excluded.count`,
			runID, label, s.Counters.Count(label),
		); err != nil {
			return fmt.Errorf("failed to store count for %q: %w", label, err)
		}
	}
	return tx.Commit()
}

func scanRun(scan func(dest ...any) error) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
	)
	if err := scan(&r.RunID, &r.Source, &started, &finished, &r.Frames, &r.SkippedFrames, &r.Total, &r.Status); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &t
	}
	return r, nil
}

const runColumns = `run_id, source, started_at, finished_at, frames, skipped_frames, total, status`

// GetRun returns a single run.
func (db *DB) GetRun(ctx context.Context, runID string) (Run, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM count_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// ListRuns returns the most recent runs first. A non-positive limit returns
// up to 100.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM count_runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunCounts returns the stored counters for a finished run. A run that is
// still in progress returns counters derived from its recorded events.
func (db *DB) RunCounts(ctx context.Context, runID string) (crossing.Counters, error) {
	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return crossing.Counters{}, err
	}

	query := `SELECT label, count FROM run_counts WHERE run_id = ?`
	if run.Status == RunRunning {
		query = `SELECT label, COUNT(*) FROM crossing_events WHERE run_id = ? GROUP BY label`
	}
	rows, err := db.QueryContext(ctx, query, runID)
	if err != nil {
		return crossing.Counters{}, err
	}
	defer rows.Close()

	c := crossing.Counters{ByLabel: map[string]int{}}
	for rows.Next() {
		var (
			label string
			n     int
		)
		if err := rows.Scan(&label, &n); err != nil {
			return crossing.Counters{}, err
		}
		c.ByLabel[label] = n
		c.Total += n
	}
	return c, rows.Err()
}

// ListEvents returns a run's events in frame order. A non-positive limit
// returns all of them.
func (db *DB) ListEvents(ctx context.Context, runID string, limit int) ([]EventRecord, error) {
	query := `SELECT event_id, run_id, frame_index, track_id, label, recorded_at
		FROM crossing_events WHERE run_id = ? ORDER BY frame_index, event_id`
	args := []any{runID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []EventRecord{}
	for rows.Next() {
		var (
			e  EventRecord
			ts int64
		)
		if err := rows.Scan(&e.EventID, &e.RunID, &e.FrameIndex, &e.TrackID, &e.Label, &ts); err != nil {
			return nil, err
		}
		e.RecordedAt = time.Unix(0, ts).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// RunEvents returns a run's events as crossing events along with the labels
// seen, sorted.
func (db *DB) RunEvents(ctx context.Context, runID string) ([]crossing.Event, []string, error) {
	recs, err := db.ListEvents(ctx, runID, 0)
	if err != nil {
		return nil, nil, err
	}
	seen := map[string]bool{}
	var labels []string
	events := make([]crossing.Event, len(recs))
	for i, r := range recs {
		events[i] = r.Event()
		if !seen[r.Label] {
			seen[r.Label] = true
			labels = append(labels, r.Label)
		}
	}
	sort.Strings(labels)
	return events, labels, nil
}
