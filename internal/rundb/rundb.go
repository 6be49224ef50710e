// Package rundb keeps a SQLite ledger of reconstruction runs: one row per
// run and one row per merged cloud.
package rundb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/surfacestitch/internal/surface/pipeline"
	"github.com/banshee-data/surfacestitch/internal/timeutil"
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrNotFound is returned when a run id has no ledger row.
var ErrNotFound = errors.New("run not found")

// DB wraps the ledger connection.
type DB struct {
	*sql.DB
	clock timeutil.Clock
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
}

// Open opens (creating if needed) the ledger at path and migrates it to the
// latest schema. A nil clock uses the wall clock.
func Open(path string, clock timeutil.Clock) (*DB, error) {
	db, err := OpenUnmigrated(path, clock)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenUnmigrated opens the ledger at path without touching its schema.
func OpenUnmigrated(path string, clock timeutil.Clock) (*DB, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps the per-connection pragmas in force.
	sqlDB.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	return &DB{DB: sqlDB, clock: clock}, nil
}

// Run is one ledger row.
type Run struct {
	RunID         string
	WorkDir       string
	Status        string
	StartedAt     time.Time
	FinishedAt    time.Time // zero while running
	CloudsTotal   int
	CloudsMerged  int
	CloudsSkipped int
	RawPoints     int
	OutputPoints  int
	OutputPath    string
	Error         string
	ConfigJSON    string
}

// Duration is the wall time of a finished run, or zero.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// CloudMerge is the ledger copy of one pipeline.CloudReport.
type CloudMerge struct {
	RunID              string
	CloudIndex         int
	CloudID            string
	Seed               bool
	RawPoints          int
	FilteredPoints     int
	Inserted           int
	Border             int
	Interior           int
	FixedUp            int
	ContourMisses      int
	ContourPoints      int
	MaxContourDistance float64
	AccumulatedPoints  int
	Elapsed            time.Duration
}

// StartRun records a new run in the running state and returns it.
func (db *DB) StartRun(workDir, configJSON string) (*Run, error) {
	run := &Run{
		RunID:      uuid.NewString(),
		WorkDir:    workDir,
		Status:     StatusRunning,
		StartedAt:  db.clock.Now(),
		ConfigJSON: configJSON,
	}
	_, err := db.Exec(`
		INSERT INTO runs (run_id, work_dir, status, started_ns, config_json)
		VALUES (?, ?, ?, ?, ?)`,
		run.RunID, run.WorkDir, run.Status, run.StartedAt.UnixNano(), nullString(configJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// RecordCloud stores the report for one cloud of a run.
func (db *DB) RecordCloud(runID string, rep pipeline.CloudReport) error {
	_, err := db.Exec(`
		INSERT INTO cloud_merges (
			run_id, cloud_index, cloud_id, seed, raw_points, filtered_points,
			inserted, border, interior, fixed_up, contour_misses,
			contour_points, max_contour_distance, accumulated_points, elapsed_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rep.Index, rep.CloudID, rep.Seed, rep.RawPoints, rep.FilteredPoints,
		rep.Merge.Inserted, rep.Merge.Border, rep.Merge.Interior, rep.Merge.FixedUp, rep.Merge.ContourMisses,
		rep.ContourPoints, rep.MaxContourDistance, rep.AccumulatedPoints, rep.Elapsed.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert cloud merge %s/%d: %w", runID, rep.Index, err)
	}
	return nil
}

// FinishRun closes a run. A nil runErr marks it completed; a context
// cancellation marks it cancelled; any other error marks it failed. res may
// be nil when the run stopped before producing a result, in which case the
// merged and raw point counts come from the cloud rows recorded so far.
func (db *DB) FinishRun(runID string, res *pipeline.Result, runErr error) error {
	status := StatusCompleted
	var errText interface{}
	if runErr != nil {
		status = StatusFailed
		if isCancellation(runErr) {
			status = StatusCancelled
		}
		errText = runErr.Error()
	}

	var total, merged, skipped, raw, output int
	var outputPath interface{}
	if res != nil {
		merged = len(res.Clouds)
		skipped = len(res.Skipped)
		total = merged + skipped
		raw = res.TotalRawPoints
		output = len(res.Output)
		outputPath = nullString(res.OutputPath)
	} else {
		err := db.QueryRow(`
			SELECT COUNT(*), COALESCE(SUM(raw_points), 0)
			FROM cloud_merges WHERE run_id = ?`, runID,
		).Scan(&merged, &raw)
		if err != nil {
			return fmt.Errorf("count cloud merges: %w", err)
		}
		total = merged
	}

	result, err := db.Exec(`
		UPDATE runs SET
			status = ?, finished_ns = ?, clouds_total = ?, clouds_merged = ?,
			clouds_skipped = ?, raw_points = ?, output_points = ?, output_path = ?, error = ?
		WHERE run_id = ?`,
		status, db.clock.Now().UnixNano(), total, merged,
		skipped, raw, output, outputPath, errText,
		runID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return nil
}

const runColumns = `run_id, work_dir, status, started_ns, finished_ns,
	clouds_total, clouds_merged, clouds_skipped, raw_points, output_points,
	output_path, error, config_json`

// GetRun returns one run by id.
func (db *DB) GetRun(runID string) (*Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return r, err
}

// ListRuns returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (db *DB) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CloudMerges returns the per-cloud rows of a run in pose-graph order.
func (db *DB) CloudMerges(runID string) ([]CloudMerge, error) {
	rows, err := db.Query(`
		SELECT run_id, cloud_index, cloud_id, seed, raw_points, filtered_points,
		       inserted, border, interior, fixed_up, contour_misses,
		       contour_points, max_contour_distance, accumulated_points, elapsed_ns
		FROM cloud_merges
		WHERE run_id = ?
		ORDER BY cloud_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("query cloud merges: %w", err)
	}
	defer rows.Close()

	var out []CloudMerge
	for rows.Next() {
		var m CloudMerge
		var elapsed int64
		if err := rows.Scan(
			&m.RunID, &m.CloudIndex, &m.CloudID, &m.Seed, &m.RawPoints, &m.FilteredPoints,
			&m.Inserted, &m.Border, &m.Interior, &m.FixedUp, &m.ContourMisses,
			&m.ContourPoints, &m.MaxContourDistance, &m.AccumulatedPoints, &elapsed,
		); err != nil {
			return nil, fmt.Errorf("scan cloud merge: %w", err)
		}
		m.Elapsed = time.Duration(elapsed)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Recorder adapts a run to pipeline.Config.OnCloud. The first write error is
// kept and reported by Err; later reports are dropped.
type Recorder struct {
	db    *DB
	runID string
	err   error
}

// Recorder returns a Recorder for runID.
func (db *DB) Recorder(runID string) *Recorder {
	return &Recorder{db: db, runID: runID}
}

// Record stores rep unless an earlier write failed.
func (r *Recorder) Record(rep pipeline.CloudReport) {
	if r.err != nil {
		return
	}
	r.err = r.db.RecordCloud(r.runID, rep)
}

// Err returns the first write error.
func (r *Recorder) Err() error { return r.err }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s rowScanner) (*Run, error) {
	var r Run
	var startedNs int64
	var finishedNs sql.NullInt64
	var outputPath, errText, configJSON sql.NullString
	err := s.Scan(
		&r.RunID, &r.WorkDir, &r.Status, &startedNs, &finishedNs,
		&r.CloudsTotal, &r.CloudsMerged, &r.CloudsSkipped, &r.RawPoints, &r.OutputPoints,
		&outputPath, &errText, &configJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = time.Unix(0, startedNs)
	if finishedNs.Valid {
		r.FinishedAt = time.Unix(0, finishedNs.Int64)
	}
	r.OutputPath = outputPath.String
	r.Error = errText.String
	r.ConfigJSON = configJSON.String
	return &r, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
