// Package runstore keeps the history of sequence runs: one row per run, per
// step attempt and per collected measurement summary.
//
// Storage is backed by the SQLite database returned by
// database.DefaultPath. A Store implements plan.Recorder so a sequence can
// write its history as it runs; the CLI reads it back to list runs and to
// resume a failed run from its first failed step.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"nathanbeddoewebdev/benchctl/internal/database"
	"nathanbeddoewebdev/benchctl/internal/plan"
	"nathanbeddoewebdev/benchctl/internal/stats"
)

var (
	// ErrNoRuns is returned when a sequence has no recorded run.
	ErrNoRuns = errors.New("runstore: no recorded run")
	// ErrNothingToResume is returned when the last run passed.
	ErrNothingToResume = errors.New("runstore: last run passed, nothing to resume")
)

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

var _ plan.Recorder = (*Store)(nil)

// Open opens the store at the default database path.
func Open(ctx context.Context) (*Store, error) {
	path, err := database.DefaultPath()
	if err != nil {
		return nil, err
	}
	return OpenAt(ctx, path)
}

// OpenAt opens or creates the store at path.
func OpenAt(ctx context.Context, path string) (*Store, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db, schema); err != nil {
		db.Close()
		return nil, err
	}
	if err := addColumn(ctx, db, "attempts", "repeat_count", "INTEGER NOT NULL DEFAULT 1"); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// addColumn adds a column missing from history files created by older
// versions.
func addColumn(ctx context.Context, db *sql.DB, table, column, decl string) error {
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return fmt.Errorf("runstore: inspect %s failed: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("runstore: inspect %s failed: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("runstore: inspect %s failed: %w", table, err)
	}
	rows.Close()

	if _, err := db.ExecContext(ctx, "ALTER TABLE "+table+" ADD COLUMN "+column+" "+decl); err != nil {
		return fmt.Errorf("runstore: add column %s.%s failed: %w", table, column, err)
	}
	return nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		id            TEXT    PRIMARY KEY,
		sequence      TEXT    NOT NULL,
		logs_dir      TEXT    NOT NULL DEFAULT '',
		start_index   INTEGER NOT NULL DEFAULT 0,
		steps         INTEGER NOT NULL DEFAULT 0,
		status        TEXT    NOT NULL DEFAULT 'running',
		failed        TEXT    NOT NULL DEFAULT '',
		error_message TEXT    NOT NULL DEFAULT '',
		started_at    TEXT    NOT NULL,
		finished_at   TEXT    NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_sequence ON runs(sequence, started_at);

	CREATE TABLE IF NOT EXISTS attempts (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id        TEXT    NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step_index    INTEGER NOT NULL,
		step_name     TEXT    NOT NULL,
		kind          TEXT    NOT NULL,
		repeat_index  INTEGER NOT NULL,
		repeat_count  INTEGER NOT NULL DEFAULT 1,
		try_number    INTEGER NOT NULL,
		passed        INTEGER NOT NULL,
		error_message TEXT    NOT NULL DEFAULT '',
		started_at    TEXT    NOT NULL,
		finished_at   TEXT    NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id);

	CREATE TABLE IF NOT EXISTS measurements (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT    NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		step_index  INTEGER NOT NULL,
		step_name   TEXT    NOT NULL,
		name        TEXT    NOT NULL,
		value_count INTEGER NOT NULL,
		value_min   REAL    NOT NULL,
		value_max   REAL    NOT NULL,
		value_avg   REAL    NOT NULL,
		value_last  REAL    NOT NULL,
		has_rate    INTEGER NOT NULL DEFAULT 0,
		rate_min    REAL    NOT NULL DEFAULT 0,
		rate_max    REAL    NOT NULL DEFAULT 0,
		rate_avg    REAL    NOT NULL DEFAULT 0,
		recorded_at TEXT    NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_measurements_run ON measurements(run_id);
`

// Close releases database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunStarted inserts a run in the "running" state.
func (s *Store) RunStarted(ctx context.Context, info plan.RunInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, sequence, logs_dir, start_index, steps, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Sequence, info.LogsDir, info.From, len(info.Steps), StatusRunning, formatTime(info.Started),
	)
	if err != nil {
		return fmt.Errorf("runstore: insert run failed: %w", err)
	}
	return nil
}

// AttemptFinished appends one attempt.
func (s *Store) AttemptFinished(ctx context.Context, a plan.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (run_id, step_index, step_name, kind, repeat_index, repeat_count, try_number, passed, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Index, a.Step.Name, a.Step.Kind, a.Repeat, a.Step.Repeat, a.Try, a.Err == nil, errorMessage(a.Err),
		formatTime(a.Started), formatTime(a.Finished),
	)
	if err != nil {
		return fmt.Errorf("runstore: insert attempt failed: %w", err)
	}
	return nil
}

// MeasurementRecorded appends the summary of m.
func (s *Store) MeasurementRecorded(ctx context.Context, runID string, index int, step *plan.Step, m *stats.Measurement) error {
	v := m.Value()
	rate, hasRate := m.Rate()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO measurements (run_id, step_index, step_name, name, value_count, value_min, value_max,
		                          value_avg, value_last, has_rate, rate_min, rate_max, rate_avg, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, index, step.Name, m.Name, int64(v.Count), finite(v.Min), finite(v.Max), v.Avg(), v.Last,
		hasRate, finite(rate.Min), finite(rate.Max), rate.Avg(), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("runstore: insert measurement failed: %w", err)
	}
	return nil
}

// RunFinished stores the outcome of a run.
func (s *Store) RunFinished(ctx context.Context, result plan.Result) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status=?, failed=?, error_message=?, finished_at=?
		WHERE id=?`,
		resultStatus(result), joinInts(result.Failed), errorMessage(result.Err), formatTime(result.Finished), result.RunID,
	)
	if err != nil {
		return fmt.Errorf("runstore: update run failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("runstore: run %s not found", result.RunID)
	}
	return nil
}

const runColumns = `id, sequence, logs_dir, start_index, steps, status, failed, error_message, started_at, finished_at`

// GetRun returns the run with the given ID, or nil when there is none.
// A unique ID prefix is accepted as well.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	for _, q := range []struct{ where, arg string }{
		{`id = ?`, id},
		{`id LIKE ? ESCAPE '\'`, escapeLike(id) + "%"},
	} {
		rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE `+q.where+` LIMIT 2`, q.arg)
		if err != nil {
			return nil, fmt.Errorf("runstore: query failed: %w", err)
		}
		runs, err := scanRuns(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		switch len(runs) {
		case 0:
			continue
		case 1:
			return &runs[0], nil
		default:
			return nil, fmt.Errorf("runstore: run ID prefix %q is ambiguous", id)
		}
	}
	return nil, nil
}

// ListRuns returns the n most recent runs, newest first. A non-empty
// sequence restricts the list to that plan.
func (s *Store) ListRuns(ctx context.Context, sequence string, n int) ([]RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if sequence != "" {
		query += ` WHERE sequence = ?`
		args = append(args, sequence)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("runstore: query failed: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// LastRun returns the most recent run of sequence, or ErrNoRuns.
func (s *Store) LastRun(ctx context.Context, sequence string) (*RunRecord, error) {
	runs, err := s.ListRuns(ctx, sequence, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w for %q", ErrNoRuns, sequence)
	}
	return &runs[0], nil
}

// ResumeIndex returns the step index a new run of sequence should start
// from to pick up where the last run ended: its first failed step, or else
// the last step that passed any repeat. That step is skipped only when all
// of its repeats passed, which also covers runs that never finished.
func (s *Store) ResumeIndex(ctx context.Context, sequence string) (int, error) {
	last, err := s.LastRun(ctx, sequence)
	if err != nil {
		return 0, err
	}
	if len(last.Failed) > 0 {
		return last.Failed[0], nil
	}
	if last.Status == StatusPassed {
		return 0, ErrNothingToResume
	}

	var index, repeats, passed int
	err = s.db.QueryRowContext(ctx, `
		SELECT step_index, MAX(repeat_count), COUNT(DISTINCT repeat_index)
		FROM attempts WHERE run_id = ? AND passed = 1
		GROUP BY step_index ORDER BY step_index DESC LIMIT 1`, last.ID).Scan(&index, &repeats, &passed)
	if errors.Is(err, sql.ErrNoRows) {
		return last.From, nil
	}
	if err != nil {
		return 0, fmt.Errorf("runstore: query failed: %w", err)
	}
	if passed < repeats {
		return index, nil
	}
	return index + 1, nil
}

// Attempts returns the attempts of a run in execution order.
func (s *Store) Attempts(ctx context.Context, runID string) ([]AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_index, step_name, kind, repeat_index, try_number, passed, error_message, started_at, finished_at
		FROM attempts WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("runstore: query failed: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var a AttemptRecord
		var started, finished string
		if err := rows.Scan(&a.ID, &a.RunID, &a.StepIndex, &a.StepName, &a.Kind, &a.Repeat, &a.Try,
			&a.Passed, &a.ErrorMessage, &started, &finished); err != nil {
			return nil, fmt.Errorf("runstore: scan failed: %w", err)
		}
		a.StartedAt = parseTime(started)
		a.FinishedAt = parseTime(finished)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Measurements returns the measurement summaries of a run in recording
// order.
func (s *Store) Measurements(ctx context.Context, runID string) ([]MeasurementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_index, step_name, name, value_count, value_min, value_max, value_avg,
		       value_last, has_rate, rate_min, rate_max, rate_avg, recorded_at
		FROM measurements WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("runstore: query failed: %w", err)
	}
	defer rows.Close()

	var out []MeasurementRecord
	for rows.Next() {
		var m MeasurementRecord
		var count int64
		var recorded string
		if err := rows.Scan(&m.ID, &m.RunID, &m.StepIndex, &m.StepName, &m.Name, &count, &m.Min, &m.Max,
			&m.Avg, &m.Last, &m.HasRate, &m.RateMin, &m.RateMax, &m.RateAvg, &recorded); err != nil {
			return nil, fmt.Errorf("runstore: scan failed: %w", err)
		}
		m.Count = uint64(count)
		m.RecordedAt = parseTime(recorded)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes finished runs that started more than d ago,
// together with their attempts and measurements. Returns the number of
// runs removed.
func (s *Store) DeleteOlderThan(ctx context.Context, d time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-d))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE status != 'running' AND started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("runstore: delete failed: %w", err)
	}
	return res.RowsAffected()
}

func scanRuns(rows *sql.Rows) ([]RunRecord, error) {
	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var failed, started, finished string
		if err := rows.Scan(&r.ID, &r.Sequence, &r.LogsDir, &r.From, &r.Steps, &r.Status, &failed,
			&r.ErrorMessage, &started, &finished); err != nil {
			return nil, fmt.Errorf("runstore: scan failed: %w", err)
		}
		r.Failed = splitInts(failed)
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func resultStatus(r plan.Result) string {
	switch {
	case r.Err != nil:
		return StatusError
	case r.Stopped:
		return StatusStopped
	case r.Passed:
		return StatusPassed
	default:
		return StatusFailed
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s)
	return t
}

// finite maps the infinities of an empty aggregate to zero.
func finite(x float64) float64 {
	if math.IsInf(x, 0) || math.IsNaN(x) {
		return 0
	}
	return x
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		if x, err := strconv.Atoi(part); err == nil {
			out = append(out, x)
		}
	}
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
