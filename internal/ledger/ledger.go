// Package ledger records runs and per-cell outcomes in a SQLite database so
// that interrupted runs can resume and past runs can be listed.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nvandessel/cellsim/internal/simulation"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusComplete  = "complete"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrRunNotFound is returned when a run id is not in the ledger.
var ErrRunNotFound = errors.New("run not found")

// Run is one invocation of the simulator.
type Run struct {
	ID         string     `json:"id"`
	ConfigHash string     `json:"config_hash"`
	Model      string     `json:"model"`
	Policy     string     `json:"policy"`
	NumCells   int        `json:"num_cells"`
	OutPrefix  string     `json:"outprefix"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Cell is the recorded outcome of one cell job.
type Cell struct {
	RunID      string        `json:"run_id"`
	CellID     int           `json:"cell_id"`
	Status     string        `json:"status"`
	Seed       uint64        `json:"seed"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	ResultKey  string        `json:"result_key"`
	Columns    int           `json:"columns"`
	Error      string        `json:"error,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Ledger is a SQLite-backed run history.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the ledger database at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite works best with single writer

	if err := InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Ledger{db: db, path: path}, nil
}

// Path returns the database file location.
func (l *Ledger) Path() string { return l.path }

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// HashConfig returns a stable digest of v's JSON encoding. Runs with the same
// hash produce the same per-cell results.
func HashConfig(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash config: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// StartRun inserts r with a fresh id and running status and returns it.
func (l *Ledger) StartRun(ctx context.Context, r Run) (Run, error) {
	r.ID = uuid.NewString()
	r.Status = StatusRunning
	r.StartedAt = time.Now().UTC()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id, config_hash, model, policy, num_cells, outprefix, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConfigHash, r.Model, r.Policy, r.NumCells, r.OutPrefix, r.Status, r.StartedAt.Format(timeFormat))
	if err != nil {
		return Run{}, fmt.Errorf("failed to insert run: %w", err)
	}
	return r, nil
}

// FinishRun sets the final status of a run. runErr may be nil.
func (l *Ledger) FinishRun(ctx context.Context, id, status string, runErr error) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, msg, time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// RecordCell stores or replaces the outcome of one cell.
func (l *Ledger) RecordCell(ctx context.Context, c Cell) error {
	if c.FinishedAt.IsZero() {
		c.FinishedAt = time.Now().UTC()
	}
	var msg sql.NullString
	if c.Error != "" {
		msg = sql.NullString{String: c.Error, Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO cells (run_id, cell_id, status, seed, attempts, duration_ms, result_key, n_columns, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.CellID, c.Status, int64(c.Seed), c.Attempts, c.Duration.Milliseconds(),
		c.ResultKey, c.Columns, msg, c.FinishedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to record cell %d: %w", c.CellID, err)
	}
	return nil
}

// CompletedCells returns the cell ids recorded as complete by any run with
// the given config hash.
func (l *Ledger) CompletedCells(ctx context.Context, configHash string) (map[int]bool, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT DISTINCT c.cell_id FROM cells c
		JOIN runs r ON r.id = c.run_id
		WHERE r.config_hash = ? AND c.status = ?`,
		configHash, StatusComplete)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed cells: %w", err)
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan cell id: %w", err)
		}
		done[id] = true
	}
	return done, rows.Err()
}

// Runs returns the most recent runs first. limit <= 0 returns all of them.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT id, config_hash, model, policy, num_cells, outprefix, status, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run by id.
func (l *Ledger) GetRun(ctx context.Context, id string) (Run, error) {
	row := l.db.QueryRowContext(ctx, `SELECT id, config_hash, model, policy, num_cells, outprefix, status, error, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// Cells returns the recorded cells of a run in cell order.
func (l *Ledger) Cells(ctx context.Context, runID string) ([]Cell, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, cell_id, status, seed, attempts, duration_ms, result_key, n_columns, error, finished_at
		FROM cells WHERE run_id = ? ORDER BY cell_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells: %w", err)
	}
	defer rows.Close()

	var cells []Cell
	for rows.Next() {
		var (
			c          Cell
			seed, ms   sql.NullInt64
			attempts   sql.NullInt64
			columns    sql.NullInt64
			key, msg   sql.NullString
			finishedAt string
		)
		if err := rows.Scan(&c.RunID, &c.CellID, &c.Status, &seed, &attempts, &ms, &key, &columns, &msg, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		c.Seed = uint64(seed.Int64)
		c.Attempts = int(attempts.Int64)
		c.Duration = time.Duration(ms.Int64) * time.Millisecond
		c.ResultKey = key.String
		c.Columns = int(columns.Int64)
		c.Error = msg.String
		c.FinishedAt, _ = time.Parse(timeFormat, finishedAt)
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r             Run
		msg, finished sql.NullString
		startedAt     string
	)
	if err := s.Scan(&r.ID, &r.ConfigHash, &r.Model, &r.Policy, &r.NumCells, &r.OutPrefix, &r.Status, &msg, &startedAt, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("failed to scan run: %w", err)
	}
	r.Error = msg.String
	r.StartedAt, _ = time.Parse(timeFormat, startedAt)
	if finished.Valid {
		t, err := time.Parse(timeFormat, finished.String)
		if err == nil {
			r.FinishedAt = &t
		}
	}
	return r, nil
}

// Recorder writes every finished cell of one run to the ledger. It is an
// experiment observer.
type Recorder struct {
	ledger *Ledger
	runID  string
	logger *slog.Logger

	mu  sync.Mutex
	err error
}

// NewRecorder returns a recorder for runID.
func (l *Ledger) NewRecorder(runID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{ledger: l, runID: runID, logger: logger}
}

// CellDone records the cell. A ledger write failure is logged and kept for
// Err; it does not fail the run.
func (r *Recorder) CellDone(cellID int, out simulation.Outcome, err error) {
	c := Cell{RunID: r.runID, CellID: cellID, Status: StatusComplete}
	if err != nil {
		c.Status = StatusFailed
		c.Error = err.Error()
	} else {
		c.Seed = out.Seed
		c.Attempts = out.Attempts
		c.Duration = out.Duration
		c.ResultKey = out.Key
		c.Columns = out.Columns
	}
	if werr := r.ledger.RecordCell(context.Background(), c); werr != nil {
		r.logger.Warn("ledger write failed", "cell", cellID, "error", werr)
		r.mu.Lock()
		if r.err == nil {
			r.err = werr
		}
		r.mu.Unlock()
	}
}

// Err returns the first ledger write failure.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
