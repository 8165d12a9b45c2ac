// Package history keeps the per-deployment record store in SQLite. The
// schema is managed by goose migrations embedded in the binary.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrAlreadyFinalized is returned when a record has already reached a terminal outcome.
var ErrAlreadyFinalized = errors.New("deployment record already finalized")

// ErrNotFound is returned when no record matches the requested ID.
var ErrNotFound = errors.New("deployment record not found")

// Fixed width so started_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// goose keeps its configuration in package globals
var gooseMu sync.Mutex

// History manages deployment history in SQLite
type History struct {
	db  *sql.DB
	now func() time.Time
}

// NewHistory opens dbPath and applies pending migrations.
func NewHistory(ctx context.Context, dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &History{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// gooseLogger routes migration output to slog at debug level.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(format, v...), "component", "history")
}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	slog.Error(fmt.Sprintf(format, v...), "component", "history")
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

// Start inserts an in-progress record and returns it with ID and StartedAt set.
func (h *History) Start(ctx context.Context, r Record) (*Record, error) {
	r.ID = uuid.NewString()
	r.Outcome = OutcomeInProgress
	r.StartedAt = h.now().UTC()
	r.CompletedAt = nil

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO deployments
		(id, site, source_role, target_role, mode, operator, outcome,
		 started_at, commit_hash, branch)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.Site,
		r.SourceRole,
		r.TargetRole,
		string(r.Mode),
		r.Operator,
		string(r.Outcome),
		r.StartedAt.Format(timeLayout),
		r.Commit,
		r.Branch,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert deployment record: %w", err)
	}

	return &r, nil
}

// Finalize sets the terminal outcome of record id. A record can be
// finalized once; later calls return ErrAlreadyFinalized.
func (h *History) Finalize(ctx context.Context, id string, outcome Outcome, snapshotID string, cause error) (*Record, error) {
	if outcome == OutcomeInProgress {
		return nil, fmt.Errorf("cannot finalize with outcome %s", outcome)
	}

	current, err := h.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	completed := h.now().UTC()
	duration := completed.Sub(current.StartedAt).Seconds()

	var errMsg, snap *string
	if cause != nil {
		msg := cause.Error()
		errMsg = &msg
	}
	if snapshotID != "" {
		snap = &snapshotID
	}

	result, err := h.db.ExecContext(ctx, `
		UPDATE deployments
		SET outcome = ?, completed_at = ?, duration_seconds = ?,
		    error_message = ?, snapshot_id = ?
		WHERE id = ? AND completed_at IS NULL
	`,
		string(outcome),
		completed.Format(timeLayout),
		duration,
		errMsg,
		snap,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize deployment record: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrAlreadyFinalized)
	}

	return h.Get(ctx, id)
}

const selectColumns = `
	SELECT id, site, source_role, target_role, mode, operator, outcome,
	       started_at, completed_at, duration_seconds, commit_hash, branch,
	       error_message, snapshot_id
	FROM deployments`

// Get returns the record with the given ID.
func (h *History) Get(ctx context.Context, id string) (*Record, error) {
	row := h.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment: %w", err)
	}
	return record, nil
}

// Latest returns the most recent record for a site, or nil if none exists.
func (h *History) Latest(ctx context.Context, site string) (*Record, error) {
	row := h.db.QueryRowContext(ctx, selectColumns+`
		WHERE site = ?
		ORDER BY started_at DESC
		LIMIT 1
	`, site)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest deployment: %w", err)
	}

	return record, nil
}

// List returns up to limit records for a site, newest first.
func (h *History) List(ctx context.Context, site string, limit int) ([]Record, error) {
	rows, err := h.db.QueryContext(ctx, selectColumns+`
		WHERE site = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, site, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// Status returns the latest record plus recent history for a site.
func (h *History) Status(ctx context.Context, site string, limit int) (*SiteStatus, error) {
	records, err := h.List(ctx, site, limit)
	if err != nil {
		return nil, err
	}

	status := &SiteStatus{Site: site, RecentHistory: records}
	if len(records) > 0 {
		latest := records[0]
		status.Latest = &latest
	}
	if status.RecentHistory == nil {
		status.RecentHistory = []Record{}
	}
	return status, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	var record Record
	var mode, outcome, startedAtStr string
	var completedAtStr sql.NullString

	err := s.Scan(
		&record.ID,
		&record.Site,
		&record.SourceRole,
		&record.TargetRole,
		&mode,
		&record.Operator,
		&outcome,
		&startedAtStr,
		&completedAtStr,
		&record.DurationSeconds,
		&record.Commit,
		&record.Branch,
		&record.ErrorMessage,
		&record.SnapshotID,
	)
	if err != nil {
		return nil, err
	}
	record.Mode = Mode(mode)
	record.Outcome = Outcome(outcome)

	startedAt, err := time.Parse(timeLayout, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	record.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(timeLayout, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		record.CompletedAt = &completedAt
	}

	return &record, nil
}
