// Package archive keeps a durable copy of terminal workflow records. The
// output stream is capped and trimmed; the archive is what survives for
// post-hoc inspection.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"agentd/pkg/logx"
	"agentd/pkg/proto"
	"agentd/pkg/wferrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	progress     INTEGER NOT NULL DEFAULT 0,
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	error        TEXT NOT NULL DEFAULT '',
	stages       TEXT NOT NULL DEFAULT '[]',
	metadata     TEXT NOT NULL DEFAULT '{}',
	archived_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_archived_at ON runs(archived_at);
`

// Archive stores immutable copies of finished runs in SQLite.
type Archive struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens or creates the archive database with WAL mode and a busy
// timeout, applying the schema on first use.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000", path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}
	// SQLite supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	a := &Archive{db: db, logger: logx.NewLogger("archive")}
	a.logger.Info("archive opened at %s", path)
	return a, nil
}

// Put archives one terminal record. Non-terminal records are rejected:
// live state belongs to the coordination store. Re-archiving a run id
// overwrites the previous row.
func (a *Archive) Put(ctx context.Context, rec *proto.WorkflowRecord) error {
	if !rec.Status.IsTerminal() {
		return &wferrors.InvalidStateError{
			RunID:     rec.RunID,
			Current:   string(rec.Status),
			Allowed:   []string{"completed", "failed", "cancelled"},
			Operation: "archive",
		}
	}
	stages, err := json.Marshal(rec.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	completedAt := ""
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, status, progress, started_at, completed_at, error, stages, metadata, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			completed_at = excluded.completed_at,
			error = excluded.error,
			stages = excluded.stages,
			metadata = excluded.metadata,
			archived_at = excluded.archived_at`,
		rec.RunID, string(rec.Status), rec.Progress,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), completedAt,
		rec.Error, string(stages), string(metadata),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to archive run %s: %w", rec.RunID, err)
	}
	a.logger.Debug("archived run %s (%s)", rec.RunID, rec.Status)
	return nil
}

// Get loads one archived record.
func (a *Archive) Get(ctx context.Context, runID string) (*proto.WorkflowRecord, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT status, progress, started_at, completed_at, error, stages, metadata
		FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRecord(runID, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wferrors.WorkflowNotFoundError{RunID: runID}
	}
	return rec, err
}

// List returns the most recently archived records, newest first.
func (a *Archive) List(ctx context.Context, limit int) ([]*proto.WorkflowRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT run_id, status, progress, started_at, completed_at, error, stages, metadata
		FROM runs ORDER BY archived_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	defer rows.Close()

	var records []*proto.WorkflowRecord
	for rows.Next() {
		var runID string
		rec := &proto.WorkflowRecord{}
		var status, startedAt, completedAt, stages, metadata string
		if err := rows.Scan(&runID, &status, &rec.Progress, &startedAt, &completedAt, &rec.Error, &stages, &metadata); err != nil {
			return nil, err
		}
		if err := fillRecord(rec, runID, status, startedAt, completedAt, stages, metadata); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close shuts the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func scanRecord(runID string, row *sql.Row) (*proto.WorkflowRecord, error) {
	rec := &proto.WorkflowRecord{}
	var status, startedAt, completedAt, stages, metadata string
	if err := row.Scan(&status, &rec.Progress, &startedAt, &completedAt, &rec.Error, &stages, &metadata); err != nil {
		return nil, err
	}
	if err := fillRecord(rec, runID, status, startedAt, completedAt, stages, metadata); err != nil {
		return nil, err
	}
	return rec, nil
}

func fillRecord(rec *proto.WorkflowRecord, runID, status, startedAt, completedAt, stages, metadata string) error {
	rec.RunID = runID
	rec.Status = proto.RunStatus(status)
	var err error
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return fmt.Errorf("run %s started_at: %w", runID, err)
	}
	if completedAt != "" {
		t, err := time.Parse(time.RFC3339Nano, completedAt)
		if err != nil {
			return fmt.Errorf("run %s completed_at: %w", runID, err)
		}
		rec.CompletedAt = &t
	}
	if stages != "" && stages != "null" {
		if err := json.Unmarshal([]byte(stages), &rec.Stages); err != nil {
			return fmt.Errorf("run %s stages: %w", runID, err)
		}
	}
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return fmt.Errorf("run %s metadata: %w", runID, err)
		}
	}
	return nil
}
