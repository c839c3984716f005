// Package journal keeps an audit log of dispatched work in SQLite. It is
// never read back for routing: pending work does not survive a restart.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const maxErrorBytes = 16 * 1024

type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether s ends a work item.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusAbandoned:
		return true
	}
	return false
}

var ErrNotFound = errors.New("work not found")

// Entry describes work handed to a worker.
type Entry struct {
	WorkID   string
	Task     string
	TaskName string
	Client   string
}

// Record is one row of the journal.
type Record struct {
	WorkID       string     `json:"work_id"`
	Task         string     `json:"task"`
	TaskName     string     `json:"task_name"`
	Client       string     `json:"client"`
	Status       Status     `json:"status"`
	DispatchedAt time.Time  `json:"dispatched_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
}

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// Dispatched records that work was sent to a worker.
func (j *Journal) Dispatched(ctx context.Context, e Entry) error {
	if e.WorkID == "" {
		return fmt.Errorf("work id is empty")
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO work_log(work_id, task, task_name, client, status, dispatched_at)
VALUES(?, ?, ?, ?, ?, ?);
`, e.WorkID, e.Task, e.TaskName, e.Client, StatusDispatched, j.stamp())
	if err != nil {
		return fmt.Errorf("insert work_log: %w", err)
	}
	return nil
}

// Completed marks work terminal. lastError is stored for failures.
func (j *Journal) Completed(ctx context.Context, workID string, status Status, lastError *string) error {
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	var errVal any
	if lastError != nil {
		s := *lastError
		if len(s) > maxErrorBytes {
			s = s[:maxErrorBytes]
		}
		errVal = s
	}

	res, err := j.db.ExecContext(ctx, `
UPDATE work_log
SET status = ?, completed_at = ?, last_error = ?
WHERE work_id = ? AND status = ?;
`, status, j.stamp(), errVal, workID, StatusDispatched)
	if err != nil {
		return fmt.Errorf("update work_log: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("complete %s: %w", workID, ErrNotFound)
	}
	return nil
}

// Get returns one record.
func (j *Journal) Get(ctx context.Context, workID string) (*Record, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT work_id, task, task_name, client, status, dispatched_at, completed_at, last_error
FROM work_log
WHERE work_id = ?;
`, workID)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get work: %w", err)
	}
	return r, nil
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT work_id, task, task_name, client, status, dispatched_at, completed_at, last_error
FROM work_log
ORDER BY dispatched_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list work: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		r            Record
		statusS      string
		dispatchedS  string
		completedAtS sql.NullString
		lastError    sql.NullString
	)
	if err := s.Scan(&r.WorkID, &r.Task, &r.TaskName, &r.Client, &statusS, &dispatchedS, &completedAtS, &lastError); err != nil {
		return nil, err
	}

	r.Status = Status(statusS)
	if t, err := time.Parse(time.RFC3339Nano, dispatchedS); err == nil {
		r.DispatchedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	return &r, nil
}

func (j *Journal) stamp() string {
	return j.now().UTC().Format(time.RFC3339Nano)
}
