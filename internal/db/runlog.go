package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunRecord is one row of the run log
type RunRecord struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     time.Time
	Mode           string
	ObjectsWritten int
	ThreadsWritten int
	NotModified    int
	Gone           int
	Failed         int
	Error          string
}

// LogRun records the outcome of a run
func (db *DB) LogRun(ctx context.Context, rec RunRecord) error {
	var errMsg sql.NullString
	if rec.Error != "" {
		errMsg = sql.NullString{String: rec.Error, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
	INSERT INTO run_log (id, started_at, finished_at, mode, objects_written, threads_written,
		not_modified, gone, failed, error_message)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.StartedAt.UTC(),
		rec.FinishedAt.UTC(),
		rec.Mode,
		rec.ObjectsWritten,
		rec.ThreadsWritten,
		rec.NotModified,
		rec.Gone,
		rec.Failed,
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to log run: %w", err)
	}

	return nil
}

// LastRuns returns up to n most recent runs, newest first
func (db *DB) LastRuns(ctx context.Context, n int) ([]RunRecord, error) {
	rows, err := db.QueryContext(ctx, `
	SELECT id, started_at, finished_at, mode, objects_written, threads_written,
		not_modified, gone, failed, error_message
	FROM run_log
	ORDER BY started_at DESC
	LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query run log: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			rec    RunRecord
			errMsg sql.NullString
		)
		err := rows.Scan(&rec.ID, &rec.StartedAt, &rec.FinishedAt, &rec.Mode, &rec.ObjectsWritten,
			&rec.ThreadsWritten, &rec.NotModified, &rec.Gone, &rec.Failed, &errMsg)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		rec.StartedAt = rec.StartedAt.UTC()
		rec.FinishedAt = rec.FinishedAt.UTC()
		rec.Error = errMsg.String
		runs = append(runs, rec)
	}

	return runs, rows.Err()
}
