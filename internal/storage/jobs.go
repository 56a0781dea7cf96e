package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

// EnqueueJob adds a pending job. ID, RunAfter and MaxAttempts are defaulted
// when unset.
func (s *Store) EnqueueJob(ctx context.Context, job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := nowUTC()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	job.Status = "pending"
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, job.MaxAttempts, formatTime(job.RunAfter),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		return Job{}, fmt.Errorf("inserting job: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically moves the oldest runnable pending job of one of the
// given types to running. It returns nil when nothing is runnable.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := formatTime(nowUTC())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime("run_after", runAfter); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime("updated_at", now); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(nowUTC()), id)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until it reaches max_attempts, then marked failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := nowUTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime("run_after", runAfter); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

// CountJobs returns the number of jobs per status.
func (s *Store) CountJobs(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
