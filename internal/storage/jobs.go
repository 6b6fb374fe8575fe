package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of an outbox job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// DefaultJobAttempts applies when a job is enqueued without MaxAttempts.
const DefaultJobAttempts = 3

// Job is one queued unit of background work, such as a reminder
// notification. PayloadJSON is opaque to the store.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// jobTimeLayout is second precision; run_after is compared as text.
const jobTimeLayout = time.RFC3339

func jobTime(t time.Time) string { return t.UTC().Format(jobTimeLayout) }

// EnqueueJob adds a pending job, due at job.RunAfter or immediately.
func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := time.Now()
	due := job.RunAfter
	if due.IsZero() {
		due = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultJobAttempts
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, string(JobPending), job.MaxAttempts, jobTime(due), jobTime(now), jobTime(now),
	)
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNextJob moves the oldest due pending job of one of types to running
// and returns it. It returns nil, nil when nothing is due. The select and
// the update run as one statement, so two workers never claim the same job.
func (s *Store) ClaimNextJob(ctx context.Context, types ...string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := jobTime(time.Now())

	args := []any{string(JobRunning), now, string(JobPending), now}
	for _, t := range types {
		args = append(args, t)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_after <= ? AND type IN (?`+strings.Repeat(",?", len(types)-1)+`)
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`,
		args...,
	)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

// CompleteJob marks a job done.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(JobCompleted), jobTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	return expectOneRow(res)
}

// FailJob records a failed attempt. Until max_attempts is reached the job
// returns to pending and becomes due again after 2^attempts seconds;
// after that it stays failed.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	now := jobTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			attempts   = attempts + 1,
			last_error = ?,
			updated_at = ?,
			status     = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE ? END,
			run_after  = strftime('%Y-%m-%dT%H:%M:%SZ', ?, '+' || (1 << (attempts + 1)) || ' seconds')
		WHERE id = ?`,
		errMsg, now, string(JobFailed), string(JobPending), now, id,
	)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return expectOneRow(res)
}

// JobCounts returns the number of jobs per status, used by the health endpoint.
func (s *Store) JobCounts() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

func scanJob(row rowScanner) (Job, error) {
	var (
		j                          Job
		status                     string
		runAfter, created, updated string
		lastError                  sql.NullString
	)
	err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &created, &updated, &lastError)
	if err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	j.LastError = lastError.String
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&j.RunAfter, runAfter}, {&j.CreatedAt, created}, {&j.UpdatedAt, updated}} {
		if *f.dst, err = time.Parse(jobTimeLayout, f.src); err != nil {
			return Job{}, fmt.Errorf("job %s: parsing time %q: %w", j.ID, f.src, err)
		}
	}
	return j, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
