package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrJobState is returned when a terminal transition targets a job that is
// already finished.
var ErrJobState = errors.New("job already finished")

const jobColumns = `id, subject, status, options_json, result_ref, last_error, created_at, started_at, finished_at`

// EnqueueJob inserts a pending job for job.Subject unless a pending or running
// job already exists for it, in which case that job is returned and created is
// false.
func (s *Store) EnqueueJob(ctx context.Context, job Job) (Job, bool, error) {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return Job{}, false, fmt.Errorf("encoding job options: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, Unavailable("beginning enqueue transaction", err)
	}
	defer tx.Rollback()

	active, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE subject = ? AND status IN ('pending', 'running')`, job.Subject))
	switch {
	case err == nil:
		return active, false, nil
	case err != sql.ErrNoRows:
		return Job{}, false, Unavailable("checking active job", err)
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, subject, status, options_json, created_at)
		VALUES (?, ?, 'pending', ?, ?)`,
		job.ID, job.Subject, string(opts), now.Format(timeLayout),
	); err != nil {
		return Job{}, false, Unavailable("inserting job", err)
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, Unavailable("committing enqueue", err)
	}

	job.Status = JobPending
	job.CreatedAt = now
	job.StartedAt = nil
	job.FinishedAt = nil
	return job, true, nil
}

// ClaimNextJob moves the oldest pending job to running and returns it.
// It returns nil when no job is pending.
func (s *Store) ClaimNextJob(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, Unavailable("beginning claim transaction", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1`))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Unavailable("selecting next job", err)
	}

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'`,
		now.Format(timeLayout), j.ID)
	if err != nil {
		return nil, Unavailable("updating job status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, Unavailable("checking updated job rows", err)
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, Unavailable("committing claim", err)
	}

	j.Status = JobRunning
	j.StartedAt = &now
	return &j, nil
}

// FinishJob moves a pending or running job to a terminal status.
func (s *Store) FinishJob(ctx context.Context, id string, status JobStatus, resultRef, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("finishing job %s: status %q is not terminal", id, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result_ref = ?, last_error = ?, finished_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		string(status), resultRef, errMsg, s.timestamp(), id,
	)
	if err != nil {
		return Unavailable("finishing job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Unavailable("checking finished job rows", err)
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("finishing job %s: %w", id, ErrJobState)
	}
	return nil
}

// GetJob returns the job with the given ID.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, Unavailable("getting job", err)
	}
	return j, nil
}

// ActiveJob returns the pending or running job for subject.
func (s *Store) ActiveJob(ctx context.Context, subject string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE subject = ? AND status IN ('pending', 'running')`, subject))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, Unavailable("getting active job", err)
	}
	return j, nil
}

// LatestJob returns the most recently created job for subject.
func (s *Store) LatestJob(ctx context.Context, subject string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE subject = ? ORDER BY created_at DESC LIMIT 1`, subject))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, Unavailable("getting latest job", err)
	}
	return j, nil
}

// ListJobs returns recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, Unavailable("listing jobs", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, Unavailable("scanning job", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("iterating jobs", err)
	}
	return jobs, nil
}

// RecoverJobs fails jobs left running by a previous process. Pending jobs are
// kept and will be claimed again.
func (s *Store) RecoverJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', last_error = 'interrupted by restart', finished_at = ?
		WHERE status = 'running'`, s.timestamp())
	if err != nil {
		return 0, Unavailable("recovering jobs", err)
	}
	return res.RowsAffected()
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                     Job
		status, opts, created string
		started, finished     sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Subject, &status, &opts, &j.ResultRef, &j.LastError, &created, &started, &finished); err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
		return Job{}, fmt.Errorf("decoding options for job %s: %w", j.ID, err)
	}
	var err error
	if j.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.StartedAt, err = parseNullTime(started); err != nil {
		return Job{}, fmt.Errorf("parsing started_at for job %s: %w", j.ID, err)
	}
	if j.FinishedAt, err = parseNullTime(finished); err != nil {
		return Job{}, fmt.Errorf("parsing finished_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
