package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/ppigraph/internal/pipeline"
	"github.com/kalambet/ppigraph/internal/storage"
)

// Worker claims persisted discovery jobs and runs them one at a time.
type Worker struct {
	o      *Orchestrator
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker for o.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(o *Orchestrator, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{o: o, poll: pollInterval, logger: slog.Default()}
}

// Recover marks jobs left running by a previous process as failed.
func (w *Worker) Recover(ctx context.Context) error {
	n, err := w.o.jobs.RecoverJobs(ctx)
	if err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	if n > 0 {
		w.logger.Warn("marked interrupted jobs as failed", "count", n)
	}
	return nil
}

// Run polls for jobs until ctx is cancelled. A newly submitted job wakes it
// before the poll interval elapses.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.o.wake:
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was claimed (regardless of its outcome).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.o.jobs.ClaimNextJob(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	stop := w.o.register(job.ID)
	defer w.o.unregister(job.ID)

	// A cancel may have landed between the claim and registration.
	current, err := w.o.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return true, fmt.Errorf("reloading job %s: %w", job.ID, err)
	}
	if current.Status.Terminal() {
		w.logger.Info("skipping job finished before start", "job_id", job.ID, "status", current.Status)
		return true, nil
	}

	status, ref, errMsg := w.process(ctx, job, stop)
	// The job record is finalized even when ctx was cancelled mid-run.
	status, err = w.o.finish(context.WithoutCancel(ctx), job.ID, status, ref, errMsg)
	if err != nil {
		return true, fmt.Errorf("finishing job %s: %w", job.ID, err)
	}
	w.logger.Info("job finished", "protein", job.Subject, "job_id", job.ID, "status", status)
	return true, nil
}

// process runs the pipeline and merges its output. Facts are durable in the
// store before the terminal status is returned; a failed run never touches
// the store.
func (w *Worker) process(ctx context.Context, job *storage.Job, stop <-chan struct{}) (storage.JobStatus, string, string) {
	opts := pipeline.Options{
		InteractorRounds: job.Options.InteractorRounds,
		FunctionRounds:   job.Options.FunctionRounds,
		SkipValidator:    job.Options.SkipValidation,
		SkipFactChecker:  job.Options.SkipValidation,
	}
	w.logger.Info("job started", "protein", job.Subject, "job_id", job.ID)

	report, runErr := w.o.pipeline.Run(ctx, job.Subject, opts, stop)
	path := report.Latest
	switch {
	case runErr == nil:
		if path == "" {
			return storage.JobFailed, "", "pipeline produced no artifact"
		}
		if _, err := w.o.ingest(ctx, job.Subject, path); err != nil {
			w.logger.Error("merging job results failed", "job_id", job.ID, "error", err)
			return storage.JobFailed, path, err.Error()
		}
		return storage.JobComplete, path, ""

	case errors.Is(runErr, pipeline.ErrStopped):
		if path == "" {
			return storage.JobCancelled, "", ""
		}
		n, err := w.o.ingest(ctx, job.Subject, path)
		if err != nil {
			w.logger.Error("merging partial results failed", "job_id", job.ID, "error", err)
			return storage.JobCancelled, path, err.Error()
		}
		w.logger.Info("merged partial results of cancelled job", "job_id", job.ID, "facts", n)
		return storage.JobCancelled, path, ""

	default:
		w.logger.Warn("job failed", "protein", job.Subject, "job_id", job.ID, "error", runErr)
		return storage.JobFailed, "", runErr.Error()
	}
}
