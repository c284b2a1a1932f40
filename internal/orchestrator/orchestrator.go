// Package orchestrator decides whether a protein query can be answered from
// stored knowledge or needs a discovery job, and runs those jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/kalambet/ppigraph/internal/artifact"
	"github.com/kalambet/ppigraph/internal/interaction"
	"github.com/kalambet/ppigraph/internal/pipeline"
	"github.com/kalambet/ppigraph/internal/snapshot"
	"github.com/kalambet/ppigraph/internal/storage"
)

// Query statuses.
const (
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusCancelling = "cancelling"
	StatusCancelled  = "cancelled"
)

// Answer sources.
const (
	SourceDatabase = "database"
	SourceCache    = "cache"
)

// JobStore is the persisted job queue.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) (storage.Job, bool, error)
	ClaimNextJob(ctx context.Context) (*storage.Job, error)
	FinishJob(ctx context.Context, id string, status storage.JobStatus, resultRef, errMsg string) error
	GetJob(ctx context.Context, id string) (storage.Job, error)
	ActiveJob(ctx context.Context, subject string) (storage.Job, error)
	LatestJob(ctx context.Context, subject string) (storage.Job, error)
	RecoverJobs(ctx context.Context) (int64, error)
}

// Pipeline runs discovery for one protein.
type Pipeline interface {
	Run(ctx context.Context, protein string, opts pipeline.Options, stop <-chan struct{}) (pipeline.Report, error)
	Paths(protein string) artifact.Paths
}

// QueryResult is the answer to a query.
type QueryResult struct {
	Protein string `json:"protein"`
	Status  string `json:"status"`
	Source  string `json:"source,omitempty"`
	Count   int    `json:"count,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

// CancelResult is the answer to a cancel request.
type CancelResult struct {
	Protein string `json:"protein"`
	Status  string `json:"status"`
	JobID   string `json:"job_id"`
}

// SearchResult reports what is stored for a protein without starting a job.
type SearchResult struct {
	Protein string `json:"protein"`
	Known   bool   `json:"known"`
	Count   int    `json:"interaction_count"`
}

// Orchestrator is the single entry point for protein queries.
type Orchestrator struct {
	store    storage.InteractionStore
	jobs     JobStore
	pipeline Pipeline
	builder  *snapshot.Builder
	fs       afero.Fs
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]*runningJob
	wake    chan struct{}
}

type runningJob struct {
	stop      chan struct{}
	cancelled bool
}

// New creates an Orchestrator. fsys is where the pipeline writes artifacts.
func New(store storage.InteractionStore, jobs JobStore, p Pipeline, fsys afero.Fs) *Orchestrator {
	return &Orchestrator{
		store:    store,
		jobs:     jobs,
		pipeline: p,
		builder:  snapshot.NewBuilder(store),
		fs:       fsys,
		logger:   slog.Default(),
		running:  make(map[string]*runningJob),
		wake:     make(chan struct{}, 1),
	}
}

// ValidateSymbol normalizes protein and checks it.
func ValidateSymbol(protein string) (string, error) {
	p := interaction.Normalize(protein)
	if p == "" {
		return "", fmt.Errorf("%w: protein symbol is required", interaction.ErrInvalid)
	}
	if !interaction.ValidSymbol(p) {
		return "", fmt.Errorf("%w: invalid protein symbol %q", interaction.ErrInvalid, protein)
	}
	return p, nil
}

// Query answers from the store when it knows the protein, from a final
// artifact left by an earlier run when one exists, and otherwise submits a
// discovery job. A second query while a job is pending or running attaches to
// that job.
func (o *Orchestrator) Query(ctx context.Context, protein string, opts storage.JobOptions) (QueryResult, error) {
	subject, err := ValidateSymbol(protein)
	if err != nil {
		return QueryResult{}, err
	}

	known, err := o.store.Exists(ctx, subject)
	if err != nil {
		return QueryResult{}, fmt.Errorf("checking store for %s: %w", subject, err)
	}
	if known {
		snap, err := o.builder.Build(ctx, subject)
		if err != nil {
			return QueryResult{}, err
		}
		return QueryResult{Protein: subject, Status: StatusComplete, Source: SourceDatabase, Count: len(snap.Interactors)}, nil
	}

	active, err := o.jobs.ActiveJob(ctx, subject)
	switch {
	case err == nil:
		return QueryResult{Protein: subject, Status: StatusProcessing, JobID: active.ID}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return QueryResult{}, fmt.Errorf("checking active job for %s: %w", subject, err)
	}

	if snap, ok, err := o.fromCache(ctx, subject); err != nil {
		return QueryResult{}, err
	} else if ok {
		return QueryResult{Protein: subject, Status: StatusComplete, Source: SourceCache, Count: len(snap.Interactors)}, nil
	}

	opts.InteractorRounds = pipeline.ClampRounds(opts.InteractorRounds)
	opts.FunctionRounds = pipeline.ClampRounds(opts.FunctionRounds)
	job, created, err := o.jobs.EnqueueJob(ctx, storage.Job{ID: uuid.New().String(), Subject: subject, Options: opts})
	if err != nil {
		return QueryResult{}, fmt.Errorf("submitting job for %s: %w", subject, err)
	}
	if created {
		o.logger.Info("discovery job submitted", "protein", subject, "job_id", job.ID)
		o.notify()
	}
	return QueryResult{Protein: subject, Status: StatusProcessing, JobID: job.ID}, nil
}

// Snapshot returns the assembled snapshot for protein and where it came from.
// It returns storage.ErrNotFound when neither the store nor a final artifact
// knows the protein.
func (o *Orchestrator) Snapshot(ctx context.Context, protein string) (*snapshot.Snapshot, string, error) {
	subject, err := ValidateSymbol(protein)
	if err != nil {
		return nil, "", err
	}
	known, err := o.store.Exists(ctx, subject)
	if err != nil {
		return nil, "", fmt.Errorf("checking store for %s: %w", subject, err)
	}
	if known {
		snap, err := o.builder.Build(ctx, subject)
		return snap, SourceDatabase, err
	}
	snap, ok, err := o.fromCache(ctx, subject)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", fmt.Errorf("no interactions for %s: %w", subject, storage.ErrNotFound)
	}
	return snap, SourceCache, nil
}

// Artifacts returns the artifact paths for protein.
func (o *Orchestrator) Artifacts(protein string) artifact.Paths {
	return o.pipeline.Paths(interaction.Normalize(protein))
}

// FS is the filesystem holding pipeline artifacts.
func (o *Orchestrator) FS() afero.Fs { return o.fs }

// fromCache merges a final artifact from an earlier run into the store. It
// reports false when the artifact is missing or adds nothing for subject.
func (o *Orchestrator) fromCache(ctx context.Context, subject string) (*snapshot.Snapshot, bool, error) {
	final := o.pipeline.Paths(subject).Final
	n, err := o.ingest(ctx, subject, final)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// An artifact without usable facts leaves the protein unknown.
	known, err := o.store.Exists(ctx, subject)
	if err != nil {
		return nil, false, fmt.Errorf("checking store for %s: %w", subject, err)
	}
	if !known {
		o.logger.Info("cached artifact has no interactions", "protein", subject, "path", final)
		return nil, false, nil
	}
	o.logger.Info("merged cached artifact", "protein", subject, "path", final, "facts", n)
	snap, err := o.builder.Build(ctx, subject)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// ingest stores every fact in the artifact and returns how many there were.
func (o *Orchestrator) ingest(ctx context.Context, subject, path string) (int, error) {
	doc, err := artifact.Load(o.fs, path)
	if err != nil {
		return 0, err
	}
	facts, warnings := doc.Facts(subject)
	for _, w := range warnings {
		o.logger.Warn("skipping artifact record", "protein", subject, "path", path, "reason", w)
	}
	if len(facts) == 0 {
		return 0, nil
	}
	if err := o.store.PutAll(ctx, facts); err != nil {
		return 0, fmt.Errorf("storing facts from %s: %w", path, err)
	}
	return len(facts), nil
}

// Cancel stops the active job for protein. A pending job is cancelled at
// once; a running job finishes its current step, merges what it produced and
// is then marked cancelled. It returns storage.ErrNotFound when no job is
// active.
func (o *Orchestrator) Cancel(ctx context.Context, protein string) (CancelResult, error) {
	subject, err := ValidateSymbol(protein)
	if err != nil {
		return CancelResult{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.jobs.ActiveJob(ctx, subject)
	if err != nil {
		return CancelResult{}, err
	}
	if rj, ok := o.running[job.ID]; ok {
		if !rj.cancelled {
			rj.cancelled = true
			close(rj.stop)
			o.logger.Info("cancelling running job", "protein", subject, "job_id", job.ID)
		}
		return CancelResult{Protein: subject, Status: StatusCancelling, JobID: job.ID}, nil
	}

	if err := o.jobs.FinishJob(ctx, job.ID, storage.JobCancelled, "", "cancelled before start"); err != nil {
		return CancelResult{}, err
	}
	o.logger.Info("cancelled job", "protein", subject, "job_id", job.ID)
	return CancelResult{Protein: subject, Status: StatusCancelled, JobID: job.ID}, nil
}

// Status returns the most recent job for protein.
func (o *Orchestrator) Status(ctx context.Context, protein string) (storage.Job, error) {
	subject, err := ValidateSymbol(protein)
	if err != nil {
		return storage.Job{}, err
	}
	return o.jobs.LatestJob(ctx, subject)
}

// Search reports whether protein is stored and how many facts involve it.
func (o *Orchestrator) Search(ctx context.Context, protein string) (SearchResult, error) {
	subject, err := ValidateSymbol(protein)
	if err != nil {
		return SearchResult{}, err
	}
	facts, err := o.store.GetAll(ctx, subject)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Protein: subject, Known: len(facts) > 0, Count: len(facts)}, nil
}

// Stats returns store statistics.
func (o *Orchestrator) Stats(ctx context.Context) (storage.Stats, error) {
	return o.store.Stats(ctx)
}

func (o *Orchestrator) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// register records a claimed job as running and returns its stop channel.
func (o *Orchestrator) register(id string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	rj := &runningJob{stop: make(chan struct{})}
	o.running[id] = rj
	return rj.stop
}

// finish records the outcome of a running job and unregisters it. A cancel
// that arrived during the last step turns a completed run into a cancelled
// one; its results are already merged.
func (o *Orchestrator) finish(ctx context.Context, id string, status storage.JobStatus, ref, errMsg string) (storage.JobStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rj, ok := o.running[id]; ok && rj.cancelled && status == storage.JobComplete {
		status = storage.JobCancelled
	}
	delete(o.running, id)
	return status, o.jobs.FinishJob(ctx, id, status, ref, errMsg)
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}
