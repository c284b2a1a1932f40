package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/ppigraph/internal/interaction"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable marks failures of the persistence layer itself (I/O,
// connection, corrupt records). Callers decide whether to retry or fail.
var ErrUnavailable = errors.New("store unavailable")

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// InteractionStore is symmetric storage of pairwise interaction facts.
// A fact stored for {A, B} is returned by GetAll(A) and GetAll(B).
type InteractionStore interface {
	// Put inserts the fact or merges it into the existing fact with the same
	// unordered pair and type.
	Put(ctx context.Context, i interaction.Interaction) error
	// PutAll stores every fact; it returns after all of them are durable.
	PutAll(ctx context.Context, facts []interaction.Interaction) error
	// GetAll returns every fact involving subject, ordered by EdgeKey.
	GetAll(ctx context.Context, subject string) ([]interaction.Interaction, error)
	// Exists reports whether any fact involves subject.
	Exists(ctx context.Context, subject string) (bool, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats summarizes store contents.
type Stats struct {
	TotalProteins      int `json:"total_proteins"`
	UniqueInteractions int `json:"unique_interactions"`
	// TotalRecords counts physical records: rows for database backends, mirrored
	// files for the file backend.
	TotalRecords int `json:"total_interaction_records"`
}

// JobStatus is the lifecycle state of a discovery job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobComplete  JobStatus = "complete"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobCancelled || s == JobFailed
}

// JobOptions are the discovery parameters a job was submitted with.
type JobOptions struct {
	InteractorRounds int  `json:"interactor_rounds,omitempty"`
	FunctionRounds   int  `json:"function_rounds,omitempty"`
	SkipValidation   bool `json:"skip_validation,omitempty"`
}

// Job is a persisted discovery job record.
type Job struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	Status     JobStatus  `json:"status"`
	Options    JobOptions `json:"options"`
	ResultRef  string     `json:"result_ref,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
