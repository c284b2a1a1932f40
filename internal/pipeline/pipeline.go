package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/kalambet/ppigraph/internal/artifact"
	"github.com/kalambet/ppigraph/internal/interaction"
)

// Step names, in execution order.
const (
	StepRunner      = "runner"
	StepValidator   = "validator"
	StepFactChecker = "factchecker"
	StepFinalize    = "finalize"
	StepPMIDRefresh = "pmid_refresh"
	StepVisualizer  = "visualizer"
)

const (
	MinRounds     = 3
	MaxRounds     = 10
	DefaultRounds = MinRounds
)

var (
	// ErrStopped is returned when a run is stopped between steps.
	ErrStopped = errors.New("pipeline stopped")
	// ErrSkipped is returned by a step that decided it has nothing to do.
	ErrSkipped = errors.New("step skipped")
)

// StepFailedError reports the step that aborted a run.
type StepFailedError struct {
	Step     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *StepFailedError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("step %s failed with exit status %d: %v", e.Step, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepFailedError) Unwrap() error { return e.Err }

// Options control a single run.
type Options struct {
	InteractorRounds int
	FunctionRounds   int
	SkipRunner       bool
	SkipValidator    bool
	SkipFactChecker  bool
	SkipViz          bool
}

// ClampRounds bounds a round count to [MinRounds, MaxRounds]; zero selects
// the default.
func ClampRounds(n int) int {
	switch {
	case n == 0:
		return DefaultRounds
	case n < MinRounds:
		return MinRounds
	case n > MaxRounds:
		return MaxRounds
	default:
		return n
	}
}

func (o Options) normalized() Options {
	o.InteractorRounds = ClampRounds(o.InteractorRounds)
	o.FunctionRounds = ClampRounds(o.FunctionRounds)
	return o
}

func (o Options) skips(step string) bool {
	switch step {
	case StepRunner:
		return o.SkipRunner
	case StepValidator:
		return o.SkipValidator
	case StepFactChecker:
		return o.SkipFactChecker
	case StepVisualizer:
		return o.SkipViz
	}
	return false
}

// Input is what every step receives.
type Input struct {
	Protein string
	Dir     string
	Paths   artifact.Paths
	Options Options
	FS      afero.Fs
}

// Step is one stage of the pipeline. Run returns ErrSkipped when there was
// nothing to do.
type Step interface {
	Name() string
	Run(ctx context.Context, in Input) error
}

// EventKind classifies an Event.
type EventKind string

const (
	EventStart   EventKind = "start"
	EventSkip    EventKind = "skip"
	EventDone    EventKind = "done"
	EventFailed  EventKind = "failed"
	EventStopped EventKind = "stopped"
)

// Event is emitted as a run progresses.
type Event struct {
	Protein  string
	Step     string
	Kind     EventKind
	Index    int
	Total    int
	Duration time.Duration
	Err      error
}

// StepResult summarizes one step in a Report.
type StepResult struct {
	Name     string        `json:"name"`
	Status   EventKind     `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Report describes a finished run.
type Report struct {
	Protein string       `json:"protein"`
	Steps   []StepResult `json:"steps"`
	Final   string       `json:"final,omitempty"`
	HTML    string       `json:"html,omitempty"`
	// Latest is the most processed artifact this run produced: the final
	// artifact once the finalize step completed, else the newest intermediate.
	Latest string `json:"latest,omitempty"`
}

// Runner executes steps in order for one protein at a time.
type Runner struct {
	steps  []Step
	fs     afero.Fs
	dir    string
	logger *slog.Logger

	// OnEvent, when set, receives every event synchronously.
	OnEvent func(Event)
}

// NewRunner creates a Runner writing artifacts into dir.
func NewRunner(fsys afero.Fs, dir string, steps ...Step) *Runner {
	return &Runner{
		steps:  steps,
		fs:     fsys,
		dir:    dir,
		logger: slog.Default(),
	}
}

// Dir is the artifact directory.
func (r *Runner) Dir() string { return r.dir }

// Paths returns the artifact paths for protein.
func (r *Runner) Paths(protein string) artifact.Paths {
	return artifact.PathsFor(r.dir, interaction.Normalize(protein))
}

// Run executes every step for protein. Closing stop prevents further steps
// from starting; the step in flight is allowed to finish and Run returns
// ErrStopped. The first failing step aborts the run with a *StepFailedError.
func (r *Runner) Run(ctx context.Context, protein string, opts Options, stop <-chan struct{}) (Report, error) {
	protein = interaction.Normalize(protein)
	if !interaction.ValidSymbol(protein) {
		return Report{}, fmt.Errorf("%w: invalid protein symbol %q", interaction.ErrInvalid, protein)
	}
	if err := r.fs.MkdirAll(r.dir, 0o755); err != nil {
		return Report{}, fmt.Errorf("creating output directory: %w", err)
	}

	in := Input{
		Protein: protein,
		Dir:     r.dir,
		Paths:   r.Paths(protein),
		Options: opts.normalized(),
		FS:      r.fs,
	}
	if err := r.clearStale(in); err != nil {
		return Report{}, err
	}
	report := Report{Protein: protein, Steps: make([]StepResult, 0, len(r.steps))}
	r.logger.Info("pipeline started", "protein", protein,
		"interactor_rounds", in.Options.InteractorRounds, "function_rounds", in.Options.FunctionRounds)

	for n, step := range r.steps {
		ev := Event{Protein: protein, Step: step.Name(), Index: n + 1, Total: len(r.steps)}

		if stopped(stop) {
			ev.Kind = EventStopped
			r.emit(ev)
			return r.finish(report, in), ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return r.finish(report, in), err
		}
		if in.Options.skips(step.Name()) {
			ev.Kind = EventSkip
			r.emit(ev)
			report.Steps = append(report.Steps, StepResult{Name: step.Name(), Status: EventSkip})
			continue
		}

		ev.Kind = EventStart
		r.emit(ev)
		start := time.Now()
		err := step.Run(ctx, in)
		ev.Duration = time.Since(start)
		res := StepResult{Name: step.Name(), Duration: ev.Duration}

		switch {
		case err == nil:
			ev.Kind, res.Status = EventDone, EventDone
			if step.Name() == StepFinalize {
				report.Latest = in.Paths.Final
			}
		case errors.Is(err, ErrSkipped):
			ev.Kind, res.Status = EventSkip, EventSkip
		default:
			var sfe *StepFailedError
			if !errors.As(err, &sfe) {
				sfe = &StepFailedError{Step: step.Name(), Err: err}
			}
			ev.Kind, ev.Err = EventFailed, sfe
			res.Status, res.Error = EventFailed, sfe.Error()
			r.emit(ev)
			report.Steps = append(report.Steps, res)
			return r.finish(report, in), sfe
		}
		r.emit(ev)
		report.Steps = append(report.Steps, res)
	}

	r.logger.Info("pipeline finished", "protein", protein)
	return r.finish(report, in), nil
}

func (r *Runner) finish(report Report, in Input) Report {
	if ok, _ := afero.Exists(r.fs, in.Paths.Final); ok {
		report.Final = in.Paths.Final
	}
	if ok, _ := afero.Exists(r.fs, in.Paths.HTML); ok {
		report.HTML = in.Paths.HTML
	}
	if report.Latest == "" {
		report.Latest, _ = in.Paths.LatestIntermediate(r.fs)
	}
	return report
}

// clearStale removes intermediates left by an earlier run so that only this
// run's output can be promoted. The runner output is kept when the runner is
// skipped, since it is then the run's input.
func (r *Runner) clearStale(in Input) error {
	stale := []string{in.Paths.Validated, in.Paths.FactChecked}
	if !in.Options.skips(StepRunner) {
		stale = append(stale, in.Paths.Pipeline)
	}
	for _, name := range stale {
		if err := r.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing stale artifact %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runner) emit(ev Event) {
	attrs := []any{"protein", ev.Protein, "step", ev.Step, "index", ev.Index, "total", ev.Total}
	switch ev.Kind {
	case EventFailed:
		r.logger.Error("pipeline step failed", append(attrs, "duration", ev.Duration, "error", ev.Err)...)
	case EventDone:
		r.logger.Info("pipeline step finished", append(attrs, "duration", ev.Duration)...)
	default:
		r.logger.Debug("pipeline step "+string(ev.Kind), attrs...)
	}
	if r.OnEvent != nil {
		r.OnEvent(ev)
	}
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
