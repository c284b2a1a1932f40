package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/kalambet/ppigraph/internal/artifact"
	"github.com/kalambet/ppigraph/internal/hashcache"
)

// Commands configures the external programs behind each step. Arguments may
// use the placeholders {protein}, {input}, {output}, {dir},
// {interactor_rounds} and {function_rounds}. An empty command makes the step
// a no-op.
type Commands struct {
	Runner      string
	Validator   string
	FactChecker string
	PMIDRefresh string
	Visualizer  string
	// Stdout receives the standard output of every command when set.
	Stdout io.Writer
}

// DefaultSteps returns the standard step sequence. PMID refresh is gated by
// cache. When no visualizer command is configured, renderer draws the page.
func DefaultSteps(cmds Commands, cache *hashcache.Cache, renderer Renderer) []Step {
	steps := []Step{
		&CommandStep{StepName: StepRunner, Command: cmds.Runner, Stdout: cmds.Stdout,
			Output: func(p artifact.Paths) string { return p.Pipeline }},
		&CommandStep{StepName: StepValidator, Command: cmds.Validator, Stdout: cmds.Stdout,
			Input:  func(p artifact.Paths) []string { return []string{p.Pipeline} },
			Output: func(p artifact.Paths) string { return p.Validated }},
		&CommandStep{StepName: StepFactChecker, Command: cmds.FactChecker, Stdout: cmds.Stdout,
			Input:  func(p artifact.Paths) []string { return []string{p.Validated, p.Pipeline} },
			Output: func(p artifact.Paths) string { return p.FactChecked }},
		FinalizeStep{},
	}

	var refresh Step = &CommandStep{StepName: StepPMIDRefresh, Command: cmds.PMIDRefresh, Stdout: cmds.Stdout,
		Input:  func(p artifact.Paths) []string { return []string{p.Final} },
		Output: func(p artifact.Paths) string { return p.Final }}
	if cache != nil {
		refresh = &HashGatedStep{Step: refresh, Cache: cache,
			Artifact: func(p artifact.Paths) string { return p.Final }}
	}
	steps = append(steps, refresh)

	if cmds.Visualizer != "" || renderer == nil {
		steps = append(steps, &CommandStep{StepName: StepVisualizer, Command: cmds.Visualizer, Stdout: cmds.Stdout,
			Input:  func(p artifact.Paths) []string { return []string{p.Final} },
			Output: func(p artifact.Paths) string { return p.HTML }})
	} else {
		steps = append(steps, RenderStep{Renderer: renderer})
	}
	return steps
}

// CommandStep runs an external program that reads one artifact and writes
// another.
type CommandStep struct {
	StepName string
	Command  string
	// Input lists candidate inputs; the first that exists is used.
	Input  func(artifact.Paths) []string
	Output func(artifact.Paths) string
	// Stdout receives the program's standard output when set.
	Stdout io.Writer
}

func (s *CommandStep) Name() string { return s.StepName }

func (s *CommandStep) Run(ctx context.Context, in Input) error {
	fields := strings.Fields(s.Command)
	if len(fields) == 0 {
		return ErrSkipped
	}

	var input string
	if s.Input != nil {
		candidates := s.Input(in.Paths)
		for _, c := range candidates {
			if ok, _ := afero.Exists(in.FS, c); ok {
				input = c
				break
			}
		}
		if input == "" {
			return &StepFailedError{Step: s.StepName, Err: fmt.Errorf("no input artifact among %s", strings.Join(candidates, ", "))}
		}
	}
	var output string
	if s.Output != nil {
		output = s.Output(in.Paths)
	}

	replacer := strings.NewReplacer(
		"{protein}", in.Protein,
		"{input}", input,
		"{output}", output,
		"{dir}", in.Dir,
		"{interactor_rounds}", strconv.Itoa(in.Options.InteractorRounds),
		"{function_rounds}", strconv.Itoa(in.Options.FunctionRounds),
	)
	args := make([]string, len(fields))
	for n, f := range fields {
		args[n] = replacer.Replace(f)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = in.Dir
	stderr := &cappedBuffer{limit: 10 * 1024}
	cmd.Stderr = stderr
	if s.Stdout != nil {
		cmd.Stdout = s.Stdout
	}

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return &StepFailedError{Step: s.StepName, ExitCode: code, Stderr: stderr.String(), Err: err}
	}

	if output != "" {
		if ok, _ := afero.Exists(in.FS, output); !ok {
			return &StepFailedError{Step: s.StepName, Err: fmt.Errorf("expected output %s was not written", output)}
		}
	}
	return nil
}

// FinalizeStep promotes the most processed intermediate artifact to the
// final {protein}.json.
type FinalizeStep struct{}

func (FinalizeStep) Name() string { return StepFinalize }

func (FinalizeStep) Run(ctx context.Context, in Input) error {
	for _, src := range []string{in.Paths.FactChecked, in.Paths.Validated, in.Paths.Pipeline} {
		data, err := afero.ReadFile(in.FS, src)
		if err != nil {
			continue
		}
		if _, err := artifact.Parse(data); err != nil {
			return &StepFailedError{Step: StepFinalize, Err: err}
		}
		tmp := in.Paths.Final + ".tmp"
		if err := afero.WriteFile(in.FS, tmp, data, 0o644); err != nil {
			return &StepFailedError{Step: StepFinalize, Err: err}
		}
		if err := in.FS.Rename(tmp, in.Paths.Final); err != nil {
			return &StepFailedError{Step: StepFinalize, Err: err}
		}
		return nil
	}
	if ok, _ := afero.Exists(in.FS, in.Paths.Final); ok {
		return ErrSkipped
	}
	return &StepFailedError{Step: StepFinalize, Err: errors.New("no artifact was produced")}
}

// HashGatedStep runs Step only when the tracked artifact changed since the
// last successful run, and records the new fingerprint after success.
type HashGatedStep struct {
	Step     Step
	Cache    *hashcache.Cache
	Artifact func(artifact.Paths) string
}

func (s *HashGatedStep) Name() string { return s.Step.Name() }

func (s *HashGatedStep) Run(ctx context.Context, in Input) error {
	target := s.Artifact(in.Paths)
	run, err := s.Cache.ShouldRun(target)
	if err != nil {
		return &StepFailedError{Step: s.Name(), Err: err}
	}
	if !run {
		return ErrSkipped
	}
	if err := s.Step.Run(ctx, in); err != nil {
		return err
	}
	if err := s.Cache.MarkComplete(target); err != nil {
		return &StepFailedError{Step: s.Name(), Err: err}
	}
	return nil
}

// Renderer draws the page for a final artifact.
type Renderer interface {
	RenderArtifact(ctx context.Context, protein, artifactPath string, w io.Writer) error
}

// RenderStep writes {protein}.html in process.
type RenderStep struct {
	Renderer Renderer
}

func (RenderStep) Name() string { return StepVisualizer }

func (s RenderStep) Run(ctx context.Context, in Input) error {
	var buf bytes.Buffer
	if err := s.Renderer.RenderArtifact(ctx, in.Protein, in.Paths.Final, &buf); err != nil {
		return &StepFailedError{Step: StepVisualizer, Err: err}
	}
	if err := afero.WriteFile(in.FS, in.Paths.HTML, buf.Bytes(), 0o644); err != nil {
		return &StepFailedError{Step: StepVisualizer, Err: err}
	}
	return nil
}

// cappedBuffer keeps at most limit bytes of what is written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.limit - c.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			c.buf.Write(p[:remaining])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
