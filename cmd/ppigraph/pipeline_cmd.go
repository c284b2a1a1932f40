package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/ppigraph/internal/orchestrator"
	"github.com/kalambet/ppigraph/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline <protein>",
	Short: "Run the discovery pipeline for one protein locally",
	Long: `Run the discovery pipeline for one protein without the server.

Steps: runner, validator, factchecker, finalize, pmid_refresh, visualizer.
Artifacts are written to pipeline.output_dir:
  {protein}_pipeline.json, {protein}_validated.json, {protein}_factchecked.json,
  {protein}.json and {protein}.html

Examples:
  ppigraph pipeline ATXN3
  ppigraph pipeline ATXN3 --interactor-rounds 5 --skip-factchecker
  ppigraph pipeline --interactive`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPipeline,
}

func init() {
	f := pipelineCmd.Flags()
	f.Bool("skip-runner", false, "skip interactor discovery")
	f.Bool("skip-validator", false, "skip evidence validation")
	f.Bool("skip-factchecker", false, "skip fact checking")
	f.Bool("skip-viz", false, "skip HTML rendering")
	f.Int("interactor-rounds", 0, "interactor discovery rounds, 3-10 (default pipeline.interactor_rounds)")
	f.Int("function-rounds", 0, "function discovery rounds, 3-10 (default pipeline.function_rounds)")
	f.Bool("interactive", false, "prompt for the protein, rounds and steps")
	f.Bool("verbose", false, "debug logging and step output")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	setupLogging("warn", verbose)

	f := cmd.Flags()
	opts := pipeline.Options{}
	opts.SkipRunner, _ = f.GetBool("skip-runner")
	opts.SkipValidator, _ = f.GetBool("skip-validator")
	opts.SkipFactChecker, _ = f.GetBool("skip-factchecker")
	opts.SkipViz, _ = f.GetBool("skip-viz")
	opts.InteractorRounds, _ = f.GetInt("interactor-rounds")
	opts.FunctionRounds, _ = f.GetInt("function-rounds")
	if opts.InteractorRounds == 0 {
		opts.InteractorRounds = cfg.Pipeline.InteractorRounds
	}
	if opts.FunctionRounds == 0 {
		opts.FunctionRounds = cfg.Pipeline.FunctionRounds
	}

	var protein string
	if len(args) == 1 {
		protein = args[0]
	}
	if interactive, _ := f.GetBool("interactive"); interactive {
		protein, opts, err = promptOptions(bufio.NewReader(cmd.InOrStdin()), cmd.ErrOrStderr(), protein, opts)
		if err != nil {
			return err
		}
	}
	if protein == "" {
		return errors.New("protein argument is required (or use --interactive)")
	}
	protein, err = orchestrator.ValidateSymbol(protein)
	if err != nil {
		return err
	}
	opts.InteractorRounds = pipeline.ClampRounds(opts.InteractorRounds)
	opts.FunctionRounds = pipeline.ClampRounds(opts.FunctionRounds)

	var stepOut io.Writer
	if verbose {
		stepOut = cmd.ErrOrStderr()
	}
	runner := newRunner(cfg, stepOut)
	runner.OnEvent = printEvent

	ctx, stopRun := interruptible(cmd.Context())
	defer stopRun.cancel()

	printStep("Running pipeline for %s (interactor rounds %d, function rounds %d)", protein, opts.InteractorRounds, opts.FunctionRounds)
	report, err := runner.Run(ctx, protein, opts, stopRun.stop)
	if err != nil {
		var sfe *pipeline.StepFailedError
		if errors.As(err, &sfe) && sfe.Stderr != "" {
			fmt.Fprintln(stderr, strings.TrimRight(sfe.Stderr, "\n"))
		}
		if errors.Is(err, pipeline.ErrStopped) {
			return fmt.Errorf("pipeline for %s stopped before completion", protein)
		}
		return err
	}

	if report.Final != "" {
		printStatus("Result", "%s", report.Final)
	}
	if report.HTML != "" {
		printStatus("Page", "%s", report.HTML)
	}
	printSuccess("Pipeline complete for %s", protein)
	return nil
}

type interruption struct {
	stop   chan struct{}
	cancel context.CancelFunc
}

// interruptible lets the first interrupt finish the current step and the
// second abort it.
func interruptible(parent context.Context) (context.Context, interruption) {
	ctx, cancel := context.WithCancel(parent)
	in := interruption{stop: make(chan struct{}), cancel: cancel}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			printWarning("stopping after the current step; interrupt again to abort")
			close(in.stop)
		case <-ctx.Done():
			return
		}
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, in
}

// promptOptions asks for every pipeline option, keeping the current value on
// an empty answer.
func promptOptions(r *bufio.Reader, w io.Writer, protein string, opts pipeline.Options) (string, pipeline.Options, error) {
	var err error
	if protein, err = promptString(r, w, "Protein symbol", protein); err != nil {
		return "", opts, err
	}
	if opts.InteractorRounds, err = promptInt(r, w, "Interactor rounds (3-10)", opts.InteractorRounds); err != nil {
		return "", opts, err
	}
	if opts.FunctionRounds, err = promptInt(r, w, "Function rounds (3-10)", opts.FunctionRounds); err != nil {
		return "", opts, err
	}
	for _, q := range []struct {
		label string
		v     *bool
	}{
		{"Skip runner", &opts.SkipRunner},
		{"Skip validator", &opts.SkipValidator},
		{"Skip fact checker", &opts.SkipFactChecker},
		{"Skip visualizer", &opts.SkipViz},
	} {
		if *q.v, err = promptBool(r, w, q.label, *q.v); err != nil {
			return "", opts, err
		}
	}
	return protein, opts, nil
}

func readAnswer(r *bufio.Reader, w io.Writer, label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(w, "%s: ", label)
	}
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading answer: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}

func promptString(r *bufio.Reader, w io.Writer, label, def string) (string, error) {
	return readAnswer(r, w, label, def)
}

func promptInt(r *bufio.Reader, w io.Writer, label string, def int) (int, error) {
	for {
		ans, err := readAnswer(r, w, label, strconv.Itoa(def))
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(ans)
		if err == nil {
			return n, nil
		}
		fmt.Fprintf(w, "  %q is not a number\n", ans)
	}
}

func promptBool(r *bufio.Reader, w io.Writer, label string, def bool) (bool, error) {
	d := "n"
	if def {
		d = "y"
	}
	for {
		ans, err := readAnswer(r, w, label+" (y/n)", d)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(ans) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintf(w, "  answer y or n\n")
	}
}
