package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/kalambet/ppigraph/internal/config"
	"github.com/kalambet/ppigraph/internal/hashcache"
	"github.com/kalambet/ppigraph/internal/pipeline"
	"github.com/kalambet/ppigraph/internal/storage"
	"github.com/kalambet/ppigraph/internal/storage/filestore"
	"github.com/kalambet/ppigraph/internal/storage/postgres"
	"github.com/kalambet/ppigraph/internal/visualize"
)

// openStores opens the configured fact store and the SQLite database that
// always holds job records. When the backend is sqlite both are the same
// database.
func openStores(ctx context.Context, cfg config.Config) (storage.InteractionStore, *storage.Store, func(), error) {
	jobs, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	closeJobs := func() {
		if err := jobs.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}

	var facts storage.InteractionStore
	switch cfg.Storage.Backend {
	case "sqlite":
		return jobs, jobs, closeJobs, nil
	case "postgres":
		facts, err = postgres.New(ctx, cfg.Storage.PostgresDSN)
	case "files":
		facts, err = filestore.New(afero.NewOsFs(), cfg.Storage.CacheDir)
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		closeJobs()
		return nil, nil, nil, fmt.Errorf("opening %s store: %w", cfg.Storage.Backend, err)
	}
	slog.Info("interaction store opened", "backend", cfg.Storage.Backend)

	return facts, jobs, func() {
		if err := facts.Close(); err != nil {
			slog.Warn("closing interaction store", "error", err)
		}
		closeJobs()
	}, nil
}

// newRunner builds the discovery pipeline writing into the configured
// output directory.
func newRunner(cfg config.Config, stdout io.Writer) *pipeline.Runner {
	fsys := afero.NewOsFs()
	dir := cfg.Pipeline.OutputDir
	cache := hashcache.New(fsys, filepath.Join(dir, hashcache.StateFile))
	steps := pipeline.DefaultSteps(pipeline.Commands{
		Runner:      cfg.Pipeline.RunnerCmd,
		Validator:   cfg.Pipeline.ValidatorCmd,
		FactChecker: cfg.Pipeline.FactCheckerCmd,
		PMIDRefresh: cfg.Pipeline.PMIDCmd,
		Visualizer:  cfg.Pipeline.VisualizerCmd,
		Stdout:      stdout,
	}, cache, visualize.ArtifactRenderer{FS: fsys})
	return pipeline.NewRunner(fsys, dir, steps...)
}
