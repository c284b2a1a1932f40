package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kalambet/ppigraph/internal/api"
	"github.com/kalambet/ppigraph/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the query API server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(port, mcpStdio)
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools over stdin/stdout")
}

func runServer(port int, mcpStdio bool) error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	setupLogging(cfg.Log.Level, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, jobs, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	runner := newRunner(cfg, nil)
	orch := orchestrator.New(store, jobs, runner, afero.NewOsFs())

	worker := orchestrator.NewWorker(orch, cfg.Pipeline.PollInterval)
	if err := worker.Recover(ctx); err != nil {
		return err
	}
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token is not set; API requests are not authenticated")
	}

	mcpSrv := api.NewMCPServer(api.MCPDeps{Orchestrator: orch, Version: version})

	topRouter := chi.NewRouter()
	topRouter.With(api.BearerAuth(cfg.Server.APIToken)).Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))
	topRouter.Mount("/", api.NewAppHandler(api.AppDeps{
		Orchestrator: orch,
		Token:        cfg.Server.APIToken,
	}))

	if mcpStdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           topRouter,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr, "backend", cfg.Storage.Backend, "output_dir", cfg.Pipeline.OutputDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	// The worker records the outcome of its current job before the stores close.
	stop()
	<-workerDone
	return err
}
