package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"

	"github.com/kalambet/ppigraph/internal/interaction"
	"github.com/kalambet/ppigraph/internal/orchestrator"
	"github.com/kalambet/ppigraph/internal/storage"
	"github.com/kalambet/ppigraph/internal/visualize"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds dependencies for the query API.
type AppDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Token        string
}

// NewAppHandler returns an http.Handler serving the query API.
// /health is always open; /api routes require the bearer token when one is
// configured.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/query", handleQuery(deps))
		r.Get("/results/{protein}", handleResults(deps))
		r.Get("/visualize/{protein}", handleVisualize(deps))
		r.Get("/status/{protein}", handleStatus(deps))
		r.Post("/cancel/{protein}", handleCancel(deps))
		r.Get("/search/{protein}", handleSearch(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type queryRequest struct {
	Protein          string `json:"protein"`
	InteractorRounds int    `json:"interactor_rounds"`
	FunctionRounds   int    `json:"function_rounds"`
	SkipValidation   bool   `json:"skip_validation"`
}

func handleQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Protein == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "protein is required")
			return
		}

		res, err := deps.Orchestrator.Query(r.Context(), req.Protein, storage.JobOptions{
			InteractorRounds: req.InteractorRounds,
			FunctionRounds:   req.FunctionRounds,
			SkipValidation:   req.SkipValidation,
		})
		if err != nil {
			writeError(w, "query failed", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleResults(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, source, err := deps.Orchestrator.Snapshot(r.Context(), chi.URLParam(r, "protein"))
		if err != nil {
			writeError(w, "loading results failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"snapshot_json": snap,
			"source":        source,
		})
	}
}

func handleVisualize(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		protein, err := orchestrator.ValidateSymbol(chi.URLParam(r, "protein"))
		if err != nil {
			writeError(w, "visualize failed", err)
			return
		}

		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		// A page rendered by the pipeline is served only when the store
		// cannot answer.
		snap, _, err := deps.Orchestrator.Snapshot(r.Context(), protein)
		if err != nil {
			page, readErr := afero.ReadFile(deps.Orchestrator.FS(), deps.Orchestrator.Artifacts(protein).HTML)
			if readErr != nil {
				if !errors.Is(readErr, fs.ErrNotExist) {
					slog.Warn("reading rendered page failed", "protein", protein, "error", readErr)
				}
				writeError(w, "visualize failed", err)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write(page)
			return
		}
		var buf bytes.Buffer
		if err := visualize.Render(&buf, snap); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "rendering %s: %v", protein, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
	}
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Orchestrator.Status(r.Context(), chi.URLParam(r, "protein"))
		if err != nil {
			writeError(w, "status failed", err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func handleCancel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Orchestrator.Cancel(r.Context(), chi.URLParam(r, "protein"))
		if err != nil {
			writeError(w, "cancel failed", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Orchestrator.Search(r.Context(), chi.URLParam(r, "protein"))
		if err != nil {
			writeError(w, "search failed", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Orchestrator.Stats(r.Context())
		if err != nil {
			writeError(w, "stats failed", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, interaction.ErrInvalid):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, storage.ErrUnavailable):
		slog.Error(msg, "error", err)
		httpError(w, http.StatusServiceUnavailable, "store_unavailable", "%s: %v", msg, err)
	default:
		slog.Error(msg, "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", msg, err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"status": "error",
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
