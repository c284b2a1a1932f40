package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/kalambet/ppigraph/internal/artifact"
	"github.com/kalambet/ppigraph/internal/interaction"
	"github.com/kalambet/ppigraph/internal/orchestrator"
	"github.com/kalambet/ppigraph/internal/pipeline"
	"github.com/kalambet/ppigraph/internal/storage"
)

const testToken = "test-token-12345"

// stubPipeline never finishes a run on its own; tests drive jobs through
// the store directly.
type stubPipeline struct{}

func (stubPipeline) Paths(protein string) artifact.Paths {
	return artifact.PathsFor("/out", protein)
}

func (stubPipeline) Run(ctx context.Context, protein string, opts pipeline.Options, stop <-chan struct{}) (pipeline.Report, error) {
	return pipeline.Report{Protein: protein}, nil
}

type testServer struct {
	handler http.Handler
	store   *storage.Store
	fs      afero.Fs
	orch    *orchestrator.Orchestrator
}

func setupAppHandler(t *testing.T, token string) *testServer {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fsys := afero.NewMemMapFs()
	orch := orchestrator.New(store, store, stubPipeline{}, fsys)
	return &testServer{
		handler: NewAppHandler(AppDeps{Orchestrator: orch, Token: token}),
		store:   store,
		fs:      fsys,
		orch:    orch,
	}
}

func (s *testServer) seed(t *testing.T) {
	t.Helper()
	facts := []interaction.Interaction{
		{ProteinA: "ATXN3", ProteinB: "VCP", Type: interaction.Direct, Confidence: 0.9, DiscoveredInQuery: "ATXN3",
			Functions: []interaction.Function{{Name: "ERAD", Arrow: interaction.ArrowActivates}}},
		{ProteinA: "ATXN3", ProteinB: "MTOR", Type: interaction.Indirect, MediatorChain: []string{"RHEB"}, DiscoveredInQuery: "ATXN3",
			Functions: []interaction.Function{{Name: "Autophagy", NetArrow: interaction.ArrowInhibits}}},
	}
	if err := s.store.PutAll(context.Background(), facts); err != nil {
		t.Fatalf("PutAll: %v", err)
	}
}

func (s *testServer) do(method, url, body, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	return body
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rr)
	if body["status"] != "error" {
		t.Errorf("status field = %v, want error", body["status"])
	}
	e, _ := body["error"].(map[string]any)
	typ, _ := e["type"].(string)
	return typ
}

func TestHealth(t *testing.T) {
	s := setupAppHandler(t, testToken)
	rr := s.do(http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("body = %s", got)
	}
}

func TestAuth(t *testing.T) {
	s := setupAppHandler(t, testToken)

	rr := s.do(http.MethodGet, "/api/stats", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rr.Code)
	}
	if typ := errorType(t, rr); typ != "authentication_error" {
		t.Errorf("error type = %q", typ)
	}

	if rr := s.do(http.MethodGet, "/api/stats", "", "wrong"); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rr.Code)
	}
	if rr := s.do(http.MethodGet, "/api/stats", "", testToken); rr.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rr.Code)
	}
}

func TestAuth_DisabledWithoutToken(t *testing.T) {
	s := setupAppHandler(t, "")
	if rr := s.do(http.MethodGet, "/api/stats", "", ""); rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestQuery_UnknownProteinSubmitsJob(t *testing.T) {
	s := setupAppHandler(t, testToken)

	rr := s.do(http.MethodPost, "/api/query", `{"protein":"atxn3","interactor_rounds":1}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["status"] != "processing" || body["protein"] != "ATXN3" || body["job_id"] == "" {
		t.Errorf("body = %v", body)
	}

	job, err := s.store.ActiveJob(context.Background(), "ATXN3")
	if err != nil {
		t.Fatalf("ActiveJob: %v", err)
	}
	if job.Options.InteractorRounds != pipeline.MinRounds {
		t.Errorf("interactor rounds = %d, want %d", job.Options.InteractorRounds, pipeline.MinRounds)
	}
}

func TestQuery_KnownProtein(t *testing.T) {
	s := setupAppHandler(t, testToken)
	s.seed(t)

	rr := s.do(http.MethodPost, "/api/query", `{"protein":"ATXN3"}`, testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["status"] != "complete" || body["source"] != "database" {
		t.Errorf("body = %v", body)
	}
	// VCP, MTOR, and the RHEB bridge.
	if body["count"] != float64(3) {
		t.Errorf("count = %v, want 3", body["count"])
	}
}

func TestQuery_BadRequests(t *testing.T) {
	s := setupAppHandler(t, testToken)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing protein", `{}`},
		{"invalid symbol", `{"protein":"ATX N3"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(http.MethodPost, "/api/query", tt.body, testToken)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if typ := errorType(t, rr); typ != "invalid_request_error" {
				t.Errorf("error type = %q", typ)
			}
		})
	}
}

func TestResults(t *testing.T) {
	s := setupAppHandler(t, testToken)
	s.seed(t)

	rr := s.do(http.MethodGet, "/api/results/VCP", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Source   string `json:"source"`
		Snapshot struct {
			Subject     string `json:"subject"`
			Interactors []struct {
				Partner string `json:"partner"`
			} `json:"interactors"`
		} `json:"snapshot_json"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Source != "database" || body.Snapshot.Subject != "VCP" {
		t.Errorf("body = %+v", body)
	}
	if len(body.Snapshot.Interactors) != 1 || body.Snapshot.Interactors[0].Partner != "ATXN3" {
		t.Errorf("interactors = %+v", body.Snapshot.Interactors)
	}
}

func TestResults_Unknown(t *testing.T) {
	s := setupAppHandler(t, testToken)
	rr := s.do(http.MethodGet, "/api/results/SNCA", "", testToken)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if typ := errorType(t, rr); typ != "not_found_error" {
		t.Errorf("error type = %q", typ)
	}
}

func TestVisualize(t *testing.T) {
	s := setupAppHandler(t, testToken)
	s.seed(t)

	rr := s.do(http.MethodGet, "/api/visualize/atxn3", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rr.Header().Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Errorf("Cache-Control = %q", cc)
	}
	if !strings.Contains(rr.Body.String(), "RHEB") {
		t.Error("rendered page does not mention the RHEB bridge")
	}
}

func TestVisualize_ServesRenderedPage(t *testing.T) {
	s := setupAppHandler(t, testToken)
	page := "<html>prerendered</html>"
	if err := afero.WriteFile(s.fs, "/out/SNCA.html", []byte(page), 0o644); err != nil {
		t.Fatal(err)
	}

	rr := s.do(http.MethodGet, "/api/visualize/SNCA", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Body.String() != page {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestVisualize_PrefersStoreOverRenderedPage(t *testing.T) {
	s := setupAppHandler(t, testToken)
	s.seed(t)
	if err := afero.WriteFile(s.fs, "/out/ATXN3.html", []byte("<html>stale</html>"), 0o644); err != nil {
		t.Fatal(err)
	}

	rr := s.do(http.MethodGet, "/api/visualize/ATXN3", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "stale") || !strings.Contains(rr.Body.String(), "RHEB") {
		t.Errorf("page not rendered from the store: %s", rr.Body.String())
	}
}

func TestVisualize_Unknown(t *testing.T) {
	s := setupAppHandler(t, testToken)
	if rr := s.do(http.MethodGet, "/api/visualize/SNCA", "", testToken); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestStatusAndCancel(t *testing.T) {
	s := setupAppHandler(t, testToken)

	if rr := s.do(http.MethodGet, "/api/status/SNCA", "", testToken); rr.Code != http.StatusNotFound {
		t.Errorf("status before any job = %d, want 404", rr.Code)
	}
	if rr := s.do(http.MethodPost, "/api/cancel/SNCA", "", testToken); rr.Code != http.StatusNotFound {
		t.Errorf("cancel without job = %d, want 404", rr.Code)
	}

	s.do(http.MethodPost, "/api/query", `{"protein":"SNCA"}`, testToken)

	rr := s.do(http.MethodGet, "/api/status/SNCA", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["status"] != string(storage.JobPending) {
		t.Errorf("job = %v", body)
	}

	rr = s.do(http.MethodPost, "/api/cancel/snca", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel = %d; body = %s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["status"] != orchestrator.StatusCancelled {
		t.Errorf("cancel body = %v", body)
	}

	rr = s.do(http.MethodGet, "/api/status/SNCA", "", testToken)
	if body := decodeBody(t, rr); body["status"] != string(storage.JobCancelled) {
		t.Errorf("job after cancel = %v", body)
	}
}

func TestSearchAndStats(t *testing.T) {
	s := setupAppHandler(t, testToken)
	s.seed(t)

	rr := s.do(http.MethodGet, "/api/search/MTOR", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("search = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["known"] != true || body["interaction_count"] != float64(1) {
		t.Errorf("search body = %v", body)
	}

	rr = s.do(http.MethodGet, "/api/search/SNCA", "", testToken)
	if body := decodeBody(t, rr); body["known"] != false {
		t.Errorf("unknown search body = %v", body)
	}

	rr = s.do(http.MethodGet, "/api/stats", "", testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats = %d", rr.Code)
	}
	var stats storage.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.UniqueInteractions != 2 || stats.TotalProteins != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStoreUnavailable(t *testing.T) {
	s := setupAppHandler(t, testToken)
	s.store.Close()

	rr := s.do(http.MethodGet, "/api/stats", "", testToken)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body = %s", rr.Code, rr.Body.String())
	}
	if typ := errorType(t, rr); typ != "store_unavailable" {
		t.Errorf("error type = %q", typ)
	}
}
