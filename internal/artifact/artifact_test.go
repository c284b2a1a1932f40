package artifact

import (
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/kalambet/ppigraph/internal/interaction"
)

const pipelineOutput = `{
  "snapshot_json": {
    "main": "ATXN3",
    "interactors": [
      {
        "primary": "VCP",
        "interaction_type": "direct",
        "confidence": 0.9,
        "functions": [
          {"function": "ERAD", "arrow": "Activates", "evidence": [{"pmid": 12345, "paper_title": "VCP and ataxin-3", "year": "2006"}]}
        ],
        "pmids": ["12345", "67890"]
      },
      {
        "primary": "MTOR",
        "interaction_type": "indirect",
        "upstream_interactor": "TSC2",
        "mediator_chain": ["RHEB", "TSC2"],
        "confidence": 0.6,
        "functions": [
          {"function": "mTORC1 signalling", "arrow": "inhibits", "net_arrow": "inhibits", "direct_arrow": "activates"},
          {"function": "Autophagy", "arrow": "inhibition"}
        ]
      },
      {"primary": ""},
      {"primary": "BAD SYMBOL!"}
    ]
  }
}`

func findFact(facts []interaction.Interaction, a, b string, t interaction.Type) (interaction.Interaction, bool) {
	key := interaction.NewEdgeKey(a, b, t)
	for _, f := range facts {
		if f.Key() == key {
			return f, true
		}
	}
	return interaction.Interaction{}, false
}

func TestParse_WrappedAndBare(t *testing.T) {
	wrapped, err := Parse([]byte(pipelineOutput))
	if err != nil {
		t.Fatalf("Parse wrapped: %v", err)
	}
	if wrapped.Main != "ATXN3" || len(wrapped.Interactors) != 4 {
		t.Errorf("wrapped = %+v", wrapped)
	}

	bare, err := Parse([]byte(`{"main": "VCP", "interactors": [{"primary": "ATXN3"}]}`))
	if err != nil {
		t.Fatalf("Parse bare: %v", err)
	}
	if bare.Main != "VCP" || len(bare.Interactors) != 1 {
		t.Errorf("bare = %+v", bare)
	}

	if _, err := Parse([]byte(`{"interactors": 3}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("Parse invalid: err = %v, want ErrMalformed", err)
	}
}

func TestFacts(t *testing.T) {
	doc, err := Parse([]byte(pipelineOutput))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	facts, warnings := doc.Facts("")

	// VCP direct, MTOR indirect, RHEB-TSC2 and TSC2-MTOR chain links.
	if len(facts) != 4 {
		t.Fatalf("facts = %d, want 4: %+v", len(facts), facts)
	}
	if len(warnings) != 2 {
		t.Errorf("warnings = %v, want 2", warnings)
	}

	vcp, ok := findFact(facts, "ATXN3", "VCP", interaction.Direct)
	if !ok {
		t.Fatal("ATXN3-VCP missing")
	}
	if vcp.DiscoveredInQuery != "ATXN3" || vcp.Confidence != 0.9 {
		t.Errorf("ATXN3-VCP = %+v", vcp)
	}
	if vcp.Functions[0].Arrow != interaction.ArrowActivates {
		t.Errorf("arrow = %q, want activates", vcp.Functions[0].Arrow)
	}
	ev := vcp.Functions[0].Evidence
	if len(ev) != 1 || ev[0].PMID != "12345" || ev[0].Title != "VCP and ataxin-3" || ev[0].Year != 2006 {
		t.Errorf("function evidence = %+v", ev)
	}
	if len(vcp.Evidence) != 2 {
		t.Errorf("fact evidence from pmids = %+v", vcp.Evidence)
	}

	mtor, ok := findFact(facts, "ATXN3", "MTOR", interaction.Indirect)
	if !ok {
		t.Fatal("ATXN3-MTOR indirect missing")
	}
	if strings.Join(mtor.MediatorChain, ",") != "RHEB,TSC2" {
		t.Errorf("chain = %v", mtor.MediatorChain)
	}
	if mtor.Functions[1].Arrow != interaction.ArrowInhibits {
		t.Errorf("normalized arrow = %q", mtor.Functions[1].Arrow)
	}

	if _, ok := findFact(facts, "ATXN3", "RHEB", interaction.Direct); ok {
		t.Error("first chain link should not be stored")
	}
	mid, ok := findFact(facts, "RHEB", "TSC2", interaction.Direct)
	if !ok || !mid.InferredFromChain || len(mid.Functions) != 0 {
		t.Errorf("RHEB-TSC2 = %+v, %v", mid, ok)
	}
	last, ok := findFact(facts, "TSC2", "MTOR", interaction.Direct)
	if !ok {
		t.Fatal("TSC2-MTOR missing")
	}
	if len(last.Functions) != 1 {
		t.Fatalf("final link functions = %+v", last.Functions)
	}
	fn := last.Functions[0]
	if fn.Arrow != interaction.ArrowActivates || fn.Context != interaction.ContextDirect || fn.NetArrow != "" {
		t.Errorf("final link function = %+v", fn)
	}
}

func TestFacts_UpstreamFallbackAndSelfLinks(t *testing.T) {
	doc := &Document{
		Main: "vcp",
		Interactors: []Record{
			// Upstream equal to the subject leaves no intermediates.
			{Primary: "NFKBIA", InteractionType: "indirect", UpstreamInteractor: "VCP"},
			{Primary: "LAMP2", InteractionType: "indirect", UpstreamInteractor: "HSPA8"},
		},
	}
	facts, warnings := doc.Facts("VCP")
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}

	nf, ok := findFact(facts, "VCP", "NFKBIA", interaction.Indirect)
	if !ok || len(nf.MediatorChain) != 0 {
		t.Errorf("VCP-NFKBIA = %+v, %v", nf, ok)
	}
	lamp, ok := findFact(facts, "VCP", "LAMP2", interaction.Indirect)
	if !ok || len(lamp.MediatorChain) != 1 || lamp.MediatorChain[0] != "HSPA8" {
		t.Errorf("VCP-LAMP2 = %+v, %v", lamp, ok)
	}
	if _, ok := findFact(facts, "HSPA8", "LAMP2", interaction.Direct); !ok {
		t.Error("HSPA8-LAMP2 chain link missing")
	}
	if len(facts) != 3 {
		t.Errorf("facts = %d, want 3", len(facts))
	}
}

func TestLoadAndLatestIntermediate(t *testing.T) {
	fsys := afero.NewMemMapFs()
	paths := PathsFor("/out", "ATXN3")

	if _, ok := paths.LatestIntermediate(fsys); ok {
		t.Error("LatestIntermediate found an artifact in an empty directory")
	}
	if _, err := Load(fsys, paths.Final); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Load missing: err = %v, want ErrNotExist", err)
	}

	if err := afero.WriteFile(fsys, paths.Pipeline, []byte(pipelineOutput), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fsys, paths.Validated, []byte(pipelineOutput), 0o644); err != nil {
		t.Fatal(err)
	}
	got, ok := paths.LatestIntermediate(fsys)
	if !ok || got != "/out/ATXN3_validated.json" {
		t.Errorf("LatestIntermediate = %q, %v", got, ok)
	}

	doc, err := Load(fsys, got)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Main != "ATXN3" {
		t.Errorf("Main = %q", doc.Main)
	}
}
