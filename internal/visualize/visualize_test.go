package visualize

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/kalambet/ppigraph/internal/interaction"
	"github.com/kalambet/ppigraph/internal/snapshot"
)

func TestRender(t *testing.T) {
	src := snapshot.MemorySource{
		{ProteinA: "ATXN3", ProteinB: "MTOR", Type: interaction.Indirect, MediatorChain: []string{"RHEB"}, DiscoveredInQuery: "ATXN3",
			Functions: []interaction.Function{{Name: "Autophagy <inhibition>", NetArrow: interaction.ArrowInhibits}}},
		{ProteinA: "RHEB", ProteinB: "MTOR", Type: interaction.Direct,
			Functions: []interaction.Function{{Name: "mTORC1 activation", Arrow: interaction.ArrowActivates}}},
	}
	snap, err := snapshot.NewBuilder(src).Build(context.Background(), "ATXN3")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var buf bytes.Buffer
	if err := Render(&buf, snap); err != nil {
		t.Fatalf("Render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"<h1>ATXN3</h1>", "MTOR", "RHEB", "chain_link", "Autophagy &lt;inhibition&gt;", `id="snapshot-data"`} {
		if !strings.Contains(out, want) {
			t.Errorf("page missing %q", want)
		}
	}
	if strings.Contains(out, "<inhibition>") {
		t.Error("function name not escaped")
	}
}

func TestRender_Empty(t *testing.T) {
	snap, err := snapshot.NewBuilder(snapshot.MemorySource{}).Build(context.Background(), "SNCA")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var buf bytes.Buffer
	if err := Render(&buf, snap); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(buf.String(), "No interactions are known for SNCA") {
		t.Errorf("empty page = %s", buf.String())
	}
}

func TestArtifactRenderer(t *testing.T) {
	fsys := afero.NewMemMapFs()
	doc := `{"snapshot_json":{"main":"VCP","interactors":[{"primary":"ATXN3","interaction_type":"direct","confidence":0.9}]}}`
	if err := afero.WriteFile(fsys, "/out/VCP.json", []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	r := ArtifactRenderer{FS: fsys}
	if err := r.RenderArtifact(context.Background(), "VCP", "/out/VCP.json", &buf); err != nil {
		t.Fatalf("RenderArtifact: %v", err)
	}
	if !strings.Contains(buf.String(), "ATXN3") {
		t.Errorf("page does not mention ATXN3")
	}

	if err := r.RenderArtifact(context.Background(), "VCP", "/out/missing.json", &buf); err == nil {
		t.Error("expected error for missing artifact")
	}
}
