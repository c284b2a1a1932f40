// Package visualize renders snapshots as standalone HTML pages.
package visualize

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/spf13/afero"

	"github.com/kalambet/ppigraph/internal/artifact"
	"github.com/kalambet/ppigraph/internal/snapshot"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var page = template.Must(template.New("snapshot.html.tmpl").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(templateFS, "templates/snapshot.html.tmpl"))

type pageData struct {
	*snapshot.Snapshot
	JSON template.JS
}

// Render writes the page for snap to w.
func Render(w io.Writer, snap *snapshot.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return page.Execute(w, pageData{Snapshot: snap, JSON: template.JS(raw)})
}

// ArtifactRenderer renders pages directly from final pipeline artifacts.
type ArtifactRenderer struct {
	FS afero.Fs
}

func (r ArtifactRenderer) RenderArtifact(ctx context.Context, protein, artifactPath string, w io.Writer) error {
	doc, err := artifact.Load(r.FS, artifactPath)
	if err != nil {
		return err
	}
	facts, _ := doc.Facts(protein)
	snap, err := snapshot.NewBuilder(snapshot.MemorySource(facts)).Build(ctx, protein)
	if err != nil {
		return err
	}
	return Render(w, snap)
}
