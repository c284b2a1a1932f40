package artifact

import (
	"path/filepath"

	"github.com/spf13/afero"
)

// Paths names the files the pipeline writes for one protein.
type Paths struct {
	Pipeline    string
	Validated   string
	FactChecked string
	Final       string
	HTML        string
}

// PathsFor returns the artifact paths for protein inside dir.
func PathsFor(dir, protein string) Paths {
	base := filepath.Join(dir, protein)
	return Paths{
		Pipeline:    base + "_pipeline.json",
		Validated:   base + "_validated.json",
		FactChecked: base + "_factchecked.json",
		Final:       base + ".json",
		HTML:        base + ".html",
	}
}

// LatestIntermediate returns the most processed intermediate artifact that
// exists.
func (p Paths) LatestIntermediate(fsys afero.Fs) (string, bool) {
	for _, name := range []string{p.FactChecked, p.Validated, p.Pipeline} {
		if ok, _ := afero.Exists(fsys, name); ok {
			return name, true
		}
	}
	return "", false
}
