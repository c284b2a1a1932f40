package snapshot

import (
	"context"

	"github.com/kalambet/ppigraph/internal/interaction"
)

// MemorySource is a FactSource over a fixed list of facts, used to build a
// snapshot straight from a pipeline artifact.
type MemorySource []interaction.Interaction

func (m MemorySource) GetAll(_ context.Context, subject string) ([]interaction.Interaction, error) {
	var out []interaction.Interaction
	for _, f := range m {
		if f.Involves(subject) {
			out = append(out, f.Canonical())
		}
	}
	return out, nil
}
