package interaction

import (
	"slices"
	"strings"
)

// Merge folds incoming into existing for the same EdgeKey. Known function
// annotations and evidence are never dropped; the first discovery context is
// kept as provenance.
func Merge(existing, incoming Interaction) Interaction {
	out := existing

	if incoming.Confidence > out.Confidence {
		out.Confidence = incoming.Confidence
	}
	if out.DiscoveredInQuery == "" {
		out.DiscoveredInQuery = incoming.DiscoveredInQuery
	}
	// The stored chain reads from out.Origin(); a chain discovered from the
	// other endpoint is reversed before it replaces it.
	reversed := incoming.Origin() != out.Origin()
	if len(incoming.MediatorChain) > 0 {
		chain := append([]string(nil), incoming.MediatorChain...)
		if reversed {
			slices.Reverse(chain)
		}
		out.MediatorChain = chain
	}
	if incoming.UpstreamInteractor != "" {
		out.UpstreamInteractor = incoming.UpstreamInteractor
		if reversed && len(out.MediatorChain) > 0 {
			out.UpstreamInteractor = out.MediatorChain[len(out.MediatorChain)-1]
		}
	}
	// An explicit discovery supersedes a link inferred from someone else's chain.
	out.InferredFromChain = existing.InferredFromChain && incoming.InferredFromChain

	out.Functions = mergeFunctions(existing.Functions, incoming.Functions)
	out.Evidence = mergeEvidence(existing.Evidence, incoming.Evidence)
	return out
}

func mergeFunctions(existing, incoming []Function) []Function {
	if len(existing) == 0 && len(incoming) == 0 {
		return nil
	}
	out := make([]Function, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))

	for _, f := range existing {
		key := strings.ToLower(strings.TrimSpace(f.Name))
		if n, ok := index[key]; ok {
			out[n] = pickFunction(out[n], f)
			continue
		}
		index[key] = len(out)
		out = append(out, f)
	}
	for _, f := range incoming {
		key := strings.ToLower(strings.TrimSpace(f.Name))
		if n, ok := index[key]; ok {
			out[n] = pickFunction(out[n], f)
			continue
		}
		index[key] = len(out)
		out = append(out, f)
	}
	return out
}

// pickFunction chooses the richer of two annotations for the same function
// name and unions their evidence.
func pickFunction(a, b Function) Function {
	winner, loser := a, b
	if functionRank(b) > functionRank(a) {
		winner, loser = b, a
	}
	winner.Evidence = mergeEvidence(winner.Evidence, loser.Evidence)
	if winner.DirectArrow == "" {
		winner.DirectArrow = loser.DirectArrow
	}
	if winner.NetArrow == "" {
		winner.NetArrow = loser.NetArrow
	}
	if winner.CellularProcess == "" {
		winner.CellularProcess = loser.CellularProcess
	}
	return winner
}

func functionRank(f Function) int {
	rank := 0
	if f.Validated {
		rank += 100
	}
	if f.DirectArrow != "" {
		rank += 10
	}
	for _, s := range []string{f.Arrow, f.NetArrow, f.Context, f.CellularProcess} {
		if s != "" {
			rank++
		}
	}
	return rank + len(f.Evidence)
}

func mergeEvidence(existing, incoming []Evidence) []Evidence {
	if len(existing) == 0 && len(incoming) == 0 {
		return nil
	}
	out := make([]Evidence, 0, len(existing)+len(incoming))
	seen := make(map[string]bool, len(existing)+len(incoming))
	for _, list := range [][]Evidence{existing, incoming} {
		for _, e := range list {
			key := "pmid:" + strings.TrimSpace(e.PMID)
			if e.PMID == "" {
				key = "text:" + strings.ToLower(strings.TrimSpace(e.Title)) + "|" + strings.TrimSpace(e.Quote)
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e)
		}
	}
	return out
}
