package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/ppigraph/internal/interaction"
)

// FactSource returns every stored fact involving a protein.
type FactSource interface {
	GetAll(ctx context.Context, subject string) ([]interaction.Interaction, error)
}

// Builder assembles snapshots from a FactSource. Concurrent builds for the
// same subject share one traversal.
type Builder struct {
	source      FactSource
	logger      *slog.Logger
	concurrency int
	group       singleflight.Group
}

// NewBuilder creates a Builder reading facts from source.
func NewBuilder(source FactSource) *Builder {
	return &Builder{
		source:      source,
		logger:      slog.Default(),
		concurrency: 8,
	}
}

// Build returns the snapshot for subject. The returned value may be shared
// with concurrent callers and must not be modified.
func (b *Builder) Build(ctx context.Context, subject string) (*Snapshot, error) {
	subject = interaction.Normalize(subject)
	v, err, _ := b.group.Do(subject, func() (any, error) {
		return b.build(ctx, subject)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// buildState holds one traversal. seen is the only record of emitted edges;
// every pass consults it before adding anything.
type buildState struct {
	subject    string
	seen       interaction.KeySet
	facts      map[string][]interaction.Interaction
	known      map[string]bool
	partners   map[string]bool
	mediatorOf map[string]map[string]bool
	snap       *Snapshot
}

func (b *Builder) build(ctx context.Context, subject string) (*Snapshot, error) {
	own, err := b.source.GetAll(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("loading interactions for %s: %w", subject, err)
	}

	st := &buildState{
		subject:    subject,
		seen:       interaction.KeySet{},
		facts:      map[string][]interaction.Interaction{subject: own},
		known:      map[string]bool{},
		partners:   map[string]bool{},
		mediatorOf: map[string]map[string]bool{},
		snap: &Snapshot{
			Subject:     subject,
			Interactors: []Interactor{},
			Edges:       []Edge{},
		},
	}

	var indirect []interaction.Interaction
	for _, f := range own {
		switch f.Type {
		case interaction.Direct:
			st.addDirect(f)
		case interaction.Indirect:
			st.addIndirect(f)
			if len(f.MediatorChain) > 0 {
				indirect = append(indirect, f)
			}
		}
	}

	if err := b.prefetch(ctx, st); err != nil {
		return nil, err
	}

	for _, f := range indirect {
		b.resolveChain(st, f)
	}
	st.addBridges()
	st.addShared()
	st.finish()
	return st.snap, nil
}

func (st *buildState) addDirect(f interaction.Interaction) {
	if !st.seen.Add(f.Key()) {
		return
	}
	partner := f.Other(st.subject)
	st.known[partner] = true
	st.partners[partner] = true
	st.snap.Interactors = append(st.snap.Interactors, Interactor{
		Partner:           partner,
		Role:              RoleDirect,
		InteractionType:   interaction.Direct,
		Arrow:             primaryArrow(f.Functions, false),
		Confidence:        confidenceOrDefault(f.Confidence),
		Functions:         withContext(f.Functions, interaction.ContextDirect),
		Evidence:          f.Evidence,
		InferredFromChain: f.InferredFromChain,
	})
}

func (st *buildState) addIndirect(f interaction.Interaction) {
	if !st.seen.Add(f.Key()) {
		return
	}
	partner := f.Other(st.subject)
	st.known[partner] = true
	st.partners[partner] = true
	for _, m := range f.MediatorChain {
		m = interaction.Normalize(m)
		if m == st.subject {
			continue
		}
		st.known[m] = true
		if st.mediatorOf[m] == nil {
			st.mediatorOf[m] = map[string]bool{}
		}
		st.mediatorOf[m][partner] = true
	}
	st.snap.Interactors = append(st.snap.Interactors, Interactor{
		Partner:            partner,
		Role:               RoleIndirect,
		InteractionType:    interaction.Indirect,
		Arrow:              primaryArrow(f.Functions, true),
		Confidence:         confidenceOrDefault(f.Confidence),
		Functions:          withContext(f.Functions, interaction.ContextNet),
		MediatorChain:      f.MediatorChain,
		UpstreamInteractor: f.UpstreamInteractor,
		Evidence:           f.Evidence,
	})
}

// prefetch loads the facts of every known protein with bounded concurrency.
func (b *Builder) prefetch(ctx context.Context, st *buildState) error {
	names := sortedKeys(st.known)
	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for _, name := range names {
		if _, ok := st.facts[name]; ok {
			continue
		}
		g.Go(func() error {
			facts, err := b.source.GetAll(gCtx, name)
			if err != nil {
				return fmt.Errorf("loading interactions for %s: %w", name, err)
			}
			mu.Lock()
			st.facts[name] = facts
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// resolveChain walks the chain of an indirect fact from the subject outwards
// and attaches the stored fact for every adjacent pair after the first.
func (b *Builder) resolveChain(st *buildState, f interaction.Interaction) {
	path := f.Path()
	if path[0] != st.subject {
		for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
			path[l], path[r] = path[r], path[l]
		}
	}
	partner := path[len(path)-1]

	for k := 1; k+1 < len(path); k++ {
		x, y := path[k], path[k+1]
		link, found := st.between(x, y)
		if !found {
			b.logger.Debug("chain link not resolved", "subject", st.subject, "partner", partner, "from", x, "to", y)
			continue
		}
		if !st.seen.Add(link.Key()) {
			continue
		}

		e := newEdge(link, OriginChainLink)
		e.FunctionContext = interaction.ContextDirect
		e.ChainOf = partner
		if link.Type != interaction.Direct {
			e.UnresolvedDirect = true
			msg := fmt.Sprintf("chain link %s-%s for %s is stored as %s", x, y, partner, link.Type)
			st.snap.Warnings = append(st.snap.Warnings, msg)
			b.logger.Warn("chain link has unexpected interaction type",
				"subject", st.subject, "partner", partner, "from", x, "to", y, "type", link.Type)
		}
		st.snap.Edges = append(st.snap.Edges, e)
	}
}

// between returns the fact linking x and y, preferring a direct one.
func (st *buildState) between(x, y string) (interaction.Interaction, bool) {
	var fallback interaction.Interaction
	found := false
	for _, f := range st.facts[x] {
		if !f.Involves(y) {
			continue
		}
		if f.Type == interaction.Direct {
			return f, true
		}
		if !found {
			fallback, found = f, true
		}
	}
	return fallback, found
}

// addBridges lists chain mediators that are not partners in their own right.
func (st *buildState) addBridges() {
	for _, m := range sortedKeys(st.mediatorOf) {
		if st.partners[m] {
			continue
		}
		st.snap.Interactors = append(st.snap.Interactors, Interactor{
			Partner:    m,
			Role:       RoleBridge,
			Arrow:      defaultArrow,
			Confidence: defaultConfidence,
			Functions:  []interaction.Function{},
			MediatorOf: sortedKeys(st.mediatorOf[m]),
		})
	}
}

// addShared adds facts whose participants are both known, excluding the subject.
func (st *buildState) addShared() {
	for _, p := range sortedKeys(st.known) {
		for _, f := range st.facts[p] {
			other := f.Other(p)
			if other == st.subject || !st.known[other] {
				continue
			}
			if !st.seen.Add(f.Key()) {
				continue
			}
			e := newEdge(f, OriginShared)
			e.FunctionContext = interaction.ContextDirect
			if f.Type == interaction.Indirect {
				e.FunctionContext = interaction.ContextNet
				e.MediatorChain = f.MediatorChain
			}
			st.snap.Edges = append(st.snap.Edges, e)
		}
	}
}

func (st *buildState) finish() {
	snap := st.snap
	sort.SliceStable(snap.Interactors, func(i, j int) bool {
		a, b := snap.Interactors[i], snap.Interactors[j]
		if a.Role != b.Role {
			return a.Role.order() < b.Role.order()
		}
		return a.Partner < b.Partner
	})
	sort.SliceStable(snap.Edges, func(i, j int) bool {
		return snap.Edges[i].key.Less(snap.Edges[j].key)
	})

	proteins := map[string]bool{st.subject: true}
	for _, in := range snap.Interactors {
		proteins[in.Partner] = true
	}
	for _, e := range snap.Edges {
		proteins[e.Source] = true
		proteins[e.Target] = true
	}
	snap.Proteins = sortedKeys(proteins)
}

func newEdge(f interaction.Interaction, origin Origin) Edge {
	key := f.Key()
	return Edge{
		Source:          key.A,
		Target:          key.B,
		InteractionType: f.Type,
		Origin:          origin,
		Arrow:           primaryArrow(f.Functions, f.Type == interaction.Indirect),
		Confidence:      confidenceOrDefault(f.Confidence),
		Functions:       withContext(f.Functions, contextFor(f.Type)),
		key:             key,
	}
}

func contextFor(t interaction.Type) string {
	if t == interaction.Indirect {
		return interaction.ContextNet
	}
	return interaction.ContextDirect
}

// withContext copies fns, filling in a missing function_context.
func withContext(fns []interaction.Function, ctx string) []interaction.Function {
	out := make([]interaction.Function, len(fns))
	for n, f := range fns {
		if f.Context == "" {
			f.Context = ctx
		}
		out[n] = f
	}
	return out
}

func primaryArrow(fns []interaction.Function, net bool) string {
	for _, f := range fns {
		if net && f.NetArrow != "" {
			return f.NetArrow
		}
		if f.Arrow != "" {
			return f.Arrow
		}
	}
	return defaultArrow
}

func confidenceOrDefault(c float64) float64 {
	if c <= 0 {
		return defaultConfidence
	}
	return c
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
