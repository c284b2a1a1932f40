package snapshot

import "github.com/kalambet/ppigraph/internal/interaction"

// Role describes how a protein is connected to the subject.
type Role string

const (
	RoleDirect   Role = "direct"
	RoleIndirect Role = "indirect"
	// RoleBridge marks a protein known only as a mediator in one of the
	// subject's indirect facts.
	RoleBridge Role = "bridge"
)

func (r Role) order() int {
	switch r {
	case RoleDirect:
		return 0
	case RoleIndirect:
		return 1
	default:
		return 2
	}
}

// Origin records which pass added an edge between two non-subject proteins.
type Origin string

const (
	OriginChainLink Origin = "chain_link"
	OriginShared    Origin = "shared"
)

const (
	defaultConfidence = 0.5
	defaultArrow      = interaction.ArrowBinds
)

// Interactor is one partner of the subject.
type Interactor struct {
	Partner            string                 `json:"partner"`
	Role               Role                   `json:"role"`
	InteractionType    interaction.Type       `json:"interaction_type,omitempty"`
	Arrow              string                 `json:"arrow"`
	Confidence         float64                `json:"confidence"`
	Functions          []interaction.Function `json:"functions"`
	MediatorChain      []string               `json:"mediator_chain,omitempty"`
	UpstreamInteractor string                 `json:"upstream_interactor,omitempty"`
	Evidence           []interaction.Evidence `json:"evidence,omitempty"`
	InferredFromChain  bool                   `json:"inferred_from_chain,omitempty"`
	// MediatorOf lists the indirect partners whose chains pass through a
	// bridge protein.
	MediatorOf []string `json:"mediator_of,omitempty"`
}

// Edge is an interaction between two proteins other than the subject.
type Edge struct {
	Source          string                 `json:"source"`
	Target          string                 `json:"target"`
	InteractionType interaction.Type       `json:"interaction_type"`
	FunctionContext string                 `json:"function_context"`
	Origin          Origin                 `json:"origin"`
	Arrow           string                 `json:"arrow"`
	Confidence      float64                `json:"confidence"`
	Functions       []interaction.Function `json:"functions"`
	MediatorChain   []string               `json:"mediator_chain,omitempty"`
	// ChainOf names the indirect partner whose chain this link belongs to.
	ChainOf string `json:"chain_of,omitempty"`
	// UnresolvedDirect is set when the stored record for a chain link is
	// indirect rather than direct.
	UnresolvedDirect bool `json:"unresolved_direct,omitempty"`

	key interaction.EdgeKey
}

// Snapshot is the subgraph assembled around a subject.
type Snapshot struct {
	Subject     string       `json:"subject"`
	Proteins    []string     `json:"proteins"`
	Interactors []Interactor `json:"interactors"`
	Edges       []Edge       `json:"edges"`
	Warnings    []string     `json:"warnings,omitempty"`
}

// Empty reports whether no interaction was found for the subject.
func (s *Snapshot) Empty() bool {
	return len(s.Interactors) == 0
}
