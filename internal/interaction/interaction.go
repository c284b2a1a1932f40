package interaction

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid is returned when an interaction fails validation.
var ErrInvalid = errors.New("invalid interaction")

// Type distinguishes a physical interaction from one mediated by a chain of proteins.
type Type string

const (
	Direct   Type = "direct"
	Indirect Type = "indirect"
)

// Arrow values describe the qualitative regulatory effect of an edge.
const (
	ArrowActivates = "activates"
	ArrowInhibits  = "inhibits"
	ArrowBinds     = "binds"
	ArrowRegulates = "regulates"
	ArrowUnknown   = "unknown"
)

// Function contexts.
const (
	ContextDirect = "direct"
	ContextNet    = "net"
)

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Evidence is a literature citation backing a fact or a function.
type Evidence struct {
	PMID  string `json:"pmid,omitempty"`
	Title string `json:"title,omitempty"`
	Year  int    `json:"year,omitempty"`
	Quote string `json:"quote,omitempty"`
}

// Function is a function annotation attached to an interaction.
type Function struct {
	Name            string     `json:"function" validate:"required"`
	Arrow           string     `json:"arrow,omitempty" validate:"omitempty,oneof=activates inhibits binds regulates unknown"`
	DirectArrow     string     `json:"direct_arrow,omitempty" validate:"omitempty,oneof=activates inhibits binds regulates unknown"`
	NetArrow        string     `json:"net_arrow,omitempty" validate:"omitempty,oneof=activates inhibits binds regulates unknown"`
	Context         string     `json:"function_context,omitempty" validate:"omitempty,oneof=direct net"`
	CellularProcess string     `json:"cellular_process,omitempty"`
	Validated       bool       `json:"validated,omitempty"`
	Evidence        []Evidence `json:"evidence,omitempty"`
}

// Interaction is a stored pairwise fact. ProteinA and ProteinB form an
// unordered pair; Canonical orders them so that ProteinA < ProteinB.
type Interaction struct {
	ProteinA           string     `json:"protein_a" validate:"required,symbol"`
	ProteinB           string     `json:"protein_b" validate:"required,symbol,nefield=ProteinA"`
	Type               Type       `json:"interaction_type" validate:"required,oneof=direct indirect"`
	DiscoveredInQuery  string     `json:"discovered_in_query,omitempty" validate:"omitempty,symbol"`
	UpstreamInteractor string     `json:"upstream_interactor,omitempty" validate:"omitempty,symbol"`
	MediatorChain      []string   `json:"mediator_chain,omitempty" validate:"dive,required,symbol"`
	Functions          []Function `json:"functions,omitempty" validate:"dive"`
	Confidence         float64    `json:"confidence" validate:"gte=0,lte=1"`
	Evidence           []Evidence `json:"evidence,omitempty"`
	InferredFromChain  bool       `json:"inferred_from_chain,omitempty"`
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("symbol", func(fl validator.FieldLevel) bool {
		return symbolPattern.MatchString(fl.Field().String())
	})
}

// Normalize returns the canonical form of a protein symbol.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidSymbol reports whether s is an acceptable protein symbol.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// Canonical returns a copy with normalized symbols and ProteinA < ProteinB.
func (i Interaction) Canonical() Interaction {
	i.ProteinA = Normalize(i.ProteinA)
	i.ProteinB = Normalize(i.ProteinB)
	i.DiscoveredInQuery = Normalize(i.DiscoveredInQuery)
	i.UpstreamInteractor = Normalize(i.UpstreamInteractor)
	if len(i.MediatorChain) > 0 {
		chain := make([]string, len(i.MediatorChain))
		for n, p := range i.MediatorChain {
			chain[n] = Normalize(p)
		}
		i.MediatorChain = chain
	}
	if i.ProteinA > i.ProteinB {
		i.ProteinA, i.ProteinB = i.ProteinB, i.ProteinA
	}
	return i
}

// Key returns the identity of the fact in the store.
func (i Interaction) Key() EdgeKey {
	return NewEdgeKey(i.ProteinA, i.ProteinB, i.Type)
}

// Involves reports whether protein is one of the two participants.
func (i Interaction) Involves(protein string) bool {
	p := Normalize(protein)
	return Normalize(i.ProteinA) == p || Normalize(i.ProteinB) == p
}

// Other returns the participant that is not protein.
func (i Interaction) Other(protein string) string {
	if Normalize(i.ProteinA) == Normalize(protein) {
		return Normalize(i.ProteinB)
	}
	return Normalize(i.ProteinA)
}

// Origin is the endpoint the mediator chain starts from: the discovering
// subject when it is a participant, otherwise ProteinA.
func (i Interaction) Origin() string {
	if i.DiscoveredInQuery != "" && i.Involves(i.DiscoveredInQuery) {
		return Normalize(i.DiscoveredInQuery)
	}
	return Normalize(i.ProteinA)
}

// Path returns origin, mediators and far endpoint in chain order.
// Direct facts yield their two participants.
func (i Interaction) Path() []string {
	origin := i.Origin()
	path := make([]string, 0, len(i.MediatorChain)+2)
	path = append(path, origin)
	for _, m := range i.MediatorChain {
		path = append(path, Normalize(m))
	}
	return append(path, i.Other(origin))
}

// Validate checks field constraints and the rules that differ between the
// direct and indirect variants.
func (i Interaction) Validate() error {
	if err := validate.Struct(i); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s' (value: '%v')", e.StructNamespace(), e.Tag(), e.Value()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch i.Type {
	case Direct:
		if len(i.MediatorChain) > 0 {
			return fmt.Errorf("%w: direct interaction %s-%s carries a mediator chain", ErrInvalid, i.ProteinA, i.ProteinB)
		}
	case Indirect:
		for _, m := range i.MediatorChain {
			if i.Involves(m) {
				return fmt.Errorf("%w: mediator %s is an endpoint of %s-%s", ErrInvalid, m, i.ProteinA, i.ProteinB)
			}
		}
	}
	return nil
}
