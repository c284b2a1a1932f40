package interaction

import (
	"errors"
	"testing"
)

func TestCanonical_OrdersAndNormalizes(t *testing.T) {
	i := Interaction{
		ProteinA:          " mtor",
		ProteinB:          "Atxn3",
		Type:              Indirect,
		DiscoveredInQuery: "atxn3",
		MediatorChain:     []string{"rheb"},
	}.Canonical()

	if i.ProteinA != "ATXN3" || i.ProteinB != "MTOR" {
		t.Errorf("pair = (%q, %q), want (ATXN3, MTOR)", i.ProteinA, i.ProteinB)
	}
	if i.DiscoveredInQuery != "ATXN3" {
		t.Errorf("DiscoveredInQuery = %q, want ATXN3", i.DiscoveredInQuery)
	}
	if len(i.MediatorChain) != 1 || i.MediatorChain[0] != "RHEB" {
		t.Errorf("MediatorChain = %v, want [RHEB]", i.MediatorChain)
	}
}

func TestEdgeKey_Unordered(t *testing.T) {
	k1 := NewEdgeKey("RHEB", "MTOR", Direct)
	k2 := NewEdgeKey("mtor", "rheb", Direct)
	if k1 != k2 {
		t.Errorf("keys differ: %v vs %v", k1, k2)
	}
	if k1 == NewEdgeKey("RHEB", "MTOR", Indirect) {
		t.Error("direct and indirect keys for the same pair must differ")
	}
	if k1.A != "MTOR" || k1.B != "RHEB" {
		t.Errorf("key = %v, want MTOR < RHEB", k1)
	}
}

func TestKeySet_Add(t *testing.T) {
	s := KeySet{}
	k := NewEdgeKey("A", "B", Direct)
	if !s.Add(k) {
		t.Fatal("first Add returned false")
	}
	if s.Add(NewEdgeKey("B", "A", Direct)) {
		t.Error("second Add of the reversed pair returned true")
	}
}

func TestPath_FromDiscoveringSubject(t *testing.T) {
	i := Interaction{
		ProteinA:          "ATXN3",
		ProteinB:          "MTOR",
		Type:              Indirect,
		DiscoveredInQuery: "MTOR",
		MediatorChain:     []string{"RHEB", "TSC2"},
	}
	got := i.Path()
	want := []string{"MTOR", "RHEB", "TSC2", "ATXN3"}
	if len(got) != len(want) {
		t.Fatalf("Path() = %v, want %v", got, want)
	}
	for n := range want {
		if got[n] != want[n] {
			t.Errorf("Path()[%d] = %q, want %q", n, got[n], want[n])
		}
	}
}

func TestPath_FallsBackToProteinA(t *testing.T) {
	i := Interaction{ProteinA: "A", ProteinB: "C", Type: Indirect, DiscoveredInQuery: "Z", MediatorChain: []string{"B"}}
	got := i.Path()
	if got[0] != "A" || got[2] != "C" {
		t.Errorf("Path() = %v, want [A B C]", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		in      Interaction
		wantErr bool
	}{
		{"valid direct", Interaction{ProteinA: "A", ProteinB: "B", Type: Direct, Confidence: 0.5}, false},
		{"valid indirect", Interaction{ProteinA: "A", ProteinB: "C", Type: Indirect, MediatorChain: []string{"B"}}, false},
		{"self pair", Interaction{ProteinA: "A", ProteinB: "A", Type: Direct}, true},
		{"bad type", Interaction{ProteinA: "A", ProteinB: "B", Type: "maybe"}, true},
		{"confidence out of range", Interaction{ProteinA: "A", ProteinB: "B", Type: Direct, Confidence: 1.5}, true},
		{"direct with chain", Interaction{ProteinA: "A", ProteinB: "C", Type: Direct, MediatorChain: []string{"B"}}, true},
		{"mediator is endpoint", Interaction{ProteinA: "A", ProteinB: "C", Type: Indirect, MediatorChain: []string{"C"}}, true},
		{"bad symbol", Interaction{ProteinA: "A B", ProteinB: "C", Type: Direct}, true},
		{"bad arrow", Interaction{ProteinA: "A", ProteinB: "B", Type: Direct, Functions: []Function{{Name: "x", Arrow: "sideways"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("Validate() = %v, want ErrInvalid", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestMerge_KeepsRicherFunctions(t *testing.T) {
	existing := Interaction{
		ProteinA: "A", ProteinB: "B", Type: Direct, Confidence: 0.4,
		DiscoveredInQuery: "A",
		Functions: []Function{
			{Name: "Autophagy", Arrow: ArrowInhibits, DirectArrow: ArrowInhibits, Validated: true},
			{Name: "Apoptosis", Arrow: ArrowActivates},
		},
		Evidence: []Evidence{{PMID: "1"}},
	}
	incoming := Interaction{
		ProteinA: "A", ProteinB: "B", Type: Direct, Confidence: 0.9,
		DiscoveredInQuery: "B",
		Functions: []Function{
			{Name: "autophagy", Arrow: ArrowActivates},
			{Name: "DNA repair", Arrow: ArrowUnknown},
		},
		Evidence: []Evidence{{PMID: "1"}, {PMID: "2"}},
	}

	got := Merge(existing, incoming)

	if got.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", got.Confidence)
	}
	if got.DiscoveredInQuery != "A" {
		t.Errorf("DiscoveredInQuery = %q, want first discovery A", got.DiscoveredInQuery)
	}
	if len(got.Functions) != 3 {
		t.Fatalf("len(Functions) = %d, want 3: %+v", len(got.Functions), got.Functions)
	}
	if got.Functions[0].Arrow != ArrowInhibits || !got.Functions[0].Validated {
		t.Errorf("validated annotation was replaced: %+v", got.Functions[0])
	}
	if got.Functions[2].Name != "DNA repair" {
		t.Errorf("Functions[2] = %q, want DNA repair", got.Functions[2].Name)
	}
	if len(got.Evidence) != 2 {
		t.Errorf("len(Evidence) = %d, want 2", len(got.Evidence))
	}
}

func TestMerge_ExplicitDiscoveryClearsInferredFlag(t *testing.T) {
	existing := Interaction{ProteinA: "A", ProteinB: "B", Type: Direct, InferredFromChain: true}
	incoming := Interaction{ProteinA: "A", ProteinB: "B", Type: Direct}
	if Merge(existing, incoming).InferredFromChain {
		t.Error("InferredFromChain = true after explicit discovery")
	}
	if !Merge(existing, existing).InferredFromChain {
		t.Error("InferredFromChain = false after merging two inferred facts")
	}
}

func TestMerge_EmptyIncomingChainKeepsStored(t *testing.T) {
	existing := Interaction{ProteinA: "A", ProteinB: "C", Type: Indirect, MediatorChain: []string{"B"}, UpstreamInteractor: "B"}
	incoming := Interaction{ProteinA: "A", ProteinB: "C", Type: Indirect}
	got := Merge(existing, incoming)
	if len(got.MediatorChain) != 1 || got.UpstreamInteractor != "B" {
		t.Errorf("chain data lost: %+v", got)
	}
}

func TestMerge_ChainFromOtherEndpointIsReoriented(t *testing.T) {
	existing := Interaction{
		ProteinA: "A", ProteinB: "C", Type: Indirect,
		DiscoveredInQuery: "A", MediatorChain: []string{"Y", "X"},
	}
	incoming := Interaction{
		ProteinA: "A", ProteinB: "C", Type: Indirect,
		DiscoveredInQuery: "C", MediatorChain: []string{"X", "Y", "Z"}, UpstreamInteractor: "X",
	}

	got := Merge(existing, incoming)
	if got.DiscoveredInQuery != "A" {
		t.Fatalf("DiscoveredInQuery = %q, want A", got.DiscoveredInQuery)
	}
	want := []string{"A", "Z", "Y", "X", "C"}
	path := got.Path()
	if len(path) != len(want) {
		t.Fatalf("Path() = %v, want %v", path, want)
	}
	for n := range want {
		if path[n] != want[n] {
			t.Fatalf("Path() = %v, want %v", path, want)
		}
	}
	if got.UpstreamInteractor != "X" {
		t.Errorf("UpstreamInteractor = %q, want X", got.UpstreamInteractor)
	}
	if incoming.MediatorChain[0] != "X" {
		t.Error("Merge modified the incoming chain")
	}
}

func TestMerge_ChainFromSameEndpointKeepsOrder(t *testing.T) {
	existing := Interaction{ProteinA: "A", ProteinB: "C", Type: Indirect, DiscoveredInQuery: "C", MediatorChain: []string{"X"}}
	incoming := Interaction{ProteinA: "A", ProteinB: "C", Type: Indirect, DiscoveredInQuery: "C", MediatorChain: []string{"X", "Y"}}
	got := Merge(existing, incoming)
	if got.MediatorChain[0] != "X" || got.MediatorChain[1] != "Y" {
		t.Errorf("MediatorChain = %v, want [X Y]", got.MediatorChain)
	}
}
