package interaction

// EdgeKey identifies an edge independent of direction: the two symbols are
// stored in ascending order. Every pass that can add an edge to a snapshot,
// and every store backend, uses it as the identity of a fact.
type EdgeKey struct {
	A    string
	B    string
	Type Type
}

// NewEdgeKey builds the key for the unordered pair {a, b}.
func NewEdgeKey(a, b string, t Type) EdgeKey {
	a, b = Normalize(a), Normalize(b)
	if a > b {
		a, b = b, a
	}
	return EdgeKey{A: a, B: b, Type: t}
}

func (k EdgeKey) String() string {
	return k.A + "|" + k.B + "|" + string(k.Type)
}

// Less orders keys by A, then B, then Type.
func (k EdgeKey) Less(o EdgeKey) bool {
	if k.A != o.A {
		return k.A < o.A
	}
	if k.B != o.B {
		return k.B < o.B
	}
	return k.Type < o.Type
}

// KeySet records which edges have already been emitted.
type KeySet map[EdgeKey]struct{}

// Add inserts k and reports whether it was not already present.
func (s KeySet) Add(k EdgeKey) bool {
	if _, ok := s[k]; ok {
		return false
	}
	s[k] = struct{}{}
	return true
}

// Has reports whether k is present.
func (s KeySet) Has(k EdgeKey) bool {
	_, ok := s[k]
	return ok
}
