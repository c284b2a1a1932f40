// Package artifact reads the JSON files produced by the discovery pipeline and
// turns them into interaction facts.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/kalambet/ppigraph/internal/interaction"
)

// ErrMalformed is returned when an artifact cannot be decoded.
var ErrMalformed = errors.New("malformed artifact")

// Document is a pipeline artifact. Both the wrapped form
// {"snapshot_json": {...}} and the bare payload are accepted.
type Document struct {
	Main        string   `json:"main"`
	Interactors []Record `json:"interactors"`
}

// Record is one interactor entry as emitted by the pipeline.
type Record struct {
	Primary            string        `json:"primary"`
	InteractionType    string        `json:"interaction_type,omitempty"`
	UpstreamInteractor string        `json:"upstream_interactor,omitempty"`
	MediatorChain      []string      `json:"mediator_chain,omitempty"`
	Confidence         *float64      `json:"confidence,omitempty"`
	Functions          []RecordFunc  `json:"functions,omitempty"`
	Evidence           []RecordCite  `json:"evidence,omitempty"`
	PMIDs              []looseString `json:"pmids,omitempty"`
}

// RecordFunc is a function annotation inside a Record.
type RecordFunc struct {
	Function        string       `json:"function"`
	Arrow           string       `json:"arrow,omitempty"`
	DirectArrow     string       `json:"direct_arrow,omitempty"`
	NetArrow        string       `json:"net_arrow,omitempty"`
	FunctionContext string       `json:"function_context,omitempty"`
	CellularProcess string       `json:"cellular_process,omitempty"`
	Validated       bool         `json:"validated,omitempty"`
	Evidence        []RecordCite `json:"evidence,omitempty"`
}

// RecordCite is a literature citation. Older artifacts use paper_title and
// relevant_quote.
type RecordCite struct {
	PMID          looseString `json:"pmid,omitempty"`
	Title         string      `json:"title,omitempty"`
	PaperTitle    string      `json:"paper_title,omitempty"`
	Year          looseInt    `json:"year,omitempty"`
	Quote         string      `json:"quote,omitempty"`
	RelevantQuote string      `json:"relevant_quote,omitempty"`
}

// looseString accepts a JSON string or number.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

// looseInt accepts a JSON number or a numeric string; anything else is zero.
type looseInt int

func (n *looseInt) UnmarshalJSON(data []byte) error {
	var raw looseString
	if err := raw.UnmarshalJSON(data); err != nil {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil
	}
	*n = looseInt(v)
	return nil
}

// Parse decodes an artifact.
func Parse(data []byte) (*Document, error) {
	var envelope struct {
		Snapshot json.RawMessage `json:"snapshot_json"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	payload := data
	if len(envelope.Snapshot) > 0 && !bytes.Equal(envelope.Snapshot, []byte("null")) {
		payload = envelope.Snapshot
	}
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &doc, nil
}

// Load reads and decodes the artifact at name.
func Load(fsys afero.Fs, name string) (*Document, error) {
	data, err := afero.ReadFile(fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return doc, nil
}

// Facts converts the document into canonical facts discovered while querying
// subject. When subject is empty the document's main protein is used.
// Records that fail validation are skipped and described in the returned
// warnings.
func (d *Document) Facts(subject string) ([]interaction.Interaction, []string) {
	subject = interaction.Normalize(subject)
	if subject == "" {
		subject = interaction.Normalize(d.Main)
	}

	var (
		facts    []interaction.Interaction
		warnings []string
	)
	add := func(f interaction.Interaction) {
		f = f.Canonical()
		if err := f.Validate(); err != nil {
			warnings = append(warnings, err.Error())
			return
		}
		facts = append(facts, f)
	}

	for n, rec := range d.Interactors {
		target := interaction.Normalize(rec.Primary)
		if target == "" {
			warnings = append(warnings, fmt.Sprintf("interactor %d has no primary protein", n))
			continue
		}
		if target == subject {
			warnings = append(warnings, fmt.Sprintf("interactor %d is the subject itself", n))
			continue
		}

		fact := rec.fact(subject, target)
		if fact.Type == interaction.Direct && len(rec.MediatorChain) > 0 {
			warnings = append(warnings, fmt.Sprintf("ignoring mediator chain on direct interactor %s", target))
		}
		add(fact)

		if fact.Type == interaction.Indirect {
			for _, link := range rec.chainLinks(subject, target, fact.MediatorChain) {
				add(link)
			}
		}
	}
	return facts, warnings
}

func (r Record) fact(subject, target string) interaction.Interaction {
	t := interaction.Type(strings.ToLower(strings.TrimSpace(r.InteractionType)))
	if t == "" {
		t = interaction.Direct
	}
	f := interaction.Interaction{
		ProteinA:          subject,
		ProteinB:          target,
		Type:              t,
		DiscoveredInQuery: subject,
		Functions:         r.functions(),
		Evidence:          r.evidence(),
	}
	if r.Confidence != nil {
		f.Confidence = *r.Confidence
	}
	if t == interaction.Indirect {
		f.UpstreamInteractor = r.UpstreamInteractor
		f.MediatorChain = r.chain(subject, target)
	}
	return f
}

// chain returns the intermediates between subject and target. An indirect
// record without a chain falls back to its upstream interactor; endpoints are
// dropped from the list.
func (r Record) chain(subject, target string) []string {
	raw := r.MediatorChain
	if len(raw) == 0 && r.UpstreamInteractor != "" {
		raw = []string{r.UpstreamInteractor}
	}
	var chain []string
	for _, m := range raw {
		m = interaction.Normalize(m)
		if m == "" || m == subject || m == target {
			continue
		}
		chain = append(chain, m)
	}
	return chain
}

// chainLinks returns the direct facts implied by an indirect record: every
// link of [subject] + chain + [target] after the first. The final link
// carries the record's direct-arrow annotations.
func (r Record) chainLinks(subject, target string, chain []string) []interaction.Interaction {
	if len(chain) == 0 {
		return nil
	}
	full := make([]string, 0, len(chain)+2)
	full = append(full, subject)
	full = append(full, chain...)
	full = append(full, target)

	var links []interaction.Interaction
	for i := 1; i+1 < len(full); i++ {
		src, dst := full[i], full[i+1]
		if src == dst {
			continue
		}
		link := interaction.Interaction{
			ProteinA:          src,
			ProteinB:          dst,
			Type:              interaction.Direct,
			DiscoveredInQuery: subject,
			InferredFromChain: true,
		}
		if r.Confidence != nil {
			link.Confidence = *r.Confidence
		}
		if i+2 == len(full) {
			link.Functions = r.finalLinkFunctions()
		}
		links = append(links, link)
	}
	return links
}

func (r Record) finalLinkFunctions() []interaction.Function {
	var out []interaction.Function
	for _, fn := range r.functions() {
		if fn.DirectArrow == "" {
			continue
		}
		fn.Arrow = fn.DirectArrow
		fn.NetArrow = ""
		fn.Context = interaction.ContextDirect
		out = append(out, fn)
	}
	return out
}

func (r Record) functions() []interaction.Function {
	if len(r.Functions) == 0 {
		return nil
	}
	out := make([]interaction.Function, 0, len(r.Functions))
	for _, fn := range r.Functions {
		if strings.TrimSpace(fn.Function) == "" {
			continue
		}
		out = append(out, interaction.Function{
			Name:            strings.TrimSpace(fn.Function),
			Arrow:           arrow(fn.Arrow),
			DirectArrow:     arrow(fn.DirectArrow),
			NetArrow:        arrow(fn.NetArrow),
			Context:         functionContext(fn.FunctionContext),
			CellularProcess: fn.CellularProcess,
			Validated:       fn.Validated,
			Evidence:        citations(fn.Evidence),
		})
	}
	return out
}

func (r Record) evidence() []interaction.Evidence {
	ev := citations(r.Evidence)
	have := map[string]bool{}
	for _, e := range ev {
		have[e.PMID] = true
	}
	for _, p := range r.PMIDs {
		pmid := strings.TrimSpace(string(p))
		if pmid == "" || have[pmid] {
			continue
		}
		have[pmid] = true
		ev = append(ev, interaction.Evidence{PMID: pmid})
	}
	return ev
}

func citations(in []RecordCite) []interaction.Evidence {
	if len(in) == 0 {
		return nil
	}
	out := make([]interaction.Evidence, 0, len(in))
	for _, c := range in {
		e := interaction.Evidence{
			PMID:  strings.TrimSpace(string(c.PMID)),
			Title: firstNonEmpty(c.Title, c.PaperTitle),
			Year:  int(c.Year),
			Quote: firstNonEmpty(c.Quote, c.RelevantQuote),
		}
		if e == (interaction.Evidence{}) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// arrow maps free-form arrow labels onto the known set; anything
// unrecognized becomes "unknown".
func arrow(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "":
		return ""
	case interaction.ArrowActivates, interaction.ArrowInhibits, interaction.ArrowBinds,
		interaction.ArrowRegulates, interaction.ArrowUnknown:
		return v
	case "activate", "activation", "activating":
		return interaction.ArrowActivates
	case "inhibit", "inhibition", "inhibiting":
		return interaction.ArrowInhibits
	case "bind", "binding":
		return interaction.ArrowBinds
	default:
		return interaction.ArrowUnknown
	}
}

func functionContext(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case interaction.ContextDirect, interaction.ContextNet:
		return v
	default:
		return ""
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
