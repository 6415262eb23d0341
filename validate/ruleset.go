package validate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/intake/docpipe"
)

// Ruleset is an ordered, compiled collection of rules.
type Ruleset struct {
	rules []Rule
}

// NewRuleset compiles rules in order. Rule names must be unique.
func NewRuleset(rules ...Rule) (*Ruleset, error) {
	rs := &Ruleset{rules: make([]Rule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.Name] {
			return nil, fmt.Errorf("validate: duplicate rule %q", r.Name)
		}
		seen[r.Name] = true
		if err := r.compile(); err != nil {
			return nil, fmt.Errorf("validate: %w", err)
		}
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

// MustRuleset is NewRuleset for static rule tables.
func MustRuleset(rules ...Rule) *Ruleset {
	rs, err := NewRuleset(rules...)
	if err != nil {
		panic(err)
	}
	return rs
}

// Rules returns a copy of the rules in evaluation order.
func (rs *Ruleset) Rules() []Rule {
	return append([]Rule(nil), rs.rules...)
}

// Len returns the number of rules.
func (rs *Ruleset) Len() int { return len(rs.rules) }

// Find returns the first rule of the given kind on field.
func (rs *Ruleset) Find(field string, kind Kind) (Rule, bool) {
	for _, r := range rs.rules {
		if r.Field == field && r.Kind == kind {
			return r, true
		}
	}
	return Rule{}, false
}

// UnmarshalYAML decodes a mapping of rule name to definition, keeping the
// mapping order as evaluation order.
func (rs *Ruleset) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("validate: ruleset must be a mapping of rule names, line %d", node.Line)
	}
	rules := make([]Rule, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var r Rule
		if err := node.Content[i+1].Decode(&r); err != nil {
			return fmt.Errorf("validate: rule %q: %w", node.Content[i].Value, err)
		}
		r.Name = node.Content[i].Value
		rules = append(rules, r)
	}
	compiled, err := NewRuleset(rules...)
	if err != nil {
		return err
	}
	*rs = *compiled
	return nil
}

// MarshalYAML writes the ruleset back as an ordered mapping.
func (rs *Ruleset) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, r := range rs.rules {
		var val yaml.Node
		if err := val.Encode(r); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: r.Name}, &val)
	}
	return node, nil
}

// Parse decodes a ruleset from YAML. JSON with comments is accepted too,
// since it is normalised to plain JSON first and JSON is valid YAML.
func Parse(data []byte) (*Ruleset, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") {
		data = jsonc.ToJSON(data)
	}
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Load reads a ruleset file (.yaml, .yml, .json or .jsonc).
func Load(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("validate: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("validate: %s: %w", path, err)
	}
	return rs, nil
}

// DefaultRuleset checks the standard contact record: a name and a well
// formed email are required; age, phone and dates are checked when present.
func DefaultRuleset() *Ruleset {
	one := 1.0
	return MustRuleset(
		Rule{Name: "name-required", Field: "name", Kind: KindRequired},
		Rule{Name: "name-alpha", Field: "name", Kind: KindAlpha},
		Rule{Name: "email-required", Field: "email", Kind: KindRequired},
		Rule{Name: "email-format", Field: "email", Kind: KindEmail},
		Rule{Name: "age-positive", Field: "age", Kind: KindInteger, Params: Params{Min: &one}},
		Rule{Name: "phone-format", Field: "phone", Kind: KindPhone},
		Rule{Name: "birth-date-format", Field: "birth_date", Kind: KindDate},
		Rule{Name: "start-date-format", Field: "start_date", Kind: KindDate},
	)
}

// Violation is one failed rule on one record.
type Violation struct {
	Row    int    `json:"row"`
	Field  string `json:"field"`
	Rule   string `json:"rule"`
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("row %d: %s: %s (%s)", v.Row, v.Field, v.Reason, v.Rule)
}

// Outcome is the verdict for one record. Index is the record's 1-based row.
type Outcome struct {
	Index      int         `json:"index"`
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// Check evaluates every rule against rec.
func (rs *Ruleset) Check(rec docpipe.Record) Outcome {
	out := Outcome{Index: rec.Index, Valid: true}
	for i := range rs.rules {
		r := &rs.rules[i]
		reason := r.check(rec)
		if reason == "" {
			continue
		}
		if r.Message != "" {
			reason = r.Message
		}
		out.Valid = false
		out.Violations = append(out.Violations, Violation{
			Row:    rec.Index,
			Field:  r.Field,
			Rule:   r.Name,
			Kind:   r.Kind,
			Reason: reason,
		})
	}
	return out
}

// Validate checks every record of set, returning one outcome per record in
// record order. Only cancellation produces an error.
func Validate(ctx context.Context, set *docpipe.RecordSet, rs *Ruleset) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, set.Len())
	for i, rec := range set.Records {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("validate: interrupted: %w", err)
			}
		}
		outcomes = append(outcomes, rs.Check(rec))
	}
	return outcomes, nil
}

// Partition splits outcomes into the positions of valid and invalid records.
func Partition(outcomes []Outcome) (valid, invalid []int) {
	for i, o := range outcomes {
		if o.Valid {
			valid = append(valid, i)
		} else {
			invalid = append(invalid, i)
		}
	}
	return valid, invalid
}

// Violations flattens the violations of all outcomes.
func Violations(outcomes []Outcome) []Violation {
	var out []Violation
	for _, o := range outcomes {
		out = append(out, o.Violations...)
	}
	return out
}
