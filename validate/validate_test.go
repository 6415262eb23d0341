package validate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/intake/docpipe"
)

func record(index int, kv ...string) docpipe.Record {
	fields := make(map[string]docpipe.Value)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "<null>" {
			fields[kv[i]] = docpipe.Null()
			continue
		}
		fields[kv[i]] = docpipe.String(kv[i+1])
	}
	return docpipe.Record{Index: index, Fields: fields}
}

func set(records ...docpipe.Record) *docpipe.RecordSet {
	return &docpipe.RecordSet{Format: docpipe.FormatCSV, Records: records}
}

func ptr(f float64) *float64 { return &f }

func TestDefaultRuleset_PartialEmail(t *testing.T) {
	rs := set(
		record(1, "name", "Ann", "email", "ann@example.com"),
		record(2, "name", "Bob", "email", "not-an-email"),
		record(3, "name", "Cy", "email", "cy@example.org"),
	)
	outcomes, err := Validate(context.Background(), rs, DefaultRuleset())
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Index != i+1 {
			t.Errorf("outcome %d index = %d", i, o.Index)
		}
	}
	if !outcomes[0].Valid || outcomes[1].Valid || !outcomes[2].Valid {
		t.Fatalf("validity = %v %v %v", outcomes[0].Valid, outcomes[1].Valid, outcomes[2].Valid)
	}
	v := outcomes[1].Violations
	if len(v) != 1 {
		t.Fatalf("violations = %v, want exactly 1", v)
	}
	if v[0].Row != 2 || v[0].Field != "email" || v[0].Rule != "email-format" || v[0].Kind != KindEmail {
		t.Errorf("violation = %+v", v[0])
	}

	valid, invalid := Partition(outcomes)
	if !reflect.DeepEqual(valid, []int{0, 2}) || !reflect.DeepEqual(invalid, []int{1}) {
		t.Errorf("partition = %v / %v", valid, invalid)
	}
}

func TestRuleKinds(t *testing.T) {
	tests := []struct {
		name   string
		rule   Rule
		rec    docpipe.Record
		reason string // "" means valid
	}{
		{"required missing", Rule{Field: "name", Kind: KindRequired}, record(1), "is required"},
		{"required blank", Rule{Field: "name", Kind: KindRequired}, record(1, "name", "   "), "is required"},
		{"required null", Rule{Field: "name", Kind: KindRequired}, record(1, "name", "<null>"), "is required"},
		{"required ok", Rule{Field: "name", Kind: KindRequired}, record(1, "name", "Ann"), ""},
		{"email skips blank", Rule{Field: "email", Kind: KindEmail}, record(1), ""},
		{"email bad", Rule{Field: "email", Kind: KindEmail}, record(1, "email", "a@b"), "is not a valid email address"},
		{"email ok", Rule{Field: "email", Kind: KindEmail}, record(1, "email", " a@b.co "), ""},
		{"alpha bad", Rule{Field: "name", Kind: KindAlpha}, record(1, "name", "R2D2"), "must contain only letters and spaces"},
		{"alpha unicode", Rule{Field: "name", Kind: KindAlpha}, record(1, "name", "Zoë Brontë"), ""},
		{"pattern bad", Rule{Field: "plan", Kind: KindPattern, Params: Params{Pattern: `^[a-z]+$`}}, record(1, "plan", "Pro"), "does not match pattern ^[a-z]+$"},
		{"length short", Rule{Field: "code", Kind: KindLength, Params: Params{Min: ptr(3)}}, record(1, "code", "ab"), "length must be at least 3"},
		{"length long", Rule{Field: "code", Kind: KindLength, Params: Params{Max: ptr(2)}}, record(1, "code", "abc"), "length must be at most 2"},
		{"integer bad", Rule{Field: "age", Kind: KindInteger}, record(1, "age", "3.5"), "must be an integer"},
		{"integer float literal", Rule{Field: "age", Kind: KindInteger}, record(1, "age", "34.0"), ""},
		{"integer min", Rule{Field: "age", Kind: KindInteger, Params: Params{Min: ptr(1)}}, record(1, "age", "0"), "value must be at least 1"},
		{"number max", Rule{Field: "score", Kind: KindNumber, Params: Params{Max: ptr(1)}}, record(1, "score", "1.5"), "value must be at most 1"},
		{"number bad", Rule{Field: "score", Kind: KindNumber}, record(1, "score", "high"), "must be a number"},
		{"date bad", Rule{Field: "d", Kind: KindDate}, record(1, "d", "03/04/2024"), "must be a date formatted as 2006-01-02"},
		{"date layout", Rule{Field: "d", Kind: KindDate, Params: Params{Layout: "02/01/2006"}}, record(1, "d", "03/04/2024"), ""},
		{"oneof bad", Rule{Field: "plan", Kind: KindOneOf, Params: Params{Values: []string{"free", "pro"}}}, record(1, "plan", "Pro"), "must be one of free, pro"},
		{"oneof fold", Rule{Field: "plan", Kind: KindOneOf, Params: Params{Values: []string{"free", "pro"}, CaseInsensitive: true}}, record(1, "plan", "Pro"), ""},
		{"phone ok", Rule{Field: "phone", Kind: KindPhone}, record(1, "phone", "+1 (555) 123-4567"), ""},
		{"phone bad", Rule{Field: "phone", Kind: KindPhone}, record(1, "phone", "call me"), "is not a valid phone number"},
		{"requires", Rule{Field: "plan", Kind: KindRequires, Params: Params{Other: "account_id"}}, record(1, "plan", "pro"), "requires account_id to be set"},
		{"requires unset", Rule{Field: "plan", Kind: KindRequires, Params: Params{Other: "account_id"}}, record(1), ""},
		{"before bad", Rule{Field: "start", Kind: KindBefore, Params: Params{Other: "end"}}, record(1, "start", "2024-05-01", "end", "2024-04-01"), "must be before end"},
		{"before ok", Rule{Field: "start", Kind: KindBefore, Params: Params{Other: "end"}}, record(1, "start", "2024-03-01", "end", "2024-04-01"), ""},
		{"custom message", Rule{Field: "name", Kind: KindRequired, Message: "tell us who you are"}, record(1), "tell us who you are"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.rule.Name = "r"
			rs, err := NewRuleset(tt.rule)
			if err != nil {
				t.Fatalf("ruleset: %v", err)
			}
			out := rs.Check(tt.rec)
			if tt.reason == "" {
				if !out.Valid {
					t.Fatalf("expected valid, got %v", out.Violations)
				}
				return
			}
			if out.Valid || len(out.Violations) != 1 {
				t.Fatalf("expected one violation, got %v", out.Violations)
			}
			if got := out.Violations[0].Reason; got != tt.reason {
				t.Errorf("reason = %q, want %q", got, tt.reason)
			}
		})
	}
}

func TestNewRuleset_Errors(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
		want  string
	}{
		{"duplicate", []Rule{{Name: "a", Field: "x", Kind: KindRequired}, {Name: "a", Field: "y", Kind: KindRequired}}, "duplicate"},
		{"no field", []Rule{{Name: "a", Kind: KindRequired}}, "field is required"},
		{"no kind", []Rule{{Name: "a", Field: "x"}}, "kind is required"},
		{"unknown kind", []Rule{{Name: "a", Field: "x", Kind: "luhn"}}, "unknown kind"},
		{"bad pattern", []Rule{{Name: "a", Field: "x", Kind: KindPattern, Params: Params{Pattern: "("}}}, "missing closing"},
		{"min over max", []Rule{{Name: "a", Field: "x", Kind: KindInteger, Params: Params{Min: ptr(5), Max: ptr(1)}}}, "exceeds max"},
		{"oneof empty", []Rule{{Name: "a", Field: "x", Kind: KindOneOf}}, "values are required"},
		{"requires no other", []Rule{{Name: "a", Field: "x", Kind: KindRequires}}, "params.other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRuleset(tt.rules...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestViolationOrder(t *testing.T) {
	rs := MustRuleset(
		Rule{Name: "z-email", Field: "email", Kind: KindRequired},
		Rule{Name: "a-name", Field: "name", Kind: KindRequired},
		Rule{Name: "m-age", Field: "age", Kind: KindRequired},
	)
	out := rs.Check(record(7))
	var names []string
	for _, v := range out.Violations {
		names = append(names, v.Rule)
	}
	if want := []string{"z-email", "a-name", "m-age"}; !reflect.DeepEqual(names, want) {
		t.Errorf("order = %v, want %v", names, want)
	}
	if out.Index != 7 || out.Violations[0].Row != 7 {
		t.Errorf("row numbers not carried: %+v", out)
	}
}

const rulesYAML = `
email-required:
  field: Email
  kind: required
email-format:
  field: email
  kind: email
plan-known:
  field: plan
  kind: oneof
  params:
    values: [free, pro]
age-range:
  field: age
  kind: integer
  params: {min: 18, max: 120}
`

func TestParse_YAMLKeepsOrder(t *testing.T) {
	rs, err := Parse([]byte(rulesYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var names []string
	for _, r := range rs.Rules() {
		names = append(names, r.Name)
	}
	if want := []string{"email-required", "email-format", "plan-known", "age-range"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	if r := rs.Rules()[0]; r.Field != "email" {
		t.Errorf("field not normalised: %q", r.Field)
	}
	r, ok := rs.Find("age", KindInteger)
	if !ok || *r.Params.Min != 18 || *r.Params.Max != 120 {
		t.Errorf("age rule = %+v", r)
	}
}

func TestParse_JSONC(t *testing.T) {
	src := `{
  // contact checks
  "name-required": {"field": "name", "kind": "required"},
  "start-before-end": {"field": "start_date", "kind": "before", "params": {"other": "end_date"}}, /* trailing */
}`
	rs, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rs.Len() != 2 || rs.Rules()[1].Name != "start-before-end" {
		t.Fatalf("rules = %+v", rs.Rules())
	}
	if got := rs.Rules()[1].Params.Layout; got != DefaultDateLayout {
		t.Errorf("layout default = %q", got)
	}
}

func TestParse_Errors(t *testing.T) {
	for _, src := range []string{
		"- a\n- b\n",
		"r:\n  field: x\n  kind: nope\n",
		"r:\n  field: [x\n",
	} {
		if _, err := Parse([]byte(src)); err == nil {
			t.Errorf("Parse(%q) succeeded", src)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(rulesYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	rs, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rs.Len() != 4 {
		t.Errorf("rules = %d", rs.Len())
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMarshalYAML_RoundTrip(t *testing.T) {
	rs, err := Parse([]byte(rulesYAML))
	if err != nil {
		t.Fatal(err)
	}
	out, err := yaml.Marshal(rs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, out)
	}
	if !reflect.DeepEqual(names(rs), names(back)) {
		t.Errorf("order lost: %v vs %v", names(rs), names(back))
	}
}

func names(rs *Ruleset) []string {
	var out []string
	for _, r := range rs.Rules() {
		out = append(out, r.Name)
	}
	return out
}

func TestValidate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Validate(ctx, set(record(1, "name", "Ann")), DefaultRuleset())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCoercion(t *testing.T) {
	if i, err := ParseInt(docpipe.Number("3.4e1")); err != nil || i != 34 {
		t.Errorf("ParseInt(3.4e1) = %d, %v", i, err)
	}
	if _, err := ParseInt(docpipe.Null()); !errors.Is(err, ErrBlank) {
		t.Errorf("ParseInt(null) err = %v", err)
	}
	if e, err := ParseEmail(docpipe.String("Ann@Example.COM")); err != nil || e != "Ann@example.com" {
		t.Errorf("ParseEmail = %q, %v", e, err)
	}
	if p, err := ParsePhone(docpipe.String("+33 6.12.34.56.78")); err != nil || p != "+33612345678" {
		t.Errorf("ParsePhone = %q, %v", p, err)
	}
	if _, err := ParsePhone(docpipe.String("12+34567")); err == nil {
		t.Error("ParsePhone accepted inner '+'")
	}
	d, err := ParseDate(docpipe.String("2024-02-29"), "")
	if err != nil || d.Day() != 29 {
		t.Errorf("ParseDate = %v, %v", d, err)
	}
}
