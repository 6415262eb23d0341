// Package validate applies declarative rulesets to parsed records.
//
// A ruleset is an ordered mapping of rule names to {field, kind, params}.
// Rules run in declaration order and every rule runs, so an outcome lists
// all of a record's violations, not only the first.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hazyhaar/intake/docpipe"
)

// Kind names a rule type.
type Kind string

const (
	KindRequired Kind = "required"
	KindEmail    Kind = "email"
	KindPattern  Kind = "pattern"
	KindAlpha    Kind = "alpha"
	KindLength   Kind = "length"
	KindInteger  Kind = "integer"
	KindNumber   Kind = "number"
	KindDate     Kind = "date"
	KindOneOf    Kind = "oneof"
	KindPhone    Kind = "phone"
	KindRequires Kind = "requires" // field set implies other set
	KindBefore   Kind = "before"   // date field strictly before date other
)

// Params holds the kind-specific settings of a rule.
type Params struct {
	Pattern         string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Min             *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max             *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Layout          string   `yaml:"layout,omitempty" json:"layout,omitempty"`
	Values          []string `yaml:"values,omitempty" json:"values,omitempty"`
	CaseInsensitive bool     `yaml:"case_insensitive,omitempty" json:"case_insensitive,omitempty"`
	Other           string   `yaml:"other,omitempty" json:"other,omitempty"`
}

// Rule is one named check on one field.
type Rule struct {
	Name    string `yaml:"-" json:"name"`
	Field   string `yaml:"field" json:"field"`
	Kind    Kind   `yaml:"kind" json:"kind"`
	Params  Params `yaml:"params,omitempty" json:"params,omitempty"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`

	re *regexp.Regexp
}

// compile checks the rule definition and prepares its matcher.
func (r *Rule) compile() error {
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	r.Field = docpipe.NormalizeField(r.Field)
	if r.Field == "" {
		return fmt.Errorf("rule %q: field is required", r.Name)
	}
	p := &r.Params
	switch r.Kind {
	case KindRequired, KindEmail, KindAlpha, KindPhone:
	case KindPattern:
		if p.Pattern == "" {
			return fmt.Errorf("rule %q: pattern is required", r.Name)
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		r.re = re
	case KindLength, KindInteger, KindNumber:
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return fmt.Errorf("rule %q: min %v exceeds max %v", r.Name, *p.Min, *p.Max)
		}
	case KindDate:
		if p.Layout == "" {
			p.Layout = DefaultDateLayout
		}
	case KindOneOf:
		if len(p.Values) == 0 {
			return fmt.Errorf("rule %q: values are required", r.Name)
		}
	case KindRequires, KindBefore:
		p.Other = docpipe.NormalizeField(p.Other)
		if p.Other == "" {
			return fmt.Errorf("rule %q: params.other is required", r.Name)
		}
		if r.Kind == KindBefore && p.Layout == "" {
			p.Layout = DefaultDateLayout
		}
	case "":
		return fmt.Errorf("rule %q: kind is required", r.Name)
	default:
		return fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Kind)
	}
	return nil
}

// check returns the violation reason for rec, or "" when the rule holds.
func (r *Rule) check(rec docpipe.Record) string {
	v := rec.Get(r.Field)
	p := r.Params

	switch r.Kind {
	case KindRequired:
		if v.IsBlank() {
			return "is required"
		}
		return ""
	case KindRequires:
		if !v.IsBlank() && rec.Get(p.Other).IsBlank() {
			return fmt.Sprintf("requires %s to be set", p.Other)
		}
		return ""
	}

	// Every other kind only constrains values that are present.
	if v.IsBlank() {
		return ""
	}
	s := strings.TrimSpace(v.Text)

	switch r.Kind {
	case KindEmail:
		if _, err := ParseEmail(v); err != nil {
			return "is not a valid email address"
		}
	case KindPattern:
		if !r.re.MatchString(s) {
			return fmt.Sprintf("does not match pattern %s", p.Pattern)
		}
	case KindAlpha:
		for _, c := range s {
			if !unicode.IsLetter(c) && c != ' ' {
				return "must contain only letters and spaces"
			}
		}
	case KindLength:
		return checkRange("length", float64(utf8.RuneCountInString(s)), p)
	case KindInteger:
		i, err := ParseInt(v)
		if err != nil {
			return "must be an integer"
		}
		return checkRange("value", float64(i), p)
	case KindNumber:
		f, err := ParseNumber(v)
		if err != nil {
			return "must be a number"
		}
		return checkRange("value", f, p)
	case KindDate:
		if _, err := ParseDate(v, p.Layout); err != nil {
			return fmt.Sprintf("must be a date formatted as %s", p.Layout)
		}
	case KindOneOf:
		for _, want := range p.Values {
			if s == want || (p.CaseInsensitive && strings.EqualFold(s, want)) {
				return ""
			}
		}
		return fmt.Sprintf("must be one of %s", strings.Join(p.Values, ", "))
	case KindPhone:
		if _, err := ParsePhone(v); err != nil {
			return "is not a valid phone number"
		}
	case KindBefore:
		start, err := ParseDate(v, p.Layout)
		if err != nil {
			return fmt.Sprintf("must be a date formatted as %s", p.Layout)
		}
		end, err := ParseDate(rec.Get(p.Other), p.Layout)
		if err != nil {
			// The other field carries its own date rule when it matters.
			return ""
		}
		if !start.Before(end) {
			return fmt.Sprintf("must be before %s", p.Other)
		}
	}
	return ""
}

func checkRange(what string, x float64, p Params) string {
	if p.Min != nil && x < *p.Min {
		return fmt.Sprintf("%s must be at least %v", what, *p.Min)
	}
	if p.Max != nil && x > *p.Max {
		return fmt.Sprintf("%s must be at most %v", what, *p.Max)
	}
	return ""
}
