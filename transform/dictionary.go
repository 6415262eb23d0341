package transform

import (
	"fmt"

	"github.com/hazyhaar/intake/docpipe"
)

// Type is the coercion applied to a canonical field.
type Type string

const (
	TypeString  Type = "string"
	TypeEmail   Type = "email"
	TypeInteger Type = "integer"
	TypeDate    Type = "date"
	TypePhone   Type = "phone"
)

// Canonical field names.
const (
	FieldName      = "name"
	FieldEmail     = "email"
	FieldAge       = "age"
	FieldBirthDate = "birth_date"
	FieldPhone     = "phone"
	FieldCompany   = "company"
	FieldAccountID = "account_id"
	FieldPlan      = "plan"
	FieldStartDate = "start_date"
)

// canonicalTypes fixes the coercion of every canonical field. The order is
// the order of CanonicalRecord.
var canonicalTypes = []struct {
	name     string
	typ      Type
	required bool
}{
	{FieldName, TypeString, true},
	{FieldEmail, TypeEmail, true},
	{FieldAge, TypeInteger, false},
	{FieldBirthDate, TypeDate, false},
	{FieldPhone, TypePhone, false},
	{FieldCompany, TypeString, false},
	{FieldAccountID, TypeString, false},
	{FieldPlan, TypeString, false},
	{FieldStartDate, TypeDate, false},
}

// Field maps one canonical field to its source names. Aliases[0] is the
// primary name used by Reverse.
type Field struct {
	Name     string   `yaml:"name" json:"name"`
	Aliases  []string `yaml:"aliases" json:"aliases"`
	Type     Type     `yaml:"-" json:"type"`
	Required bool     `yaml:"-" json:"required"`
}

// Dictionary is the fixed source-to-canonical field mapping.
type Dictionary struct {
	fields   []Field
	bySource map[string]int
}

// NewDictionary builds a dictionary. Every canonical field must appear
// exactly once; a canonical field given without aliases maps from its own
// name. A source name may belong to one canonical field only.
func NewDictionary(fields ...Field) (*Dictionary, error) {
	given := make(map[string]Field, len(fields))
	for _, f := range fields {
		if _, dup := given[f.Name]; dup {
			return nil, fmt.Errorf("transform: field %q listed twice", f.Name)
		}
		given[f.Name] = f
	}

	d := &Dictionary{bySource: make(map[string]int)}
	for _, ct := range canonicalTypes {
		f, ok := given[ct.name]
		delete(given, ct.name)
		if !ok {
			f = Field{Name: ct.name}
		}
		if f.Type != "" && f.Type != ct.typ {
			return nil, fmt.Errorf("transform: field %q has type %s, want %s", f.Name, f.Type, ct.typ)
		}
		f.Type = ct.typ
		f.Required = ct.required
		aliases := make([]string, 0, len(f.Aliases)+1)
		for _, a := range f.Aliases {
			if a = docpipe.NormalizeField(a); a != "" {
				aliases = append(aliases, a)
			}
		}
		if len(aliases) == 0 {
			aliases = append(aliases, ct.name)
		}
		f.Aliases = aliases
		for _, a := range aliases {
			if prev, taken := d.bySource[a]; taken {
				return nil, fmt.Errorf("transform: source name %q mapped by both %q and %q", a, d.fields[prev].Name, f.Name)
			}
			d.bySource[a] = len(d.fields)
		}
		d.fields = append(d.fields, f)
	}
	for name := range given {
		return nil, fmt.Errorf("transform: unknown canonical field %q", name)
	}
	return d, nil
}

// DefaultDictionary maps the standard contact and account headers.
func DefaultDictionary() *Dictionary {
	d, err := NewDictionary(
		Field{Name: FieldName},
		Field{Name: FieldEmail},
		Field{Name: FieldAge},
		Field{Name: FieldBirthDate},
		Field{Name: FieldPhone},
		Field{Name: FieldCompany, Aliases: []string{"company", "organization", "organisation"}},
		Field{Name: FieldAccountID, Aliases: []string{"account_id", "customer_id"}},
		Field{Name: FieldPlan, Aliases: []string{"plan", "tier"}},
		Field{Name: FieldStartDate},
	)
	if err != nil {
		panic(err)
	}
	return d
}

// Fields returns the dictionary entries in canonical order.
func (d *Dictionary) Fields() []Field {
	return append([]Field(nil), d.fields...)
}

// Reverse maps a canonical record back to source names: each set canonical
// field under its primary alias, plus the extensions unchanged.
func (d *Dictionary) Reverse(c CanonicalRecord) map[string]docpipe.Value {
	out := make(map[string]docpipe.Value, len(d.fields)+len(c.Extensions))
	for k, v := range c.Extensions {
		out[k] = v
	}
	for _, f := range d.fields {
		if v, ok := c.get(f.Name); ok {
			out[f.Aliases[0]] = v
		}
	}
	return out
}
