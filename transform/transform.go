// Package transform maps validated records into the canonical onboarding
// record expected by the downstream platform.
//
// Coercion goes through the validate package helpers. New refuses a ruleset
// that does not check every typed source field, so a coercion failure at
// transform time is a defect and is reported as ErrInternalTransform.
package transform

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hazyhaar/intake/docpipe"
	"github.com/hazyhaar/intake/validate"
)

// ErrInternalTransform marks a record that passed validation but could not
// be converted.
var ErrInternalTransform = errors.New("transform: internal error")

// CanonicalRecord is the downstream-facing shape.
type CanonicalRecord struct {
	Name       string                   `json:"name"`
	Email      string                   `json:"email"`
	Age        *int64                   `json:"age,omitempty"`
	BirthDate  string                   `json:"birth_date,omitempty"`
	Phone      string                   `json:"phone,omitempty"`
	Company    string                   `json:"company,omitempty"`
	AccountID  string                   `json:"account_id,omitempty"`
	Plan       string                   `json:"plan,omitempty"`
	StartDate  string                   `json:"start_date,omitempty"`
	Extensions map[string]docpipe.Value `json:"extensions,omitempty"`
}

func (c *CanonicalRecord) set(name string, s string, n *int64) {
	switch name {
	case FieldName:
		c.Name = s
	case FieldEmail:
		c.Email = s
	case FieldAge:
		c.Age = n
	case FieldBirthDate:
		c.BirthDate = s
	case FieldPhone:
		c.Phone = s
	case FieldCompany:
		c.Company = s
	case FieldAccountID:
		c.AccountID = s
	case FieldPlan:
		c.Plan = s
	case FieldStartDate:
		c.StartDate = s
	}
}

func (c CanonicalRecord) get(name string) (docpipe.Value, bool) {
	var s string
	switch name {
	case FieldAge:
		if c.Age == nil {
			return docpipe.Value{}, false
		}
		return docpipe.Number(strconv.FormatInt(*c.Age, 10)), true
	case FieldName:
		s = c.Name
	case FieldEmail:
		s = c.Email
	case FieldBirthDate:
		s = c.BirthDate
	case FieldPhone:
		s = c.Phone
	case FieldCompany:
		s = c.Company
	case FieldAccountID:
		s = c.AccountID
	case FieldPlan:
		s = c.Plan
	case FieldStartDate:
		s = c.StartDate
	}
	if s == "" {
		return docpipe.Value{}, false
	}
	return docpipe.String(s), true
}

// ruleKind is the validator rule that guarantees each coercion.
var ruleKind = map[Type]validate.Kind{
	TypeEmail:   validate.KindEmail,
	TypeInteger: validate.KindInteger,
	TypeDate:    validate.KindDate,
	TypePhone:   validate.KindPhone,
}

// Transformer converts valid records. It is safe for concurrent use.
type Transformer struct {
	dict    *Dictionary
	layouts map[string]string // source name -> date layout
}

// New checks that rules guarantee every coercion dict needs: each alias of
// a typed field carries a rule of the matching kind, and the primary alias
// of a required field carries a required rule.
func New(dict *Dictionary, rules *validate.Ruleset) (*Transformer, error) {
	t := &Transformer{dict: dict, layouts: make(map[string]string)}
	for _, f := range dict.fields {
		if f.Required {
			if _, ok := rules.Find(f.Aliases[0], validate.KindRequired); !ok {
				return nil, fmt.Errorf("transform: ruleset does not require %q", f.Aliases[0])
			}
		}
		kind, typed := ruleKind[f.Type]
		if !typed {
			continue
		}
		for _, a := range f.Aliases {
			r, ok := rules.Find(a, kind)
			if !ok {
				return nil, fmt.Errorf("transform: ruleset has no %s rule for %q", kind, a)
			}
			if f.Type == TypeDate {
				t.layouts[a] = r.Params.Layout
			}
		}
	}
	return t, nil
}

// Dictionary returns the field mapping in use.
func (t *Transformer) Dictionary() *Dictionary { return t.dict }

// Transform converts one valid record. For each canonical field the first
// non-blank alias is used; every other non-blank alias and every unmapped
// source field is kept in Extensions.
func (t *Transformer) Transform(rec docpipe.Record) (CanonicalRecord, error) {
	var c CanonicalRecord
	consumed := make(map[string]bool, len(t.dict.fields))

	for _, f := range t.dict.fields {
		var src string
		for _, a := range f.Aliases {
			if !rec.Get(a).IsBlank() {
				if src == "" {
					src = a
				}
				continue
			}
			// Blank mapped fields carry nothing worth extending.
			consumed[a] = true
		}
		if src == "" {
			if f.Required {
				return CanonicalRecord{}, fmt.Errorf("%w: row %d: required field %s is blank", ErrInternalTransform, rec.Index, f.Name)
			}
			continue
		}
		consumed[src] = true
		if err := t.coerce(&c, f, src, rec.Get(src)); err != nil {
			return CanonicalRecord{}, fmt.Errorf("%w: row %d: field %s: %v", ErrInternalTransform, rec.Index, src, err)
		}
	}

	for k, v := range rec.Fields {
		if consumed[k] {
			continue
		}
		if c.Extensions == nil {
			c.Extensions = make(map[string]docpipe.Value)
		}
		c.Extensions[k] = v
	}
	return c, nil
}

func (t *Transformer) coerce(c *CanonicalRecord, f Field, src string, v docpipe.Value) error {
	switch f.Type {
	case TypeInteger:
		n, err := validate.ParseInt(v)
		if err != nil {
			return err
		}
		c.set(f.Name, "", &n)
	case TypeDate:
		d, err := validate.ParseDate(v, t.layouts[src])
		if err != nil {
			return err
		}
		c.set(f.Name, d.Format(validate.DefaultDateLayout), nil)
	case TypeEmail:
		s, err := validate.ParseEmail(v)
		if err != nil {
			return err
		}
		c.set(f.Name, s, nil)
	case TypePhone:
		s, err := validate.ParsePhone(v)
		if err != nil {
			return err
		}
		c.set(f.Name, s, nil)
	default:
		s, err := validate.Text(v)
		if err != nil {
			return err
		}
		c.set(f.Name, s, nil)
	}
	return nil
}

// TransformAll converts records in order, stopping at the first defect.
func (t *Transformer) TransformAll(ctx context.Context, records []docpipe.Record) ([]CanonicalRecord, error) {
	out := make([]CanonicalRecord, 0, len(records))
	for i, rec := range records {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("transform: interrupted: %w", err)
			}
		}
		c, err := t.Transform(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
