package docpipe

import (
	"encoding/json"
	"strings"
)

// Format identifies one of the supported input document kinds.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
	FormatPDF  Format = "pdf"
	FormatDocx Format = "docx"
)

// Artifact is an uploaded file as received. It is never mutated.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"-"`
}

// Size returns the artifact length in bytes.
func (a Artifact) Size() int64 { return int64(len(a.Data)) }

// Kind tags the scalar held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	default:
		return "null"
	}
}

// Value is a raw scalar extracted from a document. Numbers keep their
// literal text so no precision is lost before coercion.
type Value struct {
	Kind Kind
	Text string
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Text: s} }

// Number returns a number value from its literal text.
func Number(lit string) Value { return Value{Kind: KindNumber, Text: lit} }

// IsNull reports whether v holds no value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// IsBlank reports whether v is null or a whitespace-only string.
func (v Value) IsBlank() bool {
	return v.Kind == KindNull || strings.TrimSpace(v.Text) == ""
}

// String returns the literal text, empty for null.
func (v Value) String() string { return v.Text }

// MarshalJSON encodes null as null, numbers as JSON numbers and strings as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindNumber:
		if json.Valid([]byte(v.Text)) {
			return []byte(v.Text), nil
		}
	}
	return json.Marshal(v.Text)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	switch {
	case s == "null":
		*v = Null()
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*v = String(str)
	case s == "true" || s == "false":
		*v = String(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = Number(n.String())
	}
	return nil
}

// Record is one logical row. Index is 1-based in source order.
type Record struct {
	Index  int              `json:"index"`
	Fields map[string]Value `json:"fields"`
}

// Get returns the value of field, null when absent.
func (r Record) Get(field string) Value {
	return r.Fields[field]
}

// RecordSet is the output of a parser. Every record holds exactly the
// names listed in Fields.
type RecordSet struct {
	Format  Format   `json:"format"`
	Fields  []string `json:"fields"`
	Records []Record `json:"records"`
}

// Len returns the number of records.
func (rs *RecordSet) Len() int { return len(rs.Records) }

// Subset returns a record set holding only the records whose positions
// (0-based) are listed in keep, in the given order.
func (rs *RecordSet) Subset(keep []int) *RecordSet {
	out := &RecordSet{Format: rs.Format, Fields: rs.Fields, Records: make([]Record, 0, len(keep))}
	for _, i := range keep {
		out.Records = append(out.Records, rs.Records[i])
	}
	return out
}

// NormalizeField lowercases a field name, trims it and joins inner
// whitespace runs with underscores.
func NormalizeField(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "_")
}

// builder accumulates records while tracking first-seen field order.
type builder struct {
	format Format
	fields []string
	seen   map[string]bool
	rows   []map[string]Value
}

func newBuilder(format Format) *builder {
	return &builder{format: format, seen: make(map[string]bool)}
}

func (b *builder) addField(name string) {
	if !b.seen[name] {
		b.seen[name] = true
		b.fields = append(b.fields, name)
	}
}

func (b *builder) addRow(row map[string]Value) {
	b.rows = append(b.rows, row)
}

// build pads missing fields with null and numbers records from 1.
func (b *builder) build() (*RecordSet, error) {
	if len(b.rows) == 0 {
		return nil, newError(ErrNoExtractableData, b.format, -1, "no records found")
	}
	rs := &RecordSet{Format: b.format, Fields: b.fields, Records: make([]Record, 0, len(b.rows))}
	for i, row := range b.rows {
		fields := make(map[string]Value, len(b.fields))
		for _, f := range b.fields {
			fields[f] = row[f]
		}
		rs.Records = append(rs.Records, Record{Index: i + 1, Fields: fields})
	}
	return rs, nil
}
