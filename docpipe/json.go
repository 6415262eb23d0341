package docpipe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// JSONParser reads a single flat object or an array of flat objects.
// Field order follows first appearance across the document.
type JSONParser struct{}

func (JSONParser) Parse(ctx context.Context, a Artifact) (*RecordSet, error) {
	text, err := decodeText(FormatJSON, a.Data)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(text)) == 0 {
		return nil, newError(ErrNoExtractableData, FormatJSON, -1, "empty document")
	}

	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	b := newBuilder(FormatJSON)

	tok, err := dec.Token()
	if err != nil {
		return nil, jsonError(dec, err)
	}
	switch tok {
	case json.Delim('{'):
		if err := readObject(dec, b, "$"); err != nil {
			return nil, err
		}
	case json.Delim('['):
		for i := 0; dec.More(); i++ {
			if err := checkCtx(ctx); err != nil {
				return nil, err
			}
			loc := fmt.Sprintf("$[%d]", i)
			tok, err := dec.Token()
			if err != nil {
				return nil, jsonError(dec, err)
			}
			if tok != json.Delim('{') {
				return nil, newError(ErrStructural, FormatJSON, dec.InputOffset(),
					fmt.Sprintf("array element %d is not an object", i)).at(loc)
			}
			if err := readObject(dec, b, loc); err != nil {
				return nil, err
			}
		}
		if _, err := dec.Token(); err != nil {
			return nil, jsonError(dec, err)
		}
	default:
		return nil, newError(ErrStructural, FormatJSON, 0, "top-level value must be an object or an array of objects")
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, newError(ErrParse, FormatJSON, dec.InputOffset(), "unexpected data after top-level value")
	}
	return b.build()
}

// readObject consumes one object whose opening brace was already read.
func readObject(dec *json.Decoder, b *builder, loc string) error {
	row := make(map[string]Value)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return jsonError(dec, err)
		}
		key, ok := tok.(string)
		if !ok {
			return newError(ErrParse, FormatJSON, dec.InputOffset(), "object key expected").at(loc)
		}
		name := NormalizeField(key)
		if name == "" {
			return newError(ErrStructural, FormatJSON, dec.InputOffset(), "empty field name").at(loc)
		}
		tok, err = dec.Token()
		if err != nil {
			return jsonError(dec, err)
		}
		var v Value
		switch t := tok.(type) {
		case json.Delim:
			return newError(ErrStructural, FormatJSON, dec.InputOffset(),
				fmt.Sprintf("field %q holds a nested value", key)).at(loc)
		case string:
			v = String(t)
		case json.Number:
			v = Number(t.String())
		case bool:
			v = String(fmt.Sprint(t))
		case nil:
			v = Null()
		}
		b.addField(name)
		row[name] = v
	}
	if _, err := dec.Token(); err != nil {
		return jsonError(dec, err)
	}
	b.addRow(row)
	return nil
}

func jsonError(dec *json.Decoder, err error) error {
	var se *json.SyntaxError
	if errors.As(err, &se) {
		return newError(ErrParse, FormatJSON, se.Offset, se.Error()).wrap(err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return newError(ErrParse, FormatJSON, dec.InputOffset(), "unexpected end of document")
	}
	return newError(ErrParse, FormatJSON, dec.InputOffset(), "").wrap(err)
}
