package docpipe

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// CSVParser reads delimited text whose first row is the header.
type CSVParser struct {
	Delimiter rune
}

func (p CSVParser) Parse(ctx context.Context, a Artifact) (*RecordSet, error) {
	text, err := decodeText(FormatCSV, a.Data)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(bytes.NewReader(text))
	if p.Delimiter != 0 {
		r.Comma = p.Delimiter
	}
	// Column counts are checked below so the error can name the row.
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, newError(ErrNoExtractableData, FormatCSV, -1, "empty document")
	}
	if err != nil {
		return nil, csvError(r, err)
	}
	// Trailing empty header cells are dropped, as for spreadsheets; rows may
	// carry or omit the matching empty cells.
	fields, err := normalizeHeader(FormatCSV, trimTrailingBlank(header), func(int) string { return lineOffset(1) })
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, newError(ErrStructural, FormatCSV, -1, "header row is empty").at(lineOffset(1))
	}

	b := newBuilder(FormatCSV)
	for _, f := range fields {
		b.addField(f)
	}
	for {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvError(r, err)
		}
		line, _ := r.FieldPos(0)
		if len(row) < len(fields) || len(row) > len(header) {
			return nil, newError(ErrStructural, FormatCSV, -1,
				fmt.Sprintf("expected %d fields, got %d", len(header), len(row))).at(lineOffset(line))
		}
		values := make(map[string]Value, len(fields))
		for i, cell := range row {
			if i >= len(fields) {
				if strings.TrimSpace(cell) != "" {
					return nil, newError(ErrStructural, FormatCSV, -1,
						fmt.Sprintf("value beyond the %d header columns", len(fields))).at(lineOffset(line))
				}
				continue
			}
			if cell == "" {
				values[fields[i]] = Null()
			} else {
				values[fields[i]] = String(cell)
			}
		}
		b.addRow(values)
	}
	return b.build()
}

func csvError(r *csv.Reader, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return newError(ErrParse, FormatCSV, r.InputOffset(), pe.Err.Error()).
			at(fmt.Sprintf("line %d, column %d", pe.Line, pe.Column)).wrap(pe.Err)
	}
	return newError(ErrParse, FormatCSV, r.InputOffset(), "").wrap(err)
}

// normalizeHeader normalizes header cells and rejects empty or
// duplicate names. loc renders the location of cell i.
func normalizeHeader(format Format, cells []string, loc func(i int) string) ([]string, error) {
	fields := make([]string, len(cells))
	seen := make(map[string]int, len(cells))
	for i, c := range cells {
		name := NormalizeField(c)
		if name == "" {
			return nil, newError(ErrStructural, format, -1,
				fmt.Sprintf("column %d has an empty name", i+1)).at(loc(i))
		}
		if prev, dup := seen[name]; dup {
			return nil, newError(ErrStructural, format, -1,
				fmt.Sprintf("duplicate column %q (columns %d and %d)", name, prev+1, i+1)).at(loc(i))
		}
		seen[name] = i
		fields[i] = name
	}
	return fields, nil
}
