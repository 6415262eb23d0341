package docpipe

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DocxParser reads word/document.xml. The first table with a header row
// and at least one data row yields one record per data row; without such
// a table, paragraphs are read as "Key: Value" lines. Paragraphs inside
// tables too short to be tabular count as lines, in document order.
type DocxParser struct{}

func (DocxParser) Parse(ctx context.Context, a Artifact) (*RecordSet, error) {
	body, err := readDocxBody(ctx, a.Data)
	if err != nil {
		return nil, err
	}
	for ti, tbl := range body.tables {
		if len(tbl) < 2 {
			continue
		}
		return docxTableRecords(ctx, ti, tbl)
	}
	return keyValueRecord(FormatDocx, body.paragraphs)
}

// docxBody is the text content of a document: paragraph lines and tables
// as rows of cell text.
type docxBody struct {
	paragraphs []string
	tables     [][][]string
}

func readDocxBody(ctx context.Context, data []byte) (*docxBody, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, newError(ErrParse, FormatDocx, -1, "open zip").wrap(err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, newError(ErrParse, FormatDocx, -1, "word/document.xml not found in archive")
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, newError(ErrParse, FormatDocx, -1, "open document.xml").wrap(err)
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	body := &docxBody{}
	var (
		para      strings.Builder
		inText    bool
		tblDepth  int
		table     [][]string
		row       []string
		cell      strings.Builder
		cellParas int
		paraStart int      // offset of the current paragraph in cell
		tblLines  []string // paragraph lines of the current top-level table
	)

	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, newError(ErrParse, FormatDocx, decoder.InputOffset(), "word/document.xml").wrap(err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tblDepth++
				if tblDepth == 1 {
					table, tblLines = nil, nil
				}
			case "tr":
				if tblDepth == 1 {
					row = nil
				}
			case "tc":
				if tblDepth == 1 {
					cell.Reset()
					cellParas = 0
				}
			case "p":
				if tblDepth == 0 {
					para.Reset()
					break
				}
				if cellParas > 0 {
					cell.WriteByte(' ')
				}
				paraStart = cell.Len()
			case "t":
				inText = true
			case "tab":
				writeDocx(&para, &cell, tblDepth, " ")
			case "br", "cr":
				writeDocx(&para, &cell, tblDepth, "\n")
			}

		case xml.CharData:
			if inText {
				writeDocx(&para, &cell, tblDepth, string(t))
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if tblDepth == 0 {
					body.paragraphs = append(body.paragraphs, splitLines(para.String())...)
				} else {
					tblLines = append(tblLines, splitLines(cell.String()[paraStart:])...)
					cellParas++
				}
			case "tc":
				if tblDepth == 1 {
					row = append(row, strings.TrimSpace(cell.String()))
				}
			case "tr":
				if tblDepth == 1 {
					table = append(table, row)
					if err := checkCtx(ctx); err != nil {
						return nil, err
					}
				}
			case "tbl":
				if tblDepth == 1 {
					body.tables = append(body.tables, table)
					if len(table) < 2 {
						body.paragraphs = append(body.paragraphs, tblLines...)
					}
				}
				tblDepth--
			}
		}
	}
	return body, nil
}

// writeDocx routes text to the current cell inside tables, else to the paragraph.
func writeDocx(para, cell *strings.Builder, tblDepth int, s string) {
	if tblDepth > 0 {
		cell.WriteString(s)
		return
	}
	para.WriteString(s)
}

func docxTableRecords(ctx context.Context, ti int, tbl [][]string) (*RecordSet, error) {
	loc := func(row int) func(int) string {
		return func(col int) string { return fmt.Sprintf("table %d, row %d, cell %d", ti+1, row+1, col+1) }
	}
	fields, err := normalizeHeader(FormatDocx, trimTrailingBlank(tbl[0]), loc(0))
	if err != nil {
		return nil, err
	}
	b := newBuilder(FormatDocx)
	for _, f := range fields {
		b.addField(f)
	}
	for r, cells := range tbl[1:] {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
		if blankRow(cells) {
			continue
		}
		values := make(map[string]Value, len(fields))
		for c, text := range cells {
			if c >= len(fields) {
				if text != "" {
					return nil, newError(ErrStructural, FormatDocx, -1,
						fmt.Sprintf("value beyond the %d header cells", len(fields))).at(loc(r + 1)(c))
				}
				continue
			}
			if text == "" {
				values[fields[c]] = Null()
			} else {
				values[fields[c]] = String(text)
			}
		}
		b.addRow(values)
	}
	return b.build()
}
