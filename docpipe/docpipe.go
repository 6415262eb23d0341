// Package docpipe turns uploaded business documents into record sets.
//
// Supported formats:
//   - .csv  : delimited text, first row is the header
//   - .xlsx : Office Open XML workbook, first sheet only
//   - .json : a single object or an array of flat objects
//   - .pdf  : text extracted with pdfcpu, "Key: Value" lines
//   - .docx : word/document.xml tables, else "Key: Value" paragraphs
//
// Detection never trusts the file name alone: the extension is checked
// against a content signature before any parser runs.
//
// Usage:
//
//	pipe := docpipe.New(docpipe.Config{})
//	format, rs, err := pipe.Extract(ctx, docpipe.Artifact{Name: "users.csv", Data: data})
//	fmt.Println(format, rs.Len(), "records")
package docpipe

import (
	"context"
	"fmt"
	"log/slog"
)

// Parser converts the raw bytes of one format into a record set.
type Parser interface {
	Parse(ctx context.Context, a Artifact) (*RecordSet, error)
}

// Pipeline is the document extraction engine.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Detect classifies the artifact. See the package-level Detect.
func (p *Pipeline) Detect(a Artifact) (Format, error) {
	return Detect(a)
}

// Parse runs the parser for an already detected format.
func (p *Pipeline) Parse(ctx context.Context, format Format, a Artifact) (*RecordSet, error) {
	parser, err := p.parserFor(format)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("parsing document", "name", a.Name, "format", format, "bytes", len(a.Data))
	rs, err := parser.Parse(ctx, a)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("document parsed", "name", a.Name, "format", format,
		"fields", len(rs.Fields), "records", rs.Len())
	return rs, nil
}

// Extract detects the format then parses the artifact.
func (p *Pipeline) Extract(ctx context.Context, a Artifact) (Format, *RecordSet, error) {
	format, err := p.Detect(a)
	if err != nil {
		return "", nil, err
	}
	rs, err := p.Parse(ctx, format, a)
	if err != nil {
		return format, nil, err
	}
	return format, rs, nil
}

func (p *Pipeline) parserFor(format Format) (Parser, error) {
	switch format {
	case FormatCSV:
		return CSVParser{Delimiter: p.cfg.CSVDelimiter}, nil
	case FormatXLSX:
		return XLSXParser{}, nil
	case FormatJSON:
		return JSONParser{}, nil
	case FormatPDF:
		return PDFParser{}, nil
	case FormatDocx:
		return DocxParser{}, nil
	default:
		return nil, newError(ErrUnsupportedFormat, format, -1, fmt.Sprintf("no parser for %q", format))
	}
}

// checkCtx is polled by parsers between rows.
func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("docpipe: parse interrupted: %w", err)
	}
	return nil
}
