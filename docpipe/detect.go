package docpipe

import (
	"archive/zip"
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// sniffSize is the window inspected for magic bytes and text classification.
const sniffSize = 4 * 1024

// signature is the content class derived from the leading bytes.
type signature int

const (
	sigEmpty signature = iota
	sigPDF
	sigDocx
	sigXLSX
	sigZip    // ZIP container that is neither recognisably docx nor xlsx
	sigJSON   // text whose first non-space byte opens an object or array
	sigText   // any other text, candidate delimited data
	sigBinary // known or unknown binary content
)

func (s signature) String() string {
	switch s {
	case sigEmpty:
		return "empty"
	case sigPDF:
		return "pdf"
	case sigDocx:
		return "docx"
	case sigXLSX:
		return "xlsx"
	case sigZip:
		return "zip container"
	case sigJSON:
		return "json"
	case sigText:
		return "text"
	default:
		return "binary"
	}
}

// binaryMagic lists signatures of common binary files that are never accepted.
var binaryMagic = []struct {
	name  string
	magic []byte
}{
	{"ole2", []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}},
	{"elf", []byte{0x7F, 'E', 'L', 'F'}},
	{"png", []byte{0x89, 'P', 'N', 'G'}},
	{"jpeg", []byte{0xFF, 0xD8, 0xFF}},
	{"gif", []byte("GIF8")},
	{"gzip", []byte{0x1F, 0x8B}},
}

var extensions = map[string]Format{
	".csv":  FormatCSV,
	".xlsx": FormatXLSX,
	".json": FormatJSON,
	".pdf":  FormatPDF,
	".docx": FormatDocx,
}

var contentTypes = map[string]Format{
	"text/csv":         FormatCSV,
	"application/csv":  FormatCSV,
	"application/json": FormatJSON,
	"text/json":        FormatJSON,
	"application/pdf":  FormatPDF,

	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       FormatXLSX,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FormatDocx,
}

// Detect classifies an artifact. The extension is a claim that the content
// signature must confirm, and an extension outside the supported set is
// refused whatever the content. The declared content type and the
// signature alone are only consulted when the name carries no extension.
func Detect(a Artifact) (Format, error) {
	sig := sniff(a.Data)
	ext := strings.ToLower(filepath.Ext(a.Name))

	declared, ok := extensions[ext]
	if !ok && ext != "" {
		return "", newError(ErrUnsupportedFormat, "", -1, fmt.Sprintf("extension %q is not supported", ext))
	}
	if !ok {
		declared, ok = formatFromContentType(a.ContentType)
	}
	if ok {
		if compatible(declared, sig) {
			return declared, nil
		}
		return "", newError(ErrFormatMismatch, declared, -1,
			fmt.Sprintf("name %q declares %s but content is %s", a.Name, declared, sig))
	}

	switch sig {
	case sigPDF:
		return FormatPDF, nil
	case sigDocx:
		return FormatDocx, nil
	case sigXLSX:
		return FormatXLSX, nil
	case sigJSON:
		return FormatJSON, nil
	}
	return "", newError(ErrUnsupportedFormat, "", -1, fmt.Sprintf("no extension and %s content", sig))
}

func formatFromContentType(ct string) (Format, bool) {
	if ct == "" {
		return "", false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", false
	}
	f, ok := contentTypes[mt]
	return f, ok
}

// compatible reports whether content with signature sig may be parsed as f.
// Text formats accept any text; structure problems surface when parsing.
// An empty artifact is left to the parser, which reports no data.
func compatible(f Format, sig signature) bool {
	if sig == sigEmpty {
		return true
	}
	switch f {
	case FormatCSV, FormatJSON:
		return sig == sigText || sig == sigJSON
	case FormatPDF:
		return sig == sigPDF
	case FormatDocx:
		return sig == sigDocx || sig == sigZip
	case FormatXLSX:
		return sig == sigXLSX || sig == sigZip
	}
	return false
}

func sniff(data []byte) signature {
	if len(data) == 0 {
		return sigEmpty
	}
	head := data
	if len(head) > sniffSize {
		head = head[:sniffSize]
	}
	if bytes.HasPrefix(bytes.TrimLeft(head, " \t\r\n\x00"), []byte("%PDF-")) {
		return sigPDF
	}
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return sniffZip(data)
	}
	for _, m := range binaryMagic {
		if bytes.HasPrefix(data, m.magic) {
			return sigBinary
		}
	}

	text := sniffText(data, sniffSize)
	if bytes.IndexByte(text, 0) >= 0 {
		return sigBinary
	}
	trimmed := bytes.TrimLeft(text, " \t\r\n")
	if len(trimmed) == 0 {
		return sigText
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return sigJSON
	}
	return sigText
}

// sniffZip inspects the container directory for the OOXML part that
// distinguishes a word document from a workbook.
func sniffZip(data []byte) signature {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return sigZip
	}
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			return sigDocx
		case "xl/workbook.xml":
			return sigXLSX
		}
	}
	return sigZip
}

// SupportedFormats returns the accepted formats.
func SupportedFormats() []Format {
	return []Format{FormatCSV, FormatXLSX, FormatJSON, FormatPDF, FormatDocx}
}

// SupportedExtensions returns the accepted file extensions.
func SupportedExtensions() []string {
	return []string{".csv", ".xlsx", ".json", ".pdf", ".docx"}
}
