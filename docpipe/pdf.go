package docpipe

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var disablePDFConfigDir sync.Once

// PDFParser extracts page text with pdfcpu and reads "Key: Value" lines
// into a single record.
type PDFParser struct{}

func (PDFParser) Parse(ctx context.Context, a Artifact) (*RecordSet, error) {
	text, err := extractPDFText(ctx, a.Data)
	if err != nil {
		return nil, err
	}
	return keyValueRecord(FormatPDF, splitLines(text))
}

// extractPDFText returns the text of every page, one line per text line.
func extractPDFText(ctx context.Context, data []byte) (text string, err error) {
	disablePDFConfigDir.Do(api.DisableConfigDir)

	// pdfcpu panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = newError(ErrParse, FormatPDF, -1, "malformed document").wrap(fmt.Errorf("pdfcpu panic: %v", r))
		}
	}()

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return "", newError(ErrParse, FormatPDF, -1, "read document").wrap(err)
	}

	var sb strings.Builder
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		if err := checkCtx(ctx); err != nil {
			return "", err
		}
		pageText := extractPageText(pdfCtx, pageNr)
		if pageText == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(pageText)
	}
	return sb.String(), nil
}

// extractPageText extracts text from a single PDF page via pdfcpu content stream.
func extractPageText(pdfCtx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return extractTextFromStream(data)
}

// extractTextFromStream interprets the text operators of a content stream.
// Line breaks follow text positioning: a vertical Td/TD move, T*, Tm, the
// quote operators and the end of a text object all start a new line.
func extractTextFromStream(data []byte) string {
	var sb strings.Builder
	var strs []string
	var nums []float64
	inArray := false

	newline := func() {
		if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
	}
	show := func() {
		for _, s := range strs {
			sb.WriteString(s)
		}
	}

	for i := 0; i < len(data); {
		c := data[i]
		switch {
		case isPDFSpace(c):
			i++
		case c == '%':
			for i < len(data) && data[i] != '\n' && data[i] != '\r' {
				i++
			}
		case c == '(':
			raw, n := readPDFLiteral(data[i:])
			strs = append(strs, decodePDFString(raw))
			i += n
		case c == '<' && i+1 < len(data) && data[i+1] == '<', c == '>' && i+1 < len(data) && data[i+1] == '>':
			i += 2
		case c == '<':
			end := bytes.IndexByte(data[i:], '>')
			if end < 0 {
				return cleanPDFLines(sb.String())
			}
			strs = append(strs, decodePDFHex(data[i+1:i+end]))
			i += end + 1
		case c == '[':
			inArray = true
			i++
		case c == ']':
			inArray = false
			i++
		case c == '/':
			i++
			for i < len(data) && !isPDFSpace(data[i]) && !isPDFDelim(data[i]) {
				i++
			}
		case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
			start := i
			i++
			for i < len(data) && (data[i] == '.' || (data[i] >= '0' && data[i] <= '9')) {
				i++
			}
			v, err := strconv.ParseFloat(string(data[start:i]), 64)
			if err != nil {
				continue
			}
			// Large negative kerning inside TJ arrays separates words.
			if inArray && v <= -200 {
				strs = append(strs, " ")
			} else if !inArray {
				nums = append(nums, v)
			}
		default:
			start := i
			i++
			for i < len(data) && !isPDFSpace(data[i]) && !isPDFDelim(data[i]) {
				i++
			}
			switch string(data[start:i]) {
			case "Tj", "TJ":
				show()
			case "'", `"`:
				newline()
				show()
			case "Td", "TD":
				if len(nums) >= 2 && nums[len(nums)-1] != 0 {
					newline()
				} else if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
			case "T*", "Tm", "ET":
				newline()
			}
			strs = strs[:0]
			nums = nums[:0]
		}
	}
	return cleanPDFLines(sb.String())
}

// readPDFLiteral returns the raw bytes of a balanced (...) string starting at
// data[0] and the number of bytes consumed.
func readPDFLiteral(data []byte) ([]byte, int) {
	depth := 0
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return data[1:i], i + 1
			}
		}
	}
	return data[1:], len(data)
}

func decodePDFHex(h []byte) string {
	h = bytes.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, h)
	if len(h)%2 == 1 {
		h = append(h, '0')
	}
	out := make([]byte, hex.DecodedLen(len(h)))
	n, err := hex.Decode(out, h)
	if err != nil {
		return ""
	}
	return string(out[:n])
}

// decodePDFString handles basic PDF escape sequences.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			i++
			switch raw[i] {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case '\\':
				sb.WriteByte('\\')
			case '(':
				sb.WriteByte('(')
			case ')':
				sb.WriteByte(')')
			default:
				// Octal escape (e.g. \040 for space).
				if raw[i] >= '0' && raw[i] <= '7' {
					val := int(raw[i] - '0')
					if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
						i++
						val = val*8 + int(raw[i]-'0')
						if i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7' {
							i++
							val = val*8 + int(raw[i]-'0')
						}
					}
					sb.WriteByte(byte(val))
				} else {
					sb.WriteByte(raw[i])
				}
			}
		} else {
			sb.WriteByte(raw[i])
		}
	}
	return sb.String()
}

// cleanPDFLines collapses whitespace inside each line and drops blank lines.
func cleanPDFLines(text string) string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		var sb strings.Builder
		prevSpace := false
		for _, r := range line {
			if unicode.IsSpace(r) {
				if !prevSpace && sb.Len() > 0 {
					sb.WriteByte(' ')
					prevSpace = true
				}
			} else if unicode.IsPrint(r) {
				sb.WriteRune(r)
				prevSpace = false
			}
		}
		if l := strings.TrimSpace(sb.String()); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isPDFDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}
