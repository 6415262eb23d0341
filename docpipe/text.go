package docpipe

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

func hasUTF16BOM(data []byte) bool {
	return bytes.HasPrefix(data, bomUTF16LE) || bytes.HasPrefix(data, bomUTF16BE)
}

// decodeText returns data as BOM-free UTF-8. UTF-16 input is transcoded
// when it carries a byte order mark. Invalid UTF-8 is a parse error
// located at the first offending byte of the original input.
func decodeText(format Format, data []byte) ([]byte, error) {
	if hasUTF16BOM(data) {
		out, _, err := transform.Bytes(utf16Decoder(), data)
		if err != nil {
			return nil, newError(ErrParse, format, -1, "decode UTF-16").wrap(err)
		}
		return out, nil
	}
	shift := int64(0)
	if bytes.HasPrefix(data, bomUTF8) {
		data = data[len(bomUTF8):]
		shift = int64(len(bomUTF8))
	}
	if off := invalidUTF8(data); off >= 0 {
		return nil, newError(ErrParse, format, off+shift, "invalid UTF-8 sequence")
	}
	return data, nil
}

func utf16Decoder() transform.Transformer {
	return unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
}

// invalidUTF8 returns the offset of the first invalid sequence, or -1.
func invalidUTF8(b []byte) int64 {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return int64(i)
		}
		i += size
	}
	return -1
}

// sniffText decodes at most n leading bytes for content classification.
// The result may end with a truncated rune.
func sniffText(data []byte, n int) []byte {
	if len(data) > n {
		data = data[:n]
	}
	if !hasUTF16BOM(data) {
		return bytes.TrimPrefix(data, bomUTF8)
	}
	if len(data)%2 == 1 {
		data = data[:len(data)-1]
	}
	out, _, err := transform.Bytes(utf16Decoder(), data)
	if err != nil {
		return data
	}
	return out
}

// lineOffset renders a 1-based line location.
func lineOffset(line int) string {
	return fmt.Sprintf("line %d", line)
}
