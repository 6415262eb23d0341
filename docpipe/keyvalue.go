package docpipe

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxKeyLen bounds the label part of a "Key: Value" line.
const maxKeyLen = 64

// keyValueRecord builds a single-record set from "Key: Value" lines.
// The first occurrence of a key wins; an empty value is null. Lines that
// do not look like a labelled value are ignored.
func keyValueRecord(format Format, lines []string) (*RecordSet, error) {
	b := newBuilder(format)
	row := make(map[string]Value)
	for _, line := range lines {
		key, value, ok := splitKeyValue(line)
		if !ok {
			continue
		}
		name := NormalizeField(key)
		if _, dup := row[name]; dup {
			continue
		}
		b.addField(name)
		if value == "" {
			row[name] = Null()
		} else {
			row[name] = String(value)
		}
	}
	if len(row) == 0 {
		return nil, newError(ErrNoExtractableData, format, -1, "no \"Key: Value\" lines found")
	}
	b.addRow(row)
	return b.build()
}

func splitKeyValue(line string) (key, value string, ok bool) {
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if !validKey(key) {
		return "", "", false
	}
	// URLs are not labels.
	if strings.HasPrefix(value, "//") {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

func validKey(key string) bool {
	if key == "" || utf8.RuneCountInString(key) > maxKeyLen {
		return false
	}
	for i, r := range key {
		if i == 0 && !unicode.IsLetter(r) {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != ' ' && r != '_' && r != '-' && r != '.' {
			return false
		}
	}
	return true
}

// splitLines breaks extracted text into trimmed, non-empty lines.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
