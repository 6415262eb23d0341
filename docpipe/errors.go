package docpipe

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedFormat means the artifact matches none of the supported formats.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrFormatMismatch means the declared extension and the content disagree.
	ErrFormatMismatch = errors.New("format mismatch")
	// ErrParse means the bytes are not a well-formed instance of the format.
	ErrParse = errors.New("parse error")
	// ErrStructural means the document is well formed but not tabular enough.
	ErrStructural = errors.New("structural error")
	// ErrNoExtractableData means parsing succeeded but produced no records.
	ErrNoExtractableData = errors.New("no extractable data")
)

// Error is a located detection or parse failure. It matches its Kind
// sentinel with errors.Is.
type Error struct {
	Kind     error
	Format   Format
	Offset   int64 // byte offset, -1 when unknown
	Location string
	Detail   string
	Err      error
}

func newError(kind error, format Format, offset int64, detail string) *Error {
	return &Error{Kind: kind, Format: format, Offset: offset, Detail: detail}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "docpipe: " + e.Summary()
	}
	return "docpipe: " + e.Summary() + ": " + e.Err.Error()
}

// Summary describes the failure in terms of the document only: kind,
// format, location and detail. The wrapped cause is left out since it may
// come from a third-party parser.
func (e *Error) Summary() string {
	var sb strings.Builder
	if e.Format != "" {
		sb.WriteString(string(e.Format))
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.Error())
	if e.Location != "" {
		sb.WriteString(" at ")
		sb.WriteString(e.Location)
	} else if e.Offset >= 0 {
		fmt.Fprintf(&sb, " at byte %d", e.Offset)
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func (e *Error) at(location string) *Error {
	e.Location = location
	return e
}

func (e *Error) wrap(err error) *Error {
	e.Err = err
	return e
}
