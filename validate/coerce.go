package validate

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/intake/docpipe"
)

// DefaultDateLayout is used by date rules that do not name a layout.
const DefaultDateLayout = "2006-01-02"

// ErrBlank is returned by the coercion helpers for null or blank values.
var ErrBlank = errors.New("validate: blank value")

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// The coercion helpers below are shared with the transformer so that a value
// accepted by a rule is always convertible by the same code.

// ParseInt converts an integral value. Number literals such as "34.0"
// and "3.4e1" are accepted when they carry no fractional part.
func ParseInt(v docpipe.Value) (int64, error) {
	s, err := text(v)
	if err != nil {
		return 0, err
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("validate: %q is not an integer", s)
	}
	return int64(f), nil
}

// ParseNumber converts a decimal value.
func ParseNumber(v docpipe.Value) (float64, error) {
	s, err := text(v)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("validate: %q is not a number", s)
	}
	return f, nil
}

// ParseDate converts a value using a time layout, DefaultDateLayout when empty.
func ParseDate(v docpipe.Value, layout string) (time.Time, error) {
	s, err := text(v)
	if err != nil {
		return time.Time{}, err
	}
	if layout == "" {
		layout = DefaultDateLayout
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("validate: %q is not a date in layout %s", s, layout)
	}
	return t, nil
}

// ParseEmail returns the trimmed address with a lowercased domain.
func ParseEmail(v docpipe.Value) (string, error) {
	s, err := text(v)
	if err != nil {
		return "", err
	}
	if !emailRe.MatchString(s) {
		return "", fmt.Errorf("validate: %q is not an email address", s)
	}
	at := strings.LastIndexByte(s, '@')
	return s[:at] + strings.ToLower(s[at:]), nil
}

// ParsePhone strips common separators and returns the digits, keeping a
// leading '+'. Between 7 and 15 digits are required.
func ParsePhone(v docpipe.Value) (string, error) {
	s, err := text(v)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == '+' && i == 0:
			sb.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("validate: %q is not a phone number", s)
		}
	}
	out := sb.String()
	digits := len(strings.TrimPrefix(out, "+"))
	if digits < 7 || digits > 15 {
		return "", fmt.Errorf("validate: %q is not a phone number", s)
	}
	return out, nil
}

// Text returns the trimmed text of a non-blank value.
func Text(v docpipe.Value) (string, error) {
	return text(v)
}

func text(v docpipe.Value) (string, error) {
	if v.IsBlank() {
		return "", ErrBlank
	}
	return strings.TrimSpace(v.Text), nil
}
