package service

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var fieldPatterns sync.Map // field name -> *regexp.Regexp

func fieldPattern(field string) *regexp.Regexp {
	if re, ok := fieldPatterns.Load(field); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?im)` + regexp.QuoteMeta(field) + `:\s*(.+?)(?:\n|$)`)
	fieldPatterns.Store(field, re)
	return re
}

// ExtractField pulls "FIELD: value" out of free-form oracle output. Matching is
// case-insensitive and the first occurrence wins; def is returned when the
// field is absent. The value is not validated.
func ExtractField(text, field, def string) string {
	m := fieldPattern(field).FindStringSubmatch(text)
	if m == nil {
		return def
	}
	return strings.TrimSpace(m[1])
}

// extractScore reads a numeric field. Brackets and a trailing "/100" are
// tolerated; anything else that does not parse is an error.
func extractScore(text, field, def string) (float64, error) {
	raw := ExtractField(text, field, def)
	raw = strings.Trim(raw, "[]* ")
	raw = strings.TrimSuffix(raw, "/100")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "%")
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, &FieldError{Field: field, Value: raw, Err: err}
	}
	return v, nil
}

// FieldError reports a field whose value could not be interpreted
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	return "field " + e.Field + ": invalid value " + strconv.Quote(e.Value)
}

func (e *FieldError) Unwrap() error { return e.Err }
