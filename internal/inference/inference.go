// Package inference guesses column types from sample values.
//
// The result is a heuristic drawn from at most SampleSize non-empty values
// per column. A column inferred as integer may still hold a decimal or text
// value beyond the sample; callers that need guarantees should declare types
// explicitly.
package inference

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
)

const SampleSize = 100

var booleanTokens = map[string]bool{
	"true": true, "false": false,
	"yes": true, "no": false,
	"y": true, "n": false,
	"t": true, "f": false,
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"01/02/2006 15:04:05",
	"02-Jan-2006",
	"Jan 2, 2006",
}

// InferType classifies samples. Empty strings count as null and are skipped.
// Numeric wins over boolean, so a column of only 0 and 1 is an integer.
func InferType(samples []string) domain.SemanticType {
	vals := make([]string, 0, SampleSize)
	for _, s := range samples {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		vals = append(vals, s)
		if len(vals) == SampleSize {
			break
		}
	}
	if len(vals) == 0 {
		return domain.SemanticString
	}

	if t, ok := numericType(vals); ok {
		return t
	}
	if allMatch(vals, isBoolean) {
		return domain.SemanticBoolean
	}
	if allMatch(vals, isDate) {
		return domain.SemanticDatetime
	}
	return domain.SemanticString
}

func numericType(vals []string) (domain.SemanticType, bool) {
	fractional := false
	for _, v := range vals {
		if strings.ContainsAny(strings.ToLower(v), "naix_") {
			return "", false
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", false
		}
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			if f != float64(int64(f)) || strings.ContainsAny(v, ".eE") {
				fractional = true
			}
		}
	}
	if fractional {
		return domain.SemanticDecimal, true
	}
	return domain.SemanticInteger, true
}

func allMatch(vals []string, pred func(string) bool) bool {
	for _, v := range vals {
		if !pred(v) {
			return false
		}
	}
	return true
}

func isBoolean(s string) bool {
	_, ok := booleanTokens[strings.ToLower(s)]
	return ok
}

func isDate(s string) bool {
	_, ok := ParseTime(s)
	return ok
}

// ParseTime tries the supported layouts in order.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// InferColumns infers one ColumnInfo per column from records, keeping the
// given column order.
func InferColumns(columns []string, records []domain.Record) []domain.ColumnInfo {
	out := make([]domain.ColumnInfo, 0, len(columns))
	for _, col := range columns {
		samples := make([]string, 0, SampleSize)
		nullable := false
		for _, rec := range records {
			v, ok := rec[col]
			if !ok || v == nil {
				nullable = true
				continue
			}
			s := stringify(v)
			if s == "" {
				nullable = true
				continue
			}
			if len(samples) < SampleSize {
				samples = append(samples, s)
			}
		}
		out = append(out, domain.ColumnInfo{Name: col, Type: InferType(samples), Nullable: nullable})
	}
	return out
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprint(val)
	}
}

// Coerce converts a raw string into the Go value for t. Empty input yields nil.
func Coerce(raw string, t domain.SemanticType) (interface{}, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	switch t {
	case domain.SemanticInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", raw)
		}
		return n, nil
	case domain.SemanticDecimal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("not a decimal: %q", raw)
		}
		return f, nil
	case domain.SemanticBoolean:
		if b, ok := booleanTokens[strings.ToLower(s)]; ok {
			return b, nil
		}
		switch s {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
		return nil, fmt.Errorf("not a boolean: %q", raw)
	case domain.SemanticDatetime:
		tm, ok := ParseTime(s)
		if !ok {
			return nil, fmt.Errorf("not a date/time: %q", raw)
		}
		return tm.UTC().Format(time.RFC3339), nil
	default:
		return raw, nil
	}
}
