package file

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
)

// objectIterator adapts a source of ordered objects into an iterator and
// tracks the union of keys in first-seen order.
type objectIterator struct {
	next    func() ([]string, domain.Record, error)
	flatten bool
	cols    []string
	seen    map[string]bool
}

func newObjectIterator(flatten bool, next func() ([]string, domain.Record, error)) *objectIterator {
	return &objectIterator{next: next, flatten: flatten, seen: map[string]bool{}}
}

func (it *objectIterator) Columns() []string { return it.cols }

func (it *objectIterator) Next() (domain.Record, error) {
	keys, rec, err := it.next()
	if err != nil {
		return nil, err
	}
	if it.flatten {
		keys, rec = flattenRecord(keys, rec)
	}
	for _, k := range keys {
		if !it.seen[k] {
			it.seen[k] = true
			it.cols = append(it.cols, k)
		}
	}
	return rec, nil
}

// flattenRecord expands nested objects into dotted keys. Nested key order is
// sorted since it is not preserved by the decoders.
func flattenRecord(keys []string, rec domain.Record) ([]string, domain.Record) {
	out := make(domain.Record, len(rec))
	outKeys := make([]string, 0, len(keys))
	var walk func(prefix string, v interface{})
	walk = func(prefix string, v interface{}) {
		m, ok := v.(map[string]interface{})
		if !ok || len(m) == 0 {
			out[prefix] = v
			outKeys = append(outKeys, prefix)
			return
		}
		nested := make([]string, 0, len(m))
		for k := range m {
			nested = append(nested, k)
		}
		sort.Strings(nested)
		for _, k := range nested {
			walk(prefix+"."+k, m[k])
		}
	}
	for _, k := range keys {
		walk(k, rec[k])
	}
	return outKeys, out
}

func sliceSource(items []func() ([]string, domain.Record, error)) func() ([]string, domain.Record, error) {
	i := 0
	return func() ([]string, domain.Record, error) {
		if i >= len(items) {
			return nil, nil, io.EOF
		}
		f := items[i]
		i++
		return f()
	}
}

func splitPath(path string) []string {
	path = strings.Trim(strings.TrimSpace(path), ".")
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// normalizeValue maps decoder specific scalars onto the record value types.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case int:
		return int64(val)
	case uint64:
		if val <= 1<<63-1 {
			return int64(val)
		}
		return float64(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalizeValue(item)
		}
		return val
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			m[fmt.Sprint(k)] = normalizeValue(item)
		}
		return m
	case []interface{}:
		for i := range val {
			val[i] = normalizeValue(val[i])
		}
		return val
	default:
		return v
	}
}
