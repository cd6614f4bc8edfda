package connector

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Params is a typed view over the opaque connection/option maps.
type Params map[string]interface{}

// Merge returns a copy of the given maps, later maps winning.
func Merge(maps ...map[string]interface{}) Params {
	out := Params{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func (p Params) StringOr(key, def string) string {
	if s := p.String(key); s != "" {
		return s
	}
	return def
}

// Int returns the integer under key. ok is false when the value is absent or
// not a whole number.
func (p Params) Int(key string) (int64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint64:
		return int64(val), true
	case float64:
		if val != float64(int64(val)) {
			return 0, false
		}
		return int64(val), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func (p Params) IntOr(key string, def int64) int64 {
	if n, ok := p.Int(key); ok {
		return n
	}
	return def
}

func (p Params) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (p Params) Bool(key string) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(val))
		return b
	case int:
		return val != 0
	case float64:
		return val != 0
	default:
		return false
	}
}

func (p Params) BoolOr(key string, def bool) bool {
	if !p.Has(key) {
		return def
	}
	return p.Bool(key)
}

func (p Params) Strings(key string) []string {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	default:
		return nil
	}
}

func (p Params) Map(key string) map[string]interface{} {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]interface{}:
		return val
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	default:
		return nil
	}
}

// StringMap flattens a map option into string values with sorted iteration.
func (p Params) StringMap(key string) map[string]string {
	m := p.Map(key)
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(m))
	for _, k := range keys {
		out[k] = fmt.Sprint(m[k])
	}
	return out
}

func (p Params) List(key string) []interface{} {
	v, ok := p[key]
	if !ok || v == nil {
		return nil
	}
	if l, ok := v.([]interface{}); ok {
		return l
	}
	return nil
}
