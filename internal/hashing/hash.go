// Package hashing computes stable fingerprints of data-source configs and
// snapshot schemas. Equal inputs hash equal regardless of map order.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/mmrzaf/dataforge/internal/domain"
)

// HashConfig fingerprints the parts of cfg that change what a run reads.
// Name, schedule and retention are left out.
func HashConfig(cfg *domain.DataSourceConfig) (string, error) {
	canonical := map[string]interface{}{
		"type":       string(cfg.Type),
		"connection": canonicalize(cfg.Connection),
		"options":    canonicalize(cfg.Options),
	}
	return sum(canonical)
}

// HashSchema fingerprints column names and types in order.
func HashSchema(columns []domain.ColumnInfo) (string, error) {
	cols := make([]map[string]interface{}, len(columns))
	for i, c := range columns {
		cols[i] = map[string]interface{}{
			"name":     c.Name,
			"type":     string(c.Type),
			"nullable": c.Nullable,
		}
	}
	return sum(cols)
}

func sum(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

func canonicalize(params map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(params))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch val := params[k].(type) {
		case map[string]interface{}:
			result[k] = canonicalize(val)
		case map[interface{}]interface{}:
			m := make(map[string]interface{}, len(val))
			for mk, mv := range val {
				if s, ok := mk.(string); ok {
					m[s] = mv
				}
			}
			result[k] = canonicalize(m)
		default:
			result[k] = val
		}
	}
	return result
}
