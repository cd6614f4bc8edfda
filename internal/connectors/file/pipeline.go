package file

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/inference"
	"github.com/mmrzaf/dataforge/internal/transform"
)

const (
	defaultBatchSize = 1000
	maxBatchSize     = 50000
)

// pipeline applies the per-row options (coercion, transform, row cap) in
// that order.
type pipeline struct {
	coerce      map[string]domain.SemanticType
	nullOnError bool
	tr          *transform.Transformer
	maxRows     int64
	kept        int64
	row         int64
}

func coerceSpec(p connector.Params) (map[string]domain.SemanticType, error) {
	m := p.StringMap("coerce")
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]domain.SemanticType, len(m))
	for col, typ := range m {
		if !domain.IsSemanticType(typ) {
			return nil, fmt.Errorf("coerce.%s: unknown type %q", col, typ)
		}
		out[col] = domain.SemanticType(typ)
	}
	return out, nil
}

func transformOptions(p connector.Params) transform.Options {
	opts := transform.Options{}
	if ms, ok := p.Int("transformTimeoutMs"); ok && ms > 0 {
		opts.Timeout = time.Duration(ms) * time.Millisecond
	}
	return opts
}

func newPipeline(p connector.Params) (*pipeline, error) {
	spec, err := coerceSpec(p)
	if err != nil {
		return nil, domain.NewError(domain.CodeInvalidOption, err.Error(), nil)
	}
	pl := &pipeline{
		coerce:      spec,
		nullOnError: p.String("onCoerceError") == "null",
		maxRows:     p.IntOr("maxRows", 0),
	}
	if src := p.String("transform"); src != "" {
		tr, err := transform.Compile(src, transformOptions(p))
		if err != nil {
			return nil, domain.NewError(domain.CodeInvalidOption, "invalid transform", err)
		}
		pl.tr = tr
	}
	return pl, nil
}

func (pl *pipeline) full() bool {
	return pl.maxRows > 0 && pl.kept >= pl.maxRows
}

func (pl *pipeline) apply(ctx context.Context, rec domain.Record) (domain.Record, bool, error) {
	pl.row++
	for col, typ := range pl.coerce {
		raw, ok := rec[col]
		if !ok || raw == nil {
			continue
		}
		s, isString := raw.(string)
		if !isString {
			s = fmt.Sprint(raw)
		}
		v, err := inference.Coerce(s, typ)
		if err != nil {
			if pl.nullOnError {
				rec[col] = nil
				continue
			}
			return nil, false, domain.ExecutionFailure(fmt.Sprintf("row %d column %s", pl.row, col), err)
		}
		rec[col] = v
	}
	if pl.tr != nil {
		out, keep, err := pl.tr.Apply(ctx, rec)
		if err != nil {
			return nil, false, domain.ExecutionFailure(fmt.Sprintf("row %d", pl.row), err)
		}
		if !keep {
			return nil, false, nil
		}
		rec = out
	}
	pl.kept++
	return rec, true, nil
}

func (pl *pipeline) close() {
	if pl.tr != nil {
		pl.tr.Close()
	}
}

// outputColumns keeps the source order for known columns and appends keys a
// transform introduced in sorted order.
func outputColumns(source []string, records []domain.Record) []string {
	seen := make(map[string]bool, len(source))
	out := make([]string, 0, len(source))
	present := map[string]bool{}
	for _, rec := range records {
		for k := range rec {
			present[k] = true
		}
	}
	for _, c := range source {
		if present[c] || len(records) == 0 {
			out = append(out, c)
			seen[c] = true
		}
	}
	var extra []string
	for k := range present {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
