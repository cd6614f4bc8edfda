// Package synthetic generates records from declared field generators.
package synthetic

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/generators"
	"github.com/mmrzaf/dataforge/internal/logging"
)

const (
	MaxRecordCount = 10_000_000

	defaultBatchSize    = 1000
	maxBatchSize        = 50000
	defaultPreviewLimit = 10
	maxPreviewLimit     = 1000
)

// GeneratorLookup resolves a field type to its generator.
type GeneratorLookup interface {
	Get(name string) (generators.Generator, error)
}

type Connector struct {
	*connector.Base
	lookup GeneratorLookup
}

// NewFactory binds the synthetic variant to a generator set.
func NewFactory(lookup GeneratorLookup) connector.Factory {
	return func(cfg domain.DataSourceConfig, logger *logging.Logger) (connector.Connector, error) {
		if lookup == nil {
			return nil, fmt.Errorf("synthetic connector requires a generator lookup")
		}
		return &Connector{Base: connector.NewBase(cfg, logger), lookup: lookup}, nil
	}
}

func (c *Connector) Type() domain.SourceType { return domain.SourceTypeSynthetic }

type field struct {
	spec     domain.FieldSpec
	gen      generators.Generator
	nullRate float64
}

type plan struct {
	count     int64
	batchSize int
	seed      int64
	now       time.Time
	fields    []field
}

func (c *Connector) ValidateConfig(cfg domain.DataSourceConfig) domain.ValidationResult {
	r := domain.NewValidationResult()
	c.CheckType(cfg, domain.SourceTypeSynthetic, &r)
	p := connector.Merge(cfg.Connection, cfg.Options)

	n, ok := p.Int("recordCount")
	if !ok || n < 1 || n > MaxRecordCount {
		r.AddError("options.recordCount", domain.CodeInvalidRecordCount, fmt.Sprintf("recordCount must be an integer between 1 and %d", MaxRecordCount))
	}
	if p.Has("seed") {
		if _, ok := p.Int("seed"); !ok {
			r.AddError("options.seed", domain.CodeInvalidOption, "seed must be an integer")
		}
	}
	if p.Has("batchSize") {
		b, ok := p.Int("batchSize")
		if !ok || b < 0 || b > maxBatchSize {
			r.AddError("options.batchSize", domain.CodeInvalidOption, fmt.Sprintf("batchSize must be between 0 and %d", maxBatchSize))
		}
	}
	if ref := p.String("referenceTime"); ref != "" {
		if _, err := time.Parse(time.RFC3339, ref); err != nil {
			r.AddError("options.referenceTime", domain.CodeInvalidOption, "referenceTime must be RFC3339")
		}
	}
	c.resolveFields(p, &r)
	return r
}

// resolveFields checks every declared field and returns the usable ones.
func (c *Connector) resolveFields(p connector.Params, r *domain.ValidationResult) []field {
	specs, err := parseFields(p)
	if err != nil {
		r.AddError("options.fields", domain.CodeInvalidField, err.Error())
		return nil
	}
	if len(specs) == 0 {
		r.AddError("options.fields", domain.CodeMissingFields, "at least one field is required")
		return nil
	}
	out := make([]field, 0, len(specs))
	seen := map[string]bool{}
	for i, spec := range specs {
		path := fmt.Sprintf("options.fields[%d]", i)
		if spec.Name == "" {
			r.AddError(path+".name", domain.CodeInvalidField, "field name is required")
			continue
		}
		if seen[spec.Name] {
			r.AddError(path+".name", domain.CodeInvalidField, fmt.Sprintf("duplicate field %q", spec.Name))
			continue
		}
		seen[spec.Name] = true
		gen, err := c.lookup.Get(spec.Type)
		if err != nil {
			r.AddError(path+".type", domain.CodeInvalidField, fmt.Sprintf("field %q: unknown type %q", spec.Name, spec.Type))
			continue
		}
		if err := gen.Validate(spec); err != nil {
			r.AddError(path+".options", domain.CodeInvalidField, fmt.Sprintf("field %q: %v", spec.Name, err))
			continue
		}
		rate := 0.0
		if v, ok := spec.Options["nullRate"]; ok {
			f, ok := connector.Params{"v": v}.Float("v")
			if !ok || f < 0 || f > 1 {
				r.AddError(path+".options.nullRate", domain.CodeInvalidField, fmt.Sprintf("field %q: nullRate must be between 0 and 1", spec.Name))
				continue
			}
			rate = f
		}
		out = append(out, field{spec: spec, gen: gen, nullRate: rate})
	}
	return out
}

// parseFields accepts the decoded YAML/JSON list form as well as typed specs.
func parseFields(p connector.Params) ([]domain.FieldSpec, error) {
	switch raw := p["fields"].(type) {
	case nil:
		return nil, nil
	case []domain.FieldSpec:
		return raw, nil
	case []interface{}:
		out := make([]domain.FieldSpec, 0, len(raw))
		for i, item := range raw {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("fields[%d] must be an object", i)
			}
			fp := connector.Params(m)
			out = append(out, domain.FieldSpec{Name: fp.String("name"), Type: fp.String("type"), Options: fp.Map("options")})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("fields must be a list")
	}
}

func (c *Connector) buildPlan() (*plan, error) {
	if vr := c.ValidateConfig(c.Config); !vr.Valid {
		return nil, domain.NewError(vr.Errors[0].Code, vr.Errors[0].Message, nil)
	}
	p := c.Params()
	r := domain.NewValidationResult()
	fields := c.resolveFields(p, &r)
	pl := &plan{
		count:     p.IntOr("recordCount", 0),
		batchSize: int(p.IntOr("batchSize", defaultBatchSize)),
		fields:    fields,
		now:       time.Now().UTC(),
	}
	if pl.batchSize <= 0 {
		pl.batchSize = defaultBatchSize
	}
	if seed, ok := p.Int("seed"); ok {
		pl.seed = seed
	} else {
		pl.seed = time.Now().UnixNano()
	}
	if ref := p.String("referenceTime"); ref != "" {
		if t, err := time.Parse(time.RFC3339, ref); err == nil {
			pl.now = t.UTC()
		}
	}
	return pl, nil
}

func (pl *plan) columns() []string {
	cols := make([]string, len(pl.fields))
	for i, f := range pl.fields {
		cols[i] = f.spec.Name
	}
	return cols
}

// generator yields rows of a plan in order from one seeded source.
type generator struct {
	pl  *plan
	rng *rand.Rand
	row int64
}

func (pl *plan) start() *generator {
	return &generator{pl: pl, rng: rand.New(rand.NewSource(pl.seed))}
}

func (g *generator) next() (domain.Record, error) {
	rec := make(domain.Record, len(g.pl.fields))
	for _, f := range g.pl.fields {
		if f.nullRate > 0 && g.rng.Float64() < f.nullRate {
			rec[f.spec.Name] = nil
			continue
		}
		v, err := f.gen.Generate(g.rng, generators.GeneratorContext{RowIndex: g.row, Options: f.spec.Options, Now: g.pl.now})
		if err != nil {
			return nil, fmt.Errorf("field %q, row %d: %w", f.spec.Name, g.row, err)
		}
		rec[f.spec.Name] = v
	}
	g.row++
	return rec, nil
}

func (c *Connector) TestConnection(ctx context.Context) domain.TestConnectionResult {
	return connector.Probe(ctx, func(ctx context.Context) (string, error) {
		if _, err := c.buildPlan(); err != nil {
			return "", err
		}
		return "synthetic", nil
	})
}

func (c *Connector) Run(ctx context.Context, ec *domain.ExecutionContext) domain.ExecutionResult {
	return c.Execute(ctx, ec, func() domain.ValidationResult { return c.ValidateConfig(c.Config) }, c.run)
}

func (c *Connector) run(ctx context.Context, s *connector.Session) error {
	s.Connecting()
	pl, err := c.buildPlan()
	if err != nil {
		return err
	}
	s.SetTotalRecords(pl.count)
	s.SetColumns(pl.columns())
	s.SetMeta("seed", pl.seed)
	s.Extracting()

	gen := pl.start()
	return s.Stream(ctx, func(ctx context.Context) ([]domain.Record, bool, error) {
		remaining := pl.count - gen.row
		size := int64(pl.batchSize)
		if remaining < size {
			size = remaining
		}
		batch := make([]domain.Record, 0, size)
		for int64(len(batch)) < size {
			rec, err := gen.next()
			if err != nil {
				return nil, false, domain.ExecutionFailure("generate record", err)
			}
			batch = append(batch, rec)
		}
		return batch, gen.row >= pl.count, nil
	})
}

func (c *Connector) tableName() string {
	if c.Config.ID != "" {
		return c.Config.ID
	}
	return "synthetic"
}

func (c *Connector) ListAvailableTables(ctx context.Context) ([]domain.TableInfo, error) {
	info, err := c.GetTableSchema(ctx, "")
	if err != nil {
		return nil, err
	}
	return []domain.TableInfo{*info}, nil
}

// GetTableSchema reports the declared fields. name is ignored since a
// synthetic source has a single table.
func (c *Connector) GetTableSchema(ctx context.Context, name string) (*domain.TableInfo, error) {
	pl, err := c.buildPlan()
	if err != nil {
		return nil, err
	}
	count := pl.count
	info := &domain.TableInfo{Name: c.tableName(), Kind: domain.TableKindTable, RowCount: &count}
	for _, f := range pl.fields {
		info.Columns = append(info.Columns, domain.ColumnInfo{
			Name:       f.spec.Name,
			Type:       f.gen.Semantic(),
			NativeType: f.spec.Type,
			Nullable:   f.nullRate > 0,
		})
	}
	return info, nil
}

func (c *Connector) PreviewData(ctx context.Context, req domain.PreviewRequest) (*domain.PreviewResult, error) {
	info, err := c.GetTableSchema(ctx, req.TableName)
	if err != nil {
		return nil, err
	}
	pl, err := c.buildPlan()
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPreviewLimit
	}
	if limit > maxPreviewLimit {
		limit = maxPreviewLimit
	}
	if int64(limit) > pl.count {
		limit = int(pl.count)
	}
	gen := pl.start()
	out := &domain.PreviewResult{Columns: info.Columns, Records: make([]domain.Record, 0, limit)}
	for i := 0; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := gen.next()
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}
