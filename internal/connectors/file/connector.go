package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/inference"
	"github.com/mmrzaf/dataforge/internal/logging"
	"github.com/mmrzaf/dataforge/internal/transform"
)

const (
	defaultPreviewLimit = 10
	maxPreviewLimit     = 1000
)

// format decodes one file layout into records.
type format interface {
	kind() domain.SourceType
	validate(p connector.Params, r *domain.ValidationResult)
	open(src io.Reader, p connector.Params, table string) (iterator, error)
}

// multiTable is implemented by formats holding more than one table per file.
type multiTable interface {
	tables(src io.Reader) ([]string, error)
}

// iterator yields records until io.EOF. Columns grows as new keys appear.
type iterator interface {
	Next() (domain.Record, error)
	Columns() []string
}

// Connector reads one file source. The layout is delegated to a format.
type Connector struct {
	*connector.Base
	format format
	opener *opener
}

func newConnector(cfg domain.DataSourceConfig, logger *logging.Logger, f format) *Connector {
	return &Connector{Base: connector.NewBase(cfg, logger), format: f, opener: newOpener()}
}

func NewCSV(cfg domain.DataSourceConfig, logger *logging.Logger) (connector.Connector, error) {
	return newConnector(cfg, logger, csvFormat{}), nil
}

func NewJSON(cfg domain.DataSourceConfig, logger *logging.Logger) (connector.Connector, error) {
	return newConnector(cfg, logger, jsonFormat{}), nil
}

func NewYAML(cfg domain.DataSourceConfig, logger *logging.Logger) (connector.Connector, error) {
	return newConnector(cfg, logger, yamlFormat{}), nil
}

func NewExcel(cfg domain.DataSourceConfig, logger *logging.Logger) (connector.Connector, error) {
	return newConnector(cfg, logger, excelFormat{}), nil
}

func (c *Connector) Type() domain.SourceType {
	return c.format.kind()
}

func (c *Connector) ValidateConfig(cfg domain.DataSourceConfig) domain.ValidationResult {
	r := domain.NewValidationResult()
	c.CheckType(cfg, c.Type(), &r)
	p := connector.Merge(cfg.Connection, cfg.Options)

	if _, err := resolveLocation(p); err != nil {
		code := domain.CodeOf(err)
		field := "filePath"
		if code != domain.CodeMissingFilePath {
			field = "url"
		}
		r.AddError(field, code, messageOf(err))
	}
	if _, err := lookupEncoding(p.String("encoding")); err != nil {
		r.AddError("options.encoding", domain.CodeInvalidOption, err.Error())
	}
	for _, key := range []string{"batchSize", "maxRows", "skipRows"} {
		if !p.Has(key) {
			continue
		}
		n, ok := p.Int(key)
		if !ok || n < 0 {
			r.AddError("options."+key, domain.CodeInvalidOption, key+" must be a non-negative integer")
		}
	}
	if n, ok := p.Int("batchSize"); ok && n > maxBatchSize {
		r.AddError("options.batchSize", domain.CodeInvalidOption, fmt.Sprintf("batchSize must be at most %d", maxBatchSize))
	}
	if _, err := coerceSpec(p); err != nil {
		r.AddError("options.coerce", domain.CodeInvalidOption, err.Error())
	}
	if src := p.String("transform"); src != "" {
		if tr, err := transform.Compile(src, transformOptions(p)); err != nil {
			r.AddError("options.transform", domain.CodeInvalidOption, err.Error())
		} else {
			tr.Close()
		}
	}
	c.format.validate(p, &r)
	return r
}

func (c *Connector) TestConnection(ctx context.Context) domain.TestConnectionResult {
	return connector.Probe(ctx, func(ctx context.Context) (string, error) {
		return c.opener.probe(ctx, c.Params())
	})
}

func (c *Connector) Run(ctx context.Context, ec *domain.ExecutionContext) domain.ExecutionResult {
	return c.Execute(ctx, ec, func() domain.ValidationResult { return c.ValidateConfig(c.Config) }, c.run)
}

func (c *Connector) run(ctx context.Context, s *connector.Session) error {
	p := c.Params()
	s.Connecting()
	src, err := c.opener.open(ctx, p)
	if err != nil {
		return err
	}
	defer src.Close()
	s.SetTotalBytes(src.size)
	s.SetMeta("source", src.loc.String())

	it, err := c.format.open(src, p, c.defaultTable(p))
	if err != nil {
		return asReadError(err)
	}
	if cl, ok := it.(io.Closer); ok {
		defer cl.Close()
	}
	pl, err := newPipeline(p)
	if err != nil {
		return err
	}
	defer pl.close()

	batchSize := int(p.IntOr("batchSize", defaultBatchSize))
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	s.Extracting()
	err = s.Stream(ctx, func(ctx context.Context) ([]domain.Record, bool, error) {
		batch := make([]domain.Record, 0, batchSize)
		done := false
		for len(batch) < batchSize {
			if pl.full() {
				done = true
				break
			}
			rec, err := it.Next()
			if err == io.EOF {
				done = true
				break
			}
			if err != nil {
				return nil, false, asReadError(err)
			}
			out, keep, err := pl.apply(ctx, rec)
			if err != nil {
				return nil, false, err
			}
			if keep {
				batch = append(batch, out)
			}
		}
		s.SetBytes(src.Consumed())
		if pl.tr != nil {
			s.MergeColumns(outputColumns(it.Columns(), batch))
		} else {
			s.MergeColumns(it.Columns())
		}
		return batch, done, nil
	})
	if err != nil {
		return err
	}
	s.SetMeta("rows_read", pl.row)
	if dropped := pl.row - pl.kept; dropped > 0 && !pl.full() {
		s.SetMeta("rows_dropped", dropped)
	}
	return nil
}

func (c *Connector) defaultTable(p connector.Params) string {
	return p.String("sheet")
}

func (c *Connector) ListAvailableTables(ctx context.Context) ([]domain.TableInfo, error) {
	p := c.Params()
	src, err := c.opener.open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	if mt, ok := c.format.(multiTable); ok {
		names, err := mt.tables(src)
		if err != nil {
			return nil, asReadError(err)
		}
		out := make([]domain.TableInfo, 0, len(names))
		for _, n := range names {
			out = append(out, domain.TableInfo{Name: n, Kind: domain.TableKindTable})
		}
		return out, nil
	}
	return []domain.TableInfo{{Name: src.loc.name(), Kind: domain.TableKindTable}}, nil
}

func (c *Connector) GetTableSchema(ctx context.Context, name string) (*domain.TableInfo, error) {
	table, err := c.tableName(ctx, name)
	if err != nil {
		return nil, err
	}
	cols, recs, err := c.sample(ctx, table, inference.SampleSize, false)
	if err != nil {
		return nil, err
	}
	if table == "" {
		table = name
	}
	return &domain.TableInfo{Name: table, Kind: domain.TableKindTable, Columns: inference.InferColumns(cols, recs)}, nil
}

func (c *Connector) PreviewData(ctx context.Context, req domain.PreviewRequest) (*domain.PreviewResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPreviewLimit
	}
	if limit > maxPreviewLimit {
		limit = maxPreviewLimit
	}
	table, err := c.tableName(ctx, req.TableName)
	if err != nil {
		return nil, err
	}
	cols, recs, err := c.sample(ctx, table, limit, true)
	if err != nil {
		return nil, err
	}
	return &domain.PreviewResult{Columns: inference.InferColumns(cols, recs), Records: recs}, nil
}

// tableName maps a requested table onto the format. Single-table formats
// accept their own file name or an empty name.
func (c *Connector) tableName(ctx context.Context, name string) (string, error) {
	if _, ok := c.format.(multiTable); ok {
		if name == "" {
			return c.defaultTable(c.Params()), nil
		}
		return name, nil
	}
	if name == "" {
		return "", nil
	}
	loc, err := resolveLocation(c.Params())
	if err != nil {
		return "", err
	}
	if name != loc.name() && name != strings.TrimSuffix(loc.name(), extOf(loc.name())) {
		return "", fmt.Errorf("table %q not found", name)
	}
	return "", nil
}

// sample reads up to limit records, optionally through the row pipeline.
func (c *Connector) sample(ctx context.Context, table string, limit int, piped bool) ([]string, []domain.Record, error) {
	p := c.Params()
	src, err := c.opener.open(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	defer src.Close()
	it, err := c.format.open(src, p, table)
	if err != nil {
		return nil, nil, asReadError(err)
	}
	if cl, ok := it.(io.Closer); ok {
		defer cl.Close()
	}
	var pl *pipeline
	if piped {
		if pl, err = newPipeline(p); err != nil {
			return nil, nil, err
		}
		defer pl.close()
	}
	recs := make([]domain.Record, 0, limit)
	for len(recs) < limit {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, asReadError(err)
		}
		if pl != nil {
			out, keep, err := pl.apply(ctx, rec)
			if err != nil {
				return nil, nil, err
			}
			if !keep {
				continue
			}
			rec = out
		}
		recs = append(recs, rec)
	}
	cols := it.Columns()
	if pl != nil && pl.tr != nil {
		cols = outputColumns(cols, recs)
	}
	return cols, recs, nil
}

func asReadError(err error) error {
	if domain.CodeOf(err) != "" {
		return err
	}
	return domain.ExecutionFailure("read source", err)
}

func messageOf(err error) string {
	var e *domain.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}
