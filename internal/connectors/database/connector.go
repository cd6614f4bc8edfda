package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/inference"
	"github.com/mmrzaf/dataforge/internal/logging"
	"github.com/mmrzaf/dataforge/internal/validation"
)

const (
	defaultPreviewLimit = 10
	maxPreviewLimit     = 1000
	pingTimeout         = 10 * time.Second
)

// Connector is the shared database connector. Variants differ only in their
// Dialect and in the connection fields they require.
type Connector struct {
	*connector.Base
	typ     domain.SourceType
	dialect Dialect
	checks  func(p connector.Params, r *domain.ValidationResult)

	mu sync.Mutex
	db *sql.DB
}

func newConnector(cfg domain.DataSourceConfig, logger *logging.Logger, typ domain.SourceType, d Dialect, checks func(connector.Params, *domain.ValidationResult)) *Connector {
	return &Connector{Base: connector.NewBase(cfg, logger), typ: typ, dialect: d, checks: checks}
}

func (c *Connector) Type() domain.SourceType { return c.typ }

func (c *Connector) Dialect() Dialect { return c.dialect }

func (c *Connector) ValidateConfig(cfg domain.DataSourceConfig) domain.ValidationResult {
	r := domain.NewValidationResult()
	c.CheckType(cfg, c.typ, &r)
	p := connector.Merge(cfg.Connection, cfg.Options)
	if c.checks != nil {
		c.checks(p, &r)
	}
	validateQueryOptions(p, &r)
	return r
}

// validateNetwork checks the host/port/database/username fields of
// server-based engines. An explicit connection string replaces them.
func validateNetwork(p connector.Params, r *domain.ValidationResult) {
	if p.String("connectionString") != "" || p.String("dsn") != "" {
		return
	}
	if p.String("host") == "" {
		r.AddError("host", domain.CodeMissingHost, "host is required")
	}
	if p.Has("port") {
		port, ok := p.Int("port")
		if !ok || port < 1 || port > 65535 {
			r.AddError("port", domain.CodeInvalidPort, "port must be between 1 and 65535")
		}
	}
	if p.String("database") == "" {
		r.AddError("database", domain.CodeMissingDatabase, "database is required")
	}
	if p.String("username") == "" {
		r.AddError("username", domain.CodeMissingUsername, "username is required")
	}
}

func validateQueryOptions(p connector.Params, r *domain.ValidationResult) {
	o := ParseQueryOptions(p)
	switch {
	case o.Query == "" && o.Table == "":
		r.AddError("query", domain.CodeMissingQueryOrTable, "either query or tableName is required")
	case o.Query != "":
		if !validation.IsReadOnlyQuery(o.Query) {
			r.AddError("query", domain.CodeInvalidQuery, "query must be a single read-only statement")
		}
		if o.Table != "" {
			r.AddWarning("both query and tableName are set; tableName is ignored")
		}
	default:
		if !validation.IsQualifiedIdentifier(o.Table) {
			r.AddError("tableName", domain.CodeInvalidIdentifier, fmt.Sprintf("invalid table name %q", o.Table))
		}
	}
	if o.TrackingColumn != "" && !validation.IsValidIdentifier(o.TrackingColumn) {
		r.AddError("trackingColumn", domain.CodeInvalidIdentifier, fmt.Sprintf("invalid tracking column %q", o.TrackingColumn))
	}
	if !trackingTypes[o.TrackingType] {
		r.AddError("trackingType", domain.CodeInvalidOption, "trackingType must be timestamp, integer or string")
	}
	if o.OrderBy != "" {
		if _, err := orderByClause(ansiDialect{}, o.OrderBy); err != nil {
			r.AddError("orderBy", domain.CodeInvalidIdentifier, err.Error())
		}
	}
	if o.Where != "" && strings.Contains(o.Where, ";") {
		r.AddError("customWhereClause", domain.CodeInvalidQuery, "customWhereClause must not contain statement separators")
	}
	for _, key := range []string{"limit", "offset"} {
		if p.Has(key) {
			if n, ok := p.Int(key); !ok || n < 0 {
				r.AddError(key, domain.CodeInvalidOption, key+" must be a non-negative integer")
			}
		}
	}
	if p.Has("batchSize") {
		if n, ok := p.Int("batchSize"); !ok || n < 1 || n > MaxBatchSize {
			r.AddError("batchSize", domain.CodeInvalidOption, fmt.Sprintf("batchSize must be between 1 and %d", MaxBatchSize))
		}
	}
}

func (c *Connector) open(ctx context.Context) (*sql.DB, error) {
	dsn, err := c.dialect.DSN(c.Params())
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(c.dialect.DriverName(), dsn)
	if err != nil {
		return nil, domain.ConnectionError("open database", err)
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		db.Close()
		return nil, domain.ConnectionError("connect to database", err)
	}
	return db, nil
}

// Connect opens the connection pool once and reuses it until Disconnect.
func (c *Connector) Connect(ctx context.Context) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return c.db, nil
	}
	db, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	c.db = db
	return db, nil
}

func (c *Connector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *Connector) Dispose() error {
	return c.DisposeWith(c.Disconnect)
}

// Query runs a statement and returns its rows as records.
func (c *Connector) Query(ctx context.Context, query string, args ...interface{}) ([]domain.Record, []string, error) {
	db, err := c.Connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, domain.ExecutionFailure("query failed", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]domain.Record, []string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, domain.ExecutionFailure("read columns", err)
	}
	var out []domain.Record
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, domain.ExecutionFailure("scan row", err)
		}
		rec := make(domain.Record, len(cols))
		for i, col := range cols {
			rec[col] = normalize(values[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, domain.ExecutionFailure("iterate rows", err)
	}
	return out, cols, nil
}

func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case int32:
		return int64(val)
	case int:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

func (c *Connector) TestConnection(ctx context.Context) domain.TestConnectionResult {
	return connector.Probe(ctx, func(ctx context.Context) (string, error) {
		if err := c.driverAvailable(); err != nil {
			return "", err
		}
		db, err := c.open(ctx)
		if err != nil {
			return "", err
		}
		defer db.Close()
		var version string
		if q := c.dialect.VersionQuery(); q != "" {
			if err := db.QueryRowContext(ctx, q).Scan(&version); err != nil {
				return "", domain.ConnectionError("query server version", err)
			}
		}
		return version, nil
	})
}

func (c *Connector) driverAvailable() error {
	if !driverRegistered(c.dialect.DriverName()) {
		return domain.NewError(domain.CodeDriverUnavailable, fmt.Sprintf("driver %q is not available", c.dialect.DriverName()), nil)
	}
	return nil
}

func driverRegistered(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (c *Connector) Run(ctx context.Context, ec *domain.ExecutionContext) domain.ExecutionResult {
	return c.Execute(ctx, ec, func() domain.ValidationResult { return c.ValidateConfig(c.Config) }, c.run)
}

func (c *Connector) run(ctx context.Context, s *connector.Session) error {
	if err := c.driverAvailable(); err != nil {
		return err
	}
	o := ParseQueryOptions(c.Params())
	s.Connecting()
	db, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	if o.Query == "" && o.Table != "" {
		if n, err := c.count(ctx, db, o); err == nil {
			if o.Limit > 0 && o.Limit < n {
				n = o.Limit
			}
			s.SetTotalRecords(n)
		}
	}

	tracker := newCursorTracker(o)
	fetched := int64(0)
	s.Extracting()
	err = s.Stream(ctx, func(ctx context.Context) ([]domain.Record, bool, error) {
		pageSize := o.BatchSize
		if o.Limit > 0 {
			pageSize = min(pageSize, o.Limit-fetched)
		}
		q, err := BuildExtractionQuery(c.dialect, o, Page{Offset: o.Offset + fetched, Limit: pageSize})
		if err != nil {
			return nil, false, domain.NewError(domain.CodeInvalidQuery, err.Error(), nil)
		}
		rows, err := db.QueryContext(ctx, q.SQL, q.Args...)
		if err != nil {
			return nil, false, domain.ExecutionFailure("extraction query failed", err)
		}
		recs, cols, err := scanRecords(rows)
		rows.Close()
		if err != nil {
			return nil, false, err
		}
		s.MergeColumns(cols)
		tracker.observe(recs)
		fetched += int64(len(recs))
		done := !q.Paged || int64(len(recs)) < pageSize || (o.Limit > 0 && fetched >= o.Limit)
		return recs, done, nil
	})
	if err != nil {
		return err
	}
	if o.TrackingColumn != "" {
		s.SetMeta("incremental", tracker.metadata())
	}
	return nil
}

func (c *Connector) count(ctx context.Context, db *sql.DB, o QueryOptions) (int64, error) {
	base := o
	base.OrderBy = ""
	base.TrackingColumn = ""
	if o.Incremental() {
		base.TrackingColumn = o.TrackingColumn
	}
	q, err := BuildExtractionQuery(c.dialect, base, Page{})
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ("+q.SQL+") AS dataforge_count", q.Args...).Scan(&n)
	if n > o.Offset {
		n -= o.Offset
	} else {
		n = 0
	}
	return n, err
}

func (c *Connector) ListAvailableTables(ctx context.Context) ([]domain.TableInfo, error) {
	if err := c.driverAvailable(); err != nil {
		return nil, err
	}
	db, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return c.dialect.ListTables(ctx, db, c.Params())
}

func (c *Connector) GetTableSchema(ctx context.Context, name string) (*domain.TableInfo, error) {
	if !validation.IsQualifiedIdentifier(name) {
		return nil, domain.NewError(domain.CodeInvalidIdentifier, fmt.Sprintf("invalid table name %q", name), nil)
	}
	if err := c.driverAvailable(); err != nil {
		return nil, err
	}
	db, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	cols, err := c.dialect.Columns(ctx, db, c.Params(), name)
	if err != nil {
		return nil, err
	}
	schema, table := splitTable(name, "")
	return &domain.TableInfo{Name: table, Schema: schema, Kind: domain.TableKindTable, Columns: cols}, nil
}

// PreviewData returns the first rows of the configured extraction, or of
// TableName when given.
func (c *Connector) PreviewData(ctx context.Context, req domain.PreviewRequest) (*domain.PreviewResult, error) {
	limit := int64(req.Limit)
	if limit <= 0 {
		limit = defaultPreviewLimit
	}
	if limit > maxPreviewLimit {
		limit = maxPreviewLimit
	}
	o := ParseQueryOptions(c.Params())
	o.LastValue = nil
	o.Offset = 0
	if req.TableName != "" {
		o = QueryOptions{Table: req.TableName}
	}
	if o.Query != "" && !validation.IsReadOnlyQuery(o.Query) {
		return nil, domain.NewError(domain.CodeInvalidQuery, "query must be a single read-only statement", nil)
	}
	q, err := BuildExtractionQuery(c.dialect, o, Page{Limit: limit})
	if err != nil {
		return nil, domain.NewError(domain.CodeInvalidQuery, err.Error(), nil)
	}
	recs, cols, err := c.Query(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, err
	}
	if int64(len(recs)) > limit {
		recs = recs[:limit]
	}
	return &domain.PreviewResult{Columns: inference.InferColumns(cols, recs), Records: recs}, nil
}

// cursorTracker remembers the largest tracking value seen in a run.
type cursorTracker struct {
	column string
	kind   string
	start  interface{}
	last   interface{}
}

func newCursorTracker(o QueryOptions) *cursorTracker {
	return &cursorTracker{column: o.TrackingColumn, kind: o.TrackingType, start: o.LastValue}
}

func (t *cursorTracker) observe(recs []domain.Record) {
	if t.column == "" {
		return
	}
	for _, rec := range recs {
		v, ok := rec[t.column]
		if !ok || v == nil {
			continue
		}
		if t.last == nil || compareValues(t.kind, v, t.last) > 0 {
			t.last = v
		}
	}
}

func (t *cursorTracker) metadata() map[string]interface{} {
	last := t.last
	if last == nil {
		last = t.start
	}
	return map[string]interface{}{
		"tracking_column": t.column,
		"tracking_type":   t.kind,
		"last_value":      last,
	}
}

// compareValues orders values by the tracking type. Integer and timestamp
// values that arrive as text are parsed first; anything left over is compared
// by its string form.
func compareValues(kind string, a, b interface{}) int {
	switch kind {
	case "integer":
		if ia, ok := asInt(a); ok {
			if ib, ok := asInt(b); ok {
				return cmpOrdered(ia, ib)
			}
		}
		if fa, ok := asNumber(a); ok {
			if fb, ok := asNumber(b); ok {
				return cmpOrdered(fa, fb)
			}
		}
	case "timestamp":
		if ta, ok := asTime(a); ok {
			if tb, ok := asTime(b); ok {
				return ta.Compare(tb)
			}
		}
	}
	fa, aNum := asFloat(a)
	fb, bNum := asFloat(b)
	if aNum && bNum {
		return cmpOrdered(fa, fb)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func textOf(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), true
	case []byte:
		return strings.TrimSpace(string(val)), true
	default:
		return "", false
	}
}

func asInt(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	}
	if s, ok := textOf(v); ok {
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func asNumber(v interface{}) (float64, bool) {
	if f, ok := asFloat(v); ok {
		return f, true
	}
	if s, ok := textOf(v); ok {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

func asTime(v interface{}) (time.Time, bool) {
	if t, ok := v.(time.Time); ok {
		return t, true
	}
	if s, ok := textOf(v); ok {
		return inference.ParseTime(s)
	}
	return time.Time{}, false
}

func asFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int64:
		return float64(val), true
	case int:
		return float64(val), true
	case float64:
		return val, !math.IsNaN(val)
	default:
		return 0, false
	}
}
