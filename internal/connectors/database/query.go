package database

import (
	"fmt"
	"strings"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/validation"
)

const (
	DefaultBatchSize = 1000
	MaxBatchSize     = 50000
)

var trackingTypes = map[string]bool{"timestamp": true, "integer": true, "string": true}

// QueryOptions are the extraction settings shared by all database variants.
type QueryOptions struct {
	Query          string
	Table          string
	Where          string
	OrderBy        string
	Limit          int64
	Offset         int64
	BatchSize      int64
	TrackingColumn string
	TrackingType   string
	LastValue      interface{}
}

func ParseQueryOptions(p connector.Params) QueryOptions {
	o := QueryOptions{
		Query:          strings.TrimRight(strings.TrimSpace(p.String("query")), "; \t\r\n"),
		Table:          p.String("tableName"),
		Where:          p.String("customWhereClause"),
		OrderBy:        p.String("orderBy"),
		Limit:          p.IntOr("limit", 0),
		Offset:         p.IntOr("offset", 0),
		BatchSize:      p.IntOr("batchSize", DefaultBatchSize),
		TrackingColumn: p.String("trackingColumn"),
		TrackingType:   p.StringOr("trackingType", "integer"),
	}
	if o.Table == "" {
		o.Table = p.String("table")
	}
	if v, ok := p["lastValue"]; ok && v != nil && v != "" {
		o.LastValue = v
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize > MaxBatchSize {
		o.BatchSize = MaxBatchSize
	}
	return o
}

// Incremental reports whether a delta filter applies.
func (o QueryOptions) Incremental() bool {
	return o.TrackingColumn != "" && o.LastValue != nil
}

// Page selects a window of the extraction. Limit 0 means unbounded.
type Page struct {
	Offset int64
	Limit  int64
}

// Query is a built extraction statement. Paged is false when the caller's
// SQL already limits its rows, in which case it must be issued only once.
type Query struct {
	SQL   string
	Args  []interface{}
	Paged bool
}

var trailingClauses = []string{"GROUP BY", "HAVING", "ORDER BY", "LIMIT", "OFFSET", "FETCH", "UNION", "INTERSECT", "EXCEPT"}

// BuildExtractionQuery composes the statement for one page. A raw query is
// used verbatim; the incremental filter, custom WHERE fragment, ORDER BY
// and pagination are appended only when not already present.
func BuildExtractionQuery(d Dialect, o QueryOptions, page Page) (Query, error) {
	var (
		sqlText string
		args    []interface{}
		raw     = o.Query != ""
	)
	switch {
	case raw:
		sqlText = o.Query
		if i := strings.LastIndexByte(sqlText, '\n'); strings.Contains(sqlText[i+1:], "--") {
			// appended clauses must not land inside a trailing line comment
			sqlText += "\n"
		}
	case o.Table != "":
		if !validation.IsQualifiedIdentifier(o.Table) {
			return Query{}, fmt.Errorf("invalid table name %q", o.Table)
		}
		sqlText = "SELECT * FROM " + d.QuoteIdent(o.Table)
	default:
		return Query{}, fmt.Errorf("query or table name is required")
	}

	var filters []string
	if o.Incremental() {
		if !validation.IsValidIdentifier(o.TrackingColumn) {
			return Query{}, fmt.Errorf("invalid tracking column %q", o.TrackingColumn)
		}
		args = append(args, o.LastValue)
		filters = append(filters, d.QuoteIdent(o.TrackingColumn)+" > "+d.Placeholder(len(args)))
	}
	if o.Where != "" {
		filters = append(filters, "("+o.Where+")")
	}

	if raw && len(filters) > 0 && hasAnyTopLevel(sqlText, trailingClauses) {
		sqlText = "SELECT * FROM (" + sqlText + ") AS dataforge_src"
	}
	if len(filters) > 0 {
		joiner := " WHERE "
		if validation.HasTopLevelClause(sqlText, "WHERE") {
			joiner = " AND "
		}
		sqlText += joiner + strings.Join(filters, " AND ")
	}

	if !validation.HasTopLevelClause(sqlText, "ORDER BY") {
		switch {
		case o.OrderBy != "":
			ob, err := orderByClause(d, o.OrderBy)
			if err != nil {
				return Query{}, err
			}
			sqlText += " ORDER BY " + ob
		case o.TrackingColumn != "":
			sqlText += " ORDER BY " + d.QuoteIdent(o.TrackingColumn)
		}
	}

	if validation.HasTopLevelClause(sqlText, "LIMIT") || validation.HasTopLevelClause(sqlText, "FETCH") {
		return Query{SQL: sqlText, Args: args, Paged: false}, nil
	}
	return Query{SQL: sqlText + d.Paginate(page.Limit, page.Offset), Args: args, Paged: page.Limit > 0}, nil
}

func hasAnyTopLevel(q string, clauses []string) bool {
	for _, c := range clauses {
		if validation.HasTopLevelClause(q, c) {
			return true
		}
	}
	return false
}

// orderByClause accepts "col", "col DESC" and comma separated lists of them.
func orderByClause(d Dialect, spec string) (string, error) {
	parts := strings.Split(spec, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		fields := strings.Fields(part)
		if len(fields) == 0 || len(fields) > 2 {
			return "", fmt.Errorf("invalid orderBy %q", spec)
		}
		if !validation.IsQualifiedIdentifier(fields[0]) {
			return "", fmt.Errorf("invalid orderBy column %q", fields[0])
		}
		term := d.QuoteIdent(fields[0])
		if len(fields) == 2 {
			dir := strings.ToUpper(fields[1])
			if dir != "ASC" && dir != "DESC" {
				return "", fmt.Errorf("invalid orderBy direction %q", fields[1])
			}
			term += " " + dir
		}
		out = append(out, term)
	}
	return strings.Join(out, ", "), nil
}
