// Package database implements connectors over SQL databases reachable
// through database/sql: an embedded SQLite file, PostgreSQL, MySQL and any
// other registered driver.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
)

// Dialect captures what differs between SQL engines: how to reach them, how
// to write identifiers and parameters, and how to read their catalog.
type Dialect interface {
	DriverName() string
	DSN(p connector.Params) (string, error)
	Placeholder(n int) string
	QuoteIdent(name string) string
	Paginate(limit, offset int64) string
	VersionQuery() string

	ListTables(ctx context.Context, db *sql.DB, p connector.Params) ([]domain.TableInfo, error)
	Columns(ctx context.Context, db *sql.DB, p connector.Params, table string) ([]domain.ColumnInfo, error)
}

func quoteWith(q byte, name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		s := string(q)
		parts[i] = s + strings.ReplaceAll(part, s, s+s) + s
	}
	return strings.Join(parts, ".")
}

func limitOffset(limit, offset int64) string {
	var b strings.Builder
	if limit > 0 {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.FormatInt(limit, 10))
	}
	if offset > 0 {
		if limit <= 0 {
			// engines that allow OFFSET only with LIMIT accept a huge limit
			b.WriteString(" LIMIT 9223372036854775807")
		}
		b.WriteString(" OFFSET ")
		b.WriteString(strconv.FormatInt(offset, 10))
	}
	return b.String()
}

// SemanticFromNative maps a catalog type name onto a semantic type.
func SemanticFromNative(native string) domain.SemanticType {
	t := strings.ToLower(strings.TrimSpace(native))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch {
	case t == "":
		return domain.SemanticString
	case strings.Contains(t, "interval"), strings.Contains(t, "point"):
		return domain.SemanticString
	case strings.Contains(t, "bool"), t == "bit":
		return domain.SemanticBoolean
	case strings.Contains(t, "int"), strings.Contains(t, "serial"):
		return domain.SemanticInteger
	case strings.Contains(t, "numeric"), strings.Contains(t, "decimal"), strings.Contains(t, "real"),
		strings.Contains(t, "double"), strings.Contains(t, "float"), strings.Contains(t, "money"):
		return domain.SemanticDecimal
	case strings.Contains(t, "timestamp"), strings.Contains(t, "date"), strings.Contains(t, "time"):
		return domain.SemanticDatetime
	default:
		return domain.SemanticString
	}
}

// splitTable separates an optional schema prefix from a table name.
func splitTable(name, defaultSchema string) (string, string) {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i], name[i+1:]
	}
	return defaultSchema, name
}

// infoSchema reads the ANSI information_schema views shared by PostgreSQL,
// MySQL and most other engines.
type infoSchema struct {
	placeholder func(n int) string
	schemaOf    func(p connector.Params) string
	rowEstimate string
}

func (s infoSchema) listTables(ctx context.Context, db *sql.DB, p connector.Params) ([]domain.TableInfo, error) {
	schema := s.schemaOf(p)
	query := `SELECT table_schema, table_name, table_type FROM information_schema.tables WHERE table_schema = ` + s.placeholder(1) + ` ORDER BY table_name`
	rows, err := db.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []domain.TableInfo
	for rows.Next() {
		var sch, name, kind string
		if err := rows.Scan(&sch, &name, &kind); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		info := domain.TableInfo{Name: name, Schema: sch, Kind: domain.TableKindTable}
		if strings.Contains(strings.ToLower(kind), "view") {
			info.Kind = domain.TableKindView
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if s.rowEstimate != "" {
		for i := range out {
			if out[i].Kind != domain.TableKindTable {
				continue
			}
			var n sql.NullInt64
			if err := db.QueryRowContext(ctx, s.rowEstimate, out[i].Schema, out[i].Name).Scan(&n); err == nil && n.Valid && n.Int64 >= 0 {
				v := n.Int64
				out[i].RowCount = &v
			}
		}
	}
	return out, nil
}

func (s infoSchema) columns(ctx context.Context, db *sql.DB, p connector.Params, table string) ([]domain.ColumnInfo, error) {
	schema, name := splitTable(table, s.schemaOf(p))
	query := `SELECT column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = ` + s.placeholder(1) + ` AND table_name = ` + s.placeholder(2) + `
		ORDER BY ordinal_position`
	rows, err := db.QueryContext(ctx, query, schema, name)
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	defer rows.Close()

	var cols []domain.ColumnInfo
	for rows.Next() {
		var col, native, nullable string
		var def sql.NullString
		if err := rows.Scan(&col, &native, &nullable, &def); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		ci := domain.ColumnInfo{
			Name:       col,
			NativeType: native,
			Type:       SemanticFromNative(native),
			Nullable:   strings.EqualFold(nullable, "YES"),
		}
		if def.Valid {
			d := def.String
			ci.Default = &d
		}
		cols = append(cols, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %q not found", table)
	}

	keys, err := s.keys(ctx, db, schema, name)
	if err != nil {
		return nil, err
	}
	for i := range cols {
		if k, ok := keys[cols[i].Name]; ok {
			cols[i].PrimaryKey = k.primary
			cols[i].ForeignKey = k.ref
		}
	}
	return cols, nil
}

type keyInfo struct {
	primary bool
	ref     *domain.ForeignKeyRef
}

func (s infoSchema) keys(ctx context.Context, db *sql.DB, schema, table string) (map[string]keyInfo, error) {
	query := `SELECT kcu.column_name, tc.constraint_type, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema AND tc.table_name = kcu.table_name
		LEFT JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_type = 'FOREIGN KEY' AND ccu.constraint_name = tc.constraint_name AND ccu.constraint_schema = tc.table_schema
		WHERE tc.table_schema = ` + s.placeholder(1) + ` AND tc.table_name = ` + s.placeholder(2) + `
			AND tc.constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY')`
	rows, err := db.QueryContext(ctx, query, schema, table)
	if err != nil {
		// some engines lack constraint_column_usage; keys are best effort
		return map[string]keyInfo{}, nil
	}
	defer rows.Close()
	out := map[string]keyInfo{}
	for rows.Next() {
		var col, kind string
		var refTable, refCol sql.NullString
		if err := rows.Scan(&col, &kind, &refTable, &refCol); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		k := out[col]
		if kind == "PRIMARY KEY" {
			k.primary = true
		} else if refTable.Valid {
			k.ref = &domain.ForeignKeyRef{Table: refTable.String, Column: refCol.String}
		}
		out[col] = k
	}
	return out, rows.Err()
}
