package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/logging"
)

func NewSQLite(cfg domain.DataSourceConfig, logger *logging.Logger) (connector.Connector, error) {
	return newConnector(cfg, logger, domain.SourceTypeSQLite, sqliteDialect{}, validateSQLite), nil
}

func validateSQLite(p connector.Params, r *domain.ValidationResult) {
	if p.String("filePath") == "" && !p.Bool("inMemory") {
		r.AddError("filePath", domain.CodeMissingFilePath, "file path is required")
	}
}

type sqliteDialect struct{}

func (sqliteDialect) DriverName() string { return "sqlite3" }

// DSN opens files read-only. inMemory gives a private empty database.
func (sqliteDialect) DSN(p connector.Params) (string, error) {
	path := p.String("filePath")
	if path == "" {
		if p.Bool("inMemory") {
			return ":memory:", nil
		}
		return "", domain.NewError(domain.CodeMissingFilePath, "file path is required", nil)
	}
	q := url.Values{}
	q.Set("mode", "ro")
	q.Set("_busy_timeout", "5000")
	return "file:" + path + "?" + q.Encode(), nil
}

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) QuoteIdent(name string) string { return quoteWith('"', name) }

func (sqliteDialect) Paginate(limit, offset int64) string { return limitOffset(limit, offset) }

func (sqliteDialect) VersionQuery() string { return "SELECT sqlite_version()" }

func (d sqliteDialect) ListTables(ctx context.Context, db *sql.DB, _ connector.Params) ([]domain.TableInfo, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, type FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []domain.TableInfo
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		info := domain.TableInfo{Name: name, Kind: domain.TableKindTable}
		if kind == "view" {
			info.Kind = domain.TableKindView
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Kind != domain.TableKindTable {
			continue
		}
		var n int64
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+d.QuoteIdent(out[i].Name)).Scan(&n); err == nil {
			out[i].RowCount = &n
		}
	}
	return out, nil
}

func (d sqliteDialect) Columns(ctx context.Context, db *sql.DB, _ connector.Params, table string) ([]domain.ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+d.QuoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	defer rows.Close()

	var cols []domain.ColumnInfo
	for rows.Next() {
		var (
			cid     int
			name    string
			native  string
			notNull int
			def     sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &native, &notNull, &def, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		ci := domain.ColumnInfo{
			Name:       name,
			NativeType: native,
			Type:       SemanticFromNative(native),
			Nullable:   notNull == 0 && pk == 0,
			PrimaryKey: pk > 0,
		}
		if def.Valid {
			v := def.String
			ci.Default = &v
		}
		cols = append(cols, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %q not found", table)
	}

	fks, err := db.QueryContext(ctx, "PRAGMA foreign_key_list("+d.QuoteIdent(table)+")")
	if err != nil {
		return cols, nil
	}
	defer fks.Close()
	for fks.Next() {
		var (
			id, seq                       int
			refTable, from                string
			to, onUpdate, onDelete, match sql.NullString
		)
		if err := fks.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		for i := range cols {
			if strings.EqualFold(cols[i].Name, from) {
				cols[i].ForeignKey = &domain.ForeignKeyRef{Table: refTable, Column: to.String}
			}
		}
	}
	return cols, fks.Err()
}
