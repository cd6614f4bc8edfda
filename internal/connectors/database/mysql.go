package database

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/logging"
)

func NewMySQL(cfg domain.DataSourceConfig, logger *logging.Logger) (connector.Connector, error) {
	return newConnector(cfg, logger, domain.SourceTypeMySQL, mysqlDialect{}, validateNetwork), nil
}

type mysqlDialect struct{}

func (mysqlDialect) DriverName() string { return "mysql" }

func (mysqlDialect) DSN(p connector.Params) (string, error) {
	if dsn := firstNonEmpty(p.String("connectionString"), p.String("dsn")); dsn != "" {
		return dsn, nil
	}
	host := p.String("host")
	if host == "" {
		return "", domain.NewError(domain.CodeMissingHost, "host is required", nil)
	}
	cfg := mysql.NewConfig()
	cfg.User = p.String("username")
	cfg.Passwd = p.String("password")
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(host, strconv.FormatInt(p.IntOr("port", 3306), 10))
	cfg.DBName = p.String("database")
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second
	if p.Bool("ssl") {
		cfg.TLSConfig = "true"
	}
	return cfg.FormatDSN(), nil
}

func (mysqlDialect) Placeholder(int) string { return "?" }

func (mysqlDialect) QuoteIdent(name string) string { return quoteWith('`', name) }

func (mysqlDialect) Paginate(limit, offset int64) string { return limitOffset(limit, offset) }

func (mysqlDialect) VersionQuery() string { return "SELECT VERSION()" }

func (mysqlDialect) catalog() infoSchema {
	return infoSchema{
		placeholder: func(int) string { return "?" },
		schemaOf:    func(p connector.Params) string { return p.String("database") },
		rowEstimate: `SELECT table_rows FROM information_schema.tables WHERE table_schema = ? AND table_name = ?`,
	}
}

func (d mysqlDialect) ListTables(ctx context.Context, db *sql.DB, p connector.Params) ([]domain.TableInfo, error) {
	return d.catalog().listTables(ctx, db, p)
}

// Columns reads key information from COLUMN_KEY and KEY_COLUMN_USAGE, which
// MySQL fills in place of constraint_column_usage.
func (d mysqlDialect) Columns(ctx context.Context, db *sql.DB, p connector.Params, table string) ([]domain.ColumnInfo, error) {
	schema, name := splitTable(table, p.String("database"))
	rows, err := db.QueryContext(ctx, `SELECT c.column_name, c.column_type, c.is_nullable, c.column_default, c.column_key,
			k.referenced_table_name, k.referenced_column_name
		FROM information_schema.columns c
		LEFT JOIN information_schema.key_column_usage k
			ON k.table_schema = c.table_schema AND k.table_name = c.table_name
			AND k.column_name = c.column_name AND k.referenced_table_name IS NOT NULL
		WHERE c.table_schema = ? AND c.table_name = ?
		ORDER BY c.ordinal_position`, schema, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []domain.ColumnInfo
	for rows.Next() {
		var (
			col, native, nullable string
			def, key              sql.NullString
			refTable, refCol      sql.NullString
		)
		if err := rows.Scan(&col, &native, &nullable, &def, &key, &refTable, &refCol); err != nil {
			return nil, err
		}
		ci := domain.ColumnInfo{
			Name:       col,
			NativeType: native,
			Type:       SemanticFromNative(native),
			Nullable:   nullable == "YES",
			PrimaryKey: key.String == "PRI",
		}
		if native == "tinyint(1)" {
			ci.Type = domain.SemanticBoolean
		}
		if def.Valid {
			v := def.String
			ci.Default = &v
		}
		if refTable.Valid {
			ci.ForeignKey = &domain.ForeignKeyRef{Table: refTable.String, Column: refCol.String}
		}
		cols = append(cols, ci)
	}
	return cols, rows.Err()
}
