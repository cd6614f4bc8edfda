package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/logging"
)

func NewPostgres(cfg domain.DataSourceConfig, logger *logging.Logger) (connector.Connector, error) {
	return newConnector(cfg, logger, domain.SourceTypePostgres, postgresDialect{driver: "postgres"}, validateNetwork), nil
}

// postgresDialect serves both lib/pq ("postgres") and pgx ("pgx").
type postgresDialect struct {
	driver string
}

func (d postgresDialect) DriverName() string { return d.driver }

func (postgresDialect) DSN(p connector.Params) (string, error) {
	if dsn := firstNonEmpty(p.String("connectionString"), p.String("dsn")); dsn != "" {
		return dsn, nil
	}
	host := p.String("host")
	if host == "" {
		return "", domain.NewError(domain.CodeMissingHost, "host is required", nil)
	}
	port := p.IntOr("port", 5432)
	u := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + strconv.FormatInt(port, 10),
		Path:   "/" + p.String("database"),
	}
	if user := p.String("username"); user != "" {
		if pw := p.String("password"); pw != "" {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
	}
	q := url.Values{}
	q.Set("sslmode", sslMode(p))
	if t, ok := p.Int("connectTimeout"); ok && t > 0 {
		q.Set("connect_timeout", strconv.FormatInt(t, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sslMode(p connector.Params) string {
	if mode := p.String("sslmode"); mode != "" {
		return mode
	}
	if v, ok := p["ssl"].(string); ok && v != "" && v != "true" && v != "false" {
		return v
	}
	if p.Bool("ssl") {
		return "require"
	}
	return "disable"
}

func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) QuoteIdent(name string) string { return quoteWith('"', name) }

func (postgresDialect) Paginate(limit, offset int64) string { return limitOffset(limit, offset) }

func (postgresDialect) VersionQuery() string { return "SHOW server_version" }

func (postgresDialect) catalog() infoSchema {
	return infoSchema{
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		schemaOf:    func(p connector.Params) string { return p.StringOr("schema", "public") },
		rowEstimate: `SELECT c.reltuples::bigint FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = $1 AND c.relname = $2`,
	}
}

func (d postgresDialect) ListTables(ctx context.Context, db *sql.DB, p connector.Params) ([]domain.TableInfo, error) {
	return d.catalog().listTables(ctx, db, p)
}

func (d postgresDialect) Columns(ctx context.Context, db *sql.DB, p connector.Params, table string) ([]domain.ColumnInfo, error) {
	cols, err := d.catalog().columns(ctx, db, p, table)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return cols, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
