package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/logging"
)

// NewGeneric builds the driver-agnostic connector. Any driver registered
// with database/sql can be named; catalog and quoting follow the engine the
// driver speaks to when it is known.
func NewGeneric(cfg domain.DataSourceConfig, logger *logging.Logger) (connector.Connector, error) {
	p := connector.Merge(cfg.Connection, cfg.Options)
	return newConnector(cfg, logger, domain.SourceTypeODBC, dialectForDriver(p.String("driver")), validateGeneric), nil
}

func validateGeneric(p connector.Params, r *domain.ValidationResult) {
	driver := p.String("driver")
	if driver == "" {
		r.AddError("driver", domain.CodeMissingDriver, "driver is required")
	} else if !driverRegistered(driver) {
		r.AddWarning(fmt.Sprintf("driver %q is not registered; available: %v", driver, availableDrivers()))
	}
	if firstNonEmpty(p.String("dsn"), p.String("connectionString")) == "" {
		r.AddError("dsn", domain.CodeMissingField, "dsn or connectionString is required")
	}
}

func availableDrivers() []string {
	d := sql.Drivers()
	sort.Strings(d)
	return d
}

func dialectForDriver(driver string) Dialect {
	switch driver {
	case "sqlite3":
		return genericDSN{Dialect: sqliteDialect{}}
	case "postgres", "pgx":
		return genericDSN{Dialect: postgresDialect{driver: driver}}
	case "mysql":
		return genericDSN{Dialect: mysqlDialect{}}
	default:
		return genericDSN{Dialect: ansiDialect{driver: driver}}
	}
}

// genericDSN takes the DSN verbatim from the config.
type genericDSN struct {
	Dialect
}

func (genericDSN) DSN(p connector.Params) (string, error) {
	dsn := firstNonEmpty(p.String("dsn"), p.String("connectionString"))
	if dsn == "" {
		return "", domain.NewError(domain.CodeMissingField, "dsn or connectionString is required", nil)
	}
	return dsn, nil
}

// ansiDialect is the fallback for drivers of unknown engines.
type ansiDialect struct {
	driver string
}

func (d ansiDialect) DriverName() string { return d.driver }

func (ansiDialect) DSN(connector.Params) (string, error) {
	return "", domain.NewError(domain.CodeMissingField, "dsn is required", nil)
}

func (ansiDialect) Placeholder(int) string { return "?" }

func (ansiDialect) QuoteIdent(name string) string { return quoteWith('"', name) }

func (ansiDialect) Paginate(limit, offset int64) string { return limitOffset(limit, offset) }

func (ansiDialect) VersionQuery() string { return "" }

func (ansiDialect) catalog() infoSchema {
	return infoSchema{
		placeholder: func(int) string { return "?" },
		schemaOf:    func(p connector.Params) string { return p.StringOr("schema", "public") },
	}
}

func (d ansiDialect) ListTables(ctx context.Context, db *sql.DB, p connector.Params) ([]domain.TableInfo, error) {
	return d.catalog().listTables(ctx, db, p)
}

func (d ansiDialect) Columns(ctx context.Context, db *sql.DB, p connector.Params, table string) ([]domain.ColumnInfo, error) {
	return d.catalog().columns(ctx, db, p, table)
}
