package app

import (
	"net/url"
	"os"
	"strings"

	"github.com/mmrzaf/dataforge/internal/domain"
)

// Overrides adjust a stored config for a single run.
type Overrides struct {
	Database string
	Options  map[string]interface{}
	// BatchSize applies only when the config sets no batchSize.
	BatchSize int
}

// ResolveDataSource returns a copy of base with ${VAR} references in string
// connection values expanded and the overrides applied. base is unchanged.
func ResolveDataSource(base *domain.DataSourceConfig, o Overrides) *domain.DataSourceConfig {
	if base == nil {
		return nil
	}
	cfg := *base
	cfg.Connection = make(map[string]interface{}, len(base.Connection))
	for k, v := range base.Connection {
		if s, ok := v.(string); ok {
			v = os.ExpandEnv(s)
		}
		cfg.Connection[k] = v
	}
	cfg.Options = make(map[string]interface{}, len(base.Options)+len(o.Options))
	for k, v := range base.Options {
		cfg.Options[k] = v
	}
	for k, v := range o.Options {
		cfg.Options[k] = v
	}
	if o.BatchSize > 0 {
		if _, ok := cfg.Options["batchSize"]; !ok {
			if _, ok := cfg.Connection["batchSize"]; !ok {
				cfg.Options["batchSize"] = o.BatchSize
			}
		}
	}

	if o.Database != "" {
		switch cfg.Type {
		case domain.SourceTypePostgres, domain.SourceTypeMySQL:
			cfg.Connection["database"] = o.Database
			if dsn, ok := cfg.Connection["dsn"].(string); ok && dsn != "" {
				if cfg.Type == domain.SourceTypePostgres {
					cfg.Connection["dsn"] = withPostgresDatabase(dsn, o.Database)
				} else {
					cfg.Connection["dsn"] = withMySQLDatabase(dsn, o.Database)
				}
			}
		}
	}
	return &cfg
}

func withPostgresDatabase(dsn, database string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return dsn
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.Host != "" {
		u.Path = "/" + database
		return u.String()
	}
	parts := strings.Fields(dsn)
	found := false
	for i := range parts {
		if strings.HasPrefix(strings.ToLower(parts[i]), "dbname=") {
			parts[i] = "dbname=" + database
			found = true
			break
		}
	}
	if !found {
		parts = append(parts, "dbname="+database)
	}
	return strings.Join(parts, " ")
}

// withMySQLDatabase replaces the path of user:pass@tcp(host)/db?params.
func withMySQLDatabase(dsn, database string) string {
	slash := strings.LastIndex(dsn, "/")
	if slash < 0 {
		return dsn + "/" + database
	}
	rest := dsn[slash+1:]
	params := ""
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		params = rest[q:]
	}
	return dsn[:slash+1] + database + params
}
