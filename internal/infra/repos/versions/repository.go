// Package versions is the SQL store behind the version manager and the
// execution history. It runs on sqlite (default) or postgres.
package versions

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mmrzaf/dataforge/internal/config"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type Repository struct {
	db     *sqlx.DB
	driver string
}

// Open connects to dsn and applies pending migrations. A dsn that is not a
// postgres URL or keyword string is a sqlite path; its parent directory is
// created.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("dataforge db dsn is required")
	}
	driver, source := DriverSQLite, dsn
	if config.IsPostgresDSN(dsn) {
		driver = DriverPostgres
	} else {
		if dir := filepath.Dir(dsn); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
		source = "file:" + dsn + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &Repository{db: db, driver: driver}
	if err := r.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) DB() *sql.DB { return r.db.DB }

func (r *Repository) Driver() string { return r.driver }

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// migration holds one schema step; pg is used on postgres when set.
type migration struct {
	v      int
	sqlite []string
	pg     []string
}

var migrations = []migration{
	{
		v: 1,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS versions (
				id TEXT PRIMARY KEY,
				data_source_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				record_count BIGINT NOT NULL,
				created_at TEXT NOT NULL,
				execution_id TEXT NOT NULL DEFAULT '',
				schema_json TEXT,
				metadata_json TEXT,
				UNIQUE (data_source_id, version)
			)`,
			`CREATE TABLE IF NOT EXISTS version_records (
				version_id TEXT NOT NULL REFERENCES versions(id),
				seq INTEGER NOT NULL,
				data TEXT NOT NULL,
				PRIMARY KEY (version_id, seq)
			)`,
			`CREATE TABLE IF NOT EXISTS version_sequences (
				data_source_id TEXT PRIMARY KEY,
				last_version INTEGER NOT NULL
			)`,
		},
		pg: []string{
			`CREATE TABLE IF NOT EXISTS versions (
				id TEXT PRIMARY KEY,
				data_source_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				record_count BIGINT NOT NULL,
				created_at TEXT NOT NULL,
				execution_id TEXT NOT NULL DEFAULT '',
				schema_json TEXT,
				metadata_json TEXT,
				UNIQUE (data_source_id, version)
			)`,
			`CREATE TABLE IF NOT EXISTS version_records (
				version_id TEXT NOT NULL REFERENCES versions(id),
				seq BIGINT NOT NULL,
				data TEXT NOT NULL,
				PRIMARY KEY (version_id, seq)
			)`,
			`CREATE TABLE IF NOT EXISTS version_sequences (
				data_source_id TEXT PRIMARY KEY,
				last_version INTEGER NOT NULL
			)`,
		},
	},
	{
		v: 2,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS cursors (
				data_source_id TEXT PRIMARY KEY,
				tracking_column TEXT NOT NULL,
				last_value TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	},
	{
		v: 3,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS executions (
				id TEXT PRIMARY KEY,
				data_source_id TEXT NOT NULL,
				data_source_name TEXT NOT NULL,
				source_type TEXT NOT NULL,
				status TEXT NOT NULL,
				started_at TEXT NOT NULL,
				completed_at TEXT,
				records_processed BIGINT NOT NULL DEFAULT 0,
				bytes_processed BIGINT NOT NULL DEFAULT 0,
				version INTEGER,
				error_code TEXT NOT NULL DEFAULT '',
				error_message TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_source_started ON executions(data_source_id, started_at)`,
		},
	},
}

func (r *Repository) applyMigrations(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return err
	}
	var cur int
	if err := r.db.GetContext(ctx, &cur, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return err
	}
	for _, m := range migrations {
		if cur >= m.v {
			continue
		}
		stmts := m.sqlite
		if r.driver == DriverPostgres && m.pg != nil {
			stmts = m.pg
		}
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.v, err)
			}
		}
		if _, err := tx.ExecContext(ctx, r.db.Rebind(`INSERT INTO schema_migrations(version) VALUES (?)`), m.v); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.v, err)
		}
		cur = m.v
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
