package versions

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/versioning"
)

var _ versioning.Store = (*Repository)(nil)

type versionRow struct {
	ID           string         `db:"id"`
	DataSourceID string         `db:"data_source_id"`
	Version      int            `db:"version"`
	RecordCount  int64          `db:"record_count"`
	CreatedAt    string         `db:"created_at"`
	ExecutionID  string         `db:"execution_id"`
	Schema       sql.NullString `db:"schema_json"`
	Metadata     sql.NullString `db:"metadata_json"`
}

func (r versionRow) toDomain() domain.DataVersion {
	v := domain.DataVersion{
		ID:           r.ID,
		DataSourceID: r.DataSourceID,
		Version:      r.Version,
		RecordCount:  r.RecordCount,
		CreatedAt:    parseTime(r.CreatedAt),
		ExecutionID:  r.ExecutionID,
	}
	if r.Schema.Valid && r.Schema.String != "" {
		v.Schema = json.RawMessage(r.Schema.String)
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		v.Metadata = json.RawMessage(r.Metadata.String)
	}
	return v
}

const versionColumns = `id, data_source_id, version, record_count, created_at, execution_id, schema_json, metadata_json`

func nullJSON(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// CreateVersion takes the next number from the per-source high-water mark,
// so numbers are never reused even after the newest version is deleted.
// The version row, its records and the optional cursor commit together.
func (r *Repository) CreateVersion(ctx context.Context, nv versioning.NewVersion) (*domain.DataVersion, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var maxExisting int
	if err := tx.GetContext(ctx, &maxExisting, r.db.Rebind(`SELECT COALESCE(MAX(version), 0) FROM versions WHERE data_source_id = ?`), nv.DataSourceID); err != nil {
		return nil, fmt.Errorf("read max version: %w", err)
	}
	var next int
	err = tx.GetContext(ctx, &next, r.db.Rebind(`
		INSERT INTO version_sequences (data_source_id, last_version) VALUES (?, ?)
		ON CONFLICT (data_source_id) DO UPDATE SET last_version = CASE
			WHEN version_sequences.last_version >= excluded.last_version THEN version_sequences.last_version + 1
			ELSE excluded.last_version
		END
		RETURNING last_version`), nv.DataSourceID, maxExisting+1)
	if err != nil {
		return nil, fmt.Errorf("allocate version number: %w", err)
	}

	v := domain.DataVersion{
		ID:           uuid.New().String(),
		DataSourceID: nv.DataSourceID,
		Version:      next,
		RecordCount:  int64(len(nv.Records)),
		CreatedAt:    time.Now().UTC(),
		ExecutionID:  nv.ExecutionID,
		Schema:       nv.Schema,
		Metadata:     nv.Metadata,
	}
	_, err = tx.ExecContext(ctx, r.db.Rebind(`INSERT INTO versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.DataSourceID, v.Version, v.RecordCount, formatTime(v.CreatedAt), v.ExecutionID, nullJSON(v.Schema), nullJSON(v.Metadata))
	if err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}

	if err := r.insertRecords(ctx, tx, v.ID, nv.Records); err != nil {
		return nil, err
	}
	if nv.Cursor != nil {
		c := *nv.Cursor
		c.DataSourceID = nv.DataSourceID
		if err := r.upsertCursor(ctx, tx, c); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit version: %w", err)
	}
	return &v, nil
}

func (r *Repository) insertRecords(ctx context.Context, tx *sqlx.Tx, versionID string, records []domain.Record) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PreparexContext(ctx, r.db.Rebind(`INSERT INTO version_records (version_id, seq, data) VALUES (?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare record insert: %w", err)
	}
	defer stmt.Close()
	for i, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, versionID, i, string(data)); err != nil {
			return fmt.Errorf("insert record %d: %w", i, err)
		}
	}
	return nil
}

// ListVersions returns newest first.
func (r *Repository) ListVersions(ctx context.Context, dataSourceID string) ([]domain.DataVersion, error) {
	var rows []versionRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT `+versionColumns+` FROM versions WHERE data_source_id = ? ORDER BY version DESC`), dataSourceID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DataVersion, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *Repository) GetVersion(ctx context.Context, id string) (*domain.DataVersion, error) {
	var row versionRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+versionColumns+` FROM versions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrVersionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	v := row.toDomain()
	return &v, nil
}

func (r *Repository) GetLatest(ctx context.Context, dataSourceID string) (*domain.DataVersion, error) {
	var row versionRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+versionColumns+` FROM versions WHERE data_source_id = ? ORDER BY version DESC LIMIT 1`), dataSourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no versions for %s", domain.ErrVersionNotFound, dataSourceID)
	}
	if err != nil {
		return nil, err
	}
	v := row.toDomain()
	return &v, nil
}

// ReadRecords pages through a version in insertion order. limit <= 0 reads
// to the end.
func (r *Repository) ReadRecords(ctx context.Context, versionID string, offset, limit int) ([]domain.Record, error) {
	if offset < 0 {
		offset = 0
	}
	q := `SELECT data FROM version_records WHERE version_id = ? AND seq >= ? ORDER BY seq`
	args := []interface{}{versionID, offset}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var raw []string
	if err := r.db.SelectContext(ctx, &raw, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]domain.Record, 0, len(raw))
	for i, data := range raw {
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", offset+i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRecord(data string) (domain.Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	for k, v := range m {
		m[k] = normalizeNumber(v)
	}
	return domain.Record(m), nil
}

func normalizeNumber(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalizeNumber(item)
		}
		return val
	case []interface{}:
		for i := range val {
			val[i] = normalizeNumber(val[i])
		}
		return val
	default:
		return v
	}
}

// DeleteVersion removes the records before the version row, in one
// transaction.
func (r *Repository) DeleteVersion(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM version_records WHERE version_id = ?`), id); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM versions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrVersionNotFound, id)
	}
	return tx.Commit()
}

func (r *Repository) Stats(ctx context.Context, dataSourceID string) (*domain.VersionStats, error) {
	var row struct {
		Total    int            `db:"total"`
		Records  int64          `db:"records"`
		Latest   int            `db:"latest"`
		Oldest   int            `db:"oldest"`
		LastTime sql.NullString `db:"last_at"`
	}
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(record_count), 0) AS records,
		       COALESCE(MAX(version), 0) AS latest,
		       COALESCE(MIN(version), 0) AS oldest,
		       (SELECT created_at FROM versions WHERE data_source_id = ? ORDER BY version DESC LIMIT 1) AS last_at
		FROM versions WHERE data_source_id = ?`), dataSourceID, dataSourceID)
	if err != nil {
		return nil, err
	}
	st := &domain.VersionStats{
		TotalVersions: row.Total,
		TotalRecords:  row.Records,
		LatestVersion: row.Latest,
		OldestVersion: row.Oldest,
	}
	if row.LastTime.Valid {
		t := parseTime(row.LastTime.String)
		st.LastImportAt = &t
	}
	return st, nil
}

type cursorRow struct {
	DataSourceID   string `db:"data_source_id"`
	TrackingColumn string `db:"tracking_column"`
	LastValue      string `db:"last_value"`
	UpdatedAt      string `db:"updated_at"`
}

// GetCursor returns nil without error when no cursor was saved.
func (r *Repository) GetCursor(ctx context.Context, dataSourceID string) (*domain.Cursor, error) {
	var row cursorRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT data_source_id, tracking_column, last_value, updated_at FROM cursors WHERE data_source_id = ?`), dataSourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.Cursor{
		DataSourceID:   row.DataSourceID,
		TrackingColumn: row.TrackingColumn,
		LastValue:      row.LastValue,
		UpdatedAt:      parseTime(row.UpdatedAt),
	}, nil
}

func (r *Repository) SetCursor(ctx context.Context, c domain.Cursor) error {
	return r.upsertCursor(ctx, r.db, c)
}

func (r *Repository) upsertCursor(ctx context.Context, ex sqlx.ExecerContext, c domain.Cursor) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO cursors (data_source_id, tracking_column, last_value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (data_source_id) DO UPDATE SET
			tracking_column = excluded.tracking_column,
			last_value = excluded.last_value,
			updated_at = excluded.updated_at`),
		c.DataSourceID, c.TrackingColumn, c.LastValue, formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
