package versions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mmrzaf/dataforge/internal/domain"
)

type executionRow struct {
	ID               string         `db:"id"`
	DataSourceID     string         `db:"data_source_id"`
	DataSourceName   string         `db:"data_source_name"`
	SourceType       string         `db:"source_type"`
	Status           string         `db:"status"`
	StartedAt        string         `db:"started_at"`
	CompletedAt      sql.NullString `db:"completed_at"`
	RecordsProcessed int64          `db:"records_processed"`
	BytesProcessed   int64          `db:"bytes_processed"`
	Version          sql.NullInt64  `db:"version"`
	ErrorCode        string         `db:"error_code"`
	ErrorMessage     string         `db:"error_message"`
}

func (r executionRow) toDomain() *domain.Execution {
	e := &domain.Execution{
		ID:               r.ID,
		DataSourceID:     r.DataSourceID,
		DataSourceName:   r.DataSourceName,
		SourceType:       domain.SourceType(r.SourceType),
		Status:           domain.ExecutionStatus(r.Status),
		StartedAt:        parseTime(r.StartedAt),
		RecordsProcessed: r.RecordsProcessed,
		BytesProcessed:   r.BytesProcessed,
		ErrorCode:        r.ErrorCode,
		ErrorMessage:     r.ErrorMessage,
	}
	if r.CompletedAt.Valid {
		t := parseTime(r.CompletedAt.String)
		e.CompletedAt = &t
	}
	if r.Version.Valid {
		v := int(r.Version.Int64)
		e.Version = &v
	}
	return e
}

const executionColumns = `id, data_source_id, data_source_name, source_type, status, started_at, completed_at,
	records_processed, bytes_processed, version, error_code, error_message`

func (r *Repository) CreateExecution(ctx context.Context, e *domain.Execution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = domain.ExecutionStatusRunning
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.DataSourceID, e.DataSourceName, string(e.SourceType), string(e.Status), formatTime(e.StartedAt),
		nullTime(e), e.RecordsProcessed, e.BytesProcessed, nullVersion(e.Version), e.ErrorCode, e.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// FinishExecution records the terminal state of a run.
func (r *Repository) FinishExecution(ctx context.Context, e *domain.Execution) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE executions SET
			status = ?, completed_at = ?, records_processed = ?, bytes_processed = ?,
			version = ?, error_code = ?, error_message = ?
		WHERE id = ?`),
		string(e.Status), nullTime(e), e.RecordsProcessed, e.BytesProcessed,
		nullVersion(e.Version), e.ErrorCode, e.ErrorMessage, e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, e.ID)
	}
	return nil
}

func (r *Repository) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	var row executionRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// ListExecutions returns the newest runs first. An empty dataSourceID lists
// all sources; limit <= 0 means no limit.
func (r *Repository) ListExecutions(ctx context.Context, dataSourceID string, limit int) ([]*domain.Execution, error) {
	q := `SELECT ` + executionColumns + ` FROM executions`
	args := make([]interface{}, 0, 2)
	if dataSourceID != "" {
		q += ` WHERE data_source_id = ?`
		args = append(args, dataSourceID)
	}
	q += ` ORDER BY started_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []executionRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]*domain.Execution, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func nullTime(e *domain.Execution) sql.NullString {
	if e.CompletedAt == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*e.CompletedAt), Valid: true}
}

func nullVersion(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
