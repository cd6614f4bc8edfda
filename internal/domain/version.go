package domain

import (
	"encoding/json"
	"time"
)

// DataVersion is an immutable numbered snapshot of one data source. Records
// are stored separately and read through the version store.
type DataVersion struct {
	ID           string          `json:"id" db:"id"`
	DataSourceID string          `json:"data_source_id" db:"data_source_id"`
	Version      int             `json:"version" db:"version"`
	RecordCount  int64           `json:"record_count" db:"record_count"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	ExecutionID  string          `json:"execution_id,omitempty" db:"execution_id"`
	Schema       json.RawMessage `json:"schema,omitempty" db:"schema_json"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata_json"`
}

type RetentionStrategy string

const (
	RetentionKeepLast RetentionStrategy = "keep-last"
	RetentionKeepDays RetentionStrategy = "keep-days"
	RetentionKeepAll  RetentionStrategy = "keep-all"
)

type RetentionPolicy struct {
	Strategy    RetentionStrategy `json:"strategy" yaml:"strategy"`
	Value       int               `json:"value" yaml:"value"`
	AutoCleanup bool              `json:"auto_cleanup" yaml:"auto_cleanup"`
	// KeepCurrent keeps the highest numbered version under keep-days.
	KeepCurrent bool `json:"keep_current,omitempty" yaml:"keep_current,omitempty"`
}

type VersionStats struct {
	TotalVersions int        `json:"total_versions"`
	TotalRecords  int64      `json:"total_records"`
	LatestVersion int        `json:"latest_version"`
	OldestVersion int        `json:"oldest_version"`
	LastImportAt  *time.Time `json:"last_import_at,omitempty"`
}

type CleanupFailure struct {
	VersionID string `json:"version_id"`
	Version   int    `json:"version"`
	Error     string `json:"error"`
}

type CleanupReport struct {
	DataSourceID string           `json:"data_source_id"`
	Deleted      []int            `json:"deleted"`
	Failures     []CleanupFailure `json:"failures,omitempty"`
}

func (r *CleanupReport) DeletedCount() int {
	return len(r.Deleted)
}

// Cursor is the persisted incremental-sync position of a data source.
type Cursor struct {
	DataSourceID   string    `json:"data_source_id" db:"data_source_id"`
	TrackingColumn string    `json:"tracking_column" db:"tracking_column"`
	LastValue      string    `json:"last_value" db:"last_value"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusAborted ExecutionStatus = "aborted"
)

// Execution is the history row of one ingestion run.
type Execution struct {
	ID               string          `json:"id" db:"id"`
	DataSourceID     string          `json:"data_source_id" db:"data_source_id"`
	DataSourceName   string          `json:"data_source_name" db:"data_source_name"`
	SourceType       SourceType      `json:"source_type" db:"source_type"`
	Status           ExecutionStatus `json:"status" db:"status"`
	StartedAt        time.Time       `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	RecordsProcessed int64           `json:"records_processed" db:"records_processed"`
	BytesProcessed   int64           `json:"bytes_processed" db:"bytes_processed"`
	Version          *int            `json:"version,omitempty" db:"version"`
	ErrorCode        string          `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage     string          `json:"error_message,omitempty" db:"error_message"`
}
