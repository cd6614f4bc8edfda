package domain

import (
	"time"
)

type SourceType string

const (
	SourceTypeCSV       SourceType = "csv"
	SourceTypeJSON      SourceType = "json"
	SourceTypeYAML      SourceType = "yaml"
	SourceTypeExcel     SourceType = "excel"
	SourceTypeSQLite    SourceType = "sqlite"
	SourceTypePostgres  SourceType = "postgres"
	SourceTypeMySQL     SourceType = "mysql"
	SourceTypeODBC      SourceType = "odbc"
	SourceTypeScript    SourceType = "script"
	SourceTypeSynthetic SourceType = "mock"
)

// DataSourceConfig is the immutable input handed to a connector. Type selects
// the connector variant and the shape of Connection and Options.
type DataSourceConfig struct {
	ID         string                 `json:"id" yaml:"id"`
	Name       string                 `json:"name" yaml:"name"`
	Type       SourceType             `json:"type" yaml:"type"`
	ProjectID  string                 `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	Schedule   *Schedule              `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Connection map[string]interface{} `json:"connection,omitempty" yaml:"connection,omitempty"`
	Options    map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`
	Retention  *RetentionPolicy       `json:"retention,omitempty" yaml:"retention,omitempty"`
}

type Schedule struct {
	Cron     string `json:"cron" yaml:"cron"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

type Record map[string]interface{}

type Batch struct {
	Sequence int
	Columns  []string
	Records  []Record
}

// ExecutionContext carries the identifiers and callbacks for exactly one run.
// Cancellation travels through the context.Context passed alongside it.
type ExecutionContext struct {
	ExecutionID  string
	DataSourceID string
	ProjectID    string
	TestMode     bool

	OnProgress func(ProgressInfo)
	OnLog      func(LogEntry)
	OnBatch    func(Batch) error
}

type ProgressInfo struct {
	Percent            float64        `json:"percent"`
	Step               string         `json:"step"`
	RecordsProcessed   int64          `json:"records_processed"`
	TotalRecords       *int64         `json:"total_records,omitempty"`
	BytesProcessed     int64          `json:"bytes_processed"`
	TotalBytes         *int64         `json:"total_bytes,omitempty"`
	EstimatedRemaining *time.Duration `json:"estimated_remaining,omitempty"`
}

type LogEntry struct {
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

func (r *ValidationResult) AddError(field, code, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Code: code, Message: message})
	r.Valid = false
}

func (r *ValidationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// HasCode reports whether any error carries code.
func (r ValidationResult) HasCode(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

func NewValidationResult() ValidationResult {
	return ValidationResult{Valid: true}
}

type ExecutionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type ExecutionResult struct {
	Success          bool                   `json:"success"`
	RecordsProcessed int64                  `json:"records_processed"`
	BytesProcessed   int64                  `json:"bytes_processed"`
	Duration         time.Duration          `json:"duration"`
	Columns          []string               `json:"columns,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Error            *ExecutionError        `json:"error,omitempty"`
}

type TestConnectionResult struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	LatencyMS int64           `json:"latency_ms"`
	Version   string          `json:"version,omitempty"`
	Error     *ExecutionError `json:"error,omitempty"`
}

type SemanticType string

const (
	SemanticInteger  SemanticType = "integer"
	SemanticDecimal  SemanticType = "decimal"
	SemanticBoolean  SemanticType = "boolean"
	SemanticDatetime SemanticType = "datetime"
	SemanticString   SemanticType = "string"
)

func IsSemanticType(s string) bool {
	switch SemanticType(s) {
	case SemanticInteger, SemanticDecimal, SemanticBoolean, SemanticDatetime, SemanticString:
		return true
	default:
		return false
	}
}

type TableKind string

const (
	TableKindTable TableKind = "table"
	TableKindView  TableKind = "view"
)

type TableInfo struct {
	Name     string       `json:"name"`
	Schema   string       `json:"schema,omitempty"`
	Kind     TableKind    `json:"kind"`
	RowCount *int64       `json:"row_count,omitempty"`
	Columns  []ColumnInfo `json:"columns,omitempty"`
}

type ColumnInfo struct {
	Name       string         `json:"name"`
	Type       SemanticType   `json:"type"`
	NativeType string         `json:"native_type,omitempty"`
	Nullable   bool           `json:"nullable"`
	PrimaryKey bool           `json:"primary_key,omitempty"`
	ForeignKey *ForeignKeyRef `json:"foreign_key,omitempty"`
	Default    *string        `json:"default,omitempty"`
}

type ForeignKeyRef struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

type PreviewRequest struct {
	Limit     int    `json:"limit"`
	TableName string `json:"table_name,omitempty"`
}

type PreviewResult struct {
	Columns []ColumnInfo `json:"columns"`
	Records []Record     `json:"records"`
}

// FieldSpec declares one generated column of a synthetic source.
type FieldSpec struct {
	Name    string                 `json:"name" yaml:"name"`
	Type    string                 `json:"type" yaml:"type"`
	Options map[string]interface{} `json:"options,omitempty" yaml:"options,omitempty"`
}
