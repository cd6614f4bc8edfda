// Package connector defines the contract every data source variant implements
// and the shared run machinery (state, cancellation, progress, error mapping).
package connector

import (
	"context"

	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/logging"
)

// Connector validates, tests and extracts from one category of data source.
// Run never returns a Go error; every failure is mapped into the result.
type Connector interface {
	Type() domain.SourceType
	ValidateConfig(cfg domain.DataSourceConfig) domain.ValidationResult
	TestConnection(ctx context.Context) domain.TestConnectionResult
	Run(ctx context.Context, ec *domain.ExecutionContext) domain.ExecutionResult
	Abort()
	Dispose() error
}

type TableLister interface {
	ListAvailableTables(ctx context.Context) ([]domain.TableInfo, error)
}

type SchemaIntrospector interface {
	GetTableSchema(ctx context.Context, name string) (*domain.TableInfo, error)
}

type Previewer interface {
	PreviewData(ctx context.Context, req domain.PreviewRequest) (*domain.PreviewResult, error)
}

// Factory builds a connector bound to cfg.
type Factory func(cfg domain.DataSourceConfig, logger *logging.Logger) (Connector, error)

type Capabilities struct {
	ListTables bool `json:"list_tables"`
	Schema     bool `json:"schema"`
	Preview    bool `json:"preview"`
}

func CapabilitiesOf(c Connector) Capabilities {
	_, lt := c.(TableLister)
	_, si := c.(SchemaIntrospector)
	_, pv := c.(Previewer)
	return Capabilities{ListTables: lt, Schema: si, Preview: pv}
}

type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateConnecting State = "connecting"
	StateExtracting State = "extracting"
	StateFinalizing State = "finalizing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateAborted    State = "aborted"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAborted
}
