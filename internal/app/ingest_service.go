// Package app orchestrates one ingestion: connector run, snapshot, cursor,
// retention and the execution history row.
package app

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/hashing"
	"github.com/mmrzaf/dataforge/internal/inference"
	"github.com/mmrzaf/dataforge/internal/logging"
	"github.com/mmrzaf/dataforge/internal/registry"
	"github.com/mmrzaf/dataforge/internal/validation"
	"github.com/mmrzaf/dataforge/internal/versioning"
)

// ExecutionStore keeps the run history.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *domain.Execution) error
	FinishExecution(ctx context.Context, e *domain.Execution) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, dataSourceID string, limit int) ([]*domain.Execution, error)
}

// RunObserver is told when a run starts; the returned func records its end.
type RunObserver interface {
	RunStarted(sourceType string) func(status string, records int64)
}

type IngestOptions struct {
	// TestConnection probes the source before the execution row is created.
	TestConnection bool
	// DryRun extracts without creating a version or moving the cursor.
	DryRun     bool
	OnProgress func(domain.ProgressInfo)
	OnLog      func(domain.LogEntry)
}

type IngestResult struct {
	ExecutionID string                 `json:"execution_id,omitempty"`
	Result      domain.ExecutionResult `json:"result"`
	Version     *domain.DataVersion    `json:"version,omitempty"`
	Cleanup     *domain.CleanupReport  `json:"cleanup,omitempty"`
}

type IngestService struct {
	registry   *registry.ConnectorRegistry
	versions   *versioning.Manager
	executions ExecutionStore
	observer   RunObserver
	logger     *logging.Logger

	mu     sync.Mutex
	active map[string]connector.Connector
}

func NewIngestService(
	reg *registry.ConnectorRegistry,
	versions *versioning.Manager,
	executions ExecutionStore,
	observer RunObserver,
	logger *logging.Logger,
) *IngestService {
	if logger == nil {
		logger = logging.Nop()
	}
	return &IngestService{
		registry:   reg,
		versions:   versions,
		executions: executions,
		observer:   observer,
		logger:     logger.WithComponent("ingest"),
		active:     make(map[string]connector.Connector),
	}
}

// Ingest runs cfg once. A config that fails validation or a failed
// pre-flight connection test returns an error and leaves no history. Once
// the execution row exists the outcome is reported in the result; only a
// successful, non-dry run produces a version.
func (s *IngestService) Ingest(ctx context.Context, cfg *domain.DataSourceConfig, opts IngestOptions) (*IngestResult, error) {
	if err := validation.ValidateDataSource(cfg); err != nil {
		return nil, domain.NewError(domain.CodeConfigValidation, err.Error(), err)
	}
	effective, cursorApplied, err := s.applyCursor(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c, err := s.registry.Create(*effective)
	if err != nil {
		return nil, err
	}
	defer func() {
		if derr := c.Dispose(); derr != nil {
			s.logger.Warnw("connector.dispose_failed", map[string]any{"data_source_id": cfg.ID, "error": derr.Error()})
		}
	}()

	if vr := c.ValidateConfig(*effective); !vr.Valid {
		e := domain.NewError(domain.CodeConfigValidation, "configuration is invalid", nil)
		e.Details = describe(vr)
		return nil, e
	}
	if opts.TestConnection {
		tr := c.TestConnection(ctx)
		if !tr.Success {
			e := domain.ConnectionError("connection test failed", nil)
			if tr.Error != nil {
				e.Code = tr.Error.Code
				e.Details = tr.Error.Details
			}
			e.Message = tr.Message
			return nil, e
		}
	}

	exec := &domain.Execution{
		ID:             uuid.New().String(),
		DataSourceID:   cfg.ID,
		DataSourceName: cfg.Name,
		SourceType:     cfg.Type,
		Status:         domain.ExecutionStatusRunning,
		StartedAt:      time.Now().UTC(),
	}
	// history is written even when ctx is already cancelled; Run maps that to ABORTED
	if err := s.executions.CreateExecution(context.WithoutCancel(ctx), exec); err != nil {
		return nil, fmt.Errorf("record execution: %w", err)
	}
	s.track(exec.ID, c)
	defer s.untrack(exec.ID)

	finish := func(string, int64) {}
	if s.observer != nil {
		finish = s.observer.RunStarted(string(cfg.Type))
	}
	s.logger.Infow("ingest.started", map[string]any{
		"execution_id":   exec.ID,
		"data_source_id": cfg.ID,
		"source_type":    string(cfg.Type),
		"cursor":         cursorApplied,
		"dry_run":        opts.DryRun,
	})

	var records []domain.Record
	ec := &domain.ExecutionContext{
		ExecutionID:  exec.ID,
		DataSourceID: cfg.ID,
		ProjectID:    cfg.ProjectID,
		TestMode:     opts.DryRun,
		OnProgress:   opts.OnProgress,
		OnLog:        opts.OnLog,
		OnBatch: func(b domain.Batch) error {
			records = append(records, b.Records...)
			return nil
		},
	}
	res := c.Run(ctx, ec)
	out := &IngestResult{ExecutionID: exec.ID, Result: res}
	exec.RecordsProcessed = res.RecordsProcessed
	exec.BytesProcessed = res.BytesProcessed

	if !res.Success {
		status := domain.ExecutionStatusFailed
		if res.Error != nil && res.Error.Code == domain.CodeAborted {
			status = domain.ExecutionStatusAborted
		}
		s.fail(exec, status, res.Error)
		finish(string(status), 0)
		return out, nil
	}

	if !opts.DryRun {
		v, err := s.snapshot(ctx, effective, exec.ID, res, records)
		if err != nil {
			out.Result.Success = false
			out.Result.Error = domain.AsExecutionError(err, domain.CodeExecution)
			s.fail(exec, domain.ExecutionStatusFailed, out.Result.Error)
			finish(string(domain.ExecutionStatusFailed), 0)
			return out, nil
		}
		out.Version = v
		ver := v.Version
		exec.Version = &ver

		if p := cfg.Retention; p != nil && p.AutoCleanup {
			report, cerr := s.versions.ApplyPolicy(ctx, cfg.ID, p, time.Time{})
			if cerr != nil {
				s.logger.Warnw("ingest.cleanup_failed", map[string]any{"data_source_id": cfg.ID, "error": cerr.Error()})
			}
			out.Cleanup = report
		}
	}

	done := time.Now().UTC()
	exec.Status = domain.ExecutionStatusSuccess
	exec.CompletedAt = &done
	s.finishExecution(exec)
	finish(string(exec.Status), res.RecordsProcessed)
	s.logger.Infow("ingest.completed", map[string]any{
		"execution_id":   exec.ID,
		"data_source_id": cfg.ID,
		"records":        res.RecordsProcessed,
		"duration_ms":    res.Duration.Milliseconds(),
		"version":        exec.Version,
	})
	return out, nil
}

// Abort cancels the in-flight run with the given execution id.
func (s *IngestService) Abort(executionID string) error {
	s.mu.Lock()
	c, ok := s.active[executionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s is not running", domain.ErrExecutionNotFound, executionID)
	}
	c.Abort()
	return nil
}

// Running lists the execution ids currently in flight.
func (s *IngestService) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

func (s *IngestService) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	return s.executions.GetExecution(ctx, id)
}

func (s *IngestService) ListExecutions(ctx context.Context, dataSourceID string, limit int) ([]*domain.Execution, error) {
	return s.executions.ListExecutions(ctx, dataSourceID, limit)
}

func (s *IngestService) track(id string, c connector.Connector) {
	s.mu.Lock()
	s.active[id] = c
	s.mu.Unlock()
}

func (s *IngestService) untrack(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *IngestService) snapshot(ctx context.Context, cfg *domain.DataSourceConfig, execID string, res domain.ExecutionResult, records []domain.Record) (*domain.DataVersion, error) {
	columns := inference.InferColumns(res.Columns, records)
	meta := map[string]interface{}{}
	for k, v := range res.Metadata {
		meta[k] = v
	}
	if h, err := hashing.HashConfig(cfg); err == nil {
		meta["config_hash"] = h
	}
	if h, err := hashing.HashSchema(columns); err == nil {
		meta["schema_hash"] = h
	}
	return s.versions.CreateVersion(ctx, cfg.ID, records, versioning.SnapshotMeta{
		ExecutionID: execID,
		Columns:     res.Columns,
		Schema:      columns,
		Metadata:    meta,
		Cursor:      cursorFromResult(cfg.ID, res),
	})
}

func (s *IngestService) fail(exec *domain.Execution, status domain.ExecutionStatus, ee *domain.ExecutionError) {
	done := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &done
	if ee != nil {
		exec.ErrorCode = ee.Code
		exec.ErrorMessage = ee.Message
		if ee.Details != "" {
			exec.ErrorMessage += ": " + ee.Details
		}
	}
	s.finishExecution(exec)
	s.logger.Warnw("ingest.failed", map[string]any{
		"execution_id":   exec.ID,
		"data_source_id": exec.DataSourceID,
		"status":         string(status),
		"code":           exec.ErrorCode,
		"records":        exec.RecordsProcessed,
	})
}

// finishExecution must outlive a cancelled run context.
func (s *IngestService) finishExecution(exec *domain.Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.executions.FinishExecution(ctx, exec); err != nil {
		s.logger.Errorw("ingest.history_failed", map[string]any{"execution_id": exec.ID, "error": err.Error()})
	}
}

// applyCursor feeds the saved cursor back as lastValue unless the config
// pins one or tracks a different column.
func (s *IngestService) applyCursor(ctx context.Context, cfg *domain.DataSourceConfig) (*domain.DataSourceConfig, bool, error) {
	p := connector.Merge(cfg.Connection, cfg.Options)
	column := p.String("trackingColumn")
	if column == "" || p.Has("lastValue") {
		return cfg, false, nil
	}
	cur, err := s.versions.Store().GetCursor(ctx, cfg.ID)
	if err != nil {
		return nil, false, fmt.Errorf("load cursor: %w", err)
	}
	if cur == nil || cur.TrackingColumn != column || cur.LastValue == "" {
		return cfg, false, nil
	}

	cp := *cfg
	cp.Options = make(map[string]interface{}, len(cfg.Options)+1)
	for k, v := range cfg.Options {
		cp.Options[k] = v
	}
	var last interface{} = cur.LastValue
	if p.StringOr("trackingType", "integer") == "integer" {
		if n, err := strconv.ParseInt(cur.LastValue, 10, 64); err == nil {
			last = n
		}
	}
	cp.Options["lastValue"] = last
	return &cp, true, nil
}

func cursorFromResult(dataSourceID string, res domain.ExecutionResult) *domain.Cursor {
	inc, ok := res.Metadata["incremental"].(map[string]interface{})
	if !ok {
		return nil
	}
	column, _ := inc["tracking_column"].(string)
	last := inc["last_value"]
	if column == "" || last == nil {
		return nil
	}
	return &domain.Cursor{
		DataSourceID:   dataSourceID,
		TrackingColumn: column,
		LastValue:      formatCursor(last),
		UpdatedAt:      time.Now().UTC(),
	}
}

func formatCursor(v interface{}) string {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
