package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/logging"
	"github.com/mmrzaf/dataforge/internal/validation"
)

// SnapshotMeta describes the run that produced a version.
type SnapshotMeta struct {
	ExecutionID string
	Columns     []string
	Schema      []domain.ColumnInfo
	Metadata    map[string]interface{}
	Cursor      *domain.Cursor
}

// Manager owns the version lifecycle of every data source. Writers of one
// data source are serialized through the Locker; reads go straight to the
// store.
type Manager struct {
	store    Store
	locker   Locker
	logger   *logging.Logger
	observer Observer
	now      func() time.Time
}

type Option func(*Manager)

func WithLocker(l Locker) Option {
	return func(m *Manager) { m.locker = l }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l.WithComponent("versioning") }
}

func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		locker:   NewKeyedMutex(),
		logger:   logging.Nop(),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Store() Store { return m.store }

// CreateVersion stores records as the next version of dataSourceID.
func (m *Manager) CreateVersion(ctx context.Context, dataSourceID string, records []domain.Record, meta SnapshotMeta) (*domain.DataVersion, error) {
	if dataSourceID == "" {
		return nil, errors.New("data source id is required")
	}
	nv := NewVersion{DataSourceID: dataSourceID, ExecutionID: meta.ExecutionID, Records: records, Cursor: meta.Cursor}
	if len(meta.Schema) > 0 {
		b, err := json.Marshal(meta.Schema)
		if err != nil {
			return nil, fmt.Errorf("encode schema: %w", err)
		}
		nv.Schema = b
	}
	md := map[string]interface{}{}
	for k, v := range meta.Metadata {
		md[k] = v
	}
	if len(meta.Columns) > 0 {
		md["columns"] = meta.Columns
	}
	if len(md) > 0 {
		b, err := json.Marshal(md)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		nv.Metadata = b
	}

	unlock, err := m.locker.Lock(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dataSourceID, err)
	}
	defer unlock()

	v, err := m.store.CreateVersion(ctx, nv)
	if err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}
	m.observer.VersionCreated(dataSourceID, v.RecordCount)
	m.logger.Infow("version.created", map[string]any{
		"data_source_id": dataSourceID,
		"version":        v.Version,
		"version_id":     v.ID,
		"records":        v.RecordCount,
	})
	return v, nil
}

// ListVersions returns the versions of dataSourceID, newest first.
func (m *Manager) ListVersions(ctx context.Context, dataSourceID string) ([]domain.DataVersion, error) {
	return m.store.ListVersions(ctx, dataSourceID)
}

func (m *Manager) GetVersion(ctx context.Context, id string) (*domain.DataVersion, error) {
	return m.store.GetVersion(ctx, id)
}

func (m *Manager) GetLatest(ctx context.Context, dataSourceID string) (*domain.DataVersion, error) {
	return m.store.GetLatest(ctx, dataSourceID)
}

func (m *Manager) ReadRecords(ctx context.Context, versionID string, offset, limit int) ([]domain.Record, error) {
	return m.store.ReadRecords(ctx, versionID, offset, limit)
}

func (m *Manager) GetStats(ctx context.Context, dataSourceID string) (*domain.VersionStats, error) {
	return m.store.Stats(ctx, dataSourceID)
}

// DeleteVersion removes one version and its records.
func (m *Manager) DeleteVersion(ctx context.Context, id string) error {
	v, err := m.store.GetVersion(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := m.locker.Lock(ctx, v.DataSourceID)
	if err != nil {
		return fmt.Errorf("lock %s: %w", v.DataSourceID, err)
	}
	defer unlock()
	return m.deleteLocked(ctx, *v)
}

func (m *Manager) deleteLocked(ctx context.Context, v domain.DataVersion) error {
	if err := m.store.DeleteVersion(ctx, v.ID); err != nil {
		return fmt.Errorf("delete version %d: %w", v.Version, err)
	}
	m.observer.VersionDeleted(v.DataSourceID)
	m.logger.Infow("version.deleted", map[string]any{"data_source_id": v.DataSourceID, "version": v.Version, "version_id": v.ID})
	return nil
}

// ApplyPolicy deletes what the policy selects. Every candidate is attempted;
// failures are listed in the report and joined into the returned error.
func (m *Manager) ApplyPolicy(ctx context.Context, dataSourceID string, policy *domain.RetentionPolicy, now time.Time) (*domain.CleanupReport, error) {
	if err := validation.ValidateRetentionPolicy(policy); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = m.now()
	}
	report := &domain.CleanupReport{DataSourceID: dataSourceID, Deleted: []int{}}
	if policy == nil || policy.Strategy == domain.RetentionKeepAll {
		return report, nil
	}

	unlock, err := m.locker.Lock(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dataSourceID, err)
	}
	defer unlock()

	versions, err := m.store.ListVersions(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	byID := make(map[string]domain.DataVersion, len(versions))
	for _, v := range versions {
		byID[v.ID] = v
	}

	var errs []error
	for _, id := range ComputeDeletable(versions, policy, now) {
		v := byID[id]
		if err := ctx.Err(); err != nil {
			report.Failures = append(report.Failures, domain.CleanupFailure{VersionID: id, Version: v.Version, Error: err.Error()})
			errs = append(errs, err)
			continue
		}
		if err := m.deleteLocked(ctx, v); err != nil {
			m.observer.CleanupFailed(dataSourceID)
			m.logger.Warnw("version.cleanup_failed", map[string]any{"data_source_id": dataSourceID, "version": v.Version, "error": err.Error()})
			report.Failures = append(report.Failures, domain.CleanupFailure{VersionID: id, Version: v.Version, Error: err.Error()})
			errs = append(errs, err)
			continue
		}
		report.Deleted = append(report.Deleted, v.Version)
	}
	m.logger.Infow("version.cleanup", map[string]any{
		"data_source_id": dataSourceID,
		"strategy":       string(policy.Strategy),
		"deleted":        len(report.Deleted),
		"failed":         len(report.Failures),
	})
	return report, errors.Join(errs...)
}

// Cleanup trims dataSourceID down to its keepCount newest versions.
func (m *Manager) Cleanup(ctx context.Context, dataSourceID string, keepCount int) (*domain.CleanupReport, error) {
	if keepCount < 1 {
		return nil, fmt.Errorf("keep count must be >= 1, got %d", keepCount)
	}
	return m.ApplyPolicy(ctx, dataSourceID, &domain.RetentionPolicy{Strategy: domain.RetentionKeepLast, Value: keepCount}, time.Time{})
}
