// Package versioning creates, lists and prunes the numbered snapshots of a
// data source.
package versioning

import (
	"context"
	"encoding/json"

	"github.com/mmrzaf/dataforge/internal/domain"
)

// NewVersion is everything persisted for one snapshot. The store assigns the
// id, number and creation time.
type NewVersion struct {
	DataSourceID string
	ExecutionID  string
	Records      []domain.Record
	Schema       json.RawMessage
	Metadata     json.RawMessage
	// Cursor, when set, is saved in the same transaction as the version.
	Cursor *domain.Cursor
}

// Store persists versions and their records. CreateVersion and DeleteVersion
// are atomic: readers see a version with all of its records or not at all.
type Store interface {
	CreateVersion(ctx context.Context, v NewVersion) (*domain.DataVersion, error)
	ListVersions(ctx context.Context, dataSourceID string) ([]domain.DataVersion, error)
	GetVersion(ctx context.Context, id string) (*domain.DataVersion, error)
	GetLatest(ctx context.Context, dataSourceID string) (*domain.DataVersion, error)
	ReadRecords(ctx context.Context, versionID string, offset, limit int) ([]domain.Record, error)
	DeleteVersion(ctx context.Context, id string) error
	Stats(ctx context.Context, dataSourceID string) (*domain.VersionStats, error)
	GetCursor(ctx context.Context, dataSourceID string) (*domain.Cursor, error)
	SetCursor(ctx context.Context, c domain.Cursor) error
}

// Observer receives lifecycle events, typically for metrics.
type Observer interface {
	VersionCreated(dataSourceID string, records int64)
	VersionDeleted(dataSourceID string)
	CleanupFailed(dataSourceID string)
}

type nopObserver struct{}

func (nopObserver) VersionCreated(string, int64) {}
func (nopObserver) VersionDeleted(string)        {}
func (nopObserver) CleanupFailed(string)         {}
