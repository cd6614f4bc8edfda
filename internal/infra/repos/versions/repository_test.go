package versions

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/versioning"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(context.Background(), filepath.Join(t.TempDir(), "dataforge.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func records(n int) []domain.Record {
	out := make([]domain.Record, n)
	for i := range out {
		out[i] = domain.Record{"id": int64(i + 1), "name": "row", "score": 1.5}
	}
	return out
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "deeper", "dataforge.sqlite")
	repo, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if repo.DB() == nil || repo.Driver() != DriverSQLite {
		t.Fatalf("unexpected repo state: driver=%s", repo.Driver())
	}

	// reopening must not re-run migrations
	_ = repo.Close()
	again, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	_ = again.Close()
}

func TestVersionNumbersAreNeverReused(t *testing.T) {
	t.Parallel()
	repo := openTestRepo(t)
	ctx := context.Background()

	var last *domain.DataVersion
	for i := 1; i <= 3; i++ {
		v, err := repo.CreateVersion(ctx, versioning.NewVersion{DataSourceID: "orders", Records: records(i)})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if v.Version != i {
			t.Fatalf("expected version %d, got %d", i, v.Version)
		}
		last = v
	}
	if err := repo.DeleteVersion(ctx, last.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	v, err := repo.CreateVersion(ctx, versioning.NewVersion{DataSourceID: "orders", Records: records(1)})
	if err != nil {
		t.Fatalf("create after delete: %v", err)
	}
	if v.Version != 4 {
		t.Fatalf("expected version 4 after deleting 3, got %d", v.Version)
	}

	other, err := repo.CreateVersion(ctx, versioning.NewVersion{DataSourceID: "customers"})
	if err != nil {
		t.Fatalf("create other: %v", err)
	}
	if other.Version != 1 {
		t.Fatalf("numbering is per source, got %d", other.Version)
	}
}

func TestReadRecordsAndDelete(t *testing.T) {
	t.Parallel()
	repo := openTestRepo(t)
	ctx := context.Background()

	v, err := repo.CreateVersion(ctx, versioning.NewVersion{
		DataSourceID: "orders",
		ExecutionID:  "exec-1",
		Records:      records(5),
		Schema:       []byte(`[{"name":"id","type":"integer"}]`),
		Metadata:     []byte(`{"columns":["id","name","score"]}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetVersion(ctx, v.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RecordCount != 5 || got.ExecutionID != "exec-1" || string(got.Schema) == "" {
		t.Fatalf("unexpected version: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("created_at must round trip")
	}

	page, err := repo.ReadRecords(ctx, v.ID, 2, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 records, got %d", len(page))
	}
	if page[0]["id"] != int64(3) {
		t.Fatalf("expected id 3 as int64, got %#v", page[0]["id"])
	}
	if page[0]["score"] != 1.5 {
		t.Fatalf("expected float score, got %#v", page[0]["score"])
	}

	all, err := repo.ReadRecords(ctx, v.ID, 0, 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("read all: %d %v", len(all), err)
	}

	if err := repo.DeleteVersion(ctx, v.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetVersion(ctx, v.ID); !errors.Is(err, domain.ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
	left, err := repo.ReadRecords(ctx, v.ID, 0, 0)
	if err != nil || len(left) != 0 {
		t.Fatalf("records must be deleted with the version: %d %v", len(left), err)
	}
	if err := repo.DeleteVersion(ctx, v.ID); !errors.Is(err, domain.ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound on second delete, got %v", err)
	}
}

func TestListLatestAndStats(t *testing.T) {
	t.Parallel()
	repo := openTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetLatest(ctx, "orders"); !errors.Is(err, domain.ErrVersionNotFound) {
		t.Fatalf("expected not found for empty source, got %v", err)
	}
	st, err := repo.Stats(ctx, "orders")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalVersions != 0 || st.LastImportAt != nil {
		t.Fatalf("unexpected empty stats: %+v", st)
	}

	for i := 1; i <= 3; i++ {
		if _, err := repo.CreateVersion(ctx, versioning.NewVersion{DataSourceID: "orders", Records: records(i)}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	list, err := repo.ListVersions(ctx, "orders")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Version != 3 || list[2].Version != 1 {
		t.Fatalf("expected newest first, got %+v", list)
	}
	latest, err := repo.GetLatest(ctx, "orders")
	if err != nil || latest.Version != 3 {
		t.Fatalf("latest: %+v %v", latest, err)
	}

	st, err = repo.Stats(ctx, "orders")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalVersions != 3 || st.TotalRecords != 6 || st.LatestVersion != 3 || st.OldestVersion != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.LastImportAt == nil {
		t.Fatal("expected last import time")
	}
}

func TestCursorCommitsWithVersion(t *testing.T) {
	t.Parallel()
	repo := openTestRepo(t)
	ctx := context.Background()

	c, err := repo.GetCursor(ctx, "orders")
	if err != nil || c != nil {
		t.Fatalf("expected no cursor, got %+v %v", c, err)
	}

	_, err = repo.CreateVersion(ctx, versioning.NewVersion{
		DataSourceID: "orders",
		Records:      records(2),
		Cursor:       &domain.Cursor{TrackingColumn: "id", LastValue: "2"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	c, err = repo.GetCursor(ctx, "orders")
	if err != nil || c == nil {
		t.Fatalf("get cursor: %+v %v", c, err)
	}
	if c.LastValue != "2" || c.TrackingColumn != "id" || c.DataSourceID != "orders" {
		t.Fatalf("unexpected cursor: %+v", c)
	}

	if err := repo.SetCursor(ctx, domain.Cursor{DataSourceID: "orders", TrackingColumn: "id", LastValue: "9"}); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	c, _ = repo.GetCursor(ctx, "orders")
	if c.LastValue != "9" || c.UpdatedAt.IsZero() {
		t.Fatalf("cursor not updated: %+v", c)
	}
}

func TestExecutionHistory(t *testing.T) {
	t.Parallel()
	repo := openTestRepo(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e := &domain.Execution{
			DataSourceID:   "orders",
			DataSourceName: "Orders",
			SourceType:     domain.SourceTypeCSV,
			StartedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.CreateExecution(ctx, e); err != nil {
			t.Fatalf("create execution: %v", err)
		}
		if e.ID == "" || e.Status != domain.ExecutionStatusRunning {
			t.Fatalf("expected id and running status: %+v", e)
		}
		done := e.StartedAt.Add(5 * time.Second)
		ver := i + 1
		e.Status = domain.ExecutionStatusSuccess
		e.CompletedAt = &done
		e.RecordsProcessed = 10
		e.Version = &ver
		if err := repo.FinishExecution(ctx, e); err != nil {
			t.Fatalf("finish: %v", err)
		}
	}
	if err := repo.CreateExecution(ctx, &domain.Execution{DataSourceID: "other", DataSourceName: "Other", SourceType: domain.SourceTypeJSON, StartedAt: base}); err != nil {
		t.Fatalf("create other: %v", err)
	}

	list, err := repo.ListExecutions(ctx, "orders", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Version == nil || *list[0].Version != 3 {
		t.Fatalf("expected newest two runs, got %+v", list)
	}
	if list[0].CompletedAt == nil || list[0].Status != domain.ExecutionStatusSuccess {
		t.Fatalf("terminal state not persisted: %+v", list[0])
	}

	all, err := repo.ListExecutions(ctx, "", 0)
	if err != nil || len(all) != 4 {
		t.Fatalf("list all: %d %v", len(all), err)
	}

	got, err := repo.GetExecution(ctx, list[0].ID)
	if err != nil || got.RecordsProcessed != 10 {
		t.Fatalf("get: %+v %v", got, err)
	}
	if _, err := repo.GetExecution(ctx, "missing"); !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
	if err := repo.FinishExecution(ctx, &domain.Execution{ID: "missing", Status: domain.ExecutionStatusFailed}); !errors.Is(err, domain.ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound on finish, got %v", err)
	}
}
