package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
)

// memStore computes the next number outside its own critical section, so
// only the manager's lock keeps concurrent creates apart.
type memStore struct {
	mu       sync.Mutex
	versions map[string]domain.DataVersion
	records  map[string][]domain.Record
	cursors  map[string]domain.Cursor
	failOn   map[string]bool
	seq      int
	clock    func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		versions: map[string]domain.DataVersion{},
		records:  map[string][]domain.Record{},
		cursors:  map[string]domain.Cursor{},
		failOn:   map[string]bool{},
		clock:    time.Now,
	}
}

func (s *memStore) CreateVersion(ctx context.Context, nv NewVersion) (*domain.DataVersion, error) {
	s.mu.Lock()
	next := 1
	for _, v := range s.versions {
		if v.DataSourceID == nv.DataSourceID && v.Version >= next {
			next = v.Version + 1
		}
	}
	s.mu.Unlock()
	runtime.Gosched()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	v := domain.DataVersion{
		ID:           fmt.Sprintf("v-%d", s.seq),
		DataSourceID: nv.DataSourceID,
		Version:      next,
		RecordCount:  int64(len(nv.Records)),
		CreatedAt:    s.clock(),
		ExecutionID:  nv.ExecutionID,
		Schema:       nv.Schema,
		Metadata:     nv.Metadata,
	}
	s.versions[v.ID] = v
	s.records[v.ID] = nv.Records
	if nv.Cursor != nil {
		s.cursors[nv.DataSourceID] = *nv.Cursor
	}
	return &v, nil
}

func (s *memStore) ListVersions(ctx context.Context, dataSourceID string) ([]domain.DataVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DataVersion
	for _, v := range s.versions {
		if v.DataSourceID == dataSourceID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *memStore) GetVersion(ctx context.Context, id string) (*domain.DataVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, domain.ErrVersionNotFound
	}
	return &v, nil
}

func (s *memStore) GetLatest(ctx context.Context, dataSourceID string) (*domain.DataVersion, error) {
	vs, _ := s.ListVersions(ctx, dataSourceID)
	if len(vs) == 0 {
		return nil, domain.ErrVersionNotFound
	}
	return &vs[0], nil
}

func (s *memStore) ReadRecords(ctx context.Context, versionID string, offset, limit int) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[versionID]
	if offset >= len(recs) {
		return nil, nil
	}
	end := len(recs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return recs[offset:end], nil
}

func (s *memStore) DeleteVersion(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[id] {
		return errors.New("disk on fire")
	}
	if _, ok := s.versions[id]; !ok {
		return domain.ErrVersionNotFound
	}
	delete(s.records, id)
	delete(s.versions, id)
	return nil
}

func (s *memStore) Stats(ctx context.Context, dataSourceID string) (*domain.VersionStats, error) {
	vs, _ := s.ListVersions(ctx, dataSourceID)
	st := &domain.VersionStats{TotalVersions: len(vs)}
	for _, v := range vs {
		st.TotalRecords += v.RecordCount
	}
	if len(vs) > 0 {
		st.LatestVersion = vs[0].Version
		st.OldestVersion = vs[len(vs)-1].Version
		at := vs[0].CreatedAt
		st.LastImportAt = &at
	}
	return st, nil
}

func (s *memStore) GetCursor(ctx context.Context, dataSourceID string) (*domain.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[dataSourceID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memStore) SetCursor(ctx context.Context, c domain.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[c.DataSourceID] = c
	return nil
}

type countingObserver struct {
	mu      sync.Mutex
	created int
	deleted int
	failed  int
}

func (o *countingObserver) VersionCreated(string, int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.created++
}

func (o *countingObserver) VersionDeleted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deleted++
}

func (o *countingObserver) CleanupFailed(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func rows(n int) []domain.Record {
	out := make([]domain.Record, n)
	for i := range out {
		out[i] = domain.Record{"id": int64(i + 1)}
	}
	return out
}

func TestSequentialVersionsAreNumberedInOrder(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		v, err := m.CreateVersion(ctx, "orders", rows(i), SnapshotMeta{})
		if err != nil {
			t.Fatal(err)
		}
		if v.Version != i || v.RecordCount != int64(i) {
			t.Fatalf("version %d: %+v", i, v)
		}
	}
	list, err := m.ListVersions(ctx, "orders")
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range list {
		if v.Version != 4-i {
			t.Fatalf("list not newest first: %+v", list)
		}
	}
}

func TestConcurrentCreatesSerialize(t *testing.T) {
	m := NewManager(newMemStore())
	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.CreateVersion(context.Background(), "orders", rows(1), SnapshotMeta{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	list, _ := m.ListVersions(context.Background(), "orders")
	if len(list) != n {
		t.Fatalf("expected %d versions, got %d", n, len(list))
	}
	seen := map[int]bool{}
	for _, v := range list {
		if seen[v.Version] {
			t.Fatalf("duplicate version number %d", v.Version)
		}
		seen[v.Version] = true
	}
	for i := 1; i <= n; i++ {
		if !seen[i] {
			t.Fatalf("missing version %d", i)
		}
	}
}

func TestCreateVersionEncodesMeta(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	cursor := &domain.Cursor{DataSourceID: "orders", TrackingColumn: "id", LastValue: "3"}
	v, err := m.CreateVersion(context.Background(), "orders", rows(3), SnapshotMeta{
		ExecutionID: "exec-9",
		Columns:     []string{"id"},
		Schema:      []domain.ColumnInfo{{Name: "id", Type: domain.SemanticInteger}},
		Metadata:    map[string]interface{}{"source": "orders.csv"},
		Cursor:      cursor,
	})
	if err != nil {
		t.Fatal(err)
	}
	var md map[string]interface{}
	if err := json.Unmarshal(v.Metadata, &md); err != nil {
		t.Fatal(err)
	}
	if md["source"] != "orders.csv" || md["columns"] == nil {
		t.Fatalf("metadata: %v", md)
	}
	var schema []domain.ColumnInfo
	if err := json.Unmarshal(v.Schema, &schema); err != nil || schema[0].Type != domain.SemanticInteger {
		t.Fatalf("schema: %s %v", v.Schema, err)
	}
	if got, _ := store.GetCursor(context.Background(), "orders"); got == nil || got.LastValue != "3" {
		t.Fatalf("cursor: %+v", got)
	}
	if v.ExecutionID != "exec-9" {
		t.Fatalf("execution id: %s", v.ExecutionID)
	}
}

func TestKeepLastAfterTwoImports(t *testing.T) {
	obs := &countingObserver{}
	m := NewManager(newMemStore(), WithObserver(obs))
	ctx := context.Background()
	if _, err := m.CreateVersion(ctx, "orders", rows(2), SnapshotMeta{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateVersion(ctx, "orders", rows(3), SnapshotMeta{}); err != nil {
		t.Fatal(err)
	}

	report, err := m.ApplyPolicy(ctx, "orders", &domain.RetentionPolicy{Strategy: domain.RetentionKeepLast, Value: 1}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Deleted) != 1 || report.Deleted[0] != 1 {
		t.Fatalf("report: %+v", report)
	}
	list, _ := m.ListVersions(ctx, "orders")
	if len(list) != 1 || list[0].Version != 2 {
		t.Fatalf("remaining: %+v", list)
	}
	if obs.created != 2 || obs.deleted != 1 {
		t.Fatalf("observer: %+v", obs)
	}
}

func TestApplyPolicyIsBestEffort(t *testing.T) {
	store := newMemStore()
	obs := &countingObserver{}
	m := NewManager(store, WithObserver(obs))
	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		v, err := m.CreateVersion(ctx, "orders", rows(1), SnapshotMeta{})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, v.ID)
	}
	store.failOn[ids[1]] = true

	report, err := m.ApplyPolicy(ctx, "orders", &domain.RetentionPolicy{Strategy: domain.RetentionKeepLast, Value: 1}, time.Time{})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(report.Deleted) != 2 || len(report.Failures) != 1 || report.Failures[0].Version != 2 {
		t.Fatalf("report: %+v", report)
	}
	list, _ := m.ListVersions(ctx, "orders")
	if len(list) != 2 {
		t.Fatalf("remaining: %+v", list)
	}
	if obs.failed != 1 {
		t.Fatalf("failures observed: %d", obs.failed)
	}
}

func TestApplyPolicyKeepDaysUsesClock(t *testing.T) {
	store := newMemStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	store.clock = func() time.Time { return current }
	m := NewManager(store, WithClock(func() time.Time { return base.Add(10 * 24 * time.Hour) }))
	ctx := context.Background()

	for _, offset := range []int{0, 5, 9} {
		current = base.Add(time.Duration(offset) * 24 * time.Hour)
		if _, err := m.CreateVersion(ctx, "orders", rows(1), SnapshotMeta{}); err != nil {
			t.Fatal(err)
		}
	}
	report, err := m.ApplyPolicy(ctx, "orders", &domain.RetentionPolicy{Strategy: domain.RetentionKeepDays, Value: 3}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Deleted) != 2 {
		t.Fatalf("report: %+v", report)
	}
}

func TestApplyPolicyRejectsInvalid(t *testing.T) {
	m := NewManager(newMemStore())
	if _, err := m.ApplyPolicy(context.Background(), "orders", &domain.RetentionPolicy{Strategy: "keep-most"}, time.Time{}); err == nil {
		t.Fatal("expected validation error")
	}
	report, err := m.ApplyPolicy(context.Background(), "orders", &domain.RetentionPolicy{Strategy: domain.RetentionKeepAll}, time.Time{})
	if err != nil || len(report.Deleted) != 0 {
		t.Fatalf("keep-all: %+v %v", report, err)
	}
}

func TestCleanupKeepCount(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := m.CreateVersion(ctx, "orders", rows(1), SnapshotMeta{}); err != nil {
			t.Fatal(err)
		}
	}
	report, err := m.Cleanup(ctx, "orders", 2)
	if err != nil {
		t.Fatal(err)
	}
	if report.DeletedCount() != 3 {
		t.Fatalf("deleted %d", report.DeletedCount())
	}
	if _, err := m.Cleanup(ctx, "orders", 0); err == nil {
		t.Fatal("keep count 0 must be rejected")
	}
	stats, _ := m.GetStats(ctx, "orders")
	if stats.TotalVersions != 2 || stats.LatestVersion != 5 || stats.OldestVersion != 4 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestDeleteVersionMissing(t *testing.T) {
	m := NewManager(newMemStore())
	if err := m.DeleteVersion(context.Background(), "nope"); !errors.Is(err, domain.ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}
