package datasources

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mmrzaf/dataforge/internal/domain"
)

const ordersYAML = `id: orders
name: Orders
type: csv
connection:
  filePath: ./orders.csv
options:
  hasHeader: true
retention:
  strategy: keep-last
  value: 3
  auto_cleanup: true
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGetLoadsYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.yaml", ordersYAML)
	writeFile(t, dir, "people.json", `{"name":"People","type":"json","connection":{"filePath":"people.json"}}`)
	repo := NewFileRepository(dir)

	cfg, err := repo.Get("orders")
	if err != nil {
		t.Fatalf("get orders: %v", err)
	}
	if cfg.Type != domain.SourceTypeCSV || cfg.Connection["filePath"] != "./orders.csv" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Retention == nil || cfg.Retention.Strategy != domain.RetentionKeepLast || !cfg.Retention.AutoCleanup {
		t.Fatalf("retention not decoded: %+v", cfg.Retention)
	}

	people, err := repo.Get("people")
	if err != nil {
		t.Fatalf("get people: %v", err)
	}
	if people.ID != "people" {
		t.Fatalf("id should default to file name, got %q", people.ID)
	}

	if _, err := repo.Get("missing"); !errors.Is(err, domain.ErrDataSourceNotFound) {
		t.Fatalf("expected ErrDataSourceNotFound, got %v", err)
	}
	if _, err := repo.Get("../orders"); !errors.Is(err, domain.ErrDataSourceNotFound) {
		t.Fatalf("expected traversal id to be rejected, got %v", err)
	}
}

func TestListSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.yaml", ordersYAML)
	writeFile(t, dir, "broken.yaml", "id: [unterminated")
	writeFile(t, dir, "notype.yaml", "id: notype\nname: x\n")
	writeFile(t, dir, "readme.txt", "ignored")
	repo := NewFileRepository(dir)

	list, err := repo.List()
	if len(list) != 1 || list[0].ID != "orders" {
		t.Fatalf("expected only orders, got %+v", list)
	}
	var le *LoadError
	if !errors.As(err, &le) {
		t.Fatalf("expected LoadError for broken files, got %v", err)
	}

	empty, err := NewFileRepository(filepath.Join(dir, "absent")).List()
	if err != nil || len(empty) != 0 {
		t.Fatalf("missing directory should list nothing: %v", err)
	}
}

func TestGetByPathRejectsPathTraversal(t *testing.T) {
	base := t.TempDir()
	repo := NewFileRepository(base)
	writeFile(t, base, "ok.yaml", ordersYAML)

	if _, err := repo.GetByPath("ok.yaml"); err != nil {
		t.Fatalf("expected load inside base dir, got %v", err)
	}
	outside := writeFile(t, t.TempDir(), "outside.yaml", ordersYAML)
	if _, err := repo.GetByPath(outside); err == nil {
		t.Fatal("expected rejection for outside absolute path")
	}
	if _, err := repo.GetByPath("../outside.yaml"); err == nil {
		t.Fatal("expected rejection for relative path escape")
	}
}

func TestSaveAndDelete(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sources")
	repo := NewFileRepository(dir)

	cfg := &domain.DataSourceConfig{
		ID:         "gen",
		Name:       "Generated",
		Type:       domain.SourceTypeSynthetic,
		Options:    map[string]interface{}{"recordCount": 5},
		Retention:  &domain.RetentionPolicy{Strategy: domain.RetentionKeepDays, Value: 7},
		Connection: map[string]interface{}{},
	}
	if err := repo.Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.Get("gen")
	if err != nil {
		t.Fatalf("get after save: %v", err)
	}
	if got.Name != "Generated" || got.Retention.Value != 7 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	bad := &domain.DataSourceConfig{ID: "bad", Name: "Bad", Type: domain.SourceTypeCSV, Retention: &domain.RetentionPolicy{Strategy: "forever"}}
	if err := repo.Save(bad); err == nil {
		t.Fatal("expected invalid retention to be rejected")
	}

	if err := repo.Delete("gen"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := repo.Delete("gen"); !errors.Is(err, domain.ErrDataSourceNotFound) {
		t.Fatalf("expected ErrDataSourceNotFound, got %v", err)
	}
}
