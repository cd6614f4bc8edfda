package registry

import (
	"errors"
	"testing"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/logging"
)

func TestDefaultConnectorRegistryHasAllTypes(t *testing.T) {
	r := DefaultConnectorRegistry(logging.Nop())
	want := []domain.SourceType{
		domain.SourceTypeCSV, domain.SourceTypeJSON, domain.SourceTypeYAML, domain.SourceTypeExcel,
		domain.SourceTypeSQLite, domain.SourceTypePostgres, domain.SourceTypeMySQL, domain.SourceTypeODBC,
		domain.SourceTypeScript, domain.SourceTypeSynthetic,
	}
	for _, tag := range want {
		if !r.Has(tag) {
			t.Fatalf("missing %s", tag)
		}
	}
	list := r.List()
	if len(list) != len(want) {
		t.Fatalf("list len = %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1] >= list[i] {
			t.Fatalf("list not sorted: %v", list)
		}
	}
}

func TestCreateUnknownType(t *testing.T) {
	r := DefaultConnectorRegistry(logging.Nop())
	_, err := r.Create(domain.DataSourceConfig{ID: "x", Type: "ftp"})
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.CodeOf(err) != domain.CodeUnknownProviderType {
		t.Fatalf("code = %q", domain.CodeOf(err))
	}
	if !errors.Is(err, domain.ErrUnknownProviderType) {
		t.Fatal("expected ErrUnknownProviderType in chain")
	}
}

func TestCreateReturnsFreshConnectorOfType(t *testing.T) {
	r := DefaultConnectorRegistry(logging.Nop())
	cfg := domain.DataSourceConfig{ID: "s", Name: "s", Type: domain.SourceTypeCSV, Options: map[string]interface{}{"filePath": "x.csv"}}
	a, err := r.Create(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Create(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected distinct instances")
	}
	if a.Type() != domain.SourceTypeCSV {
		t.Fatalf("type = %s", a.Type())
	}
	_ = a.Dispose()
	_ = b.Dispose()
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewConnectorRegistry(nil)
	f := func(cfg domain.DataSourceConfig, _ *logging.Logger) (connector.Connector, error) { return nil, nil }
	if err := r.Register("x", f); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("x", f); !errors.Is(err, domain.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected MustRegister panic")
		}
	}()
	r.MustRegister("x", f)
}

func TestDefaultGeneratorRegistry(t *testing.T) {
	r := DefaultGeneratorRegistry()
	for _, name := range []string{"uuid", "name", "email", "integer", "float", "boolean", "choice", "date", "timeseries", "sequence", "const"} {
		if _, err := r.Get(name); err != nil {
			t.Fatalf("missing generator %s: %v", name, err)
		}
	}
	if _, err := r.Get("nope"); err == nil {
		t.Fatal("expected error for unknown generator")
	}
}
