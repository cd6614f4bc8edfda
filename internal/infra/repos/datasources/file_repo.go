// Package datasources loads and stores data-source configs as YAML or JSON
// files under a single directory.
package datasources

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/validation"
	"gopkg.in/yaml.v3"
)

type Repository interface {
	List() ([]*domain.DataSourceConfig, error)
	Get(id string) (*domain.DataSourceConfig, error)
	GetByPath(path string) (*domain.DataSourceConfig, error)
	Save(cfg *domain.DataSourceConfig) error
	Delete(id string) error
}

type FileRepository struct {
	baseDir string
}

func NewFileRepository(baseDir string) *FileRepository {
	return &FileRepository{baseDir: baseDir}
}

// LoadError names a file that could not be parsed during List.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// List returns every valid config sorted by id. Files that fail to parse or
// validate are skipped and reported together in the returned error.
func (r *FileRepository) List() ([]*domain.DataSourceConfig, error) {
	entries, err := os.ReadDir(r.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return []*domain.DataSourceConfig{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]*domain.DataSourceConfig, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !isConfigFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.baseDir, entry.Name())
		cfg, err := r.load(path)
		if err != nil {
			errs = append(errs, &LoadError{Path: path, Err: err})
			continue
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, errors.Join(errs...)
}

func (r *FileRepository) Get(id string) (*domain.DataSourceConfig, error) {
	if !validation.IsValidSourceID(id) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDataSourceNotFound, id)
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(r.baseDir, id+ext)
		if _, err := os.Stat(path); err == nil {
			return r.load(path)
		}
	}

	// ids may differ from file names
	list, _ := r.List()
	for _, cfg := range list {
		if cfg.ID == id {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrDataSourceNotFound, id)
}

// GetByPath loads one file. Relative paths resolve against the base
// directory and the result must stay inside it.
func (r *FileRepository) GetByPath(path string) (*domain.DataSourceConfig, error) {
	resolved, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return r.load(resolved)
}

// Save validates cfg and writes it as <id>.yaml, replacing any earlier file
// for the same id.
func (r *FileRepository) Save(cfg *domain.DataSourceConfig) error {
	if err := validation.ValidateDataSource(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(r.baseDir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	target := filepath.Join(r.baseDir, cfg.ID+".yaml")
	tmp, err := os.CreateTemp(r.baseDir, "."+cfg.ID+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	for _, ext := range []string{".yml", ".json"} {
		_ = os.Remove(filepath.Join(r.baseDir, cfg.ID+ext))
	}
	return nil
}

func (r *FileRepository) Delete(id string) error {
	if !validation.IsValidSourceID(id) {
		return fmt.Errorf("%w: %s", domain.ErrDataSourceNotFound, id)
	}
	removed := false
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		err := os.Remove(filepath.Join(r.baseDir, id+ext))
		if err == nil {
			removed = true
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if !removed {
		return fmt.Errorf("%w: %s", domain.ErrDataSourceNotFound, id)
	}
	return nil
}

func (r *FileRepository) resolve(path string) (string, error) {
	base, err := filepath.Abs(r.baseDir)
	if err != nil {
		return "", err
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes sources directory", path)
	}
	return p, nil
}

func (r *FileRepository) load(path string) (*domain.DataSourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg domain.DataSourceConfig
	if filepath.Ext(path) == ".json" {
		err = json.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	if cfg.ID == "" {
		cfg.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if err := validation.ValidateDataSource(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isConfigFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return !strings.HasPrefix(name, ".")
	}
	return false
}
