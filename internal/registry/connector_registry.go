package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/connectors/database"
	"github.com/mmrzaf/dataforge/internal/connectors/file"
	"github.com/mmrzaf/dataforge/internal/connectors/script"
	"github.com/mmrzaf/dataforge/internal/connectors/synthetic"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/logging"
)

// ConnectorRegistry resolves a source type tag to the factory of its
// connector variant.
type ConnectorRegistry struct {
	mu        sync.RWMutex
	factories map[domain.SourceType]connector.Factory
	logger    *logging.Logger
}

func NewConnectorRegistry(logger *logging.Logger) *ConnectorRegistry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ConnectorRegistry{
		factories: make(map[domain.SourceType]connector.Factory),
		logger:    logger,
	}
}

// Register binds tag to factory. A tag can be bound once.
func (r *ConnectorRegistry) Register(tag domain.SourceType, factory connector.Factory) error {
	if tag == "" || factory == nil {
		return fmt.Errorf("register connector: tag and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[tag]; ok {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyRegistered, tag)
	}
	r.factories[tag] = factory
	return nil
}

func (r *ConnectorRegistry) MustRegister(tag domain.SourceType, factory connector.Factory) {
	if err := r.Register(tag, factory); err != nil {
		panic(err)
	}
}

func (r *ConnectorRegistry) Has(tag domain.SourceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[tag]
	return ok
}

func (r *ConnectorRegistry) List() []domain.SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]domain.SourceType, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Create builds a fresh connector for cfg. Unknown types fail with
// UNKNOWN_PROVIDER_TYPE.
func (r *ConnectorRegistry) Create(cfg domain.DataSourceConfig) (connector.Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		e := domain.NewError(domain.CodeUnknownProviderType, fmt.Sprintf("unknown data source type %q", cfg.Type), domain.ErrUnknownProviderType)
		return nil, e
	}
	c, err := factory(cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create %s connector: %w", cfg.Type, err)
	}
	return c, nil
}

type defaults struct {
	scriptTimeout time.Duration
}

// Option adjusts the defaults of the built-in variants.
type Option func(*defaults)

// WithScriptTimeout sets the timeout script sources use when they do not
// declare one.
func WithScriptTimeout(d time.Duration) Option {
	return func(o *defaults) { o.scriptTimeout = d }
}

// DefaultConnectorRegistry registers every built-in variant.
func DefaultConnectorRegistry(logger *logging.Logger, opts ...Option) *ConnectorRegistry {
	o := defaults{scriptTimeout: script.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	r := NewConnectorRegistry(logger)
	r.MustRegister(domain.SourceTypeCSV, file.NewCSV)
	r.MustRegister(domain.SourceTypeJSON, file.NewJSON)
	r.MustRegister(domain.SourceTypeYAML, file.NewYAML)
	r.MustRegister(domain.SourceTypeExcel, file.NewExcel)
	r.MustRegister(domain.SourceTypeSQLite, database.NewSQLite)
	r.MustRegister(domain.SourceTypePostgres, database.NewPostgres)
	r.MustRegister(domain.SourceTypeMySQL, database.NewMySQL)
	r.MustRegister(domain.SourceTypeODBC, database.NewGeneric)
	r.MustRegister(domain.SourceTypeScript, script.NewFactory(o.scriptTimeout))
	r.MustRegister(domain.SourceTypeSynthetic, synthetic.NewFactory(DefaultGeneratorRegistry()))
	return r
}
