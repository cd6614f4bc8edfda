package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmrzaf/dataforge/internal/connector"
	"github.com/mmrzaf/dataforge/internal/domain"
	"github.com/mmrzaf/dataforge/internal/validation"
)

// ValidateDataSource runs the envelope checks and then the variant's own.
func (s *IngestService) ValidateDataSource(cfg *domain.DataSourceConfig) (domain.ValidationResult, error) {
	vr := domain.NewValidationResult()
	if err := validation.ValidateDataSource(cfg); err != nil {
		vr.AddError("", domain.CodeConfigValidation, err.Error())
		return vr, nil
	}
	c, err := s.registry.Create(*cfg)
	if err != nil {
		return vr, err
	}
	defer c.Dispose()
	return c.ValidateConfig(*cfg), nil
}

// TestDataSource checks connectivity without running an extraction. An
// invalid config is reported in the result, not as an error.
func (s *IngestService) TestDataSource(ctx context.Context, cfg *domain.DataSourceConfig) (domain.TestConnectionResult, error) {
	c, err := s.open(cfg)
	if err != nil {
		return domain.TestConnectionResult{}, err
	}
	defer c.Dispose()

	if vr := c.ValidateConfig(*cfg); !vr.Valid {
		return domain.TestConnectionResult{
			Success: false,
			Message: "configuration is invalid",
			Error:   &domain.ExecutionError{Code: domain.CodeConfigValidation, Message: "configuration is invalid", Details: describe(vr)},
		}, nil
	}
	res := c.TestConnection(ctx)
	s.logger.Infow("source.tested", map[string]any{
		"data_source_id": cfg.ID,
		"success":        res.Success,
		"latency_ms":     res.LatencyMS,
	})
	return res, nil
}

func (s *IngestService) ListTables(ctx context.Context, cfg *domain.DataSourceConfig) ([]domain.TableInfo, error) {
	c, err := s.open(cfg)
	if err != nil {
		return nil, err
	}
	defer c.Dispose()
	lister, ok := c.(connector.TableLister)
	if !ok {
		return nil, fmt.Errorf("%w: %s sources cannot list tables", domain.ErrUnsupported, cfg.Type)
	}
	return lister.ListAvailableTables(ctx)
}

func (s *IngestService) TableSchema(ctx context.Context, cfg *domain.DataSourceConfig, table string) (*domain.TableInfo, error) {
	c, err := s.open(cfg)
	if err != nil {
		return nil, err
	}
	defer c.Dispose()
	si, ok := c.(connector.SchemaIntrospector)
	if !ok {
		return nil, fmt.Errorf("%w: %s sources have no schema introspection", domain.ErrUnsupported, cfg.Type)
	}
	return si.GetTableSchema(ctx, table)
}

func (s *IngestService) Preview(ctx context.Context, cfg *domain.DataSourceConfig, req domain.PreviewRequest) (*domain.PreviewResult, error) {
	c, err := s.open(cfg)
	if err != nil {
		return nil, err
	}
	defer c.Dispose()
	pv, ok := c.(connector.Previewer)
	if !ok {
		return nil, fmt.Errorf("%w: %s sources cannot preview", domain.ErrUnsupported, cfg.Type)
	}
	return pv.PreviewData(ctx, req)
}

// Capabilities reports which optional operations the variant of cfg has.
func (s *IngestService) Capabilities(cfg *domain.DataSourceConfig) (connector.Capabilities, error) {
	c, err := s.registry.Create(*cfg)
	if err != nil {
		return connector.Capabilities{}, err
	}
	defer c.Dispose()
	return connector.CapabilitiesOf(c), nil
}

func (s *IngestService) open(cfg *domain.DataSourceConfig) (connector.Connector, error) {
	if err := validation.ValidateDataSource(cfg); err != nil {
		return nil, domain.NewError(domain.CodeConfigValidation, err.Error(), err)
	}
	return s.registry.Create(*cfg)
}

func describe(vr domain.ValidationResult) string {
	parts := make([]string, 0, len(vr.Errors))
	for _, e := range vr.Errors {
		if e.Field != "" {
			parts = append(parts, fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code))
		} else {
			parts = append(parts, fmt.Sprintf("%s (%s)", e.Message, e.Code))
		}
	}
	return strings.Join(parts, "; ")
}
