package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ragfactory/ingest/internal/connector"
	"github.com/ragfactory/ingest/internal/core"
	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/ratelimit"
)

// SourceServiceOptions groups dependencies for SourceService.
type SourceServiceOptions struct {
	SourceRepo core.SourceRepository
	Registry   *connector.Registry
	Cache      connector.ContentCache // optional, consulted by connectors before fetching
	Logger     *slog.Logger           // optional
}

// SourceService orchestrates source CRUD and validates connector
// configuration against the registry before anything hits the database.
type SourceService struct {
	src      core.SourceRepository
	registry *connector.Registry
	cache    connector.ContentCache
	logger   *slog.Logger

	// One limiter per source so concurrent jobs share the same budget.
	mu       sync.Mutex
	limiters map[string]*ratelimit.Limiter
}

// NewSourceService constructs a new SourceService.
func NewSourceService(opts SourceServiceOptions) (*SourceService, error) {
	if opts.SourceRepo == nil {
		return nil, errors.New("SourceRepository is required")
	}
	registry := opts.Registry
	if registry == nil {
		registry = connector.DefaultRegistry()
	}
	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "source_service")
	}
	return &SourceService{
		src:      opts.SourceRepo,
		registry: registry,
		cache:    opts.Cache,
		logger:   logger,
		limiters: map[string]*ratelimit.Limiter{},
	}, nil
}

// Create validates the request and connector config, then persists the source.
func (s *SourceService) Create(ctx context.Context, req *model.CreateSourceRequest) (*model.Source, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate source request: %w", err)
	}
	if err := s.validateConnectorConfig(req.SourceType, req.Config); err != nil {
		return nil, err
	}
	if err := validateRateLimit(req.RateLimit); err != nil {
		return nil, err
	}

	source, err := s.src.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "source created",
			"id", source.ID,
			"source_type", source.SourceType,
			"project_id", source.ProjectID,
		)
	}
	return source, nil
}

// GetByID returns a source by its ID.
func (s *SourceService) GetByID(ctx context.Context, id string) (*model.Source, error) {
	source, err := s.src.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get source %s: %w", id, err)
	}
	return source, nil
}

// List returns sources, optionally scoped to a project.
func (s *SourceService) List(ctx context.Context, projectID string, limit, offset int) ([]*model.Source, error) {
	p := normalizePagination(limit, offset)
	sources, err := s.src.List(ctx, projectID, p.Limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return sources, nil
}

// Update applies partial updates, re-validating any new connector config
// against the source's registered type.
func (s *SourceService) Update(ctx context.Context, id string, params model.UpdateSourceParams) (*model.Source, error) {
	if len(params.Config) > 0 {
		current, err := s.src.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get source %s: %w", id, err)
		}
		if err := s.validateConnectorConfig(current.SourceType, params.Config); err != nil {
			return nil, err
		}
	}
	if err := validateRateLimit(params.RateLimit); err != nil {
		return nil, err
	}

	source, err := s.src.Update(ctx, id, params)
	if err != nil {
		return nil, fmt.Errorf("update source %s: %w", id, err)
	}
	s.evictLimiter(id)

	if s.logger != nil {
		s.logger.DebugContext(ctx, "source updated", "id", id)
	}
	return source, nil
}

// Delete removes a source and its dependent schedules and jobs.
func (s *SourceService) Delete(ctx context.Context, id string) error {
	if err := s.src.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete source %s: %w", id, err)
	}
	s.evictLimiter(id)
	if s.logger != nil {
		s.logger.InfoContext(ctx, "source deleted", "id", id)
	}
	return nil
}

// Connectors lists metadata for all registered connector types.
func (s *SourceService) Connectors() []connector.Metadata {
	return s.registry.List()
}

// TestConnection builds the source's connector and fetches a single
// document to prove the source is reachable.
func (s *SourceService) TestConnection(ctx context.Context, id string) (connector.TestResult, error) {
	source, err := s.src.GetByID(ctx, id)
	if err != nil {
		return connector.TestResult{}, fmt.Errorf("get source %s: %w", id, err)
	}

	c, err := s.BuildConnector(source)
	if err != nil {
		return connector.TestResult{Success: false, Message: err.Error()}, nil
	}
	return connector.TestConnection(ctx, c), nil
}

// BuildConnector constructs the connector and rate limiter for a source.
func (s *SourceService) BuildConnector(source *model.Source) (connector.Connector, error) {
	cfg, err := source.ConfigMap()
	if err != nil {
		return nil, fmt.Errorf("source %s config: %w", source.ID, err)
	}

	limiter, err := s.limiterFor(source)
	if err != nil {
		return nil, err
	}

	c, err := s.registry.New(source.SourceType, cfg, connector.Deps{
		Limiter:  limiter,
		Cache:    s.cache,
		SourceID: source.ID,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build connector for source %s: %w", source.ID, err)
	}
	return c, nil
}

// limiterFor returns the source's limiter, building it on first use. The
// limiter is shared across all connectors for the source so its budget is
// a hard ceiling even when jobs run concurrently.
func (s *SourceService) limiterFor(source *model.Source) (*ratelimit.Limiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limiter, ok := s.limiters[source.ID]; ok {
		return limiter, nil
	}
	limiter, err := s.buildLimiter(source)
	if err != nil {
		return nil, err
	}
	if limiter != nil {
		s.limiters[source.ID] = limiter
	}
	return limiter, nil
}

// evictLimiter drops a cached limiter so the next build picks up changed
// rate-limit config.
func (s *SourceService) evictLimiter(sourceID string) {
	s.mu.Lock()
	delete(s.limiters, sourceID)
	s.mu.Unlock()
}

func (s *SourceService) buildLimiter(source *model.Source) (*ratelimit.Limiter, error) {
	raw := source.RateLimit
	if emptyJSON(raw) {
		meta, err := s.registry.Metadata(source.SourceType)
		if err != nil || meta.DefaultRateLimitPreset == "" {
			return nil, nil
		}
		cfg, err := ratelimit.Preset(meta.DefaultRateLimitPreset)
		if err != nil {
			return nil, fmt.Errorf("rate limit preset for %s: %w", source.SourceType, err)
		}
		return ratelimit.New(cfg, source.Name, s.logger), nil
	}

	cfg, err := ratelimit.ParseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("source %s rate limit: %w", source.ID, err)
	}
	return ratelimit.New(cfg, source.Name, s.logger), nil
}

// validateConnectorConfig checks the type is registered and all required
// config fields are present and non-empty.
func (s *SourceService) validateConnectorConfig(sourceType string, raw json.RawMessage) error {
	meta, err := s.registry.Metadata(sourceType)
	if err != nil {
		return err
	}

	cfg := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return errors.New("source config is not a JSON object")
		}
	}

	for _, field := range meta.RequiredConfigFields {
		v, ok := cfg[field]
		if !ok {
			return fmt.Errorf("source config missing required field %q", field)
		}
		if str, isStr := v.(string); isStr && str == "" {
			return fmt.Errorf("source config field %q is empty", field)
		}
	}
	return nil
}

func validateRateLimit(raw json.RawMessage) error {
	if emptyJSON(raw) {
		return nil
	}
	if _, err := ratelimit.ParseConfig(raw); err != nil {
		return err
	}
	return nil
}

func emptyJSON(raw json.RawMessage) bool {
	switch string(raw) {
	case "", "{}", "null":
		return true
	}
	return false
}
