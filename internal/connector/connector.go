// Package connector defines the pluggable fetcher contract for external data
// sources and the explicit registry that maps source-type strings to
// connector constructors.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/ratelimit"
)

// Category groups connectors for listing purposes.
type Category string

const (
	// CategoryPublic connectors target publicly reachable sources.
	CategoryPublic Category = "public"
	// CategoryExample connectors exist to demonstrate the contract.
	CategoryExample Category = "example"
)

// Metadata describes one connector type.
type Metadata struct {
	Name                   string   `json:"name"`
	SourceType             string   `json:"source_type"`
	Description            string   `json:"description"`
	Category               Category `json:"category"`
	SupportsIncremental    bool     `json:"supports_incremental_sync"`
	RequiredConfigFields   []string `json:"required_config_fields"`
	OptionalConfigFields   []string `json:"optional_config_fields"`
	DefaultRateLimitPreset string   `json:"default_rate_limit_preset,omitempty"`
}

// FetchOptions parameterizes one fetch page.
type FetchOptions struct {
	Limit  int
	Offset int
	// Since enables incremental sync; zero means full fetch.
	Since time.Time
}

// ContentCache is the slice of the content cache connectors consult.
// A previously seen identifier is served from the cache instead of the
// network; successful fetches populate it. Entries age out via the
// cache's eviction policy, which bounds staleness.
type ContentCache interface {
	Lookup(ctx context.Context, sourceID, externalID string) (*model.CacheEntry, error)
	Put(ctx context.Context, entry *model.CacheEntry) error
}

// Deps carries the shared collaborators a connector may use. Every field
// is optional: a nil Limiter means unthrottled and a nil Cache means every
// fetch goes to the network.
type Deps struct {
	Limiter  *ratelimit.Limiter
	Cache    ContentCache
	SourceID string
	Logger   *slog.Logger
}

// Connector is a pluggable fetcher for one external source type.
// Fetch is restartable via Offset/Since; a single call returns one
// bounded page of documents.
type Connector interface {
	Fetch(ctx context.Context, opts FetchOptions) ([]model.RawDocument, error)
	ValidateConfig() error
	Metadata() Metadata
}

// Factory constructs a connector from source configuration.
type Factory func(cfg map[string]any, deps Deps) (Connector, error)

// ErrUnknownSourceType is returned when no connector is registered for a type.
var ErrUnknownSourceType = errors.New("unknown source type")

type registration struct {
	meta    Metadata
	factory Factory
}

// Registry maps source-type strings to connector factories.
// Registration is explicit; there is no discovery.
type Registry struct {
	entries map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]registration{}}
}

// DefaultRegistry returns a registry with the reference connectors installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(restMetadata(), NewREST)
	r.Register(sparqlMetadata(), NewSPARQL)
	r.Register(rssMetadata(), NewRSS)
	return r
}

// Register installs a connector factory. A duplicate source type is a
// programmer error and panics.
func (r *Registry) Register(meta Metadata, factory Factory) {
	if meta.SourceType == "" {
		panic("connector: registration without source type")
	}
	if _, exists := r.entries[meta.SourceType]; exists {
		panic(fmt.Sprintf("connector: duplicate registration for %q", meta.SourceType))
	}
	r.entries[meta.SourceType] = registration{meta: meta, factory: factory}
}

// New constructs a connector for the given source type.
func (r *Registry) New(sourceType string, cfg map[string]any, deps Deps) (Connector, error) {
	reg, ok := r.entries[sourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSourceType, sourceType)
	}
	return reg.factory(cfg, deps)
}

// Metadata returns the metadata registered for a source type.
func (r *Registry) Metadata(sourceType string) (Metadata, error) {
	reg, ok := r.entries[sourceType]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %q", ErrUnknownSourceType, sourceType)
	}
	return reg.meta, nil
}

// List returns metadata for all registered connectors, sorted by source type.
func (r *Registry) List() []Metadata {
	metas := make([]Metadata, 0, len(r.entries))
	for _, reg := range r.entries {
		metas = append(metas, reg.meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].SourceType < metas[j].SourceType })
	return metas
}

// TestResult reports the outcome of a connection test.
type TestResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Documents int    `json:"documents"`
}

// TestConnection validates a connector's config and fetches a single
// document to prove the source is reachable.
func TestConnection(ctx context.Context, c Connector) TestResult {
	if err := c.ValidateConfig(); err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("invalid config: %v", err)}
	}
	docs, err := c.Fetch(ctx, FetchOptions{Limit: 1})
	if err != nil {
		return TestResult{Success: false, Message: fmt.Sprintf("fetch failed: %v", err)}
	}
	return TestResult{
		Success:   true,
		Message:   fmt.Sprintf("fetched %d document(s)", len(docs)),
		Documents: len(docs),
	}
}
