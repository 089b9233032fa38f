// Package testutil provides testing utilities and helpers for the ingest job system.
package testutil

import (
	"encoding/json"

	"github.com/ragfactory/ingest/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			SourceID:   "src-test",
			ProjectID:  "proj-test",
			Kind:       model.JobKindFullSync,
			MaxRetries: 3,
		},
	}
}

// WithSourceID sets the source the job ingests from.
func (b *JobRequestBuilder) WithSourceID(sourceID string) *JobRequestBuilder {
	b.req.SourceID = sourceID
	return b
}

// WithProjectID sets the owning project.
func (b *JobRequestBuilder) WithProjectID(projectID string) *JobRequestBuilder {
	b.req.ProjectID = projectID
	return b
}

// WithKind sets the job kind.
func (b *JobRequestBuilder) WithKind(kind model.JobKind) *JobRequestBuilder {
	b.req.Kind = kind
	return b
}

// WithMaxRetries sets the maximum number of retries.
func (b *JobRequestBuilder) WithMaxRetries(maxRetries int) *JobRequestBuilder {
	b.req.MaxRetries = maxRetries
	return b
}

// WithFireKey sets the scheduler dedup key.
func (b *JobRequestBuilder) WithFireKey(fireKey string) *JobRequestBuilder {
	b.req.FireKey = &fireKey
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// SourceRequestBuilder provides a fluent interface for building CreateSourceRequest objects.
type SourceRequestBuilder struct {
	req *model.CreateSourceRequest
}

// NewSourceRequest creates a new SourceRequestBuilder defaulting to an RSS source.
func NewSourceRequest() *SourceRequestBuilder {
	return &SourceRequestBuilder{
		req: &model.CreateSourceRequest{
			ProjectID:  "proj-test",
			Name:       "test source",
			SourceType: "rss",
			Config:     json.RawMessage(`{"feed_urls": ["https://example.com/feed.xml"]}`),
		},
	}
}

// WithProjectID sets the owning project.
func (b *SourceRequestBuilder) WithProjectID(projectID string) *SourceRequestBuilder {
	b.req.ProjectID = projectID
	return b
}

// WithName sets the source name.
func (b *SourceRequestBuilder) WithName(name string) *SourceRequestBuilder {
	b.req.Name = name
	return b
}

// WithSourceType sets the connector type.
func (b *SourceRequestBuilder) WithSourceType(sourceType string) *SourceRequestBuilder {
	b.req.SourceType = sourceType
	return b
}

// WithConfig sets the connector configuration.
func (b *SourceRequestBuilder) WithConfig(config json.RawMessage) *SourceRequestBuilder {
	b.req.Config = config
	return b
}

// WithConfigString sets the connector configuration from a string.
func (b *SourceRequestBuilder) WithConfigString(config string) *SourceRequestBuilder {
	b.req.Config = json.RawMessage(config)
	return b
}

// WithRateLimit sets the rate limit configuration.
func (b *SourceRequestBuilder) WithRateLimit(rateLimit json.RawMessage) *SourceRequestBuilder {
	b.req.RateLimit = rateLimit
	return b
}

// WithEnabled sets the enabled flag.
func (b *SourceRequestBuilder) WithEnabled(enabled bool) *SourceRequestBuilder {
	b.req.Enabled = &enabled
	return b
}

// Build returns the constructed CreateSourceRequest.
func (b *SourceRequestBuilder) Build() *model.CreateSourceRequest {
	return b.req
}

// Common test job request presets

// FullSyncJobRequest creates a full sync job request with default values.
func FullSyncJobRequest(sourceID string) *model.CreateJobRequest {
	return NewJobRequest().
		WithSourceID(sourceID).
		WithKind(model.JobKindFullSync).
		Build()
}

// IncrementalJobRequest creates an incremental job request with default values.
func IncrementalJobRequest(sourceID string) *model.CreateJobRequest {
	return NewJobRequest().
		WithSourceID(sourceID).
		WithKind(model.JobKindIncremental).
		Build()
}

// ScheduledJobRequest creates a scheduler-fired job request with a fire key.
func ScheduledJobRequest(sourceID, fireKey string) *model.CreateJobRequest {
	return NewJobRequest().
		WithSourceID(sourceID).
		WithKind(model.JobKindScheduled).
		WithFireKey(fireKey).
		Build()
}

// RetryableJobRequest creates a job request with custom retry settings.
func RetryableJobRequest(sourceID string, maxRetries int) *model.CreateJobRequest {
	return NewJobRequest().
		WithSourceID(sourceID).
		WithMaxRetries(maxRetries).
		Build()
}
