package metrics

import (
	"time"

	obserrors "github.com/ragfactory/ingest/internal/observability/errors"
	"github.com/ragfactory/ingest/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	Kind       string
	SourceType string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"kind":       in.Kind,
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.SourceType != "" {
		tags["source_type"] = in.SourceType
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitDocument emits per-document pipeline metrics. Outcome is one of
// "completed", "failed", "skipped" or "cached".
func EmitDocument(sink statsd.Sink, sourceType, outcome string, chunks int, dur time.Duration) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"source_type": sourceType,
		"outcome":     outcome,
	}

	sink.Count("ingest.document", 1, tags)
	if chunks > 0 {
		sink.Count("ingest.chunks", int64(chunks), CloneTags(tags))
	}
	if dur > 0 {
		sink.Timing("ingest.document.duration", dur, CloneTags(tags))
	}
}

// EmitCacheLookup emits content cache hit/miss counters.
func EmitCacheLookup(sink statsd.Sink, tier string, hit bool) {
	if sink == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	sink.Count("cache.lookup", 1, map[string]string{
		"tier":   tier,
		"result": result,
	})
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
