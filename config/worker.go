package config

import "time"

// WorkerConfig contains ingest worker configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines pulling jobs.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"2"`

	// JobLease is the duration a worker holds a job before it must
	// heartbeat or lose the claim.
	JobLease time.Duration `env:"WORKER_JOB_LEASE" envDefault:"30s"`

	// EmbedConcurrency bounds the embedding fan-out within one document.
	EmbedConcurrency int `env:"WORKER_EMBED_CONCURRENCY" envDefault:"4"`

	// FetchPageSize is the connector page size used while listing source
	// documents.
	FetchPageSize int `env:"WORKER_FETCH_PAGE_SIZE" envDefault:"100"`

	// PausePoll is how often a paused job re-checks its control flags.
	PausePoll time.Duration `env:"WORKER_PAUSE_POLL" envDefault:"2s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobLease < 5*time.Second {
		w.JobLease = 5 * time.Second
	}
	if w.EmbedConcurrency < 1 {
		w.EmbedConcurrency = 1
	}
	if w.FetchPageSize < 1 {
		w.FetchPageSize = 1
	}
	if w.PausePoll < 100*time.Millisecond {
		w.PausePoll = 100 * time.Millisecond
	}
}

// ReaperConfig contains maintenance loop configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// CacheMaxAge is the maximum age since last access for content cache
	// entries before eviction. Zero disables cache eviction.
	CacheMaxAge time.Duration `env:"REAPER_CACHE_MAX_AGE" envDefault:"720h"` // 30 days
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce a minimum interval to prevent excessive database load.
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.CacheMaxAge < 0 {
		r.CacheMaxAge = 0
	}
}
