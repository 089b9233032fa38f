package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RawDocument is one document as returned by a connector, before any processing.
type RawDocument struct {
	ExternalID  string         `json:"external_id"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	FetchedFrom string         `json:"fetched_from"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Hash returns the SHA-256 hex digest of the document content.
// It is the content-addressed key for the cache and the tracking store.
func (d *RawDocument) Hash() string {
	sum := sha256.Sum256([]byte(d.Content))
	return hex.EncodeToString(sum[:])
}

// Chunk is a bounded, overlapping text segment of one document,
// sized for a single embedding call. Ephemeral: created and consumed
// within one document's processing step.
type Chunk struct {
	DocumentHash string `json:"document_hash"`
	Index        int    `json:"index"`
	Text         string `json:"text"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
}

// TrackingStatus is the processing state of one (project, document hash) pair.
type TrackingStatus string

const (
	// TrackingStatusPending marks a document whose pipeline is in flight.
	TrackingStatusPending TrackingStatus = "pending"
	// TrackingStatusCompleted marks a document fully written to the vector store.
	TrackingStatusCompleted TrackingStatus = "completed"
	// TrackingStatusFailed marks a document whose pipeline failed; it is retried on the next run.
	TrackingStatusFailed TrackingStatus = "failed"
)

// TrackingRecord records the processing status of one document hash within a project.
type TrackingRecord struct {
	ProjectID   string         `json:"project_id"            db:"project_id"`
	ContentHash string         `json:"content_hash"          db:"content_hash"`
	SourceID    string         `json:"source_id"             db:"source_id"`
	Status      TrackingStatus `json:"status"                db:"status"`
	LastError   *string        `json:"last_error,omitempty"  db:"last_error"`
	UpdatedAt   time.Time      `json:"updated_at"            db:"updated_at"`
}

// CacheEntry is one content-addressed raw payload in the content cache.
// Immutable once written: a new hash is a new entry, an existing hash
// only updates access stats.
type CacheEntry struct {
	ContentHash    string    `json:"content_hash"     db:"content_hash"`
	Content        string    `json:"content"          db:"content"`
	SourceID       string    `json:"source_id"        db:"source_id"`
	ExternalID     string    `json:"external_id"      db:"external_id"`
	SourceURL      string    `json:"source_url"       db:"source_url"`
	FirstSeenAt    time.Time `json:"first_seen_at"    db:"first_seen_at"`
	LastAccessedAt time.Time `json:"last_accessed_at" db:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"     db:"access_count"`
}

// CacheStats is the operational view of the content cache.
type CacheStats struct {
	Entries int64   `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// VectorRecord is one (chunk, embedding, metadata) row destined for the vector store.
type VectorRecord struct {
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	DocumentType string         `json:"document_type"`
	Source       string         `json:"source"`
	Specialty    string         `json:"specialty"`
	Embedding    []float32      `json:"embedding"`
	Metadata     map[string]any `json:"metadata"`
	NaturalKey   string         `json:"natural_key"`
}
