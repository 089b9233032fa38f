// Package model defines the core data types and structures used throughout the ingestion engine.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobKind represents the kind of ingestion run a job performs.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobKind string

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobKindFullSync re-ingests the entire source from the beginning.
	JobKindFullSync JobKind = "full_sync"
	// JobKindIncremental ingests only documents published since the last run.
	JobKindIncremental JobKind = "incremental"
	// JobKindScheduled is a run created by the scheduler rather than an operator.
	JobKindScheduled JobKind = "scheduled"

	// JobStatusQueued indicates a job is waiting for a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates a worker holds the job lease.
	JobStatusRunning JobStatus = "running"
	// JobStatusPaused indicates the worker is holding between documents until resumed.
	JobStatusPaused JobStatus = "paused"
	// JobStatusCompleted indicates the job finished, possibly with some failed documents.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a fatal error aborted the job.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled between documents.
	JobStatusCancelled JobStatus = "cancelled"
)

// UnmarshalText implements encoding.TextUnmarshaler for JobKind to allow env parsing.
func (k *JobKind) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jk := JobKind(v)
	if jk.Valid() {
		*k = jk
		return nil
	}
	return fmt.Errorf("invalid JobKind: %q", v)
}

// ErrNoJobsAvailable is returned when no jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Valid returns true if the JobKind is valid.
func (k JobKind) Valid() bool {
	return k == JobKindFullSync || k == JobKindIncremental || k == JobKindScheduled
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal returns true if the status admits no further processing without a restart.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job represents one ingestion run over a data source, tracked through the status state machine.
type Job struct {
	ID                 string     `json:"id"                         db:"id"`
	SourceID           string     `json:"source_id"                  db:"source_id"`
	ProjectID          string     `json:"project_id"                 db:"project_id"`
	Kind               JobKind    `json:"kind"                       db:"kind"`
	Status             JobStatus  `json:"status"                     db:"status"`
	TotalDocuments     int        `json:"total_documents"            db:"total_documents"`
	ProcessedDocuments int        `json:"processed_documents"        db:"processed_documents"`
	SucceededDocuments int        `json:"succeeded_documents"        db:"succeeded_documents"`
	FailedDocuments    int        `json:"failed_documents"           db:"failed_documents"`
	CancelRequested    bool       `json:"cancel_requested"           db:"cancel_requested"`
	PauseRequested     bool       `json:"pause_requested"            db:"pause_requested"`
	ErrorLog           string     `json:"error_log,omitempty"        db:"error_log"`
	RetryCount         int        `json:"retry_count"                db:"retry_count"`
	MaxRetries         int        `json:"max_retries"                db:"max_retries"`
	FireKey            *string    `json:"fire_key,omitempty"         db:"fire_key"`
	LeaseExpiresAt     *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt          time.Time  `json:"created_at"                 db:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"     db:"completed_at"`
	UpdatedAt          time.Time  `json:"updated_at"                 db:"updated_at"`
}

// CreateJobRequest represents a request to create a new ingestion job.
type CreateJobRequest struct {
	SourceID   string  `json:"source_id"`
	ProjectID  string  `json:"project_id"`
	Kind       JobKind `json:"kind"`
	MaxRetries int     `json:"max_retries,omitempty"`
	FireKey    *string `json:"fire_key,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if r.SourceID == "" {
		return errors.New("source id is required")
	}
	if r.ProjectID == "" {
		return errors.New("project id is required")
	}
	if !r.Kind.Valid() {
		return errors.New("invalid job kind")
	}
	if r.MaxRetries < 0 {
		return errors.New("max retries must be >= 0")
	}
	return nil
}

// JobStats represents counts of jobs per state.
type JobStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// JobProgress is the poller-facing progress view of a running job.
type JobProgress struct {
	Status             JobStatus  `json:"status"`
	TotalDocuments     int        `json:"total_documents"`
	ProcessedDocuments int        `json:"processed_documents"`
	SucceededDocuments int        `json:"succeeded_documents"`
	FailedDocuments    int        `json:"failed_documents"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// ListJobsFilter narrows List results; zero values mean "no filter".
type ListJobsFilter struct {
	ProjectID string
	SourceID  string
	Status    JobStatus
	Limit     int
	Offset    int
}
