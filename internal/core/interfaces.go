// Package core defines the contracts between the service layer and the
// data, connector and vector store layers. Services depend on these
// interfaces, not on concrete implementations.
package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/ragfactory/ingest/internal/domain/model"
)

// JobRepository defines the interface for ingestion job data operations.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	Progress(ctx context.Context, id string) (*model.JobProgress, error)
	List(ctx context.Context, filter model.ListJobsFilter) ([]*model.Job, error)
	Stats(ctx context.Context, projectID string) (*model.JobStats, error)

	ReserveNext(ctx context.Context, leaseSeconds int) (*model.Job, error)
	WaitForNotification(ctx context.Context) error
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, errMsg string) (bool, error)
	RequeueExpired(ctx context.Context) (int64, error)

	RequestCancel(ctx context.Context, id string) (*model.Job, error)
	MarkCancelled(ctx context.Context, id string) (bool, error)
	RequestPause(ctx context.Context, id string) (*model.Job, error)
	MarkPaused(ctx context.Context, id string) (bool, error)
	Resume(ctx context.Context, id string) (*model.Job, error)
	Restart(ctx context.Context, id string) (*model.Job, error)
	ControlFlags(ctx context.Context, id string) (cancel, pause bool, err error)

	SetTotal(ctx context.Context, id string, total int) error
	UpdateProgress(ctx context.Context, id string, processed, succeeded, failed int) error
	AppendError(ctx context.Context, id, msg string) error

	// Delete removes a terminal job.
	Delete(ctx context.Context, id string) error
}

// SourceRepository defines the interface for source data operations.
type SourceRepository interface {
	Create(ctx context.Context, req *model.CreateSourceRequest) (*model.Source, error)
	GetByID(ctx context.Context, id string) (*model.Source, error)
	List(ctx context.Context, projectID string, limit, offset int) ([]*model.Source, error)
	Update(ctx context.Context, id string, params model.UpdateSourceParams) (*model.Source, error)
	Delete(ctx context.Context, id string) error
}

// ScheduleRepository defines the interface for per-source schedule rows.
// FindDueTx and MarkQueuedTx must run inside the same transaction so the
// FOR UPDATE SKIP LOCKED row locks hold across selection and update.
type ScheduleRepository interface {
	Upsert(ctx context.Context, sourceID, rawSpec string) (*model.Schedule, error)
	SetPaused(ctx context.Context, sourceID string, paused bool) (*model.Schedule, error)
	Delete(ctx context.Context, sourceID string) error
	Get(ctx context.Context, sourceID string) (*model.Schedule, error)
	List(ctx context.Context) ([]*model.Schedule, error)

	TryTickLockTx(ctx context.Context, tx *sql.Tx) (bool, error)
	FindDueTx(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]*model.Schedule, error)
	MarkQueuedTx(ctx context.Context, tx *sql.Tx, sourceID string, queuedAt, nextRunAt time.Time) error
}

// TrackingRepository defines the interface for per-document processing state.
type TrackingRepository interface {
	Status(ctx context.Context, projectID, contentHash string) (*model.TrackingRecord, error)
	MarkPending(ctx context.Context, projectID, contentHash, sourceID string) error
	MarkCompleted(ctx context.Context, projectID, contentHash, sourceID string) error
	MarkFailed(ctx context.Context, projectID, contentHash, sourceID, errMsg string) error
	CountByStatus(ctx context.Context, projectID string) (map[model.TrackingStatus]int64, error)
	DeleteBySource(ctx context.Context, projectID, sourceID string) (int64, error)
}

// ContentCacheRepository is the durable content-addressed cache layer.
type ContentCacheRepository interface {
	Get(ctx context.Context, contentHash string) (*model.CacheEntry, error)
	Lookup(ctx context.Context, sourceID, externalID string) (*model.CacheEntry, error)
	Put(ctx context.Context, entry *model.CacheEntry) error
	Touch(ctx context.Context, contentHash string) error
	Stats(ctx context.Context) (entries, totalAccesses int64, err error)
	EvictOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// HotCacheRepository is the optional in-memory layer in front of the
// durable cache. A nil implementation is valid and disables the layer.
type HotCacheRepository interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	Health(ctx context.Context) error
}

// VectorWriter writes embedded chunks to the vector store.
type VectorWriter interface {
	EnsureSchema(ctx context.Context) error
	WriteRecords(ctx context.Context, records []model.VectorRecord) (int, error)
}
