package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ragfactory/ingest/internal/chunker"
	"github.com/ragfactory/ingest/internal/connector"
	"github.com/ragfactory/ingest/internal/core"
	"github.com/ragfactory/ingest/internal/domain/model"
	"github.com/ragfactory/ingest/internal/embedding"
	"github.com/ragfactory/ingest/internal/observability/metrics"
	"github.com/ragfactory/ingest/internal/observability/statsd"
)

const (
	defaultEmbedConcurrency = 4
	defaultFetchPageSize    = 100
	defaultPausePoll        = 2 * time.Second
)

// ErrJobCancelled signals a run that stopped because its cancel flag was set.
// The runner treats it as a clean stop, not a failure.
var ErrJobCancelled = errors.New("job cancelled")

// IngestServiceOptions groups dependencies for IngestService.
type IngestServiceOptions struct {
	Jobs     *JobService
	Sources  *SourceService
	Tracking core.TrackingRepository
	Cache    *ContentCacheService
	Chunker  *chunker.Chunker
	Embedder embedding.Embedder
	Writer   core.VectorWriter
	Sink     statsd.Sink  // optional
	Logger   *slog.Logger // optional

	EmbedConcurrency int           // parallel embedding calls per document, default 4
	FetchPageSize    int           // connector page size, default 100
	PausePoll        time.Duration // flag poll cadence while paused, default 2s
}

// IngestService runs the per-document pipeline for one reserved job:
// fetch, dedup, cache, chunk, embed, write, track.
type IngestService struct {
	jobs     *JobService
	sources  *SourceService
	tracking core.TrackingRepository
	cache    *ContentCacheService
	chunker  *chunker.Chunker
	embedder embedding.Embedder
	writer   core.VectorWriter
	sink     statsd.Sink
	logger   *slog.Logger

	embedConcurrency int
	fetchPageSize    int
	pausePoll        time.Duration
}

// NewIngestService constructs an IngestService.
func NewIngestService(opts IngestServiceOptions) (*IngestService, error) {
	switch {
	case opts.Jobs == nil:
		return nil, errors.New("JobService is required")
	case opts.Sources == nil:
		return nil, errors.New("SourceService is required")
	case opts.Tracking == nil:
		return nil, errors.New("TrackingRepository is required")
	case opts.Chunker == nil:
		return nil, errors.New("Chunker is required")
	case opts.Embedder == nil:
		return nil, errors.New("Embedder is required")
	case opts.Writer == nil:
		return nil, errors.New("VectorWriter is required")
	}

	concurrency := opts.EmbedConcurrency
	if concurrency <= 0 {
		concurrency = defaultEmbedConcurrency
	}
	pageSize := opts.FetchPageSize
	if pageSize <= 0 {
		pageSize = defaultFetchPageSize
	}
	poll := opts.PausePoll
	if poll <= 0 {
		poll = defaultPausePoll
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "ingest_service")
	}

	return &IngestService{
		jobs:             opts.Jobs,
		sources:          opts.Sources,
		tracking:         opts.Tracking,
		cache:            opts.Cache,
		chunker:          opts.Chunker,
		embedder:         opts.Embedder,
		writer:           opts.Writer,
		sink:             opts.Sink,
		logger:           logger,
		embedConcurrency: concurrency,
		fetchPageSize:    pageSize,
		pausePoll:        poll,
	}, nil
}

// Run executes the full pipeline for one reserved job. A nil error means
// the run finished (possibly with per-document failures recorded on the
// job); ErrJobCancelled means the run stopped on a cancel request. Any
// other error is fatal and the caller should fail the job.
func (s *IngestService) Run(ctx context.Context, job *model.Job) error {
	source, err := s.sources.GetByID(ctx, job.SourceID)
	if err != nil {
		return fmt.Errorf("load source for job %s: %w", job.ID, err)
	}

	conn, err := s.sources.BuildConnector(source)
	if err != nil {
		return err
	}
	if err := conn.ValidateConfig(); err != nil {
		return fmt.Errorf("source %s config invalid: %w", source.ID, err)
	}

	since, err := s.incrementalSince(ctx, job)
	if err != nil {
		return err
	}

	docs, fetchErr := s.fetchAll(ctx, conn, since)
	if fetchErr != nil {
		if len(docs) == 0 {
			return fmt.Errorf("fetch source %s: %w", source.ID, fetchErr)
		}
		// A later page failed after bounded retries. Only that page is
		// lost; the documents already fetched still get processed.
		msg := fmt.Sprintf("fetch page at offset %d: %v", len(docs), fetchErr)
		if err := s.jobs.AppendError(ctx, job.ID, msg); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "append job error failed", "job_id", job.ID, "error", err)
		}
		if s.logger != nil {
			s.logger.WarnContext(ctx, "page fetch failed, continuing with fetched documents",
				"job_id", job.ID,
				"source_id", source.ID,
				"documents", len(docs),
				"error", fetchErr,
			)
		}
	}

	if err := s.jobs.SetTotal(ctx, job.ID, len(docs)); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting ingestion run",
			"job_id", job.ID,
			"source_id", source.ID,
			"documents", len(docs),
			"incremental", !since.IsZero(),
		)
	}

	var processed, succeeded, failed int
	for i := range docs {
		stop, err := s.checkControls(ctx, job.ID)
		if err != nil {
			return err
		}
		if stop {
			return ErrJobCancelled
		}

		doc := &docs[i]
		start := time.Now()
		outcome, chunks := s.processDocument(ctx, job, source, doc)
		processed++
		switch outcome {
		case "failed":
			failed++
		default:
			succeeded++
		}
		metrics.EmitDocument(s.sink, source.SourceType, outcome, chunks, time.Since(start))

		if err := s.jobs.UpdateProgress(ctx, job.ID, processed, succeeded, failed); err != nil {
			return err
		}
	}

	return nil
}

// incrementalSince resolves the fetch cutoff for incremental runs: the
// start time of the source's most recent completed job. Full syncs and
// sources with no history fetch everything.
func (s *IngestService) incrementalSince(ctx context.Context, job *model.Job) (time.Time, error) {
	if job.Kind == model.JobKindFullSync {
		return time.Time{}, nil
	}

	prior, err := s.jobs.List(ctx, model.ListJobsFilter{
		SourceID: job.SourceID,
		Status:   model.JobStatusCompleted,
		Limit:    1,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("find prior run for job %s: %w", job.ID, err)
	}
	if len(prior) == 0 || prior[0].StartedAt == nil {
		return time.Time{}, nil
	}
	return *prior[0].StartedAt, nil
}

// fetchAll pages through the connector until a short page. A page error
// stops paging and is returned together with the documents fetched so
// far, so the caller can process the surviving pages.
func (s *IngestService) fetchAll(ctx context.Context, conn connector.Connector, since time.Time) ([]model.RawDocument, error) {
	var docs []model.RawDocument
	for {
		page, err := conn.Fetch(ctx, connector.FetchOptions{
			Limit:  s.fetchPageSize,
			Offset: len(docs),
			Since:  since,
		})
		if err != nil {
			return docs, err
		}
		docs = append(docs, page...)
		if len(page) < s.fetchPageSize {
			return docs, nil
		}
	}
}

// checkControls handles cancel and pause flags at a document boundary.
// It blocks while paused, polling the flags, and reports stop=true when
// the job should cease processing.
func (s *IngestService) checkControls(ctx context.Context, jobID string) (stop bool, err error) {
	cancel, pause, err := s.jobs.ControlFlags(ctx, jobID)
	if err != nil {
		return false, err
	}
	if cancel {
		if _, err := s.jobs.MarkCancelled(ctx, jobID); err != nil {
			return false, err
		}
		return true, nil
	}
	if !pause {
		return false, nil
	}

	if _, err := s.jobs.MarkPaused(ctx, jobID); err != nil {
		return false, err
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job paused", "job_id", jobID)
	}

	ticker := time.NewTicker(s.pausePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}

		cancel, pause, err = s.jobs.ControlFlags(ctx, jobID)
		if err != nil {
			return false, err
		}
		if cancel {
			if _, err := s.jobs.MarkCancelled(ctx, jobID); err != nil {
				return false, err
			}
			return true, nil
		}
		if !pause {
			if s.logger != nil {
				s.logger.InfoContext(ctx, "job resumed", "job_id", jobID)
			}
			return false, nil
		}
	}
}

// processDocument runs one document through dedup, cache, chunk, embed
// and write. Failures are isolated: the document is marked failed and the
// run continues. Returns the outcome tag (completed, skipped or failed)
// and the number of chunks written.
func (s *IngestService) processDocument(
	ctx context.Context,
	job *model.Job,
	source *model.Source,
	doc *model.RawDocument,
) (string, int) {
	hash := doc.Hash()

	record, err := s.tracking.Status(ctx, job.ProjectID, hash)
	if err == nil && record != nil && record.Status == model.TrackingStatusCompleted {
		return "skipped", 0
	}

	chunks, err := s.ingestOne(ctx, job, source, doc, hash)
	if err != nil {
		s.recordDocumentFailure(ctx, job, doc, hash, err)
		return "failed", 0
	}

	if err := s.tracking.MarkCompleted(ctx, job.ProjectID, hash, source.ID); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "mark document completed failed",
				"job_id", job.ID, "hash", hash, "error", err)
		}
	}
	return "completed", chunks
}

func (s *IngestService) ingestOne(
	ctx context.Context,
	job *model.Job,
	source *model.Source,
	doc *model.RawDocument,
	hash string,
) (int, error) {
	if err := s.tracking.MarkPending(ctx, job.ProjectID, hash, source.ID); err != nil {
		return 0, fmt.Errorf("mark pending: %w", err)
	}

	if s.cache != nil {
		now := time.Now().UTC()
		entry := &model.CacheEntry{
			ContentHash:    hash,
			Content:        doc.Content,
			SourceID:       source.ID,
			ExternalID:     doc.ExternalID,
			SourceURL:      doc.FetchedFrom,
			FirstSeenAt:    now,
			LastAccessedAt: now,
		}
		if err := s.cache.Put(ctx, entry); err != nil {
			// Cache writes are best effort; the pipeline continues.
			if s.logger != nil {
				s.logger.WarnContext(ctx, "cache put failed", "hash", hash, "error", err)
			}
		}
	}

	chunks, err := s.chunker.Chunk(doc)
	if err != nil {
		return 0, err
	}

	embeddings, err := s.embedChunks(ctx, chunks)
	if err != nil {
		return 0, err
	}

	records := buildVectorRecords(source, doc, hash, chunks, embeddings)
	if _, err := s.writer.WriteRecords(ctx, records); err != nil {
		return 0, fmt.Errorf("write vectors: %w", err)
	}
	return len(records), nil
}

// embedChunks embeds all chunks with a bounded fan-out, preserving order.
func (s *IngestService) embedChunks(ctx context.Context, chunks []model.Chunk) ([][]float32, error) {
	embeddings := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.embedConcurrency)

	for i := range chunks {
		g.Go(func() error {
			vec, err := s.embedder.Embed(gctx, chunks[i].Text)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", chunks[i].Index, err)
			}
			embeddings[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return embeddings, nil
}

func buildVectorRecords(
	source *model.Source,
	doc *model.RawDocument,
	hash string,
	chunks []model.Chunk,
	embeddings [][]float32,
) []model.VectorRecord {
	documentType := source.SourceType
	specialty := ""
	if v, ok := doc.Metadata["document_type"].(string); ok && v != "" {
		documentType = v
	}
	if v, ok := doc.Metadata["specialty"].(string); ok && v != "" {
		specialty = v
	}

	records := make([]model.VectorRecord, len(chunks))
	for i, ch := range chunks {
		metadata := map[string]any{
			"content_hash": hash,
			"external_id":  doc.ExternalID,
			"chunk_index":  ch.Index,
			"chunk_count":  len(chunks),
			"source_url":   doc.FetchedFrom,
		}
		if doc.PublishedAt != nil {
			metadata["published_at"] = doc.PublishedAt.UTC().Format(time.RFC3339)
		}
		records[i] = model.VectorRecord{
			Title:        doc.Title,
			Content:      ch.Text,
			DocumentType: documentType,
			Source:       source.Name,
			Specialty:    specialty,
			Embedding:    embeddings[i],
			Metadata:     metadata,
			NaturalKey:   fmt.Sprintf("%s:%d", hash, ch.Index),
		}
	}
	return records
}

func (s *IngestService) recordDocumentFailure(
	ctx context.Context,
	job *model.Job,
	doc *model.RawDocument,
	hash string,
	cause error,
) {
	if s.logger != nil {
		s.logger.WarnContext(ctx, "document pipeline failed",
			"job_id", job.ID,
			"external_id", doc.ExternalID,
			"error", cause,
		)
	}

	msg := fmt.Sprintf("document %s: %v", doc.ExternalID, cause)
	if err := s.jobs.AppendError(ctx, job.ID, msg); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "append job error failed", "job_id", job.ID, "error", err)
	}
	if err := s.tracking.MarkFailed(ctx, job.ProjectID, hash, job.SourceID, cause.Error()); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "mark document failed errored", "job_id", job.ID, "error", err)
	}
}
