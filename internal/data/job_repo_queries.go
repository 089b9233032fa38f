package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ragfactory/ingest/internal/data/pgxutil"
	"github.com/ragfactory/ingest/internal/domain/model"
)

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM ingestion_jobs
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Progress returns the poller-facing progress view of a job.
func (r *JobRepo) Progress(ctx context.Context, id string) (*model.JobProgress, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.JobProgress{
		Status:             job.Status,
		TotalDocuments:     job.TotalDocuments,
		ProcessedDocuments: job.ProcessedDocuments,
		SucceededDocuments: job.SucceededDocuments,
		FailedDocuments:    job.FailedDocuments,
		StartedAt:          job.StartedAt,
		CompletedAt:        job.CompletedAt,
	}, nil
}

type jobFilterQueryBuilder struct {
	query  string
	args   []any
	argIdx int
}

func (b *jobFilterQueryBuilder) addFilter(column string, value any) {
	b.query += fmt.Sprintf(" AND %s = $%d", column, b.argIdx)
	b.args = append(b.args, value)
	b.argIdx++
}

// List returns jobs matching the filter, newest first.
func (r *JobRepo) List(ctx context.Context, filter model.ListJobsFilter) ([]*model.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50 // Default limit
	}
	if limit > 1000 {
		limit = 1000 // Max limit
	}
	offset := max(filter.Offset, 0)

	builder := &jobFilterQueryBuilder{
		query:  `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE 1=1`,
		args:   []any{},
		argIdx: 1,
	}
	if filter.ProjectID != "" {
		builder.addFilter("project_id", filter.ProjectID)
	}
	if filter.SourceID != "" {
		builder.addFilter("source_id", filter.SourceID)
	}
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, fmt.Errorf("invalid status filter: %s", filter.Status)
		}
		builder.addFilter("status", filter.Status)
	}

	builder.query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, builder.argIdx, builder.argIdx+1)
	builder.args = append(builder.args, limit, offset)

	var result []*model.Job
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, builder.query, builder.args...)
		if err != nil {
			return fmt.Errorf("query jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job, scanErr := scanJobFromRow(rows)
			if scanErr != nil {
				return fmt.Errorf("scan job: %w", scanErr)
			}
			result = append(result, job)
		}
		return rows.Err()
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// Stats returns job counts per status, optionally scoped to a project.
func (r *JobRepo) Stats(ctx context.Context, projectID string) (*model.JobStats, error) {
	query := `
  SELECT
    count(*) FILTER (WHERE status = 'queued')    AS queued,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'paused')    AS paused,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed,
    count(*) FILTER (WHERE status = 'cancelled') AS cancelled
  FROM ingestion_jobs
  WHERE ($1 = '' OR project_id = $1)
  `

	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, query, projectID).Scan(
		&s.Queued,
		&s.Running,
		&s.Paused,
		&s.Completed,
		&s.Failed,
		&s.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &s, nil
}

// Delete removes a job. Only terminal jobs can be deleted; live ones must
// be cancelled first.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM ingestion_jobs
		WHERE id = $1 AND status IN ('completed', 'failed', 'cancelled')
	`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrJobNotDeletable
	}
	return nil
}
