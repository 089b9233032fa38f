package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ragfactory/ingest/internal/data/pgxutil"
	"github.com/ragfactory/ingest/internal/domain/model"
)

// TrackingRepo records per-document processing status keyed by
// (project_id, content_hash). It is what makes re-runs skip documents that
// already landed in the vector store.
type TrackingRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewTrackingRepo creates a new TrackingRepo instance with the given database connection.
func NewTrackingRepo(db *sql.DB) *TrackingRepo {
	return &TrackingRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewTrackingRepoWithTimeProvider creates a TrackingRepo with a custom TimeProvider (useful for testing).
func NewTrackingRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *TrackingRepo {
	return &TrackingRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

const trackingColumns = `
  project_id, content_hash, source_id, status, last_error, updated_at`

// Status returns the tracking record for a document hash, or nil when the
// document has never been seen in this project.
func (r *TrackingRepo) Status(ctx context.Context, projectID, contentHash string) (*model.TrackingRecord, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+trackingColumns+`
		FROM document_tracking
		WHERE project_id = $1 AND content_hash = $2
	`, projectID, contentHash)

	var rec model.TrackingRecord
	var lastError sql.NullString
	err := row.Scan(&rec.ProjectID, &rec.ContentHash, &rec.SourceID, &rec.Status, &lastError, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tracking status: %w", err)
	}
	rec.LastError = cloneNullableString(lastError)
	return &rec, nil
}

func (r *TrackingRepo) upsert(ctx context.Context, rec *model.TrackingRecord) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO document_tracking(project_id, content_hash, source_id, status, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, content_hash) DO UPDATE
		SET source_id = EXCLUDED.source_id,
		    status = EXCLUDED.status,
		    last_error = EXCLUDED.last_error,
		    updated_at = EXCLUDED.updated_at
	`, rec.ProjectID, rec.ContentHash, rec.SourceID, rec.Status, rec.LastError, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert tracking record: %w", err)
	}
	return nil
}

// MarkPending records that a document's pipeline is in flight.
func (r *TrackingRepo) MarkPending(ctx context.Context, projectID, contentHash, sourceID string) error {
	return r.upsert(ctx, &model.TrackingRecord{
		ProjectID:   projectID,
		ContentHash: contentHash,
		SourceID:    sourceID,
		Status:      model.TrackingStatusPending,
	})
}

// MarkCompleted records that a document was fully written to the vector store.
func (r *TrackingRepo) MarkCompleted(ctx context.Context, projectID, contentHash, sourceID string) error {
	return r.upsert(ctx, &model.TrackingRecord{
		ProjectID:   projectID,
		ContentHash: contentHash,
		SourceID:    sourceID,
		Status:      model.TrackingStatusCompleted,
	})
}

// MarkFailed records a document pipeline failure so the next run retries it.
func (r *TrackingRepo) MarkFailed(ctx context.Context, projectID, contentHash, sourceID, errMsg string) error {
	return r.upsert(ctx, &model.TrackingRecord{
		ProjectID:   projectID,
		ContentHash: contentHash,
		SourceID:    sourceID,
		Status:      model.TrackingStatusFailed,
		LastError:   &errMsg,
	})
}

// CountByStatus returns how many documents in a project are in each state.
func (r *TrackingRepo) CountByStatus(ctx context.Context, projectID string) (map[model.TrackingStatus]int64, error) {
	counts := map[model.TrackingStatus]int64{}
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT status, count(*)
			FROM document_tracking
			WHERE project_id = $1
			GROUP BY status
		`, projectID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var status model.TrackingStatus
			var n int64
			if scanErr := rows.Scan(&status, &n); scanErr != nil {
				return scanErr
			}
			counts[status] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("count tracking by status: %w", err)
	}
	return counts, nil
}

// DeleteBySource drops tracking records for a source, forcing the next run
// to reprocess everything it fetches.
func (r *TrackingRepo) DeleteBySource(ctx context.Context, projectID, sourceID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM document_tracking
		WHERE project_id = $1 AND source_id = $2
	`, projectID, sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete tracking by source: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete tracking rows affected: %w", err)
	}
	return rowsAffected, nil
}
