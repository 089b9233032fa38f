package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ragfactory/ingest/internal/data/pgxutil"
	"github.com/ragfactory/ingest/internal/domain/model"
)

// ScheduleRepo provides database operations for per-source ingestion schedules.
type ScheduleRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewScheduleRepo creates a new ScheduleRepo instance with the given database connection.
func NewScheduleRepo(db *sql.DB) *ScheduleRepo {
	return &ScheduleRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewScheduleRepoWithTimeProvider creates a ScheduleRepo with a custom TimeProvider (useful for testing).
func NewScheduleRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *ScheduleRepo {
	return &ScheduleRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

// fnvHash computes FNV-1a 64-bit hash of the given string for use as advisory lock key.
func fnvHash(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	// Advisory locks accept BIGINT; constrain the unsigned hash into int64 range before casting.
	u := h.Sum64()
	if u > uint64(math.MaxInt64) {
		u %= uint64(math.MaxInt64)
	}
	return int64(u) // #nosec G115 -- value is explicitly bounded to <= MaxInt64 before casting to int64.
}

// schedulerLockKey serializes scheduler ticks across instances.
const schedulerLockKey = "ingest_scheduler_tick"

// TryTickLockTx attempts to take the scheduler's transaction-scoped advisory
// lock. A false return means another instance is already ticking.
func (r *ScheduleRepo) TryTickLockTx(ctx context.Context, tx *sql.Tx) (bool, error) {
	var locked bool
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, fnvHash(schedulerLockKey)).Scan(&locked); err != nil {
		return false, fmt.Errorf("acquire scheduler lock: %w", err)
	}
	return locked, nil
}

const scheduleColumns = `
  source_id, spec, paused, next_run_at, last_queued_at, updated_at`

type scheduleRowScanner interface {
	Scan(dest ...any) error
}

func scanScheduleFromRow(scanner scheduleRowScanner) (*model.Schedule, error) {
	var s model.Schedule
	var nextRunAt, lastQueuedAt sql.NullTime
	if err := scanner.Scan(&s.SourceID, &s.Spec, &s.Paused, &nextRunAt, &lastQueuedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.NextRunAt = cloneNullableTime(nextRunAt)
	s.LastQueuedAt = cloneNullableTime(lastQueuedAt)
	return &s, nil
}

// Upsert writes the schedule for a source. The spec is parsed here so an
// invalid spec never reaches the table, and next_run_at is recomputed from
// now. A manual spec keeps next_run_at NULL.
func (r *ScheduleRepo) Upsert(ctx context.Context, sourceID, rawSpec string) (*model.Schedule, error) {
	spec, err := model.ParseScheduleSpec(rawSpec)
	if err != nil {
		return nil, err
	}

	now := r.timeProvider.Now().UTC()
	var nextRunAt any
	if next := spec.Next(now); !next.IsZero() {
		nextRunAt = next.UTC()
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO schedules(source_id, spec, paused, next_run_at, updated_at)
		VALUES ($1, $2, FALSE, $3, $4)
		ON CONFLICT (source_id) DO UPDATE
		SET spec = EXCLUDED.spec,
		    next_run_at = EXCLUDED.next_run_at,
		    updated_at = EXCLUDED.updated_at
		RETURNING `+scheduleColumns, sourceID, spec.Raw, nextRunAt, now)

	schedule, err := scanScheduleFromRow(row)
	if err != nil {
		return nil, fmt.Errorf("upsert schedule: %w", err)
	}
	return schedule, nil
}

// SetPaused pauses or resumes a schedule. Resuming recomputes next_run_at
// from now so a long pause does not cause a burst of catch-up runs.
func (r *ScheduleRepo) SetPaused(ctx context.Context, sourceID string, paused bool) (*model.Schedule, error) {
	now := r.timeProvider.Now().UTC()

	schedule, err := r.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	var nextRunAt any
	if !paused {
		spec, parseErr := model.ParseScheduleSpec(schedule.Spec)
		if parseErr != nil {
			return nil, parseErr
		}
		if next := spec.Next(now); !next.IsZero() {
			nextRunAt = next.UTC()
		}
	}

	row := r.DB.QueryRowContext(ctx, `
		UPDATE schedules
		SET paused = $2,
		    next_run_at = CASE WHEN $2 THEN next_run_at ELSE $3::timestamptz END,
		    updated_at = $4
		WHERE source_id = $1
		RETURNING `+scheduleColumns, sourceID, paused, nextRunAt, now)

	updated, err := scanScheduleFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set schedule paused: %w", err)
	}
	return updated, nil
}

// Delete removes the schedule for a source.
func (r *ScheduleRepo) Delete(ctx context.Context, sourceID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM schedules WHERE source_id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete schedule rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// Get retrieves the schedule for a source.
func (r *ScheduleRepo) Get(ctx context.Context, sourceID string) (*model.Schedule, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE source_id = $1
	`, sourceID)

	schedule, err := scanScheduleFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return schedule, nil
}

// List returns all schedules ordered by source id.
func (r *ScheduleRepo) List(ctx context.Context) ([]*model.Schedule, error) {
	var result []*model.Schedule
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+scheduleColumns+`
			FROM schedules
			ORDER BY source_id ASC
		`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			schedule, scanErr := scanScheduleFromRow(rows)
			if scanErr != nil {
				return scanErr
			}
			result = append(result, schedule)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return result, nil
}

// FindDueTx finds schedules whose next_run_at has arrived, locking the rows
// so concurrent scheduler ticks skip each other's work. Must be paired with
// MarkQueuedTx inside the same transaction.
func (r *ScheduleRepo) FindDueTx(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]*model.Schedule, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE NOT paused
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	var due []*model.Schedule
	for rows.Next() {
		schedule, scanErr := scanScheduleFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan schedule: %w", scanErr)
		}
		due = append(due, schedule)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate schedules: %w", rowsErr)
	}
	return due, nil
}

// MarkQueuedTx records that a run was queued for the source and advances
// next_run_at to the following fire time.
func (r *ScheduleRepo) MarkQueuedTx(ctx context.Context, tx *sql.Tx, sourceID string, queuedAt, nextRunAt time.Time) error {
	var next any
	if !nextRunAt.IsZero() {
		next = nextRunAt.UTC()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE schedules
		SET last_queued_at = $2,
		    next_run_at = $3,
		    updated_at = $2
		WHERE source_id = $1
	`, sourceID, queuedAt.UTC(), next)
	if err != nil {
		return fmt.Errorf("mark schedule queued: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark queued rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}
