package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ragfactory/ingest/internal/data/pgxutil"
	"github.com/ragfactory/ingest/internal/domain/model"
)

// jobNotifyChannel is the pg_notify channel that wakes idle workers.
const jobNotifyChannel = "ingest_job_added"

const defaultRetryDelaySeconds = 30

// errorLogCap bounds error_log growth on long runs with many document failures.
const errorLogCap = 10000

func (r *JobRepo) retryDelay() int {
	if r.cfg.RetryDelaySeconds > 0 {
		return r.cfg.RetryDelaySeconds
	}
	return defaultRetryDelaySeconds
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// SQL used by ReserveNext to atomically reserve the next queued job.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM ingestion_jobs
    WHERE status = 'queued' AND run_after <= $1
    ORDER BY created_at ASC, id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE ingestion_jobs j
  SET
    status = 'running',
    started_at = COALESCE(j.started_at, $2),
    lease_expires_at = $3,
    updated_at = $4
  FROM cte
  WHERE j.id = cte.id
  RETURNING ` + prefixedJobColumns

// prefixedJobColumns mirrors jobColumns with the alias used by UPDATE ... FROM.
const prefixedJobColumns = `
  j.id, j.source_id, j.project_id, j.kind, j.status,
  j.total_documents, j.processed_documents, j.succeeded_documents, j.failed_documents,
  j.cancel_requested, j.pause_requested, j.error_log, j.retry_count, j.max_retries,
  j.fire_key, j.lease_expires_at, j.created_at, j.started_at, j.completed_at, j.updated_at`

// Create creates a new queued job. A request carrying a fire key that
// collides with an existing job returns ErrDuplicateFireKey, which
// callers on the scheduler path treat as "already queued for this tick".
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	maxRetries := 3
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}

	now := r.timeProvider.Now().UTC()
	id := uuid.NewString()

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
      INSERT INTO ingestion_jobs(
        id, source_id, project_id, kind, status, max_retries, fire_key,
        run_after, created_at, updated_at)
      VALUES ($1, $2, $3, $4, 'queued', $5, $6, $7, $7, $7)
      RETURNING `+jobColumns,
			id, req.SourceID, req.ProjectID, req.Kind, maxRetries, req.FireKey, now,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		j, collectErr := collectJobFromRows(rows)
		rows.Close()
		if collectErr != nil {
			return fmt.Errorf("collect job: %w", collectErr)
		}

		if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, jobNotifyChannel, j.ID); execErr != nil {
			return fmt.Errorf("send job notification: %w", execErr)
		}
		job = j
		return nil
	})
	if txErr != nil {
		if isUniqueViolation(txErr) {
			return nil, ErrDuplicateFireKey
		}
		return nil, txErr
	}

	return job, nil
}

// Advisory lock namespace for requeueExpired so concurrent workers do not
// race each other on lease recovery.
const advisoryLockRequeueMajor int64 = 2201

func advisoryLockRequeueMinor(channel string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

// RequeueExpired requeues running or paused jobs whose lease has lapsed and
// returns the number of jobs recovered.
func (r *JobRepo) RequeueExpired(ctx context.Context) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, func(tx *sql.Tx) error {
		var locked bool
		minorKey := advisoryLockRequeueMinor(jobNotifyChannel)
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockRequeueMajor, minorKey).Scan(&locked); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !locked {
			rowsAffected = 0
			return nil
		}

		currentTime := r.timeProvider.Now()
		res, err := tx.ExecContext(ctx, `
        UPDATE ingestion_jobs
        SET status = 'queued', lease_expires_at = NULL, pause_requested = FALSE
        WHERE status IN ('running', 'paused')
          AND lease_expires_at IS NOT NULL
          AND lease_expires_at < $1
      `, currentTime.UTC())
		if err != nil {
			return fmt.Errorf("requeue expired: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		rowsAffected = ra
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// ReserveNext reserves the next queued job for processing. It first recovers
// any jobs whose worker stopped heartbeating.
func (r *JobRepo) ReserveNext(ctx context.Context, leaseSeconds int) (*model.Job, error) {
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}

	if _, err := r.RequeueExpired(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, func(tx pgx.Tx) error {
		currentTime := r.timeProvider.Now()
		leaseExpiresAt := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

		rows, qerr := tx.Query(
			ctx,
			reserveNextUpdateSQL,
			currentTime.UTC(),
			currentTime.UTC(),
			leaseExpiresAt.UTC(),
			currentTime.UTC(),
		)
		if qerr != nil {
			return fmt.Errorf("reserve job: %w", qerr)
		}
		defer rows.Close()

		j, cerr := collectJobFromRows(rows)
		if errors.Is(cerr, pgx.ErrNoRows) {
			return model.ErrNoJobsAvailable
		}
		if cerr != nil {
			return fmt.Errorf("reserve job: %w", cerr)
		}
		job = j
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a running or paused job.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	leaseExpiration := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

	res, err := r.DB.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status IN ('running', 'paused')
	`, jobID, leaseExpiration, currentTime)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Complete marks a job as completed. Per-document failures do not prevent
// completion; they are visible in failed_documents and error_log.
func (r *JobRepo) Complete(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET status = 'completed',
		    completed_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL,
		    cancel_requested = FALSE,
		    pause_requested = FALSE
		WHERE id = $1 AND status IN ('running', 'paused')
	`, id, currentTime)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Fail records a fatal job error. The job goes back to queued with a retry
// delay until max_retries is exhausted, then lands in failed.
func (r *JobRepo) Fail(ctx context.Context, id, errMsg string) (bool, error) {
	retryDelay := r.retryDelay()
	currentTime := r.timeProvider.Now()
	retryAt := currentTime.Add(time.Duration(retryDelay) * time.Second)

	query := `
      UPDATE ingestion_jobs
      SET
        error_log = left(error_log || $2 || E'\n', $6),
        retry_count = retry_count + 1,
        status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'queued' END,
        completed_at = CASE WHEN retry_count + 1 >= max_retries THEN $3::timestamptz ELSE NULL END,
        lease_expires_at = NULL,
        run_after = CASE WHEN retry_count + 1 >= max_retries THEN run_after
                         ELSE $4::timestamptz END,
        updated_at = $5
      WHERE id = $1 AND status IN ('running', 'paused')
      RETURNING status
    `

	var status string
	if err := r.DB.QueryRowContext(ctx, query, id, errMsg, currentTime.UTC(), retryAt.UTC(), currentTime.UTC(), errorLogCap).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("fail job: %w", err)
	}

	if r.logger != nil && status == string(model.JobStatusFailed) {
		r.logger.WarnContext(ctx, "job exhausted retries", "job_id", id, "error", errMsg)
	}
	return true, nil
}

// RequestCancel flags a job for cancellation. Queued jobs are cancelled
// immediately; running or paused jobs are cancelled by the worker at the
// next document boundary.
func (r *JobRepo) RequestCancel(ctx context.Context, id string) (*model.Job, error) {
	currentTime := r.timeProvider.Now().UTC()

	row := r.DB.QueryRowContext(ctx, `
		UPDATE ingestion_jobs
		SET cancel_requested = TRUE,
		    pause_requested = FALSE,
		    status = CASE WHEN status = 'queued' THEN 'cancelled' ELSE status END,
		    completed_at = CASE WHEN status = 'queued' THEN $2::timestamptz ELSE completed_at END,
		    updated_at = $2
		WHERE id = $1 AND status IN ('queued', 'running', 'paused')
		RETURNING `+jobColumns, id, currentTime)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Terminal jobs are left alone; cancel is idempotent there.
		return r.GetByID(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	return job, nil
}

// MarkCancelled is the worker acknowledging a cancel request.
func (r *JobRepo) MarkCancelled(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET status = 'cancelled',
		    completed_at = $2,
		    updated_at = $2,
		    lease_expires_at = NULL
		WHERE id = $1 AND status IN ('running', 'paused') AND cancel_requested
	`, id, currentTime)
	if err != nil {
		return false, fmt.Errorf("mark cancelled: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark cancelled rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// RequestPause flags a running job to hold at the next document boundary.
func (r *JobRepo) RequestPause(ctx context.Context, id string) (*model.Job, error) {
	currentTime := r.timeProvider.Now().UTC()

	row := r.DB.QueryRowContext(ctx, `
		UPDATE ingestion_jobs
		SET pause_requested = TRUE,
		    updated_at = $2
		WHERE id = $1 AND status IN ('queued', 'running') AND NOT cancel_requested
		RETURNING `+jobColumns, id, currentTime)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r.GetByID(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("request pause: %w", err)
	}
	return job, nil
}

// MarkPaused is the worker acknowledging a pause request.
func (r *JobRepo) MarkPaused(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET status = 'paused',
		    updated_at = $2
		WHERE id = $1 AND status = 'running' AND pause_requested
	`, id, currentTime)
	if err != nil {
		return false, fmt.Errorf("mark paused: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark paused rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// Resume clears a pause. A paused job returns to running; a job whose pause
// was requested but never acknowledged just drops the flag.
func (r *JobRepo) Resume(ctx context.Context, id string) (*model.Job, error) {
	currentTime := r.timeProvider.Now().UTC()

	row := r.DB.QueryRowContext(ctx, `
		UPDATE ingestion_jobs
		SET pause_requested = FALSE,
		    status = CASE WHEN status = 'paused' THEN 'running' ELSE status END,
		    updated_at = $2
		WHERE id = $1 AND status IN ('queued', 'running', 'paused')
		RETURNING `+jobColumns, id, currentTime)

	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r.GetByID(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("resume job: %w", err)
	}
	return job, nil
}

// Restart requeues a failed or cancelled job under its original id with all
// progress counters reset.
func (r *JobRepo) Restart(ctx context.Context, id string) (*model.Job, error) {
	currentTime := r.timeProvider.Now().UTC()

	var job *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE ingestion_jobs
			SET status = 'queued',
			    total_documents = 0,
			    processed_documents = 0,
			    succeeded_documents = 0,
			    failed_documents = 0,
			    error_log = '',
			    retry_count = 0,
			    cancel_requested = FALSE,
			    pause_requested = FALSE,
			    fire_key = NULL,
			    lease_expires_at = NULL,
			    started_at = NULL,
			    completed_at = NULL,
			    run_after = $2,
			    updated_at = $2
			WHERE id = $1 AND status IN ('failed', 'cancelled')
			RETURNING `+jobColumns, id, currentTime)
		if err != nil {
			return fmt.Errorf("restart job: %w", err)
		}
		j, collectErr := collectJobFromRows(rows)
		rows.Close()
		if collectErr != nil {
			return collectErr
		}

		if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, jobNotifyChannel, j.ID); execErr != nil {
			return fmt.Errorf("send job notification: %w", execErr)
		}
		job = j
		return nil
	})
	if errors.Is(txErr, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrJobNotRestartable
	}
	if txErr != nil {
		return nil, txErr
	}
	return job, nil
}

// SetTotal records the total document count once the connector fetch is done.
func (r *JobRepo) SetTotal(ctx context.Context, id string, total int) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET total_documents = $2, updated_at = $3
		WHERE id = $1
	`, id, total, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("set total documents: %w", err)
	}
	return nil
}

// UpdateProgress writes absolute progress counters for a job.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, processed, succeeded, failed int) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET processed_documents = $2,
		    succeeded_documents = $3,
		    failed_documents = $4,
		    updated_at = $5
		WHERE id = $1
	`, id, processed, succeeded, failed, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// AppendError adds a line to the job error log without changing status.
func (r *JobRepo) AppendError(ctx context.Context, id, msg string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET error_log = left(error_log || $2 || E'\n', $3),
		    updated_at = $4
		WHERE id = $1
	`, id, msg, errorLogCap, r.timeProvider.Now().UTC())
	if err != nil {
		return fmt.Errorf("append job error: %w", err)
	}
	return nil
}

// ControlFlags is the worker's fast per-document poll for cancel and pause.
func (r *JobRepo) ControlFlags(ctx context.Context, id string) (cancel, pause bool, err error) {
	err = r.DB.QueryRowContext(ctx, `
		SELECT cancel_requested, pause_requested
		FROM ingestion_jobs
		WHERE id = $1
	`, id).Scan(&cancel, &pause)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, ErrJobNotFound
	}
	if err != nil {
		return false, false, fmt.Errorf("read control flags: %w", err)
	}
	return cancel, pause, nil
}

// WaitForNotification waits for a PostgreSQL notification indicating new jobs are available.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{jobNotifyChannel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", jobNotifyChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}
