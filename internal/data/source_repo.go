package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ragfactory/ingest/internal/data/pgxutil"
	"github.com/ragfactory/ingest/internal/domain/model"
)

// SourceRepo provides database operations for source management.
type SourceRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewSourceRepo creates a new SourceRepo instance with the given database connection.
func NewSourceRepo(db *sql.DB) *SourceRepo {
	return &SourceRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewSourceRepoWithTimeProvider creates a SourceRepo with a custom TimeProvider (useful for testing).
func NewSourceRepoWithTimeProvider(db *sql.DB, timeProvider TimeProvider) *SourceRepo {
	return &SourceRepo{
		DB:           db,
		timeProvider: timeProvider,
	}
}

const sourceColumns = `
  id, project_id, name, source_type, config, rate_limit, enabled, created_at, updated_at`

// Create creates a new source.
func (r *SourceRepo) Create(ctx context.Context, req *model.CreateSourceRequest) (*model.Source, error) {
	if req == nil {
		return nil, errors.New("create source request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cfg := req.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	rateLimit := req.RateLimit
	if len(rateLimit) == 0 {
		rateLimit = json.RawMessage(`{}`)
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := r.timeProvider.Now().UTC()
	id := uuid.NewString()

	var source model.Source
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			INSERT INTO sources(id, project_id, name, source_type, config, rate_limit, enabled, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			RETURNING `+sourceColumns,
			id, req.ProjectID, req.Name, req.SourceType, []byte(cfg), []byte(rateLimit), enabled, now,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		source, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Source])
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSourceNameTaken
		}
		return nil, fmt.Errorf("create source: %w", err)
	}

	return &source, nil
}

// GetByID retrieves a source by its ID.
func (r *SourceRepo) GetByID(ctx context.Context, id string) (*model.Source, error) {
	var source model.Source
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+sourceColumns+`
			FROM sources
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		source, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Source])
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return &source, nil
}

// List retrieves sources, optionally scoped to a project, with pagination.
func (r *SourceRepo) List(ctx context.Context, projectID string, limit, offset int) ([]*model.Source, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset = max(offset, 0)

	var sources []model.Source
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT `+sourceColumns+`
			FROM sources
			WHERE ($1 = '' OR project_id = $1)
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3
		`, projectID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		sources, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Source])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	result := make([]*model.Source, len(sources))
	for i := range sources {
		result[i] = &sources[i]
	}
	return result, nil
}

// Update applies partial updates to a source.
func (r *SourceRepo) Update(ctx context.Context, id string, params model.UpdateSourceParams) (*model.Source, error) {
	if len(params.Config) > 0 && !json.Valid(params.Config) {
		return nil, errors.New("config must be valid JSON")
	}
	if len(params.RateLimit) > 0 && !json.Valid(params.RateLimit) {
		return nil, errors.New("rate_limit must be valid JSON")
	}

	now := r.timeProvider.Now().UTC()

	var source model.Source
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			UPDATE sources
			SET name       = COALESCE($2, name),
			    config     = COALESCE($3, config),
			    rate_limit = COALESCE($4, rate_limit),
			    enabled    = COALESCE($5, enabled),
			    updated_at = $6
			WHERE id = $1
			RETURNING `+sourceColumns,
			id, params.Name, rawOrNil(params.Config), rawOrNil(params.RateLimit), params.Enabled, now,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		source, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Source])
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSourceNameTaken
		}
		return nil, fmt.Errorf("update source: %w", err)
	}
	return &source, nil
}

// Delete removes a source. Schedules and jobs for the source cascade away
// with it.
func (r *SourceRepo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete source rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSourceNotFound
	}
	return nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
