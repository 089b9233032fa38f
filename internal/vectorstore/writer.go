// Package vectorstore writes embedded chunks into a pgvector table. The
// table may live in a different database than the engine's own state, so
// the writer manages its own connections instead of sharing the pool.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ragfactory/ingest/internal/domain/model"
)

// SchemaVersion identifies which document table layout the writer found.
type SchemaVersion int

const (
	// SchemaUnknown means detection has not run yet.
	SchemaUnknown SchemaVersion = iota
	// SchemaV1 is the legacy layout with a text primary key and no
	// document_type column. Supported read-compatible, written minimally.
	SchemaV1
	// SchemaV2 is the current layout with typed metadata columns.
	SchemaV2
)

func (v SchemaVersion) String() string {
	switch v {
	case SchemaV1:
		return "v1"
	case SchemaV2:
		return "v2"
	default:
		return "unknown"
	}
}

const (
	defaultTable     = "documents"
	defaultBatchSize = 1000

	// maxTitleLen matches the title column width in both layouts.
	maxTitleLen = 500
)

// ErrDimensionMismatch is returned when a record's embedding length does not
// match the configured vector dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Config holds the vector writer settings.
type Config struct {
	DSN       string
	Table     string
	Dimension int
	BatchSize int
	Logger    *slog.Logger
}

// Writer inserts vector records in batches, creating the target table on
// first use when it does not exist.
type Writer struct {
	cfg    Config
	schema SchemaVersion
	logger *slog.Logger
}

// NewWriter validates config and constructs a Writer. Schema detection is
// deferred to EnsureSchema so construction never touches the database.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.DSN == "" {
		return nil, errors.New("vectorstore: dsn is required")
	}
	if cfg.Dimension <= 0 {
		return nil, errors.New("vectorstore: dimension must be positive")
	}
	if cfg.Table == "" {
		cfg.Table = defaultTable
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Writer{
		cfg:    cfg,
		logger: logger.With("component", "vectorstore"),
	}, nil
}

// SchemaVersion reports the detected layout. SchemaUnknown before EnsureSchema.
func (w *Writer) SchemaVersion() SchemaVersion { return w.schema }

// EnsureSchema detects the existing table layout, creating the v2 layout
// when the table is absent.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, w.cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect vector store: %w", err)
	}
	defer func() {
		_ = conn.Close(context.Background())
	}()

	version, err := w.detectSchema(ctx, conn)
	if err != nil {
		return err
	}

	if version == SchemaUnknown {
		if createErr := w.createV2Schema(ctx, conn); createErr != nil {
			return createErr
		}
		version = SchemaV2
		w.logger.InfoContext(ctx, "created vector table", "table", w.cfg.Table, "dimension", w.cfg.Dimension)
	} else {
		w.logger.InfoContext(ctx, "detected vector table", "table", w.cfg.Table, "schema", version.String())
	}

	w.schema = version
	return nil
}

// detectSchema inspects information_schema: an integer id column plus the
// typed metadata columns means v2, a text id means the legacy v1 layout,
// and no table at all returns SchemaUnknown.
func (w *Writer) detectSchema(ctx context.Context, conn *pgx.Conn) (SchemaVersion, error) {
	rows, err := conn.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
	`, w.cfg.Table)
	if err != nil {
		return SchemaUnknown, fmt.Errorf("inspect vector table: %w", err)
	}
	defer rows.Close()

	columns := map[string]string{}
	for rows.Next() {
		var name, dataType string
		if scanErr := rows.Scan(&name, &dataType); scanErr != nil {
			return SchemaUnknown, fmt.Errorf("scan column info: %w", scanErr)
		}
		columns[name] = dataType
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return SchemaUnknown, fmt.Errorf("iterate column info: %w", rowsErr)
	}

	if len(columns) == 0 {
		return SchemaUnknown, nil
	}

	idType := columns["id"]
	switch {
	case (idType == "integer" || idType == "bigint") && hasAll(columns, "title", "document_type"):
		return SchemaV2, nil
	case idType == "text" || idType == "character varying":
		return SchemaV1, nil
	default:
		return SchemaUnknown, fmt.Errorf("table %s exists with unrecognized layout", w.cfg.Table)
	}
}

func hasAll(columns map[string]string, names ...string) bool {
	for _, n := range names {
		if _, ok := columns[n]; !ok {
			return false
		}
	}
	return true
}

func (w *Writer) v2SchemaStatements() []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			title VARCHAR(500) NOT NULL,
			content TEXT NOT NULL,
			document_type VARCHAR(100) NOT NULL DEFAULT '',
			source VARCHAR(255) NOT NULL DEFAULT '',
			specialty VARCHAR(100) NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			natural_key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (source, natural_key)
		)`, w.cfg.Table, w.cfg.Dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_embedding ON %s
			USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`, w.cfg.Table, w.cfg.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_document_type ON %s (document_type)`, w.cfg.Table, w.cfg.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_source ON %s (source)`, w.cfg.Table, w.cfg.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_specialty ON %s (specialty)`, w.cfg.Table, w.cfg.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_metadata ON %s
			USING gin (metadata jsonb_path_ops)`, w.cfg.Table, w.cfg.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s (created_at)`, w.cfg.Table, w.cfg.Table),
	}
}

func (w *Writer) createV2Schema(ctx context.Context, conn *pgx.Conn) error {
	for _, stmt := range w.v2SchemaStatements() {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create vector schema: %w", err)
		}
	}
	return nil
}

// WriteRecords inserts records in batches and returns how many rows landed.
// Each batch gets a fresh connection and one retry; an existing natural key
// is updated in place so re-ingesting changed content is idempotent.
func (w *Writer) WriteRecords(ctx context.Context, records []model.VectorRecord) (int, error) {
	if w.schema == SchemaUnknown {
		if err := w.EnsureSchema(ctx); err != nil {
			return 0, err
		}
	}

	for i := range records {
		if len(records[i].Embedding) != w.cfg.Dimension {
			return 0, fmt.Errorf("%w: record %d has %d, want %d",
				ErrDimensionMismatch, i, len(records[i].Embedding), w.cfg.Dimension)
		}
	}

	written := 0
	for start := 0; start < len(records); start += w.cfg.BatchSize {
		end := min(start+w.cfg.BatchSize, len(records))
		batch := records[start:end]

		n, err := w.writeBatch(ctx, batch)
		if err != nil {
			// One retry per batch; transient connection loss is the
			// common failure on long writes.
			w.logger.WarnContext(ctx, "batch write failed, retrying", "batch_start", start, "error", err)
			n, err = w.writeBatch(ctx, batch)
			if err != nil {
				return written, fmt.Errorf("write batch at %d: %w", start, err)
			}
		}
		written += n
	}
	return written, nil
}

func (w *Writer) writeBatch(ctx context.Context, records []model.VectorRecord) (int, error) {
	conn, err := pgx.Connect(ctx, w.cfg.DSN)
	if err != nil {
		return 0, fmt.Errorf("connect vector store: %w", err)
	}
	defer func() {
		_ = conn.Close(context.Background())
	}()

	var b pgx.Batch
	for i := range records {
		sql, args, buildErr := w.buildInsert(&records[i])
		if buildErr != nil {
			return 0, buildErr
		}
		b.Queue(sql, args...)
	}

	br := conn.SendBatch(ctx, &b)
	defer func() {
		_ = br.Close()
	}()

	for range records {
		if _, execErr := br.Exec(); execErr != nil {
			return 0, fmt.Errorf("insert vector record: %w", execErr)
		}
	}
	return len(records), nil
}

func (w *Writer) buildInsert(rec *model.VectorRecord) (string, []any, error) {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return "", nil, fmt.Errorf("marshal record metadata: %w", err)
	}

	title := truncateTitle(rec.Title)
	embedding := pgvector.NewVector(rec.Embedding)

	if w.schema == SchemaV1 {
		sql := fmt.Sprintf(`
			INSERT INTO %s (id, content, embedding, metadata)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET content = EXCLUDED.content,
			    embedding = EXCLUDED.embedding,
			    metadata = EXCLUDED.metadata`, w.cfg.Table)
		return sql, []any{rec.NaturalKey, rec.Content, embedding, meta}, nil
	}

	// Keys are unique per (source, natural_key) so two sources that happen
	// to produce identical content never overwrite each other.
	sql := fmt.Sprintf(`
		INSERT INTO %s (title, content, document_type, source, specialty, embedding, metadata, natural_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source, natural_key) DO UPDATE
		SET title = EXCLUDED.title,
		    content = EXCLUDED.content,
		    document_type = EXCLUDED.document_type,
		    specialty = EXCLUDED.specialty,
		    embedding = EXCLUDED.embedding,
		    metadata = EXCLUDED.metadata`, w.cfg.Table)
	return sql, []any{
		title, rec.Content, rec.DocumentType, rec.Source, rec.Specialty, embedding, meta, rec.NaturalKey,
	}, nil
}

// truncateTitle bounds the title to the column width, marking the cut.
// The cut point backs up to a rune boundary so multibyte titles never end
// in a mangled sequence.
func truncateTitle(title string) string {
	if len(title) <= maxTitleLen {
		return title
	}
	cut := maxTitleLen - 3
	for cut > 0 && !utf8.RuneStart(title[cut]) {
		cut--
	}
	return title[:cut] + "..."
}

// Ping verifies the vector store is reachable.
func (w *Writer) Ping(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := pgx.Connect(dialCtx, w.cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect vector store: %w", err)
	}
	defer func() {
		_ = conn.Close(context.Background())
	}()
	return conn.Ping(ctx)
}
