package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Archive modes.
const (
	ModeBatch  = "batch"
	ModeStream = "stream"
)

// Transcription is one archived result.
type Transcription struct {
	ID        int64
	RunID     string
	Mode      string
	Language  string
	Document  string
	Text      string
	CreatedAt time.Time
}

// Store is the PostgreSQL transcription archive. It holds a single
// [pgxpool.Pool]. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Save inserts t and returns its ID. CreatedAt defaults to now.
func (s *Store) Save(ctx context.Context, t Transcription) (int64, error) {
	if t.RunID == "" {
		return 0, errors.New("postgres store: save: empty run id")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	const q = `
		INSERT INTO transcriptions (run_id, mode, language, document, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, q,
		t.RunID, t.Mode, t.Language, t.Document, t.Text, t.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres store: save: %w", err)
	}
	return id, nil
}

// Recent returns up to limit transcriptions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Transcription, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, run_id, mode, language, document, text, created_at
		FROM   transcriptions
		ORDER  BY created_at DESC, id DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	return collect(rows)
}

// ByRun returns every transcription of runID in insertion order.
func (s *Store) ByRun(ctx context.Context, runID string) ([]Transcription, error) {
	const q = `
		SELECT id, run_id, mode, language, document, text, created_at
		FROM   transcriptions
		WHERE  run_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: by run: %w", err)
	}
	return collect(rows)
}

// Search runs a full-text query over the archived text, newest first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Transcription, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, run_id, mode, language, document, text, created_at
		FROM   transcriptions
		WHERE  to_tsvector('simple', text) @@ plainto_tsquery('simple', $1)
		ORDER  BY created_at DESC, id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}
	return collect(rows)
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

func collect(rows pgx.Rows) ([]Transcription, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Transcription, error) {
		var t Transcription
		err := row.Scan(&t.ID, &t.RunID, &t.Mode, &t.Language, &t.Document, &t.Text, &t.CreatedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan: %w", err)
	}
	return out, nil
}
