// Package postgres archives transcription results in PostgreSQL.
//
// Every finished batch transcription and every non-empty streaming cycle is
// stored as one row in the transcriptions table, together with the plain
// text extracted from its document so the archive can be searched with
// PostgreSQL full-text search.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { ... }
//	defer store.Close()
//
//	sink := resilience.NewPublisherSink("postgres", postgres.NewArchiver(store))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscriptions = `
CREATE TABLE IF NOT EXISTS transcriptions (
    id          BIGSERIAL    PRIMARY KEY,
    run_id      TEXT         NOT NULL,
    mode        TEXT         NOT NULL,
    language    TEXT         NOT NULL DEFAULT '',
    document    TEXT         NOT NULL,
    text        TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcriptions_run_id
    ON transcriptions (run_id);

CREATE INDEX IF NOT EXISTS idx_transcriptions_created_at
    ON transcriptions (created_at);

CREATE INDEX IF NOT EXISTS idx_transcriptions_fts
    ON transcriptions USING GIN (to_tsvector('simple', text));
`

// Migrate creates the archive table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptions); err != nil {
		return fmt.Errorf("migrate transcriptions: %w", err)
	}
	return nil
}
