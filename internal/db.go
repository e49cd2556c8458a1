package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// newDB opens a pool against the given DSN and ensures the schema exists.
func newDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("bootstrapping schema: %w", err)
	}
	return db, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// initSchema creates the tables we depend on if they don't already exist.
// Schema evolution beyond this bootstrap is handled out of band.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS pg_trgm`,

		`CREATE TABLE IF NOT EXISTS cache (
			key     TEXT PRIMARY KEY,
			value   BYTEA NOT NULL,
			expires TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS enriched_works (
			work_key               TEXT PRIMARY KEY,
			title                  TEXT,
			subtitle               TEXT,
			description            TEXT,
			original_language      TEXT,
			first_publication_year INT,
			subject_tags           TEXT[],
			cover_original         TEXT,
			cover_large            TEXT,
			cover_medium           TEXT,
			cover_small            TEXT,
			openlibrary_work_id    TEXT,
			goodreads_work_ids     TEXT[],
			primary_provider       TEXT,
			contributors           TEXT[],
			quality_score          INT NOT NULL DEFAULT 0,
			completeness_score     INT NOT NULL DEFAULT 0,
			synthetic              BOOLEAN NOT NULL DEFAULT FALSE,
			metadata               JSONB,
			created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_isbndb_sync       TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS enriched_works_title_trgm
			ON enriched_works USING gin (title gin_trgm_ops)`,

		`CREATE TABLE IF NOT EXISTS enriched_editions (
			isbn                    TEXT PRIMARY KEY,
			title                   TEXT,
			subtitle                TEXT,
			publisher               TEXT,
			publication_date        TEXT,
			page_count              INT,
			format                  TEXT,
			language                TEXT,
			cover_original          TEXT,
			cover_large             TEXT,
			cover_medium            TEXT,
			cover_small             TEXT,
			cover_source            TEXT,
			alternate_isbns         TEXT[],
			related_isbns           JSONB,
			subjects                TEXT[],
			dewey_decimals          TEXT[],
			openlibrary_edition_id  TEXT,
			amazon_asins            TEXT[],
			google_books_volume_ids TEXT[],
			goodreads_edition_ids   TEXT[],
			work_key                TEXT REFERENCES enriched_works (work_key),
			work_match_confidence   INT NOT NULL DEFAULT 0,
			work_match_source       TEXT,
			primary_provider        TEXT,
			contributors            TEXT[],
			quality_score           INT NOT NULL DEFAULT 0,
			completeness_score      INT NOT NULL DEFAULT 0,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_isbndb_sync        TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS enriched_authors (
			author_key            TEXT PRIMARY KEY,
			name                  TEXT,
			gender                TEXT,
			gender_qid            TEXT,
			citizenship           TEXT,
			citizenship_qid       TEXT,
			birth_year            INT,
			death_year            INT,
			birth_place           TEXT,
			birth_place_qid       TEXT,
			birth_country         TEXT,
			birth_country_qid     TEXT,
			death_place           TEXT,
			death_place_qid       TEXT,
			bio                   TEXT,
			bio_source            TEXT,
			photo_url             TEXT,
			openlibrary_author_id TEXT,
			goodreads_author_ids  TEXT[],
			wikidata_id           TEXT,
			primary_provider      TEXT,
			enrichment_source     TEXT,
			wikidata_enriched_at  TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS enriched_authors_name_trgm
			ON enriched_authors USING gin (name gin_trgm_ops)`,

		`CREATE TABLE IF NOT EXISTS work_authors_enriched (
			work_key     TEXT NOT NULL REFERENCES enriched_works (work_key),
			author_key   TEXT NOT NULL REFERENCES enriched_authors (author_key),
			author_order INT NOT NULL DEFAULT 0,
			PRIMARY KEY (work_key, author_key)
		)`,

		`CREATE TABLE IF NOT EXISTS external_id_mappings (
			entity_type    TEXT NOT NULL,
			our_key        TEXT NOT NULL,
			provider       TEXT NOT NULL,
			provider_id    TEXT NOT NULL,
			confidence     INT NOT NULL DEFAULT 0,
			mapping_source TEXT,
			mapping_method TEXT,
			UNIQUE (entity_type, our_key, provider, provider_id)
		)`,

		`CREATE TABLE IF NOT EXISTS enrichment_log (
			id               BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			entity_type      TEXT NOT NULL,
			entity_key       TEXT NOT NULL,
			provider         TEXT,
			operation        TEXT,
			success          BOOLEAN NOT NULL,
			fields_updated   TEXT[],
			error_message    TEXT,
			response_time_ms BIGINT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS enrichment_queue (
			id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			queue        TEXT NOT NULL,
			body         JSONB NOT NULL,
			attempts     INT NOT NULL DEFAULT 0,
			available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS enrichment_queue_lease
			ON enrichment_queue (queue, available_at)`,

		`CREATE TABLE IF NOT EXISTS backfill_log (
			year           INT NOT NULL,
			month          INT NOT NULL,
			status         TEXT NOT NULL,
			books_generated INT NOT NULL DEFAULT 0,
			isbns_resolved INT NOT NULL DEFAULT 0,
			isbns_queued   INT NOT NULL DEFAULT 0,
			error_message  TEXT,
			started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at   TIMESTAMPTZ,
			UNIQUE (year, month)
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("executing bootstrap DDL: %w", err)
		}
	}
	return nil
}
