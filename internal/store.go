package internal

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// storage is everything the engine needs from the database. pgStore is the
// real implementation; memStore backs tests.
type storage interface {
	GetEdition(ctx context.Context, isbn string) (*Edition, error)
	UpsertEdition(ctx context.Context, edition *Edition) (created bool, fields []string, err error)
	GetWork(ctx context.Context, workKey string) (*Work, error)
	UpsertWork(ctx context.Context, work *Work) (created bool, fields []string, err error)
	GetAuthor(ctx context.Context, authorKey string) (*Author, error)
	UpsertAuthor(ctx context.Context, author *Author) (created bool, fields []string, err error)
	LinkWorkAuthor(ctx context.Context, workKey, authorKey string, order int) error

	// Deduplicator lookups.
	WorkKeyForISBN(ctx context.Context, isbn string) (string, error)
	WorkKeyByAuthors(ctx context.Context, title string, authorKeys []string) (string, error)
	WorkKeyByExactTitle(ctx context.Context, title string) (string, error)
	AuthorKeyExact(ctx context.Context, name string) (string, error)
	AuthorKeyFuzzy(ctx context.Context, name string) (string, error)

	RecordEnrichment(ctx context.Context, entry *EnrichmentLog) error
	RecordExternalID(ctx context.Context, mapping *ExternalIDMapping) error
	SetEditionCovers(ctx context.Context, isbn string, covers CoverSet, source string) error

	StartBackfill(ctx context.Context, year, month int) error
	FinishBackfill(ctx context.Context, year, month int, status string, generated, resolved, queued int, errMsg string) error

	// ClaimStaleSyntheticWorks selects synthetic works due for enhancement
	// and stamps their sync time before fn runs. Rows locked by concurrent
	// workers are skipped; a crash mid-enhancement parks the claimed rows
	// until the next staleness window instead of re-handing them out.
	ClaimStaleSyntheticWorks(ctx context.Context, limit int, fn func(ctx context.Context, works []*Work) error) error
	FinishWorkEnhancement(ctx context.Context, workKey string, completeness int) error
}

type pgStore struct {
	db *pgxpool.Pool
}

var _ storage = (*pgStore)(nil)

func newPGStore(db *pgxpool.Pool) *pgStore {
	return &pgStore{db: db}
}

const _editionColumns = `isbn, COALESCE(title, ''), COALESCE(subtitle, ''), COALESCE(publisher, ''),
	COALESCE(publication_date, ''), COALESCE(page_count, 0), COALESCE(format, ''), COALESCE(language, ''),
	COALESCE(cover_original, ''), COALESCE(cover_large, ''), COALESCE(cover_medium, ''), COALESCE(cover_small, ''),
	COALESCE(cover_source, ''), COALESCE(alternate_isbns, '{}'), COALESCE(related_isbns, '{}'::jsonb),
	COALESCE(subjects, '{}'), COALESCE(dewey_decimals, '{}'), COALESCE(openlibrary_edition_id, ''),
	COALESCE(amazon_asins, '{}'), COALESCE(google_books_volume_ids, '{}'), COALESCE(goodreads_edition_ids, '{}'),
	COALESCE(work_key, ''), work_match_confidence, COALESCE(work_match_source, ''),
	COALESCE(primary_provider, ''), COALESCE(contributors, '{}'), quality_score, completeness_score,
	created_at, updated_at, last_isbndb_sync`

func scanEdition(row pgx.Row) (*Edition, error) {
	var e Edition
	var lastSync *time.Time
	err := row.Scan(
		&e.ISBN, &e.Title, &e.Subtitle, &e.Publisher,
		&e.PublicationDate, &e.PageCount, &e.Format, &e.Language,
		&e.Covers.Original, &e.Covers.Large, &e.Covers.Medium, &e.Covers.Small,
		&e.CoverSource, &e.AlternateISBNs, &e.RelatedISBNs,
		&e.Subjects, &e.DeweyDecimals, &e.OpenLibraryEditionID,
		&e.AmazonASINs, &e.GoogleVolumeIDs, &e.GoodreadsEditionIDs,
		&e.WorkKey, &e.WorkMatchConfidence, &e.WorkMatchSource,
		&e.PrimaryProvider, &e.Contributors, &e.QualityScore, &e.CompletenessScore,
		&e.CreatedAt, &e.UpdatedAt, &lastSync,
	)
	if err != nil {
		return nil, err
	}
	if lastSync != nil {
		e.LastISBNdbSync = *lastSync
	}
	return &e, nil
}

func (s *pgStore) GetEdition(ctx context.Context, isbn string) (*Edition, error) {
	edition, err := scanEdition(s.db.QueryRow(ctx,
		`SELECT `+_editionColumns+` FROM enriched_editions WHERE isbn = $1`, isbn))
	if isNoRows(err) {
		return nil, errNotFound
	}
	return edition, err
}

func (s *pgStore) UpsertEdition(ctx context.Context, edition *Edition) (bool, []string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := scanEdition(tx.QueryRow(ctx,
		`SELECT `+_editionColumns+` FROM enriched_editions WHERE isbn = $1 FOR UPDATE`, edition.ISBN))

	created := isNoRows(err)
	if created {
		existing = &Edition{ISBN: edition.ISBN}
	} else if err != nil {
		return false, nil, err
	}

	fields := mergeEdition(existing, edition)
	if !created && len(fields) == 0 {
		return false, nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO enriched_editions (
			isbn, title, subtitle, publisher, publication_date, page_count, format, language,
			cover_original, cover_large, cover_medium, cover_small, cover_source,
			alternate_isbns, related_isbns, subjects, dewey_decimals,
			openlibrary_edition_id, amazon_asins, google_books_volume_ids, goodreads_edition_ids,
			work_key, work_match_confidence, work_match_source,
			primary_provider, contributors, quality_score, completeness_score, last_isbndb_sync
		) VALUES (
			$1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, 0),
			NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''),
			NULLIF($12, ''), NULLIF($13, ''), $14, $15, $16, $17, NULLIF($18, ''), $19, $20, $21,
			NULLIF($22, ''), $23, NULLIF($24, ''), NULLIF($25, ''), $26, $27, $28, $29
		)
		ON CONFLICT (isbn) DO UPDATE SET
			title = EXCLUDED.title, subtitle = EXCLUDED.subtitle, publisher = EXCLUDED.publisher,
			publication_date = EXCLUDED.publication_date, page_count = EXCLUDED.page_count,
			format = EXCLUDED.format, language = EXCLUDED.language,
			cover_original = EXCLUDED.cover_original, cover_large = EXCLUDED.cover_large,
			cover_medium = EXCLUDED.cover_medium, cover_small = EXCLUDED.cover_small,
			cover_source = EXCLUDED.cover_source, alternate_isbns = EXCLUDED.alternate_isbns,
			related_isbns = EXCLUDED.related_isbns, subjects = EXCLUDED.subjects,
			dewey_decimals = EXCLUDED.dewey_decimals,
			openlibrary_edition_id = EXCLUDED.openlibrary_edition_id,
			amazon_asins = EXCLUDED.amazon_asins,
			google_books_volume_ids = EXCLUDED.google_books_volume_ids,
			goodreads_edition_ids = EXCLUDED.goodreads_edition_ids,
			work_key = EXCLUDED.work_key, work_match_confidence = EXCLUDED.work_match_confidence,
			work_match_source = EXCLUDED.work_match_source,
			primary_provider = EXCLUDED.primary_provider, contributors = EXCLUDED.contributors,
			quality_score = EXCLUDED.quality_score, completeness_score = EXCLUDED.completeness_score,
			last_isbndb_sync = EXCLUDED.last_isbndb_sync, updated_at = now()`,
		existing.ISBN, existing.Title, existing.Subtitle, existing.Publisher,
		existing.PublicationDate, existing.PageCount, existing.Format, existing.Language,
		existing.Covers.Original, existing.Covers.Large, existing.Covers.Medium, existing.Covers.Small,
		existing.CoverSource, existing.AlternateISBNs, existing.RelatedISBNs,
		existing.Subjects, existing.DeweyDecimals, existing.OpenLibraryEditionID,
		existing.AmazonASINs, existing.GoogleVolumeIDs, existing.GoodreadsEditionIDs,
		existing.WorkKey, existing.WorkMatchConfidence, existing.WorkMatchSource,
		existing.PrimaryProvider, existing.Contributors, existing.QualityScore, existing.CompletenessScore,
		timeOrNil(existing.LastISBNdbSync),
	)
	if err != nil {
		return false, nil, err
	}
	*edition = *existing

	return created, fields, tx.Commit(ctx)
}

const _workColumns = `work_key, COALESCE(title, ''), COALESCE(subtitle, ''), COALESCE(description, ''),
	COALESCE(original_language, ''), COALESCE(first_publication_year, 0), COALESCE(subject_tags, '{}'),
	COALESCE(cover_original, ''), COALESCE(cover_large, ''), COALESCE(cover_medium, ''), COALESCE(cover_small, ''),
	COALESCE(openlibrary_work_id, ''), COALESCE(goodreads_work_ids, '{}'),
	COALESCE(primary_provider, ''), COALESCE(contributors, '{}'), quality_score, completeness_score,
	synthetic, COALESCE(metadata, '{}'::jsonb), created_at, updated_at, last_isbndb_sync`

func scanWork(row pgx.Row) (*Work, error) {
	var w Work
	var lastSync *time.Time
	err := row.Scan(
		&w.WorkKey, &w.Title, &w.Subtitle, &w.Description,
		&w.OriginalLanguage, &w.FirstPublicationYear, &w.SubjectTags,
		&w.Covers.Original, &w.Covers.Large, &w.Covers.Medium, &w.Covers.Small,
		&w.OpenLibraryWorkID, &w.GoodreadsWorkIDs,
		&w.PrimaryProvider, &w.Contributors, &w.QualityScore, &w.CompletenessScore,
		&w.Synthetic, &w.Metadata, &w.CreatedAt, &w.UpdatedAt, &lastSync,
	)
	if err != nil {
		return nil, err
	}
	if lastSync != nil {
		w.LastISBNdbSync = *lastSync
	}
	return &w, nil
}

func (s *pgStore) GetWork(ctx context.Context, workKey string) (*Work, error) {
	work, err := scanWork(s.db.QueryRow(ctx,
		`SELECT `+_workColumns+` FROM enriched_works WHERE work_key = $1`, workKey))
	if isNoRows(err) {
		return nil, errNotFound
	}
	return work, err
}

func (s *pgStore) UpsertWork(ctx context.Context, work *Work) (bool, []string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := scanWork(tx.QueryRow(ctx,
		`SELECT `+_workColumns+` FROM enriched_works WHERE work_key = $1 FOR UPDATE`, work.WorkKey))

	created := isNoRows(err)
	if created {
		existing = &Work{WorkKey: work.WorkKey, Synthetic: work.Synthetic}
	} else if err != nil {
		return false, nil, err
	}

	fields := mergeWork(existing, work)
	if !created && len(fields) == 0 {
		return false, nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO enriched_works (
			work_key, title, subtitle, description, original_language, first_publication_year,
			subject_tags, cover_original, cover_large, cover_medium, cover_small,
			openlibrary_work_id, goodreads_work_ids, primary_provider, contributors,
			quality_score, completeness_score, synthetic, metadata, last_isbndb_sync
		) VALUES (
			$1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, 0),
			$7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''),
			NULLIF($12, ''), $13, NULLIF($14, ''), $15, $16, $17, $18, $19, $20
		)
		ON CONFLICT (work_key) DO UPDATE SET
			title = EXCLUDED.title, subtitle = EXCLUDED.subtitle, description = EXCLUDED.description,
			original_language = EXCLUDED.original_language,
			first_publication_year = EXCLUDED.first_publication_year,
			subject_tags = EXCLUDED.subject_tags,
			cover_original = EXCLUDED.cover_original, cover_large = EXCLUDED.cover_large,
			cover_medium = EXCLUDED.cover_medium, cover_small = EXCLUDED.cover_small,
			openlibrary_work_id = EXCLUDED.openlibrary_work_id,
			goodreads_work_ids = EXCLUDED.goodreads_work_ids,
			primary_provider = EXCLUDED.primary_provider, contributors = EXCLUDED.contributors,
			quality_score = EXCLUDED.quality_score, completeness_score = EXCLUDED.completeness_score,
			synthetic = EXCLUDED.synthetic, metadata = EXCLUDED.metadata,
			last_isbndb_sync = EXCLUDED.last_isbndb_sync, updated_at = now()`,
		existing.WorkKey, existing.Title, existing.Subtitle, existing.Description,
		existing.OriginalLanguage, existing.FirstPublicationYear, existing.SubjectTags,
		existing.Covers.Original, existing.Covers.Large, existing.Covers.Medium, existing.Covers.Small,
		existing.OpenLibraryWorkID, existing.GoodreadsWorkIDs,
		existing.PrimaryProvider, existing.Contributors,
		existing.QualityScore, existing.CompletenessScore, existing.Synthetic, existing.Metadata,
		timeOrNil(existing.LastISBNdbSync),
	)
	if err != nil {
		return false, nil, err
	}
	*work = *existing

	return created, fields, tx.Commit(ctx)
}

const _authorColumns = `author_key, COALESCE(name, ''), COALESCE(gender, ''), COALESCE(gender_qid, ''),
	COALESCE(citizenship, ''), COALESCE(citizenship_qid, ''), COALESCE(birth_year, 0), COALESCE(death_year, 0),
	COALESCE(birth_place, ''), COALESCE(birth_place_qid, ''), COALESCE(birth_country, ''),
	COALESCE(birth_country_qid, ''), COALESCE(death_place, ''), COALESCE(death_place_qid, ''),
	COALESCE(bio, ''), COALESCE(bio_source, ''), COALESCE(photo_url, ''),
	COALESCE(openlibrary_author_id, ''), COALESCE(goodreads_author_ids, '{}'), COALESCE(wikidata_id, ''),
	COALESCE(primary_provider, ''), COALESCE(enrichment_source, ''), wikidata_enriched_at`

func scanAuthor(row pgx.Row) (*Author, error) {
	var a Author
	var enrichedAt *time.Time
	err := row.Scan(
		&a.AuthorKey, &a.Name, &a.Gender, &a.GenderQID,
		&a.Citizenship, &a.CitizenshipQID, &a.BirthYear, &a.DeathYear,
		&a.BirthPlace, &a.BirthPlaceQID, &a.BirthCountry,
		&a.BirthCountryQID, &a.DeathPlace, &a.DeathPlaceQID,
		&a.Bio, &a.BioSource, &a.PhotoURL,
		&a.OpenLibraryAuthorID, &a.GoodreadsAuthorIDs, &a.WikidataID,
		&a.PrimaryProvider, &a.EnrichmentSource, &enrichedAt,
	)
	if err != nil {
		return nil, err
	}
	if enrichedAt != nil {
		a.WikidataEnrichedAt = *enrichedAt
	}
	return &a, nil
}

func (s *pgStore) GetAuthor(ctx context.Context, authorKey string) (*Author, error) {
	author, err := scanAuthor(s.db.QueryRow(ctx,
		`SELECT `+_authorColumns+` FROM enriched_authors WHERE author_key = $1`, authorKey))
	if isNoRows(err) {
		return nil, errNotFound
	}
	return author, err
}

func (s *pgStore) UpsertAuthor(ctx context.Context, author *Author) (bool, []string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := scanAuthor(tx.QueryRow(ctx,
		`SELECT `+_authorColumns+` FROM enriched_authors WHERE author_key = $1 FOR UPDATE`, author.AuthorKey))

	created := isNoRows(err)
	if created {
		existing = &Author{AuthorKey: author.AuthorKey}
	} else if err != nil {
		return false, nil, err
	}

	fields := mergeAuthor(existing, author)
	if !created && len(fields) == 0 {
		return false, nil, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO enriched_authors (
			author_key, name, gender, gender_qid, citizenship, citizenship_qid,
			birth_year, death_year, birth_place, birth_place_qid, birth_country, birth_country_qid,
			death_place, death_place_qid, bio, bio_source, photo_url,
			openlibrary_author_id, goodreads_author_ids, wikidata_id,
			primary_provider, enrichment_source, wikidata_enriched_at
		) VALUES (
			$1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
			NULLIF($7, 0), NULLIF($8, 0), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''),
			NULLIF($13, ''), NULLIF($14, ''), NULLIF($15, ''), NULLIF($16, ''), NULLIF($17, ''),
			NULLIF($18, ''), $19, NULLIF($20, ''), NULLIF($21, ''), NULLIF($22, ''), $23
		)
		ON CONFLICT (author_key) DO UPDATE SET
			name = EXCLUDED.name, gender = EXCLUDED.gender, gender_qid = EXCLUDED.gender_qid,
			citizenship = EXCLUDED.citizenship, citizenship_qid = EXCLUDED.citizenship_qid,
			birth_year = EXCLUDED.birth_year, death_year = EXCLUDED.death_year,
			birth_place = EXCLUDED.birth_place, birth_place_qid = EXCLUDED.birth_place_qid,
			birth_country = EXCLUDED.birth_country, birth_country_qid = EXCLUDED.birth_country_qid,
			death_place = EXCLUDED.death_place, death_place_qid = EXCLUDED.death_place_qid,
			bio = EXCLUDED.bio, bio_source = EXCLUDED.bio_source, photo_url = EXCLUDED.photo_url,
			openlibrary_author_id = EXCLUDED.openlibrary_author_id,
			goodreads_author_ids = EXCLUDED.goodreads_author_ids, wikidata_id = EXCLUDED.wikidata_id,
			primary_provider = EXCLUDED.primary_provider, enrichment_source = EXCLUDED.enrichment_source,
			wikidata_enriched_at = EXCLUDED.wikidata_enriched_at`,
		existing.AuthorKey, existing.Name, existing.Gender, existing.GenderQID,
		existing.Citizenship, existing.CitizenshipQID, existing.BirthYear, existing.DeathYear,
		existing.BirthPlace, existing.BirthPlaceQID, existing.BirthCountry, existing.BirthCountryQID,
		existing.DeathPlace, existing.DeathPlaceQID, existing.Bio, existing.BioSource, existing.PhotoURL,
		existing.OpenLibraryAuthorID, existing.GoodreadsAuthorIDs, existing.WikidataID,
		existing.PrimaryProvider, existing.EnrichmentSource, timeOrNil(existing.WikidataEnrichedAt),
	)
	if err != nil {
		return false, nil, err
	}
	*author = *existing

	return created, fields, tx.Commit(ctx)
}

func (s *pgStore) LinkWorkAuthor(ctx context.Context, workKey, authorKey string, order int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO work_authors_enriched (work_key, author_key, author_order)
		VALUES ($1, $2, $3)
		ON CONFLICT (work_key, author_key) DO NOTHING`,
		workKey, authorKey, order)
	return err
}

func (s *pgStore) WorkKeyForISBN(ctx context.Context, isbn string) (string, error) {
	var workKey string
	err := s.db.QueryRow(ctx,
		`SELECT work_key FROM enriched_editions WHERE isbn = $1 AND work_key IS NOT NULL`,
		isbn).Scan(&workKey)
	if isNoRows(err) {
		return "", errNotFound
	}
	return workKey, err
}

func (s *pgStore) WorkKeyByAuthors(ctx context.Context, title string, authorKeys []string) (string, error) {
	var workKey string
	err := s.db.QueryRow(ctx, `
		SELECT w.work_key
		FROM enriched_works w
		JOIN work_authors_enriched wa ON wa.work_key = w.work_key
		WHERE wa.author_key = ANY($2) AND similarity(w.title, $1) > 0.8
		ORDER BY similarity(w.title, $1) DESC
		LIMIT 1`,
		title, authorKeys).Scan(&workKey)
	if isNoRows(err) {
		return "", errNotFound
	}
	return workKey, err
}

func (s *pgStore) WorkKeyByExactTitle(ctx context.Context, title string) (string, error) {
	var workKey string
	err := s.db.QueryRow(ctx,
		`SELECT work_key FROM enriched_works WHERE LOWER(title) = LOWER($1) LIMIT 1`,
		title).Scan(&workKey)
	if isNoRows(err) {
		return "", errNotFound
	}
	return workKey, err
}

func (s *pgStore) AuthorKeyExact(ctx context.Context, name string) (string, error) {
	var authorKey string
	err := s.db.QueryRow(ctx,
		`SELECT author_key FROM enriched_authors WHERE LOWER(name) = LOWER($1) LIMIT 1`,
		name).Scan(&authorKey)
	if isNoRows(err) {
		return "", errNotFound
	}
	return authorKey, err
}

func (s *pgStore) AuthorKeyFuzzy(ctx context.Context, name string) (string, error) {
	var authorKey string
	err := s.db.QueryRow(ctx, `
		SELECT author_key FROM enriched_authors
		WHERE similarity(name, $1) > 0.7
		ORDER BY similarity(name, $1) DESC
		LIMIT 1`,
		name).Scan(&authorKey)
	if isNoRows(err) {
		return "", errNotFound
	}
	return authorKey, err
}

func (s *pgStore) RecordEnrichment(ctx context.Context, entry *EnrichmentLog) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO enrichment_log (entity_type, entity_key, provider, operation, success,
			fields_updated, error_message, response_time_ms)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8)`,
		entry.EntityType, entry.EntityKey, entry.Provider, entry.Operation, entry.Success,
		entry.FieldsUpdated, entry.ErrorMessage, entry.ResponseTimeMs)
	return err
}

func (s *pgStore) RecordExternalID(ctx context.Context, mapping *ExternalIDMapping) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO external_id_mappings (entity_type, our_key, provider, provider_id,
			confidence, mapping_source, mapping_method)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		ON CONFLICT (entity_type, our_key, provider, provider_id) DO UPDATE SET
			confidence = GREATEST(external_id_mappings.confidence, EXCLUDED.confidence)`,
		mapping.EntityType, mapping.OurKey, mapping.Provider, mapping.ProviderID,
		mapping.Confidence, mapping.MappingSource, mapping.MappingMethod)
	return err
}

func (s *pgStore) SetEditionCovers(ctx context.Context, isbn string, covers CoverSet, source string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE enriched_editions SET
			cover_original = NULLIF($2, ''), cover_large = NULLIF($3, ''),
			cover_medium = NULLIF($4, ''), cover_small = NULLIF($5, ''),
			cover_source = NULLIF($6, ''), updated_at = now()
		WHERE isbn = $1`,
		isbn, covers.Original, covers.Large, covers.Medium, covers.Small, source)
	return err
}

func (s *pgStore) StartBackfill(ctx context.Context, year, month int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO backfill_log (year, month, status)
		VALUES ($1, $2, 'processing')
		ON CONFLICT (year, month) DO UPDATE SET
			status = 'processing', started_at = now(), completed_at = NULL, error_message = NULL`,
		year, month)
	return err
}

func (s *pgStore) FinishBackfill(ctx context.Context, year, month int, status string, generated, resolved, queued int, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE backfill_log SET
			status = $3, books_generated = $4, isbns_resolved = $5, isbns_queued = $6,
			error_message = NULLIF($7, ''), completed_at = now()
		WHERE year = $1 AND month = $2`,
		year, month, status, generated, resolved, queued, errMsg)
	return err
}

func (s *pgStore) ClaimStaleSyntheticWorks(ctx context.Context, limit int, fn func(ctx context.Context, works []*Work) error) error {
	// Claim and stamp in one statement. The row locks are gone by the time
	// fn runs, so enhancement writes on other pool connections (completeness
	// bumps, edition upserts) can't wait on the claim itself.
	rows, err := s.db.Query(ctx, `
		UPDATE enriched_works SET last_isbndb_sync = now(), updated_at = now()
		WHERE work_key IN (
			SELECT work_key FROM enriched_works
			WHERE synthetic AND completeness_score < 50
				AND (last_isbndb_sync IS NULL OR last_isbndb_sync < now() - interval '7 days')
			LIMIT $1
			FOR UPDATE SKIP LOCKED)
		RETURNING `+_workColumns,
		limit)
	if err != nil {
		return err
	}

	var works []*Work
	for rows.Next() {
		work, err := scanWork(rows)
		if err != nil {
			rows.Close()
			return err
		}
		works = append(works, work)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(works) == 0 {
		return nil
	}
	return fn(ctx, works)
}

func (s *pgStore) FinishWorkEnhancement(ctx context.Context, workKey string, completeness int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE enriched_works SET
			completeness_score = GREATEST(completeness_score, $2),
			last_isbndb_sync = now(), updated_at = now()
		WHERE work_key = $1`,
		workKey, completeness)
	return err
}

// timeOrNil treats the zero time as absent.
func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
