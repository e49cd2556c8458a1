package internal

import (
	"time"
)

// The monotone-merge rules. Merging the same incoming record any number of
// times is idempotent, scores never decrease, and populated fields are never
// clobbered by absent ones. Both stores funnel through these functions so
// their semantics are identical.

// tracker accumulates the names of fields a merge actually changed, for the
// enrichment log.
type tracker struct {
	fields []string
}

func (t *tracker) mark(field string) {
	t.fields = append(t.fields, field)
}

// coalesceStr keeps existing unless it's absent.
func (t *tracker) coalesceStr(field string, existing *string, incoming string) {
	if *existing == "" && incoming != "" {
		*existing = incoming
		t.mark(field)
	}
}

func (t *tracker) coalesceInt(field string, existing *int, incoming int) {
	if *existing == 0 && incoming != 0 {
		*existing = incoming
		t.mark(field)
	}
}

// coalesceSlice replaces array-wise: incoming is taken only when existing is
// empty, never concatenated.
func (t *tracker) coalesceSlice(field string, existing *[]string, incoming []string) {
	if len(*existing) == 0 && len(incoming) > 0 {
		*existing = incoming
		t.mark(field)
	}
}

// overwriteStr replaces existing with a populated incoming value. Used for
// high-weight fields once the quality gate has passed.
func (t *tracker) overwriteStr(field string, existing *string, incoming string) {
	if incoming != "" && incoming != *existing {
		*existing = incoming
		t.mark(field)
	}
}

// raiseInt applies GREATEST.
func (t *tracker) raiseInt(field string, existing *int, incoming int) {
	if incoming > *existing {
		*existing = incoming
		t.mark(field)
	}
}

func (t *tracker) mergeCovers(existing *CoverSet, incoming CoverSet) {
	t.coalesceStr("cover_original", &existing.Original, incoming.Original)
	t.coalesceStr("cover_large", &existing.Large, incoming.Large)
	t.coalesceStr("cover_medium", &existing.Medium, incoming.Medium)
	t.coalesceStr("cover_small", &existing.Small, incoming.Small)
}

// unionTags set-unions normalized subject tags.
func (t *tracker) unionTags(field string, existing *[]string, incoming []string) {
	merged := normalizeSubjects(*existing, incoming)
	if len(merged) != len(*existing) {
		t.mark(field)
	}
	*existing = merged
}

// appendContributors keeps contributors ordered and distinct.
func (t *tracker) appendContributors(existing *[]string, incoming []string) {
	seen := set[string]{}
	for _, c := range *existing {
		seen[c] = struct{}{}
	}
	for _, c := range incoming {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		*existing = append(*existing, c)
		t.mark("contributors")
	}
}

// mergeEdition merges incoming provider evidence into the stored edition,
// returning the fields that changed. existing is mutated in place.
func mergeEdition(existing, incoming *Edition) []string {
	t := &tracker{}

	// The quality gate compares pre-merge scores.
	higherQuality := incoming.QualityScore > existing.QualityScore

	if higherQuality {
		t.overwriteStr("title", &existing.Title, incoming.Title)
		t.overwriteStr("subtitle", &existing.Subtitle, incoming.Subtitle)
		t.overwriteStr("publisher", &existing.Publisher, incoming.Publisher)
		t.overwriteStr("publication_date", &existing.PublicationDate, incoming.PublicationDate)
	} else {
		t.coalesceStr("title", &existing.Title, incoming.Title)
		t.coalesceStr("subtitle", &existing.Subtitle, incoming.Subtitle)
		t.coalesceStr("publisher", &existing.Publisher, incoming.Publisher)
		t.coalesceStr("publication_date", &existing.PublicationDate, incoming.PublicationDate)
	}

	t.coalesceInt("page_count", &existing.PageCount, incoming.PageCount)
	t.coalesceStr("format", &existing.Format, incoming.Format)
	t.coalesceStr("language", &existing.Language, incoming.Language)
	t.mergeCovers(&existing.Covers, incoming.Covers)
	t.coalesceStr("cover_source", &existing.CoverSource, incoming.CoverSource)

	// alternate_isbns unions, excluding the primary ISBN itself.
	alternates := set[string]{}
	for _, isbn := range existing.AlternateISBNs {
		alternates[isbn] = struct{}{}
	}
	for _, isbn := range incoming.AlternateISBNs {
		if isbn == existing.ISBN {
			continue
		}
		if _, ok := alternates[isbn]; !ok {
			alternates[isbn] = struct{}{}
			existing.AlternateISBNs = append(existing.AlternateISBNs, isbn)
			t.mark("alternate_isbns")
		}
	}

	// related_isbns map-unions; existing keys keep their values.
	for isbn, format := range incoming.RelatedISBNs {
		if existing.RelatedISBNs == nil {
			existing.RelatedISBNs = map[string]string{}
		}
		if _, ok := existing.RelatedISBNs[isbn]; !ok {
			existing.RelatedISBNs[isbn] = format
			t.mark("related_isbns")
		}
	}

	t.unionTags("subjects", &existing.Subjects, incoming.Subjects)
	t.coalesceSlice("dewey_decimals", &existing.DeweyDecimals, incoming.DeweyDecimals)

	t.coalesceStr("openlibrary_edition_id", &existing.OpenLibraryEditionID, incoming.OpenLibraryEditionID)
	t.coalesceSlice("amazon_asins", &existing.AmazonASINs, incoming.AmazonASINs)
	t.coalesceSlice("google_books_volume_ids", &existing.GoogleVolumeIDs, incoming.GoogleVolumeIDs)
	t.coalesceSlice("goodreads_edition_ids", &existing.GoodreadsEditionIDs, incoming.GoodreadsEditionIDs)

	// work_key is stable after first assignment. Higher-confidence matches
	// update confidence and source only.
	t.coalesceStr("work_key", &existing.WorkKey, incoming.WorkKey)
	if incoming.WorkMatchConfidence > existing.WorkMatchConfidence {
		existing.WorkMatchConfidence = incoming.WorkMatchConfidence
		existing.WorkMatchSource = incoming.WorkMatchSource
		t.mark("work_match_confidence")
	}

	t.coalesceStr("primary_provider", &existing.PrimaryProvider, incoming.PrimaryProvider)
	t.appendContributors(&existing.Contributors, contributorsOf(incoming.Contributors, incoming.PrimaryProvider))
	t.raiseInt("quality_score", &existing.QualityScore, incoming.QualityScore)
	t.raiseInt("completeness_score", &existing.CompletenessScore, incoming.CompletenessScore)

	if incoming.PrimaryProvider == "isbndb" {
		existing.LastISBNdbSync = time.Now()
		t.mark("last_isbndb_sync")
	}

	return t.fields
}

// mergeWork merges incoming evidence into the stored work.
func mergeWork(existing, incoming *Work) []string {
	t := &tracker{}

	higherQuality := incoming.QualityScore > existing.QualityScore
	if higherQuality {
		t.overwriteStr("title", &existing.Title, incoming.Title)
		t.overwriteStr("subtitle", &existing.Subtitle, incoming.Subtitle)
	} else {
		t.coalesceStr("title", &existing.Title, incoming.Title)
		t.coalesceStr("subtitle", &existing.Subtitle, incoming.Subtitle)
	}

	t.coalesceStr("description", &existing.Description, incoming.Description)
	t.coalesceStr("original_language", &existing.OriginalLanguage, incoming.OriginalLanguage)
	t.coalesceInt("first_publication_year", &existing.FirstPublicationYear, incoming.FirstPublicationYear)
	t.unionTags("subject_tags", &existing.SubjectTags, incoming.SubjectTags)
	t.mergeCovers(&existing.Covers, incoming.Covers)

	t.coalesceStr("openlibrary_work_id", &existing.OpenLibraryWorkID, incoming.OpenLibraryWorkID)
	t.coalesceSlice("goodreads_work_ids", &existing.GoodreadsWorkIDs, incoming.GoodreadsWorkIDs)

	t.coalesceStr("primary_provider", &existing.PrimaryProvider, incoming.PrimaryProvider)
	t.appendContributors(&existing.Contributors, contributorsOf(incoming.Contributors, incoming.PrimaryProvider))
	t.raiseInt("quality_score", &existing.QualityScore, incoming.QualityScore)
	t.raiseInt("completeness_score", &existing.CompletenessScore, incoming.CompletenessScore)

	// A synthetic work becomes real once authoritative evidence lands; it
	// never goes back to synthetic.
	if existing.Synthetic && !incoming.Synthetic {
		existing.Synthetic = false
		t.mark("synthetic")
	}

	for k, v := range incoming.Metadata {
		if existing.Metadata == nil {
			existing.Metadata = map[string]string{}
		}
		if _, ok := existing.Metadata[k]; !ok {
			existing.Metadata[k] = v
			t.mark("metadata")
		}
	}

	return t.fields
}

// mergeAuthor COALESCEs every field; author evidence is never overwritten,
// only filled in.
func mergeAuthor(existing, incoming *Author) []string {
	t := &tracker{}

	t.coalesceStr("name", &existing.Name, incoming.Name)
	t.coalesceStr("gender", &existing.Gender, incoming.Gender)
	t.coalesceStr("gender_qid", &existing.GenderQID, incoming.GenderQID)
	t.coalesceStr("citizenship", &existing.Citizenship, incoming.Citizenship)
	t.coalesceStr("citizenship_qid", &existing.CitizenshipQID, incoming.CitizenshipQID)
	t.coalesceInt("birth_year", &existing.BirthYear, incoming.BirthYear)
	t.coalesceInt("death_year", &existing.DeathYear, incoming.DeathYear)
	t.coalesceStr("birth_place", &existing.BirthPlace, incoming.BirthPlace)
	t.coalesceStr("birth_place_qid", &existing.BirthPlaceQID, incoming.BirthPlaceQID)
	t.coalesceStr("birth_country", &existing.BirthCountry, incoming.BirthCountry)
	t.coalesceStr("birth_country_qid", &existing.BirthCountryQID, incoming.BirthCountryQID)
	t.coalesceStr("death_place", &existing.DeathPlace, incoming.DeathPlace)
	t.coalesceStr("death_place_qid", &existing.DeathPlaceQID, incoming.DeathPlaceQID)
	t.coalesceStr("bio", &existing.Bio, incoming.Bio)
	t.coalesceStr("bio_source", &existing.BioSource, incoming.BioSource)
	t.coalesceStr("photo_url", &existing.PhotoURL, incoming.PhotoURL)
	t.coalesceStr("openlibrary_author_id", &existing.OpenLibraryAuthorID, incoming.OpenLibraryAuthorID)
	t.coalesceSlice("goodreads_author_ids", &existing.GoodreadsAuthorIDs, incoming.GoodreadsAuthorIDs)
	t.coalesceStr("wikidata_id", &existing.WikidataID, incoming.WikidataID)
	t.coalesceStr("primary_provider", &existing.PrimaryProvider, incoming.PrimaryProvider)
	t.coalesceStr("enrichment_source", &existing.EnrichmentSource, incoming.EnrichmentSource)

	if !incoming.WikidataEnrichedAt.IsZero() {
		existing.WikidataEnrichedAt = incoming.WikidataEnrichedAt
		t.mark("wikidata_enriched_at")
	}

	return t.fields
}

// applyWorkEvidence folds supplementary Wikidata and Archive evidence into a
// work before it's upserted. Archive's description and OpenLibrary work id
// win over the incoming values; genres and subjects union in.
func applyWorkEvidence(work *Work, wikidata *WikidataEdition, archive *ArchiveMetadata) {
	if wikidata != nil && len(wikidata.Genres) > 0 {
		work.SubjectTags = normalizeSubjects(work.SubjectTags, wikidata.Genres)
		work.Contributors = appendDistinct(work.Contributors, "wikidata")
	}
	if archive != nil {
		if archive.Description != "" {
			work.Description = archive.Description
		}
		if archive.OpenLibraryWorkID != "" {
			work.OpenLibraryWorkID = archive.OpenLibraryWorkID
		}
		work.SubjectTags = normalizeSubjects(work.SubjectTags, archive.Subjects)
		work.Contributors = appendDistinct(work.Contributors, "archive-org")
	}
}

// contributorsOf yields the incoming contributor list, defaulting to the
// record's primary provider.
func contributorsOf(contributors []string, provider string) []string {
	if len(contributors) > 0 {
		return contributors
	}
	if provider == "" {
		return nil
	}
	return []string{provider}
}

func appendDistinct(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
