package internal

import (
	"time"
)

// The canonical entities. Empty strings and zero values mean "absent": merge
// rules treat them as SQL NULLs, so an absent incoming field never clobbers a
// populated stored one.

// CoverSet holds the cover URL slots, largest first.
type CoverSet struct {
	Original string `json:"original,omitempty"`
	Large    string `json:"large,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Small    string `json:"small,omitempty"`
}

// best returns the most preferred non-empty URL.
func (c CoverSet) best() string {
	for _, u := range []string{c.Original, c.Large, c.Medium, c.Small} {
		if u != "" {
			return u
		}
	}
	return ""
}

func (c CoverSet) empty() bool { return c.best() == "" }

// Edition is a specific printing keyed by its canonical ISBN-13.
type Edition struct {
	ISBN            string   `json:"isbn"`
	Title           string   `json:"title,omitempty"`
	Subtitle        string   `json:"subtitle,omitempty"`
	Publisher       string   `json:"publisher,omitempty"`
	PublicationDate string   `json:"publication_date,omitempty"`
	PageCount       int      `json:"page_count,omitempty"`
	Format          string   `json:"format,omitempty"`
	Language        string   `json:"language,omitempty"`
	Covers          CoverSet `json:"covers,omitempty"`
	CoverSource     string   `json:"cover_source,omitempty"`

	AlternateISBNs []string          `json:"alternate_isbns,omitempty"`
	RelatedISBNs   map[string]string `json:"related_isbns,omitempty"` // ISBN -> format description.
	Subjects       []string          `json:"subjects,omitempty"`
	DeweyDecimals  []string          `json:"dewey_decimals,omitempty"`

	OpenLibraryEditionID string   `json:"openlibrary_edition_id,omitempty"`
	AmazonASINs          []string `json:"amazon_asins,omitempty"`
	GoogleVolumeIDs      []string `json:"google_books_volume_ids,omitempty"`
	GoodreadsEditionIDs  []string `json:"goodreads_edition_ids,omitempty"`

	WorkKey             string `json:"work_key,omitempty"`
	WorkMatchConfidence int    `json:"work_match_confidence,omitempty"`
	WorkMatchSource     string `json:"work_match_source,omitempty"`

	PrimaryProvider   string   `json:"primary_provider,omitempty"`
	Contributors      []string `json:"contributors,omitempty"`
	QualityScore      int      `json:"quality_score,omitempty"`
	CompletenessScore int      `json:"completeness_score,omitempty"`

	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
	LastISBNdbSync time.Time `json:"last_isbndb_sync,omitempty"`
}

// Work is the title-level abstract entity grouping editions.
type Work struct {
	WorkKey              string   `json:"work_key"`
	Title                string   `json:"title,omitempty"`
	Subtitle             string   `json:"subtitle,omitempty"`
	Description          string   `json:"description,omitempty"`
	OriginalLanguage     string   `json:"original_language,omitempty"`
	FirstPublicationYear int      `json:"first_publication_year,omitempty"`
	SubjectTags          []string `json:"subject_tags,omitempty"`
	Covers               CoverSet `json:"covers,omitempty"`

	OpenLibraryWorkID string   `json:"openlibrary_work_id,omitempty"`
	GoodreadsWorkIDs  []string `json:"goodreads_work_ids,omitempty"`

	PrimaryProvider   string            `json:"primary_provider,omitempty"`
	Contributors      []string          `json:"contributors,omitempty"`
	QualityScore      int               `json:"quality_score,omitempty"`
	CompletenessScore int               `json:"completeness_score,omitempty"`
	Synthetic         bool              `json:"synthetic,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`

	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
	LastISBNdbSync time.Time `json:"last_isbndb_sync,omitempty"`
}

// Author is a person or entity authoring works.
type Author struct {
	AuthorKey       string `json:"author_key"`
	Name            string `json:"name,omitempty"`
	Gender          string `json:"gender,omitempty"`
	GenderQID       string `json:"gender_qid,omitempty"`
	Citizenship     string `json:"citizenship,omitempty"`
	CitizenshipQID  string `json:"citizenship_qid,omitempty"`
	BirthYear       int    `json:"birth_year,omitempty"`
	DeathYear       int    `json:"death_year,omitempty"`
	BirthPlace      string `json:"birth_place,omitempty"`
	BirthPlaceQID   string `json:"birth_place_qid,omitempty"`
	BirthCountry    string `json:"birth_country,omitempty"`
	BirthCountryQID string `json:"birth_country_qid,omitempty"`
	DeathPlace      string `json:"death_place,omitempty"`
	DeathPlaceQID   string `json:"death_place_qid,omitempty"`
	Bio             string `json:"bio,omitempty"`
	BioSource       string `json:"bio_source,omitempty"`
	PhotoURL        string `json:"photo_url,omitempty"`

	OpenLibraryAuthorID string   `json:"openlibrary_author_id,omitempty"`
	GoodreadsAuthorIDs  []string `json:"goodreads_author_ids,omitempty"`
	WikidataID          string   `json:"wikidata_id,omitempty"`

	PrimaryProvider    string    `json:"primary_provider,omitempty"`
	EnrichmentSource   string    `json:"enrichment_source,omitempty"`
	WikidataEnrichedAt time.Time `json:"wikidata_enriched_at,omitempty"`
}

// ExternalIDMapping records a provider's identifier for one of our entities.
type ExternalIDMapping struct {
	EntityType    string `json:"entity_type"`
	OurKey        string `json:"our_key"`
	Provider      string `json:"provider"`
	ProviderID    string `json:"provider_id"`
	Confidence    int    `json:"confidence"`
	MappingSource string `json:"mapping_source,omitempty"`
	MappingMethod string `json:"mapping_method,omitempty"`
}

// EnrichmentLog is the append-only audit trail of merge-writer operations.
type EnrichmentLog struct {
	EntityType     string    `json:"entity_type"`
	EntityKey      string    `json:"entity_key"`
	Provider       string    `json:"provider"`
	Operation      string    `json:"operation"` // create | update
	Success        bool      `json:"success"`
	FieldsUpdated  []string  `json:"fields_updated,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// BookMetadata is provider evidence for one edition, prior to merging.
type BookMetadata struct {
	ISBN            string   `json:"isbn"`
	Title           string   `json:"title,omitempty"`
	Subtitle        string   `json:"subtitle,omitempty"`
	Authors         []string `json:"authors,omitempty"`
	Publisher       string   `json:"publisher,omitempty"`
	PublicationDate string   `json:"publication_date,omitempty"`
	PageCount       int      `json:"page_count,omitempty"`
	Format          string   `json:"format,omitempty"`
	Language        string   `json:"language,omitempty"`
	Covers          CoverSet `json:"covers,omitempty"`
	Subjects        []string `json:"subjects,omitempty"`
	DeweyDecimals   []string `json:"dewey_decimals,omitempty"`
	RelatedISBNs    []string `json:"related_isbns,omitempty"`

	OpenLibraryEditionID string   `json:"openlibrary_edition_id,omitempty"`
	OpenLibraryWorkID    string   `json:"openlibrary_work_id,omitempty"`
	AmazonASINs          []string `json:"amazon_asins,omitempty"`
	GoogleVolumeIDs      []string `json:"google_books_volume_ids,omitempty"`

	Provider string `json:"provider"`

	// variants carries format descriptions for related ISBNs when the
	// provider reports them.
	variants []EditionVariant
}

// EditionVariant is one alternate printing reported by a variant provider.
type EditionVariant struct {
	ISBN   string `json:"isbn"`
	Format string `json:"format"`
	Source string `json:"source"`
}

// GeneratedBook is one AI-generated backfill candidate. ISBNs are never
// generated; they're resolved afterwards through the cascade.
type GeneratedBook struct {
	Title           string `json:"title"`
	Author          string `json:"author"`
	Publisher       string `json:"publisher,omitempty"`
	Format          string `json:"format"`
	PublicationYear int    `json:"publication_year"`
	Significance    string `json:"significance,omitempty"`

	Generator string `json:"generator,omitempty"`
	ISBN      string `json:"isbn,omitempty"` // Populated by resolution, not generation.
}

// WikidataEdition is the supplementary evidence Wikidata contributes to an
// edition's work: genres and edition variants.
type WikidataEdition struct {
	Genres   []string         `json:"genres,omitempty"`
	Variants []EditionVariant `json:"variants,omitempty"`
}

// ArchiveMetadata is supplementary evidence from Archive.org.
type ArchiveMetadata struct {
	Description       string   `json:"description,omitempty"`
	Subjects          []string `json:"subjects,omitempty"`
	OpenLibraryWorkID string   `json:"openlibrary_work_id,omitempty"`
}
