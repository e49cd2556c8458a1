package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeEditionScoresAreMonotone(t *testing.T) {
	t.Parallel()

	existing := &Edition{ISBN: "9780439064873", QualityScore: 80, CompletenessScore: 70}
	incoming := &Edition{ISBN: "9780439064873", QualityScore: 60, CompletenessScore: 90}

	mergeEdition(existing, incoming)
	assert.Equal(t, 80, existing.QualityScore)
	assert.Equal(t, 90, existing.CompletenessScore)
}

func TestMergeEditionHighWeightFieldsNeedHigherQuality(t *testing.T) {
	t.Parallel()

	existing := &Edition{
		ISBN:         "9780439064873",
		Title:        "Authoritative Title",
		Publisher:    "Scholastic",
		QualityScore: 80,
	}
	incoming := &Edition{
		ISBN:         "9780439064873",
		Title:        "Worse Title",
		Publisher:    "Knockoff Press",
		QualityScore: 50,
	}
	mergeEdition(existing, incoming)
	assert.Equal(t, "Authoritative Title", existing.Title)
	assert.Equal(t, "Scholastic", existing.Publisher)

	// A strictly higher quality incoming record does overwrite.
	better := &Edition{ISBN: "9780439064873", Title: "Better Title", QualityScore: 95}
	mergeEdition(existing, better)
	assert.Equal(t, "Better Title", existing.Title)
}

func TestMergeEditionCoalesceNeverClobbers(t *testing.T) {
	t.Parallel()

	existing := &Edition{ISBN: "9780439064873", Format: "Hardcover", QualityScore: 50}
	incoming := &Edition{ISBN: "9780439064873", Format: "", Language: "en", QualityScore: 90}

	mergeEdition(existing, incoming)
	assert.Equal(t, "Hardcover", existing.Format)
	assert.Equal(t, "en", existing.Language)
}

func TestMergeEditionContributorsOrderedDistinct(t *testing.T) {
	t.Parallel()

	existing := &Edition{ISBN: "9780439064873"}
	mergeEdition(existing, &Edition{ISBN: "9780439064873", PrimaryProvider: "isbndb"})
	mergeEdition(existing, &Edition{ISBN: "9780439064873", PrimaryProvider: "wikidata"})
	mergeEdition(existing, &Edition{ISBN: "9780439064873", PrimaryProvider: "isbndb"})

	assert.Equal(t, []string{"isbndb", "wikidata"}, existing.Contributors)
	assert.Equal(t, "isbndb", existing.PrimaryProvider)
}

func TestMergeEditionRelatedISBNsExistingWins(t *testing.T) {
	t.Parallel()

	existing := &Edition{
		ISBN:         "9780439064873",
		RelatedISBNs: map[string]string{"9780439554893": "Paperback"},
	}
	incoming := &Edition{
		ISBN: "9780439064873",
		RelatedISBNs: map[string]string{
			"9780439554893": "Mass Market",
			"9781408855667": "eBook",
		},
	}
	mergeEdition(existing, incoming)
	assert.Equal(t, "Paperback", existing.RelatedISBNs["9780439554893"])
	assert.Equal(t, "eBook", existing.RelatedISBNs["9781408855667"])
}

func TestMergeEditionWorkKeyStable(t *testing.T) {
	t.Parallel()

	existing := &Edition{
		ISBN:                "9780439064873",
		WorkKey:             "synthetic:harry-potter:jk-rowling",
		WorkMatchConfidence: 50,
		WorkMatchSource:     "gemini-synthetic",
	}
	incoming := &Edition{
		ISBN:                "9780439064873",
		WorkKey:             "/works/OL82563W",
		WorkMatchConfidence: 90,
		WorkMatchSource:     "isbndb",
		QualityScore:        95,
	}
	mergeEdition(existing, incoming)

	assert.Equal(t, "synthetic:harry-potter:jk-rowling", existing.WorkKey)
	assert.Equal(t, 90, existing.WorkMatchConfidence)
	assert.Equal(t, "isbndb", existing.WorkMatchSource)
}

func TestMergeEditionAlternateISBNsExcludePrimary(t *testing.T) {
	t.Parallel()

	existing := &Edition{ISBN: "9780439064873"}
	incoming := &Edition{
		ISBN:           "9780439064873",
		AlternateISBNs: []string{"9780439064873", "9780439554893"},
	}
	mergeEdition(existing, incoming)
	assert.Equal(t, []string{"9780439554893"}, existing.AlternateISBNs)
}

func TestMergeEditionIdempotent(t *testing.T) {
	t.Parallel()

	incoming := func() *Edition {
		return &Edition{
			ISBN:            "9780439064873",
			Title:           "Harry Potter and the Chamber of Secrets",
			Subjects:        []string{"Fantasy", "Magic"},
			PrimaryProvider: "isbndb",
			QualityScore:    80,
		}
	}

	once := &Edition{ISBN: "9780439064873"}
	mergeEdition(once, incoming())

	thrice := &Edition{ISBN: "9780439064873"}
	for range 3 {
		mergeEdition(thrice, incoming())
	}

	assert.Equal(t, once.Title, thrice.Title)
	assert.Equal(t, once.Subjects, thrice.Subjects)
	assert.Equal(t, once.Contributors, thrice.Contributors)
	assert.Equal(t, once.QualityScore, thrice.QualityScore)
}

func TestMergeWorkSubjectUnion(t *testing.T) {
	t.Parallel()

	existing := &Work{WorkKey: "/works/OL1W", SubjectTags: []string{"fantasy"}}
	incoming := &Work{WorkKey: "/works/OL1W", SubjectTags: []string{"Fantasy", "Magic "}}

	mergeWork(existing, incoming)
	assert.Equal(t, []string{"fantasy", "magic"}, existing.SubjectTags)
}

func TestMergeWorkSyntheticUpgrade(t *testing.T) {
	t.Parallel()

	existing := &Work{
		WorkKey:           "synthetic:wolf-hall:hilary-mantel",
		Title:             "Wolf Hall",
		Synthetic:         true,
		PrimaryProvider:   "gemini-backfill",
		CompletenessScore: 30,
	}
	incoming := &Work{
		WorkKey:           "synthetic:wolf-hall:hilary-mantel",
		Title:             "Wolf Hall",
		PrimaryProvider:   "isbndb",
		QualityScore:      80,
		CompletenessScore: 60,
	}
	mergeWork(existing, incoming)

	assert.False(t, existing.Synthetic)
	assert.Equal(t, 60, existing.CompletenessScore)
	// The first provider to create the work keeps primary attribution.
	assert.Equal(t, "gemini-backfill", existing.PrimaryProvider)
	assert.Contains(t, existing.Contributors, "isbndb")
}

func TestMergeAuthorCoalesceOnly(t *testing.T) {
	t.Parallel()

	existing := &Author{
		AuthorKey:   "/authors/OL23919A",
		Name:        "J.K. Rowling",
		Citizenship: "United Kingdom",
	}
	incoming := &Author{
		AuthorKey: "/authors/OL23919A",
		Name:      "Joanne Rowling",
		BirthYear: 1965,
		Gender:    "female",
	}
	fields := mergeAuthor(existing, incoming)

	assert.Equal(t, "J.K. Rowling", existing.Name)
	assert.Equal(t, "United Kingdom", existing.Citizenship)
	assert.Equal(t, 1965, existing.BirthYear)
	assert.Equal(t, "female", existing.Gender)
	assert.ElementsMatch(t, []string{"birth_year", "gender"}, fields)
}

func TestApplyWorkEvidence(t *testing.T) {
	t.Parallel()

	work := &Work{
		WorkKey:         "/works/OL1W",
		Description:     "from isbndb",
		SubjectTags:     []string{"fantasy"},
		PrimaryProvider: "isbndb",
		Contributors:    []string{"isbndb"},
	}
	applyWorkEvidence(work,
		&WikidataEdition{Genres: []string{"Epic Fantasy"}},
		&ArchiveMetadata{
			Description:       "from archive",
			Subjects:          []string{"magic"},
			OpenLibraryWorkID: "OL1W",
		},
	)

	assert.Equal(t, "from archive", work.Description)
	assert.Equal(t, "OL1W", work.OpenLibraryWorkID)
	assert.Equal(t, []string{"fantasy", "epic fantasy", "magic"}, work.SubjectTags)
	assert.Equal(t, []string{"isbndb", "wikidata", "archive-org"}, work.Contributors)
}
