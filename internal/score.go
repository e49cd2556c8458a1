package internal

// Provider base weights feeding quality scores. Higher means more
// authoritative evidence.
var _providerWeights = map[string]int{
	"isbndb":          60,
	"google-books":    50,
	"open-library":    45,
	"wikidata":        40,
	"archive-org":     35,
	"librarything":    30,
	"gemini-backfill": 20,
	"xai-backfill":    20,
}

func providerWeight(provider string) int {
	if w, ok := _providerWeights[provider]; ok {
		return w
	}
	return 25
}

// editionCompleteness measures the percentage of expected edition fields that
// are populated.
func editionCompleteness(e *Edition) int {
	fields := []bool{
		e.Title != "",
		e.Subtitle != "",
		e.Publisher != "",
		e.PublicationDate != "",
		e.PageCount > 0,
		e.Format != "",
		e.Language != "",
		!e.Covers.empty(),
		len(e.Subjects) > 0,
		len(e.Contributors) > 0 || e.PrimaryProvider != "",
	}
	return percentTrue(fields)
}

// workCompleteness measures the percentage of expected work fields that are
// populated.
func workCompleteness(w *Work) int {
	fields := []bool{
		w.Title != "",
		w.Description != "",
		w.OriginalLanguage != "",
		w.FirstPublicationYear > 0,
		len(w.SubjectTags) > 0,
		!w.Covers.empty(),
		w.OpenLibraryWorkID != "",
		w.PrimaryProvider != "",
	}
	return percentTrue(fields)
}

func percentTrue(fields []bool) int {
	populated := 0
	for _, ok := range fields {
		if ok {
			populated++
		}
	}
	return populated * 100 / len(fields)
}

// scoreEdition fills in quality and completeness for an incoming edition.
// Quality combines the provider's base weight with how complete the evidence
// is, capped at 100. Pre-set scores (synthetic records) are never lowered.
func scoreEdition(e *Edition) {
	completeness := editionCompleteness(e)
	quality := min(providerWeight(e.PrimaryProvider)+completeness*2/5, 100)
	e.CompletenessScore = max(e.CompletenessScore, completeness)
	e.QualityScore = max(e.QualityScore, quality)
}

// scoreWork fills in quality and completeness for an incoming work.
func scoreWork(w *Work) {
	completeness := workCompleteness(w)
	quality := min(providerWeight(w.PrimaryProvider)+completeness*2/5, 100)
	w.CompletenessScore = max(w.CompletenessScore, completeness)
	w.QualityScore = max(w.QualityScore, quality)
}

// Symbolic confidence levels for numeric 0..100 confidence.
const (
	confidenceHigh     = "high"
	confidenceMedium   = "medium"
	confidenceLow      = "low"
	confidenceNotFound = "not_found"
)

// confidenceLevel maps a numeric confidence to its symbolic level.
func confidenceLevel(confidence int) string {
	switch {
	case confidence >= 85:
		return confidenceHigh
	case confidence >= 65:
		return confidenceMedium
	case confidence >= 45:
		return confidenceLow
	default:
		return confidenceNotFound
	}
}
