package internal

import (
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

var (
	// _subtitleRE matches marketing subtitles we strip before comparing
	// titles ("Foo: A Novel", "Bar - A Memoir", ...).
	_subtitleRE = regexp.MustCompile(`(?i)[:\-–—].*(novel|memoir|story|tale|book)`)

	_nonWordRE    = regexp.MustCompile(`[^\w\s]`)
	_multiSpaceRE = regexp.MustCompile(`\s+`)
	_slugStripRE  = regexp.MustCompile(`[^\w\s-]`)
)

// normalizeTitle lowercases, strips subtitle tails, removes punctuation and
// collapses whitespace so fuzzy comparisons see only the meaningful words.
func normalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	t = _subtitleRE.ReplaceAllString(t, "")
	t = _nonWordRE.ReplaceAllString(t, "")
	t = _multiSpaceRE.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// normalizeAuthor lowercases, strips punctuation, and converts
// "Last, First" to "First Last".
func normalizeAuthor(author string) string {
	a := strings.TrimSpace(author)
	if before, after, ok := strings.Cut(a, ","); ok {
		a = strings.TrimSpace(after) + " " + strings.TrimSpace(before)
	}
	a = strings.ToLower(a)
	a = _nonWordRE.ReplaceAllString(a, "")
	a = _multiSpaceRE.ReplaceAllString(a, " ")
	return strings.TrimSpace(a)
}

// similarity returns an edit-distance ratio in [0, 1]. Both inputs should
// already be normalized.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	longest := max(len([]rune(a)), len([]rune(b)))
	return 1.0 - float64(dist)/float64(longest)
}

// titleSimilarity compares two raw titles after normalization.
func titleSimilarity(a, b string) float64 {
	return similarity(normalizeTitle(a), normalizeTitle(b))
}

// trigramSimilarity mirrors Postgres pg_trgm similarity for in-memory
// comparisons: the Jaccard ratio of the two trigram sets.
func trigramSimilarity(a, b string) float64 {
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	total := len(ta) + len(tb) - shared
	if total == 0 {
		return 0.0
	}
	return float64(shared) / float64(total)
}

// trigrams extracts the pg_trgm-style trigram set: words padded with two
// leading and one trailing space.
func trigrams(s string) set[string] {
	out := set[string]{}
	s = strings.ToLower(strings.TrimSpace(s))
	for _, word := range strings.Fields(_nonWordRE.ReplaceAllString(s, " ")) {
		padded := "  " + word + " "
		for i := 0; i+3 <= len(padded); i++ {
			out[padded[i:i+3]] = struct{}{}
		}
	}
	return out
}

// slugify produces the slug used in synthetic work keys: lowercase, non-word
// characters removed, spaces to hyphens, truncated to maxLen.
func slugify(s string, maxLen int) string {
	t := strings.ToLower(strings.TrimSpace(s))
	t = _slugStripRE.ReplaceAllString(t, "")
	t = _multiSpaceRE.ReplaceAllString(t, "-")
	t = strings.Trim(t, "-")
	if len(t) > maxLen {
		t = t[:maxLen]
		t = strings.Trim(t, "-")
	}
	return t
}

// normalizeSubject normalizes a subject tag for set semantics.
func normalizeSubject(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeSubjects dedupes and normalizes a subject list, preserving
// first-seen order.
func normalizeSubjects(subjects ...[]string) []string {
	seen := set[string]{}
	out := []string{}
	for _, list := range subjects {
		for _, s := range list {
			n := normalizeSubject(s)
			if n == "" {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}
