package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTitle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "the road", normalizeTitle("The Road: A Novel"))
	assert.Equal(t, "educated", normalizeTitle("Educated - A Memoir"))
	assert.Equal(t, "wolf hall", normalizeTitle("  Wolf   Hall!  "))
	assert.Equal(t, "", normalizeTitle(""))
}

func TestNormalizeAuthor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hilary mantel", normalizeAuthor("Mantel, Hilary"))
	assert.Equal(t, "jk rowling", normalizeAuthor("J.K. Rowling"))
	assert.Equal(t, "ursula k le guin", normalizeAuthor("Le Guin, Ursula K."))
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, similarity("wolf hall", "wolf hall"), 0.001)
	assert.Zero(t, similarity("", "wolf hall"))
	assert.Greater(t, similarity("wolf hall", "wolf hal"), 0.85)
	assert.Less(t, similarity("wolf hall", "the martian"), 0.45)
}

func TestTrigramSimilarity(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, trigramSimilarity("wolf hall", "Wolf Hall"), 0.001)
	assert.Greater(t, trigramSimilarity("the left hand of darkness", "left hand of darkness"), 0.6)
	assert.Less(t, trigramSimilarity("wolf hall", "the martian"), 0.2)
	assert.Zero(t, trigramSimilarity("", "anything"))
}

func TestSlugify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "the-left-hand-of-darkness", slugify("The Left Hand of Darkness", 50))
	assert.Equal(t, "ursula-k-le-guin", slugify("Ursula K. Le Guin", 30))

	// Truncation never leaves a trailing hyphen.
	long := slugify("a very long title that keeps going and going and going", 20)
	assert.LessOrEqual(t, len(long), 20)
	assert.NotEqual(t, "-", long[len(long)-1:])
}

func TestNormalizeSubjects(t *testing.T) {
	t.Parallel()

	union := normalizeSubjects([]string{"Fantasy", " fiction "}, []string{"FANTASY", "Magic"})
	assert.Equal(t, []string{"fantasy", "fiction", "magic"}, union)

	// Commutative + idempotent over repeated unions.
	again := normalizeSubjects(union, union)
	assert.Equal(t, union, again)
}
