package internal

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindOrCreateWork(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("reuses existing edition's work key", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		store.editions["9780547928227"] = &Edition{ISBN: "9780547928227", WorkKey: "/works/OL45883W"}

		d := newDeduper(store, nil)
		match, _, err := d.FindOrCreateWork(ctx, "9780547928227", "The Hobbit", []string{"J.R.R. Tolkien"})
		require.NoError(t, err)
		assert.Equal(t, "/works/OL45883W", match.Key)
		assert.Equal(t, 100, match.Confidence)
		assert.False(t, match.Created)
	})

	t.Run("memo short-circuits repeat lookups", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		store.editions["9780547928227"] = &Edition{ISBN: "9780547928227", WorkKey: "/works/OL45883W"}

		memo := &sync.Map{}
		d := newDeduper(store, memo)
		_, _, err := d.FindOrCreateWork(ctx, "9780547928227", "The Hobbit", nil)
		require.NoError(t, err)

		// A fresh deduper sharing the memo finds the key without a store hit.
		delete(store.editions, "9780547928227")
		d2 := newDeduper(store, memo)
		match, _, err := d2.FindOrCreateWork(ctx, "9780547928227", "The Hobbit", nil)
		require.NoError(t, err)
		assert.Equal(t, "/works/OL45883W", match.Key)
		assert.Equal(t, "isbn_cache", match.Source)
	})

	t.Run("matches by author and fuzzy title", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		store.works["/works/OL1W"] = &Work{WorkKey: "/works/OL1W", Title: "The Fellowship of the Ring"}
		store.authors["/authors/OL26320A"] = &Author{AuthorKey: "/authors/OL26320A", Name: "J.R.R. Tolkien"}
		store.links["/works/OL1W"] = []workAuthorLink{{authorKey: "/authors/OL26320A"}}

		d := newDeduper(store, nil)
		match, authorKeys, err := d.FindOrCreateWork(ctx,
			"9780008376123", "The Fellowship of The Ring", []string{"J.R.R. Tolkien"})
		require.NoError(t, err)
		assert.Equal(t, "/works/OL1W", match.Key)
		assert.Equal(t, 85, match.Confidence)
		assert.Equal(t, "author_title_match", match.Source)
		assert.Equal(t, []string{"/authors/OL26320A"}, authorKeys)
	})

	t.Run("falls back to exact title without author evidence", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		store.works["/works/OL2W"] = &Work{WorkKey: "/works/OL2W", Title: "Dune"}

		d := newDeduper(store, nil)
		match, _, err := d.FindOrCreateWork(ctx, "9780441013593", "dune", nil)
		require.NoError(t, err)
		assert.Equal(t, "/works/OL2W", match.Key)
		assert.Equal(t, 65, match.Confidence)
	})

	t.Run("generates a fresh key when nothing matches", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()

		d := newDeduper(store, nil)
		match, _, err := d.FindOrCreateWork(ctx, "9781718501621", "A Tour of Go Internals", []string{"Somebody New"})
		require.NoError(t, err)
		assert.True(t, match.Created)
		assert.True(t, strings.HasPrefix(match.Key, "/works/isbndb-"), match.Key)
		assert.Len(t, strings.TrimPrefix(match.Key, "/works/isbndb-"), 8)
	})

	t.Run("single-flights concurrent resolution of one logical work", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		d := newDeduper(store, nil)

		const n = 8
		keys := make([]string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				match, _, err := d.FindOrCreateWork(ctx, "9780316769488", "The Catcher in the Rye", []string{"J.D. Salinger"})
				assert.NoError(t, err)
				keys[i] = match.Key
			}()
		}
		wg.Wait()

		for i := 1; i < n; i++ {
			assert.Equal(t, keys[0], keys[i], "all callers should share one generated key")
		}
	})
}

func TestFindOrCreateAuthor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMemStore()
	store.authors["/authors/OL23919A"] = &Author{AuthorKey: "/authors/OL23919A", Name: "J. K. Rowling"}

	d := newDeduper(store, nil)

	key, err := d.FindOrCreateAuthor(ctx, "j. k. rowling")
	require.NoError(t, err)
	assert.Equal(t, "/authors/OL23919A", key, "exact match is case-insensitive")

	key, err = d.FindOrCreateAuthor(ctx, "J.K. Rowling")
	require.NoError(t, err)
	assert.Equal(t, "/authors/OL23919A", key, "fuzzy match tolerates spacing")

	key, err = d.FindOrCreateAuthor(ctx, "Brandon Sanderson")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "/authors/isbndb-"), key)
}
