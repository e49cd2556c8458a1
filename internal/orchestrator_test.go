package internal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCascade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("stops at the first hit", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry()
		reg.Register(&fakeProvider{name: "isbndb"})
		google := &fakeProvider{name: "google-books", resolve: func(ResolveRequest) (Resolution, error) {
			return Resolution{ISBN: "9780547928227", Confidence: 90, Source: "google-books"}, nil
		}}
		reg.Register(google)
		tail := &fakeProvider{name: "open-library"}
		reg.Register(tail)

		res, err := newOrchestrator(reg, nil).ResolveISBN(ctx, ResolveRequest{Title: "The Hobbit"})
		require.NoError(t, err)
		assert.Equal(t, "9780547928227", res.ISBN)
		assert.Equal(t, "google-books", res.Source)
		assert.Zero(t, tail.resolveCalls.Load(), "cascade should stop before the tail")
	})

	t.Run("skips unavailable providers", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry()
		benched := &fakeProvider{name: "isbndb", unavailable: true, resolve: func(ResolveRequest) (Resolution, error) {
			return Resolution{ISBN: "9780000000000", Source: "isbndb"}, nil
		}}
		reg.Register(benched)
		reg.Register(&fakeProvider{name: "open-library", resolve: func(ResolveRequest) (Resolution, error) {
			return Resolution{ISBN: "9780547928227", Confidence: 70, Source: "open-library"}, nil
		}})

		res, err := newOrchestrator(reg, nil).ResolveISBN(ctx, ResolveRequest{Title: "The Hobbit"})
		require.NoError(t, err)
		assert.Equal(t, "open-library", res.Source)
		assert.Zero(t, benched.resolveCalls.Load())
	})

	t.Run("all misses yield source none", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry()
		reg.Register(&fakeProvider{name: "isbndb"})
		reg.Register(&fakeProvider{name: "wikidata"})

		res, err := newOrchestrator(reg, nil).ResolveISBN(ctx, ResolveRequest{Title: "Nonexistent"})
		require.NoError(t, err)
		assert.Empty(t, res.ISBN)
		assert.Equal(t, "none", res.Source)
	})

	t.Run("configuration errors are fatal", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry()
		reg.Register(&fakeProvider{name: "isbndb", resolve: func(ResolveRequest) (Resolution, error) {
			return notFoundResolution("isbndb"), errProviderConfig
		}})

		_, err := newOrchestrator(reg, nil).ResolveISBN(ctx, ResolveRequest{Title: "The Hobbit"})
		assert.ErrorIs(t, err, errProviderConfig)
	})

	t.Run("transient resolver errors cascade", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry()
		reg.Register(&fakeProvider{name: "isbndb", resolve: func(ResolveRequest) (Resolution, error) {
			return notFoundResolution("isbndb"), errors.New("connection reset")
		}})
		reg.Register(&fakeProvider{name: "open-library", resolve: func(ResolveRequest) (Resolution, error) {
			return Resolution{ISBN: "9780547928227", Confidence: 70, Source: "open-library"}, nil
		}})

		res, err := newOrchestrator(reg, nil).ResolveISBN(ctx, ResolveRequest{Title: "The Hobbit"})
		require.NoError(t, err)
		assert.Equal(t, "open-library", res.Source)
	})
}

func TestGenerateBooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("aggregates and dedupes across generators", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry()
		reg.Register(&fakeProvider{name: "gemini", generate: func(string, int) ([]GeneratedBook, error) {
			return []GeneratedBook{
				{Title: "The Hobbit", Author: "J.R.R. Tolkien"},
				{Title: "Dune", Author: "Frank Herbert"},
			}, nil
		}})
		reg.Register(&fakeProvider{name: "xai", generate: func(string, int) ([]GeneratedBook, error) {
			return []GeneratedBook{
				{Title: "The Hobbit: A Novel", Author: "J.R.R. Tolkien"}, // near-duplicate
				{Title: "Neuromancer", Author: "William Gibson"},
			}, nil
		}})

		books, err := newOrchestrator(reg, nil).GenerateBooks(ctx, "prompt", 2)
		require.NoError(t, err)
		assert.Len(t, books, 3, "near-duplicate titles collapse")
	})

	t.Run("succeeds if any generator succeeds", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry()
		reg.Register(&fakeProvider{name: "gemini", generate: func(string, int) ([]GeneratedBook, error) {
			return nil, errors.New("model overloaded")
		}})
		reg.Register(&fakeProvider{name: "xai", generate: func(string, int) ([]GeneratedBook, error) {
			return []GeneratedBook{{Title: "Dune", Author: "Frank Herbert"}}, nil
		}})

		books, err := newOrchestrator(reg, nil).GenerateBooks(ctx, "prompt", 1)
		require.NoError(t, err)
		assert.Len(t, books, 1)
	})

	t.Run("fails only when every generator fails", func(t *testing.T) {
		t.Parallel()
		reg := newRegistry()
		reg.Register(&fakeProvider{name: "gemini", generate: func(string, int) ([]GeneratedBook, error) {
			return nil, errors.New("model overloaded")
		}})

		_, err := newOrchestrator(reg, nil).GenerateBooks(ctx, "prompt", 1)
		assert.Error(t, err)
	})
}

func TestFetchVariants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reg := newRegistry()
	reg.Register(&fakeProvider{name: "isbndb", variants: func(string) ([]EditionVariant, error) {
		return []EditionVariant{
			{ISBN: "9780261103283", Format: "Paperback", Source: "isbndb"},
			{ISBN: "9780547928227", Format: "Hardcover", Source: "isbndb"}, // the queried ISBN itself
		}, nil
	}})
	reg.Register(&fakeProvider{name: "librarything", variants: func(string) ([]EditionVariant, error) {
		return []EditionVariant{
			{ISBN: "9780261103283", Format: "Unknown", Source: "librarything"}, // conflicting format
			{ISBN: "9780007458424", Format: "Unknown", Source: "librarything"},
		}, nil
	}})

	merged := newOrchestrator(reg, nil).FetchVariants(ctx, "9780547928227")
	assert.Equal(t, map[string]string{
		"9780261103283": "Paperback", // first registration wins
		"9780007458424": "Unknown",
	}, merged)
}
