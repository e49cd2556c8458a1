package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackfillPrompt(t *testing.T) {
	t.Parallel()

	prompt, err := backfillPrompt("", 1999, 7, 25)
	require.NoError(t, err)
	assert.Contains(t, prompt, "25 notable books")
	assert.Contains(t, prompt, "July 1999")

	prompt, err = backfillPrompt("diversity-emphasis", 2010, 3, 20)
	require.NoError(t, err)
	assert.Contains(t, prompt, "underrepresented")

	_, err = backfillPrompt("chaos-mode", 2010, 3, 20)
	require.Error(t, err)
	assert.True(t, isValidation(err))
}

func TestParseGeneratedBooks(t *testing.T) {
	t.Parallel()

	t.Run("valid output", func(t *testing.T) {
		t.Parallel()
		books, err := parseGeneratedBooks([]byte(`[
			{"title": "The Hobbit", "author": "J.R.R. Tolkien", "format": "Hardcover", "publication_year": 1937},
			{"title": "Dune", "author": "Frank Herbert", "format": "Paperback", "publication_year": 1965, "significance": "Hugo winner"}
		]`), "gemini")
		require.NoError(t, err)
		require.Len(t, books, 2)
		assert.Equal(t, "gemini", books[0].Generator)
		assert.Equal(t, 1965, books[1].PublicationYear)
	})

	t.Run("strips markdown fences", func(t *testing.T) {
		t.Parallel()
		books, err := parseGeneratedBooks([]byte("```json\n"+
			`[{"title": "Dune", "author": "Frank Herbert", "format": "eBook", "publication_year": 1965}]`+
			"\n```"), "xai")
		require.NoError(t, err)
		require.Len(t, books, 1)
	})

	t.Run("rejects unknown formats", func(t *testing.T) {
		t.Parallel()
		_, err := parseGeneratedBooks([]byte(
			`[{"title": "Dune", "author": "Frank Herbert", "format": "Scroll", "publication_year": 1965}]`), "gemini")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schema")
	})

	t.Run("rejects missing required fields", func(t *testing.T) {
		t.Parallel()
		_, err := parseGeneratedBooks([]byte(`[{"title": "Dune"}]`), "gemini")
		require.Error(t, err)
	})
}

func TestXAIGenerateBooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("parses chat completion output", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			content := `[{"title": "The Hobbit", "author": "J.R.R. Tolkien", "format": "Hardcover", "publication_year": 1937}]`
			_ = sonic.ConfigDefault.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{
					"message": map[string]string{"content": content},
				}},
			})
		}))
		t.Cleanup(server.Close)

		p := newXAI("test-key", "")
		p.baseURL = server.URL

		books, err := p.GenerateBooks(ctx, "prompt", 1)
		require.NoError(t, err)
		require.Len(t, books, 1)
		assert.Equal(t, "xai", books[0].Generator)
	})

	t.Run("retries server errors", func(t *testing.T) {
		t.Parallel()
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			content := `[{"title": "Dune", "author": "Frank Herbert", "format": "Paperback", "publication_year": 1965}]`
			_ = sonic.ConfigDefault.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{
					"message": map[string]string{"content": content},
				}},
			})
		}))
		t.Cleanup(server.Close)

		p := newXAI("test-key", "")
		p.baseURL = server.URL

		books, err := p.GenerateBooks(ctx, "prompt", 1)
		require.NoError(t, err)
		require.Len(t, books, 1)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("does not retry auth failures", func(t *testing.T) {
		t.Parallel()
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		t.Cleanup(server.Close)

		p := newXAI("bad-key", "")
		p.baseURL = server.URL

		_, err := p.GenerateBooks(ctx, "prompt", 1)
		require.ErrorIs(t, err, errProviderConfig)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("unavailable without credentials", func(t *testing.T) {
		t.Parallel()
		assert.False(t, newXAI("", "").Available())
		assert.False(t, newGemini("", "").Available())
		assert.True(t, newGemini("key", "").Available())
	})
}
