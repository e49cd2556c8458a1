package internal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterUpsertEdition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("created edition fans out a cover job", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		q := newMemQueue()
		w := newWriter(store, q, nil, nil)

		created, err := w.UpsertEdition(ctx, &Edition{
			ISBN:            "9780547928227",
			Title:           "The Hobbit",
			PrimaryProvider: "isbndb",
			Covers:          CoverSet{Original: "https://images.isbndb.com/covers/orig.jpg"},
		})
		require.NoError(t, err)
		assert.True(t, created)

		msgs, err := q.Receive(ctx, _coverQueue, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		var cover coverMessage
		require.NoError(t, sonic.Unmarshal(msgs[0].Body, &cover))
		assert.Equal(t, "9780547928227", cover.ISBN)
		assert.Equal(t, "high", cover.Priority, "isbndb originals jump the queue")
		assert.Equal(t, "https://images.isbndb.com/covers/orig.jpg", cover.ProviderURL)
	})

	t.Run("updates do not re-emit cover jobs", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		q := newMemQueue()
		w := newWriter(store, q, nil, nil)

		edition := Edition{
			ISBN:            "9780547928227",
			Title:           "The Hobbit",
			PrimaryProvider: "isbndb",
			Covers:          CoverSet{Large: "https://images.isbndb.com/covers/large.jpg"},
		}
		first := edition
		_, err := w.UpsertEdition(ctx, &first)
		require.NoError(t, err)

		second := edition
		second.Publisher = "Houghton Mifflin"
		created, err := w.UpsertEdition(ctx, &second)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 1, q.depth(_coverQueue))
	})

	t.Run("every attempt writes an analytics row", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		w := newWriter(store, newMemQueue(), nil, nil)

		_, err := w.UpsertEdition(ctx, &Edition{ISBN: "9780547928227", Title: "The Hobbit", PrimaryProvider: "isbndb"})
		require.NoError(t, err)

		store.enrichmentErr = errors.New("connection reset")
		_, err = w.UpsertEdition(ctx, &Edition{ISBN: "9780441013593", Title: "Dune", PrimaryProvider: "isbndb"})
		require.Error(t, err)

		entries := store.logEntries()
		require.Len(t, entries, 2)
		assert.True(t, entries[0].Success)
		assert.Equal(t, "create", entries[0].Operation)
		assert.False(t, entries[1].Success)
		assert.Equal(t, "connection reset", entries[1].ErrorMessage)
	})

	t.Run("scores are stamped before the merge", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		w := newWriter(store, newMemQueue(), nil, nil)

		edition := &Edition{ISBN: "9780547928227", Title: "The Hobbit", PrimaryProvider: "isbndb"}
		_, err := w.UpsertEdition(ctx, edition)
		require.NoError(t, err)
		assert.Positive(t, edition.QualityScore)
		assert.Positive(t, edition.CompletenessScore)
	})
}

func TestWriterWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("created editions notify in the background", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			assert.Equal(t, "shh", r.Header.Get("x-alexandria-webhook-secret"))

			var body struct {
				ISBN               string `json:"isbn"`
				Type               string `json:"type"`
				QualityImprovement int    `json:"quality_improvement"`
			}
			assert.NoError(t, sonic.ConfigDefault.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "9780547928227", body.ISBN)
			assert.Equal(t, "edition", body.Type)
			assert.Positive(t, body.QualityImprovement)
		}))
		t.Cleanup(server.Close)

		notify := newWebhookNotifier(server.URL, "shh")
		w := newWriter(newMemStore(), newMemQueue(), notify, nil)

		_, err := w.UpsertEdition(ctx, &Edition{ISBN: "9780547928227", Title: "The Hobbit", PrimaryProvider: "isbndb"})
		require.NoError(t, err)

		// Second write is an update, so no further notification fires.
		_, err = w.UpsertEdition(ctx, &Edition{ISBN: "9780547928227", Title: "The Hobbit", Publisher: "Houghton Mifflin", PrimaryProvider: "isbndb"})
		require.NoError(t, err)

		notify.drain()
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("slow endpoints never block the write path", func(t *testing.T) {
		t.Parallel()
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		t.Cleanup(server.Close)

		notify := newWebhookNotifier(server.URL, "shh")
		w := newWriter(newMemStore(), newMemQueue(), notify, nil)

		done := make(chan error, 1)
		go func() {
			_, err := w.UpsertEdition(ctx, &Edition{ISBN: "9780547928227", Title: "The Hobbit", PrimaryProvider: "isbndb"})
			done <- err
		}()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("upsert waited on webhook delivery")
		}

		close(release)
		notify.drain()
	})
}
