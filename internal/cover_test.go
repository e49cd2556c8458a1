package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memObjects is an in-memory object store for tests.
type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects { return &memObjects{objects: map[string][]byte{}} }

func (s *memObjects) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memObjects) Put(ctx context.Context, key, contentType string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = body
	return nil
}

// passthroughProcessor returns the bytes untouched as JPEG.
type passthroughProcessor struct{}

func (passthroughProcessor) Process(ctx context.Context, raw []byte) ([]byte, string, error) {
	return raw, "image/jpeg", nil
}

func newTestCoverer(store storage, q queue, objects objectStore, refetch coverFetcher) *coverer {
	return newCoverer(store, q, newOrchestrator(newRegistry(), nil), objects,
		passthroughProcessor{}, refetch, "https://covers.example.com", nil)
}

func TestCoverConsumer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	seedEdition := func(store *memStore) {
		store.editions["9780547928227"] = &Edition{
			ISBN:   "9780547928227",
			Title:  "The Hobbit",
			Covers: CoverSet{Original: "https://images.isbndb.com/covers/orig.jpg"},
		}
	}

	t.Run("downloads, uploads and rewrites the edition", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("jpeg-bytes"))
		}))
		t.Cleanup(server.Close)

		store := newMemStore()
		seedEdition(store)
		q := newMemQueue()
		objects := newMemObjects()
		c := newTestCoverer(store, q, objects, nil)

		require.NoError(t, q.Send(ctx, _coverQueue, newCoverMessage(
			"9780547928227", "", server.URL+"/orig.jpg", "high", "isbndb")))
		c.ProcessMessage(ctx, receiveOne(t, q, _coverQueue))

		assert.Zero(t, q.depth(_coverQueue))
		assert.Equal(t, []byte("jpeg-bytes"), objects.objects["isbn/9780547928227/original.jpeg"])

		edition, err := store.GetEdition(ctx, "9780547928227")
		require.NoError(t, err)
		assert.Equal(t, _cdnCoverSource, edition.CoverSource)
		assert.Contains(t, edition.Covers.Original, "covers.example.com")
	})

	t.Run("existing object short-circuits the download", func(t *testing.T) {
		t.Parallel()
		var downloads atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			downloads.Add(1)
			_, _ = w.Write([]byte("jpeg-bytes"))
		}))
		t.Cleanup(server.Close)

		store := newMemStore()
		seedEdition(store)
		q := newMemQueue()
		objects := newMemObjects()
		objects.objects["isbn/9780547928227/original.jpeg"] = []byte("already-there")
		c := newTestCoverer(store, q, objects, nil)

		require.NoError(t, q.Send(ctx, _coverQueue, newCoverMessage(
			"9780547928227", "", server.URL+"/orig.jpg", "high", "isbndb")))
		c.ProcessMessage(ctx, receiveOne(t, q, _coverQueue))

		assert.Zero(t, downloads.Load())
		edition, err := store.GetEdition(ctx, "9780547928227")
		require.NoError(t, err)
		assert.Equal(t, _cdnCoverSource, edition.CoverSource, "edition still rewritten")
	})

	t.Run("expired url recovers once via refetch", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("token") != "fresh" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = w.Write([]byte("jpeg-bytes"))
		}))
		t.Cleanup(server.Close)

		store := newMemStore()
		seedEdition(store)
		q := newMemQueue()
		refetch := &fakeProvider{name: "isbndb", cover: func(isbn string) (string, error) {
			return server.URL + "/orig.jpg?token=fresh", nil
		}}
		c := newTestCoverer(store, q, newMemObjects(), refetch)

		require.NoError(t, q.Send(ctx, _coverQueue, newCoverMessage(
			"9780547928227", "", server.URL+"/orig.jpg?token=stale", "high", "isbndb")))
		c.ProcessMessage(ctx, receiveOne(t, q, _coverQueue))

		assert.Zero(t, q.depth(_coverQueue))
		edition, err := store.GetEdition(ctx, "9780547928227")
		require.NoError(t, err)
		assert.Equal(t, _cdnCoverSource, edition.CoverSource)
	})

	t.Run("no cover anywhere acks without retry", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		seedEdition(store)
		q := newMemQueue()
		c := newTestCoverer(store, q, newMemObjects(), nil)

		// No provider_url and no registered cover fetchers.
		require.NoError(t, q.Send(ctx, _coverQueue, newCoverMessage("9780547928227", "", "", "normal", "isbndb")))
		c.ProcessMessage(ctx, receiveOne(t, q, _coverQueue))
		assert.Zero(t, q.depth(_coverQueue))
	})

	t.Run("server errors retry", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(server.Close)

		store := newMemStore()
		seedEdition(store)
		q := newMemQueue()
		c := newTestCoverer(store, q, newMemObjects(), nil)

		require.NoError(t, q.Send(ctx, _coverQueue, newCoverMessage(
			"9780547928227", "", server.URL+"/orig.jpg", "high", "isbndb")))
		c.ProcessMessage(ctx, receiveOne(t, q, _coverQueue))
		assert.Equal(t, 1, q.depth(_coverQueue))
	})
}
