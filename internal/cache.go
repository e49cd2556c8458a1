package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// K/V namespaces. Quota keys live in kv (error-returning, fail-closed);
// everything else goes through the best-effort layered cache.
const (
	_quotaCallsKey   = "isbndb_daily_calls"
	_quotaResetKey   = "isbndb_quota_last_reset"
	_backfillMetaKey = "harvest:backfill:meta"

	_negativeCacheTTL = 24 * time.Hour
	_jobStatusTTL     = 7 * 24 * time.Hour
)

func isbnNotFoundKey(isbn string) string { return "isbn_not_found:" + isbn }
func jobStatusKey(jobID string) string   { return "backfill:job:" + jobID }
func backfillYearKey(year int) string    { return fmt.Sprintf("harvest:backfill:%d", year) }

// cache is a best-effort layered key-value store. Gets that miss or fail
// return false; sets and deletes are fire-and-forget from the caller's
// perspective.
type cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool)
	Set(ctx context.Context, key string, value T, ttl time.Duration)
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// kv is the error-returning store backing quota state. Unlike cache, callers
// must observe failures so they can fail closed.
type kv interface {
	GetValue(ctx context.Context, key string) ([]byte, bool, error)
	PutValue(ctx context.Context, key string, value []byte) error
}

// layeredCache fronts the Postgres cache table with an in-memory ristretto
// layer. Reads hit memory first; writes go to both.
type layeredCache struct {
	chain *gocache.ChainCache[[]byte]
	pg    *pgCacheStore
}

var _ cache[[]byte] = (*layeredCache)(nil)

// newCache builds the layered cache over the given pool's cache table.
func newCache(ctx context.Context, db *pgxpool.Pool) (*layeredCache, error) {
	mem, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     256 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating in-memory cache: %w", err)
	}

	pg := &pgCacheStore{db: db}
	chain := gocache.NewChain(
		gocache.New[[]byte](ristretto_store.NewRistretto(mem)),
		gocache.New[[]byte](pg),
	)
	return &layeredCache{chain: chain, pg: pg}, nil
}

func (c *layeredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.chain.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	return value, true
}

func (c *layeredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	err := c.chain.Set(ctx, key, value, store.WithExpiration(ttl), store.WithCost(int64(len(value))))
	if err != nil {
		Log(ctx).Warn("cache set failed", "key", key, "err", err)
	}
}

func (c *layeredCache) Delete(ctx context.Context, key string) error {
	return c.chain.Delete(ctx, key)
}

// Expire bumps a key's expiry in the durable layer without rewriting its
// value. The memory layer is left alone; it re-reads through on miss.
func (c *layeredCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.pg.db.Exec(ctx,
		`UPDATE cache SET expires = now() + $2 WHERE key = $1`,
		key, ttl)
	return err
}

// pgCacheStore adapts the Postgres cache table to gocache's store interface
// so it can sit under the ristretto layer in a chain.
type pgCacheStore struct {
	db *pgxpool.Pool
}

var _ store.StoreInterface = (*pgCacheStore)(nil)

func (s *pgCacheStore) Get(ctx context.Context, key any) (any, error) {
	value, _, err := s.GetWithTTL(ctx, key)
	return value, err
}

func (s *pgCacheStore) GetWithTTL(ctx context.Context, key any) (any, time.Duration, error) {
	var value []byte
	var expires *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT value, expires FROM cache WHERE key = $1 AND (expires IS NULL OR expires > now())`,
		fmt.Sprint(key)).Scan(&value, &expires)
	if err != nil {
		return nil, 0, store.NotFoundWithCause(err)
	}
	ttl := time.Duration(0)
	if expires != nil {
		ttl = time.Until(*expires)
	}
	return value, ttl, nil
}

func (s *pgCacheStore) Set(ctx context.Context, key any, value any, options ...store.Option) error {
	opts := store.ApplyOptions(options...)
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected cache value type %T", value)
	}
	var err error
	if opts != nil && opts.Expiration > 0 {
		_, err = s.db.Exec(ctx,
			`INSERT INTO cache (key, value, expires) VALUES ($1, $2, now() + $3)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires = EXCLUDED.expires`,
			fmt.Sprint(key), bytes, opts.Expiration)
	} else {
		_, err = s.db.Exec(ctx,
			`INSERT INTO cache (key, value, expires) VALUES ($1, $2, NULL)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires = NULL`,
			fmt.Sprint(key), bytes)
	}
	return err
}

func (s *pgCacheStore) Delete(ctx context.Context, key any) error {
	_, err := s.db.Exec(ctx, `DELETE FROM cache WHERE key = $1`, fmt.Sprint(key))
	return err
}

func (s *pgCacheStore) Invalidate(ctx context.Context, options ...store.InvalidateOption) error {
	return nil // Tag invalidation is unused.
}

func (s *pgCacheStore) Clear(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DELETE FROM cache`)
	return err
}

func (s *pgCacheStore) GetType() string {
	return "postgres"
}

// memoryCache is an in-process cache for tests.
type memoryCache[T any] struct {
	mu      sync.Mutex
	entries map[string]memoryEntry[T]
}

type memoryEntry[T any] struct {
	value   T
	expires time.Time
}

func newMemoryCache[T any]() *memoryCache[T] {
	return &memoryCache[T]{entries: map[string]memoryEntry[T]{}}
}

var _ cache[[]byte] = (*memoryCache[[]byte])(nil)

func (c *memoryCache[T]) Get(ctx context.Context, key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || (!entry.expires.IsZero() && time.Now().After(entry.expires)) {
		var zero T
		return zero, false
	}
	return entry.value, true
}

func (c *memoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := memoryEntry[T]{value: value}
	if ttl > 0 {
		entry.expires = time.Now().Add(ttl)
	}
	c.entries[key] = entry
}

func (c *memoryCache[T]) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memoryCache[T]) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		entry.expires = time.Now().Add(ttl)
		c.entries[key] = entry
	}
	return nil
}

// pgKV stores quota state in the cache table with no expiry. Errors are
// returned so quota checks can fail closed.
type pgKV struct {
	db *pgxpool.Pool
}

var _ kv = (*pgKV)(nil)

func newPGKV(db *pgxpool.Pool) *pgKV { return &pgKV{db: db} }

func (s *pgKV) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRow(ctx,
		`SELECT value FROM cache WHERE key = $1 AND (expires IS NULL OR expires > now())`,
		key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (s *pgKV) PutValue(ctx context.Context, key string, value []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO cache (key, value, expires) VALUES ($1, $2, NULL)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires = NULL`,
		key, value)
	return err
}

// memKV is the in-memory kv used by tests. A non-nil err is returned from
// every call once failWith is set, for exercising fail-closed paths.
type memKV struct {
	mu       sync.Mutex
	values   map[string][]byte
	failWith error
}

var _ kv = (*memKV)(nil)

func newMemKV() *memKV { return &memKV{values: map[string][]byte{}} }

func (s *memKV) GetValue(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, false, s.failWith
	}
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *memKV) PutValue(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.values[key] = value
	return nil
}
