package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	_lockTimeout       = 10 * time.Second
	_lockRetryInterval = 100 * time.Millisecond
)

// monthLockKey maps (year, month) onto the advisory-lock keyspace.
// Out-of-range inputs fail fast.
func monthLockKey(year, month int) (int64, error) {
	if year < 1900 || year > 2099 {
		return 0, validationErrf("year %d out of range [1900, 2099]", year)
	}
	if month < 1 || month > 12 {
		return 0, validationErrf("month %d out of range [1, 12]", month)
	}
	return int64(year)*100 + int64(month), nil
}

// lockTimeoutError reports a failed month-lock acquisition.
type lockTimeoutError struct {
	year    int
	month   int
	timeout time.Duration
}

func (e *lockTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire lock for %04d-%02d within %s", e.year, e.month, e.timeout)
}

// locker guards per-month exclusion for backfill jobs.
type locker interface {
	AcquireMonthLock(ctx context.Context, year, month int) (bool, error)
	ReleaseMonthLock(ctx context.Context, year, month int) (bool, error)
	WithMonthLock(ctx context.Context, year, month int, fn func(context.Context) error) error
}

// AdvisoryLock describes one held advisory lock, for observability.
type AdvisoryLock struct {
	Key     int64 `json:"key"`
	Year    int   `json:"year"`
	Month   int   `json:"month"`
	PID     int   `json:"pid"`
	Granted bool  `json:"granted"`
}

// MonthLocker takes per-month advisory locks. Advisory locks are
// session-scoped, so each held lock pins a dedicated connection until it's
// released; if the session dies, Postgres frees the lock.
type MonthLocker struct {
	db      *pgxpool.Pool
	timeout time.Duration

	mu   sync.Mutex
	held map[int64]*pgxpool.Conn
}

var _ locker = (*MonthLocker)(nil)

func NewMonthLocker(db *pgxpool.Pool, timeout time.Duration) *MonthLocker {
	if timeout <= 0 {
		timeout = _lockTimeout
	}
	return &MonthLocker{
		db:      db,
		timeout: timeout,
		held:    map[int64]*pgxpool.Conn{},
	}
}

// AcquireMonthLock polls pg_try_advisory_lock until it succeeds or the
// timeout elapses. Returns false on timeout without error.
func (l *MonthLocker) AcquireMonthLock(ctx context.Context, year, month int) (bool, error) {
	key, err := monthLockKey(year, month)
	if err != nil {
		return false, err
	}

	deadline := time.Now().Add(l.timeout)
	for {
		acquired, err := l.tryAcquire(ctx, key)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-time.After(_lockRetryInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (l *MonthLocker) tryAcquire(ctx context.Context, key int64) (bool, error) {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return false, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return false, err
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	l.mu.Lock()
	l.held[key] = conn
	l.mu.Unlock()
	return true, nil
}

// ReleaseMonthLock is idempotent; it reports whether this process held the
// lock. The pinned connection returns to the pool either way.
func (l *MonthLocker) ReleaseMonthLock(ctx context.Context, year, month int) (bool, error) {
	key, err := monthLockKey(year, month)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	conn, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	defer conn.Release()

	var released bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released); err != nil {
		return false, err
	}
	return released, nil
}

// WithMonthLock runs fn under the month lock, releasing it regardless of
// fn's outcome.
func (l *MonthLocker) WithMonthLock(ctx context.Context, year, month int, fn func(context.Context) error) error {
	acquired, err := l.AcquireMonthLock(ctx, year, month)
	if err != nil {
		return err
	}
	if !acquired {
		return &lockTimeoutError{year: year, month: month, timeout: l.timeout}
	}
	defer func() {
		if _, err := l.ReleaseMonthLock(ctx, year, month); err != nil {
			Log(ctx).Error("failed to release month lock", "year", year, "month", month, "err", err)
		}
	}()
	return fn(ctx)
}

// IsMonthLocked asks the database's lock view whether any session holds the
// month's lock.
func (l *MonthLocker) IsMonthLocked(ctx context.Context, year, month int) (bool, error) {
	key, err := monthLockKey(year, month)
	if err != nil {
		return false, err
	}
	var locked bool
	err = l.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND classid = 0 AND objid = $1 AND granted
		)`, key).Scan(&locked)
	return locked, err
}

// ListAdvisoryLocks reports every advisory lock in the month keyspace.
func (l *MonthLocker) ListAdvisoryLocks(ctx context.Context) ([]AdvisoryLock, error) {
	rows, err := l.db.Query(ctx, `
		SELECT objid, pid, granted FROM pg_locks
		WHERE locktype = 'advisory' AND classid = 0
			AND objid BETWEEN 190001 AND 209912
		ORDER BY objid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []AdvisoryLock
	for rows.Next() {
		var lock AdvisoryLock
		if err := rows.Scan(&lock.Key, &lock.PID, &lock.Granted); err != nil {
			return nil, err
		}
		lock.Year = int(lock.Key / 100)
		lock.Month = int(lock.Key % 100)
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

// memLocker implements locker in memory for tests.
type memLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

var _ locker = (*memLocker)(nil)

func newMemLocker() *memLocker {
	return &memLocker{held: map[int64]bool{}}
}

func (l *memLocker) AcquireMonthLock(ctx context.Context, year, month int) (bool, error) {
	key, err := monthLockKey(year, month)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memLocker) ReleaseMonthLock(ctx context.Context, year, month int) (bool, error) {
	key, err := monthLockKey(year, month)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	held := l.held[key]
	delete(l.held, key)
	return held, nil
}

func (l *memLocker) WithMonthLock(ctx context.Context, year, month int, fn func(context.Context) error) error {
	acquired, err := l.AcquireMonthLock(ctx, year, month)
	if err != nil {
		return err
	}
	if !acquired {
		return &lockTimeoutError{year: year, month: month}
	}
	defer func() { _, _ = l.ReleaseMonthLock(ctx, year, month) }()
	return fn(ctx)
}
