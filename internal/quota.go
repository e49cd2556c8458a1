package internal

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Daily ISBNdb budget.
const (
	_defaultDailyLimit   = 15000
	_defaultSafetyBuffer = 2000
)

// QuotaStatus is a point-in-time snapshot of the daily budget.
type QuotaStatus struct {
	UsedToday        int       `json:"used_today"`
	Remaining        int       `json:"remaining"`
	Limit            int       `json:"limit"`
	LastReset        string    `json:"last_reset"`
	HoursToNextReset float64   `json:"hours_to_next_reset"`
	BufferRemaining  int       `json:"buffer_remaining"`
	CanMakeCalls     bool      `json:"can_make_calls"`
	CheckedAt        time.Time `json:"checked_at"`
}

// QuotaManager meters daily ISBNdb usage. The counter lives in the
// error-returning kv so any storage failure denies the call (fail closed).
// Reservation is an optimistic read-modify-write; the safety buffer absorbs
// the races, there is no distributed lock.
type QuotaManager struct {
	kv           kv
	dailyLimit   int
	safetyBuffer int

	mu  sync.Mutex
	now func() time.Time
}

func NewQuotaManager(store kv, dailyLimit, safetyBuffer int) *QuotaManager {
	if dailyLimit <= 0 {
		dailyLimit = _defaultDailyLimit
	}
	if safetyBuffer <= 0 {
		safetyBuffer = _defaultSafetyBuffer
	}
	return &QuotaManager{
		kv:           store,
		dailyLimit:   dailyLimit,
		safetyBuffer: safetyBuffer,
		now:          time.Now,
	}
}

func (q *QuotaManager) effectiveLimit() int {
	return q.dailyLimit - q.safetyBuffer
}

func (q *QuotaManager) today() string {
	return q.now().UTC().Format("2006-01-02")
}

// EnsureDailyReset zeroes the counter when the stored reset date isn't today.
// Every quota check runs this first.
func (q *QuotaManager) EnsureDailyReset(ctx context.Context) error {
	stored, ok, err := q.kv.GetValue(ctx, _quotaResetKey)
	if err != nil {
		return err
	}
	today := q.today()
	if ok && string(stored) == today {
		return nil
	}
	if err := q.kv.PutValue(ctx, _quotaCallsKey, []byte("0")); err != nil {
		return err
	}
	return q.kv.PutValue(ctx, _quotaResetKey, []byte(today))
}

func (q *QuotaManager) used(ctx context.Context) (int, error) {
	raw, ok, err := q.kv.GetValue(ctx, _quotaCallsKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	used, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, err
	}
	return used, nil
}

// CheckQuota reports whether n more calls fit in today's budget, optionally
// reserving them. Any kv failure denies.
func (q *QuotaManager) CheckQuota(ctx context.Context, n int, reserve bool) (allowed bool, status string, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.EnsureDailyReset(ctx); err != nil {
		Log(ctx).Error("quota reset check failed, denying", "err", err)
		return false, "error", "quota store unavailable"
	}
	used, err := q.used(ctx)
	if err != nil {
		Log(ctx).Error("quota read failed, denying", "err", err)
		return false, "error", "quota store unavailable"
	}

	if used+n > q.effectiveLimit() {
		return false, "exhausted", "daily quota exhausted"
	}

	if reserve {
		if err := q.kv.PutValue(ctx, _quotaCallsKey, []byte(strconv.Itoa(used+n))); err != nil {
			Log(ctx).Error("quota reservation failed, denying", "err", err)
			return false, "error", "quota store unavailable"
		}
	}
	return true, "ok", ""
}

// RecordAPICall bumps the counter without gating. Failures are logged, never
// surfaced.
func (q *QuotaManager) RecordAPICall(ctx context.Context, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.EnsureDailyReset(ctx); err != nil {
		Log(ctx).Warn("quota record skipped", "err", err)
		return
	}
	used, err := q.used(ctx)
	if err != nil {
		Log(ctx).Warn("quota record skipped", "err", err)
		return
	}
	if err := q.kv.PutValue(ctx, _quotaCallsKey, []byte(strconv.Itoa(used+n))); err != nil {
		Log(ctx).Warn("quota record failed", "err", err)
	}
}

// GetQuotaStatus snapshots the budget. On storage failure the snapshot
// reports zero headroom.
func (q *QuotaManager) GetQuotaStatus(ctx context.Context) QuotaStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := QuotaStatus{
		Limit:     q.dailyLimit,
		CheckedAt: q.now(),
	}

	if err := q.EnsureDailyReset(ctx); err != nil {
		return status
	}
	used, err := q.used(ctx)
	if err != nil {
		return status
	}
	reset, _, _ := q.kv.GetValue(ctx, _quotaResetKey)

	now := q.now().UTC()
	nextReset := now.Truncate(24 * time.Hour).Add(24 * time.Hour)

	status.UsedToday = used
	status.Remaining = max(0, q.dailyLimit-used)
	status.LastReset = string(reset)
	status.HoursToNextReset = nextReset.Sub(now).Hours()
	status.BufferRemaining = max(0, q.effectiveLimit()-used)
	status.CanMakeCalls = status.BufferRemaining > 0
	return status
}

// CanMakeCalls is the availability check providers consult.
func (q *QuotaManager) CanMakeCalls(ctx context.Context) bool {
	return q.GetQuotaStatus(ctx).CanMakeCalls
}

// ShouldAllowOperation layers operational policy over CheckQuota:
// cron jobs must leave twice their cost in the buffer, and bulk author
// operations are capped at 100 calls.
func (q *QuotaManager) ShouldAllowOperation(ctx context.Context, kind string, n int) (bool, string) {
	switch kind {
	case "cron":
		if status := q.GetQuotaStatus(ctx); status.BufferRemaining < 2*n {
			return false, "insufficient buffer for scheduled work"
		}
	case "bulk_author":
		if n > 100 {
			return false, "bulk author operations are capped at 100 calls"
		}
	}
	allowed, _, reason := q.CheckQuota(ctx, n, false)
	return allowed, reason
}

// usagePercent reports today's usage as a share of the full daily limit.
// The author consumer keys its circuit levels off this.
func (q *QuotaManager) usagePercent(ctx context.Context) float64 {
	status := q.GetQuotaStatus(ctx)
	if status.Limit == 0 {
		return 100
	}
	return float64(status.UsedToday) * 100 / float64(status.Limit)
}
