package internal

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
)

// Backfill job lifecycle states.
const (
	jobQueued     = "queued"
	jobProcessing = "processing"
	jobEnriching  = "enriching"
	jobComplete   = "complete"
	jobFailed     = "failed"
)

// BackfillStats is the progress blob surfaced on a job record.
type BackfillStats struct {
	BooksGenerated        int `json:"books_generated"`
	ISBNsResolved         int `json:"isbns_resolved"`
	ISBNsSentToEnrichment int `json:"isbns_sent_to_enrichment"`
	SyntheticWorks        int `json:"synthetic_works"`
}

// BackfillJob is the ephemeral status record for one backfill run. It lives
// in the K/V store under backfill:job:<id> for seven days.
type BackfillJob struct {
	JobID        string        `json:"job_id"`
	Year         int           `json:"year"`
	Month        int           `json:"month"`
	Status       string        `json:"status"`
	Progress     string        `json:"progress,omitempty"`
	Stats        BackfillStats `json:"stats"`
	ExperimentID string        `json:"experiment_id,omitempty"`
	DryRun       bool          `json:"dry_run,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	CompletedAt  time.Time     `json:"completed_at,omitempty"`
	DurationMs   int64         `json:"duration_ms,omitempty"`
}

// jobTracker persists job lifecycle updates. Writes are last-writer-wins;
// jobs are partitioned by month so concurrent writers don't collide in
// practice.
type jobTracker struct {
	cache cache[[]byte]
}

func newJobTracker(c cache[[]byte]) *jobTracker {
	return &jobTracker{cache: c}
}

// Create registers a queued job.
func (t *jobTracker) Create(ctx context.Context, job *BackfillJob) {
	now := time.Now().UTC()
	job.Status = jobQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	t.put(ctx, job)
	t.recordMonth(ctx, job.Year, job.Month)
}

// Update applies fn to the stored job record and writes it back.
func (t *jobTracker) Update(ctx context.Context, jobID string, fn func(job *BackfillJob)) {
	job, ok := t.Get(ctx, jobID)
	if !ok {
		Log(ctx).Warn("job status update for unknown job", "job_id", jobID)
		return
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	t.put(ctx, job)
}

// Finish marks the job terminal. An empty errMsg means success.
func (t *jobTracker) Finish(ctx context.Context, jobID, errMsg string) {
	t.Update(ctx, jobID, func(job *BackfillJob) {
		now := time.Now().UTC()
		job.Status = jobComplete
		if errMsg != "" {
			job.Status = jobFailed
			job.Error = errMsg
		}
		job.CompletedAt = now
		job.DurationMs = now.Sub(job.CreatedAt).Milliseconds()
	})
}

// Get returns the stored job record, if present.
func (t *jobTracker) Get(ctx context.Context, jobID string) (*BackfillJob, bool) {
	raw, ok := t.cache.Get(ctx, jobStatusKey(jobID))
	if !ok {
		return nil, false
	}
	var job BackfillJob
	if err := sonic.Unmarshal(raw, &job); err != nil {
		Log(ctx).Warn("corrupt job status record", "job_id", jobID, "err", err)
		return nil, false
	}
	return &job, true
}

func (t *jobTracker) put(ctx context.Context, job *BackfillJob) {
	encoded, err := sonic.Marshal(job)
	if err != nil {
		return
	}
	t.cache.Set(ctx, jobStatusKey(job.JobID), encoded, _jobStatusTTL)
}

// recordMonth keeps the per-year backfill bookkeeping: which months have been
// attempted. Last-writer-wins; jobs are partitioned by month.
func (t *jobTracker) recordMonth(ctx context.Context, year, month int) {
	key := backfillYearKey(year)
	months := map[int]string{}
	if raw, ok := t.cache.Get(ctx, key); ok {
		_ = sonic.Unmarshal(raw, &months)
	}
	months[month] = time.Now().UTC().Format(time.RFC3339)

	if encoded, err := sonic.Marshal(months); err == nil {
		t.cache.Set(ctx, key, encoded, 0)
	}
	if encoded, err := sonic.Marshal(map[string]int{"last_year": year, "last_month": month}); err == nil {
		t.cache.Set(ctx, _backfillMetaKey, encoded, 0)
	}
}
