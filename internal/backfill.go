package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

const (
	// _backfillBatchSize is the default candidate count when a job doesn't
	// specify one.
	_backfillBatchSize = 25

	// _backfillFanOutSize caps how many ISBNs ride one enrichment message.
	_backfillFanOutSize = 100
)

// backfiller runs pull-path jobs: generate a candidate book list for a
// (year, month) with the AI providers, persist everything as synthetic
// records, and fan the resolved ISBNs out to the push path.
type backfiller struct {
	store   storage
	queue   queue
	orch    *orchestrator
	synth   *synthesizer
	jobs    *jobTracker
	locks   locker
	metrics metricsCollector
}

func newBackfiller(store storage, q queue, orch *orchestrator, synth *synthesizer,
	jobs *jobTracker, locks locker, metrics metricsCollector) *backfiller {
	if metrics == nil {
		metrics = noMetrics{}
	}
	return &backfiller{
		store:   store,
		queue:   q,
		orch:    orch,
		synth:   synth,
		jobs:    jobs,
		locks:   locks,
		metrics: metrics,
	}
}

// Run drains the backfill queue until the context is done. Jobs are long;
// one at a time per worker.
func (b *backfiller) Run(ctx context.Context, pollInterval time.Duration) {
	for {
		msgs, err := b.queue.Receive(ctx, _backfillQueue, 1)
		if err != nil {
			Log(ctx).Error("backfill receive failed", "err", err)
		}
		for _, m := range msgs {
			b.ProcessMessage(ctx, m)
		}
		if len(msgs) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// ProcessMessage runs one backfill job under the month advisory lock.
func (b *backfiller) ProcessMessage(ctx context.Context, m *message) {
	var body backfillMessage
	if err := sonic.Unmarshal(m.Body, &body); err != nil {
		Log(ctx).Error("discarding poison backfill message", "err", err)
		b.finish(ctx, m, "poison", m.Ack)
		return
	}
	if err := body.validate(); err != nil {
		Log(ctx).Error("discarding poison backfill message", "err", err)
		b.finish(ctx, m, "poison", m.Ack)
		return
	}
	ctx = withJobID(ctx, body.JobID)

	err := b.locks.WithMonthLock(ctx, body.Year, body.Month, func(ctx context.Context) error {
		return b.runJob(ctx, &body)
	})

	var timeout *lockTimeoutError
	switch {
	case err == nil:
		b.finish(ctx, m, "ack", m.Ack)
	case errors.As(err, &timeout):
		// Another worker owns the month. Leave the job queued and try again.
		Log(ctx).Info("month locked elsewhere, retrying later",
			"year", body.Year, "month", body.Month)
		b.finish(ctx, m, "retry", m.Retry)
	default:
		// The job record carries the failure; the message is done.
		Log(ctx).Error("backfill job failed", "year", body.Year, "month", body.Month, "err", err)
		b.jobs.Finish(ctx, body.JobID, err.Error())
		b.finish(ctx, m, "failed", m.Ack)
	}
}

func (b *backfiller) finish(ctx context.Context, m *message, outcome string, fn func(context.Context) error) {
	b.metrics.MessageProcessed(_backfillQueue, outcome)
	if err := fn(ctx); err != nil {
		Log(ctx).Error("backfill message settle failed", "outcome", outcome, "err", err)
	}
}

// runJob executes one job end to end while the month lock is held.
func (b *backfiller) runJob(ctx context.Context, body *backfillMessage) error {
	if err := b.store.StartBackfill(ctx, body.Year, body.Month); err != nil {
		return fmt.Errorf("starting backfill log: %w", err)
	}
	b.jobs.Update(ctx, body.JobID, func(job *BackfillJob) {
		job.Status = jobProcessing
		job.Progress = "generating candidates"
	})

	batchSize := body.BatchSize
	if batchSize <= 0 {
		batchSize = _backfillBatchSize
	}
	prompt, err := backfillPrompt(body.PromptVariant, body.Year, body.Month, batchSize)
	if err != nil {
		b.failBackfillLog(ctx, body, err)
		return err
	}

	books, err := b.orch.GenerateBooks(ctx, prompt, batchSize)
	if err != nil {
		b.failBackfillLog(ctx, body, err)
		return fmt.Errorf("generating candidates: %w", err)
	}
	Log(ctx).Info("generated backfill candidates",
		"year", body.Year, "month", body.Month, "count", len(books))

	// Persist every candidate as a synthetic work before attempting any
	// resolution. If the cascade dies halfway through, the AI output is
	// already on disk.
	synthetic := 0
	for _, book := range books {
		if err := b.synth.PersistCandidate(ctx, book); err != nil {
			Log(ctx).Warn("persisting synthetic candidate failed",
				"title", book.Title, "err", err)
			continue
		}
		synthetic++
	}
	b.jobs.Update(ctx, body.JobID, func(job *BackfillJob) {
		job.Progress = "resolving isbns"
		job.Stats.BooksGenerated = len(books)
		job.Stats.SyntheticWorks = synthetic
	})

	forEnrichment := b.resolveCandidates(ctx, body, books)

	queued := 0
	if body.DryRun {
		Log(ctx).Info("dry run, skipping enrichment fan-out", "resolved", len(forEnrichment))
	} else {
		queued = b.fanOut(ctx, body, forEnrichment)
	}

	if err := b.store.FinishBackfill(ctx, body.Year, body.Month, "completed",
		len(books), len(forEnrichment), queued, ""); err != nil {
		return fmt.Errorf("finishing backfill log: %w", err)
	}

	b.jobs.Update(ctx, body.JobID, func(job *BackfillJob) {
		job.Stats.ISBNsResolved = len(forEnrichment)
		job.Stats.ISBNsSentToEnrichment = queued
		if body.DryRun {
			job.Progress = "dry run, enrichment skipped"
			return
		}
		job.Status = jobEnriching
		job.Progress = "enrichment queued"
	})
	b.jobs.Finish(ctx, body.JobID, "")
	return nil
}

// resolveCandidates runs the resolution cascade over the generated books and
// returns the ISBNs that landed. Quota exhaustion inside the resolvers comes
// back as not-found, so a dry month never errors the job.
func (b *backfiller) resolveCandidates(ctx context.Context, body *backfillMessage, books []GeneratedBook) []string {
	var resolved []string
	attempts := 0
	for i := range books {
		if body.MaxQuota > 0 && attempts >= body.MaxQuota {
			Log(ctx).Info("job quota cap reached, remaining candidates stay synthetic",
				"cap", body.MaxQuota)
			break
		}
		attempts++

		book := &books[i]
		resolution, err := b.orch.ResolveISBN(ctx, ResolveRequest{
			Title:     book.Title,
			Author:    book.Author,
			Publisher: book.Publisher,
			Format:    book.Format,
		})
		if err != nil {
			Log(ctx).Warn("resolution failed", "title", book.Title, "err", err)
			continue
		}
		if resolution.ISBN == "" {
			continue
		}

		book.ISBN = resolution.ISBN
		// Re-persist with the ISBN attached so the minimal edition exists
		// even if the push path never picks it up.
		if err := b.synth.PersistCandidate(ctx, *book); err != nil {
			Log(ctx).Warn("persisting resolved candidate failed",
				"title", book.Title, "isbn", book.ISBN, "err", err)
			continue
		}
		resolved = append(resolved, resolution.ISBN)
	}
	return resolved
}

// fanOut sends the resolved ISBNs to the enrichment queue in fixed-size
// chunks and returns how many actually went out.
func (b *backfiller) fanOut(ctx context.Context, body *backfillMessage, isbns []string) int {
	source := fmt.Sprintf("backfill-%04d-%02d", body.Year, body.Month)
	queued := 0
	for start := 0; start < len(isbns); start += _backfillFanOutSize {
		end := min(start+_backfillFanOutSize, len(isbns))
		chunk := isbns[start:end]
		err := b.queue.Send(ctx, _enrichmentQueue, enrichmentMessage{
			ISBNs:  chunk,
			Source: source,
			JobID:  body.JobID,
		})
		if err != nil {
			Log(ctx).Error("enrichment fan-out failed", "count", len(chunk), "err", err)
			continue
		}
		queued += len(chunk)
	}
	return queued
}

func (b *backfiller) failBackfillLog(ctx context.Context, body *backfillMessage, cause error) {
	err := b.store.FinishBackfill(ctx, body.Year, body.Month, "failed", 0, 0, 0, cause.Error())
	if err != nil {
		Log(ctx).Warn("recording backfill failure", "err", err)
	}
}
