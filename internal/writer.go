package internal

import (
	"context"
	"time"
)

// writer is the merge-write layer. It scores incoming records, funnels them
// through the storage layer's monotone merge, records an analytics row for
// every attempt, and fans newly created editions out to the cover queue and
// the webhook. Analytics and side effects are best effort; only the primary
// write can fail the caller.
type writer struct {
	store   storage
	queue   queue
	notify  notifier
	metrics metricsCollector
}

func newWriter(store storage, q queue, notify notifier, metrics metricsCollector) *writer {
	if notify == nil {
		notify = noopNotifier{}
	}
	if metrics == nil {
		metrics = noMetrics{}
	}
	return &writer{store: store, queue: q, notify: notify, metrics: metrics}
}

// UpsertEdition merges an edition and emits its side effects. The returned
// flag reports whether the row was created.
func (w *writer) UpsertEdition(ctx context.Context, edition *Edition) (bool, error) {
	scoreEdition(edition)
	qualityBefore := 0
	if existing, err := w.store.GetEdition(ctx, edition.ISBN); err == nil {
		qualityBefore = existing.QualityScore
	}

	start := time.Now()
	created, fields, err := w.store.UpsertEdition(ctx, edition)
	w.record(ctx, "edition", edition.ISBN, edition.PrimaryProvider, created, fields, start, err)
	if err != nil {
		return false, err
	}
	w.metrics.EntityUpserted("edition", created)

	if created {
		w.enqueueCover(ctx, edition)
		w.notify.EditionCreated(ctx, edition.ISBN, edition.QualityScore-qualityBefore)
	}
	return created, nil
}

// UpsertWork merges a work record.
func (w *writer) UpsertWork(ctx context.Context, work *Work) (bool, error) {
	scoreWork(work)

	start := time.Now()
	created, fields, err := w.store.UpsertWork(ctx, work)
	w.record(ctx, "work", work.WorkKey, work.PrimaryProvider, created, fields, start, err)
	if err != nil {
		return false, err
	}
	w.metrics.EntityUpserted("work", created)
	return created, nil
}

// UpsertAuthor merges an author record.
func (w *writer) UpsertAuthor(ctx context.Context, author *Author) (bool, error) {
	start := time.Now()
	created, fields, err := w.store.UpsertAuthor(ctx, author)
	w.record(ctx, "author", author.AuthorKey, author.EnrichmentSource, created, fields, start, err)
	if err != nil {
		return false, err
	}
	w.metrics.EntityUpserted("author", created)
	return created, nil
}

// record writes the analytics row. Failures here are logged and swallowed so
// analytics can never fail an enrichment.
func (w *writer) record(ctx context.Context, entityType, key, provider string, created bool, fields []string, start time.Time, upsertErr error) {
	operation := "update"
	if created {
		operation = "create"
	}
	entry := &EnrichmentLog{
		EntityType:     entityType,
		EntityKey:      key,
		Provider:       provider,
		Operation:      operation,
		Success:        upsertErr == nil,
		FieldsUpdated:  fields,
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if upsertErr != nil {
		entry.ErrorMessage = upsertErr.Error()
	}
	if err := w.store.RecordEnrichment(ctx, entry); err != nil {
		Log(ctx).Warn("enrichment log write failed", "entity", key, "err", err)
	}
}

// enqueueCover emits a cover-mirroring job for an edition that arrived with a
// provider cover URL. ISBNdb originals are the best source we see, so they
// jump the queue.
func (w *writer) enqueueCover(ctx context.Context, edition *Edition) {
	coverURL := edition.Covers.best()
	if coverURL == "" || w.queue == nil {
		return
	}
	priority := "normal"
	if edition.PrimaryProvider == "isbndb" && edition.Covers.Original != "" {
		priority = "high"
	}
	msg := newCoverMessage(edition.ISBN, edition.WorkKey, coverURL, priority, edition.PrimaryProvider)
	if err := w.queue.Send(ctx, _coverQueue, msg); err != nil {
		Log(ctx).Warn("cover enqueue failed", "isbn", edition.ISBN, "err", err)
	}
}
