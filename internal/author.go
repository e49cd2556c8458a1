package internal

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
)

// Quota-pressure thresholds for just-in-time author enrichment. Author work
// is the first to yield when the daily ISBNdb budget runs hot.
const (
	_authorDeferAllPercent = 85
	_authorHighOnlyPercent = 70
)

// authorRecordFetcher is the batch biographical lookup the consumer drives.
type authorRecordFetcher interface {
	FetchAuthorRecords(ctx context.Context, qids []string) (map[string]*Author, error)
}

// authorEnricher consumes JIT author-enrichment messages. A batch collapses
// to one Wikidata call; fields merge by coalesce so repeat enrichment never
// erases data.
type authorEnricher struct {
	writer   *writer
	queue    queue
	quota    *QuotaManager
	wikidata authorRecordFetcher
	metrics  metricsCollector
}

func newAuthorEnricher(w *writer, q queue, quota *QuotaManager, wikidata authorRecordFetcher, metrics metricsCollector) *authorEnricher {
	if metrics == nil {
		metrics = noMetrics{}
	}
	return &authorEnricher{writer: w, queue: q, quota: quota, wikidata: wikidata, metrics: metrics}
}

// Run drains the author queue until the context is done.
func (a *authorEnricher) Run(ctx context.Context, pollInterval time.Duration) {
	for {
		msgs, err := a.queue.Receive(ctx, _authorQueue, 50)
		if err != nil {
			Log(ctx).Error("author receive failed", "err", err)
		}
		if len(msgs) > 0 {
			a.ProcessBatch(ctx, msgs)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// pendingAuthor is one deduplicated unit of work with every message that
// asked for it.
type pendingAuthor struct {
	body     authorMessage
	messages []*message
}

// ProcessBatch handles one batch of author messages.
func (a *authorEnricher) ProcessBatch(ctx context.Context, msgs []*message) {
	usage := a.quota.usagePercent(ctx)
	if usage >= _authorDeferAllPercent {
		Log(ctx).Info("quota pressure, deferring author enrichment", "usage_percent", usage)
		for _, m := range msgs {
			a.settle(ctx, m, "retry", m.Retry)
		}
		return
	}

	// Deduplicate within the batch, upgrading to the highest priority seen.
	pending := map[string]*pendingAuthor{}
	var order []string
	for _, m := range msgs {
		var body authorMessage
		if err := sonic.Unmarshal(m.Body, &body); err != nil {
			Log(ctx).Error("discarding poison author message", "err", err)
			a.settle(ctx, m, "poison", m.Ack)
			continue
		}
		if err := body.validate(); err != nil {
			Log(ctx).Error("discarding poison author message", "err", err)
			a.settle(ctx, m, "poison", m.Ack)
			continue
		}

		p, ok := pending[body.AuthorKey]
		if !ok {
			p = &pendingAuthor{body: body}
			pending[body.AuthorKey] = p
			order = append(order, body.AuthorKey)
		}
		if priorityRank(body.Priority) > priorityRank(p.body.Priority) {
			p.body.Priority = body.Priority
		}
		p.messages = append(p.messages, m)
	}

	// Under moderate pressure only high-priority work proceeds.
	var qids []string
	var batch []*pendingAuthor
	for _, key := range order {
		p := pending[key]
		if usage >= _authorHighOnlyPercent && p.body.Priority != "high" {
			a.metrics.QuotaDenied()
			for _, m := range p.messages {
				a.settle(ctx, m, "retry", m.Retry)
			}
			continue
		}
		qids = append(qids, p.body.WikidataID)
		batch = append(batch, p)
	}
	if len(batch) == 0 {
		return
	}

	records, err := a.wikidata.FetchAuthorRecords(ctx, qids)
	if err != nil {
		Log(ctx).Warn("author batch fetch failed, retrying", "err", err)
		for _, p := range batch {
			for _, m := range p.messages {
				a.settle(ctx, m, "retry", m.Retry)
			}
		}
		return
	}

	now := time.Now().UTC()
	for _, p := range batch {
		record := records[p.body.WikidataID]
		if record == nil {
			// Wikidata knows nothing new. Stamp anyway so the next view
			// doesn't re-trigger enrichment.
			record = &Author{EnrichmentSource: "wikidata"}
		}
		record.AuthorKey = p.body.AuthorKey
		record.WikidataID = p.body.WikidataID
		record.WikidataEnrichedAt = now

		if _, err := a.writer.UpsertAuthor(ctx, record); err != nil {
			Log(ctx).Warn("author upsert failed, retrying", "author", p.body.AuthorKey, "err", err)
			for _, m := range p.messages {
				a.settle(ctx, m, "retry", m.Retry)
			}
			continue
		}
		for _, m := range p.messages {
			a.settle(ctx, m, "ack", m.Ack)
		}
	}
}

func (a *authorEnricher) settle(ctx context.Context, m *message, outcome string, fn func(context.Context) error) {
	a.metrics.MessageProcessed(_authorQueue, outcome)
	if err := fn(ctx); err != nil {
		Log(ctx).Error("author message settle failed", "outcome", outcome, "err", err)
	}
}

func priorityRank(priority string) int {
	switch priority {
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}
