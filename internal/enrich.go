package internal

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"
)

// _supplementaryBudget bounds the per-message wall clock spent on secondary
// providers. The primary fetch is not included; it has its own timeout.
const _supplementaryBudget = 30 * time.Second

// _enrichmentBatchSize caps how many ISBNs go to the primary fetcher at once.
const _enrichmentBatchSize = 100

// Capability surfaces the consumer needs beyond the registry's generic ones.
type (
	editionEvidenceFetcher interface {
		FetchEditionEvidence(ctx context.Context, isbn string) (*WikidataEdition, error)
	}
	archiveEvidenceFetcher interface {
		FetchArchiveMetadata(ctx context.Context, isbn string) (*ArchiveMetadata, error)
	}
)

// enricher consumes enrichment messages: batch-fetch from the primary
// provider, gather supplementary evidence in parallel, resolve work keys and
// run everything through the merge writer. A message is acked only when every
// ISBN it carries reached a terminal state; storage failures retry the whole
// message, which is safe because merges are idempotent.
type enricher struct {
	store    storage
	writer   *writer
	cache    cache[[]byte]
	queue    queue
	orch     *orchestrator
	primary  batchMetadataFetcher
	wikidata editionEvidenceFetcher
	google   metadataFetcher // nil unless the Google enrichment flag is on
	archive  archiveEvidenceFetcher
	metrics  metricsCollector

	workKeys *sync.Map // process-scope ISBN → work-key memo
}

func newEnricher(store storage, w *writer, c cache[[]byte], q queue, orch *orchestrator,
	primary batchMetadataFetcher, wikidata editionEvidenceFetcher, google metadataFetcher,
	archive archiveEvidenceFetcher, metrics metricsCollector) *enricher {
	if metrics == nil {
		metrics = noMetrics{}
	}
	return &enricher{
		store:    store,
		writer:   w,
		cache:    c,
		queue:    q,
		orch:     orch,
		primary:  primary,
		wikidata: wikidata,
		google:   google,
		archive:  archive,
		metrics:  metrics,
		workKeys: &sync.Map{},
	}
}

// Run drains the enrichment queue until the context is done.
func (e *enricher) Run(ctx context.Context, pollInterval time.Duration) {
	for {
		msgs, err := e.queue.Receive(ctx, _enrichmentQueue, 10)
		if err != nil {
			Log(ctx).Error("enrichment receive failed", "err", err)
		}
		for _, m := range msgs {
			e.ProcessMessage(ctx, m)
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

// ProcessMessage handles one enrichment message end to end.
func (e *enricher) ProcessMessage(ctx context.Context, m *message) {
	var body enrichmentMessage
	if err := sonic.Unmarshal(m.Body, &body); err != nil {
		e.discardPoison(ctx, m, err)
		return
	}
	if err := body.validate(); err != nil {
		e.discardPoison(ctx, m, err)
		return
	}
	if body.JobID != "" {
		ctx = withJobID(ctx, body.JobID)
	}

	if err := e.enrichBatch(ctx, body.isbnList()); err != nil {
		Log(ctx).Warn("enrichment batch failed, retrying message", "err", err)
		e.metrics.MessageProcessed(_enrichmentQueue, "retry")
		if err := m.Retry(ctx); err != nil {
			Log(ctx).Error("message retry failed", "err", err)
		}
		return
	}

	e.metrics.MessageProcessed(_enrichmentQueue, "ack")
	if err := m.Ack(ctx); err != nil {
		Log(ctx).Error("message ack failed", "err", err)
	}
}

func (e *enricher) discardPoison(ctx context.Context, m *message, err error) {
	Log(ctx).Error("discarding poison message", "queue", m.Queue, "err", err)
	e.metrics.MessageProcessed(_enrichmentQueue, "poison")
	if err := m.Ack(ctx); err != nil {
		Log(ctx).Error("poison ack failed", "err", err)
	}
}

// enrichBatch enriches every ISBN in the list. A nil return means every ISBN
// reached a terminal state: enriched, known-missing, or invalid.
func (e *enricher) enrichBatch(ctx context.Context, raw []string) error {
	isbns := e.normalizeBatch(ctx, raw)
	if len(isbns) == 0 {
		return nil
	}

	for len(isbns) > 0 {
		chunk := isbns
		if len(chunk) > _enrichmentBatchSize {
			chunk = chunk[:_enrichmentBatchSize]
		}
		isbns = isbns[len(chunk):]

		fetched, err := e.primary.BatchFetchMetadata(ctx, chunk)
		if err != nil {
			return err
		}

		for _, isbn := range chunk {
			metadata, ok := fetched[isbn]
			if !ok || metadata == nil {
				// Terminal miss. Remember it so re-submissions are cheap.
				e.cache.Set(ctx, isbnNotFoundKey(isbn), []byte("1"), _negativeCacheTTL)
				e.metrics.ProviderCall("isbndb", false)
				continue
			}
			e.metrics.ProviderCall("isbndb", true)
			if err := e.enrichOne(ctx, metadata); err != nil {
				return err
			}
		}
	}
	return nil
}

// normalizeBatch validates, canonicalizes and dedupes the incoming ISBNs,
// dropping ones the negative cache already knows are missing.
func (e *enricher) normalizeBatch(ctx context.Context, raw []string) []string {
	seen := set[string]{}
	var out []string
	for _, r := range raw {
		isbn, err := NormalizeISBN(r)
		if err != nil {
			Log(ctx).Warn("dropping invalid isbn", "isbn", r, "err", err)
			continue
		}
		if _, dup := seen[isbn]; dup {
			continue
		}
		seen[isbn] = struct{}{}
		if _, known := e.cache.Get(ctx, isbnNotFoundKey(isbn)); known {
			e.metrics.CacheHit()
			continue
		}
		e.metrics.CacheMiss()
		out = append(out, isbn)
	}
	return out
}

// supplementary is the evidence gathered beside the primary record.
type supplementary struct {
	wikidata *WikidataEdition
	google   *BookMetadata
	archive  *ArchiveMetadata
	variants map[string]string
}

// gatherSupplementary fans out to the secondary providers under the shared
// budget. Every branch is best effort.
func (e *enricher) gatherSupplementary(ctx context.Context, isbn string) supplementary {
	budgetCtx, cancel := context.WithTimeout(ctx, _supplementaryBudget)
	defer cancel()

	var sup supplementary
	group, groupCtx := errgroup.WithContext(budgetCtx)

	if e.wikidata != nil {
		group.Go(func() error {
			evidence, err := e.wikidata.FetchEditionEvidence(groupCtx, isbn)
			if err != nil && !errors.Is(err, errNotFound) {
				Log(ctx).Debug("wikidata evidence failed", "isbn", isbn, "err", err)
			}
			sup.wikidata = evidence
			return nil
		})
	}
	if e.google != nil {
		group.Go(func() error {
			metadata, err := e.google.FetchMetadata(groupCtx, isbn)
			if err != nil && !errors.Is(err, errNotFound) {
				Log(ctx).Debug("google supplement failed", "isbn", isbn, "err", err)
			}
			sup.google = metadata
			return nil
		})
	}
	if e.archive != nil {
		group.Go(func() error {
			metadata, err := e.archive.FetchArchiveMetadata(groupCtx, isbn)
			if err != nil && !errors.Is(err, errNotFound) {
				Log(ctx).Debug("archive supplement failed", "isbn", isbn, "err", err)
			}
			sup.archive = metadata
			return nil
		})
	}
	if e.orch != nil {
		group.Go(func() error {
			sup.variants = e.orch.FetchVariants(groupCtx, isbn)
			return nil
		})
	}
	_ = group.Wait()
	return sup
}

// enrichOne merges one fetched record and its supplementary evidence. Errors
// here are storage errors; provider problems were already downgraded.
func (e *enricher) enrichOne(ctx context.Context, metadata *BookMetadata) error {
	ctx = withSource(ctx, metadata.Provider)
	sup := e.gatherSupplementary(ctx, metadata.ISBN)

	match, authorKeys, err := newDeduper(e.store, e.workKeys).
		FindOrCreateWork(ctx, metadata.ISBN, metadata.Title, metadata.Authors)
	if err != nil {
		return err
	}

	work := &Work{
		WorkKey:              match.Key,
		Title:                metadata.Title,
		Subtitle:             metadata.Subtitle,
		FirstPublicationYear: publicationYear(metadata.PublicationDate),
		SubjectTags:          normalizeSubjects(metadata.Subjects),
		Covers:               metadata.Covers,
		OpenLibraryWorkID:    metadata.OpenLibraryWorkID,
		PrimaryProvider:      metadata.Provider,
		Contributors:         contributorsOf(nil, metadata.Provider),
	}
	if sup.google != nil {
		work.SubjectTags = normalizeSubjects(work.SubjectTags, sup.google.Subjects)
		work.Contributors = appendDistinct(work.Contributors, sup.google.Provider)
	}
	applyWorkEvidence(work, sup.wikidata, sup.archive)
	if _, err := e.writer.UpsertWork(ctx, work); err != nil {
		return err
	}

	for order, authorKey := range authorKeys {
		name := ""
		if order < len(metadata.Authors) {
			name = metadata.Authors[order]
		}
		if _, err := e.writer.UpsertAuthor(ctx, &Author{AuthorKey: authorKey, Name: name}); err != nil {
			return err
		}
		if err := e.store.LinkWorkAuthor(ctx, match.Key, authorKey, order); err != nil {
			return err
		}
	}

	edition := editionFromMetadata(metadata)
	edition.WorkKey = match.Key
	edition.WorkMatchConfidence = match.Confidence
	edition.WorkMatchSource = match.Source
	edition.RelatedISBNs = relatedFromVariants(metadata, sup)
	if sup.google != nil {
		edition.GoogleVolumeIDs = sup.google.GoogleVolumeIDs
	}
	if _, err := e.writer.UpsertEdition(ctx, edition); err != nil {
		return err
	}

	e.recordMappings(ctx, metadata, match.Key)
	return nil
}

// recordMappings stores provider identifiers for cross-referencing. Best
// effort; enrichment already succeeded.
func (e *enricher) recordMappings(ctx context.Context, metadata *BookMetadata, workKey string) {
	if metadata.OpenLibraryWorkID != "" {
		mapping := &ExternalIDMapping{
			EntityType:    "work",
			OurKey:        workKey,
			Provider:      "open-library",
			ProviderID:    metadata.OpenLibraryWorkID,
			Confidence:    80,
			MappingSource: metadata.Provider,
			MappingMethod: "isbn_lookup",
		}
		if err := e.store.RecordExternalID(ctx, mapping); err != nil {
			Log(ctx).Warn("external id mapping failed", "err", err)
		}
	}
	for _, volumeID := range metadata.GoogleVolumeIDs {
		mapping := &ExternalIDMapping{
			EntityType:    "edition",
			OurKey:        metadata.ISBN,
			Provider:      "google-books",
			ProviderID:    volumeID,
			Confidence:    80,
			MappingSource: metadata.Provider,
			MappingMethod: "isbn_lookup",
		}
		if err := e.store.RecordExternalID(ctx, mapping); err != nil {
			Log(ctx).Warn("external id mapping failed", "err", err)
		}
	}
}

// editionFromMetadata maps provider evidence onto an edition record.
func editionFromMetadata(m *BookMetadata) *Edition {
	edition := &Edition{
		ISBN:                 m.ISBN,
		Title:                m.Title,
		Subtitle:             m.Subtitle,
		Publisher:            m.Publisher,
		PublicationDate:      m.PublicationDate,
		PageCount:            m.PageCount,
		Format:               m.Format,
		Language:             m.Language,
		Covers:               m.Covers,
		Subjects:             normalizeSubjects(m.Subjects),
		DeweyDecimals:        m.DeweyDecimals,
		OpenLibraryEditionID: m.OpenLibraryEditionID,
		AmazonASINs:          m.AmazonASINs,
		GoogleVolumeIDs:      m.GoogleVolumeIDs,
		PrimaryProvider:      m.Provider,
		Contributors:         contributorsOf(nil, m.Provider),
	}
	if !edition.Covers.empty() {
		edition.CoverSource = m.Provider
	}
	for _, related := range m.RelatedISBNs {
		if normalized, err := NormalizeISBN(related); err == nil && normalized != m.ISBN {
			edition.AlternateISBNs = appendDistinct(edition.AlternateISBNs, normalized)
		}
	}
	return edition
}

// relatedFromVariants folds every variant source into the related-ISBN map.
// The primary provider's own variants take precedence, then Wikidata, then
// whatever the fan-out found. Existing keys always win downstream.
func relatedFromVariants(m *BookMetadata, sup supplementary) map[string]string {
	related := map[string]string{}
	add := func(variants []EditionVariant) {
		for _, v := range variants {
			if v.ISBN == m.ISBN {
				continue
			}
			if _, ok := related[v.ISBN]; !ok {
				related[v.ISBN] = v.Format
			}
		}
	}
	add(m.variants)
	if sup.wikidata != nil {
		add(sup.wikidata.Variants)
	}
	for isbn, format := range sup.variants {
		if isbn == m.ISBN {
			continue
		}
		if _, ok := related[isbn]; !ok {
			related[isbn] = format
		}
	}
	if len(related) == 0 {
		return nil
	}
	return related
}

// publicationYear extracts the leading year from a provider date string.
func publicationYear(date string) int {
	if len(date) < 4 {
		return 0
	}
	year, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return year
}
