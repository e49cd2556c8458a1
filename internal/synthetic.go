package internal

import (
	"context"
	"strconv"
)

// syntheticWorkKey derives the stable key for an AI-generated candidate so
// the same book discovered twice lands on the same row.
func syntheticWorkKey(title, author string) string {
	return "synthetic:" + slugify(title, 50) + ":" + slugify(author, 30)
}

// synthesizer persists AI-generated candidates as minimal records and later
// upgrades them once a real ISBN is known.
type synthesizer struct {
	writer *writer
	store  storage
	orch   *orchestrator
	queue  queue
	dedupe *deduper
}

func newSynthesizer(w *writer, store storage, orch *orchestrator, q queue) *synthesizer {
	return &synthesizer{writer: w, store: store, orch: orch, queue: q, dedupe: newDeduper(store, nil)}
}

// PersistCandidate writes the synthetic work for a generated book, plus a
// minimal edition when resolution already attached an ISBN. The merge layer
// keeps existing data from more authoritative providers intact.
func (s *synthesizer) PersistCandidate(ctx context.Context, book GeneratedBook) error {
	work := &Work{
		WorkKey:              syntheticWorkKey(book.Title, book.Author),
		Title:                book.Title,
		FirstPublicationYear: book.PublicationYear,
		PrimaryProvider:      "gemini-backfill",
		Contributors:         []string{book.Generator},
		CompletenessScore:    30,
		Synthetic:            true,
		Metadata: map[string]string{
			"author":       book.Author,
			"generator":    book.Generator,
			"significance": book.Significance,
		},
	}
	if _, err := s.writer.UpsertWork(ctx, work); err != nil {
		return err
	}

	authorKey, err := s.dedupe.FindOrCreateAuthor(ctx, book.Author)
	if err != nil {
		return err
	}
	if _, err := s.writer.UpsertAuthor(ctx, &Author{AuthorKey: authorKey, Name: book.Author}); err != nil {
		return err
	}
	if err := s.store.LinkWorkAuthor(ctx, work.WorkKey, authorKey, 0); err != nil {
		return err
	}

	if book.ISBN == "" {
		return nil
	}
	edition := &Edition{
		ISBN:                book.ISBN,
		Title:               book.Title,
		Publisher:           book.Publisher,
		Format:              book.Format,
		PublicationDate:     strconv.Itoa(book.PublicationYear),
		WorkKey:             work.WorkKey,
		WorkMatchConfidence: 50,
		WorkMatchSource:     "gemini-synthetic",
		PrimaryProvider:     "gemini-backfill",
		Contributors:        []string{book.Generator},
		CompletenessScore:   30,
	}
	_, err = s.writer.UpsertEdition(ctx, edition)
	return err
}

// EnhanceSyntheticWorks is the deferred upgrade pass. It claims stale
// synthetic works, attempts ISBN resolution, persists a minimal edition for
// each hit and hands the ISBN to the normal enrichment path. Works are
// stamped either way so the next pass doesn't retry them for a week.
func (s *synthesizer) EnhanceSyntheticWorks(ctx context.Context, limit int) (enhanced int, err error) {
	err = s.store.ClaimStaleSyntheticWorks(ctx, limit, func(ctx context.Context, works []*Work) error {
		for _, work := range works {
			completeness := 40
			if s.enhanceOne(ctx, work) {
				completeness = 80
				enhanced++
			}
			if err := s.store.FinishWorkEnhancement(ctx, work.WorkKey, completeness); err != nil {
				return err
			}
		}
		return nil
	})
	return enhanced, err
}

func (s *synthesizer) enhanceOne(ctx context.Context, work *Work) bool {
	// Contributors on a synthetic work name the generator. The real author
	// rides in the metadata blob written at persist time.
	resolution, err := s.orch.ResolveISBN(ctx, ResolveRequest{Title: work.Title, Author: work.Metadata["author"]})
	if err != nil || resolution.ISBN == "" {
		if err != nil {
			Log(ctx).Warn("synthetic enhancement resolution failed", "work", work.WorkKey, "err", err)
		}
		return false
	}

	edition := &Edition{
		ISBN:                resolution.ISBN,
		Title:               work.Title,
		WorkKey:             work.WorkKey,
		WorkMatchConfidence: resolution.Confidence,
		WorkMatchSource:     resolution.Source,
		PrimaryProvider:     resolution.Source,
	}
	if _, err := s.writer.UpsertEdition(ctx, edition); err != nil {
		Log(ctx).Warn("synthetic enhancement upsert failed", "isbn", resolution.ISBN, "err", err)
		return false
	}

	msg := enrichmentMessage{ISBN: resolution.ISBN, Source: "synthetic-enhancement"}
	if err := s.queue.Send(ctx, _enrichmentQueue, msg); err != nil {
		Log(ctx).Warn("synthetic enhancement enqueue failed", "isbn", resolution.ISBN, "err", err)
		return false
	}
	return true
}
