package internal

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// _resolveOrder is the resolution cascade, most authoritative first.
var _resolveOrder = []string{"isbndb", "google-books", "open-library", "archive-org", "wikidata"}

// orchestrator composes providers under three strategies: cascading
// stop-on-first-success for ISBN resolution, concurrent-aggregate for AI
// generation, and fan-out-merge for edition variants.
type orchestrator struct {
	registry *registry
	metrics  metricsCollector
}

func newOrchestrator(reg *registry, metrics metricsCollector) *orchestrator {
	if metrics == nil {
		metrics = noMetrics{}
	}
	return &orchestrator{registry: reg, metrics: metrics}
}

// ResolveISBN walks the cascade, returning the first non-empty resolution.
// Providers failing transiently are skipped; only configuration errors
// surface. When every tier misses, the result is source "none".
func (o *orchestrator) ResolveISBN(ctx context.Context, req ResolveRequest) (Resolution, error) {
	for _, resolver := range o.registry.resolvers(_resolveOrder) {
		callCtx, cancel := context.WithTimeout(ctx, _resolverTimeout)
		resolution, err := resolver.ResolveISBN(callCtx, req)
		cancel()

		if err != nil {
			if errors.Is(err, errProviderConfig) {
				return resolution, err
			}
			Log(ctx).Warn("resolver failed, cascading", "source", resolution.Source, "err", err)
			continue
		}
		o.metrics.ProviderCall(resolution.Source, resolution.ISBN != "")
		if resolution.ISBN != "" {
			return resolution, nil
		}
	}
	return Resolution{Source: "none"}, nil
}

// GenerateBooks runs every available generator in parallel and unions their
// outputs, dropping near-duplicate titles. It succeeds if any generator
// succeeded.
func (o *orchestrator) GenerateBooks(ctx context.Context, prompt string, n int) ([]GeneratedBook, error) {
	generators := o.registry.generators()
	if len(generators) == 0 {
		return nil, errors.New("no book generators available")
	}

	var mu sync.Mutex
	var collected []GeneratedBook
	var firstErr error
	succeeded := false

	group, groupCtx := errgroup.WithContext(ctx)
	for _, generator := range generators {
		group.Go(func() error {
			callCtx, cancel := context.WithTimeout(groupCtx, _generatorTimeout)
			defer cancel()

			books, err := generator.GenerateBooks(callCtx, prompt, n)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				Log(ctx).Warn("book generator failed", "err", err)
				if firstErr == nil {
					firstErr = err
				}
				return nil // Aggregate semantics: one failure doesn't sink the rest.
			}
			succeeded = true
			collected = append(collected, books...)
			return nil
		})
	}
	_ = group.Wait()

	if !succeeded {
		return nil, firstErr
	}
	return dedupeGenerated(collected), nil
}

// dedupeGenerated drops candidates whose normalized title is at least 0.6
// similar to one already kept, by edit ratio or trigram overlap.
func dedupeGenerated(books []GeneratedBook) []GeneratedBook {
	var kept []GeneratedBook
	for _, book := range books {
		title := normalizeTitle(book.Title)
		duplicate := false
		for _, existing := range kept {
			keptTitle := normalizeTitle(existing.Title)
			if similarity(title, keptTitle) >= 0.6 || trigramSimilarity(title, keptTitle) >= 0.6 {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, book)
		}
	}
	return kept
}

// FetchVariants fans out to every variant provider and merges the results
// into an ISBN-to-format map. Providers are merged in registration order and
// earlier entries win, mirroring the existing-keys-win rule downstream.
func (o *orchestrator) FetchVariants(ctx context.Context, isbn string) map[string]string {
	fetchers := o.registry.variantFetchers()
	results := make([][]EditionVariant, len(fetchers))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, fetcher := range fetchers {
		group.Go(func() error {
			callCtx, cancel := context.WithTimeout(groupCtx, _variantTimeout)
			defer cancel()

			variants, err := fetcher.FetchEditionVariants(callCtx, isbn)
			if err != nil {
				if !errors.Is(err, errNotFound) {
					Log(ctx).Debug("variant fetch failed", "isbn", isbn, "err", err)
				}
				return nil
			}
			results[i] = variants
			return nil
		})
	}
	_ = group.Wait()

	merged := map[string]string{}
	for _, variants := range results {
		for _, variant := range variants {
			if variant.ISBN == isbn {
				continue
			}
			if _, ok := merged[variant.ISBN]; !ok {
				merged[variant.ISBN] = variant.Format
			}
		}
	}
	return merged
}

// FetchCover cascades over cover providers for a fresh URL.
func (o *orchestrator) FetchCover(ctx context.Context, isbn string) (string, error) {
	for _, fetcher := range o.registry.coverFetchers() {
		callCtx, cancel := context.WithTimeout(ctx, _coverTimeout)
		url, err := fetcher.FetchCover(callCtx, isbn)
		cancel()
		if err != nil {
			continue
		}
		if url != "" {
			return url, nil
		}
	}
	return "", errNotFound
}
