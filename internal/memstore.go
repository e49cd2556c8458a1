package internal

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memStore implements storage in memory for tests. It funnels through the
// same merge functions as pgStore, so merge semantics match exactly.
type memStore struct {
	mu sync.Mutex

	editions map[string]*Edition
	works    map[string]*Work
	authors  map[string]*Author
	links    map[string][]workAuthorLink
	mappings []ExternalIDMapping
	log      []EnrichmentLog
	backfill map[[2]int]*backfillRow

	enrichmentErr error // When set, upserts fail with this.
}

type workAuthorLink struct {
	authorKey string
	order     int
}

type backfillRow struct {
	status    string
	generated int
	resolved  int
	queued    int
	errMsg    string
	completed bool
}

var _ storage = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		editions: map[string]*Edition{},
		works:    map[string]*Work{},
		authors:  map[string]*Author{},
		links:    map[string][]workAuthorLink{},
		backfill: map[[2]int]*backfillRow{},
	}
}

func (s *memStore) GetEdition(ctx context.Context, isbn string) (*Edition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	edition, ok := s.editions[isbn]
	if !ok {
		return nil, errNotFound
	}
	clone := *edition
	return &clone, nil
}

func (s *memStore) UpsertEdition(ctx context.Context, edition *Edition) (bool, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enrichmentErr != nil {
		return false, nil, s.enrichmentErr
	}
	existing, ok := s.editions[edition.ISBN]
	created := !ok
	if created {
		existing = &Edition{ISBN: edition.ISBN, CreatedAt: time.Now()}
		s.editions[edition.ISBN] = existing
	}
	fields := mergeEdition(existing, edition)
	existing.UpdatedAt = time.Now()
	*edition = *existing
	return created, fields, nil
}

func (s *memStore) GetWork(ctx context.Context, workKey string) (*Work, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	work, ok := s.works[workKey]
	if !ok {
		return nil, errNotFound
	}
	clone := *work
	return &clone, nil
}

func (s *memStore) UpsertWork(ctx context.Context, work *Work) (bool, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enrichmentErr != nil {
		return false, nil, s.enrichmentErr
	}
	existing, ok := s.works[work.WorkKey]
	created := !ok
	if created {
		existing = &Work{WorkKey: work.WorkKey, Synthetic: work.Synthetic, CreatedAt: time.Now()}
		s.works[work.WorkKey] = existing
	}
	fields := mergeWork(existing, work)
	existing.UpdatedAt = time.Now()
	*work = *existing
	return created, fields, nil
}

func (s *memStore) GetAuthor(ctx context.Context, authorKey string) (*Author, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	author, ok := s.authors[authorKey]
	if !ok {
		return nil, errNotFound
	}
	clone := *author
	return &clone, nil
}

func (s *memStore) UpsertAuthor(ctx context.Context, author *Author) (bool, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enrichmentErr != nil {
		return false, nil, s.enrichmentErr
	}
	existing, ok := s.authors[author.AuthorKey]
	created := !ok
	if created {
		existing = &Author{AuthorKey: author.AuthorKey}
		s.authors[author.AuthorKey] = existing
	}
	fields := mergeAuthor(existing, author)
	*author = *existing
	return created, fields, nil
}

func (s *memStore) LinkWorkAuthor(ctx context.Context, workKey, authorKey string, order int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, link := range s.links[workKey] {
		if link.authorKey == authorKey {
			return nil
		}
	}
	s.links[workKey] = append(s.links[workKey], workAuthorLink{authorKey: authorKey, order: order})
	return nil
}

func (s *memStore) WorkKeyForISBN(ctx context.Context, isbn string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if edition, ok := s.editions[isbn]; ok && edition.WorkKey != "" {
		return edition.WorkKey, nil
	}
	return "", errNotFound
}

func (s *memStore) WorkKeyByAuthors(ctx context.Context, title string, authorKeys []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := set[string]{}
	for _, k := range authorKeys {
		keys[k] = struct{}{}
	}

	bestKey, bestSim := "", 0.8
	for workKey, links := range s.links {
		linked := false
		for _, link := range links {
			if _, ok := keys[link.authorKey]; ok {
				linked = true
				break
			}
		}
		if !linked {
			continue
		}
		work, ok := s.works[workKey]
		if !ok {
			continue
		}
		if sim := trigramSimilarity(work.Title, title); sim > bestSim {
			bestKey, bestSim = workKey, sim
		}
	}
	if bestKey == "" {
		return "", errNotFound
	}
	return bestKey, nil
}

func (s *memStore) WorkKeyByExactTitle(ctx context.Context, title string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for workKey, work := range s.works {
		if strings.EqualFold(work.Title, title) {
			return workKey, nil
		}
	}
	return "", errNotFound
}

func (s *memStore) AuthorKeyExact(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for authorKey, author := range s.authors {
		if strings.EqualFold(author.Name, name) {
			return authorKey, nil
		}
	}
	return "", errNotFound
}

func (s *memStore) AuthorKeyFuzzy(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bestKey, bestSim := "", 0.7
	for authorKey, author := range s.authors {
		if sim := trigramSimilarity(author.Name, name); sim > bestSim {
			bestKey, bestSim = authorKey, sim
		}
	}
	if bestKey == "" {
		return "", errNotFound
	}
	return bestKey, nil
}

func (s *memStore) RecordEnrichment(ctx context.Context, entry *EnrichmentLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamped := *entry
	stamped.CreatedAt = time.Now()
	s.log = append(s.log, stamped)
	return nil
}

func (s *memStore) RecordExternalID(ctx context.Context, mapping *ExternalIDMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.mappings {
		if m.EntityType == mapping.EntityType && m.OurKey == mapping.OurKey &&
			m.Provider == mapping.Provider && m.ProviderID == mapping.ProviderID {
			s.mappings[i].Confidence = max(m.Confidence, mapping.Confidence)
			return nil
		}
	}
	s.mappings = append(s.mappings, *mapping)
	return nil
}

func (s *memStore) SetEditionCovers(ctx context.Context, isbn string, covers CoverSet, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	edition, ok := s.editions[isbn]
	if !ok {
		return errNotFound
	}
	edition.Covers = covers
	edition.CoverSource = source
	edition.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) StartBackfill(ctx context.Context, year, month int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backfill[[2]int{year, month}] = &backfillRow{status: "processing"}
	return nil
}

func (s *memStore) FinishBackfill(ctx context.Context, year, month int, status string, generated, resolved, queued int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.backfill[[2]int{year, month}]
	if !ok {
		return errNotFound
	}
	row.status = status
	row.generated = generated
	row.resolved = resolved
	row.queued = queued
	row.errMsg = errMsg
	row.completed = true
	return nil
}

func (s *memStore) ClaimStaleSyntheticWorks(ctx context.Context, limit int, fn func(ctx context.Context, works []*Work) error) error {
	s.mu.Lock()
	var works []*Work
	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	for _, work := range s.works {
		if !work.Synthetic || work.CompletenessScore >= 50 {
			continue
		}
		if !work.LastISBNdbSync.IsZero() && work.LastISBNdbSync.After(cutoff) {
			continue
		}
		// Stamped at claim time, as the real store does, so a racing sweep
		// skips these rows.
		work.LastISBNdbSync = time.Now()
		work.UpdatedAt = time.Now()
		clone := *work
		works = append(works, &clone)
		if len(works) == limit {
			break
		}
	}
	s.mu.Unlock()

	if len(works) == 0 {
		return nil
	}
	return fn(ctx, works)
}

func (s *memStore) FinishWorkEnhancement(ctx context.Context, workKey string, completeness int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work, ok := s.works[workKey]
	if !ok {
		return errNotFound
	}
	work.CompletenessScore = max(work.CompletenessScore, completeness)
	work.LastISBNdbSync = time.Now()
	work.UpdatedAt = time.Now()
	return nil
}

// logEntries returns a copy of the enrichment log for assertions.
func (s *memStore) logEntries() []EnrichmentLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EnrichmentLog, len(s.log))
	copy(out, s.log)
	return out
}
