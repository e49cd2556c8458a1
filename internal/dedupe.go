package internal

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// workMatch is the outcome of work-key resolution, carrying the provenance
// the edition row records alongside the key.
type workMatch struct {
	Key        string
	Confidence int
	Source     string
	Created    bool
}

// deduper resolves incoming (isbn, title, authors) tuples to stable work and
// author keys. Lookups for the same logical entity are single-flighted so a
// batch containing the same book twice creates one row, not two. A deduper is
// created per consumer invocation; the ISBN memo it wraps lives for the whole
// process.
type deduper struct {
	store  storage
	memo   *sync.Map // isbn → work_key, process scoped
	flight singleflight.Group
}

func newDeduper(store storage, memo *sync.Map) *deduper {
	if memo == nil {
		memo = &sync.Map{}
	}
	return &deduper{store: store, memo: memo}
}

// FindOrCreateWork resolves the work key for a book, walking from cheapest to
// most speculative: the process memo, the edition row, an author-scoped fuzzy
// title match, an exact title match, and finally a freshly generated key.
func (d *deduper) FindOrCreateWork(ctx context.Context, isbn, title string, authors []string) (workMatch, []string, error) {
	firstAuthor := ""
	if len(authors) > 0 {
		firstAuthor = authors[0]
	}
	flightKey := "work:" + normalizeTitle(title) + ":" + normalizeAuthor(firstAuthor)

	type result struct {
		match      workMatch
		authorKeys []string
	}
	v, err, _ := d.flight.Do(flightKey, func() (any, error) {
		match, authorKeys, err := d.resolveWork(ctx, isbn, title, authors)
		return result{match, authorKeys}, err
	})
	if err != nil {
		return workMatch{}, nil, err
	}
	r := v.(result)
	return r.match, r.authorKeys, nil
}

func (d *deduper) resolveWork(ctx context.Context, isbn, title string, authors []string) (workMatch, []string, error) {
	authorKeys, err := d.resolveAuthors(ctx, authors)
	if err != nil {
		return workMatch{}, nil, err
	}

	if cached, ok := d.memo.Load(isbn); ok {
		return workMatch{Key: cached.(string), Confidence: 100, Source: "isbn_cache"}, authorKeys, nil
	}

	if key, err := d.store.WorkKeyForISBN(ctx, isbn); err == nil && key != "" {
		d.memo.Store(isbn, key)
		return workMatch{Key: key, Confidence: 100, Source: "existing_edition"}, authorKeys, nil
	} else if err != nil && !isNotFound(err) {
		return workMatch{}, nil, err
	}

	// Author-scoped title match, limited to the first three authors to keep
	// the trigram query bounded.
	scoped := authorKeys
	if len(scoped) > 3 {
		scoped = scoped[:3]
	}
	if len(scoped) > 0 {
		key, err := d.store.WorkKeyByAuthors(ctx, title, scoped)
		if err != nil && !isNotFound(err) {
			return workMatch{}, nil, err
		}
		if key != "" {
			d.memo.Store(isbn, key)
			return workMatch{Key: key, Confidence: 85, Source: "author_title_match"}, authorKeys, nil
		}
	}

	key, err := d.store.WorkKeyByExactTitle(ctx, title)
	if err != nil && !isNotFound(err) {
		return workMatch{}, nil, err
	}
	if key != "" {
		d.memo.Store(isbn, key)
		return workMatch{Key: key, Confidence: 65, Source: "title_exact"}, authorKeys, nil
	}

	key = "/works/isbndb-" + shortHex()
	d.memo.Store(isbn, key)
	return workMatch{Key: key, Confidence: 50, Source: "generated", Created: true}, authorKeys, nil
}

// resolveAuthors maps author names to keys, preserving order.
func (d *deduper) resolveAuthors(ctx context.Context, authors []string) ([]string, error) {
	var keys []string
	for _, name := range authors {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key, err := d.FindOrCreateAuthor(ctx, name)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// FindOrCreateAuthor resolves an author name to a key: exact case-insensitive
// match, then fuzzy trigram, then a generated key.
func (d *deduper) FindOrCreateAuthor(ctx context.Context, name string) (string, error) {
	v, err, _ := d.flight.Do("author:"+normalizeAuthor(name), func() (any, error) {
		key, err := d.store.AuthorKeyExact(ctx, name)
		if err != nil && !isNotFound(err) {
			return "", err
		}
		if key != "" {
			return key, nil
		}

		key, err = d.store.AuthorKeyFuzzy(ctx, name)
		if err != nil && !isNotFound(err) {
			return "", err
		}
		if key != "" {
			return key, nil
		}

		return "/authors/isbndb-" + shortHex(), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// shortHex returns 8 random hex characters for generated keys.
func shortHex() string {
	id := uuid.New()
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 8)
	for i := 0; i < 4; i++ {
		out[2*i] = hexdigits[id[i]>>4]
		out[2*i+1] = hexdigits[id[i]&0x0f]
	}
	return string(out)
}
