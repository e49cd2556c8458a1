package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/time/rate"
)

const (
	_isbndbHost      = "api2.isbndb.com"
	_isbndbPageSize  = 20
	_isbndbBatchSize = 100

	// How long a 429/403 keeps the provider out of rotation.
	_unavailableWindow = 5 * time.Minute
)

// isbndbBook is the upstream book shape, shared by search, single-book and
// batch responses.
type isbndbBook struct {
	Title         string   `json:"title"`
	TitleLong     string   `json:"title_long"`
	Authors       []string `json:"authors"`
	Publisher     string   `json:"publisher"`
	DatePublished string   `json:"date_published"`
	Pages         int      `json:"pages"`
	Binding       string   `json:"binding"`
	Language      string   `json:"language"`
	Image         string   `json:"image"`
	ImageOriginal string   `json:"image_original"`
	Synopsis      string   `json:"synopsis"`
	Subjects      []string `json:"subjects"`
	DeweyDecimal  []string `json:"dewey_decimal"`
	ISBN13        string   `json:"isbn13"`
	ISBN10        string   `json:"isbn"`
	OtherISBNs    []struct {
		ISBN    string `json:"isbn"`
		Binding string `json:"binding"`
	} `json:"other_isbns"`
}

// isbndb is the primary metadata provider. Every outbound call is metered
// against the shared daily quota; batch fetches cost one unit regardless of
// size.
type isbndb struct {
	gate   *gate
	client *http.Client
	quota  *QuotaManager
}

var (
	_ isbnResolver         = (*isbndb)(nil)
	_ metadataFetcher      = (*isbndb)(nil)
	_ batchMetadataFetcher = (*isbndb)(nil)
	_ coverFetcher         = (*isbndb)(nil)
	_ variantFetcher       = (*isbndb)(nil)
)

func newISBNdb(apiKey string, quota *QuotaManager) *isbndb {
	// Premium plan: 3 req/s.
	limiter := rate.NewLimiter(rate.Every(334*time.Millisecond), 1)
	return &isbndb{
		gate:   newGate("isbndb"),
		client: newProviderClient(_isbndbHost, limiter, "Authorization", apiKey),
		quota:  quota,
	}
}

func (p *isbndb) Name() string { return "isbndb" }

func (p *isbndb) Available() bool {
	return p.gate.available() && p.quota.CanMakeCalls(context.Background())
}

// ResolveISBN searches for the best-matching edition and returns its ISBN
// with a 0..100 confidence. Expected failures come back as a not-found
// resolution, never an error; only configuration problems surface.
func (p *isbndb) ResolveISBN(ctx context.Context, req ResolveRequest) (Resolution, error) {
	if allowed, _, _ := p.quota.CheckQuota(ctx, 1, true); !allowed {
		Log(ctx).Warn("skipping isbndb resolution, quota exhausted", "title", req.Title)
		return notFoundResolution("isbndb"), nil
	}

	query := strings.TrimSpace(req.Title + " " + req.Author)
	endpoint := fmt.Sprintf("/books/%s?pageSize=%d", url.PathEscape(query), _isbndbPageSize)

	var payload struct {
		Books []isbndbBook `json:"books"`
	}
	if err := p.getJSON(ctx, endpoint, &payload); err != nil {
		return p.resolveFailure(ctx, err)
	}

	best, score := p.scoreCandidates(req, payload.Books)
	if best == nil || score < 0.45 {
		return notFoundResolution("isbndb"), nil
	}

	isbn := best.ISBN13
	if isbn == "" {
		isbn = best.ISBN10
	}
	isbn, err := NormalizeISBN(isbn)
	if err != nil {
		return notFoundResolution("isbndb"), nil
	}

	return Resolution{ISBN: isbn, Confidence: int(score * 100), Source: "isbndb"}, nil
}

// scoreCandidates ranks search results against the request:
// 70% title similarity, 30% author similarity, small boosts for matching
// publisher and binding, capped at 1.0.
func (p *isbndb) scoreCandidates(req ResolveRequest, books []isbndbBook) (*isbndbBook, float64) {
	wantTitle := normalizeTitle(req.Title)
	wantAuthor := normalizeAuthor(req.Author)

	var best *isbndbBook
	bestScore := 0.0

	for i := range books {
		book := &books[i]

		titleSim := similarity(wantTitle, normalizeTitle(book.Title))
		authorSim := 0.0
		for _, a := range book.Authors {
			authorSim = max(authorSim, similarity(wantAuthor, normalizeAuthor(a)))
		}

		score := 0.7*titleSim + 0.3*authorSim
		if req.Publisher != "" && strings.Contains(strings.ToLower(book.Publisher), strings.ToLower(req.Publisher)) {
			score += 0.10
		}
		if req.Format != "" && strings.Contains(strings.ToLower(book.Binding), strings.ToLower(req.Format)) {
			score += 0.05
		}
		score = min(score, 1.0)

		if score > bestScore {
			best, bestScore = book, score
		}
	}
	return best, bestScore
}

// FetchMetadata fetches a single edition by ISBN.
func (p *isbndb) FetchMetadata(ctx context.Context, isbn string) (*BookMetadata, error) {
	if allowed, _, reason := p.quota.CheckQuota(ctx, 1, true); !allowed {
		return nil, fmt.Errorf("%w: %s", errQuotaExhausted, reason)
	}

	var payload struct {
		Book isbndbBook `json:"book"`
	}
	if err := p.getJSON(ctx, "/book/"+url.PathEscape(isbn), &payload); err != nil {
		return nil, p.fetchFailure(ctx, err)
	}
	return p.toMetadata(isbn, &payload.Book), nil
}

// BatchFetchMetadata fetches up to 100 ISBNs in one call, costing a single
// quota unit. ISBNs the upstream doesn't know are absent from the result.
func (p *isbndb) BatchFetchMetadata(ctx context.Context, isbns []string) (map[string]*BookMetadata, error) {
	if len(isbns) > _isbndbBatchSize {
		isbns = isbns[:_isbndbBatchSize]
	}
	if allowed, _, reason := p.quota.CheckQuota(ctx, 1, true); !allowed {
		return nil, fmt.Errorf("%w: %s", errQuotaExhausted, reason)
	}

	body, err := sonic.Marshal(map[string][]string{"isbns": isbns})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data []isbndbBook `json:"data"`
	}
	err = p.gate.call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+_isbndbHost+"/books", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return decodeJSON(resp.Body, &payload)
	})
	if err != nil {
		return nil, p.fetchFailure(ctx, err)
	}

	out := map[string]*BookMetadata{}
	for i := range payload.Data {
		book := &payload.Data[i]
		isbn := book.ISBN13
		if isbn == "" {
			isbn = book.ISBN10
		}
		if normalized, err := NormalizeISBN(isbn); err == nil {
			out[normalized] = p.toMetadata(normalized, book)
		}
	}
	return out, nil
}

// FetchCover returns a fresh cover URL. ISBNdb image_original URLs are
// short-lived JWTs, so this is also the recovery path when a stored URL has
// expired.
func (p *isbndb) FetchCover(ctx context.Context, isbn string) (string, error) {
	metadata, err := p.FetchMetadata(ctx, isbn)
	if err != nil {
		return "", err
	}
	return metadata.Covers.best(), nil
}

// FetchEditionVariants reports the other printings ISBNdb knows about.
func (p *isbndb) FetchEditionVariants(ctx context.Context, isbn string) ([]EditionVariant, error) {
	metadata, err := p.FetchMetadata(ctx, isbn)
	if err != nil {
		return nil, err
	}
	var variants []EditionVariant
	for _, related := range metadata.RelatedISBNs {
		variants = append(variants, EditionVariant{ISBN: related, Format: "Unknown", Source: "isbndb"})
	}
	for _, variant := range metadata.variants {
		variants = append(variants, variant)
	}
	return variants, nil
}

func (p *isbndb) toMetadata(isbn string, book *isbndbBook) *BookMetadata {
	title := book.Title
	subtitle := ""
	if book.TitleLong != "" && book.TitleLong != book.Title {
		if after, ok := strings.CutPrefix(book.TitleLong, book.Title+": "); ok {
			subtitle = after
		}
	}

	metadata := &BookMetadata{
		ISBN:            isbn,
		Title:           title,
		Subtitle:        subtitle,
		Authors:         book.Authors,
		Publisher:       book.Publisher,
		PublicationDate: book.DatePublished,
		PageCount:       book.Pages,
		Format:          book.Binding,
		Language:        book.Language,
		Covers: CoverSet{
			Original: book.ImageOriginal,
			Large:    book.Image,
		},
		Subjects:      book.Subjects,
		DeweyDecimals: book.DeweyDecimal,
		Provider:      "isbndb",
	}
	for _, other := range book.OtherISBNs {
		if normalized, err := NormalizeISBN(other.ISBN); err == nil && normalized != isbn {
			metadata.RelatedISBNs = append(metadata.RelatedISBNs, normalized)
			metadata.variants = append(metadata.variants, EditionVariant{
				ISBN:   normalized,
				Format: other.Binding,
				Source: "isbndb",
			})
		}
	}
	return metadata
}

// resolveFailure maps errors to the resolver contract: 404 is a clean miss,
// 429/403 benches the provider, 401 is fatal, anything else logs and misses.
func (p *isbndb) resolveFailure(ctx context.Context, err error) (Resolution, error) {
	var se statusErr
	if errors.As(err, &se) {
		switch se.status() {
		case http.StatusNotFound:
			return notFoundResolution("isbndb"), nil
		case http.StatusTooManyRequests, http.StatusForbidden:
			p.gate.markUnavailable(_unavailableWindow)
			Log(ctx).Warn("isbndb rate limited, backing off", "status", se.status())
			return notFoundResolution("isbndb"), nil
		case http.StatusUnauthorized:
			return notFoundResolution("isbndb"), fmt.Errorf("isbndb credentials rejected: %w", errProviderConfig)
		}
	}
	Log(ctx).Warn("isbndb resolution failed", "err", err)
	return notFoundResolution("isbndb"), nil
}

// fetchFailure maps errors for the metadata-fetch paths, which are allowed to
// return errors to their callers.
func (p *isbndb) fetchFailure(ctx context.Context, err error) error {
	var se statusErr
	if errors.As(err, &se) {
		switch se.status() {
		case http.StatusNotFound:
			return errNotFound
		case http.StatusTooManyRequests, http.StatusForbidden:
			p.gate.markUnavailable(_unavailableWindow)
			return se
		case http.StatusUnauthorized:
			return fmt.Errorf("isbndb credentials rejected: %w", errProviderConfig)
		}
	}
	return err
}

func (p *isbndb) getJSON(ctx context.Context, endpoint string, v any) error {
	return p.gate.call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+_isbndbHost+endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return decodeJSON(resp.Body, v)
	})
}

// decodeJSON reads and decodes a response body with sonic.
func decodeJSON(r io.Reader, v any) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, v)
}
