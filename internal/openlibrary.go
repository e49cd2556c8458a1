package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const _openLibraryHost = "openlibrary.org"

// openLibrary resolves and fetches edition metadata from openlibrary.org.
// Their API guidance asks for at most one request every three seconds.
type openLibrary struct {
	gate   *gate
	client *http.Client
}

var (
	_ isbnResolver    = (*openLibrary)(nil)
	_ metadataFetcher = (*openLibrary)(nil)
	_ coverFetcher    = (*openLibrary)(nil)
)

func newOpenLibrary() *openLibrary {
	limiter := rate.NewLimiter(rate.Every(3*time.Second), 1)
	return &openLibrary{
		gate:   newGate("open-library"),
		client: newProviderClient(_openLibraryHost, limiter, "", ""),
	}
}

func (p *openLibrary) Name() string   { return "open-library" }
func (p *openLibrary) Available() bool { return p.gate.available() }

type openLibraryDoc struct {
	Key         string   `json:"key"`
	Title       string   `json:"title"`
	AuthorNames []string `json:"author_name"`
	AuthorKeys  []string `json:"author_key"`
	ISBNs       []string `json:"isbn"`
}

func (p *openLibrary) ResolveISBN(ctx context.Context, req ResolveRequest) (Resolution, error) {
	query := url.Values{}
	query.Set("title", req.Title)
	if req.Author != "" {
		query.Set("author", req.Author)
	}
	query.Set("limit", "5")
	query.Set("fields", "key,title,author_name,author_key,isbn")

	var payload struct {
		Docs []openLibraryDoc `json:"docs"`
	}
	if err := p.getJSON(ctx, "/search.json?"+query.Encode(), &payload); err != nil {
		return p.failure(ctx, err)
	}

	wantTitle := normalizeTitle(req.Title)
	wantAuthor := normalizeAuthor(req.Author)

	var bestISBN string
	bestScore := 0.0
	for _, doc := range payload.Docs {
		if len(doc.ISBNs) == 0 {
			continue
		}
		titleSim := similarity(wantTitle, normalizeTitle(doc.Title))
		authorSim := 0.0
		for _, a := range doc.AuthorNames {
			authorSim = max(authorSim, similarity(wantAuthor, normalizeAuthor(a)))
		}
		score := 0.7*titleSim + 0.3*authorSim
		if score <= bestScore {
			continue
		}
		for _, raw := range doc.ISBNs {
			if isbn, err := NormalizeISBN(raw); err == nil {
				bestISBN, bestScore = isbn, score
				break
			}
		}
	}

	if bestISBN == "" || bestScore < 0.45 {
		return notFoundResolution("open-library"), nil
	}
	return Resolution{ISBN: bestISBN, Confidence: int(bestScore * 100), Source: "open-library"}, nil
}

func (p *openLibrary) FetchMetadata(ctx context.Context, isbn string) (*BookMetadata, error) {
	var payload struct {
		Key    string `json:"key"`
		Title  string `json:"title"`
		Covers []int  `json:"covers"`
		Works  []struct {
			Key string `json:"key"`
		} `json:"works"`
		Publishers    []string `json:"publishers"`
		PublishDate   string   `json:"publish_date"`
		NumberOfPages int      `json:"number_of_pages"`
		PhysicalForm  string   `json:"physical_format"`
	}
	if err := p.getJSON(ctx, "/isbn/"+url.PathEscape(isbn)+".json", &payload); err != nil {
		var se statusErr
		if errors.As(err, &se) && se.status() == http.StatusNotFound {
			return nil, errNotFound
		}
		return nil, err
	}

	metadata := &BookMetadata{
		ISBN:                 isbn,
		Title:                payload.Title,
		PublicationDate:      payload.PublishDate,
		PageCount:            payload.NumberOfPages,
		Format:               payload.PhysicalForm,
		OpenLibraryEditionID: payload.Key,
		Provider:             "open-library",
	}
	if len(payload.Publishers) > 0 {
		metadata.Publisher = payload.Publishers[0]
	}
	if len(payload.Works) > 0 {
		metadata.OpenLibraryWorkID = payload.Works[0].Key
	}
	if len(payload.Covers) > 0 {
		id := payload.Covers[0]
		metadata.Covers = CoverSet{
			Large:  fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", id),
			Medium: fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-M.jpg", id),
			Small:  fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-S.jpg", id),
		}
	}
	return metadata, nil
}

func (p *openLibrary) FetchCover(ctx context.Context, isbn string) (string, error) {
	metadata, err := p.FetchMetadata(ctx, isbn)
	if err != nil {
		return "", err
	}
	return metadata.Covers.best(), nil
}

func (p *openLibrary) failure(ctx context.Context, err error) (Resolution, error) {
	var se statusErr
	if errors.As(err, &se) {
		switch se.status() {
		case http.StatusNotFound:
			return notFoundResolution("open-library"), nil
		case http.StatusTooManyRequests, http.StatusForbidden:
			p.gate.markUnavailable(_unavailableWindow)
			return notFoundResolution("open-library"), nil
		case http.StatusUnauthorized:
			return notFoundResolution("open-library"), fmt.Errorf("open library rejected request: %w", errProviderConfig)
		}
	}
	Log(ctx).Warn("open library lookup failed", "err", err)
	return notFoundResolution("open-library"), nil
}

func (p *openLibrary) getJSON(ctx context.Context, endpoint string, v any) error {
	return p.gate.call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+_openLibraryHost+endpoint, nil)
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
