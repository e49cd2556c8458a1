package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"
)

const _googleBooksHost = "www.googleapis.com"

// googleBooks resolves ISBNs and contributes category metadata. Category
// enrichment on the push path sits behind a feature flag; resolution is
// always in the cascade.
type googleBooks struct {
	gate   *gate
	client *http.Client
	apiKey string
}

var (
	_ isbnResolver    = (*googleBooks)(nil)
	_ metadataFetcher = (*googleBooks)(nil)
)

func newGoogleBooks(apiKey string) *googleBooks {
	limiter := rate.NewLimiter(rate.Limit(5), 1)
	return &googleBooks{
		gate:   newGate("google-books"),
		client: newProviderClient(_googleBooksHost, limiter, "", ""),
		apiKey: apiKey,
	}
}

func (p *googleBooks) Name() string    { return "google-books" }
func (p *googleBooks) Available() bool { return p.gate.available() }

type googleVolume struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title               string   `json:"title"`
		Subtitle            string   `json:"subtitle"`
		Authors             []string `json:"authors"`
		Publisher           string   `json:"publisher"`
		PublishedDate       string   `json:"publishedDate"`
		PageCount           int      `json:"pageCount"`
		Categories          []string `json:"categories"`
		Language            string   `json:"language"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
		ImageLinks struct {
			Thumbnail string `json:"thumbnail"`
			Small     string `json:"small"`
			Medium    string `json:"medium"`
			Large     string `json:"large"`
		} `json:"imageLinks"`
	} `json:"volumeInfo"`
}

func (v *googleVolume) isbn() string {
	for _, id := range v.VolumeInfo.IndustryIdentifiers {
		if id.Type == "ISBN_13" {
			if isbn, err := NormalizeISBN(id.Identifier); err == nil {
				return isbn
			}
		}
	}
	for _, id := range v.VolumeInfo.IndustryIdentifiers {
		if id.Type == "ISBN_10" {
			if isbn, err := NormalizeISBN(id.Identifier); err == nil {
				return isbn
			}
		}
	}
	return ""
}

func (p *googleBooks) ResolveISBN(ctx context.Context, req ResolveRequest) (Resolution, error) {
	q := fmt.Sprintf("intitle:%s", req.Title)
	if req.Author != "" {
		q += fmt.Sprintf(" inauthor:%s", req.Author)
	}
	query := url.Values{}
	query.Set("q", q)
	query.Set("maxResults", "20")
	if p.apiKey != "" {
		query.Set("key", p.apiKey)
	}

	var payload struct {
		Items []googleVolume `json:"items"`
	}
	if err := p.getJSON(ctx, "/books/v1/volumes?"+query.Encode(), &payload); err != nil {
		return p.failure(ctx, err)
	}

	wantTitle := normalizeTitle(req.Title)
	wantAuthor := normalizeAuthor(req.Author)

	var bestISBN string
	bestScore := 0.0
	for i := range payload.Items {
		item := &payload.Items[i]
		isbn := item.isbn()
		if isbn == "" {
			continue
		}
		titleSim := similarity(wantTitle, normalizeTitle(item.VolumeInfo.Title))
		authorSim := 0.0
		for _, a := range item.VolumeInfo.Authors {
			authorSim = max(authorSim, similarity(wantAuthor, normalizeAuthor(a)))
		}
		if score := 0.7*titleSim + 0.3*authorSim; score > bestScore {
			bestISBN, bestScore = isbn, score
		}
	}

	if bestISBN == "" || bestScore < 0.45 {
		return notFoundResolution("google-books"), nil
	}
	return Resolution{ISBN: bestISBN, Confidence: int(bestScore * 100), Source: "google-books"}, nil
}

func (p *googleBooks) FetchMetadata(ctx context.Context, isbn string) (*BookMetadata, error) {
	query := url.Values{}
	query.Set("q", "isbn:"+isbn)
	if p.apiKey != "" {
		query.Set("key", p.apiKey)
	}

	var payload struct {
		Items []googleVolume `json:"items"`
	}
	if err := p.getJSON(ctx, "/books/v1/volumes?"+query.Encode(), &payload); err != nil {
		return nil, err
	}
	if len(payload.Items) == 0 {
		return nil, errNotFound
	}

	item := &payload.Items[0]
	info := &item.VolumeInfo
	return &BookMetadata{
		ISBN:            isbn,
		Title:           info.Title,
		Subtitle:        info.Subtitle,
		Authors:         info.Authors,
		Publisher:       info.Publisher,
		PublicationDate: info.PublishedDate,
		PageCount:       info.PageCount,
		Language:        info.Language,
		Subjects:        info.Categories,
		Covers: CoverSet{
			Large:  info.ImageLinks.Large,
			Medium: info.ImageLinks.Medium,
			Small:  info.ImageLinks.Thumbnail,
		},
		GoogleVolumeIDs: []string{item.ID},
		Provider:        "google-books",
	}, nil
}

func (p *googleBooks) failure(ctx context.Context, err error) (Resolution, error) {
	var se statusErr
	if errors.As(err, &se) {
		switch se.status() {
		case http.StatusNotFound:
			return notFoundResolution("google-books"), nil
		case http.StatusTooManyRequests, http.StatusForbidden:
			p.gate.markUnavailable(_unavailableWindow)
			return notFoundResolution("google-books"), nil
		case http.StatusUnauthorized:
			return notFoundResolution("google-books"), fmt.Errorf("google books key rejected: %w", errProviderConfig)
		}
	}
	Log(ctx).Warn("google books lookup failed", "err", err)
	return notFoundResolution("google-books"), nil
}

func (p *googleBooks) getJSON(ctx context.Context, endpoint string, v any) error {
	return p.gate.call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+_googleBooksHost+endpoint, nil)
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
