package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

const _archiveHost = "archive.org"

// archiveOrg contributes work-level descriptions and subjects, and sits near
// the bottom of the resolution cascade.
type archiveOrg struct {
	gate   *gate
	client *http.Client
}

var _ isbnResolver = (*archiveOrg)(nil)

func newArchiveOrg() *archiveOrg {
	limiter := rate.NewLimiter(rate.Limit(1), 1)
	return &archiveOrg{
		gate:   newGate("archive-org"),
		client: newProviderClient(_archiveHost, limiter, "", ""),
	}
}

func (p *archiveOrg) Name() string    { return "archive-org" }
func (p *archiveOrg) Available() bool { return p.gate.available() }

// archiveDoc's fields arrive as either strings or arrays; stringList absorbs
// both.
type archiveDoc struct {
	Identifier      string     `json:"identifier"`
	Title           string     `json:"title"`
	Creator         stringList `json:"creator"`
	ISBN            stringList `json:"isbn"`
	Description     stringList `json:"description"`
	Subject         stringList `json:"subject"`
	OpenLibraryWork stringList `json:"openlibrary_work"`
}

// stringList unmarshals a JSON string or array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := decodeJSON(strings.NewReader(string(data)), &s); err != nil {
			return err
		}
		*l = []string{s}
		return nil
	}
	var list []string
	if err := decodeJSON(strings.NewReader(string(data)), &list); err != nil {
		return err
	}
	*l = list
	return nil
}

func (l stringList) first() string {
	if len(l) == 0 {
		return ""
	}
	return l[0]
}

func (p *archiveOrg) search(ctx context.Context, q string) ([]archiveDoc, error) {
	query := url.Values{}
	query.Set("q", q)
	query.Set("output", "json")
	query.Set("rows", "5")
	for _, field := range []string{"identifier", "title", "creator", "isbn", "description", "subject", "openlibrary_work"} {
		query.Add("fl[]", field)
	}

	var payload struct {
		Response struct {
			Docs []archiveDoc `json:"docs"`
		} `json:"response"`
	}
	err := p.gate.call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			"https://"+_archiveHost+"/advancedsearch.php?"+query.Encode(), nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return decodeJSON(resp.Body, &payload)
	})
	if err != nil {
		return nil, err
	}
	return payload.Response.Docs, nil
}

func (p *archiveOrg) ResolveISBN(ctx context.Context, req ResolveRequest) (Resolution, error) {
	q := fmt.Sprintf(`title:(%q) AND mediatype:texts`, req.Title)
	if req.Author != "" {
		q = fmt.Sprintf(`title:(%q) AND creator:(%q) AND mediatype:texts`, req.Title, req.Author)
	}

	docs, err := p.search(ctx, q)
	if err != nil {
		return p.failure(ctx, err)
	}

	wantTitle := normalizeTitle(req.Title)
	wantAuthor := normalizeAuthor(req.Author)

	var bestISBN string
	bestScore := 0.0
	for _, doc := range docs {
		titleSim := similarity(wantTitle, normalizeTitle(doc.Title))
		authorSim := 0.0
		for _, a := range doc.Creator {
			authorSim = max(authorSim, similarity(wantAuthor, normalizeAuthor(a)))
		}
		score := 0.7*titleSim + 0.3*authorSim
		if score <= bestScore {
			continue
		}
		for _, raw := range doc.ISBN {
			if isbn, err := NormalizeISBN(raw); err == nil {
				bestISBN, bestScore = isbn, score
				break
			}
		}
	}

	if bestISBN == "" || bestScore < 0.45 {
		return notFoundResolution("archive-org"), nil
	}
	return Resolution{ISBN: bestISBN, Confidence: int(bestScore * 100), Source: "archive-org"}, nil
}

// FetchArchiveMetadata looks up work-level evidence by ISBN.
func (p *archiveOrg) FetchArchiveMetadata(ctx context.Context, isbn string) (*ArchiveMetadata, error) {
	docs, err := p.search(ctx, "isbn:"+isbn)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, errNotFound
	}

	doc := docs[0]
	return &ArchiveMetadata{
		Description:       doc.Description.first(),
		Subjects:          doc.Subject,
		OpenLibraryWorkID: doc.OpenLibraryWork.first(),
	}, nil
}

func (p *archiveOrg) failure(ctx context.Context, err error) (Resolution, error) {
	var se statusErr
	if errors.As(err, &se) {
		switch se.status() {
		case http.StatusNotFound:
			return notFoundResolution("archive-org"), nil
		case http.StatusTooManyRequests, http.StatusForbidden:
			p.gate.markUnavailable(_unavailableWindow)
			return notFoundResolution("archive-org"), nil
		case http.StatusUnauthorized:
			return notFoundResolution("archive-org"), fmt.Errorf("archive.org rejected request: %w", errProviderConfig)
		}
	}
	Log(ctx).Warn("archive.org lookup failed", "err", err)
	return notFoundResolution("archive-org"), nil
}
