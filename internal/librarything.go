package internal

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"
)

const _libraryThingHost = "www.librarything.com"

// libraryThing contributes edition variants through its thingISBN service,
// which returns the ISBNs of all known printings of the same work.
type libraryThing struct {
	gate   *gate
	client *http.Client
}

var _ variantFetcher = (*libraryThing)(nil)

func newLibraryThing() *libraryThing {
	limiter := rate.NewLimiter(rate.Limit(1), 1)
	return &libraryThing{
		gate:   newGate("librarything"),
		client: newProviderClient(_libraryThingHost, limiter, "", ""),
	}
}

func (p *libraryThing) Name() string    { return "librarything" }
func (p *libraryThing) Available() bool { return p.gate.available() }

func (p *libraryThing) FetchEditionVariants(ctx context.Context, isbn string) ([]EditionVariant, error) {
	var payload struct {
		XMLName xml.Name `xml:"idlist"`
		ISBNs   []string `xml:"isbn"`
	}
	err := p.gate.call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			"https://"+_libraryThingHost+"/api/thingISBN/"+url.PathEscape(isbn), nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return xml.Unmarshal(data, &payload)
	})
	if err != nil {
		return nil, err
	}

	var variants []EditionVariant
	for _, raw := range payload.ISBNs {
		normalized, err := NormalizeISBN(raw)
		if err != nil || normalized == isbn {
			continue
		}
		// thingISBN doesn't report bindings.
		variants = append(variants, EditionVariant{ISBN: normalized, Format: "Unknown", Source: "librarything"})
	}
	return variants, nil
}
