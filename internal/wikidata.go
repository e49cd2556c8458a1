package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

const _wikidataHost = "query.wikidata.org"

// wikidata is the tail of the resolution cascade and the source of genre,
// edition-variant and author-biography evidence.
type wikidata struct {
	gate   *gate
	client *http.Client
}

var (
	_ isbnResolver   = (*wikidata)(nil)
	_ variantFetcher = (*wikidata)(nil)
)

func newWikidata() *wikidata {
	limiter := rate.NewLimiter(rate.Limit(2), 1)
	return &wikidata{
		gate:   newGate("wikidata"),
		client: newProviderClient(_wikidataHost, limiter, "User-Agent", "alexandria-enrichment/1.0"),
	}
}

func (p *wikidata) Name() string    { return "wikidata" }
func (p *wikidata) Available() bool { return p.gate.available() }

// sparqlResult is the WDQS JSON result envelope. Bindings map variable names
// to typed values; we only ever read the literal form.
type sparqlResult struct {
	Results struct {
		Bindings []map[string]struct {
			Value string `json:"value"`
		} `json:"bindings"`
	} `json:"results"`
}

func (r *sparqlResult) values(variable string) []string {
	var out []string
	for _, binding := range r.Results.Bindings {
		if v, ok := binding[variable]; ok && v.Value != "" {
			out = append(out, v.Value)
		}
	}
	return out
}

func (p *wikidata) query(ctx context.Context, sparql string) (*sparqlResult, error) {
	params := url.Values{}
	params.Set("query", sparql)
	params.Set("format", "json")

	var result sparqlResult
	err := p.gate.call(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			"https://"+_wikidataHost+"/sparql?"+params.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/sparql-results+json")
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return decodeJSON(resp.Body, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *wikidata) ResolveISBN(ctx context.Context, req ResolveRequest) (Resolution, error) {
	sparql := fmt.Sprintf(`
		SELECT ?isbn WHERE {
			?edition wdt:P212 ?isbn ;
			         rdfs:label ?label .
			FILTER(LCASE(STR(?label)) = %q)
		} LIMIT 5`, strings.ToLower(req.Title))

	result, err := p.query(ctx, sparql)
	if err != nil {
		return p.failure(ctx, err)
	}

	for _, raw := range result.values("isbn") {
		if isbn, err := NormalizeISBN(raw); err == nil {
			// Label matches are exact-title only, so confidence stays low.
			return Resolution{ISBN: isbn, Confidence: 50, Source: "wikidata"}, nil
		}
	}
	return notFoundResolution("wikidata"), nil
}

// FetchEditionEvidence returns the genres and sibling editions Wikidata holds
// for the work behind an ISBN.
func (p *wikidata) FetchEditionEvidence(ctx context.Context, isbn string) (*WikidataEdition, error) {
	sparql := fmt.Sprintf(`
		SELECT ?genreLabel ?siblingISBN ?formatLabel WHERE {
			?edition wdt:P212 %q ;
			         wdt:P629 ?work .
			OPTIONAL { ?work wdt:P136 ?genre . }
			OPTIONAL {
				?sibling wdt:P629 ?work ;
				         wdt:P212 ?siblingISBN .
				OPTIONAL { ?sibling wdt:P437 ?format . }
			}
			SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
		} LIMIT 50`, formatISBNDashed(isbn))

	result, err := p.query(ctx, sparql)
	if err != nil {
		return nil, err
	}

	evidence := &WikidataEdition{}
	seen := set[string]{}
	for _, binding := range result.Results.Bindings {
		if genre, ok := binding["genreLabel"]; ok && genre.Value != "" {
			evidence.Genres = appendDistinct(evidence.Genres, genre.Value)
		}
		sibling, ok := binding["siblingISBN"]
		if !ok {
			continue
		}
		normalized, err := NormalizeISBN(sibling.Value)
		if err != nil || normalized == isbn {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		format := "Unknown"
		if f, ok := binding["formatLabel"]; ok && f.Value != "" {
			format = f.Value
		}
		evidence.Variants = append(evidence.Variants, EditionVariant{
			ISBN:   normalized,
			Format: format,
			Source: "wikidata",
		})
	}

	if len(evidence.Genres) == 0 && len(evidence.Variants) == 0 {
		return nil, errNotFound
	}
	return evidence, nil
}

// FetchEditionVariants satisfies the variant-fetcher capability.
func (p *wikidata) FetchEditionVariants(ctx context.Context, isbn string) ([]EditionVariant, error) {
	evidence, err := p.FetchEditionEvidence(ctx, isbn)
	if err != nil {
		return nil, err
	}
	return evidence.Variants, nil
}

// FetchAuthorRecords fetches biographical facts for a batch of Wikidata QIDs
// in one query.
func (p *wikidata) FetchAuthorRecords(ctx context.Context, qids []string) (map[string]*Author, error) {
	if len(qids) == 0 {
		return nil, nil
	}

	var values strings.Builder
	for _, qid := range qids {
		fmt.Fprintf(&values, "wd:%s ", qid)
	}

	sparql := fmt.Sprintf(`
		SELECT ?person ?genderLabel ?gender ?citizenshipLabel ?citizenship
		       ?birth ?death ?birthPlaceLabel ?birthPlace ?photo WHERE {
			VALUES ?person { %s }
			OPTIONAL { ?person wdt:P21 ?gender . }
			OPTIONAL { ?person wdt:P27 ?citizenship . }
			OPTIONAL { ?person wdt:P569 ?birth . }
			OPTIONAL { ?person wdt:P570 ?death . }
			OPTIONAL { ?person wdt:P19 ?birthPlace . }
			OPTIONAL { ?person wdt:P18 ?photo . }
			SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
		}`, values.String())

	result, err := p.query(ctx, sparql)
	if err != nil {
		return nil, err
	}

	out := map[string]*Author{}
	for _, binding := range result.Results.Bindings {
		person, ok := binding["person"]
		if !ok {
			continue
		}
		qid := entityQID(person.Value)
		if qid == "" {
			continue
		}
		author, ok := out[qid]
		if !ok {
			author = &Author{WikidataID: qid, EnrichmentSource: "wikidata"}
			out[qid] = author
		}
		if v, ok := binding["genderLabel"]; ok {
			author.Gender = v.Value
		}
		if v, ok := binding["gender"]; ok {
			author.GenderQID = entityQID(v.Value)
		}
		if v, ok := binding["citizenshipLabel"]; ok {
			author.Citizenship = v.Value
		}
		if v, ok := binding["citizenship"]; ok {
			author.CitizenshipQID = entityQID(v.Value)
		}
		if v, ok := binding["birth"]; ok {
			author.BirthYear = yearOf(v.Value)
		}
		if v, ok := binding["death"]; ok {
			author.DeathYear = yearOf(v.Value)
		}
		if v, ok := binding["birthPlaceLabel"]; ok {
			author.BirthPlace = v.Value
		}
		if v, ok := binding["birthPlace"]; ok {
			author.BirthPlaceQID = entityQID(v.Value)
		}
		if v, ok := binding["photo"]; ok {
			author.PhotoURL = v.Value
		}
	}
	return out, nil
}

func (p *wikidata) failure(ctx context.Context, err error) (Resolution, error) {
	var se statusErr
	if errors.As(err, &se) {
		switch se.status() {
		case http.StatusNotFound:
			return notFoundResolution("wikidata"), nil
		case http.StatusTooManyRequests, http.StatusForbidden:
			p.gate.markUnavailable(_unavailableWindow)
			return notFoundResolution("wikidata"), nil
		case http.StatusUnauthorized:
			return notFoundResolution("wikidata"), fmt.Errorf("wikidata rejected request: %w", errProviderConfig)
		}
	}
	Log(ctx).Warn("wikidata lookup failed", "err", err)
	return notFoundResolution("wikidata"), nil
}

// entityQID extracts "Q123" from an entity URI.
func entityQID(uri string) string {
	idx := strings.LastIndexByte(uri, '/')
	if idx < 0 || !strings.HasPrefix(uri[idx+1:], "Q") {
		return ""
	}
	return uri[idx+1:]
}

// yearOf parses the year out of an xsd:dateTime literal.
func yearOf(value string) int {
	if len(value) < 4 {
		return 0
	}
	year, err := strconv.Atoi(value[:4])
	if err != nil {
		return 0
	}
	return year
}

// formatISBNDashed renders the canonical 13-digit form with the dashes
// Wikidata's P212 statements conventionally carry.
func formatISBNDashed(isbn string) string {
	if len(isbn) != 13 {
		return isbn
	}
	return isbn[:3] + "-" + isbn[3:4] + "-" + isbn[4:9] + "-" + isbn[9:12] + "-" + isbn[12:]
}
