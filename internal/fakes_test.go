package internal

import (
	"context"
	"sync/atomic"
)

// fakeProvider is a configurable provider for orchestrator and consumer
// tests. Capabilities with nil funcs report not-found.
type fakeProvider struct {
	name        string
	unavailable bool

	resolveCalls atomic.Int32

	resolve  func(req ResolveRequest) (Resolution, error)
	generate func(prompt string, n int) ([]GeneratedBook, error)
	variants func(isbn string) ([]EditionVariant, error)
	cover    func(isbn string) (string, error)
	batch    func(isbns []string) (map[string]*BookMetadata, error)
}

var (
	_ provider     = (*fakeProvider)(nil)
	_ isbnResolver = (*fakeProvider)(nil)
)

func (p *fakeProvider) Name() string    { return p.name }
func (p *fakeProvider) Available() bool { return !p.unavailable }

func (p *fakeProvider) ResolveISBN(ctx context.Context, req ResolveRequest) (Resolution, error) {
	p.resolveCalls.Add(1)
	if p.resolve == nil {
		return notFoundResolution(p.name), nil
	}
	return p.resolve(req)
}

func (p *fakeProvider) GenerateBooks(ctx context.Context, prompt string, n int) ([]GeneratedBook, error) {
	if p.generate == nil {
		return nil, nil
	}
	return p.generate(prompt, n)
}

func (p *fakeProvider) FetchEditionVariants(ctx context.Context, isbn string) ([]EditionVariant, error) {
	if p.variants == nil {
		return nil, errNotFound
	}
	return p.variants(isbn)
}

func (p *fakeProvider) FetchCover(ctx context.Context, isbn string) (string, error) {
	if p.cover == nil {
		return "", errNotFound
	}
	return p.cover(isbn)
}

func (p *fakeProvider) BatchFetchMetadata(ctx context.Context, isbns []string) (map[string]*BookMetadata, error) {
	if p.batch == nil {
		return map[string]*BookMetadata{}, nil
	}
	return p.batch(isbns)
}

// fakeEvidence adapts a func to the Wikidata evidence capability.
type fakeEvidence func(isbn string) (*WikidataEdition, error)

func (f fakeEvidence) FetchEditionEvidence(ctx context.Context, isbn string) (*WikidataEdition, error) {
	return f(isbn)
}

// fakeArchive adapts a func to the Archive.org evidence capability.
type fakeArchive func(isbn string) (*ArchiveMetadata, error)

func (f fakeArchive) FetchArchiveMetadata(ctx context.Context, isbn string) (*ArchiveMetadata, error) {
	return f(isbn)
}
