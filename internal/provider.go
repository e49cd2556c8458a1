package internal

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Default per-capability timeouts.
const (
	_resolverTimeout  = 15 * time.Second
	_coverTimeout     = 10 * time.Second
	_generatorTimeout = 60 * time.Second
	_variantTimeout   = 5 * time.Second
)

// ResolveRequest describes the book whose ISBN we want.
type ResolveRequest struct {
	Title     string
	Author    string
	Publisher string
	Format    string
}

// Resolution is a resolver's answer. A zero Resolution means not found;
// resolvers communicate expected failures through it rather than errors.
type Resolution struct {
	ISBN       string
	Confidence int
	Source     string
}

func notFoundResolution(source string) Resolution {
	return Resolution{Source: source}
}

// Provider capabilities. A provider implements whichever subset it supports;
// the registry discovers capabilities by type assertion.
type (
	isbnResolver interface {
		ResolveISBN(ctx context.Context, req ResolveRequest) (Resolution, error)
	}
	metadataFetcher interface {
		FetchMetadata(ctx context.Context, isbn string) (*BookMetadata, error)
	}
	batchMetadataFetcher interface {
		BatchFetchMetadata(ctx context.Context, isbns []string) (map[string]*BookMetadata, error)
	}
	coverFetcher interface {
		FetchCover(ctx context.Context, isbn string) (string, error)
	}
	variantFetcher interface {
		FetchEditionVariants(ctx context.Context, isbn string) ([]EditionVariant, error)
	}
	bookGenerator interface {
		GenerateBooks(ctx context.Context, prompt string, n int) ([]GeneratedBook, error)
	}
)

// provider is the common surface every registered provider exposes.
type provider interface {
	Name() string
	Available() bool
}

// registry holds the process-wide provider set. It's built once during
// startup and read-only afterwards. Iteration follows registration order so
// fan-out merges stay deterministic.
type registry struct {
	mu        sync.RWMutex
	providers map[string]provider
	order     []string
}

func newRegistry() *registry {
	return &registry{providers: map[string]provider{}}
}

// Register adds a provider. Re-registering the same name is a no-op so
// register-all stays idempotent.
func (r *registry) Register(p provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.Name()]; ok {
		return
	}
	r.providers[p.Name()] = p
	r.order = append(r.order, p.Name())
}

func (r *registry) get(name string) (provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// resolvers returns the available resolvers in cascade order.
func (r *registry) resolvers(order []string) []isbnResolver {
	var out []isbnResolver
	for _, name := range order {
		p, ok := r.get(name)
		if !ok || !p.Available() {
			continue
		}
		if resolver, ok := p.(isbnResolver); ok {
			out = append(out, resolver)
		}
	}
	return out
}

func (r *registry) ordered() []provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// variantFetchers returns every available variant provider in registration
// order.
func (r *registry) variantFetchers() []variantFetcher {
	var out []variantFetcher
	for _, p := range r.ordered() {
		if !p.Available() {
			continue
		}
		if fetcher, ok := p.(variantFetcher); ok {
			out = append(out, fetcher)
		}
	}
	return out
}

// generators returns every available book generator.
func (r *registry) generators() []bookGenerator {
	var out []bookGenerator
	for _, p := range r.ordered() {
		if !p.Available() {
			continue
		}
		if generator, ok := p.(bookGenerator); ok {
			out = append(out, generator)
		}
	}
	return out
}

// coverFetchers returns every available cover provider in registration order.
func (r *registry) coverFetchers() []coverFetcher {
	var out []coverFetcher
	for _, p := range r.ordered() {
		if !p.Available() {
			continue
		}
		if fetcher, ok := p.(coverFetcher); ok {
			out = append(out, fetcher)
		}
	}
	return out
}

// gate tracks a provider's health: a circuit breaker over transient failures
// plus an explicit cool-down window set on 429/403 responses. Providers embed
// it and route outbound calls through call().
type gate struct {
	name    string
	breaker *gobreaker.CircuitBreaker

	mu               sync.Mutex
	unavailableUntil time.Time
}

func newGate(name string) *gate {
	return &gate{
		name: name,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// available reports whether the provider should receive traffic.
func (g *gate) available() bool {
	g.mu.Lock()
	coolingDown := time.Now().Before(g.unavailableUntil)
	g.mu.Unlock()
	return !coolingDown && g.breaker.State() != gobreaker.StateOpen
}

// markUnavailable takes the provider out of rotation for the window. Used on
// 429/403 so the cascade falls through instead of hammering the upstream.
func (g *gate) markUnavailable(window time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until := time.Now().Add(window); until.After(g.unavailableUntil) {
		g.unavailableUntil = until
	}
}

// call runs fn through the breaker. Only transient errors count as breaker
// failures; configuration and validation errors pass through untallied.
func (g *gate) call(fn func() error) error {
	var callErr error
	_, err := g.breaker.Execute(func() (any, error) {
		callErr = fn()
		if callErr != nil && isTransient(callErr) {
			return nil, callErr
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	return callErr
}
