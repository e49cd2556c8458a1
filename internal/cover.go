package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"
)

// objectStore is the blob backend cover images land in. The engine only
// needs existence checks and writes; serving is the CDN's problem.
type objectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, contentType string, body []byte) error
}

// imageProcessor normalizes a downloaded cover before upload: decode,
// resize, re-encode. Implementations live outside the engine.
type imageProcessor interface {
	Process(ctx context.Context, raw []byte) (processed []byte, contentType string, err error)
}

const _cdnCoverSource = "alexandria-r2"

// coverKey is the ISBN-keyed object path.
func coverKey(isbn, contentType string) string {
	ext := "jpg"
	if idx := strings.LastIndexByte(contentType, '/'); idx >= 0 && idx < len(contentType)-1 {
		ext = contentType[idx+1:]
	}
	return fmt.Sprintf("isbn/%s/original.%s", isbn, ext)
}

// coverer mirrors provider cover images into object storage and rewrites the
// edition row to the canonical CDN URLs.
type coverer struct {
	store     storage
	queue     queue
	orch      *orchestrator
	objects   objectStore
	processor imageProcessor
	refetch   coverFetcher // ISBNdb, for JWT recovery
	client    *http.Client
	cdnBase   string
	metrics   metricsCollector
}

func newCoverer(store storage, q queue, orch *orchestrator, objects objectStore,
	processor imageProcessor, refetch coverFetcher, cdnBase string, metrics metricsCollector) *coverer {
	if metrics == nil {
		metrics = noMetrics{}
	}
	return &coverer{
		store:     store,
		queue:     q,
		orch:      orch,
		objects:   objects,
		processor: processor,
		refetch:   refetch,
		client:    &http.Client{Timeout: _coverTimeout},
		cdnBase:   strings.TrimSuffix(cdnBase, "/"),
		metrics:   metrics,
	}
}

// Run drains the cover queue until the context is done. Messages in a batch
// process fully in parallel.
func (c *coverer) Run(ctx context.Context, pollInterval time.Duration) {
	for {
		msgs, err := c.queue.Receive(ctx, _coverQueue, 10)
		if err != nil {
			Log(ctx).Error("cover receive failed", "err", err)
		}

		group, groupCtx := errgroup.WithContext(ctx)
		for _, m := range msgs {
			group.Go(func() error {
				c.ProcessMessage(groupCtx, m)
				return nil
			})
		}
		_ = group.Wait()

		if len(msgs) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// ProcessMessage mirrors one cover. Non-retryable failures ack; unexpected
// errors retry.
func (c *coverer) ProcessMessage(ctx context.Context, m *message) {
	var body coverMessage
	if err := sonic.Unmarshal(m.Body, &body); err != nil {
		Log(ctx).Error("discarding poison cover message", "err", err)
		c.finish(ctx, m, "poison", m.Ack)
		return
	}
	if err := body.validate(); err != nil {
		Log(ctx).Error("discarding poison cover message", "err", err)
		c.finish(ctx, m, "poison", m.Ack)
		return
	}

	err := c.mirror(ctx, &body)
	switch {
	case err == nil:
		c.finish(ctx, m, "ack", m.Ack)
	case errors.Is(err, errNotFound) || isValidation(err):
		// No cover to be had. Retrying won't change that.
		Log(ctx).Info("no cover available", "isbn", body.ISBN)
		c.finish(ctx, m, "ack", m.Ack)
	default:
		Log(ctx).Warn("cover mirror failed, retrying", "isbn", body.ISBN, "err", err)
		c.finish(ctx, m, "retry", m.Retry)
	}
}

func (c *coverer) finish(ctx context.Context, m *message, outcome string, fn func(context.Context) error) {
	c.metrics.MessageProcessed(_coverQueue, outcome)
	if err := fn(ctx); err != nil {
		Log(ctx).Error("cover message settle failed", "outcome", outcome, "err", err)
	}
}

func (c *coverer) mirror(ctx context.Context, body *coverMessage) error {
	isbn, err := NormalizeISBN(body.ISBN)
	if err != nil {
		return validationErrf("invalid isbn %q", body.ISBN)
	}

	// Covers re-encode to JPEG, so the canonical path is knowable up front.
	// An existing object means a previous run already mirrored this ISBN.
	key := coverKey(isbn, "image/jpeg")
	if exists, err := c.objects.Exists(ctx, key); err == nil && exists {
		return c.rewriteEdition(ctx, isbn, key)
	}

	providerURL := body.ProviderURL
	if providerURL == "" {
		providerURL, err = c.orch.FetchCover(ctx, isbn)
		if err != nil {
			return err
		}
	}

	raw, err := c.download(ctx, providerURL)
	if recoverable(err) && c.refetch != nil {
		// The provider URL likely carried an expired token. Fetch a fresh one
		// and retry exactly once.
		fresh, ferr := c.refetch.FetchCover(ctx, isbn)
		if ferr != nil {
			return err
		}
		raw, err = c.download(ctx, fresh)
	}
	if err != nil {
		return err
	}

	processed, contentType, err := c.processor.Process(ctx, raw)
	if err != nil {
		return fmt.Errorf("processing cover for %s: %w", isbn, err)
	}

	key = coverKey(isbn, contentType)
	if err := c.objects.Put(ctx, key, contentType, processed); err != nil {
		return err
	}
	return c.rewriteEdition(ctx, isbn, key)
}

// rewriteEdition points the edition's cover slots at the CDN.
func (c *coverer) rewriteEdition(ctx context.Context, isbn, key string) error {
	url := c.cdnBase + "/" + key
	covers := CoverSet{Original: url, Large: url, Medium: url, Small: url}
	return c.store.SetEditionCovers(ctx, isbn, covers, _cdnCoverSource)
}

func (c *coverer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, statusErr(resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// recoverable reports whether a download failure is worth one JWT-recovery
// retry: expired or rejected signed URLs come back as 401/403.
func recoverable(err error) bool {
	var se statusErr
	if !errors.As(err, &se) {
		return false
	}
	return se.status() == http.StatusUnauthorized || se.status() == http.StatusForbidden
}
