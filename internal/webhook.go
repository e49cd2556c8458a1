package internal

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// notifier announces newly created editions downstream. Failures never block
// the write path.
type notifier interface {
	EditionCreated(ctx context.Context, isbn string, qualityImprovement int)
}

// webhookNotifier POSTs to a configured endpoint with a shared-secret header.
type webhookNotifier struct {
	url    string
	secret string
	client *http.Client

	inflight sync.WaitGroup
}

var _ notifier = (*webhookNotifier)(nil)

func newWebhookNotifier(url, secret string) *webhookNotifier {
	return &webhookNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *webhookNotifier) EditionCreated(ctx context.Context, isbn string, qualityImprovement int) {
	if n.url == "" {
		return
	}
	// Delivery runs off the write path. Detached from the caller's context
	// so an acked message can't cancel it; the client timeout bounds it.
	ctx = context.WithoutCancel(ctx)
	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		n.deliver(ctx, isbn, qualityImprovement)
	}()
}

func (n *webhookNotifier) deliver(ctx context.Context, isbn string, qualityImprovement int) {
	body, err := sonic.Marshal(map[string]any{
		"isbn":                isbn,
		"type":                "edition",
		"quality_improvement": qualityImprovement,
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		Log(ctx).Warn("webhook request failed to build", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-alexandria-webhook-secret", n.secret)

	resp, err := n.client.Do(req)
	if err != nil {
		Log(ctx).Warn("webhook delivery failed", "isbn", isbn, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		Log(ctx).Warn("webhook rejected", "isbn", isbn, "status", resp.StatusCode)
	}
}

// drain blocks until in-flight deliveries settle.
func (n *webhookNotifier) drain() {
	n.inflight.Wait()
}

// noopNotifier is used when no webhook is configured.
type noopNotifier struct{}

var _ notifier = noopNotifier{}

func (noopNotifier) EditionCreated(context.Context, string, int) {}
