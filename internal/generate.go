package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Structured-output contract for generated book lists. Model output that
// doesn't validate is treated as a failed attempt and retried.
const _generatedBooksSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["title", "author", "format", "publication_year"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"author": {"type": "string", "minLength": 1},
			"publisher": {"type": "string"},
			"format": {"enum": ["Hardcover", "Paperback", "eBook", "Audiobook", "Unknown"]},
			"publication_year": {"type": "integer"},
			"significance": {"type": "string"}
		}
	}
}`

var _bookListSchema = jsonschema.MustCompileString("generated_books.json", _generatedBooksSchema)

// Prompt variants are registered by name; unknown names are rejected at
// ingress rather than silently falling back to the default.
var _promptVariants = map[string]string{
	"baseline": "List %d notable books first published in %s %d. " +
		"Include fiction and non-fiction. Respond with a JSON array of objects with keys " +
		"title, author, publisher, format (Hardcover|Paperback|eBook|Audiobook|Unknown), " +
		"publication_year, significance.",
	"diversity-emphasis": "List %d notable books first published in %s %d, " +
		"prioritizing authors from underrepresented groups, small presses and works in translation. " +
		"Respond with a JSON array of objects with keys title, author, publisher, " +
		"format (Hardcover|Paperback|eBook|Audiobook|Unknown), publication_year, significance.",
}

// backfillPrompt renders a named prompt variant for one month.
func backfillPrompt(variant string, year, month, n int) (string, error) {
	if variant == "" {
		variant = "baseline"
	}
	template, ok := _promptVariants[variant]
	if !ok {
		return "", validationErrf("unknown prompt variant %q", variant)
	}
	return fmt.Sprintf(template, n, time.Month(month).String(), year), nil
}

// parseGeneratedBooks validates model output against the book-list schema
// before decoding it.
func parseGeneratedBooks(raw []byte, generator string) ([]GeneratedBook, error) {
	// Models occasionally wrap JSON in a markdown fence despite instructions.
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var generic any
	if err := sonic.UnmarshalString(text, &generic); err != nil {
		return nil, fmt.Errorf("decoding generated books: %w", err)
	}
	if err := _bookListSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("generated books failed schema validation: %w", err)
	}

	var books []GeneratedBook
	if err := sonic.UnmarshalString(text, &books); err != nil {
		return nil, err
	}
	for i := range books {
		books[i].Generator = generator
	}
	return books, nil
}

// generateWithRetry wraps one model call with the shared retry policy:
// three attempts, exponential backoff from one second, transient errors only.
func generateWithRetry(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	return retry.DoWithData(fn,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
	)
}

const _geminiHost = "generativelanguage.googleapis.com"

// gemini generates book candidates through Google's Gemini API with a JSON
// response schema.
type gemini struct {
	gate    *gate
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

var _ bookGenerator = (*gemini)(nil)

func newGemini(apiKey, model string) *gemini {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &gemini{
		gate:    newGate("gemini"),
		client:  &http.Client{Timeout: _generatorTimeout},
		baseURL: "https://" + _geminiHost,
		apiKey:  apiKey,
		model:   model,
	}
}

func (p *gemini) Name() string    { return "gemini" }
func (p *gemini) Available() bool { return p.apiKey != "" && p.gate.available() }

func (p *gemini) GenerateBooks(ctx context.Context, prompt string, n int) ([]GeneratedBook, error) {
	payload := map[string]any{
		"contents": []map[string]any{{
			"parts": []map[string]string{{"text": prompt}},
		}},
		"generationConfig": map[string]any{
			"responseMimeType": "application/json",
			"temperature":      0.7,
		},
	}

	raw, err := generateWithRetry(ctx, func() ([]byte, error) {
		var text []byte
		err := p.gate.call(func() error {
			url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
				p.baseURL, p.model, p.apiKey)
			body, err := postJSON(ctx, p.client, url, nil, payload)
			if err != nil {
				return err
			}

			var resp struct {
				Candidates []struct {
					Content struct {
						Parts []struct {
							Text string `json:"text"`
						} `json:"parts"`
					} `json:"content"`
				} `json:"candidates"`
			}
			if err := sonic.Unmarshal(body, &resp); err != nil {
				return err
			}
			if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
				return fmt.Errorf("gemini returned no candidates")
			}
			text = []byte(resp.Candidates[0].Content.Parts[0].Text)
			return nil
		})
		return text, err
	})
	if err != nil {
		return nil, p.generationFailure(err)
	}
	return parseGeneratedBooks(raw, "gemini")
}

func (p *gemini) generationFailure(err error) error {
	return generationFailure("gemini", p.gate, err)
}

const _xaiHost = "api.x.ai"

// xai generates book candidates through the OpenAI-compatible Grok chat API.
type xai struct {
	gate    *gate
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

var _ bookGenerator = (*xai)(nil)

func newXAI(apiKey, model string) *xai {
	if model == "" {
		model = "grok-2-latest"
	}
	return &xai{
		gate:    newGate("xai"),
		client:  &http.Client{Timeout: _generatorTimeout},
		baseURL: "https://" + _xaiHost,
		apiKey:  apiKey,
		model:   model,
	}
}

func (p *xai) Name() string    { return "xai" }
func (p *xai) Available() bool { return p.apiKey != "" && p.gate.available() }

func (p *xai) GenerateBooks(ctx context.Context, prompt string, n int) ([]GeneratedBook, error) {
	payload := map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": "You are a literary historian. Respond only with valid JSON."},
			{"role": "user", "content": prompt},
		},
		"temperature": 0.7,
	}

	raw, err := generateWithRetry(ctx, func() ([]byte, error) {
		var text []byte
		err := p.gate.call(func() error {
			headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
			body, err := postJSON(ctx, p.client, p.baseURL+"/v1/chat/completions", headers, payload)
			if err != nil {
				return err
			}

			var resp struct {
				Choices []struct {
					Message struct {
						Content string `json:"content"`
					} `json:"message"`
				} `json:"choices"`
			}
			if err := sonic.Unmarshal(body, &resp); err != nil {
				return err
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("xai returned no choices")
			}
			text = []byte(resp.Choices[0].Message.Content)
			return nil
		})
		return text, err
	})
	if err != nil {
		return nil, generationFailure("xai", p.gate, err)
	}
	return parseGeneratedBooks(raw, "xai")
}

// generationFailure maps model-API errors onto the provider failure contract:
// 401 is fatal configuration, 429/403 benches the provider.
func generationFailure(name string, g *gate, err error) error {
	var se statusErr
	if errors.As(err, &se) {
		switch se.status() {
		case http.StatusUnauthorized:
			return fmt.Errorf("%s rejected credentials: %w", name, errProviderConfig)
		case http.StatusTooManyRequests, http.StatusForbidden:
			g.markUnavailable(_unavailableWindow)
		}
	}
	return fmt.Errorf("%s generation failed: %w", name, err)
}

// postJSON posts a JSON payload and returns the response body. Status codes
// >= 400 surface as statusErr.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) ([]byte, error) {
	encoded, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, statusErr(resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
