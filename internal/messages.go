package internal

import (
	"fmt"
	"time"
)

// Queue names.
const (
	_enrichmentQueue = "enrichment"
	_coverQueue      = "cover"
	_authorQueue     = "author"
	_backfillQueue   = "backfill"
)

// enrichmentMessage asks for one or more ISBNs to be enriched. A body must
// carry isbn or isbns; one with neither is poison.
type enrichmentMessage struct {
	ISBN     string   `json:"isbn,omitempty"`
	ISBNs    []string `json:"isbns,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Source   string   `json:"source,omitempty"`
	JobID    string   `json:"job_id,omitempty"`
}

// isbnList flattens the single and plural forms into one batch.
func (m *enrichmentMessage) isbnList() []string {
	if m.ISBN != "" {
		return append([]string{m.ISBN}, m.ISBNs...)
	}
	return m.ISBNs
}

func (m *enrichmentMessage) validate() error {
	if m.ISBN == "" && len(m.ISBNs) == 0 {
		return fmt.Errorf("%w: neither isbn nor isbns present", errPoisonMessage)
	}
	return nil
}

// coverMessage asks for a cover image to be mirrored into object storage.
type coverMessage struct {
	ISBN        string `json:"isbn"`
	WorkKey     string `json:"work_key,omitempty"`
	ProviderURL string `json:"provider_url,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Source      string `json:"source,omitempty"`
	QueuedAt    string `json:"queued_at,omitempty"`
}

func (m *coverMessage) validate() error {
	if m.ISBN == "" {
		return fmt.Errorf("%w: missing isbn", errPoisonMessage)
	}
	return nil
}

// authorMessage requests just-in-time author enrichment from Wikidata.
type authorMessage struct {
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	AuthorKey   string `json:"author_key"`
	WikidataID  string `json:"wikidata_id"`
	TriggeredBy string `json:"triggered_by"`
}

func (m *authorMessage) validate() error {
	if m.Type != "JIT_ENRICH" {
		return fmt.Errorf("%w: unknown author message type %q", errPoisonMessage, m.Type)
	}
	if m.AuthorKey == "" || m.WikidataID == "" {
		return fmt.Errorf("%w: author message missing author_key or wikidata_id", errPoisonMessage)
	}
	return nil
}

// backfillMessage kicks off AI-driven discovery for one month.
type backfillMessage struct {
	JobID         string `json:"job_id"`
	Year          int    `json:"year"`
	Month         int    `json:"month"`
	BatchSize     int    `json:"batch_size"`
	DryRun        bool   `json:"dry_run,omitempty"`
	ExperimentID  string `json:"experiment_id,omitempty"`
	PromptVariant string `json:"prompt_variant,omitempty"`
	ModelOverride string `json:"model_override,omitempty"`
	MaxQuota      int    `json:"max_quota,omitempty"`
}

func (m *backfillMessage) validate() error {
	if m.JobID == "" {
		return fmt.Errorf("%w: backfill message missing job_id", errPoisonMessage)
	}
	if _, err := monthLockKey(m.Year, m.Month); err != nil {
		return fmt.Errorf("%w: %v", errPoisonMessage, err)
	}
	return nil
}

func newCoverMessage(isbn, workKey, providerURL, priority, source string) coverMessage {
	return coverMessage{
		ISBN:        isbn,
		WorkKey:     workKey,
		ProviderURL: providerURL,
		Priority:    priority,
		Source:      source,
		QueuedAt:    time.Now().UTC().Format(time.RFC3339),
	}
}
