package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// Config carries everything the engine needs to run. Values map 1:1 onto the
// serve command's flags.
type Config struct {
	DatabaseURL string

	ISBNdbAPIKey      string
	GoogleBooksAPIKey string
	GeminiAPIKey      string
	GeminiModel       string
	XAIAPIKey         string
	XAIModel          string

	EnableGoogleBooks bool

	WebhookURL    string
	WebhookSecret string

	CDNBaseURL string

	DailyLimit   int
	SafetyBuffer int
	LockTimeout  time.Duration

	// Cover mirroring backends. The engine runs without them; cover messages
	// then retry until a store is attached.
	Objects objectStore
	Images  imageProcessor
}

// Engine owns the full enrichment pipeline: storage, cache, quota, provider
// registry, merge writer and the four queue consumers.
type Engine struct {
	db      *pgxpool.Pool
	store   storage
	cache   *layeredCache
	queue   queue
	quota   *QuotaManager
	locks   *MonthLocker
	jobs    *jobTracker
	writer  *writer
	orch    *orchestrator
	metrics *engineMetrics

	enricher   *enricher
	coverer    *coverer
	author     *authorEnricher
	backfiller *backfiller
}

// NewEngine wires the pipeline. The registry is written once here and only
// read afterwards.
func NewEngine(ctx context.Context, cfg Config, reg *prometheus.Registry) (*Engine, error) {
	db, err := newDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	layered, err := newCache(ctx, db)
	if err != nil {
		return nil, err
	}

	metrics := newEngineMetrics(reg)
	store := newPGStore(db)
	q := newPGQueue(db)
	quota := NewQuotaManager(newPGKV(db), cfg.DailyLimit, cfg.SafetyBuffer)
	locks := NewMonthLocker(db, cfg.LockTimeout)
	jobs := newJobTracker(layered)

	var notify notifier = noopNotifier{}
	if cfg.WebhookURL != "" {
		notify = newWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret)
	}
	w := newWriter(store, q, notify, metrics)

	primary := newISBNdb(cfg.ISBNdbAPIKey, quota)
	google := newGoogleBooks(cfg.GoogleBooksAPIKey)
	openlib := newOpenLibrary()
	archive := newArchiveOrg()
	wd := newWikidata()
	lt := newLibraryThing()
	gem := newGemini(cfg.GeminiAPIKey, cfg.GeminiModel)
	grok := newXAI(cfg.XAIAPIKey, cfg.XAIModel)

	registry := newRegistry()
	for _, p := range []provider{primary, google, openlib, archive, wd, lt, gem, grok} {
		registry.Register(p)
	}
	orch := newOrchestrator(registry, metrics)

	var googleFetcher metadataFetcher
	if cfg.EnableGoogleBooks {
		googleFetcher = google
	}

	e := &Engine{
		db:      db,
		store:   store,
		cache:   layered,
		queue:   q,
		quota:   quota,
		locks:   locks,
		jobs:    jobs,
		writer:  w,
		orch:    orch,
		metrics: metrics,
	}
	e.enricher = newEnricher(store, w, layered, q, orch, primary, wd, googleFetcher, archive, metrics)
	e.author = newAuthorEnricher(w, q, quota, wd, metrics)
	e.backfiller = newBackfiller(store, q, orch, newSynthesizer(w, store, orch, q), jobs, locks, metrics)
	if cfg.Objects != nil && cfg.Images != nil {
		e.coverer = newCoverer(store, q, orch, cfg.Objects, cfg.Images, primary, cfg.CDNBaseURL, metrics)
	}

	return e, nil
}

// Run starts the queue consumers and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	if err := e.quota.EnsureDailyReset(ctx); err != nil {
		Log(ctx).Warn("quota reset check failed", "err", err)
	}

	go e.enricher.Run(ctx, _consumerPoll)
	go e.author.Run(ctx, _consumerPoll)
	go e.backfiller.Run(ctx, _consumerPoll)
	if e.coverer != nil {
		go e.coverer.Run(ctx, _consumerPoll)
	}
	go e.enhanceLoop(ctx)

	<-ctx.Done()
}

// _consumerPoll is how long an idle consumer sleeps between polls.
const _consumerPoll = 5 * time.Second

// _enhanceInterval paces the deferred synthetic-work enhancement sweep.
const _enhanceInterval = 6 * time.Hour

// enhanceLoop periodically retries ISBN resolution for stale synthetic works.
func (e *Engine) enhanceLoop(ctx context.Context) {
	synth := newSynthesizer(e.writer, e.store, e.orch, e.queue)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(_enhanceInterval):
		}
		sweepCtx, cancel := context.WithTimeout(ctx, _enhanceInterval/2)
		enhanced, err := synth.EnhanceSyntheticWorks(sweepCtx, 500)
		cancel()
		if err != nil {
			Log(ctx).Warn("synthetic enhancement sweep failed", "err", err)
			continue
		}
		if enhanced > 0 {
			Log(ctx).Info("enhanced synthetic works", "count", enhanced)
		}
	}
}

// Close releases the database pool.
func (e *Engine) Close() {
	e.db.Close()
}

// EnqueueEnrichment validates and queues a push-path request. The returned
// count is how many ISBNs were accepted.
func (e *Engine) EnqueueEnrichment(ctx context.Context, body enrichmentMessage) (int, error) {
	if err := body.validate(); err != nil {
		return 0, validationErrf("%v", err)
	}
	valid := make([]string, 0, len(body.isbnList()))
	for _, raw := range body.isbnList() {
		isbn, err := NormalizeISBN(raw)
		if err != nil {
			return 0, validationErrf("invalid isbn %q", raw)
		}
		valid = append(valid, isbn)
	}
	body.ISBN, body.ISBNs = "", valid
	if err := e.queue.Send(ctx, _enrichmentQueue, body); err != nil {
		return 0, err
	}
	return len(valid), nil
}

// StartBackfillJob creates a job record and queues the backfill message.
func (e *Engine) StartBackfillJob(ctx context.Context, body backfillMessage) (*BackfillJob, error) {
	if _, err := monthLockKey(body.Year, body.Month); err != nil {
		return nil, validationErrf("%v", err)
	}
	if body.PromptVariant != "" {
		if _, ok := _promptVariants[body.PromptVariant]; !ok {
			return nil, validationErrf("unknown prompt variant %q", body.PromptVariant)
		}
	}
	if body.JobID == "" {
		body.JobID = uuid.NewString()
	}

	job := &BackfillJob{
		JobID:        body.JobID,
		Year:         body.Year,
		Month:        body.Month,
		ExperimentID: body.ExperimentID,
		DryRun:       body.DryRun,
	}
	e.jobs.Create(ctx, job)
	if err := e.queue.Send(ctx, _backfillQueue, body); err != nil {
		e.jobs.Finish(ctx, body.JobID, "could not queue job: "+err.Error())
		return nil, err
	}
	return job, nil
}

// JobStatus returns the tracked state of a backfill job.
func (e *Engine) JobStatus(ctx context.Context, jobID string) (*BackfillJob, bool) {
	return e.jobs.Get(ctx, jobID)
}

// QuotaStatus reports today's ISBNdb budget.
func (e *Engine) QuotaStatus(ctx context.Context) QuotaStatus {
	return e.quota.GetQuotaStatus(ctx)
}

// AdvisoryLocks lists currently-held month locks.
func (e *Engine) AdvisoryLocks(ctx context.Context) ([]AdvisoryLock, error) {
	return e.locks.ListAdvisoryLocks(ctx)
}
