package internal

import (
	"context"
	"errors"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackfiller(store *memStore, q queue, jobs *jobTracker, providers ...provider) *backfiller {
	reg := newRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	orch := newOrchestrator(reg, nil)
	synth := newSynthesizer(newWriter(store, q, nil, nil), store, orch, q)
	return newBackfiller(store, q, orch, synth, jobs, newMemLocker(), nil)
}

func marchBooks(n int) []GeneratedBook {
	books := []GeneratedBook{
		{Title: "The Girl with the Dragon Tattoo", Author: "Stieg Larsson", Format: "Hardcover", PublicationYear: 2010, Generator: "gemini"},
		{Title: "The Big Short", Author: "Michael Lewis", Format: "Hardcover", PublicationYear: 2010, Generator: "gemini"},
		{Title: "Solar", Author: "Ian McEwan", Format: "Hardcover", PublicationYear: 2010, Generator: "gemini"},
	}
	return books[:n]
}

func TestBackfillConsumer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	job := backfillMessage{JobID: "j1", Year: 2010, Month: 3, BatchSize: 3}

	start := func(t *testing.T) (*memStore, *memQueue, *jobTracker) {
		t.Helper()
		store := newMemStore()
		q := newMemQueue()
		jobs := newJobTracker(newMemoryCache[[]byte]())
		jobs.Create(ctx, &BackfillJob{JobID: "j1", Year: 2010, Month: 3})
		return store, q, jobs
	}

	t.Run("resolved candidates fan out to enrichment", func(t *testing.T) {
		t.Parallel()
		store, q, jobs := start(t)
		generator := &fakeProvider{name: "gemini", generate: func(prompt string, n int) ([]GeneratedBook, error) {
			return marchBooks(3), nil
		}}
		resolver := &fakeProvider{name: "isbndb", resolve: func(req ResolveRequest) (Resolution, error) {
			if req.Title == "Solar" {
				return notFoundResolution("isbndb"), nil
			}
			return Resolution{ISBN: "9780307269751", Confidence: 90, Source: "isbndb"}, nil
		}}
		b := newTestBackfiller(store, q, jobs, generator, resolver)

		require.NoError(t, q.Send(ctx, _backfillQueue, job))
		b.ProcessMessage(ctx, receiveOne(t, q, _backfillQueue))

		assert.Zero(t, q.depth(_backfillQueue), "job message acked")
		assert.Equal(t, 1, q.depth(_enrichmentQueue), "one fan-out chunk")

		m := receiveOne(t, q, _enrichmentQueue)
		var body enrichmentMessage
		require.NoError(t, sonic.Unmarshal(m.Body, &body))
		assert.Equal(t, "backfill-2010-03", body.Source)
		assert.Equal(t, "j1", body.JobID)
		assert.Len(t, body.ISBNs, 2)

		record, ok := jobs.Get(ctx, "j1")
		require.True(t, ok)
		assert.Equal(t, jobComplete, record.Status)
		assert.Equal(t, "enrichment queued", record.Progress)
		assert.Equal(t, 3, record.Stats.BooksGenerated)
		assert.Equal(t, 3, record.Stats.SyntheticWorks)
		assert.Equal(t, 2, record.Stats.ISBNsResolved)
		assert.Equal(t, 2, record.Stats.ISBNsSentToEnrichment)

		row := store.backfill[[2]int{2010, 3}]
		require.NotNil(t, row)
		assert.Equal(t, "completed", row.status)
		assert.Equal(t, 3, row.generated)
		assert.Equal(t, 2, row.resolved)
		assert.Equal(t, 2, row.queued)
	})

	t.Run("every candidate lands as a synthetic work", func(t *testing.T) {
		t.Parallel()
		store, q, jobs := start(t)
		generator := &fakeProvider{name: "gemini", generate: func(prompt string, n int) ([]GeneratedBook, error) {
			return marchBooks(3), nil
		}}
		// No resolver registered: nothing resolves, everything stays synthetic.
		b := newTestBackfiller(store, q, jobs, generator)

		require.NoError(t, q.Send(ctx, _backfillQueue, job))
		b.ProcessMessage(ctx, receiveOne(t, q, _backfillQueue))

		work, err := store.GetWork(ctx, syntheticWorkKey("Solar", "Ian McEwan"))
		require.NoError(t, err)
		assert.True(t, work.Synthetic)
		assert.Equal(t, 30, work.CompletenessScore)

		assert.Zero(t, q.depth(_enrichmentQueue))
		record, _ := jobs.Get(ctx, "j1")
		assert.Equal(t, jobComplete, record.Status)
		assert.Zero(t, record.Stats.ISBNsResolved)
	})

	t.Run("dry run skips the fan-out", func(t *testing.T) {
		t.Parallel()
		store, q, jobs := start(t)
		generator := &fakeProvider{name: "gemini", generate: func(prompt string, n int) ([]GeneratedBook, error) {
			return marchBooks(2), nil
		}}
		resolver := &fakeProvider{name: "isbndb", resolve: func(req ResolveRequest) (Resolution, error) {
			return Resolution{ISBN: "9780307269751", Confidence: 90, Source: "isbndb"}, nil
		}}
		b := newTestBackfiller(store, q, jobs, generator, resolver)

		dry := job
		dry.DryRun = true
		require.NoError(t, q.Send(ctx, _backfillQueue, dry))
		b.ProcessMessage(ctx, receiveOne(t, q, _backfillQueue))

		assert.Zero(t, q.depth(_enrichmentQueue))
		record, _ := jobs.Get(ctx, "j1")
		assert.Equal(t, jobComplete, record.Status)
		assert.Equal(t, "dry run, enrichment skipped", record.Progress)
		assert.Equal(t, 2, record.Stats.ISBNsResolved)
		assert.Zero(t, record.Stats.ISBNsSentToEnrichment)
		assert.Equal(t, 0, store.backfill[[2]int{2010, 3}].queued)
	})

	t.Run("max quota caps resolution attempts", func(t *testing.T) {
		t.Parallel()
		store, q, jobs := start(t)
		generator := &fakeProvider{name: "gemini", generate: func(prompt string, n int) ([]GeneratedBook, error) {
			return marchBooks(3), nil
		}}
		resolver := &fakeProvider{name: "isbndb", resolve: func(req ResolveRequest) (Resolution, error) {
			return Resolution{ISBN: "9780307269751", Confidence: 90, Source: "isbndb"}, nil
		}}
		b := newTestBackfiller(store, q, jobs, generator, resolver)

		capped := job
		capped.MaxQuota = 1
		require.NoError(t, q.Send(ctx, _backfillQueue, capped))
		b.ProcessMessage(ctx, receiveOne(t, q, _backfillQueue))

		assert.Equal(t, int32(1), resolver.resolveCalls.Load())
		record, _ := jobs.Get(ctx, "j1")
		assert.Equal(t, 1, record.Stats.ISBNsResolved)
		assert.Equal(t, 3, record.Stats.SyntheticWorks, "uncapped candidates still persist")
	})

	t.Run("generation failure fails the job", func(t *testing.T) {
		t.Parallel()
		store, q, jobs := start(t)
		generator := &fakeProvider{name: "gemini", generate: func(prompt string, n int) ([]GeneratedBook, error) {
			return nil, errors.New("model overloaded")
		}}
		b := newTestBackfiller(store, q, jobs, generator)

		require.NoError(t, q.Send(ctx, _backfillQueue, job))
		b.ProcessMessage(ctx, receiveOne(t, q, _backfillQueue))

		assert.Zero(t, q.depth(_backfillQueue), "terminal failure does not retry")
		record, _ := jobs.Get(ctx, "j1")
		assert.Equal(t, jobFailed, record.Status)
		assert.Contains(t, record.Error, "model overloaded")
		assert.Equal(t, "failed", store.backfill[[2]int{2010, 3}].status)
	})

	t.Run("locked month retries the message", func(t *testing.T) {
		t.Parallel()
		store, q, jobs := start(t)
		b := newTestBackfiller(store, q, jobs, &fakeProvider{name: "gemini"})
		locks := b.locks.(*memLocker)
		_, err := locks.AcquireMonthLock(ctx, 2010, 3)
		require.NoError(t, err)

		require.NoError(t, q.Send(ctx, _backfillQueue, job))
		b.ProcessMessage(ctx, receiveOne(t, q, _backfillQueue))

		assert.Equal(t, 1, q.depth(_backfillQueue), "message back for another attempt")
		record, _ := jobs.Get(ctx, "j1")
		assert.Equal(t, jobQueued, record.Status, "job untouched while locked out")
	})

	t.Run("poison bodies ack", func(t *testing.T) {
		t.Parallel()
		store, q, jobs := start(t)
		b := newTestBackfiller(store, q, jobs, &fakeProvider{name: "gemini"})

		require.NoError(t, q.Send(ctx, _backfillQueue, backfillMessage{JobID: "j2", Year: 1850, Month: 3}))
		b.ProcessMessage(ctx, receiveOne(t, q, _backfillQueue))
		assert.Zero(t, q.depth(_backfillQueue))
	})
}
