package internal

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeService stubs the engine for handler tests.
type fakeService struct {
	enqueue func(body enrichmentMessage) (int, error)
	start   func(body backfillMessage) (*BackfillJob, error)
	jobs    map[string]*BackfillJob
	locks   []AdvisoryLock
	lockErr error
}

func (s *fakeService) EnqueueEnrichment(ctx context.Context, body enrichmentMessage) (int, error) {
	return s.enqueue(body)
}

func (s *fakeService) StartBackfillJob(ctx context.Context, body backfillMessage) (*BackfillJob, error) {
	return s.start(body)
}

func (s *fakeService) JobStatus(ctx context.Context, jobID string) (*BackfillJob, bool) {
	job, ok := s.jobs[jobID]
	return job, ok
}

func (s *fakeService) QuotaStatus(ctx context.Context) QuotaStatus {
	return QuotaStatus{UsedToday: 100, Limit: 15000, BufferRemaining: 2000, CanMakeCalls: true}
}

func (s *fakeService) AdvisoryLocks(ctx context.Context) ([]AdvisoryLock, error) {
	return s.locks, s.lockErr
}

func newTestServer(t *testing.T, svc *fakeService) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewMux(NewHandler(svc), prometheus.NewPedanticRegistry()))
	t.Cleanup(ts.Close)
	return ts
}

func TestHandler(t *testing.T) {
	t.Parallel()

	t.Run("enrich accepts a batch", func(t *testing.T) {
		t.Parallel()
		svc := &fakeService{enqueue: func(body enrichmentMessage) (int, error) {
			assert.Equal(t, []string{"9780547928227"}, body.ISBNs)
			return 1, nil
		}}
		ts := newTestServer(t, svc)

		resp, err := http.Post(ts.URL+"/enrich", "application/json",
			strings.NewReader(`{"isbns":["9780547928227"]}`))
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.JSONEq(t, `{"queued":1}`, string(body))
	})

	t.Run("enrich rejects invalid payloads", func(t *testing.T) {
		t.Parallel()
		svc := &fakeService{enqueue: func(body enrichmentMessage) (int, error) {
			return 0, validationErrf("invalid isbn %q", "nope")
		}}
		ts := newTestServer(t, svc)

		resp, err := http.Post(ts.URL+"/enrich", "application/json", strings.NewReader(`{"isbn":"nope"}`))
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("backfill returns the created job", func(t *testing.T) {
		t.Parallel()
		svc := &fakeService{start: func(body backfillMessage) (*BackfillJob, error) {
			assert.Equal(t, 2010, body.Year)
			return &BackfillJob{JobID: "j1", Year: body.Year, Month: body.Month, Status: jobQueued}, nil
		}}
		ts := newTestServer(t, svc)

		resp, err := http.Post(ts.URL+"/backfill", "application/json",
			strings.NewReader(`{"year":2010,"month":3,"batch_size":20}`))
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		var job BackfillJob
		require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&job))
		assert.Equal(t, "j1", job.JobID)
		assert.Equal(t, jobQueued, job.Status)
	})

	t.Run("job status 404s for unknown jobs", func(t *testing.T) {
		t.Parallel()
		svc := &fakeService{jobs: map[string]*BackfillJob{
			"known": {JobID: "known", Status: jobComplete},
		}}
		ts := newTestServer(t, svc)

		resp, err := http.Get(ts.URL + "/backfill/known")
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = http.Get(ts.URL + "/backfill/missing")
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("quota status", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, &fakeService{})

		resp, err := http.Get(ts.URL + "/quota/status")
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var status QuotaStatus
		require.NoError(t, sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&status))
		assert.Equal(t, 15000, status.Limit)
		assert.True(t, status.CanMakeCalls)
	})

	t.Run("locks sanitizes internal errors", func(t *testing.T) {
		t.Parallel()
		svc := &fakeService{lockErr: assert.AnError}
		ts := newTestServer(t, svc)

		resp, err := http.Get(ts.URL + "/locks")
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.JSONEq(t, `{"error":"internal error"}`, string(body))
	})

	t.Run("metrics endpoint serves the registry", func(t *testing.T) {
		t.Parallel()
		ts := newTestServer(t, &fakeService{})

		resp, err := http.Get(ts.URL + "/quota/status")
		require.NoError(t, err)
		_ = resp.Body.Close()

		resp, err = http.Get(ts.URL + "/debug/metrics")
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		got, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(got), `alexandria_http_requests_bucket{method="GET",path="/quota/status"`)
	})
}
