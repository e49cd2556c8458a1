package internal

import (
	"context"
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// service is the engine surface the HTTP layer needs. *Engine implements it.
type service interface {
	EnqueueEnrichment(ctx context.Context, body enrichmentMessage) (int, error)
	StartBackfillJob(ctx context.Context, body backfillMessage) (*BackfillJob, error)
	JobStatus(ctx context.Context, jobID string) (*BackfillJob, bool)
	QuotaStatus(ctx context.Context) QuotaStatus
	AdvisoryLocks(ctx context.Context) ([]AdvisoryLock, error)
}

var _ service = (*Engine)(nil)

// Handler is the HTTP ingress. It validates, enqueues and reports; all real
// work happens in the consumers.
type Handler struct {
	svc service
}

func NewHandler(svc service) *Handler {
	return &Handler{svc: svc}
}

// NewMux routes requests to the handler and instruments everything except
// health and metrics.
func NewMux(h *Handler, reg *prometheus.Registry) http.Handler {
	mux := chi.NewMux()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Post("/enrich", h.Enrich)
	mux.Post("/backfill", h.Backfill)
	mux.Get("/backfill/{jobID}", h.BackfillStatus)
	mux.Get("/quota/status", h.Quota)
	mux.Get("/locks", h.Locks)

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/debug/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return instrument(reg, mux)
}

// Enrich accepts a single ISBN or a batch and queues it for the push path.
func (h *Handler) Enrich(w http.ResponseWriter, r *http.Request) {
	var body enrichmentMessage
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, validationErrf("invalid request body"))
		return
	}
	queued, err := h.svc.EnqueueEnrichment(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

// Backfill creates a job and queues a pull-path run for one (year, month).
func (h *Handler) Backfill(w http.ResponseWriter, r *http.Request) {
	var body backfillMessage
	if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, validationErrf("invalid request body"))
		return
	}
	job, err := h.svc.StartBackfillJob(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// BackfillStatus reports a job's tracked state.
func (h *Handler) BackfillStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, ok := h.svc.JobStatus(r.Context(), jobID)
	if !ok {
		writeError(w, r, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Quota reports today's ISBNdb budget.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.QuotaStatus(r.Context()))
}

// Locks lists held month advisory locks.
func (h *Handler) Locks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.svc.AdvisoryLocks(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if locks == nil {
		locks = []AdvisoryLock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

// writeError maps pipeline errors onto status codes. Upstream details never
// leak; unexpected errors come back as a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case isValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, errNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		Log(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
