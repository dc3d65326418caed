package api

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"cdr-pipeline/internal/apperr"
	"cdr-pipeline/internal/gateway"
	"cdr-pipeline/internal/models"
	"cdr-pipeline/internal/telemetry"
)

// SecretHeader is the alternative to the webhook_secret query parameter.
const SecretHeader = "X-Webhook-Secret"

// Webhooks ingests one CDR delivery.
type Webhooks interface {
	Handle(ctx context.Context, vendor models.Vendor, connectionID, secret string, payload []byte) (gateway.Result, error)
}

// Jobs is the operator view of the job store.
type Jobs interface {
	ListJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	RetryJob(ctx context.Context, id string) (models.Job, error)
	RequeueFailed(ctx context.Context) (int64, error)
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the HTTP surface.
type Options struct {
	// JWTSecret protects the operator routes; empty leaves them open.
	JWTSecret    string
	CORSOrigins  []string
	MaxBodyBytes int64
}

// Server wires HTTP handlers for webhooks and operator job endpoints.
type Server struct {
	webhooks Webhooks
	jobs     Jobs
	pinger   Pinger
	opts     Options
}

// New constructs the API server.
func New(w Webhooks, j Jobs, p Pinger, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Server{webhooks: w, jobs: j, pinger: p, opts: opts}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhook/{vendor}/{connectionId}", s.handleWebhook)

	r.Group(func(r chi.Router) {
		if len(s.opts.CORSOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   s.opts.CORSOrigins,
				AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
				AllowCredentials: true,
				MaxAge:           300,
			}))
		}
		if s.opts.JWTSecret != "" {
			r.Use(requireOperator([]byte(s.opts.JWTSecret)))
		}
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs/retry", s.handleRequeueFailed)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	vendor := models.Vendor(chi.URLParam(r, "vendor"))
	connID := chi.URLParam(r, "connectionId")
	secret := r.URL.Query().Get("webhook_secret")
	if secret == "" {
		secret = r.Header.Get(SecretHeader)
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		telemetry.WebhooksReceived.WithLabelValues(string(vendor), "too_large").Inc()
		writeError(w, r, apperr.Validation("request body too large or unreadable", nil))
		return
	}

	res, err := s.webhooks.Handle(r.Context(), vendor, connID, secret, payload)
	if err != nil {
		telemetry.WebhooksReceived.WithLabelValues(string(vendor), string(apperr.KindOf(err))).Inc()
		writeError(w, r, err)
		return
	}
	outcome := "stored"
	switch {
	case res.Duplicate:
		outcome = "duplicate"
	case res.Queued:
		outcome = "queued"
	}
	telemetry.WebhooksReceived.WithLabelValues(string(vendor), outcome).Inc()
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.JobFilter{
		Status:   models.JobStatus(q.Get("status")),
		TenantID: q.Get("tenant_id"),
	}
	fields := map[string]string{}
	switch filter.Status {
	case "", models.JobPending, models.JobProcessing, models.JobCompleted, models.JobFailed, models.JobRetry:
	default:
		fields["status"] = "unknown job status"
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			fields["limit"] = "must be a non-negative integer"
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil || filter.Offset < 0 {
			fields["offset"] = "must be a non-negative integer"
		}
	}
	if len(fields) > 0 {
		writeError(w, r, apperr.Validation("invalid query", fields))
		return
	}

	jobs, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.RetryJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	telemetry.JobsRequeued.Inc()
	zap.L().Info("job re-armed by operator",
		zap.String("job_id", job.ID),
		zap.String("operator", operatorFrom(r.Context())),
		zap.Int("attempts", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
	)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRequeueFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.jobs.RequeueFailed(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	telemetry.JobsRequeued.Add(float64(n))
	zap.L().Info("failed jobs re-armed by operator",
		zap.Int64("requeued", n),
		zap.String("operator", operatorFrom(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]int64{"requeued": n})
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Reason  string            `json:"reason,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// writeError maps classified errors to their status. Unclassified and
// internal errors are logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok || e.Kind == apperr.KindInternal {
		zap.L().Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]errorBody{
			"error": {Code: string(apperr.KindInternal), Message: "internal error"},
		})
		return
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	writeJSON(w, e.HTTPStatus(), map[string]errorBody{
		"error": {Code: string(e.Kind), Message: e.Message, Reason: e.Reason, Fields: e.Fields},
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
