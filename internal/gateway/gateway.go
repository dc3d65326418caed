// Package gateway authenticates CDR webhooks and turns them into call records
// and pipeline jobs.
package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"cdr-pipeline/internal/apperr"
	"cdr-pipeline/internal/models"
	"cdr-pipeline/internal/normalize"
	"cdr-pipeline/internal/ratelimit"
	"cdr-pipeline/internal/store"
	"cdr-pipeline/internal/telemetry"
)

// Forbidden reasons surfaced to webhook senders.
const (
	ReasonConnectionDisabled = "connection_disabled"
	ReasonTenantSuspended    = "tenant_suspended"
	ReasonTenantCancelled    = "tenant_cancelled"
)

// Store is what the gateway needs from persistence.
type Store interface {
	GetConnection(ctx context.Context, id string) (models.ConnectionWithTenant, error)
	IngestCall(ctx context.Context, p store.IngestParams) (store.IngestResult, error)
}

// Limiter is a per-key rate limiter such as ratelimit.TokenBucket.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Options configures a Gateway.
type Options struct {
	MaxAttempts int
	Priority    int
	// Limiter is optional; nil disables rate limiting.
	Limiter Limiter
}

// Gateway handles one webhook delivery at a time; it is safe for concurrent use.
type Gateway struct {
	store      Store
	normalizer *normalize.Normalizer
	opts       Options
}

// Result is the acknowledgement returned to the PBX.
type Result struct {
	CDRID     string `json:"cdrRecordId"`
	Queued    bool   `json:"queued"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Message   string `json:"message"`
}

func New(s Store, n *normalize.Normalizer, opts Options) *Gateway {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = models.DefaultMaxAttempts
	}
	return &Gateway{store: s, normalizer: n, opts: opts}
}

// Handle authenticates and ingests one delivery. Every failure is an
// *apperr.Error except unexpected storage errors, which are internal.
func (g *Gateway) Handle(ctx context.Context, vendor models.Vendor, connectionID, secret string, payload []byte) (Result, error) {
	// No connection lookup happens without a secret.
	if secret == "" {
		return Result{}, apperr.Unauthorized("missing webhook secret")
	}

	cwt, err := g.store.GetConnection(ctx, connectionID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return Result{}, apperr.NotFound("unknown connection")
		}
		return Result{}, apperr.Internal(err, "load connection")
	}
	conn, tenant := cwt.Connection, cwt.Tenant

	if subtle.ConstantTimeCompare([]byte(secret), []byte(conn.WebhookSecret)) != 1 {
		return Result{}, apperr.Unauthorized("invalid webhook secret")
	}
	// Only authenticated deliveries draw from the connection's bucket.
	if err := g.allow(ctx, conn.ID); err != nil {
		return Result{}, err
	}
	if err := checkLiveness(conn, tenant); err != nil {
		return Result{}, err
	}
	if vendor != conn.Vendor {
		return Result{}, apperr.Validation("vendor does not match connection", map[string]string{
			"vendor": fmt.Sprintf("connection is configured for %s", conn.Vendor),
		})
	}

	call, err := g.normalizer.Normalize(conn.Vendor, payload)
	if err != nil {
		return Result{}, err
	}

	res, err := g.store.IngestCall(ctx, store.IngestParams{
		TenantID:     tenant.ID,
		ConnectionID: conn.ID,
		Call:         call,
		Priority:     g.opts.Priority,
		MaxAttempts:  g.opts.MaxAttempts,
	})
	if err != nil {
		return Result{}, apperr.Internal(eris.Wrap(err, "gateway: ingest call"), "store call record")
	}

	log := zap.L().With(
		zap.String("cdr_id", res.CallRecordID),
		zap.String("tenant_id", tenant.ID),
		zap.String("connection_id", conn.ID),
		zap.String("vendor_call_id", call.VendorCallID),
	)
	out := Result{CDRID: res.CallRecordID, Queued: res.Queued, Duplicate: res.Duplicate}
	switch {
	case res.Duplicate:
		out.Message = "duplicate delivery, CDR already received"
		log.Info("duplicate webhook delivery", zap.Bool("queued", res.Queued))
	case res.Queued:
		out.Message = "CDR received and queued for processing"
		telemetry.JobsEnqueued.Inc()
		log.Info("cdr queued", zap.String("job_id", res.JobID))
	default:
		out.Message = "CDR received, not queued: " + skipReason(call)
		log.Info("cdr stored without job", zap.String("disposition", string(call.Disposition)))
	}
	return out, nil
}

func checkLiveness(conn models.PbxConnection, tenant models.Tenant) error {
	if !conn.IsActive {
		return apperr.Forbidden(ReasonConnectionDisabled, "connection is disabled")
	}
	switch tenant.Status {
	case models.TenantActive:
		return nil
	case models.TenantSuspended:
		return apperr.Forbidden(ReasonTenantSuspended, "tenant is suspended")
	case models.TenantCancelled:
		return apperr.Forbidden(ReasonTenantCancelled, "tenant is cancelled")
	default:
		return apperr.Forbidden(ReasonTenantSuspended, "tenant is not active")
	}
}

func skipReason(c models.CanonicalCall) string {
	if c.Disposition != models.DispositionAnswered {
		return "call was not answered (" + string(c.Disposition) + ")"
	}
	return "no recording"
}

func (g *Gateway) allow(ctx context.Context, connectionID string) error {
	if g.opts.Limiter == nil {
		return nil
	}
	d, err := g.opts.Limiter.Allow(ctx, connectionID)
	switch {
	case err != nil:
		zap.L().Warn("webhook rate limiter unavailable, allowing delivery",
			zap.String("connection_id", connectionID), zap.Error(err))
	case !d.Allowed:
		telemetry.RateLimitRejects.Inc()
		return apperr.RateLimited("too many webhook deliveries for this connection", d.RetryAfter)
	}
	return nil
}
