// Package billing turns finalized calls into monthly usage charges.
package billing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cdr-pipeline/internal/models"
)

// Pricing is the per-tenant rate card, in cents.
type Pricing struct {
	PerCallCents   int64
	PerMinuteCents int64
}

// Finalizer is the store operation the ledger writes through.
type Finalizer interface {
	FinalizeCall(ctx context.Context, callID, tenantID string, charge models.UsageCharge) (bool, error)
}

// Ledger records usage. Accumulation happens in one database upsert, so
// concurrent finalizes for the same tenant and month never lose updates.
type Ledger struct {
	store   Finalizer
	pricing Pricing
	onCount func(tenantID string, charge models.UsageCharge)
}

// NewLedger creates a ledger. onCount, when non-nil, is called after usage was
// newly counted (used for metrics).
func NewLedger(store Finalizer, pricing Pricing, onCount func(string, models.UsageCharge)) *Ledger {
	return &Ledger{store: store, pricing: pricing, onCount: onCount}
}

// MonthKey is the UTC calendar month a call is billed to.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// BillableMinutes rounds billsec up to whole minutes.
func BillableMinutes(billsec int) int64 {
	if billsec <= 0 {
		return 0
	}
	return int64((billsec + 59) / 60)
}

// Charge prices one call.
func (p Pricing) Charge(call models.CallRecord) models.UsageCharge {
	return models.UsageCharge{
		Month:           MonthKey(call.StartTime),
		Calls:           1,
		BillableSeconds: max(call.BillsecSeconds, 0),
		AmountCents:     p.PerCallCents + BillableMinutes(call.BillsecSeconds)*p.PerMinuteCents,
	}
}

// Record finalizes the call and adds its charge to the tenant's month. It
// reports whether the call was counted; false means it had already been
// finalized by an earlier attempt.
func (l *Ledger) Record(ctx context.Context, call models.CallRecord) (bool, error) {
	charge := l.pricing.Charge(call)
	counted, err := l.store.FinalizeCall(ctx, call.ID, call.TenantID, charge)
	if err != nil {
		return false, err
	}
	if !counted {
		zap.L().Info("call already finalized, usage not counted again",
			zap.String("cdr_id", call.ID), zap.String("tenant_id", call.TenantID))
		return false, nil
	}
	if l.onCount != nil {
		l.onCount(call.TenantID, charge)
	}
	return true, nil
}
