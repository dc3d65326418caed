package store

import (
	"context"

	"github.com/rotisserie/eris"

	"cdr-pipeline/internal/models"
)

// FinalizeCall stamps finalized_at on a call record, completes its statuses
// and, only when the stamp was newly set, adds charge to the tenant's monthly
// billing row. The marker and the increment commit together, so a repeated
// finalize never counts a call twice. It reports whether usage was counted.
func (s *Store) FinalizeCall(ctx context.Context, callID, tenantID string, charge models.UsageCharge) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "store: begin finalize tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE call_records
		SET finalized_at = NOW(), transcript_status = 'completed', analysis_status = 'completed', updated_at = NOW()
		WHERE id = $1 AND finalized_at IS NULL
	`, callID)
	if err != nil {
		return false, eris.Wrapf(err, "store: mark call %s finalized", callID)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO billing_events (tenant_id, month, call_count, billable_seconds, amount_cents)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, month) DO UPDATE SET
			call_count = billing_events.call_count + EXCLUDED.call_count,
			billable_seconds = billing_events.billable_seconds + EXCLUDED.billable_seconds,
			amount_cents = billing_events.amount_cents + EXCLUDED.amount_cents,
			updated_at = NOW()
	`, tenantID, charge.Month, charge.Calls, charge.BillableSeconds, charge.AmountCents); err != nil {
		return false, eris.Wrapf(err, "store: upsert billing for tenant %s", tenantID)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "store: commit finalize")
	}
	return true, nil
}

// GetUsage returns the accumulated billing row for a tenant and month. A month
// with no finalized calls yields a zero charge.
func (s *Store) GetUsage(ctx context.Context, tenantID, month string) (models.UsageCharge, error) {
	u := models.UsageCharge{Month: month}
	err := s.db.QueryRow(ctx, `
		SELECT call_count, billable_seconds, amount_cents
		FROM billing_events WHERE tenant_id = $1 AND month = $2
	`, tenantID, month).Scan(&u.Calls, &u.BillableSeconds, &u.AmountCents)
	if isNoRows(err) {
		return u, nil
	}
	if err != nil {
		return models.UsageCharge{}, eris.Wrapf(err, "store: get usage for tenant %s", tenantID)
	}
	return u, nil
}
