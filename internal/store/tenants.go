package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"cdr-pipeline/internal/apperr"
	"cdr-pipeline/internal/models"
)

// GetConnection loads a PBX connection together with its tenant.
func (s *Store) GetConnection(ctx context.Context, id string) (models.ConnectionWithTenant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.ConnectionWithTenant{}, apperr.NotFound("connection not found")
	}
	var (
		out            models.ConnectionWithTenant
		vendor, status string
	)
	c, t := &out.Connection, &out.Tenant
	err := s.db.QueryRow(ctx, `
		SELECT c.id, c.tenant_id, c.vendor, c.webhook_secret, c.is_active, c.base_url,
		       c.api_username, c.api_password, c.recording_base_url,
		       t.id, t.name, t.status, t.custom_keywords
		FROM pbx_connections c
		JOIN tenants t ON t.id = c.tenant_id
		WHERE c.id = $1
	`, id).Scan(&c.ID, &c.TenantID, &vendor, &c.WebhookSecret, &c.IsActive, &c.BaseURL,
		&c.APIUsername, &c.APIPassword, &c.RecordingBaseURL,
		&t.ID, &t.Name, &status, &t.CustomKeywords)
	if isNoRows(err) {
		return models.ConnectionWithTenant{}, apperr.NotFound("connection not found")
	}
	if err != nil {
		return models.ConnectionWithTenant{}, eris.Wrapf(err, "store: get connection %s", id)
	}
	c.Vendor = models.Vendor(vendor)
	t.Status = models.TenantStatus(status)
	return out, nil
}

// GetTenant loads a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Tenant{}, apperr.NotFound("tenant not found")
	}
	var (
		t      models.Tenant
		status string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, name, status, custom_keywords FROM tenants WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &status, &t.CustomKeywords)
	if isNoRows(err) {
		return models.Tenant{}, apperr.NotFound("tenant not found")
	}
	if err != nil {
		return models.Tenant{}, eris.Wrapf(err, "store: get tenant %s", id)
	}
	t.Status = models.TenantStatus(status)
	return t, nil
}
