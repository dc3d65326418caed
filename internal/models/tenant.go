package models

// TenantStatus is owned by the administrative subsystem.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantCancelled TenantStatus = "cancelled"
)

// Vendor selects the normalizer variant and the recording download strategy.
type Vendor string

const (
	VendorGrandstream Vendor = "grandstream"
	VendorFreePBX     Vendor = "freepbx"
	VendorGeneric     Vendor = "generic"
)

// Tenant is read-only from the pipeline's point of view.
type Tenant struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Status         TenantStatus `json:"status"`
	CustomKeywords []string     `json:"custom_keywords,omitempty"`
}

// PbxConnection links a tenant to one PBX and carries its credentials.
type PbxConnection struct {
	ID               string `json:"id"`
	TenantID         string `json:"tenant_id"`
	Vendor           Vendor `json:"vendor"`
	WebhookSecret    string `json:"-"`
	IsActive         bool   `json:"is_active"`
	BaseURL          string `json:"base_url,omitempty"`
	APIUsername      string `json:"-"`
	APIPassword      string `json:"-"`
	RecordingBaseURL string `json:"recording_base_url,omitempty"`
}

// ConnectionWithTenant is the joined row the gateway authenticates against.
type ConnectionWithTenant struct {
	Connection PbxConnection
	Tenant     Tenant
}

// UsageCharge is one finalized call's contribution to the monthly ledger.
type UsageCharge struct {
	Month           string `json:"month"`
	Calls           int    `json:"calls"`
	BillableSeconds int    `json:"billable_seconds"`
	AmountCents     int64  `json:"amount_cents"`
}
