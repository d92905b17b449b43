package api

import "time"

// TenantStatus is the externally visible lifecycle state of a tenant.
//
// Transitions are monotonic except for the SUSPENDED <-> ACTIVE cycle.
// FAILED is terminal for the workflow that produced it, not for the tenant:
// a failed provision can be retried with a fresh workflow instance once the
// previous one is terminal.
type TenantStatus string

const (
	TenantCreated        TenantStatus = "CREATED"
	TenantProvisioning   TenantStatus = "PROVISIONING"
	TenantActive         TenantStatus = "ACTIVE"
	TenantSuspended      TenantStatus = "SUSPENDED"
	TenantDeprovisioning TenantStatus = "DEPROVISIONING"
	TenantDeleted        TenantStatus = "DELETED"
	TenantFailed         TenantStatus = "FAILED"
)

// Reason codes attached to TenantFailed so operators can tell a failed
// provision apart from a failed deprovision or a stuck rollback.
const (
	ReasonProvisionFailed    = "provision_failed"
	ReasonCompensationFailed = "compensation_failed"
	ReasonDeprovisionFailed  = "deprovision_failed"
)

// Contact is a person attached to a tenant (billing, technical, admin).
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// Tenant is the registry record for a single SaaS tenant.
//
// Tenants are never physically deleted; a deprovisioned tenant is marked
// TenantDeleted so audit history survives. Status and StatusReason are
// written exclusively by the engine's status publisher.
type Tenant struct {
	ID          string
	Key         string // stable slug, unique
	DisplayName string
	Tier        string
	Region      string
	Domains     []string
	Contacts    []Contact

	Status       TenantStatus
	StatusReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTenant is the accepted shape of a provisioning request.
type NewTenant struct {
	Key         string
	DisplayName string
	Tier        string
	Region      string
	Domains     []string
	Contacts    []Contact
}
