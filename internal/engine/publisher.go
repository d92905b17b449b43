package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/tenantkit/provisor/internal/persistence"
	"github.com/tenantkit/provisor/pkg/api"
)

// statusPublisher projects workflow lifecycle events onto the tenant's
// externally visible status. It is the only writer of Tenant.Status, so the
// mapping below is the complete status state machine.
//
// Publishing is best-effort: a failed status write is logged and does not
// fail the workflow transition that triggered it, since the instance record
// stays authoritative and the next event writes the status again.
type statusPublisher struct {
	tenants  persistence.TenantStore
	observer api.Observer
	logger   *zap.Logger
}

func (p *statusPublisher) workflowStarted(ctx context.Context, inst *api.WorkflowInstance) {
	switch inst.Kind {
	case api.KindDeprovision:
		p.publish(ctx, inst.TenantID, api.TenantDeprovisioning, "")
	default:
		p.publish(ctx, inst.TenantID, api.TenantProvisioning, "")
	}
}

func (p *statusPublisher) workflowCompleted(ctx context.Context, inst *api.WorkflowInstance) {
	switch inst.Kind {
	case api.KindDeprovision:
		p.publish(ctx, inst.TenantID, api.TenantDeleted, "")
	default:
		p.publish(ctx, inst.TenantID, api.TenantActive, "")
	}
}

// workflowCompensated handles a clean rollback: every provisioned resource
// was undone, so the tenant lands in FAILED with the provision failure as
// the reason.
func (p *statusPublisher) workflowCompensated(ctx context.Context, inst *api.WorkflowInstance) {
	p.publish(ctx, inst.TenantID, api.TenantFailed, reasonWith(api.ReasonProvisionFailed, inst.Error))
}

func (p *statusPublisher) workflowFailed(ctx context.Context, inst *api.WorkflowInstance, cause error) {
	reason := api.ReasonProvisionFailed
	if inst.Kind == api.KindDeprovision {
		reason = api.ReasonDeprovisionFailed
	}
	p.publish(ctx, inst.TenantID, api.TenantFailed, reasonWith(reason, inst.Error))
}

// compensationFailed marks a tenant whose rollback halted partway: some
// resources may still exist and need operator attention.
func (p *statusPublisher) compensationFailed(ctx context.Context, inst *api.WorkflowInstance, cause error) {
	p.publish(ctx, inst.TenantID, api.TenantFailed, reasonWith(api.ReasonCompensationFailed, inst.Error))
}

func (p *statusPublisher) publish(ctx context.Context, tenantID string, status api.TenantStatus, reason string) {
	if err := p.tenants.UpdateTenantStatus(ctx, tenantID, status, reason); err != nil {
		p.logger.Error("publish tenant status",
			zap.String("tenant_id", tenantID),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	p.observer.OnTenantStatus(ctx, tenantID, status, reason)
}

func reasonWith(code, detail string) string {
	if detail == "" {
		return code
	}
	return code + ": " + detail
}
