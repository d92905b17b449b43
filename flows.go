package provisor

import (
	"context"
	"fmt"
	"time"

	"github.com/tenantkit/provisor/pkg/api"
)

// Activity names used by the built-in flows. Deployments register an adapter
// under each name; the engine refuses to start with an unbound name.
const (
	ActivityCreateIdPOrganization   = "create-idp-organization"
	ActivityDeleteIdPOrganization   = "delete-idp-organization"
	ActivityProvisionInfrastructure = "provision-infrastructure"
	ActivityDestroyInfrastructure   = "destroy-infrastructure"
	ActivityDeployApplication       = "deploy-application"
	ActivityRollbackDeployment      = "rollback-deployment"
	ActivityConfigureDNS            = "configure-dns"
	ActivityRemoveDNSRecords        = "remove-dns-records"
	ActivitySendWelcomeNotification = "send-welcome-notification"
	ActivityNotifyPendingDeletion   = "notify-pending-deletion"
	ActivityDestroyDeployment       = "destroy-application-deployment"
	ActivityMarkTenantDeleted       = "mark-tenant-deleted"
	ActivityDeactivateIdPUser       = "deactivate-idp-user"
)

// Output keys the built-in flows read from earlier steps. Adapters must use
// these keys in their result output for downstream input builders to find
// the values.
const (
	OutputOrgID        = "org_id"
	OutputRunID        = "run_id"
	OutputEndpoint     = "endpoint"
	OutputDeploymentID = "deployment_id"
	OutputRecordSetID  = "record_set_id"
)

// Step indexes into the provision flow, used by input builders and useful to
// operators reading step records.
const (
	stepCreateOrg = iota
	stepProvisionInfra
	stepDeploy
	stepConfigureDNS
	stepWelcome
)

// ProvisionFlow is the fixed onboarding saga. Step order matters: each input
// builder reads identifiers produced by earlier steps, and the reverse order
// is what a rollback walks.
func ProvisionFlow() api.FlowDefinition {
	return api.FlowDefinition{
		Kind: api.KindProvision,
		Steps: []api.StepDefinition{
			{
				Name:     "create-idp-organization",
				Activity: ActivityCreateIdPOrganization,
				BuildInput: func(c api.StepContext) (map[string]any, error) {
					return map[string]any{
						"tenant_key":   c.Tenant.Key,
						"display_name": c.Tenant.DisplayName,
						"domains":      c.Tenant.Domains,
					}, nil
				},
				Retry:          api.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2},
				AttemptTimeout: 30 * time.Second,
				Compensation:   ActivityDeleteIdPOrganization,
				Resource:       api.ResourceIdPOrg,
			},
			{
				Name:     "provision-infrastructure",
				Activity: ActivityProvisionInfrastructure,
				BuildInput: func(c api.StepContext) (map[string]any, error) {
					orgID := c.StringOutput(stepCreateOrg, OutputOrgID)
					if orgID == "" {
						return nil, fmt.Errorf("missing %s from create-idp-organization", OutputOrgID)
					}
					return map[string]any{
						OutputOrgID: orgID,
						"tier":      c.Tenant.Tier,
						"region":    c.Tenant.Region,
					}, nil
				},
				// Infra runs are asynchronous; the activity suspends and the
				// attempt timeout only bounds a single invoke or poll call.
				Retry:          api.RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute, Jitter: 0.2},
				AttemptTimeout: time.Minute,
				Compensation:   ActivityDestroyInfrastructure,
				Resource:       api.ResourceInfraRun,
			},
			{
				Name:     "deploy-application",
				Activity: ActivityDeployApplication,
				BuildInput: func(c api.StepContext) (map[string]any, error) {
					runID := c.StringOutput(stepProvisionInfra, OutputRunID)
					if runID == "" {
						return nil, fmt.Errorf("missing %s from provision-infrastructure", OutputRunID)
					}
					return map[string]any{
						OutputRunID:    runID,
						OutputEndpoint: c.StringOutput(stepProvisionInfra, OutputEndpoint),
						"tier":         c.Tenant.Tier,
					}, nil
				},
				Retry:          api.RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: time.Minute, Jitter: 0.2},
				AttemptTimeout: 10 * time.Minute,
				Compensation:   ActivityRollbackDeployment,
				Resource:       api.ResourceDeployment,
			},
			{
				Name:     "configure-dns",
				Activity: ActivityConfigureDNS,
				BuildInput: func(c api.StepContext) (map[string]any, error) {
					return map[string]any{
						OutputEndpoint: c.StringOutput(stepProvisionInfra, OutputEndpoint),
						"domains":      c.Tenant.Domains,
					}, nil
				},
				Retry:          api.RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: time.Minute, Jitter: 0.3},
				AttemptTimeout: 30 * time.Second,
				Compensation:   ActivityRemoveDNSRecords,
				Resource:       api.ResourceDNSRecordSet,
			},
			{
				// Best effort only in the sense that it creates nothing to
				// undo; a hard failure here still rolls the tenant back.
				Name:     "send-welcome-notification",
				Activity: ActivitySendWelcomeNotification,
				BuildInput: func(c api.StepContext) (map[string]any, error) {
					return map[string]any{
						OutputEndpoint: c.StringOutput(stepProvisionInfra, OutputEndpoint),
						"contacts":     c.Tenant.Contacts,
					}, nil
				},
				Retry:          api.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2},
				AttemptTimeout: 15 * time.Second,
			},
		},
	}
}

// DeprovisionFlow is the fixed teardown saga. Teardown steps carry no
// compensations: destruction is not undone, and a failed step leaves the
// instance FAILED in place for an operator.
func DeprovisionFlow() api.FlowDefinition {
	tearDownRetry := api.RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Minute, Jitter: 0.2}
	return api.FlowDefinition{
		Kind: api.KindDeprovision,
		Steps: []api.StepDefinition{
			{
				Name:     "notify-pending-deletion",
				Activity: ActivityNotifyPendingDeletion,
				BuildInput: func(c api.StepContext) (map[string]any, error) {
					return map[string]any{"contacts": c.Tenant.Contacts}, nil
				},
				Retry:          api.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2},
				AttemptTimeout: 15 * time.Second,
			},
			{
				Name:           "remove-dns-records",
				Activity:       ActivityRemoveDNSRecords,
				BuildInput:     tenantDomainsInput,
				Retry:          tearDownRetry,
				AttemptTimeout: 30 * time.Second,
			},
			{
				Name:           "destroy-application-deployment",
				Activity:       ActivityDestroyDeployment,
				Retry:          tearDownRetry,
				AttemptTimeout: 10 * time.Minute,
			},
			{
				Name:           "destroy-infrastructure",
				Activity:       ActivityDestroyInfrastructure,
				Retry:          tearDownRetry,
				AttemptTimeout: time.Minute,
			},
			{
				Name:           "delete-idp-organization",
				Activity:       ActivityDeleteIdPOrganization,
				Retry:          tearDownRetry,
				AttemptTimeout: 30 * time.Second,
			},
			{
				Name:           "mark-tenant-deleted",
				Activity:       ActivityMarkTenantDeleted,
				Retry:          api.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2},
				AttemptTimeout: 15 * time.Second,
			},
		},
	}
}

func tenantDomainsInput(c api.StepContext) (map[string]any, error) {
	return map[string]any{"domains": c.Tenant.Domains}, nil
}

// DefaultFlows returns both built-in flows keyed by kind.
func DefaultFlows() map[api.WorkflowKind]api.FlowDefinition {
	return map[api.WorkflowKind]api.FlowDefinition{
		api.KindProvision:   ProvisionFlow(),
		api.KindDeprovision: DeprovisionFlow(),
	}
}

// DeactivateIdPUser invokes the deactivate-idp-user adapter directly, outside
// any workflow. Suspending a tenant's users takes effect immediately and
// creates nothing that a saga would have to undo, so it does not go through
// the engine.
func DeactivateIdPUser(ctx context.Context, activities map[string]api.Activity, tenant api.Tenant, userID string) error {
	act, ok := activities[ActivityDeactivateIdPUser]
	if !ok {
		return &api.ValidationError{Msg: "no activity registered for " + ActivityDeactivateIdPUser}
	}

	retry := api.DefaultRetry
	var lastErr error
	for attempt := 1; attempt <= retry.Attempts(); attempt++ {
		res, err := act.Invoke(ctx, api.ActivityInput{
			Tenant:         tenant,
			IdempotencyKey: fmt.Sprintf("%s:deactivate:%s:%d", tenant.ID, userID, attempt),
			Payload:        map[string]any{"user_id": userID},
		})
		if err == nil && res.Kind == api.ResultError {
			if res.Retryable {
				err = &api.TransientError{Msg: res.Message}
			} else {
				err = &api.ValidationError{Msg: res.Message}
			}
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if !api.IsRetryable(err) || attempt >= retry.Attempts() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry.Delay(attempt)):
		}
	}
	return fmt.Errorf("deactivate idp user %s: %w", userID, lastErr)
}
