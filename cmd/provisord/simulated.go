package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	provisor "github.com/tenantkit/provisor"
	"github.com/tenantkit/provisor/pkg/api"
)

// simulatedActivities binds every flow activity to an in-process fake so the
// daemon runs end to end without real providers. Deployments replace this
// map with adapters for their actual IdP, infrastructure, deployment, DNS
// and notification systems.
func simulatedActivities(logger *zap.Logger) map[string]provisor.Activity {
	infra := &simulatedInfra{logger: logger, runs: map[string]time.Time{}}

	syncAct := func(name string, build func(in provisor.ActivityInput) provisor.ActivityResult) provisor.Activity {
		return provisor.ActivityFunc(func(ctx context.Context, in provisor.ActivityInput) (provisor.ActivityResult, error) {
			logger.Debug("simulated activity", zap.String("activity", name), zap.String("tenant_key", in.Tenant.Key))
			return build(in), nil
		})
	}

	noop := func(name string) provisor.Activity {
		return syncAct(name, func(provisor.ActivityInput) provisor.ActivityResult {
			return provisor.Done(nil)
		})
	}

	return map[string]provisor.Activity{
		provisor.ActivityCreateIdPOrganization: syncAct(provisor.ActivityCreateIdPOrganization, func(in provisor.ActivityInput) provisor.ActivityResult {
			orgID := "org-" + uuid.NewString()[:8]
			return provisor.DoneWithResource(
				map[string]any{provisor.OutputOrgID: orgID},
				provisor.ResourceRef{Type: api.ResourceIdPOrg, ExternalID: orgID},
			)
		}),
		provisor.ActivityProvisionInfrastructure: infra,
		provisor.ActivityDeployApplication: syncAct(provisor.ActivityDeployApplication, func(in provisor.ActivityInput) provisor.ActivityResult {
			depID := "dep-" + uuid.NewString()[:8]
			return provisor.DoneWithResource(
				map[string]any{provisor.OutputDeploymentID: depID},
				provisor.ResourceRef{Type: api.ResourceDeployment, ExternalID: depID},
			)
		}),
		provisor.ActivityConfigureDNS: syncAct(provisor.ActivityConfigureDNS, func(in provisor.ActivityInput) provisor.ActivityResult {
			setID := "rs-" + uuid.NewString()[:8]
			return provisor.DoneWithResource(
				map[string]any{provisor.OutputRecordSetID: setID},
				provisor.ResourceRef{Type: api.ResourceDNSRecordSet, ExternalID: setID},
			)
		}),

		provisor.ActivitySendWelcomeNotification: noop(provisor.ActivitySendWelcomeNotification),
		provisor.ActivityNotifyPendingDeletion:   noop(provisor.ActivityNotifyPendingDeletion),
		provisor.ActivityDeleteIdPOrganization:   noop(provisor.ActivityDeleteIdPOrganization),
		provisor.ActivityDestroyInfrastructure:   noop(provisor.ActivityDestroyInfrastructure),
		provisor.ActivityRollbackDeployment:      noop(provisor.ActivityRollbackDeployment),
		provisor.ActivityRemoveDNSRecords:        noop(provisor.ActivityRemoveDNSRecords),
		provisor.ActivityDestroyDeployment:       noop(provisor.ActivityDestroyDeployment),
		provisor.ActivityMarkTenantDeleted:       noop(provisor.ActivityMarkTenantDeleted),
		provisor.ActivityDeactivateIdPUser:       noop(provisor.ActivityDeactivateIdPUser),
	}
}

// simulatedInfra models an asynchronous infrastructure engine: Invoke starts
// a "run" and suspends, PollStatus reports in_progress until the run's fake
// completion time passes.
type simulatedInfra struct {
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]time.Time // token -> completion time
}

func (s *simulatedInfra) Invoke(ctx context.Context, in provisor.ActivityInput) (provisor.ActivityResult, error) {
	token := "run-" + uuid.NewString()[:8]
	s.mu.Lock()
	s.runs[token] = time.Now().Add(3 * time.Second)
	s.mu.Unlock()
	s.logger.Debug("simulated infra run started", zap.String("token", token), zap.String("tenant_key", in.Tenant.Key))
	return provisor.InProgress(token), nil
}

func (s *simulatedInfra) PollStatus(ctx context.Context, token string) (provisor.ActivityResult, error) {
	s.mu.Lock()
	doneAt, ok := s.runs[token]
	s.mu.Unlock()
	if !ok {
		return provisor.Errorf(false, "unknown infrastructure run "+token), nil
	}
	if time.Now().Before(doneAt) {
		return provisor.InProgress(token), nil
	}
	s.mu.Lock()
	delete(s.runs, token)
	s.mu.Unlock()
	return provisor.DoneWithResource(
		map[string]any{
			provisor.OutputRunID:    token,
			provisor.OutputEndpoint: "https://" + token + ".example.internal",
		},
		provisor.ResourceRef{Type: api.ResourceInfraRun, ExternalID: token},
	), nil
}
