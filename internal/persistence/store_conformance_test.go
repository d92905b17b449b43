package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tenantkit/provisor/pkg/api"
)

// storeFactories builds a fresh Stores per backend. Postgres and Redis
// variants live in their own files and are gated on environment variables;
// these two always run.
var storeFactories = map[string]func(t *testing.T) Stores{
	"memory": func(t *testing.T) Stores {
		return NewMemoryStore().Stores()
	},
	"sqlite": func(t *testing.T) Stores {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("sql.Open failed: %v", err)
		}
		// A second pooled connection would see its own empty :memory: DB.
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })

		store, err := NewSQLiteStore(db)
		if err != nil {
			t.Fatalf("NewSQLiteStore failed: %v", err)
		}
		return store.Stores()
	},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Stores)) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func sampleTenant(key string) *api.Tenant {
	now := time.Now()
	return &api.Tenant{
		ID:          "tenant-" + key,
		Key:         key,
		DisplayName: "Tenant " + key,
		Tier:        "standard",
		Region:      "eu-west-1",
		Domains:     []string{key + ".example.com"},
		Contacts:    []api.Contact{{Name: "Ada", Email: "ada@" + key + ".example.com", Role: "admin"}},
		Status:      api.TenantCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func sampleInstance(id, tenantID string) *api.WorkflowInstance {
	now := time.Now()
	return &api.WorkflowInstance{
		ID:          id,
		TenantID:    tenantID,
		Kind:        api.KindProvision,
		Status:      api.StatusRunning,
		StepOutputs: map[int]map[string]any{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestTenantStoreRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		tenant := sampleTenant("acme")

		if err := s.Tenants.CreateTenant(ctx, tenant); err != nil {
			t.Fatalf("CreateTenant failed: %v", err)
		}

		got, err := s.Tenants.GetTenant(ctx, tenant.ID)
		if err != nil {
			t.Fatalf("GetTenant failed: %v", err)
		}
		if got.Key != "acme" || got.Status != api.TenantCreated {
			t.Fatalf("unexpected tenant: %+v", got)
		}
		if len(got.Domains) != 1 || got.Domains[0] != "acme.example.com" {
			t.Fatalf("domains not persisted: %+v", got.Domains)
		}
		if len(got.Contacts) != 1 || got.Contacts[0].Email != "ada@acme.example.com" {
			t.Fatalf("contacts not persisted: %+v", got.Contacts)
		}

		byKey, err := s.Tenants.GetTenantByKey(ctx, "acme")
		if err != nil {
			t.Fatalf("GetTenantByKey failed: %v", err)
		}
		if byKey.ID != tenant.ID {
			t.Fatalf("GetTenantByKey returned wrong tenant: %s", byKey.ID)
		}

		if _, err := s.Tenants.GetTenant(ctx, "missing"); !errors.Is(err, api.ErrTenantNotFound) {
			t.Fatalf("expected ErrTenantNotFound, got %v", err)
		}
	})
}

func TestTenantStoreDuplicateKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		if err := s.Tenants.CreateTenant(ctx, sampleTenant("dup")); err != nil {
			t.Fatalf("CreateTenant failed: %v", err)
		}
		second := sampleTenant("dup")
		second.ID = "tenant-dup-2"
		if err := s.Tenants.CreateTenant(ctx, second); !errors.Is(err, api.ErrConflict) {
			t.Fatalf("expected ErrConflict for duplicate key, got %v", err)
		}
	})
}

func TestTenantStoreStatusUpdate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		tenant := sampleTenant("status")
		if err := s.Tenants.CreateTenant(ctx, tenant); err != nil {
			t.Fatalf("CreateTenant failed: %v", err)
		}

		if err := s.Tenants.UpdateTenantStatus(ctx, tenant.ID, api.TenantFailed, "provision_failed: boom"); err != nil {
			t.Fatalf("UpdateTenantStatus failed: %v", err)
		}
		got, err := s.Tenants.GetTenant(ctx, tenant.ID)
		if err != nil {
			t.Fatalf("GetTenant failed: %v", err)
		}
		if got.Status != api.TenantFailed || got.StatusReason != "provision_failed: boom" {
			t.Fatalf("status not updated: %s %q", got.Status, got.StatusReason)
		}
	})
}

func TestInstanceStoreActiveConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()

		if err := s.Instances.CreateInstance(ctx, sampleInstance("inst-1", "tenant-a")); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}

		// Same tenant, first instance still active.
		err := s.Instances.CreateInstance(ctx, sampleInstance("inst-2", "tenant-a"))
		if !errors.Is(err, api.ErrConflict) {
			t.Fatalf("expected ErrConflict for second active instance, got %v", err)
		}

		// A different tenant is unaffected.
		if err := s.Instances.CreateInstance(ctx, sampleInstance("inst-3", "tenant-b")); err != nil {
			t.Fatalf("CreateInstance for other tenant failed: %v", err)
		}

		// Once the first instance is terminal, the tenant can start another.
		inst, err := s.Instances.GetInstance(ctx, "inst-1")
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		inst.Status = api.StatusCompleted
		if err := s.Instances.UpdateInstance(ctx, inst); err != nil {
			t.Fatalf("UpdateInstance failed: %v", err)
		}
		if err := s.Instances.CreateInstance(ctx, sampleInstance("inst-4", "tenant-a")); err != nil {
			t.Fatalf("CreateInstance after terminal failed: %v", err)
		}
	})
}

func TestInstanceStoreRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		inst := sampleInstance("inst-rt", "tenant-rt")
		inst.StepOutputs = map[int]map[string]any{
			0: {"org_id": "org-1"},
		}
		if err := s.Instances.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}

		inst.CurrentStep = 2
		inst.Attempt = 1
		inst.PendingToken = "tok-7"
		inst.StepOutputs[1] = map[string]any{"run_id": "run-9"}
		if err := s.Instances.UpdateInstance(ctx, inst); err != nil {
			t.Fatalf("UpdateInstance failed: %v", err)
		}

		got, err := s.Instances.GetInstance(ctx, "inst-rt")
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if got.CurrentStep != 2 || got.Attempt != 1 || got.PendingToken != "tok-7" {
			t.Fatalf("instance fields lost: %+v", got)
		}
		if got.StepOutputs[0]["org_id"] != "org-1" || got.StepOutputs[1]["run_id"] != "run-9" {
			t.Fatalf("step outputs lost: %+v", got.StepOutputs)
		}

		if _, err := s.Instances.GetInstance(ctx, "missing"); !errors.Is(err, api.ErrInstanceNotFound) {
			t.Fatalf("expected ErrInstanceNotFound, got %v", err)
		}
	})
}

func TestInstanceStoreList(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()

		running := sampleInstance("inst-l1", "tenant-l1")
		if err := s.Instances.CreateInstance(ctx, running); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}
		done := sampleInstance("inst-l2", "tenant-l2")
		done.Kind = api.KindDeprovision
		done.Status = api.StatusCompleted
		if err := s.Instances.CreateInstance(ctx, done); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}

		all, err := s.Instances.ListInstances(ctx, api.InstanceListOptions{})
		if err != nil {
			t.Fatalf("ListInstances failed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 instances, got %d", len(all))
		}

		active, err := s.Instances.ListInstances(ctx, api.InstanceListOptions{ActiveOnly: true})
		if err != nil {
			t.Fatalf("ListInstances(ActiveOnly) failed: %v", err)
		}
		if len(active) != 1 || active[0].ID != "inst-l1" {
			t.Fatalf("unexpected active instances: %+v", active)
		}

		deprov, err := s.Instances.ListInstances(ctx, api.InstanceListOptions{Kind: api.KindDeprovision})
		if err != nil {
			t.Fatalf("ListInstances(Kind) failed: %v", err)
		}
		if len(deprov) != 1 || deprov[0].ID != "inst-l2" {
			t.Fatalf("unexpected deprovision instances: %+v", deprov)
		}

		byTenant, err := s.Instances.ListInstances(ctx, api.InstanceListOptions{TenantID: "tenant-l1"})
		if err != nil {
			t.Fatalf("ListInstances(TenantID) failed: %v", err)
		}
		if len(byTenant) != 1 || byTenant[0].ID != "inst-l1" {
			t.Fatalf("unexpected tenant instances: %+v", byTenant)
		}
	})
}

func TestInstanceLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		if err := s.Instances.CreateInstance(ctx, sampleInstance("inst-lease", "tenant-lease")); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}

		acquired, err := s.Instances.TryAcquireLease(ctx, "inst-lease", "worker-a", time.Minute)
		if err != nil || !acquired {
			t.Fatalf("first acquire: acquired=%v err=%v", acquired, err)
		}

		// Another owner loses while the lease is live.
		acquired, err = s.Instances.TryAcquireLease(ctx, "inst-lease", "worker-b", time.Minute)
		if err != nil {
			t.Fatalf("second acquire errored: %v", err)
		}
		if acquired {
			t.Fatal("worker-b acquired a live lease held by worker-a")
		}

		// Same owner is re-entrant.
		acquired, err = s.Instances.TryAcquireLease(ctx, "inst-lease", "worker-a", time.Minute)
		if err != nil || !acquired {
			t.Fatalf("re-entrant acquire: acquired=%v err=%v", acquired, err)
		}

		if err := s.Instances.RenewLease(ctx, "inst-lease", "worker-a", time.Minute); err != nil {
			t.Fatalf("RenewLease failed: %v", err)
		}
		if err := s.Instances.RenewLease(ctx, "inst-lease", "worker-b", time.Minute); !errors.Is(err, api.ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost renewing another owner's lease, got %v", err)
		}

		// Release by a non-owner is a no-op; release by the owner frees it.
		if err := s.Instances.ReleaseLease(ctx, "inst-lease", "worker-b"); err != nil {
			t.Fatalf("non-owner release errored: %v", err)
		}
		acquired, err = s.Instances.TryAcquireLease(ctx, "inst-lease", "worker-b", time.Minute)
		if err != nil || acquired {
			t.Fatalf("lease should still be held: acquired=%v err=%v", acquired, err)
		}
		if err := s.Instances.ReleaseLease(ctx, "inst-lease", "worker-a"); err != nil {
			t.Fatalf("ReleaseLease failed: %v", err)
		}
		acquired, err = s.Instances.TryAcquireLease(ctx, "inst-lease", "worker-b", time.Minute)
		if err != nil || !acquired {
			t.Fatalf("acquire after release: acquired=%v err=%v", acquired, err)
		}
	})
}

func TestOwnedUpdateFencesStaleWorker(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		inst := sampleInstance("inst-fence", "tenant-fence")
		if err := s.Instances.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}

		acquired, err := s.Instances.TryAcquireLease(ctx, "inst-fence", "worker-a", time.Minute)
		if err != nil || !acquired {
			t.Fatalf("acquire: acquired=%v err=%v", acquired, err)
		}

		inst.CurrentStep = 1
		if err := s.Instances.UpdateInstanceOwned(ctx, inst, "worker-a"); err != nil {
			t.Fatalf("owner's update failed: %v", err)
		}

		// A worker that no longer holds the lease must not land a write.
		stale := sampleInstance("inst-fence", "tenant-fence")
		stale.CurrentStep = 99
		if err := s.Instances.UpdateInstanceOwned(ctx, stale, "worker-b"); !errors.Is(err, api.ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost for non-owner, got %v", err)
		}

		got, err := s.Instances.GetInstance(ctx, "inst-fence")
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if got.CurrentStep != 1 {
			t.Fatalf("stale write landed: CurrentStep=%d", got.CurrentStep)
		}
	})
}

func TestOwnedUpdateRejectsExpiredLease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		inst := sampleInstance("inst-fexp", "tenant-fexp")
		if err := s.Instances.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}

		acquired, err := s.Instances.TryAcquireLease(ctx, "inst-fexp", "worker-a", 10*time.Millisecond)
		if err != nil || !acquired {
			t.Fatalf("acquire: acquired=%v err=%v", acquired, err)
		}
		time.Sleep(30 * time.Millisecond)

		inst.CurrentStep = 1
		if err := s.Instances.UpdateInstanceOwned(ctx, inst, "worker-a"); !errors.Is(err, api.ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost after expiry, got %v", err)
		}
	})
}

func TestRequestCancelLeavesOtherFieldsAlone(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		inst := sampleInstance("inst-rc", "tenant-rc")
		inst.CurrentStep = 2
		inst.PendingToken = "tok-3"
		if err := s.Instances.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}

		if err := s.Instances.RequestCancel(ctx, "inst-rc"); err != nil {
			t.Fatalf("RequestCancel failed: %v", err)
		}

		got, err := s.Instances.GetInstance(ctx, "inst-rc")
		if err != nil {
			t.Fatalf("GetInstance failed: %v", err)
		}
		if !got.CancelRequested {
			t.Fatal("cancel flag not set")
		}
		if got.CurrentStep != 2 || got.PendingToken != "tok-3" {
			t.Fatalf("RequestCancel touched other fields: %+v", got)
		}

		if err := s.Instances.RequestCancel(ctx, "missing"); !errors.Is(err, api.ErrInstanceNotFound) {
			t.Fatalf("expected ErrInstanceNotFound, got %v", err)
		}
	})
}

func TestInstanceLeaseExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		if err := s.Instances.CreateInstance(ctx, sampleInstance("inst-exp", "tenant-exp")); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}

		acquired, err := s.Instances.TryAcquireLease(ctx, "inst-exp", "worker-a", 10*time.Millisecond)
		if err != nil || !acquired {
			t.Fatalf("acquire: acquired=%v err=%v", acquired, err)
		}
		time.Sleep(30 * time.Millisecond)

		// Expired leases are taken over.
		acquired, err = s.Instances.TryAcquireLease(ctx, "inst-exp", "worker-b", time.Minute)
		if err != nil || !acquired {
			t.Fatalf("takeover of expired lease: acquired=%v err=%v", acquired, err)
		}
	})
}

func TestStepRecordOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		now := time.Now()

		records := []*api.StepExecutionRecord{
			{InstanceID: "inst-s", StepIndex: 1, Attempt: 1, StepName: "b", Status: api.StepFailed, StartedAt: now, FinishedAt: now, Error: "boom"},
			{InstanceID: "inst-s", StepIndex: 0, Attempt: 1, StepName: "a", Status: api.StepSucceeded, StartedAt: now, FinishedAt: now, Output: map[string]any{"k": "v"}},
			{InstanceID: "inst-s", StepIndex: 1, Attempt: 2, StepName: "b", Status: api.StepSucceeded, StartedAt: now, FinishedAt: now},
		}
		for _, rec := range records {
			if err := s.Steps.AppendStepRecord(ctx, rec); err != nil {
				t.Fatalf("AppendStepRecord failed: %v", err)
			}
		}

		got, err := s.Steps.ListStepRecords(ctx, "inst-s")
		if err != nil {
			t.Fatalf("ListStepRecords failed: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 records, got %d", len(got))
		}
		if got[0].StepName != "a" || got[1].Attempt != 1 || got[2].Attempt != 2 {
			t.Fatalf("wrong ordering: %+v", got)
		}
		if got[0].Output["k"] != "v" {
			t.Fatalf("output lost: %+v", got[0].Output)
		}
		if got[1].Error != "boom" {
			t.Fatalf("error lost: %+v", got[1])
		}
	})
}

func TestResourceLedger(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Stores) {
		ctx := context.Background()
		now := time.Now()

		recs := []*api.ResourceRecord{
			{ID: "res-1", InstanceID: "inst-r", StepIndex: 0, Type: api.ResourceIdPOrg, ExternalID: "org-1", CreatedAt: now},
			{ID: "res-2", InstanceID: "inst-r", StepIndex: 1, Type: api.ResourceInfraRun, ExternalID: "run-1", Metadata: map[string]any{"region": "eu"}, CreatedAt: now},
		}
		for _, rec := range recs {
			if err := s.Resources.AppendResource(ctx, rec); err != nil {
				t.Fatalf("AppendResource failed: %v", err)
			}
		}

		got, err := s.Resources.ListResources(ctx, "inst-r")
		if err != nil {
			t.Fatalf("ListResources failed: %v", err)
		}
		if len(got) != 2 || got[0].ID != "res-1" || got[1].ID != "res-2" {
			t.Fatalf("unexpected ledger contents: %+v", got)
		}
		if got[1].Metadata["region"] != "eu" {
			t.Fatalf("metadata lost: %+v", got[1].Metadata)
		}
		if got[0].CompensatedAt != nil {
			t.Fatal("fresh record already marked compensated")
		}

		if err := s.Resources.MarkCompensated(ctx, "res-2", time.Now()); err != nil {
			t.Fatalf("MarkCompensated failed: %v", err)
		}
		got, err = s.Resources.ListResources(ctx, "inst-r")
		if err != nil {
			t.Fatalf("ListResources failed: %v", err)
		}
		if got[1].CompensatedAt == nil {
			t.Fatal("res-2 not marked compensated")
		}
		if got[0].CompensatedAt != nil {
			t.Fatal("res-1 wrongly marked compensated")
		}
	})
}
