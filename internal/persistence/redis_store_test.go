package persistence

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tenantkit/provisor/pkg/api"
)

// newTestRedisStore connects to the Redis named by TEST_REDIS_ADDR and works
// under an isolated key prefix that is wiped before each test. Tests are
// skipped when the variable is unset.
func newTestRedisStore(t *testing.T) Stores {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	prefix := "provisor:test:"
	iter := client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err != nil {
			t.Fatalf("redis DEL failed: %v", err)
		}
	}
	if err := iter.Err(); err != nil {
		t.Fatalf("redis SCAN failed: %v", err)
	}

	return NewRedisStore(client, prefix).Stores()
}

func TestRedisStoreConformance(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	tenant := sampleTenant("rds")
	if err := s.Tenants.CreateTenant(ctx, tenant); err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}
	if err := s.Tenants.CreateTenant(ctx, sampleTenant("rds")); !errors.Is(err, api.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate key, got %v", err)
	}

	inst := sampleInstance("rds-inst-1", tenant.ID)
	if err := s.Instances.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	if err := s.Instances.CreateInstance(ctx, sampleInstance("rds-inst-2", tenant.ID)); !errors.Is(err, api.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	acquired, err := s.Instances.TryAcquireLease(ctx, inst.ID, "w1", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("acquire: %v %v", acquired, err)
	}
	if err := s.Instances.RenewLease(ctx, inst.ID, "w2", time.Minute); !errors.Is(err, api.ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost, got %v", err)
	}

	// Terminal status frees the tenant's active slot.
	inst.Status = api.StatusCompensated
	if err := s.Instances.UpdateInstance(ctx, inst); err != nil {
		t.Fatalf("UpdateInstance failed: %v", err)
	}
	if err := s.Instances.CreateInstance(ctx, sampleInstance("rds-inst-3", tenant.ID)); err != nil {
		t.Fatalf("CreateInstance after terminal failed: %v", err)
	}

	rec := &api.ResourceRecord{ID: "rds-res-1", InstanceID: inst.ID, StepIndex: 0, Type: api.ResourceIdPOrg, ExternalID: "org-9", CreatedAt: time.Now()}
	if err := s.Resources.AppendResource(ctx, rec); err != nil {
		t.Fatalf("AppendResource failed: %v", err)
	}
	if err := s.Resources.MarkCompensated(ctx, rec.ID, time.Now()); err != nil {
		t.Fatalf("MarkCompensated failed: %v", err)
	}
	got, err := s.Resources.ListResources(ctx, inst.ID)
	if err != nil || len(got) != 1 || got[0].CompensatedAt == nil {
		t.Fatalf("ledger round trip: %+v err %v", got, err)
	}
}
