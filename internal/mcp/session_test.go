package mcp_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/smg/model-gateway/internal/mcp"
)

func newTestStore(t *testing.T) *mcp.RedisSessionStore {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	return mcp.NewRedisSessionStore(client, time.Hour)
}

func TestRedisSessionStoreCreateGetUpdateDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	s := &mcp.ToolSession{ID: "sess-1", TenantID: "tenant-a", ServerKeys: []string{"srv-a"}}
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.TenantID != "tenant-a" || len(got.ServerKeys) != 1 {
		t.Fatalf("got = %+v", got)
	}

	got.ServerKeys = append(got.ServerKeys, "srv-b")
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	updated, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() after update error = %v", err)
	}
	if len(updated.ServerKeys) != 2 {
		t.Fatalf("ServerKeys = %v, want 2 entries", updated.ServerKeys)
	}

	if err := store.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "sess-1"); err == nil {
		t.Fatal("expected an error getting a deleted session")
	}
}

func TestRedisSessionStoreRejectsDuplicateCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	s := &mcp.ToolSession{ID: "sess-1", TenantID: "tenant-a"}
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	if err := store.Create(ctx, s); err == nil {
		t.Fatal("expected an error creating a duplicate session")
	}
}
