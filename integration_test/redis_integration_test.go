//go:build integration

package integration_test

import (
	"context"
	"os"
	"testing"

	"github.com/shogotsuneto/go-simple-mirror/memory"
	"github.com/shogotsuneto/go-simple-mirror/redis"
)

func setupRedis(t *testing.T) *redis.CursorBackend {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := redis.Connect(addr)
	if err != nil {
		t.Fatalf("Failed to create redis client: %v", err)
	}
	backend := redis.New(client)
	if err := backend.Ping(context.Background()); err != nil {
		t.Fatalf("Failed to ping redis: %v", err)
	}
	if err := backend.DeletePrefix(context.Background(), "it:"); err != nil {
		t.Fatalf("Failed to clean up keys: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestRedisCursorBackend(t *testing.T) {
	backend := setupRedis(t)
	ctx := context.Background()

	if _, ok, err := backend.Get(ctx, "it:0.0.1"); err != nil || ok {
		t.Fatalf("Expected missing key, ok=%v err=%v", ok, err)
	}

	for _, offset := range []string{"1700000000.5", "1700000000.4", "1700000000.500000000"} {
		if err := backend.Put(ctx, "it:0.0.1", offset); err != nil {
			t.Fatalf("Put(%s) failed: %v", offset, err)
		}
	}
	if got, _, _ := backend.Get(ctx, "it:0.0.1"); got != "1700000000.5" {
		t.Errorf("Expected cursor to stay at 1700000000.5, got %s", got)
	}
	if err := backend.Put(ctx, "it:0.0.1", "1700000000.500000001"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if got, _, _ := backend.Get(ctx, "it:0.0.1"); got != "1700000000.500000001" {
		t.Errorf("Expected cursor to advance, got %s", got)
	}

	if err := backend.Delete(ctx, "it:0.0.1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := backend.Get(ctx, "it:0.0.1"); ok {
		t.Error("Expected key to be deleted")
	}
}

func TestRedisCursorStore_ClearAll(t *testing.T) {
	backend := setupRedis(t)
	ctx := context.Background()

	store := memory.NewCursorStore(memory.WithBackend(backend), memory.WithNamespace("it"))
	for i, topic := range []string{"0.0.1", "0.0.2", "0.0.3"} {
		if err := store.Save(ctx, topic, []string{"1.0", "2.0", "3.0"}[i]); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if err := store.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}

	fresh := memory.NewCursorStore(memory.WithBackend(backend), memory.WithNamespace("it"))
	for _, topic := range []string{"0.0.1", "0.0.2", "0.0.3"} {
		if _, ok, _ := fresh.Load(ctx, topic); ok {
			t.Errorf("Expected cursor for %s to be cleared", topic)
		}
	}
}
