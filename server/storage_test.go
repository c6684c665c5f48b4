package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := store.Load(ctx, "missing"); err != nil || ok {
		t.Fatalf("Load(missing) = %v, %v", ok, err)
	}

	values := map[string]any{
		keyAccessToken:   "access-1",
		keyLongExpiresIn: int64(5184000),
		keyAuthError:     map[string]any{"error": "x", "error_reason": nil},
	}
	if err := store.Save(ctx, "sid", values, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := store.Load(ctx, "sid")
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	if got[keyAccessToken] != "access-1" {
		t.Fatalf("access token = %v", got[keyAccessToken])
	}
	if got[keyLongExpiresIn] != float64(5184000) {
		t.Fatalf("numbers should come back as JSON numbers, got %T", got[keyLongExpiresIn])
	}
	authErr, _ := got[keyAuthError].(map[string]any)
	if v, present := authErr["error_reason"]; !present || v != nil {
		t.Fatalf("null field lost: %v", authErr)
	}

	if err := store.Delete(ctx, "sid"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Load(ctx, "sid"); ok {
		t.Fatalf("record survived Delete")
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	if err := store.Save(context.Background(), "sid", map[string]any{"k": "v"}, time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := store.Load(context.Background(), "sid"); ok {
		t.Fatalf("expired record returned")
	}
	if store.Len() != 0 {
		t.Fatalf("expired record not evicted on read")
	}
}

func TestMemoryStoreSweepsAbandonedRecords(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		if err := store.Save(ctx, fmt.Sprintf("abandoned-%d", i), map[string]any{"k": i}, time.Minute); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if store.Len() != 1000 {
		t.Fatalf("expected 1000 records, got %d", store.Len())
	}

	now = now.Add(24 * time.Hour)
	if err := store.Save(ctx, "fresh", map[string]any{"k": "v"}, time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n := store.Len(); n != 1 {
		t.Fatalf("expired records never read again were not swept, %d held", n)
	}
	if _, ok, _ := store.Load(ctx, "fresh"); !ok {
		t.Fatalf("live record swept")
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)

	if err := store.Save(context.Background(), "ttl", map[string]any{"k": "v"}, time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !mr.Exists(redisKeyPrefix + "ttl") {
		t.Fatalf("key not namespaced")
	}
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := store.Load(context.Background(), "ttl"); ok {
		t.Fatalf("record survived its TTL")
	}
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := NewRedisStore(context.Background(), "redis://"+addr); err == nil {
		t.Fatalf("expected ping failure")
	}
	if _, err := NewRedisStore(context.Background(), "not-a-url"); err == nil {
		t.Fatalf("expected parse failure")
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	store, err := NewStore(context.Background(), SessionsConfig{Backend: "memory"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected MemoryStore, got %T", store)
	}

	mr := miniredis.RunT(t)
	store, err = NewStore(context.Background(), SessionsConfig{Backend: "redis", RedisURL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewStore(redis): %v", err)
	}
	if rs, ok := store.(*RedisStore); !ok {
		t.Fatalf("expected RedisStore, got %T", store)
	} else {
		_ = rs.Close()
	}

	if _, err := NewStore(context.Background(), SessionsConfig{Backend: "etcd"}); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}
