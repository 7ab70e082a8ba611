package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore connects to REDIS_ADDR and skips the test when it is unset or
// unreachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	s := NewWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       15,
	}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestContextKey(t *testing.T) {
	if got := contextKey("alice_general"); got != "dispatch:ctx:alice_general" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestSaveLoadContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := "test_" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = s.rdb.Del(ctx, contextKey(key)).Err() })

	if err := s.SaveContext(ctx, key, map[string]any{"topic": "billing"}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.LoadContext(ctx, key)
	if err != nil || !ok {
		t.Fatalf("load: ok=%t err=%v", ok, err)
	}
	if got["topic"] != "billing" {
		t.Fatalf("unexpected value %v", got)
	}

	_, ok, err = s.LoadContext(ctx, key+"_missing")
	if err != nil || ok {
		t.Fatalf("expected clean miss, ok=%t err=%v", ok, err)
	}
}
