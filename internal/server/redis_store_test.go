package server

import (
	"testing"
	"time"

	"driftstream/internal/testsupport/redisstub"
)

func newStubStore(t *testing.T, opts redisstub.Options, cfg RedisConfig) (*redisstub.Server, *redisStore) {
	t.Helper()

	stub, err := redisstub.Start(opts)
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { stub.Close() })

	cfg.Addr = stub.Addr()
	store, err := newRedisStore(cfg)
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return stub, store
}

func TestRedisStoreAllowWithinLimit(t *testing.T) {
	_, store := newStubStore(t, redisstub.Options{}, RedisConfig{})

	for i := 0; i < 3; i++ {
		ok, retryAfter, err := store.Allow("driftstream:upload:10.0.0.1", 3, time.Minute)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i)
		}
		if retryAfter != 0 {
			t.Fatalf("allowed request reported retryAfter %v", retryAfter)
		}
	}

	ok, retryAfter, err := store.Allow("driftstream:upload:10.0.0.1", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if ok {
		t.Fatal("fourth request should be rejected")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retryAfter = %v, want within (0, 1m]", retryAfter)
	}
}

func TestRedisStoreKeysAreIndependent(t *testing.T) {
	_, store := newStubStore(t, redisstub.Options{}, RedisConfig{})

	if ok, _, err := store.Allow("driftstream:upload:10.0.0.1", 1, time.Minute); err != nil || !ok {
		t.Fatalf("first client: ok=%v err=%v", ok, err)
	}
	if ok, _, _ := store.Allow("driftstream:upload:10.0.0.1", 1, time.Minute); ok {
		t.Fatal("first client should be exhausted")
	}
	if ok, _, err := store.Allow("driftstream:upload:10.0.0.2", 1, time.Minute); err != nil || !ok {
		t.Fatalf("second client should have its own window: ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreAuthenticates(t *testing.T) {
	_, store := newStubStore(t,
		redisstub.Options{Password: "sekrit"},
		RedisConfig{Password: "sekrit"})

	ok, _, err := store.Allow("driftstream:upload:10.0.0.1", 5, time.Minute)
	if err != nil {
		t.Fatalf("allow with auth: %v", err)
	}
	if !ok {
		t.Fatal("first request should be allowed")
	}
}

func TestRedisStoreRejectsBadPassword(t *testing.T) {
	_, store := newStubStore(t,
		redisstub.Options{Password: "sekrit"},
		RedisConfig{Password: "wrong", Timeout: time.Second})

	if _, _, err := store.Allow("driftstream:upload:10.0.0.1", 5, time.Minute); err == nil {
		t.Fatal("expected an auth error")
	}
}

func TestRedisStorePrimedCounter(t *testing.T) {
	stub, store := newStubStore(t, redisstub.Options{}, RedisConfig{})

	stub.SetCount("driftstream:upload:10.0.0.9", 9)

	ok, retryAfter, err := store.Allow("driftstream:upload:10.0.0.9", 5, 30*time.Second)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Fatal("primed counter should reject")
	}
	// The key never had an expiry set, so the store falls back to the
	// full window.
	if retryAfter != 30*time.Second {
		t.Fatalf("retryAfter = %v, want 30s", retryAfter)
	}
}
