package main

import (
	"path/filepath"
	"testing"
	"time"

	"driftstream/internal/config"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("expected first non-blank value, got %q", got)
	}
	if got := firstNonEmpty("", "  "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestResolveToggle(t *testing.T) {
	t.Setenv("DRIFTSTREAM_TEST_TOGGLE", "")
	if resolveToggle("false", "DRIFTSTREAM_TEST_TOGGLE", true) {
		t.Fatal("flag value should win")
	}
	t.Setenv("DRIFTSTREAM_TEST_TOGGLE", "false")
	if resolveToggle("", "DRIFTSTREAM_TEST_TOGGLE", true) {
		t.Fatal("env value should win over the config fallback")
	}
	t.Setenv("DRIFTSTREAM_TEST_TOGGLE", "not-a-bool")
	if !resolveToggle("", "DRIFTSTREAM_TEST_TOGGLE", true) {
		t.Fatal("invalid env value should fall through to the config")
	}
}

func TestResolveDuration(t *testing.T) {
	if got := resolveDuration(5*time.Second, "DRIFTSTREAM_TEST_DURATION", time.Minute); got != 5*time.Second {
		t.Fatalf("flag should win, got %s", got)
	}
	t.Setenv("DRIFTSTREAM_TEST_DURATION", "30s")
	if got := resolveDuration(0, "DRIFTSTREAM_TEST_DURATION", time.Minute); got != 30*time.Second {
		t.Fatalf("env should win, got %s", got)
	}
	t.Setenv("DRIFTSTREAM_TEST_DURATION", "garbage")
	if got := resolveDuration(0, "DRIFTSTREAM_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("fallback should apply, got %s", got)
	}
}

func TestResolveInt(t *testing.T) {
	t.Setenv("DRIFTSTREAM_TEST_INT", "7")
	if got := resolveInt(0, "DRIFTSTREAM_TEST_INT", 3); got != 7 {
		t.Fatalf("env should win, got %d", got)
	}
	t.Setenv("DRIFTSTREAM_TEST_INT", "")
	if got := resolveInt(0, "DRIFTSTREAM_TEST_INT", 3); got != 3 {
		t.Fatalf("fallback should apply, got %d", got)
	}
}

func TestOpenStoreJSONDriver(t *testing.T) {
	cfg := config.Default()
	root := filepath.Join(t.TempDir(), "uploads")

	store, err := openStore(&cfg, root, "json", "")
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	if store.Root() == "" {
		t.Fatal("store should resolve its asset root")
	}

	if _, err := openStore(&cfg, root, "sqlite", ""); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
