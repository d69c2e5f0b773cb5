package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("CORRUPTOR_TEST_STR", "value")
	if got := GetEnv("CORRUPTOR_TEST_STR", "fallback"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
	if got := GetEnv("CORRUPTOR_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("CORRUPTOR_TEST_INT", "42")
	if got := GetEnvInt("CORRUPTOR_TEST_INT", 1); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("CORRUPTOR_TEST_INT", "nope")
	if got := GetEnvInt("CORRUPTOR_TEST_INT", 1); got != 1 {
		t.Errorf("expected fallback 1, got %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("CORRUPTOR_TEST_BOOL", "false")
	if got := GetEnvBool("CORRUPTOR_TEST_BOOL", true); got {
		t.Error("expected false")
	}
	t.Setenv("CORRUPTOR_TEST_BOOL", "maybe")
	if got := GetEnvBool("CORRUPTOR_TEST_BOOL", true); !got {
		t.Error("expected fallback true for invalid value")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("CORRUPTOR_TEST_DUR", "250ms")
	if got := GetEnvDuration("CORRUPTOR_TEST_DUR", time.Second); got != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", got)
	}
	if got := GetEnvDuration("CORRUPTOR_TEST_DUR_MISSING", time.Second); got != time.Second {
		t.Errorf("expected fallback 1s, got %v", got)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CORRUPTOR_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("CORRUPTOR_TEST_DOTENV") })

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := GetEnv("CORRUPTOR_TEST_DOTENV", ""); got != "from-file" {
		t.Errorf("expected from-file, got %q", got)
	}
}
