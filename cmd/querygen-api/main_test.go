package main

import "testing"

func TestRunReturnsAfterRuntimeIsBuilt(t *testing.T) {
	t.Setenv("QUERYGEN_PROFILE", "test")
	t.Setenv("QUERYGEN_JOBS_BACKEND", "memory")
	t.Setenv("QUERYGEN_SOURCE_DSN", "")
	t.Setenv("QUERYGEN_AUDIT_ENABLED", "false")
	t.Setenv("QUERYGEN_AUTH_REQUIRED", "true")
	t.Setenv("QUERYGEN_AUTH_STATIC_KEYS", "not-a-key-entry")

	if code := run(); code != 1 {
		t.Fatalf("run() = %d, want 1", code)
	}
}
