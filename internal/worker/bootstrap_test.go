package worker

import (
	"context"
	"os"
	"testing"
)

func TestResolveMasterPrefersExplicitFlag(t *testing.T) {
	t.Setenv(masterURLEnvVar, "http://from-env")
	got, err := ResolveMaster(context.Background(), "http://from-flag")
	if err != nil {
		t.Fatalf("ResolveMaster failed: %v", err)
	}
	if got != "http://from-flag" {
		t.Fatalf("expected flag value to win, got %q", got)
	}
}

func TestResolveMasterFallsBackToEnv(t *testing.T) {
	t.Setenv(masterURLEnvVar, "http://from-env")
	got, err := ResolveMaster(context.Background(), "")
	if err != nil {
		t.Fatalf("ResolveMaster failed: %v", err)
	}
	if got != "http://from-env" {
		t.Fatalf("expected env value, got %q", got)
	}
}

func TestResolveMasterFailsWhenNothingResolves(t *testing.T) {
	_ = os.Unsetenv(masterURLEnvVar)
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	// An already-expired context makes the mDNS lookup fail immediately
	// instead of actually waiting on the network.
	_, err := ResolveMaster(ctx, "")
	if err != ErrNoMaster {
		t.Fatalf("expected ErrNoMaster, got %v", err)
	}
}
