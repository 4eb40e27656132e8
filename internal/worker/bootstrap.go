package worker

import (
	"context"
	"os"
	"strings"
	"time"

	"ffarm/internal/discovery"
)

const masterURLEnvVar = "FFARM_MASTER_URL"

// discoveryTimeout bounds how long ResolveMaster waits on mDNS before
// giving up, so the worker never hangs indefinitely at startup.
const discoveryTimeout = 10 * time.Second

// ResolveMaster determines the master's base URL in priority order: an
// explicit flag value, then FFARM_MASTER_URL, then a bounded mDNS lookup.
func ResolveMaster(ctx context.Context, flagValue string) (string, error) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(os.Getenv(masterURLEnvVar)); v != "" {
		return v, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	url, err := discovery.FindMaster(lookupCtx)
	if err != nil {
		return "", ErrNoMaster
	}
	return url, nil
}
