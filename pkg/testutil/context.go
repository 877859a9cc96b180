package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/microsoft/dcpterm/pkg/osutil"
)

// Set to a duration (e.g. "30m") to make test contexts outlive a debugger session.
const DCPTERM_TEST_CONTEXT_TIMEOUT = "DCPTERM_TEST_CONTEXT_TIMEOUT"

// GetTestContext returns a context that expires after testTimeout, or at the test deadline,
// whichever comes first. Zero testTimeout means "test deadline only".
func GetTestContext(t *testing.T, testTimeout time.Duration) (context.Context, context.CancelFunc) {
	if override := osutil.EnvVarDurationValWithDefault(DCPTERM_TEST_CONTEXT_TIMEOUT, 0); override > 0 {
		return context.WithTimeout(context.Background(), override)
	}

	deadline, haveDeadline := t.Deadline()

	switch {
	case !haveDeadline && testTimeout == 0:
		return context.WithCancel(context.Background())

	case haveDeadline && testTimeout == 0:
		return context.WithDeadline(context.Background(), deadline)

	case !haveDeadline && testTimeout != 0:
		return context.WithTimeout(context.Background(), testTimeout)

	default:
		testDeadline := time.Now().Add(testTimeout)
		// Take shorter of the two deadlines
		if testDeadline.Before(deadline) {
			return context.WithDeadline(context.Background(), testDeadline)
		} else {
			return context.WithDeadline(context.Background(), deadline)
		}
	}
}
