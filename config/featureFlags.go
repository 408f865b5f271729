package config

import (
	"os"
	"strings"
)

// JourneyReconcilerEnabled controls the in-process background reconciler loop.
//
// Set via env:
// - JOURNEY_RECONCILER_ENABLED=false to disable (e.g. when Cloud Scheduler triggers
//   the scan over HTTP instead).
//
// Default: enabled, so stale journeys are cleaned up even without external scheduling.
func JourneyReconcilerEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("JOURNEY_RECONCILER_ENABLED")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// StrictLedgerReads switches LatestVerifiedMileage from fail-open (return 0 on
// storage error) to fail-closed (propagate the error to operator-facing writes).
//
// Set via env:
// - STRICT_LEDGER_READS=true
func StrictLedgerReads() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_LEDGER_READS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
