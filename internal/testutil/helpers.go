// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the FLYWALL_VM_TEST environment variable is not set.
// This ensures that tests requiring real kernel capabilities (nftables, interfaces)
// are only run in the proper environment.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("FLYWALL_VM_TEST") == "" {
		t.Skip("Skipping test: requires FLYWALL_VM_TEST environment")
	}
}

// RequireRealCapture skips the test if the APPIDCORE_CAPTURE_TEST
// environment variable is not set. The eBPF ring-buffer, NFQUEUE and raw
// AF_PACKET capture adapters all need root and a live interface/queue;
// their happy paths only run where that environment is available.
func RequireRealCapture(t *testing.T) {
	t.Helper()
	if os.Getenv("APPIDCORE_CAPTURE_TEST") == "" {
		t.Skip("Skipping test: requires APPIDCORE_CAPTURE_TEST environment (root + live interface/queue)")
	}
}
