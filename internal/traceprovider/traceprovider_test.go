package traceprovider_test

import (
	"testing"

	"github.com/proctail/agent/internal/traceprovider"
)

func TestProviderNameTokensAreStable(t *testing.T) {
	// These tokens are part of the classification contract consumed by
	// internal/processor; changing them is a breaking change.
	if traceprovider.FileIOProvider != "Microsoft-Windows-Kernel-FileIO" {
		t.Fatalf("FileIOProvider changed: %q", traceprovider.FileIOProvider)
	}
	if traceprovider.ProcessProvider != "Microsoft-Windows-Kernel-Process" {
		t.Fatalf("ProcessProvider changed: %q", traceprovider.ProcessProvider)
	}
}

func TestEventNameTokens(t *testing.T) {
	cases := map[string]string{
		traceprovider.EventProcessExec: "Process/Start",
		traceprovider.EventProcessExit: "Process/End",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("event token mismatch: got %q, want %q", got, want)
		}
	}
}
