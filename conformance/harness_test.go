// Package conformance provides conformance tests for the HealthFund service.
package conformance

import (
	"testing"
)

// TestConformance runs the full conformance test suite.
func TestConformance(t *testing.T) {
	cfg := Config{
		UsePostgres:  false,
		UseNATS:      false,
		JWTIssuer:    "test-issuer",
		JWTAudience:  "test-audience",
		OwnerAddress: "0x00000000000000000000000000000000000000aa",
	}

	harness, err := NewHarness(cfg)
	if err != nil {
		t.Fatalf("failed to create harness: %v", err)
	}
	defer harness.Close()

	t.Run("Conformance", func(t *testing.T) {
		harness.RunConformanceTests(t)
	})

	t.Run("Acceptance", func(t *testing.T) {
		harness.RunAcceptanceTests(t)
	})
}
