package telemetry_test

import (
	"context"
	"testing"

	"github.com/flitsinc/go-observation/internal/telemetry"
)

func TestSetup_NoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Options{ServiceName: "test-service", Enabled: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetup_NoopWhenDisabled(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Options{
		ServiceName: "test-service",
		Endpoint:    "http://localhost:4318",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not error: %v", err)
	}
}

func TestSetup_CreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address: nothing is exported.
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Options{
		ServiceName: "test-service",
		NodeID:      "node-a",
		Endpoint:    "http://192.0.2.1:4318",
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
