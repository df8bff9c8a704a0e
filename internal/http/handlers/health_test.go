package handlers

import (
	"context"
	"testing"
)

func TestHealthHandler_GetHealth(t *testing.T) {
	handler := NewHealthHandler("1.0.0")

	output, err := handler.GetHealth(context.Background(), &HealthInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if output == nil {
		t.Fatal("expected non-nil output")
	}

	if output.Body.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", output.Body.Status)
	}
	if output.Body.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got '%s'", output.Body.Version)
	}
	if output.Body.CPUInfo.Cores < 1 {
		t.Errorf("expected at least one CPU core, got %d", output.Body.CPUInfo.Cores)
	}
	if output.Body.Compositions != nil {
		t.Error("expected no composition stats without a composer")
	}
}
