package metrics

import "testing"

func TestRegisterComponent(t *testing.T) {
	healthChecker = &HealthChecker{components: make(map[string]ComponentHealth)}

	RegisterComponent("test-component", true, "running")

	if len(healthChecker.components) != 1 {
		t.Errorf("expected 1 component, got %d", len(healthChecker.components))
	}

	comp := healthChecker.components["test-component"]
	if !comp.Healthy {
		t.Error("component should be healthy")
	}
	if comp.Message != "running" {
		t.Errorf("expected message 'running', got '%s'", comp.Message)
	}
}

func TestRegisterComponentOverwritesPreviousReport(t *testing.T) {
	healthChecker = &HealthChecker{components: make(map[string]ComponentHealth)}

	RegisterComponent("backend", true, "attached")
	RegisterComponent("backend", false, "simulated backend failure")

	if len(healthChecker.components) != 1 {
		t.Fatalf("expected 1 component, got %d", len(healthChecker.components))
	}

	comp := healthChecker.components["backend"]
	if comp.Healthy {
		t.Error("component should be unhealthy after the second report")
	}
	if comp.Message != "simulated backend failure" {
		t.Errorf("expected latest message to win, got %q", comp.Message)
	}
}
