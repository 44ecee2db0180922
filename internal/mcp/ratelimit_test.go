package mcp_test

import (
	"strings"
	"testing"

	"github.com/smg/model-gateway/internal/mcp"
)

func TestRateLimiterEnforcesConcurrencyCap(t *testing.T) {
	limiter := mcp.NewRateLimiter(mcp.RateLimits{MaxCallsPerMinute: 1000, MaxCallsPerHour: 10000, MaxConcurrent: 1})
	tool := mcp.QualifiedToolName("srv", "tool")

	release1, err := limiter.Acquire("tenant-a", tool, nil)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	if _, err := limiter.Acquire("tenant-a", tool, nil); err == nil {
		t.Fatal("second concurrent Acquire() should fail while the first slot is held")
	}
	release1()
	if _, err := limiter.Acquire("tenant-a", tool, nil); err != nil {
		t.Fatalf("Acquire() after release should succeed, got %v", err)
	}
}

func TestRateLimiterPerMinuteCap(t *testing.T) {
	limiter := mcp.NewRateLimiter(mcp.RateLimits{MaxCallsPerMinute: 1, MaxCallsPerHour: 1000, MaxConcurrent: 1000})
	tool := mcp.QualifiedToolName("srv", "tool")

	if _, err := limiter.Acquire("tenant-a", tool, nil); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	if _, err := limiter.Acquire("tenant-a", tool, nil); err == nil {
		t.Fatal("second immediate Acquire() should exceed the per-minute cap")
	}
}

// TestRateLimiterBreachMessageNamesTenantAndWindow pins down §8 concrete
// scenario 5: "Two calls within 1 s → first succeeds, second returns error
// RateLimitExceeded with message containing tenant ID and 'minute limit
// reached (1)'."
func TestRateLimiterBreachMessageNamesTenantAndWindow(t *testing.T) {
	limiter := mcp.NewRateLimiter(mcp.RateLimits{MaxCallsPerMinute: 1, MaxCallsPerHour: 1000, MaxConcurrent: 1000})
	tool := mcp.QualifiedToolName("srv", "tool")

	if _, err := limiter.Acquire("tenant-acme", tool, nil); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	_, err := limiter.Acquire("tenant-acme", tool, nil)
	if err == nil {
		t.Fatal("second immediate Acquire() should exceed the per-minute cap")
	}
	if !strings.Contains(err.Error(), "tenant-acme") {
		t.Fatalf("error %q should name the tenant ID", err.Error())
	}
	if !strings.Contains(err.Error(), "minute limit reached (1)") {
		t.Fatalf("error %q should contain %q", err.Error(), "minute limit reached (1)")
	}
}

func TestRateLimiterIsolatesTenants(t *testing.T) {
	limiter := mcp.NewRateLimiter(mcp.RateLimits{MaxCallsPerMinute: 1, MaxCallsPerHour: 1000, MaxConcurrent: 1000})
	tool := mcp.QualifiedToolName("srv", "tool")

	if _, err := limiter.Acquire("tenant-a", tool, nil); err != nil {
		t.Fatalf("tenant-a Acquire() error = %v", err)
	}
	if _, err := limiter.Acquire("tenant-b", tool, nil); err != nil {
		t.Fatalf("tenant-b should have its own independent limit, got %v", err)
	}
}
