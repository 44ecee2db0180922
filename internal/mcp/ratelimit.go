package mcp

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/smg/model-gateway/internal/gwerrors"
)

// RateLimits bounds tool-call throughput and concurrency for a tenant or a
// single tool.
type RateLimits struct {
	MaxCallsPerMinute int
	MaxCallsPerHour   int
	MaxConcurrent     int
}

// DefaultRateLimits mirrors the conservative defaults a freshly configured
// tenant gets before an operator tunes them.
func DefaultRateLimits() RateLimits {
	return RateLimits{MaxCallsPerMinute: 60, MaxCallsPerHour: 1000, MaxConcurrent: 10}
}

type tenantLimiter struct {
	perMinute *rate.Limiter
	perHour   *rate.Limiter
	sem       chan struct{}
}

// newTenantLimiter sizes each window's burst to its own cap (not shared
// across windows), so a tenant configured with MaxCallsPerMinute=1 is
// refused on its second call within the same minute regardless of its
// hourly allowance (SPEC_FULL.md §4.10/§12: two independent windows).
func newTenantLimiter(limits RateLimits) *tenantLimiter {
	tl := &tenantLimiter{}
	if limits.MaxCallsPerMinute > 0 {
		tl.perMinute = rate.NewLimiter(rate.Limit(float64(limits.MaxCallsPerMinute)/60.0), limits.MaxCallsPerMinute)
	}
	if limits.MaxCallsPerHour > 0 {
		tl.perHour = rate.NewLimiter(rate.Limit(float64(limits.MaxCallsPerHour)/3600.0), limits.MaxCallsPerHour)
	}
	if limits.MaxConcurrent > 0 {
		tl.sem = make(chan struct{}, limits.MaxConcurrent)
	}
	return tl
}

// RateLimiter enforces per-tenant and per-tool call-rate and concurrency
// limits for MCP tool execution (SPEC_FULL.md §11 DOMAIN STACK: rate
// limiting via golang.org/x/time/rate token buckets sized to approximate
// the spec's 60s/3600s sliding windows).
type RateLimiter struct {
	mu       sync.Mutex
	tenants  map[string]*tenantLimiter
	tools    map[toolLimiterKey]*tenantLimiter
	defaults RateLimits
}

// toolLimiterKey scopes a per-tool window to one tenant.
type toolLimiterKey struct {
	tenantID string
	tool     Qualified
}

func NewRateLimiter(defaults RateLimits) *RateLimiter {
	return &RateLimiter{
		tenants:  make(map[string]*tenantLimiter),
		tools:    make(map[toolLimiterKey]*tenantLimiter),
		defaults: defaults,
	}
}

// Release is returned by Acquire to release the concurrency slot once the
// tool call completes.
type Release func()

// Acquire checks tenant-wide and tool-specific limits (tenant limits take
// priority per SPEC_FULL.md's rate-limit precedence) and reserves a
// concurrency slot, returning a Release the caller must invoke when the
// call finishes. Breach messages name the tenant and the exact window that
// tripped (§8 concrete scenario 5: "minute limit reached (1)").
func (r *RateLimiter) Acquire(tenantID string, tool Qualified, overrides *RateLimits) (Release, error) {
	limits := r.defaults
	if overrides != nil {
		limits = *overrides
	}

	tl := r.tenantLimiterFor(tenantID, limits)
	if tl.perMinute != nil && !tl.perMinute.Allow() {
		return nil, gwerrors.New(gwerrors.RateLimitExceeded, "tenant_rate_limited",
			fmt.Sprintf("tenant %s minute limit reached (%d)", tenantID, limits.MaxCallsPerMinute))
	}
	if tl.perHour != nil && !tl.perHour.Allow() {
		return nil, gwerrors.New(gwerrors.RateLimitExceeded, "tenant_rate_limited",
			fmt.Sprintf("tenant %s hour limit reached (%d)", tenantID, limits.MaxCallsPerHour))
	}

	toolLim := r.toolLimiterFor(tenantID, tool, limits)
	if toolLim.perMinute != nil && !toolLim.perMinute.Allow() {
		return nil, gwerrors.New(gwerrors.RateLimitExceeded, "tool_rate_limited",
			fmt.Sprintf("tool %s minute limit reached (%d)", tool.String(), limits.MaxCallsPerMinute))
	}

	var release Release = func() {}
	if tl.sem != nil {
		select {
		case tl.sem <- struct{}{}:
			prior := release
			release = func() { <-tl.sem; prior() }
		default:
			return nil, gwerrors.New(gwerrors.RateLimitExceeded, "tenant_concurrency_limited",
				fmt.Sprintf("tenant %s has no free concurrent tool-call slots", tenantID))
		}
	}
	return release, nil
}

func (r *RateLimiter) tenantLimiterFor(tenantID string, limits RateLimits) *tenantLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, ok := r.tenants[tenantID]
	if !ok {
		tl = newTenantLimiter(limits)
		r.tenants[tenantID] = tl
	}
	return tl
}

func (r *RateLimiter) toolLimiterFor(tenantID string, tool Qualified, limits RateLimits) *tenantLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := toolLimiterKey{tenantID: tenantID, tool: tool}
	tl, ok := r.tools[key]
	if !ok {
		tl = newTenantLimiter(limits)
		r.tools[key] = tl
	}
	return tl
}
