package mcp_test

import (
	"regexp"
	"testing"

	"github.com/smg/model-gateway/internal/mcp"
)

func TestPolicyEngineExplicitToolPolicyWins(t *testing.T) {
	audit := mcp.NewAuditLog()
	engine := mcp.NewPolicyEngine(audit).
		WithServerPolicy("srv", mcp.ServerPolicy{Default: mcp.Allow(), TrustLevel: mcp.TrustTrusted}).
		WithToolPolicy(mcp.QualifiedToolName("srv", "danger"), mcp.ToolPolicy{Decision: mcp.DenyWithReason("blocked explicitly")})

	decision := engine.Evaluate("srv", "danger", mcp.ToolAnnotations{}, "tenant-a", "req-1")
	if decision.Allow {
		t.Fatalf("decision = %+v, want explicit tool policy to deny", decision)
	}
}

func TestPolicyEngineUntrustedDeniesDestructive(t *testing.T) {
	audit := mcp.NewAuditLog()
	engine := mcp.NewPolicyEngine(audit).
		WithServerPolicy("srv", mcp.ServerPolicy{Default: mcp.Allow(), TrustLevel: mcp.TrustUntrusted})

	decision := engine.Evaluate("srv", "delete_everything", mcp.ToolAnnotations{Destructive: true}, "tenant-a", "req-1")
	if decision.Allow {
		t.Fatal("untrusted server should deny a destructive tool")
	}
}

func TestPolicyEngineSandboxedAllowsReadOnly(t *testing.T) {
	audit := mcp.NewAuditLog()
	engine := mcp.NewPolicyEngine(audit).
		WithServerPolicy("srv", mcp.ServerPolicy{Default: mcp.Allow(), TrustLevel: mcp.TrustSandboxed})

	decision := engine.Evaluate("srv", "read_file", mcp.ToolAnnotations{ReadOnly: true}, "tenant-a", "req-1")
	if !decision.Allow {
		t.Fatalf("decision = %+v, want sandboxed read-only allowed", decision)
	}
}

// TestPolicyEngineStandardTrustAlwaysFallsThrough pins down §4.10 step 2:
// "Standard → fall through", regardless of what the server's own configured
// default decision says — a denying Default must not short-circuit pattern
// rules and the annotation-based default.
func TestPolicyEngineStandardTrustAlwaysFallsThrough(t *testing.T) {
	audit := mcp.NewAuditLog()
	engine := mcp.NewPolicyEngine(audit).
		WithServerPolicy("srv", mcp.ServerPolicy{Default: mcp.DenyWithReason("server-level default deny"), TrustLevel: mcp.TrustStandard}).
		WithRule(mcp.Rule{
			Name:      "allow-list-tools",
			Pattern:   mcp.ToolPattern(regexp.MustCompile(`^list_`)),
			Condition: mcp.Always(),
			Decision:  mcp.Allow(),
		})

	decision := engine.Evaluate("srv", "list_items", mcp.ToolAnnotations{}, "tenant-a", "req-1")
	if !decision.Allow {
		t.Fatal("Standard trust must fall through to pattern rules even when ServerPolicy.Default denies")
	}
}

// TestPolicyEngineSandboxedAllowResolvesImmediately pins down that a
// Sandboxed server's read-only Allow (§4.10 step 2) is as conclusive as a
// Trusted Allow: it must not fall through to a later pattern rule that would
// otherwise deny it, and the audit log must record the decision as having
// come from the server-policy step, not a rule match or the annotation
// default.
func TestPolicyEngineSandboxedAllowResolvesImmediately(t *testing.T) {
	audit := mcp.NewAuditLog()
	engine := mcp.NewPolicyEngine(audit).
		WithServerPolicy("srv", mcp.ServerPolicy{Default: mcp.Allow(), TrustLevel: mcp.TrustSandboxed}).
		WithRule(mcp.Rule{
			Name:      "deny-by-server",
			Pattern:   mcp.ServerPattern(regexp.MustCompile(`^srv$`)),
			Condition: mcp.Always(),
			Decision:  mcp.DenyWithReason("blanket compliance block"),
		})

	decision := engine.Evaluate("srv", "read_file", mcp.ToolAnnotations{ReadOnly: true}, "tenant-a", "req-1")
	if !decision.Allow {
		t.Fatalf("decision = %+v, want sandboxed read-only Allow to resolve before the denying pattern rule is reached", decision)
	}

	entries := audit.Recent(1)
	if len(entries) != 1 || entries[0].Source != mcp.SourceServerPolicy {
		t.Fatalf("audit source = %+v, want SourceServerPolicy", entries)
	}
}

func TestPolicyEngineRuleMatchByPattern(t *testing.T) {
	audit := mcp.NewAuditLog()
	engine := mcp.NewPolicyEngine(audit).WithRule(mcp.Rule{
		Name:      "deny-admin-tools",
		Pattern:   mcp.ToolPattern(regexp.MustCompile(`^admin_`)),
		Condition: mcp.Always(),
		Decision:  mcp.DenyWithReason("admin tools require manual review"),
	})

	decision := engine.Evaluate("srv", "admin_reset", mcp.ToolAnnotations{}, "tenant-a", "req-1")
	if decision.Allow {
		t.Fatal("rule matching admin_ prefix should deny")
	}
	decision = engine.Evaluate("srv", "list_items", mcp.ToolAnnotations{}, "tenant-a", "req-1")
	if !decision.Allow {
		t.Fatal("non-matching tool should fall through to default allow")
	}
}

func TestPolicyEngineExprCondition(t *testing.T) {
	audit := mcp.NewAuditLog()
	engine := mcp.NewPolicyEngine(audit).WithRule(mcp.Rule{
		Name:      "deny-open-world-writes",
		Pattern:   mcp.AnyPattern(),
		Condition: mcp.ExprCondition("OpenWorld && !ReadOnly"),
		Decision:  mcp.DenyWithReason("open-world write denied"),
	})

	decision := engine.Evaluate("srv", "post_tweet", mcp.ToolAnnotations{OpenWorld: true}, "tenant-a", "req-1")
	if decision.Allow {
		t.Fatal("expr rule should deny an open-world, non-read-only tool")
	}
	decision = engine.Evaluate("srv", "search_web", mcp.ToolAnnotations{OpenWorld: true, ReadOnly: true}, "tenant-a", "req-1")
	if !decision.Allow {
		t.Fatal("expr rule should not match a read-only open-world tool")
	}
}

func TestDefaultPolicyEngineAllowsReadOnlyByAnnotation(t *testing.T) {
	audit := mcp.NewAuditLog()
	engine := mcp.DefaultPolicyEngine(audit)
	decision := engine.Evaluate("srv", "list_files", mcp.ToolAnnotations{ReadOnly: true}, "tenant-a", "req-1")
	if !decision.Allow {
		t.Fatal("default policy engine should allow read-only tools")
	}
}
