package mcp

import (
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
)

// PolicyDecision is the outcome of evaluating a tool call against the
// policy engine: Allow, Deny, or Deny with an explanatory reason surfaced to
// the caller.
type PolicyDecision struct {
	Allow  bool
	Reason string
}

func Allow() PolicyDecision                    { return PolicyDecision{Allow: true} }
func Deny() PolicyDecision                     { return PolicyDecision{Allow: false, Reason: "policy denied"} }
func DenyWithReason(reason string) PolicyDecision { return PolicyDecision{Allow: false, Reason: reason} }

func (d PolicyDecision) IsAllowed() bool { return d.Allow }

// TrustLevel grades how much latitude an MCP server is given before its
// tool calls require explicit policy approval.
type TrustLevel int

const (
	TrustStandard TrustLevel = iota
	TrustTrusted
	TrustUntrusted
	TrustSandboxed
)

type ServerPolicy struct {
	Default    PolicyDecision
	TrustLevel TrustLevel
}

func DefaultServerPolicy() ServerPolicy {
	return ServerPolicy{Default: Allow(), TrustLevel: TrustStandard}
}

type ToolPolicy struct {
	Decision PolicyDecision
}

// RulePattern matches a rule against the server key, tool name, or their
// "server:tool" qualified form.
type RulePattern struct {
	kind string // "server", "tool", "qualified", "any"
	re   *regexp.Regexp
}

func ServerPattern(re *regexp.Regexp) RulePattern    { return RulePattern{kind: "server", re: re} }
func ToolPattern(re *regexp.Regexp) RulePattern       { return RulePattern{kind: "tool", re: re} }
func QualifiedPattern(re *regexp.Regexp) RulePattern  { return RulePattern{kind: "qualified", re: re} }
func AnyPattern() RulePattern                          { return RulePattern{kind: "any"} }

func (p RulePattern) matches(serverKey, toolName string) bool {
	switch p.kind {
	case "server":
		return p.re.MatchString(serverKey)
	case "tool":
		return p.re.MatchString(toolName)
	case "qualified":
		return p.re.MatchString(serverKey + ":" + toolName)
	default:
		return true
	}
}

// RuleCondition gates a rule beyond pattern matching. Expr holds an
// expr-lang boolean expression evaluated against the tool's annotation
// hints, letting operators compose conditions (e.g. "ReadOnly || !OpenWorld")
// without a Go redeploy, generalizing the original fixed
// HasAnnotation/LacksAnnotation pair.
type RuleCondition struct {
	kind string // "always", "has", "lacks", "expr"
	ann  AnnotationType
	expr string
}

func Always() RuleCondition                      { return RuleCondition{kind: "always"} }
func HasAnnotation(a AnnotationType) RuleCondition { return RuleCondition{kind: "has", ann: a} }
func LacksAnnotation(a AnnotationType) RuleCondition { return RuleCondition{kind: "lacks", ann: a} }
func ExprCondition(code string) RuleCondition      { return RuleCondition{kind: "expr", expr: code} }

func (c RuleCondition) evaluate(hints ToolAnnotations) (bool, error) {
	switch c.kind {
	case "always":
		return true, nil
	case "has":
		return c.ann.Matches(hints), nil
	case "lacks":
		return !c.ann.Matches(hints), nil
	case "expr":
		env := map[string]any{
			"ReadOnly":    hints.ReadOnly,
			"Destructive": hints.Destructive,
			"OpenWorld":   hints.OpenWorld,
			"Idempotent":  hints.Idempotent,
		}
		out, err := expr.Eval(c.expr, env)
		if err != nil {
			return false, fmt.Errorf("policy rule expression: %w", err)
		}
		b, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("policy rule expression %q did not evaluate to a bool", c.expr)
		}
		return b, nil
	default:
		return false, nil
	}
}

// Rule combines a pattern, a condition, and the decision to apply when both
// match, evaluated in registration order.
type Rule struct {
	Name      string
	Pattern   RulePattern
	Condition RuleCondition
	Decision  PolicyDecision
}

func (r Rule) evaluate(serverKey, toolName string, hints ToolAnnotations) (PolicyDecision, bool, error) {
	if !r.Pattern.matches(serverKey, toolName) {
		return PolicyDecision{}, false, nil
	}
	ok, err := r.Condition.evaluate(hints)
	if err != nil || !ok {
		return PolicyDecision{}, false, err
	}
	return r.Decision, true, nil
}

// PolicyEngine resolves approval decisions without user interaction. Lookup
// order: explicit tool policy, server policy (weighted by trust level),
// pattern rules in registration order, then an annotation-based default.
type PolicyEngine struct {
	defaultPolicy  PolicyDecision
	serverPolicies map[string]ServerPolicy
	toolPolicies   map[Qualified]ToolPolicy
	rules          []Rule
	audit          *AuditLog
}

func NewPolicyEngine(audit *AuditLog) *PolicyEngine {
	return &PolicyEngine{
		defaultPolicy:  Allow(),
		serverPolicies: make(map[string]ServerPolicy),
		toolPolicies:   make(map[Qualified]ToolPolicy),
		audit:          audit,
	}
}

func (e *PolicyEngine) WithDefaultPolicy(d PolicyDecision) *PolicyEngine {
	e.defaultPolicy = d
	return e
}

func (e *PolicyEngine) WithServerPolicy(serverKey string, p ServerPolicy) *PolicyEngine {
	e.serverPolicies[serverKey] = p
	return e
}

func (e *PolicyEngine) WithToolPolicy(q Qualified, p ToolPolicy) *PolicyEngine {
	e.toolPolicies[q] = p
	return e
}

func (e *PolicyEngine) WithRule(r Rule) *PolicyEngine {
	e.rules = append(e.rules, r)
	return e
}

// Evaluate decides whether a tool call is allowed, recording the decision
// and which layer produced it to the audit log.
func (e *PolicyEngine) Evaluate(serverKey, toolName string, hints ToolAnnotations, tenantID, requestID string) PolicyDecision {
	qualified := QualifiedToolName(serverKey, toolName)

	if tp, ok := e.toolPolicies[qualified]; ok {
		e.log(qualified, tenantID, requestID, tp.Decision, SourceExplicitToolPolicy)
		return tp.Decision
	}

	// Standard-trust servers always fall through to pattern rules (§4.10
	// step 2: "Standard → fall through") regardless of what ServerPolicy.Default
	// holds; Trusted, Sandboxed, and Untrusted all resolve immediately here,
	// same as Trusted, whether the trust-weighted decision is Allow or Deny —
	// a Sandboxed read-only Allow is as conclusive as a Trusted Allow and must
	// not fall through to a later pattern rule.
	if sp, ok := e.serverPolicies[serverKey]; ok && sp.TrustLevel != TrustStandard {
		decision := evaluateWithTrust(sp.TrustLevel, hints, sp.Default)
		e.log(qualified, tenantID, requestID, decision, SourceServerPolicy)
		return decision
	}

	for _, rule := range e.rules {
		decision, matched, err := rule.evaluate(serverKey, toolName, hints)
		if err != nil {
			// A malformed expr rule is treated as non-matching rather than
			// failing the whole evaluation; it still needs fixing, but a
			// tool call shouldn't wedge on an operator typo.
			continue
		}
		if matched {
			e.log(qualified, tenantID, requestID, decision, SourceRuleMatch)
			return decision
		}
	}

	decision := e.annotationBasedDecision(hints)
	e.log(qualified, tenantID, requestID, decision, SourceAnnotationDefault)
	return decision
}

func evaluateWithTrust(trust TrustLevel, hints ToolAnnotations, serverDefault PolicyDecision) PolicyDecision {
	switch trust {
	case TrustTrusted:
		return Allow()
	case TrustUntrusted:
		if hints.Destructive && !hints.ReadOnly {
			return DenyWithReason("untrusted server: destructive operation denied")
		}
		return serverDefault
	case TrustSandboxed:
		switch {
		case hints.OpenWorld:
			return DenyWithReason("sandboxed server: external access denied")
		case hints.ReadOnly:
			return Allow()
		default:
			return DenyWithReason("sandboxed server: write operations denied")
		}
	default: // TrustStandard
		return serverDefault
	}
}

func (e *PolicyEngine) annotationBasedDecision(hints ToolAnnotations) PolicyDecision {
	switch {
	case hints.ReadOnly:
		return Allow()
	case hints.Destructive:
		return DenyWithReason("destructive operation requires explicit policy")
	default:
		return e.defaultPolicy
	}
}

func (e *PolicyEngine) log(q Qualified, tenantID, requestID string, decision PolicyDecision, source DecisionSource) {
	result := DecisionResult{Status: DecisionApproved}
	if !decision.Allow {
		reason := decision.Reason
		if reason == "" {
			reason = "policy denied"
		}
		result = DecisionResult{Status: DecisionDenied, Reason: reason}
	}
	e.audit.RecordDecision(q, tenantID, requestID, result, source)
}

// DefaultPolicyEngine returns an engine matching the baseline policy: allow
// any tool annotated read-only, fall through to the annotation-based
// default otherwise.
func DefaultPolicyEngine(audit *AuditLog) *PolicyEngine {
	return NewPolicyEngine(audit).WithRule(Rule{
		Name:      "allow_read_only",
		Pattern:   AnyPattern(),
		Condition: HasAnnotation(AnnotationReadOnly),
		Decision:  Allow(),
	})
}
