// Package mcp implements the MCP tool-orchestration loop: approval gating,
// policy evaluation, rate limiting, connection pooling, and the bounded
// tool-call loop that drives a model through repeated tool invocations
// (SPEC_FULL.md §4.10).
package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smg/model-gateway/internal/gwerrors"
)

// DefaultApprovalTimeout bounds how long a pending interactive approval is
// kept before lazy eviction reclaims it.
const DefaultApprovalTimeout = 5 * time.Minute

// ApprovalMode selects whether tool approval is decided by policy alone or
// deferred to an interactive round-trip with the caller.
type ApprovalMode int

const (
	ApprovalPolicyOnly ApprovalMode = iota
	ApprovalInteractive
)

// ApprovalKey identifies one pending approval: a request, the MCP server
// that owns the tool, and the elicitation round this approval belongs to.
type ApprovalKey struct {
	RequestID     string
	ServerKey     string
	ElicitationID string
}

func (k ApprovalKey) String() string {
	return k.RequestID + ":" + k.ServerKey + ":" + k.ElicitationID
}

// Decision is the outcome of an approval: approved, or denied with a reason.
type Decision struct {
	Approved bool
	Reason   string
}

func Approved() Decision          { return Decision{Approved: true} }
func Denied(reason string) Decision { return Decision{Approved: false, Reason: reason} }

// ApprovalRequest is the shape surfaced to a caller in interactive mode,
// matching the OpenAI MCP approval-request format.
type ApprovalRequest struct {
	ServerKey     string `json:"server_key"`
	ToolName      string `json:"tool_name"`
	Message       string `json:"message"`
	ElicitationID string `json:"elicitation_id"`
}

// ApprovalResponse is what a caller sends back to resolve a pending
// interactive approval.
type ApprovalResponse struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

type pendingApproval struct {
	key       ApprovalKey
	toolName  string
	hints     ToolAnnotations
	message   string
	createdAt time.Time
	responseC chan Decision
}

// Outcome is either an already-decided policy verdict, or a pending
// approval the caller must resolve out of band via Resolve.
type Outcome struct {
	Decided *PolicyDecision
	Pending *PendingOutcome
}

type PendingOutcome struct {
	Key     ApprovalKey
	Request ApprovalRequest
	Wait    <-chan Decision
}

// ApprovalParams bundles the inputs to HandleApproval.
type ApprovalParams struct {
	RequestID     string
	ServerKey     string
	ElicitationID string
	ToolName      string
	Hints         ToolAnnotations
	Message       string
	TenantID      string
}

// ApprovalManager coordinates interactive and policy-only approval flows for
// MCP tool execution, grounded on the same request/response/elicitation-key
// shape as the dual-mode approval system this module learned from.
type ApprovalManager struct {
	policy  *PolicyEngine
	audit   *AuditLog
	timeout time.Duration

	mu      sync.Mutex
	pending map[ApprovalKey]*pendingApproval
}

func NewApprovalManager(policy *PolicyEngine, audit *AuditLog) *ApprovalManager {
	return &ApprovalManager{
		policy:  policy,
		audit:   audit,
		timeout: DefaultApprovalTimeout,
		pending: make(map[ApprovalKey]*pendingApproval),
	}
}

func (m *ApprovalManager) WithTimeout(d time.Duration) *ApprovalManager {
	m.timeout = d
	return m
}

// Policy exposes the manager's policy engine so callers can register
// server/tool policies discovered after construction (e.g. when a server
// connects and declares its trust level).
func (m *ApprovalManager) Policy() *PolicyEngine { return m.policy }

// HandleApproval evicts expired pending approvals, then either evaluates the
// policy engine directly (policy-only mode) or registers a pending approval
// the caller must resolve (interactive mode).
func (m *ApprovalManager) HandleApproval(mode ApprovalMode, p ApprovalParams) (Outcome, error) {
	m.evictExpired()

	if mode == ApprovalPolicyOnly {
		decision := m.policy.Evaluate(p.ServerKey, p.ToolName, p.Hints, p.TenantID, p.RequestID)
		return Outcome{Decided: &decision}, nil
	}
	return m.requestInteractive(p)
}

func (m *ApprovalManager) requestInteractive(p ApprovalParams) (Outcome, error) {
	key := ApprovalKey{RequestID: p.RequestID, ServerKey: p.ServerKey, ElicitationID: p.ElicitationID}

	m.mu.Lock()
	if _, exists := m.pending[key]; exists {
		m.mu.Unlock()
		return Outcome{}, gwerrors.New(gwerrors.FailedPrecondition, "approval_already_pending", "an approval for this elicitation is already pending: "+key.String())
	}

	respC := make(chan Decision, 1)
	pa := &pendingApproval{
		key:       key,
		toolName:  p.ToolName,
		hints:     p.Hints,
		message:   p.Message,
		createdAt: time.Now(),
		responseC: respC,
	}
	m.pending[key] = pa
	m.mu.Unlock()

	m.audit.RecordDecision(QualifiedToolName(p.ServerKey, p.ToolName), p.TenantID, p.RequestID, DecisionResult{Status: DecisionPending}, SourceUserInteractive)

	req := ApprovalRequest{
		ServerKey:     p.ServerKey,
		ToolName:      p.ToolName,
		Message:       p.Message,
		ElicitationID: p.ElicitationID,
	}
	return Outcome{Pending: &PendingOutcome{Key: key, Request: req, Wait: respC}}, nil
}

// Resolve answers a pending interactive approval, waking the waiting
// goroutine that called HandleApproval with its Wait channel.
func (m *ApprovalManager) Resolve(requestID, serverKey, elicitationID string, approved bool, reason, tenantID string) error {
	key := ApprovalKey{RequestID: requestID, ServerKey: serverKey, ElicitationID: elicitationID}

	m.mu.Lock()
	pa, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if !ok {
		return gwerrors.New(gwerrors.NotFound, "approval_not_found", "no pending approval for "+key.String())
	}

	var decision Decision
	if approved {
		decision = Approved()
	} else {
		if reason == "" {
			reason = "user denied"
		}
		decision = Denied(reason)
	}

	result := DecisionResult{Status: DecisionApproved}
	if !approved {
		result = DecisionResult{Status: DecisionDenied, Reason: decision.Reason}
	}
	m.audit.RecordDecision(QualifiedToolName(serverKey, pa.toolName), tenantID, requestID, result, SourceUserInteractive)

	select {
	case pa.responseC <- decision:
	default:
	}
	close(pa.responseC)
	return nil
}

func (m *ApprovalManager) HasPending(key ApprovalKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[key]
	return ok
}

func (m *ApprovalManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// EvictExpired is evictExpired exposed for the background janitor
// (internal/mcp/janitor.go) to call on a timer, in addition to the lazy
// eviction every HandleApproval call already performs.
func (m *ApprovalManager) EvictExpired() { m.evictExpired() }

func (m *ApprovalManager) evictExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, pa := range m.pending {
		if now.Sub(pa.createdAt) >= m.timeout {
			delete(m.pending, k)
			close(pa.responseC)
		}
	}
}

// CancelAllPending denies every pending approval, for graceful shutdown.
func (m *ApprovalManager) CancelAllPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, pa := range m.pending {
		select {
		case pa.responseC <- Denied("system shutdown"):
		default:
		}
		close(pa.responseC)
		delete(m.pending, k)
	}
}

// NewElicitationID mints an opaque ID for one approval round.
func NewElicitationID() string { return uuid.NewString() }
