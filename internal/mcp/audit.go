package mcp

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DecisionStatus is the terminal (or pending) state of one approval
// decision.
type DecisionStatus int

const (
	DecisionPending DecisionStatus = iota
	DecisionApproved
	DecisionDenied
)

type DecisionResult struct {
	Status DecisionStatus
	Reason string
}

// DecisionSource names which layer of the approval/policy stack produced a
// decision, recorded so an operator can tell a rule match from an explicit
// tool override after the fact.
type DecisionSource int

const (
	SourceExplicitToolPolicy DecisionSource = iota
	SourceServerPolicy
	SourceRuleMatch
	SourceAnnotationDefault
	SourceUserInteractive
)

func (s DecisionSource) String() string {
	switch s {
	case SourceExplicitToolPolicy:
		return "explicit_tool_policy"
	case SourceServerPolicy:
		return "server_policy"
	case SourceRuleMatch:
		return "rule_match"
	case SourceAnnotationDefault:
		return "annotation_default"
	case SourceUserInteractive:
		return "user_interactive"
	default:
		return "unknown"
	}
}

// AuditEntry is one recorded approval/policy decision.
type AuditEntry struct {
	Tool      Qualified
	TenantID  string
	RequestID string
	Result    DecisionResult
	Source    DecisionSource
	At        time.Time
}

// AuditLog keeps a bounded in-memory ring of recent tool-approval decisions
// and emits a structured log line for each, so every allow/deny is
// traceable both live (logs) and retroactively (recent-entries query)
// without standing up a separate store for it.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	cap     int
	clock   func() time.Time
}

const defaultAuditCapacity = 2048

func NewAuditLog() *AuditLog {
	return &AuditLog{cap: defaultAuditCapacity, clock: time.Now}
}

func (a *AuditLog) RecordDecision(tool Qualified, tenantID, requestID string, result DecisionResult, source DecisionSource) {
	entry := AuditEntry{
		Tool:      tool,
		TenantID:  tenantID,
		RequestID: requestID,
		Result:    result,
		Source:    source,
		At:        a.clock(),
	}

	a.mu.Lock()
	a.entries = append(a.entries, entry)
	if len(a.entries) > a.cap {
		a.entries = a.entries[len(a.entries)-a.cap:]
	}
	a.mu.Unlock()

	ev := log.Info()
	if result.Status == DecisionDenied {
		ev = log.Warn()
	}
	ev.Str("tool", tool.String()).
		Str("tenant_id", tenantID).
		Str("request_id", requestID).
		Str("source", source.String()).
		Str("reason", result.Reason).
		Msg("mcp tool approval decision")
}

// Recent returns up to n of the most recently recorded entries, newest
// last.
func (a *AuditLog) Recent(n int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.entries) {
		n = len(a.entries)
	}
	out := make([]AuditEntry, n)
	copy(out, a.entries[len(a.entries)-n:])
	return out
}
