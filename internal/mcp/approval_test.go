package mcp_test

import (
	"testing"
	"time"

	"github.com/smg/model-gateway/internal/mcp"
)

func TestHandleApprovalPolicyOnlyAllowsReadOnly(t *testing.T) {
	audit := mcp.NewAuditLog()
	policy := mcp.DefaultPolicyEngine(audit)
	manager := mcp.NewApprovalManager(policy, audit)

	outcome, err := manager.HandleApproval(mcp.ApprovalPolicyOnly, mcp.ApprovalParams{
		RequestID:     "req-1",
		ServerKey:     "srv",
		ElicitationID: "elicit-1",
		ToolName:      "read_file",
		Hints:         mcp.ToolAnnotations{ReadOnly: true},
		TenantID:      "tenant-a",
	})
	if err != nil {
		t.Fatalf("HandleApproval() error = %v", err)
	}
	if outcome.Decided == nil || !outcome.Decided.IsAllowed() {
		t.Fatalf("outcome = %+v, want a decided allow", outcome)
	}
}

func TestHandleApprovalInteractivePendsAndResolves(t *testing.T) {
	audit := mcp.NewAuditLog()
	policy := mcp.DefaultPolicyEngine(audit)
	manager := mcp.NewApprovalManager(policy, audit)

	outcome, err := manager.HandleApproval(mcp.ApprovalInteractive, mcp.ApprovalParams{
		RequestID:     "req-1",
		ServerKey:     "srv",
		ElicitationID: "elicit-1",
		ToolName:      "delete_file",
		Hints:         mcp.ToolAnnotations{Destructive: true},
		TenantID:      "tenant-a",
	})
	if err != nil {
		t.Fatalf("HandleApproval() error = %v", err)
	}
	if outcome.Pending == nil {
		t.Fatal("expected a pending outcome in interactive mode")
	}
	if !manager.HasPending(outcome.Pending.Key) {
		t.Fatal("approval should be tracked as pending")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		if err := manager.Resolve("req-1", "srv", "elicit-1", true, "", "tenant-a"); err != nil {
			t.Errorf("Resolve() error = %v", err)
		}
	}()

	decision := <-outcome.Pending.Wait
	if !decision.Approved {
		t.Fatalf("decision = %+v, want approved", decision)
	}
	if manager.HasPending(outcome.Pending.Key) {
		t.Fatal("approval should no longer be pending after resolve")
	}
}

func TestHandleApprovalRejectsDuplicatePending(t *testing.T) {
	audit := mcp.NewAuditLog()
	policy := mcp.DefaultPolicyEngine(audit)
	manager := mcp.NewApprovalManager(policy, audit)

	params := mcp.ApprovalParams{RequestID: "req-1", ServerKey: "srv", ElicitationID: "e1", ToolName: "t"}
	if _, err := manager.HandleApproval(mcp.ApprovalInteractive, params); err != nil {
		t.Fatalf("first HandleApproval() error = %v", err)
	}
	if _, err := manager.HandleApproval(mcp.ApprovalInteractive, params); err == nil {
		t.Fatal("expected an error registering a duplicate pending approval")
	}
}

func TestResolveUnknownKeyFails(t *testing.T) {
	audit := mcp.NewAuditLog()
	manager := mcp.NewApprovalManager(mcp.DefaultPolicyEngine(audit), audit)
	if err := manager.Resolve("nope", "srv", "e1", true, "", "tenant-a"); err == nil {
		t.Fatal("expected an error resolving an unknown approval")
	}
}

func TestCancelAllPendingDeniesEveryone(t *testing.T) {
	audit := mcp.NewAuditLog()
	manager := mcp.NewApprovalManager(mcp.DefaultPolicyEngine(audit), audit)

	outcome, err := manager.HandleApproval(mcp.ApprovalInteractive, mcp.ApprovalParams{
		RequestID: "req-1", ServerKey: "srv", ElicitationID: "e1", ToolName: "t",
	})
	if err != nil {
		t.Fatalf("HandleApproval() error = %v", err)
	}
	manager.CancelAllPending()
	decision := <-outcome.Pending.Wait
	if decision.Approved {
		t.Fatal("expected a denial on shutdown cancellation")
	}
}
