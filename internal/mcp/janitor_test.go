package mcp_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/smg/model-gateway/internal/mcp"
)

func TestJanitorEvictsExpiredApprovalsAndIdleConnections(t *testing.T) {
	audit := mcp.NewAuditLog()
	policy := mcp.DefaultPolicyEngine(audit)
	approval := mcp.NewApprovalManager(policy, audit).WithTimeout(time.Millisecond)
	pool := mcp.NewConnectionPool(10)

	outcome, err := approval.HandleApproval(mcp.ApprovalInteractive, mcp.ApprovalParams{
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

	pool.Put(&mcp.Conn{Key: mcp.PoolKey{URL: "http://idle"}, Transport: &noopTransport{}})

	time.Sleep(5 * time.Millisecond)

	janitor := mcp.NewJanitor(approval, pool, zerolog.Nop()).
		WithInterval(2 * time.Millisecond).
		WithPoolIdleTimeout(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		janitor.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for approval.HasPending(outcome.Pending.Key) || pool.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("janitor did not sweep expired approval / idle connection in time")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done
}
