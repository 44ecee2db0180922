package mcp_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/smg/model-gateway/internal/mcp"
)

type noopTransport struct{ closed bool }

func (t *noopTransport) Initialize(context.Context) error { return nil }
func (t *noopTransport) ListTools(context.Context) ([]mcp.ToolDescriptor, error) { return nil, nil }
func (t *noopTransport) CallTool(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}
func (t *noopTransport) Close() error { t.closed = true; return nil }

func TestConnectionPoolEvictsLeastRecentlyUsed(t *testing.T) {
	var evictedKeys []mcp.PoolKey
	pool := mcp.NewConnectionPool(2)
	pool.OnEvict(func(k mcp.PoolKey, tr mcp.Transport) { evictedKeys = append(evictedKeys, k) })

	k1 := mcp.PoolKey{URL: "http://a"}
	k2 := mcp.PoolKey{URL: "http://b"}
	k3 := mcp.PoolKey{URL: "http://c"}

	pool.Put(&mcp.Conn{Key: k1, Transport: &noopTransport{}})
	pool.Put(&mcp.Conn{Key: k2, Transport: &noopTransport{}})
	// touch k1 so k2 becomes the LRU entry
	if _, ok := pool.Get(k1); !ok {
		t.Fatal("k1 should be present")
	}
	pool.Put(&mcp.Conn{Key: k3, Transport: &noopTransport{}})

	if len(evictedKeys) != 1 || evictedKeys[0] != k2 {
		t.Fatalf("evicted = %v, want [k2]", evictedKeys)
	}
	if pool.Len() != 2 {
		t.Fatalf("pool.Len() = %d, want 2", pool.Len())
	}
	if _, ok := pool.Get(k2); ok {
		t.Fatal("k2 should have been evicted")
	}
}

func TestConnectionPoolReapsIdleEntries(t *testing.T) {
	var evicted []mcp.PoolKey
	pool := mcp.NewConnectionPool(10)
	pool.OnEvict(func(k mcp.PoolKey, tr mcp.Transport) { evicted = append(evicted, k) })

	k1 := mcp.PoolKey{URL: "http://idle"}
	pool.Put(&mcp.Conn{Key: k1, Transport: &noopTransport{}})
	time.Sleep(5 * time.Millisecond)

	if n := pool.ReapIdle(time.Hour); n != 0 {
		t.Fatalf("reaped %d entries, want 0 for a long idle timeout", n)
	}
	if n := pool.ReapIdle(time.Millisecond); n != 1 {
		t.Fatalf("reaped %d entries, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != k1 {
		t.Fatalf("evicted = %v, want [k1]", evicted)
	}
	if pool.Len() != 0 {
		t.Fatalf("pool.Len() = %d, want 0", pool.Len())
	}
}

func TestHashAuthDistinguishesCredentials(t *testing.T) {
	if mcp.HashAuth("", nil) != 0 {
		t.Fatal("no credentials should hash to 0")
	}
	h1 := mcp.HashAuth("token-a", map[string]string{"X-Org": "1"})
	h2 := mcp.HashAuth("token-b", map[string]string{"X-Org": "1"})
	if h1 == h2 {
		t.Fatal("distinct tokens should hash differently")
	}
	h3 := mcp.HashAuth("token-a", map[string]string{"X-Org": "1"})
	if h1 != h3 {
		t.Fatal("identical inputs should hash identically")
	}
}
