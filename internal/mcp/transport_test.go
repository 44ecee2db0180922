package mcp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smg/model-gateway/internal/mcp"
)

func TestHTTPTransportListToolsAndCallTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mcp.RPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "tools/list":
			json.NewEncoder(w).Encode(mcp.RPCResponse{
				Jsonrpc: "2.0",
				ID:      req.ID,
				Result:  json.RawMessage(`{"tools":[{"name":"get_weather","description":"d"}]}`),
			})
		case "tools/call":
			json.NewEncoder(w).Encode(mcp.RPCResponse{
				Jsonrpc: "2.0",
				ID:      req.ID,
				Result:  json.RawMessage(`{"ok":true}`),
			})
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}
	}))
	defer srv.Close()

	transport := mcp.NewHTTPTransport(srv.URL, "", nil)
	tools, err := transport.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "get_weather" {
		t.Fatalf("tools = %+v", tools)
	}

	result, err := transport.CallTool(context.Background(), "get_weather", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("result = %s", result)
	}
}

func TestHTTPTransportSurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mcp.RPCResponse{
			Jsonrpc: "2.0",
			ID:      1,
			Error:   &mcp.RPCError{Code: -32601, Message: "method not found"},
		})
	}))
	defer srv.Close()

	transport := mcp.NewHTTPTransport(srv.URL, "", nil)
	if _, err := transport.ListTools(context.Background()); err == nil {
		t.Fatal("expected an error when the server returns an RPC error")
	}
}
