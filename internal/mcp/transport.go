package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smg/model-gateway/internal/gwerrors"
)

// RPCRequest and RPCResponse are the JSON-RPC 2.0 envelope MCP servers
// speak, adapted from the gateway's own JSON-RPC handling to the client
// side: this package calls out to MCP servers rather than serving calls.
type RPCRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("mcp rpc error %d: %s", e.Code, e.Message) }

type RPCResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

// ToolDescriptor is one tool a server advertises via tools/list.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Annotations ToolAnnotations `json:"annotations"`
}

// Transport is the wire-level contract to one MCP server: initialize,
// discover tools, and invoke one by name. HTTPTransport implements
// Streamable-HTTP JSON-RPC; stdio/SSE transports would implement the same
// interface over a different framing.
type Transport interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error)
	Close() error
}

// HTTPTransport speaks JSON-RPC 2.0 over a plain HTTP POST endpoint (the
// "Streamable" MCP transport).
type HTTPTransport struct {
	URL     string
	Token   string
	Headers map[string]string
	Client  *http.Client

	nextID int64
}

func NewHTTPTransport(url, token string, headers map[string]string) *HTTPTransport {
	return &HTTPTransport{
		URL:     url,
		Token:   token,
		Headers: headers,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.nextID++
	reqBody, err := json.Marshal(RPCRequest{Jsonrpc: "2.0", Method: method, Params: params, ID: t.nextID})
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Internal, "mcp_request_marshal_failed", "failed marshaling MCP JSON-RPC request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Internal, "mcp_request_build_failed", "failed building MCP HTTP request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.Token)
	}
	for k, v := range t.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Unavailable, "mcp_server_unreachable", "failed calling MCP server", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Internal, "mcp_response_read_failed", "failed reading MCP server response", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, gwerrors.Wrap(gwerrors.BadGateway, "mcp_response_decode_failed", "MCP server returned a malformed JSON-RPC response", err)
	}
	if rpcResp.Error != nil {
		return nil, gwerrors.Wrap(gwerrors.BadGateway, "mcp_tool_error", rpcResp.Error.Message, rpcResp.Error)
	}
	return rpcResp.Result, nil
}

func (t *HTTPTransport) Initialize(ctx context.Context) error {
	_, err := t.call(ctx, "initialize", map[string]any{"protocolVersion": "2024-11-05"})
	return err
}

func (t *HTTPTransport) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, gwerrors.Wrap(gwerrors.BadGateway, "mcp_tools_list_decode_failed", "failed decoding tools/list result", err)
	}
	return payload.Tools, nil
}

func (t *HTTPTransport) CallTool(ctx context.Context, name string, arguments json.RawMessage) (json.RawMessage, error) {
	return t.call(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments})
}

func (t *HTTPTransport) Close() error { return nil }
