package mcp

// BuiltinToolType names one of the OpenAI-style built-in tool types that
// can be routed to an MCP server instead of the gateway's own
// implementation (SPEC_FULL.md §12 supplemented feature, grounded on the
// original router's built-in tool routing).
type BuiltinToolType int

const (
	BuiltinWebSearch BuiltinToolType = iota
	BuiltinCodeInterpreter
	BuiltinFileSearch
)

func (b BuiltinToolType) String() string {
	switch b {
	case BuiltinWebSearch:
		return "web_search_preview"
	case BuiltinCodeInterpreter:
		return "code_interpreter"
	case BuiltinFileSearch:
		return "file_search"
	default:
		return "unknown"
	}
}

// ResponseFormat selects how a builtin tool's raw MCP result should be
// reshaped before it's surfaced to the caller.
type ResponseFormat int

const (
	FormatPassthrough ResponseFormat = iota
	FormatWebSearchCall
	FormatCodeInterpreterCall
	FormatFileSearchCall
)

// BuiltinRouting binds a built-in tool type to the MCP server and tool name
// that actually serves it, plus the response shape to transform the raw
// result into.
type BuiltinRouting struct {
	BuiltinType    BuiltinToolType
	ServerKey      string
	ToolName       string
	ResponseFormat ResponseFormat
}

// BuiltinRegistry maps built-in tool types to their configured MCP-backed
// implementation, if any. A built-in type with no entry falls back to the
// gateway's native implementation (or is rejected, depending on caller
// policy) rather than routing through MCP.
type BuiltinRegistry struct {
	routes map[BuiltinToolType]BuiltinRouting
}

func NewBuiltinRegistry() *BuiltinRegistry {
	return &BuiltinRegistry{routes: make(map[BuiltinToolType]BuiltinRouting)}
}

func (r *BuiltinRegistry) Register(route BuiltinRouting) {
	r.routes[route.BuiltinType] = route
}

func (r *BuiltinRegistry) Lookup(t BuiltinToolType) (BuiltinRouting, bool) {
	route, ok := r.routes[t]
	return route, ok
}

// TransformResult reshapes a raw MCP tool result into the OpenAI
// ResponseOutputItem variant the configured ResponseFormat expects
// (SPEC_FULL.md §4.10/§12). Passthrough wraps the payload in a generic
// McpCall envelope; the others extract the specific fields each output
// variant needs.
func TransformResult(format ResponseFormat, raw map[string]any) any {
	switch format {
	case FormatWebSearchCall:
		var sources, queries []any
		if results, ok := raw["results"].([]any); ok {
			for _, r := range results {
				if m, ok := r.(map[string]any); ok {
					if url, ok := m["url"]; ok {
						sources = append(sources, url)
					}
				}
			}
		}
		if q, ok := raw["queries"].([]any); ok {
			queries = q
		}
		return map[string]any{
			"type":    "web_search_call",
			"status":  "completed",
			"action":  map[string]any{"type": "search", "sources": sources, "queries": queries},
		}
	case FormatCodeInterpreterCall:
		return map[string]any{
			"type":         "code_interpreter_call",
			"code":         raw["code"],
			"container_id": raw["container_id"],
			"outputs":      raw["outputs"],
		}
	case FormatFileSearchCall:
		return map[string]any{
			"type":    "file_search_call",
			"queries": raw["queries"],
			"results": raw["results"],
		}
	default:
		return map[string]any{"type": "mcp_call", "result": raw}
	}
}
