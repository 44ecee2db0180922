// Package prep implements the chat-preparation stages (SPEC_FULL.md §4.5):
// tokenization, chat-template application, multimodal expansion, tool
// constraint synthesis, and Harmony preparation. The tokenizer and chat
// template engine are external collaborators per spec.md §1 Non-goals,
// consumed here as small interfaces.
package prep

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/internal/pipeline"
)

// Tokenizer is the external tokenizer contract: encode text to token IDs
// without adding special tokens (the chat template already added them, per
// §4.5 step d).
type Tokenizer interface {
	Encode(text string, addSpecialTokens bool) ([]int32, error)
}

// ChatTemplate is the external Jinja-compatible renderer contract described
// in SPEC_FULL.md §9: render(messages, tools?, documents?, add_generation_prompt) -> string.
type ChatTemplate interface {
	Render(messages []pipeline.ChatMessage, tools []byte, addGenerationPrompt bool) (string, error)
}

// MultimodalExpander computes the expanded token sequence and side-channel
// blob for messages containing multimodal content, when a model-specific
// spec exists for the target model.
type MultimodalExpander interface {
	Supports(modelID string) bool
	Expand(tokenIDs []int32, messages []pipeline.ChatMessage) (expanded []int32, sideChannel []byte, err error)
}

// ChatRequest is the minimal inbound shape prep stages consume; the full
// OpenAI schema is consumed as given per spec.md's Non-goals.
type ChatRequest struct {
	ModelID    string
	Messages   []pipeline.ChatMessage
	Tools      []ToolSpec
	ToolChoice string // "" | "none" | "auto" | a specific tool name
	Stop       []string
	StopTokenIDs []int32
	SkipSpecialTokens bool
	NoStopTrim bool
}

// ToolSpec is a single tool definition as given to the model.
type ToolSpec struct {
	Name       string
	JSONSchema json.RawMessage
}

// Stage implements pipeline.Stage for chat preparation.
type Stage struct {
	Tokenizer    Tokenizer
	Template     ChatTemplate
	Multimodal   MultimodalExpander
	Request      *ChatRequest
}

func New(tok Tokenizer, tmpl ChatTemplate, mm MultimodalExpander, req *ChatRequest) *Stage {
	return &Stage{Tokenizer: tok, Template: tmpl, Multimodal: mm, Request: req}
}

func (s *Stage) Name() string { return "prepare" }

func (s *Stage) Execute(_ context.Context, rc *pipeline.Context) pipeline.StageResult {
	req := s.Request

	messages := req.Messages
	var filtered any
	if req.ToolChoice != "" && req.ToolChoice != "auto" && req.ToolChoice != "none" {
		// (b) tool_choice narrows the tool set; clone+filter rather than
		// mutate the caller's request.
		narrowed := filterTools(req.Tools, req.ToolChoice)
		clone := *req
		clone.Tools = narrowed
		filtered = &clone
		req = &clone
	}

	text, err := s.Template.Render(messages, marshalTools(req.Tools), true)
	if err != nil {
		return pipeline.Fail(gwerrors.Wrap(gwerrors.Internal, "template_render_failed", "chat template rendering failed", err))
	}

	tokenIDs, err := s.Tokenizer.Encode(text, false)
	if err != nil {
		return pipeline.Fail(gwerrors.Wrap(gwerrors.Internal, "tokenize_failed", "tokenization failed", err))
	}

	out := &pipeline.PreparationOutput{
		OriginalText:     text,
		TokenIDs:         tokenIDs,
		OriginalTokenIDs: append([]int32(nil), tokenIDs...),
		ProcessedMessages: messages,
		FilteredRequest:  filtered,
	}

	if s.Multimodal != nil && s.Multimodal.Supports(req.ModelID) && containsMultimodal(messages) {
		expanded, side, err := s.Multimodal.Expand(tokenIDs, messages)
		if err != nil {
			return pipeline.Fail(gwerrors.Wrap(gwerrors.Internal, "multimodal_expand_failed", "multimodal expansion failed", err))
		}
		out.TokenIDs = expanded
		if len(side) > 0 && len(out.ProcessedMessages) > 0 {
			out.ProcessedMessages[len(out.ProcessedMessages)-1].MultimodalInputs = side
		}
	}

	if len(req.Tools) > 0 {
		constraint, err := synthesizeToolConstraint(req.Tools)
		if err != nil {
			return pipeline.Fail(gwerrors.Wrap(gwerrors.InvalidArgument, "invalid_tool_schema", "tool constraint synthesis failed", err))
		}
		out.ToolConstraints = constraint
	}

	rc.Prep = out
	return pipeline.Continue()
}

func filterTools(tools []ToolSpec, name string) []ToolSpec {
	out := make([]ToolSpec, 0, 1)
	for _, t := range tools {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out
}

func marshalTools(tools []ToolSpec) []byte {
	if len(tools) == 0 {
		return nil
	}
	b, _ := json.Marshal(tools)
	return b
}

func containsMultimodal(messages []pipeline.ChatMessage) bool {
	for _, m := range messages {
		if len(m.MultimodalInputs) > 0 {
			return true
		}
	}
	return false
}

// synthesizeToolConstraint builds the backend-specific (type, value) pair
// (§4.5 step f): a json_schema constraint whose name enum lists the
// request's tools. It compiles that document and each tool's own JSON schema
// with jsonschema/v6 before anything is attached to a backend request, so a
// malformed tool schema fails at prep time rather than at the backend.
func synthesizeToolConstraint(tools []ToolSpec) (*pipeline.ToolConstraint, error) {
	combined := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":      map[string]any{"enum": toolNames(tools)},
			"arguments": map[string]any{"type": "object"},
		},
		"required": []string{"name", "arguments"},
	}
	schemaBytes, err := json.Marshal(combined)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil, err
	}
	if err := compiler.AddResource("tool-constraint.json", doc); err != nil {
		return nil, err
	}
	if _, err := compiler.Compile("tool-constraint.json"); err != nil {
		return nil, err
	}
	for i, t := range tools {
		if len(t.JSONSchema) == 0 {
			continue
		}
		var toolDoc any
		if err := json.Unmarshal(t.JSONSchema, &toolDoc); err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", t.Name, err)
		}
		loc := fmt.Sprintf("tool-%d.json", i)
		if err := compiler.AddResource(loc, toolDoc); err != nil {
			return nil, err
		}
		if _, err := compiler.Compile(loc); err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", t.Name, err)
		}
	}

	return &pipeline.ToolConstraint{Type: "json_schema", Value: string(schemaBytes)}, nil
}

func toolNames(tools []ToolSpec) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}
