package prep_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/smg/model-gateway/internal/pipeline"
	"github.com/smg/model-gateway/internal/prep"
)

type fakeTokenizer struct{}

func (fakeTokenizer) Encode(text string, addSpecialTokens bool) ([]int32, error) {
	ids := make([]int32, len(strings.Fields(text)))
	for i := range ids {
		ids[i] = int32(i + 1)
	}
	return ids, nil
}

type fakeTemplate struct{}

func (fakeTemplate) Render(messages []pipeline.ChatMessage, tools []byte, addGenerationPrompt bool) (string, error) {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

type fakeMultimodal struct{ called bool }

func (f *fakeMultimodal) Supports(modelID string) bool { return modelID == "vision-model" }

func (f *fakeMultimodal) Expand(tokenIDs []int32, messages []pipeline.ChatMessage) ([]int32, []byte, error) {
	f.called = true
	expanded := append(append([]int32{}, tokenIDs...), -1, -2, -3)
	return expanded, []byte("image-side-channel"), nil
}

func newRC() *pipeline.Context {
	return pipeline.NewContext(pipeline.Input{ModelID: "m", RequestType: "chat.completions"})
}

func TestStageTokenizesAndRendersTemplate(t *testing.T) {
	req := &prep.ChatRequest{
		ModelID:  "m",
		Messages: []pipeline.ChatMessage{{Role: "user", Content: "hello there"}},
	}
	stage := prep.New(fakeTokenizer{}, fakeTemplate{}, nil, req)
	rc := newRC()

	res := stage.Execute(context.Background(), rc)
	if res.Done() {
		t.Fatalf("Execute() = %+v, want continue", res)
	}
	if rc.Prep == nil {
		t.Fatal("rc.Prep not set")
	}
	if rc.Prep.OriginalText != "user: hello there\n" {
		t.Fatalf("OriginalText = %q", rc.Prep.OriginalText)
	}
	if len(rc.Prep.TokenIDs) != 3 {
		t.Fatalf("TokenIDs = %v, want 3 tokens", rc.Prep.TokenIDs)
	}
}

func TestStageFiltersToolsOnNarrowChoice(t *testing.T) {
	req := &prep.ChatRequest{
		ModelID:  "m",
		Messages: []pipeline.ChatMessage{{Role: "user", Content: "hi"}},
		Tools: []prep.ToolSpec{
			{Name: "get_weather", JSONSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "get_time", JSONSchema: json.RawMessage(`{"type":"object"}`)},
		},
		ToolChoice: "get_time",
	}
	stage := prep.New(fakeTokenizer{}, fakeTemplate{}, nil, req)
	rc := newRC()

	if res := stage.Execute(context.Background(), rc); res.Done() {
		t.Fatalf("Execute() = %+v", res)
	}
	filtered, ok := rc.Prep.FilteredRequest.(*prep.ChatRequest)
	if !ok {
		t.Fatal("FilteredRequest not set to *ChatRequest")
	}
	if len(filtered.Tools) != 1 || filtered.Tools[0].Name != "get_time" {
		t.Fatalf("filtered tools = %+v, want only get_time", filtered.Tools)
	}
	if rc.Prep.ToolConstraints == nil || rc.Prep.ToolConstraints.Type != "json_schema" {
		t.Fatalf("ToolConstraints = %+v", rc.Prep.ToolConstraints)
	}
}

func TestStageSynthesizesToolConstraintForSingleTool(t *testing.T) {
	// One tool with an empty-object schema: synthesis and schema
	// compilation succeed and a constraint is attached.
	req := &prep.ChatRequest{
		ModelID:  "m",
		Messages: []pipeline.ChatMessage{{Role: "user", Content: "hi"}},
		Tools: []prep.ToolSpec{
			{Name: "a", JSONSchema: json.RawMessage(`{}`)},
		},
	}
	stage := prep.New(fakeTokenizer{}, fakeTemplate{}, nil, req)
	rc := newRC()
	if res := stage.Execute(context.Background(), rc); res.Done() {
		t.Fatalf("Execute() = %+v", res)
	}
	if rc.Prep.ToolConstraints == nil {
		t.Fatal("expected tool constraints to be synthesized")
	}
}

func TestStageExpandsMultimodalWhenSupported(t *testing.T) {
	mm := &fakeMultimodal{}
	req := &prep.ChatRequest{
		ModelID: "vision-model",
		Messages: []pipeline.ChatMessage{
			{Role: "user", Content: "describe", MultimodalInputs: []byte("raw-image-bytes")},
		},
	}
	stage := prep.New(fakeTokenizer{}, fakeTemplate{}, mm, req)
	rc := newRC()

	if res := stage.Execute(context.Background(), rc); res.Done() {
		t.Fatalf("Execute() = %+v", res)
	}
	if !mm.called {
		t.Fatal("multimodal expander not invoked for a model it supports")
	}
	if len(rc.Prep.TokenIDs) < 3 {
		t.Fatalf("expanded TokenIDs = %v, want expansion markers appended", rc.Prep.TokenIDs)
	}
}

func TestStageSkipsMultimodalWhenUnsupported(t *testing.T) {
	mm := &fakeMultimodal{}
	req := &prep.ChatRequest{
		ModelID: "text-only-model",
		Messages: []pipeline.ChatMessage{
			{Role: "user", Content: "describe", MultimodalInputs: []byte("raw-image-bytes")},
		},
	}
	stage := prep.New(fakeTokenizer{}, fakeTemplate{}, mm, req)
	rc := newRC()

	if res := stage.Execute(context.Background(), rc); res.Done() {
		t.Fatalf("Execute() = %+v", res)
	}
	if mm.called {
		t.Fatal("multimodal expander should not run for an unsupported model")
	}
}
