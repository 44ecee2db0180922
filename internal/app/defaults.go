package app

import (
	"strings"
	"unicode"

	"github.com/smg/model-gateway/internal/pipeline"
)

// WhitespaceTokenizer is the default Tokenizer collaborator used when no
// model-specific tokenizer has been loaded from a tokenizer bundle
// (internal/bundle). It's deliberately crude: real deployments register a
// worker's bundled tokenizer instead, per SPEC_FULL.md's "tokenizer is an
// external collaborator" framing. This keeps the gateway able to round-trip
// a request end to end with zero external assets.
type WhitespaceTokenizer struct{}

func (WhitespaceTokenizer) Encode(text string, _ bool) ([]int32, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool { return unicode.IsSpace(r) })
	ids := make([]int32, len(fields))
	for i, f := range fields {
		h := int32(0)
		for _, r := range f {
			h = h*31 + int32(r)
		}
		ids[i] = h
	}
	return ids, nil
}

// SimpleChatTemplate renders a plain role-prefixed transcript. Stands in
// for a model's real Jinja chat template until one is loaded from the
// model's tokenizer bundle.
type SimpleChatTemplate struct{}

func (SimpleChatTemplate) Render(messages []pipeline.ChatMessage, tools []byte, addGenerationPrompt bool) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	if len(tools) > 0 {
		b.WriteString("tools: ")
		b.Write(tools)
		b.WriteString("\n")
	}
	if addGenerationPrompt {
		b.WriteString("assistant:")
	}
	return b.String(), nil
}

// NoopMultimodalExpander never claims support, so prep.Stage always skips
// multimodal expansion until a model-specific expander is registered.
type NoopMultimodalExpander struct{}

func (NoopMultimodalExpander) Supports(string) bool { return false }

func (NoopMultimodalExpander) Expand(tokenIDs []int32, _ []pipeline.ChatMessage) ([]int32, []byte, error) {
	return tokenIDs, nil, nil
}
