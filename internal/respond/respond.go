// Package respond implements the response-processing stage (SPEC_FULL.md
// §4.9): streaming backend chunks into OpenAI-shaped SSE events through the
// stop decoder, reasoning parser, and tool-call parser, merging prefill and
// decode streams for PD requests, and sanitizing non-streaming error bodies.
package respond

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/smg/model-gateway/internal/dispatch"
	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/internal/pipeline"
	"github.com/smg/model-gateway/pkg/gwproto"
)

// MaxErrorBodyBytes caps how much of an upstream non-streaming error body is
// read, to prevent a malicious/broken backend from exhausting memory (§4.9).
const MaxErrorBodyBytes = 1 << 20 // 1 MiB

// ReasoningParser splits a model-family-specific reasoning span (e.g.
// <think>...</think>) out of visible text. An external collaborator per
// spec.md §1 Non-goals; Noop passes text through unchanged.
type ReasoningParser interface {
	Split(text string) (visible, reasoning string)
}

// ToolCallParser detects a complete tool call in accumulated text. An
// external collaborator per spec.md §1 Non-goals.
type ToolCallParser interface {
	// TryExtract returns a tool call delta if one completed, and the
	// remaining visible text with the tool-call syntax removed.
	TryExtract(text string) (call *ToolCallDelta, remaining string, found bool)
}

type ToolCallDelta struct {
	Name      string
	Arguments string
	ID        string
}

// NoopReasoningParser and NoopToolCallParser are the zero-configuration
// defaults when a model has no family-specific parser configured.
type NoopReasoningParser struct{}

func (NoopReasoningParser) Split(text string) (string, string) { return text, "" }

type NoopToolCallParser struct{}

func (NoopToolCallParser) TryExtract(text string) (*ToolCallDelta, string, bool) {
	return nil, text, false
}

// SSEEvent is one `data: ...` line (or the terminal `[DONE]`) written to the
// client. Event names a named SSE event type (e.g. "response.completed")
// for the Responses API's lifecycle events (SPEC_FULL.md §6); chat
// completion chunks leave it empty, matching the unnamed `data:`-only
// stream OpenAI's chat endpoint uses.
type SSEEvent struct {
	Event string // if set, preceded by an "event: <name>" line
	Raw   string // if set, written verbatim (e.g. "[DONE]")
	Data  any    // otherwise JSON-marshaled
}

// Emitter writes SSE events to the client connection.
type Emitter interface {
	Emit(ev SSEEvent) error
}

// WriterEmitter adapts an io.Writer (flushed after each event) into an
// Emitter, the shape a chi HTTP handler's http.ResponseWriter satisfies via
// bufio.
type WriterEmitter struct {
	w *bufio.Writer
}

func NewWriterEmitter(w io.Writer) *WriterEmitter { return &WriterEmitter{w: bufio.NewWriter(w)} }

func (e *WriterEmitter) Emit(ev SSEEvent) error {
	if ev.Event != "" {
		if _, err := fmt.Fprintf(e.w, "event: %s\n", ev.Event); err != nil {
			return err
		}
	}
	if ev.Raw != "" {
		if _, err := fmt.Fprintf(e.w, "data: %s\n\n", ev.Raw); err != nil {
			return err
		}
		return e.w.Flush()
	}
	b, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", b); err != nil {
		return err
	}
	return e.w.Flush()
}

// ChatDelta is the minimal OpenAI chat.completion.chunk shape this package
// emits; the full schema is consumed/produced as given per spec.md's
// Non-goals.
type ChatDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	Reasoning string           `json:"reasoning_content,omitempty"`
	ToolCalls []ToolCallDelta  `json:"tool_calls,omitempty"`
}

type ChatChunk struct {
	Choices []struct {
		Delta ChatDelta `json:"delta"`
	} `json:"choices"`
	Usage *gwproto.Usage `json:"usage,omitempty"`
}

// Stage implements pipeline.Stage for response processing. Execute only
// checks that a response is present; HTTP handlers call StreamTo to write
// the streamed SSE output.
type Stage struct {
	Reasoning ReasoningParser
	ToolCalls ToolCallParser
}

func New(reasoning ReasoningParser, toolCalls ToolCallParser) *Stage {
	if reasoning == nil {
		reasoning = NoopReasoningParser{}
	}
	if toolCalls == nil {
		toolCalls = NoopToolCallParser{}
	}
	return &Stage{Reasoning: reasoning, ToolCalls: toolCalls}
}

func (s *Stage) Name() string { return "process" }

// Execute fails if the execute stage left rc.Response (a gwproto.Stream or
// *dispatch.DualStream) unset, and otherwise continues without reading the
// stream. Stage.Execute's signature is fixed by pipeline.Stage and carries
// no emitter, so handlers call StreamTo directly for the byte-level
// streaming; Execute only gives the stage its place in pipeline.Run's order.
func (s *Stage) Execute(_ context.Context, rc *pipeline.Context) pipeline.StageResult {
	if rc.Response == nil {
		return pipeline.Fail(gwerrors.New(gwerrors.Internal, "missing_response", "process stage ran before execute"))
	}
	return pipeline.Continue()
}

// StreamTo drains rc.Response through the stop decoder/reasoning/tool-call
// parsers, emitting OpenAI chat.completion.chunk SSE events, and finishes
// with the terminal [DONE] event. It decrements the guard-owned worker loads
// as a side effect of rc.Release only when the caller defers that; StreamTo
// itself never releases guards (the pipeline's defer does).
func (s *Stage) StreamTo(rc *pipeline.Context, decoder *StopDecoder, emit Emitter) error {
	switch resp := rc.Response.(type) {
	case *dispatch.DualStream:
		return s.streamMerged(resp, decoder, emit, rc)
	case gwproto.Stream:
		return s.streamSingle(resp, decoder, emit, rc)
	default:
		return gwerrors.New(gwerrors.Internal, "unknown_response_type", "process stage received an unrecognized response type")
	}
}

func (s *Stage) streamSingle(stream gwproto.Stream, decoder *StopDecoder, emit Emitter, rc *pipeline.Context) error {
	emit.Emit(SSEEvent{Data: ChatChunk{Choices: []struct {
		Delta ChatDelta `json:"delta"`
	}{{Delta: ChatDelta{Role: "assistant"}}}}})

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			emit.Emit(SSEEvent{Data: map[string]any{"error": Sanitize(err.Error())}})
			return err
		}
		switch chunk.Kind {
		case gwproto.ChunkError:
			emit.Emit(SSEEvent{Data: map[string]any{"error": Sanitize(chunk.Err.Error())}})
			return chunk.Err
		case gwproto.ChunkComplete:
			rc.MarkCompleted()
			emit.Emit(SSEEvent{Raw: "[DONE]"})
			return nil
		case gwproto.ChunkToken:
			s.emitTokenChunk(chunk, decoder, emit)
		}
	}
	rc.MarkCompleted()
	emit.Emit(SSEEvent{Raw: "[DONE]"})
	return nil
}

// streamMerged consumes both prefill and decode streams: output tokens come
// only from decode, in decode's own emission order; prefill contributes
// usage (prompt-token count) once it completes. Either stream erroring fails
// the whole request (§4.9 "PD stream merge").
func (s *Stage) streamMerged(ds *dispatch.DualStream, decoder *StopDecoder, emit Emitter, rc *pipeline.Context) error {
	emit.Emit(SSEEvent{Data: ChatChunk{Choices: []struct {
		Delta ChatDelta `json:"delta"`
	}{{Delta: ChatDelta{Role: "assistant"}}}}})

	var promptUsage gwproto.Usage
	prefillDone := make(chan error, 1)
	go func() {
		for {
			chunk, err := ds.Prefill.Recv()
			if errors.Is(err, io.EOF) {
				prefillDone <- nil
				return
			}
			if err != nil {
				prefillDone <- err
				return
			}
			if chunk.Kind == gwproto.ChunkError {
				prefillDone <- chunk.Err
				return
			}
			if chunk.Kind == gwproto.ChunkComplete {
				promptUsage = chunk.Usage
				prefillDone <- nil
				return
			}
		}
	}()

	for {
		chunk, err := ds.Decode.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			emit.Emit(SSEEvent{Data: map[string]any{"error": Sanitize(err.Error())}})
			return err
		}
		if chunk.Kind == gwproto.ChunkError {
			emit.Emit(SSEEvent{Data: map[string]any{"error": Sanitize(chunk.Err.Error())}})
			return chunk.Err
		}
		if chunk.Kind == gwproto.ChunkComplete {
			break
		}
		s.emitTokenChunk(chunk, decoder, emit)
	}

	if err := <-prefillDone; err != nil {
		return err
	}
	emit.Emit(SSEEvent{Data: ChatChunk{Usage: &promptUsage}})

	rc.MarkCompleted()
	emit.Emit(SSEEvent{Raw: "[DONE]"})
	return nil
}

func (s *Stage) emitTokenChunk(chunk *gwproto.GenerateChunk, decoder *StopDecoder, emit Emitter) {
	var tokenID int32
	if len(chunk.TokenIDs) > 0 {
		tokenID = chunk.TokenIDs[0]
	}
	delta, stopped := decoder.Feed(chunk.Text, tokenID)
	if delta == "" && !stopped {
		return
	}
	visible, reasoning := s.Reasoning.Split(delta)
	if call, remaining, found := s.ToolCalls.TryExtract(visible); found {
		emit.Emit(SSEEvent{Data: ChatChunk{Choices: []struct {
			Delta ChatDelta `json:"delta"`
		}{{Delta: ChatDelta{ToolCalls: []ToolCallDelta{*call}}}}}})
		visible = remaining
	}
	if visible != "" || reasoning != "" {
		emit.Emit(SSEEvent{Data: ChatChunk{Choices: []struct {
			Delta ChatDelta `json:"delta"`
		}{{Delta: ChatDelta{Content: visible, Reasoning: reasoning}}}}})
	}
}

// ReadErrorBody reads an upstream error body capped at MaxErrorBodyBytes,
// failing with PayloadTooLarge if the backend tries to send more (§4.9,
// §7).
func ReadErrorBody(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, MaxErrorBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Internal, "error_body_read_failed", "failed reading upstream error body", err)
	}
	if len(body) > MaxErrorBodyBytes {
		return nil, gwerrors.New(gwerrors.PayloadTooLarge, "error_body_too_large", "upstream error body exceeded the size cap")
	}
	return body, nil
}
