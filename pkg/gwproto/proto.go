// Package gwproto defines the southbound gRPC message shapes described in
// SPEC_FULL.md §6: per-runtime Generate (streaming) / Embed (unary) /
// HealthCheck / Abort / GetModelInfo / GetServerInfo / GetLoads, with a oneof
// Generate response.
//
// These are hand-authored Go types rather than protoc-generated bindings: a
// real deployment of this gateway would compile the wire schema below from a
// .proto file with google.golang.org/protobuf's code generator, which this
// module cannot invoke. The .proto sketch lives in generate.proto next to
// this file for that future generation step; the types here model the same
// shape so every other package can depend on a stable, typed surface today.
package gwproto

import "time"

// SamplingParams carries the decoding configuration. StopTokenIDs holds the
// Harmony stop-token IDs injected per SPEC_FULL.md §4.5/§4.7 when the request
// came through the Harmony pipeline.
type SamplingParams struct {
	Temperature   float32
	TopP          float32
	MaxTokens     int32
	Stream        bool
	StopStrings   []string
	StopTokenIDs  []int32
	StopWords     [][]int32 // TRT-LLM wants stop sequences as token-ID lists
}

// KVTransferParams is attached to a sequential-PD decode request when the
// prefill worker uses the MooncakeConnector (§4.7 PD metadata injection).
type KVTransferParams struct {
	RemoteHost string
	RemotePort int
}

// GenerateRequest is the backend-agnostic request payload; runtime-specific
// request builders (internal/reqbuild) populate it from PreparationOutput
// and the selected worker(s).
type GenerateRequest struct {
	ModelID          string
	InputIDs         []int32
	Sampling         SamplingParams
	KVTransfer       *KVTransferParams
	BootstrapHost    string
	BootstrapPort    int
	DPRank           int
	Runtime          string // "sglang" | "vllm" | "trtllm"
}

// Clone deep-copies the slices so dispatch can safely mutate a per-target
// copy (e.g. forcing max_tokens=1 for a sequential-PD prefill dispatch)
// without perturbing the original.
func (r *GenerateRequest) Clone() *GenerateRequest {
	clone := *r
	clone.Sampling.StopStrings = append([]string(nil), r.Sampling.StopStrings...)
	clone.Sampling.StopTokenIDs = append([]int32(nil), r.Sampling.StopTokenIDs...)
	if r.Sampling.StopWords != nil {
		clone.Sampling.StopWords = make([][]int32, len(r.Sampling.StopWords))
		for i, words := range r.Sampling.StopWords {
			clone.Sampling.StopWords[i] = append([]int32(nil), words...)
		}
	}
	clone.InputIDs = append([]int32(nil), r.InputIDs...)
	if r.KVTransfer != nil {
		kv := *r.KVTransfer
		clone.KVTransfer = &kv
	}
	return &clone
}

// EmbedRequest is the unary embeddings request payload.
type EmbedRequest struct {
	ModelID string
	Texts   []string
}

// EmbedOutcome is the {Complete | Error | None} result of an Embed unary
// call (§4.8). None and Error both map to an Internal/BadGateway response.
type EmbedOutcome struct {
	Complete *EmbedComplete
	Err      error
}

type EmbedComplete struct {
	Embeddings [][]float32
	Usage      Usage
}

// Usage mirrors the OpenAI usage object.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChunkKind distinguishes the oneof variants of a streamed Generate response.
type ChunkKind int

const (
	ChunkToken ChunkKind = iota
	ChunkComplete
	ChunkError
)

// GenerateChunk is one element of the streaming Generate response oneof
// {Chunk, Complete, Error} described in §6.
type GenerateChunk struct {
	Kind Kind

	// ChunkToken fields
	TokenIDs []int32
	Text     string

	// ChunkComplete fields
	OutputIDs    []int32
	FinishReason string
	Usage        Usage

	// ChunkError fields
	Err error

	ReceivedAt time.Time
}

// Kind is an alias so call sites read naturally as gwproto.Kind.
type Kind = ChunkKind

// Stream is the minimal streaming-receive surface dispatch/respond depend
// on; the real implementation backs onto a grpc.ClientStream created by the
// generated service client. Modeled as an interface so tests can substitute
// a fake without a live backend.
type Stream interface {
	Recv() (*GenerateChunk, error) // returns (nil, io.EOF) once the stream has ended
	Abort() error
}

// ModelInfo / ServerInfo back the worker-discovery metadata merge (C11).
type ModelInfo struct {
	ServedModelName string
	ModelPath       string
	TensorParallel  int
	ContextLength   int
	Architectures   []string
	Vision          bool
}

type ServerInfo struct {
	Version     string
	KVConnector string
	KVRole      string
	Labels      map[string]string
}

// LoadInfo is the result of GetLoads: running and waiting request counts.
// No code in this module calls GetLoads.
type LoadInfo struct {
	NumRequestsRunning int
	NumRequestsWaiting int
}
