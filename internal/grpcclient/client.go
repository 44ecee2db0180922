// Package grpcclient is the southbound gRPC client the worker registry's
// once-cells lazily connect (SPEC_FULL.md §5, §6). It dials a worker's
// runtime server over google.golang.org/grpc and speaks the
// Generate/Embed/HealthCheck/GetModelInfo/GetServerInfo/GetLoads surface
// described in pkg/gwproto/generate.proto.
//
// A generated *_grpc.pb.go client would normally back this instead — this
// module can't invoke protoc, so requests/responses are carried as
// google.golang.org/protobuf's structpb.Struct (itself a real
// proto.Message) over a plain *grpc.ClientConn, the same NewClient +
// insecure-credentials dial pattern the teacher's GRPCLLMClient uses for
// its own generated stub.
package grpcclient

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/smg/model-gateway/internal/worker"
	"github.com/smg/model-gateway/pkg/gwproto"
)

const (
	methodGenerate      = "/smg.gateway.v1.Inference/Generate"
	methodEmbed         = "/smg.gateway.v1.Inference/Embed"
	methodHealthCheck   = "/smg.gateway.v1.Inference/HealthCheck"
	methodGetModelInfo  = "/smg.gateway.v1.Inference/GetModelInfo"
	methodGetServerInfo = "/smg.gateway.v1.Inference/GetServerInfo"
	methodGetLoads      = "/smg.gateway.v1.Inference/GetLoads"
	methodAbort         = "/smg.gateway.v1.Inference/Abort"
)

// Client is one worker's lazily-connected gRPC handle. It implements both
// dispatch.Client (Generate/Embed) and discovery.GRPCProbe (HealthCheck/
// GetModelInfo/GetServerInfo) by structural match — neither package needs
// to import this one.
type Client struct {
	conn   *grpc.ClientConn
	target string
}

// Dial connects to a worker's gRPC endpoint. Connection itself is lazy
// inside grpc.NewClient (it does not block on the network); the retry
// below is for the dial call's own local setup failures (bad target,
// resolver errors), not for the network round-trip.
func Dial(target string) (*Client, error) {
	var conn *grpc.ClientConn
	op := func() error {
		c, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	boff := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, boff); err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", target, err)
	}
	return &Client{conn: conn, target: target}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Generate opens a server-streaming call and returns a gwproto.Stream that
// decodes each received structpb.Struct into a GenerateChunk.
func (c *Client) Generate(ctx context.Context, req *gwproto.GenerateRequest) (gwproto.Stream, error) {
	payload, err := structpb.NewStruct(generateRequestToMap(req))
	if err != nil {
		return nil, fmt.Errorf("encode generate request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(streamCtx, &grpc.StreamDesc{StreamName: "Generate", ServerStreams: true}, methodGenerate)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(payload); err != nil {
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	return &clientStream{stream: stream, cancel: cancel}, nil
}

// Embed issues a unary call to the worker's Embed RPC.
func (c *Client) Embed(ctx context.Context, req *gwproto.EmbedRequest) (gwproto.EmbedOutcome, error) {
	payload, err := structpb.NewStruct(map[string]any{
		"model_id": req.ModelID,
		"texts":    toAnySlice(req.Texts),
	})
	if err != nil {
		return gwproto.EmbedOutcome{}, fmt.Errorf("encode embed request: %w", err)
	}
	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, methodEmbed, payload, &resp); err != nil {
		return gwproto.EmbedOutcome{}, err
	}
	return embedOutcomeFromStruct(&resp), nil
}

// HealthCheck satisfies discovery.GRPCProbe: calls the runtime-specific
// health endpoint for runtimeHint, returning the runtime that actually
// answered (the backend echoes its own kind back) and whether it's healthy.
func (c *Client) HealthCheck(ctx context.Context, runtimeHint worker.RuntimeType) (worker.RuntimeType, bool, error) {
	req, _ := structpb.NewStruct(map[string]any{"runtime_hint": runtimeHint.String()})
	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, methodHealthCheck, req, &resp); err != nil {
		return worker.RuntimeUnknown, false, err
	}
	ok, _ := resp.Fields["healthy"].GetKind().(*structpb.Value_BoolValue)
	detected := runtimeFromString(resp.Fields["runtime"].GetStringValue(), runtimeHint)
	return detected, ok != nil && ok.BoolValue, nil
}

func runtimeFromString(s string, fallback worker.RuntimeType) worker.RuntimeType {
	switch s {
	case "sglang":
		return worker.RuntimeSGLang
	case "vllm":
		return worker.RuntimeVLLM
	case "trtllm":
		return worker.RuntimeTRTLLM
	default:
		return fallback
	}
}

// GetModelInfo satisfies discovery.GRPCProbe.
func (c *Client) GetModelInfo(ctx context.Context) (map[string]string, error) {
	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, methodGetModelInfo, &structpb.Struct{}, &resp); err != nil {
		return nil, err
	}
	return flattenStructToLabels(&resp), nil
}

// GetServerInfo satisfies discovery.GRPCProbe.
func (c *Client) GetServerInfo(ctx context.Context) (map[string]string, error) {
	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, methodGetServerInfo, &structpb.Struct{}, &resp); err != nil {
		return nil, err
	}
	return flattenStructToLabels(&resp), nil
}

// GetLoads calls the southbound GetLoads RPC (§6) and returns the worker's
// running and waiting request counts. No code in this module calls it.
func (c *Client) GetLoads(ctx context.Context) (gwproto.LoadInfo, error) {
	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, methodGetLoads, &structpb.Struct{}, &resp); err != nil {
		return gwproto.LoadInfo{}, err
	}
	return gwproto.LoadInfo{
		NumRequestsRunning: int(resp.Fields["num_requests_running"].GetNumberValue()),
		NumRequestsWaiting: int(resp.Fields["num_requests_waiting"].GetNumberValue()),
	}, nil
}

// Abort sends the backend Abort RPC for requestID, bounded by a 5s timeout.
// No code in this module calls it, and pipeline.Context's completed flag
// does not gate it.
func (c *Client) Abort(ctx context.Context, requestID string) error {
	req, _ := structpb.NewStruct(map[string]any{"request_id": requestID})
	var resp structpb.Struct
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.conn.Invoke(ctx, methodAbort, req, &resp)
}

// clientStream adapts a grpc.ClientStream into gwproto.Stream.
type clientStream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	done   bool
}

func (s *clientStream) Recv() (*gwproto.GenerateChunk, error) {
	var msg structpb.Struct
	if err := s.stream.RecvMsg(&msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return generateChunkFromStruct(&msg), nil
}

func (s *clientStream) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	s.cancel()
	return nil
}

func generateRequestToMap(r *gwproto.GenerateRequest) map[string]any {
	m := map[string]any{
		"model_id":  r.ModelID,
		"input_ids": toAnySlice(r.InputIDs),
		"runtime":   r.Runtime,
		"dp_rank":   float64(r.DPRank),
		"sampling": map[string]any{
			"temperature":    float64(r.Sampling.Temperature),
			"top_p":          float64(r.Sampling.TopP),
			"max_tokens":     float64(r.Sampling.MaxTokens),
			"stream":         r.Sampling.Stream,
			"stop_strings":   toAnyStringSlice(r.Sampling.StopStrings),
			"stop_token_ids": toAnySlice(r.Sampling.StopTokenIDs),
		},
	}
	if r.BootstrapHost != "" {
		m["bootstrap_host"] = r.BootstrapHost
		m["bootstrap_port"] = float64(r.BootstrapPort)
	}
	if r.KVTransfer != nil {
		m["kv_transfer"] = map[string]any{
			"remote_host": r.KVTransfer.RemoteHost,
			"remote_port": float64(r.KVTransfer.RemotePort),
		}
	}
	return m
}

func generateChunkFromStruct(s *structpb.Struct) *gwproto.GenerateChunk {
	kind := gwproto.ChunkToken
	switch s.Fields["kind"].GetStringValue() {
	case "complete":
		kind = gwproto.ChunkComplete
	case "error":
		kind = gwproto.ChunkError
	}
	chunk := &gwproto.GenerateChunk{Kind: kind, ReceivedAt: time.Now()}
	if kind == gwproto.ChunkToken {
		chunk.Text = s.Fields["text"].GetStringValue()
		chunk.TokenIDs = fromAnySlice(s.Fields["token_ids"])
	}
	if kind == gwproto.ChunkComplete {
		chunk.OutputIDs = fromAnySlice(s.Fields["output_ids"])
		chunk.FinishReason = s.Fields["finish_reason"].GetStringValue()
		chunk.Usage = usageFromStruct(s.Fields["usage"].GetStructValue())
	}
	if kind == gwproto.ChunkError {
		chunk.Err = fmt.Errorf("%s", s.Fields["error"].GetStringValue())
	}
	return chunk
}

func embedOutcomeFromStruct(s *structpb.Struct) gwproto.EmbedOutcome {
	if errMsg := s.Fields["error"].GetStringValue(); errMsg != "" {
		return gwproto.EmbedOutcome{Err: fmt.Errorf("%s", errMsg)}
	}
	vecs := s.Fields["embeddings"].GetListValue().GetValues()
	embeddings := make([][]float32, 0, len(vecs))
	for _, v := range vecs {
		row := v.GetListValue().GetValues()
		vec := make([]float32, len(row))
		for i, x := range row {
			vec[i] = float32(x.GetNumberValue())
		}
		embeddings = append(embeddings, vec)
	}
	return gwproto.EmbedOutcome{Complete: &gwproto.EmbedComplete{
		Embeddings: embeddings,
		Usage:      usageFromStruct(s.Fields["usage"].GetStructValue()),
	}}
}

func usageFromStruct(s *structpb.Struct) gwproto.Usage {
	if s == nil {
		return gwproto.Usage{}
	}
	return gwproto.Usage{
		PromptTokens:     int(s.Fields["prompt_tokens"].GetNumberValue()),
		CompletionTokens: int(s.Fields["completion_tokens"].GetNumberValue()),
		TotalTokens:      int(s.Fields["total_tokens"].GetNumberValue()),
	}
}

func flattenStructToLabels(s *structpb.Struct) map[string]string {
	labels := make(map[string]string, len(s.Fields))
	for k, v := range s.Fields {
		switch v.GetKind().(type) {
		case *structpb.Value_StringValue:
			labels[k] = v.GetStringValue()
		case *structpb.Value_NumberValue:
			labels[k] = fmt.Sprintf("%v", v.GetNumberValue())
		case *structpb.Value_BoolValue:
			labels[k] = fmt.Sprintf("%v", v.GetBoolValue())
		}
	}
	return labels
}

func toAnySlice(ids []int32) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = float64(id)
	}
	return out
}

func toAnyStringSlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func fromAnySlice(v *structpb.Value) []int32 {
	list := v.GetListValue().GetValues()
	out := make([]int32, len(list))
	for i, x := range list {
		out[i] = int32(x.GetNumberValue())
	}
	return out
}
