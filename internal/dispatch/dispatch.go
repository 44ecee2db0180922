// Package dispatch implements the request-execution stage (SPEC_FULL.md
// §4.8): single dispatch, parallel dual dispatch (SGLang PD), and sequential
// prefill-then-decode dispatch with KV-transfer metadata injection (vLLM
// PD). Ground truth:
// original_source/model_gateway/src/routers/grpc/common/stages/request_execution.rs.
package dispatch

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/internal/pipeline"
	"github.com/smg/model-gateway/internal/worker"
	"github.com/smg/model-gateway/pkg/gwproto"
)

// Client is the southbound gRPC surface a worker's lazily-connected client
// cell exposes. Dispatch depends on this interface, not on a concrete gRPC
// stub, so tests can substitute a fake backend.
type Client interface {
	Generate(ctx context.Context, req *gwproto.GenerateRequest) (gwproto.Stream, error)
	Embed(ctx context.Context, req *gwproto.EmbedRequest) (gwproto.EmbedOutcome, error)
}

// ClientFor resolves the Client for a worker, lazily connecting on first use
// (SPEC_FULL.md §5: "gRPC clients are stored in once-cells per worker").
type ClientFor func(w *worker.Worker) (Client, error)

// Mode selects which of the three execution strategies in §4.8 to use.
type Mode int

const (
	ModeSingle Mode = iota
	ModeDualSGLang
	ModeSequentialVLLM
)

// Stage implements pipeline.Stage for request execution.
type Stage struct {
	ClientFor ClientFor
	Mode      Mode
	log       zerolog.Logger
}

func New(clientFor ClientFor, mode Mode, log zerolog.Logger) *Stage {
	return &Stage{ClientFor: clientFor, Mode: mode, log: log}
}

func (s *Stage) Name() string { return "execute" }

func (s *Stage) Execute(ctx context.Context, rc *pipeline.Context) pipeline.StageResult {
	req, ok := rc.ProtoReq.(*gwproto.GenerateRequest)
	if !ok || rc.Selection == nil {
		return pipeline.Fail(gwerrors.New(gwerrors.Internal, "missing_request", "execute stage ran before build/select"))
	}

	switch {
	case rc.Selection.IsDual() && s.Mode == ModeDualSGLang:
		stream, err := s.executeDual(ctx, rc.Selection.Prefill, rc.Selection.Decode, req)
		if err != nil {
			return pipeline.Fail(err)
		}
		rc.Response = stream
	case rc.Selection.IsDual() && s.Mode == ModeSequentialVLLM:
		stream, err := s.executeSequentialPD(ctx, rc.Selection.Prefill, rc.Selection.Decode, req)
		if err != nil {
			return pipeline.Fail(err)
		}
		rc.Response = stream
	default:
		stream, err := s.executeSingle(ctx, rc.Selection.Single, req)
		if err != nil {
			return pipeline.Fail(err)
		}
		rc.Response = stream
	}
	return pipeline.Continue()
}

// executeSingle dispatches to one worker and records the circuit-breaker
// outcome against it.
func (s *Stage) executeSingle(ctx context.Context, w *worker.Worker, req *gwproto.GenerateRequest) (gwproto.Stream, error) {
	client, err := s.ClientFor(w)
	if err != nil {
		w.RecordOutcome(false)
		return nil, gwerrors.Wrap(gwerrors.Unavailable, "client_unavailable", "could not acquire client for worker", err)
	}
	stream, err := client.Generate(ctx, req)
	w.RecordOutcome(err == nil)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.BadGateway, "generate_failed", "backend generate call failed", err)
	}
	return stream, nil
}

// ExecuteEmbed is the unary embeddings path; Error and None outcomes both
// surface as a 500-class error (§4.8).
func (s *Stage) ExecuteEmbed(ctx context.Context, w *worker.Worker, req *gwproto.EmbedRequest) (*gwproto.EmbedComplete, error) {
	client, err := s.ClientFor(w)
	if err != nil {
		w.RecordOutcome(false)
		return nil, gwerrors.Wrap(gwerrors.Unavailable, "client_unavailable", "could not acquire client for worker", err)
	}
	outcome, err := client.Embed(ctx, req)
	if err != nil {
		w.RecordOutcome(false)
		return nil, gwerrors.Wrap(gwerrors.BadGateway, "embed_failed", "backend embed call failed", err)
	}
	if outcome.Err != nil {
		w.RecordOutcome(false)
		return nil, gwerrors.Wrap(gwerrors.Internal, "embed_error", "backend returned an embed error", outcome.Err)
	}
	if outcome.Complete == nil {
		w.RecordOutcome(false)
		return nil, gwerrors.New(gwerrors.Internal, "embed_empty", "backend returned neither a result nor an error")
	}
	w.RecordOutcome(true)
	return outcome.Complete, nil
}

// DualStream is the Dual{prefill, decode} pair of result streams from a
// parallel PD dispatch (SGLang).
type DualStream struct {
	Prefill gwproto.Stream
	Decode  gwproto.Stream
}

// executeDual clones the request, sends to both clients concurrently, waits
// for both to return (or fail), and records the circuit-breaker outcome
// per-worker. Either failure fails the whole request.
func (s *Stage) executeDual(ctx context.Context, prefill, decode *worker.Worker, req *gwproto.GenerateRequest) (*DualStream, error) {
	pClient, err := s.ClientFor(prefill)
	if err != nil {
		prefill.RecordOutcome(false)
		return nil, gwerrors.Wrap(gwerrors.Unavailable, "client_unavailable", "could not acquire prefill client", err)
	}
	dClient, err := s.ClientFor(decode)
	if err != nil {
		decode.RecordOutcome(false)
		return nil, gwerrors.Wrap(gwerrors.Unavailable, "client_unavailable", "could not acquire decode client", err)
	}

	type result struct {
		stream gwproto.Stream
		err    error
	}
	pCh := make(chan result, 1)
	dCh := make(chan result, 1)

	go func() {
		st, err := pClient.Generate(ctx, req.Clone())
		pCh <- result{st, err}
	}()
	go func() {
		st, err := dClient.Generate(ctx, req.Clone())
		dCh <- result{st, err}
	}()

	pr, dr := <-pCh, <-dCh
	prefill.RecordOutcome(pr.err == nil)
	decode.RecordOutcome(dr.err == nil)

	if pr.err != nil {
		return nil, gwerrors.Wrap(gwerrors.BadGateway, "generate_failed", "prefill dispatch failed", pr.err)
	}
	if dr.err != nil {
		return nil, gwerrors.Wrap(gwerrors.BadGateway, "generate_failed", "decode dispatch failed", dr.err)
	}
	return &DualStream{Prefill: pr.stream, Decode: dr.stream}, nil
}

// executeSequentialPD is the vLLM PD path: dispatch a max_tokens=1,
// stream=false copy to prefill, drain it to completion, extract Mooncake
// bootstrap metadata from the prefill worker's labels (per the open-question
// decision in SPEC_FULL.md §13 — worker labels win over any proto fields),
// inject it into the decode copy, then dispatch decode with the original
// parameters and return its stream as a Single result.
func (s *Stage) executeSequentialPD(ctx context.Context, prefill, decode *worker.Worker, req *gwproto.GenerateRequest) (gwproto.Stream, error) {
	prefillReq := req.Clone()
	prefillReq.Sampling.MaxTokens = 1
	prefillReq.Sampling.Stream = false

	pClient, err := s.ClientFor(prefill)
	if err != nil {
		prefill.RecordOutcome(false)
		return nil, gwerrors.Wrap(gwerrors.Unavailable, "client_unavailable", "could not acquire prefill client", err)
	}
	pStream, err := pClient.Generate(ctx, prefillReq)
	if err != nil {
		prefill.RecordOutcome(false)
		return nil, gwerrors.Wrap(gwerrors.BadGateway, "generate_failed", "prefill dispatch failed", err)
	}
	if err := drainToCompletion(pStream); err != nil {
		prefill.RecordOutcome(false)
		return nil, gwerrors.Wrap(gwerrors.BadGateway, "generate_failed", "prefill stream failed", err)
	}
	prefill.RecordOutcome(true)

	decodeReq := req.Clone()
	if prefill.KVConnector == "MooncakeConnector" {
		decodeReq.KVTransfer = &gwproto.KVTransferParams{
			RemoteHost: prefill.BootstrapHost,
			RemotePort: prefill.BootstrapPort,
		}
	}

	dClient, err := s.ClientFor(decode)
	if err != nil {
		decode.RecordOutcome(false)
		return nil, gwerrors.Wrap(gwerrors.Unavailable, "client_unavailable", "could not acquire decode client", err)
	}
	dStream, err := dClient.Generate(ctx, decodeReq)
	decode.RecordOutcome(err == nil)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.BadGateway, "generate_failed", "decode dispatch failed", err)
	}
	return dStream, nil
}

// drainToCompletion reads the prefill stream until Complete/Error/EOF; any
// chunk acknowledges prefill is done (§4.8).
func drainToCompletion(stream gwproto.Stream) error {
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if chunk.Kind == gwproto.ChunkError {
			return chunk.Err
		}
		if chunk.Kind == gwproto.ChunkComplete {
			return nil
		}
	}
}
