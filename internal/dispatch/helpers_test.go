package dispatch_test

import (
	"github.com/smg/model-gateway/internal/pipeline"
	"github.com/smg/model-gateway/internal/worker"
	"github.com/smg/model-gateway/pkg/gwproto"
)

func newRCWithSingle(w *worker.Worker) *pipeline.Context {
	rc := pipeline.NewContext(pipeline.Input{ModelID: "m"})
	rc.Selection = &pipeline.Selection{Single: w}
	rc.ProtoReq = &gwproto.GenerateRequest{ModelID: "m", InputIDs: []int32{1, 2}}
	return rc
}

func newRCWithDual(prefill, decode *worker.Worker) *pipeline.Context {
	rc := pipeline.NewContext(pipeline.Input{ModelID: "m"})
	rc.Selection = &pipeline.Selection{Prefill: prefill, Decode: decode, Runtime: prefill.Runtime}
	rc.ProtoReq = &gwproto.GenerateRequest{ModelID: "m", InputIDs: []int32{1, 2}}
	return rc
}
