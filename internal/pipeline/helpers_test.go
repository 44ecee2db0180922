package pipeline_test

import "github.com/smg/model-gateway/internal/worker"

func newTestWorker() *worker.Worker {
	return worker.NewWorker("http://w1:8000", worker.ModelCard{ID: "m"}, worker.KindRegular, worker.ConnHTTP, worker.RuntimeSGLang, worker.DefaultCircuitBreakerConfig())
}
