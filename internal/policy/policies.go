package policy

import (
	"math/rand"
	"sync/atomic"

	"github.com/smg/model-gateway/internal/worker"
)

// RoundRobin cycles through workers via a fetch-add counter modulo the
// healthy count, so unhealthy workers are skipped without perturbing the
// cycle for everyone else.
type RoundRobin struct {
	counter atomic.Uint64
}

func (*RoundRobin) Name() string { return "round_robin" }

func (p *RoundRobin) SelectWorker(workers []*worker.Worker, _ SelectWorkerInfo) int {
	if len(workers) == 0 {
		return -1
	}
	n := uint64(p.counter.Add(1) - 1)
	idx := int(n % uint64(len(workers)))
	return idx
}

// Random picks uniformly among the given workers.
type Random struct{}

func (*Random) Name() string { return "random" }

func (*Random) SelectWorker(workers []*worker.Worker, _ SelectWorkerInfo) int {
	if len(workers) == 0 {
		return -1
	}
	return rand.Intn(len(workers))
}

// CacheAware favors the worker whose URL shares the longest common prefix
// with the request text, tie-broken by lowest load. It keeps no record of the
// prompts a worker has served and does not consult token IDs, so the score
// does not reflect what a worker's prefix cache holds.
type CacheAware struct{}

func (*CacheAware) Name() string { return "cache_aware" }

func (*CacheAware) SelectWorker(workers []*worker.Worker, info SelectWorkerInfo) int {
	if len(workers) == 0 {
		return -1
	}
	best := 0
	bestPrefix := -1
	bestLoad := int64(-1)
	for i, w := range workers {
		prefix := longestCommonPrefix(info.RequestText, w.URL)
		load := w.Load()
		if prefix > bestPrefix || (prefix == bestPrefix && load < bestLoad) {
			best, bestPrefix, bestLoad = i, prefix, load
		}
	}
	return best
}

// PowerOfTwoChoices samples two workers uniformly at random and returns the
// one with lower current load, a cheap approximation to "pick the least
// loaded" that avoids the herd effect of always picking the global minimum.
type PowerOfTwoChoices struct{}

func (*PowerOfTwoChoices) Name() string { return "power_of_two" }

func (*PowerOfTwoChoices) SelectWorker(workers []*worker.Worker, _ SelectWorkerInfo) int {
	n := len(workers)
	if n == 0 {
		return -1
	}
	if n == 1 {
		return 0
	}
	i := rand.Intn(n)
	j := rand.Intn(n - 1)
	if j >= i {
		j++
	}
	if workers[j].Load() < workers[i].Load() {
		return j
	}
	return i
}

// PrefixHash maps a hash of the request's prefix onto the model's consistent
// hash ring, so repeated requests sharing a prompt prefix land on the same
// worker as long as that worker stays in the ring.
type PrefixHash struct{}

func (*PrefixHash) Name() string { return "prefix_hash" }

func (*PrefixHash) SelectWorker(workers []*worker.Worker, info SelectWorkerInfo) int {
	if len(workers) == 0 {
		return -1
	}
	if info.HashRing == nil {
		return (&RoundRobin{}).SelectWorker(workers, info)
	}
	key := info.RequestText
	if key == "" && len(info.TokenIDs) > 0 {
		key = tokenKey(info.TokenIDs)
	}
	url := info.HashRing.Lookup(key)
	for i, w := range workers {
		if w.URL == url {
			return i
		}
	}
	// The ring returned a worker not present in this filtered slice (e.g. it
	// is unavailable and was excluded upstream); fall back deterministically.
	return (&RoundRobin{}).SelectWorker(workers, info)
}

func tokenKey(ids []int32) string {
	n := len(ids)
	if n > 32 {
		n = 32
	}
	b := make([]byte, 0, n*4)
	for _, id := range ids[:n] {
		b = append(b, byte(id), byte(id>>8), byte(id>>16), byte(id>>24))
	}
	return string(b)
}
