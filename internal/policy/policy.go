// Package policy implements the gateway's load-balancing policies: pure
// selection functions over a slice of workers given request signals, per
// SPEC_FULL.md §4.3. Policies never mutate the workers they're given; the
// one exception is RoundRobin's own atomic cursor.
package policy

import (
	"github.com/dgryski/go-rendezvous"
	"github.com/smg/model-gateway/internal/worker"
)

// SelectWorkerInfo carries the request signals a policy may use.
type SelectWorkerInfo struct {
	RequestText string
	TokenIDs    []int32
	Headers     map[string]string
	HashRing    *rendezvous.Rendezvous // only populated for PrefixHash
}

// Policy selects one worker index from workers, or -1 if workers is empty.
type Policy interface {
	Name() string
	SelectWorker(workers []*worker.Worker, info SelectWorkerInfo) int
}

// Registry is an open-set dispatch table keyed by policy name (SPEC_FULL.md
// §9: "a trait-object dispatch when the set is open"), so operators can
// register additional policies without a gateway rebuild.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry builds a registry pre-loaded with the five required policies.
func NewRegistry() *Registry {
	r := &Registry{policies: make(map[string]Policy)}
	for _, p := range []Policy{
		&RoundRobin{},
		&Random{},
		&CacheAware{},
		&PowerOfTwoChoices{},
		&PrefixHash{},
	} {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a named policy.
func (r *Registry) Register(p Policy) { r.policies[p.Name()] = p }

// Get returns a registered policy by name, or nil.
func (r *Registry) Get(name string) Policy { return r.policies[name] }

func longestCommonPrefix(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
