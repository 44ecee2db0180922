package worker

import (
	"errors"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/dgryski/go-rendezvous"
)

// ErrAlreadyExists is returned by Insert when a worker URL is already registered.
var ErrAlreadyExists = errors.New("worker: url already registered")

// ErrNotFound is returned when a lookup by URL misses.
var ErrNotFound = errors.New("worker: not found")

// Filter narrows GetWorkersFiltered's scan. A zero-value field is a wildcard
// except OnlyAvailable, which defaults to "don't filter on availability".
type Filter struct {
	ModelID       string
	Type          *Kind
	Conn          *ConnectionMode
	Runtime       *RuntimeType
	OnlyAvailable bool
}

func (f Filter) matches(w *Worker) bool {
	if f.ModelID != "" && !w.ModelCard.Matches(f.ModelID) {
		return false
	}
	if f.Type != nil && w.Type != *f.Type {
		return false
	}
	if f.Conn != nil && w.Conn != *f.Conn {
		return false
	}
	if f.Runtime != nil && w.Runtime != *f.Runtime {
		return false
	}
	if f.OnlyAvailable && !w.IsAvailable() {
		return false
	}
	return true
}

// Registry is the authoritative, concurrency-safe URL→Worker map plus its
// derived indexes (SPEC_FULL.md §3 WorkerRegistry). Reads take an RLock and
// return cloned slices of worker pointers so callers may range over them
// after the lock is released, matching the "shared ownership, not
// references" contract in §4.1.
type Registry struct {
	mu      sync.RWMutex
	byURL   map[string]*Worker
	byModel map[string][]*Worker // derived index, rebuilt on mutation

	ringMu sync.Mutex
	rings  map[string]*rendezvous.Rendezvous // model_id -> ring, invalidated on mutation
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byURL:   make(map[string]*Worker),
		byModel: make(map[string][]*Worker),
		rings:   make(map[string]*rendezvous.Rendezvous),
	}
}

// Insert adds a new worker. Fails with ErrAlreadyExists if the URL (including
// any #dp<rank> suffix discovery appends for a data-parallel rank) is already
// present.
func (r *Registry) Insert(w *Worker) error {
	r.mu.Lock()
	if _, exists := r.byURL[w.URL]; exists {
		r.mu.Unlock()
		return ErrAlreadyExists
	}
	r.byURL[w.URL] = w
	r.rebuildModelIndexLocked()
	r.mu.Unlock()

	r.invalidateRing(w.ModelCard.ID)
	return nil
}

// Remove deletes a worker by URL. A no-op if the URL is not present.
func (r *Registry) Remove(url string) {
	r.mu.Lock()
	w, ok := r.byURL[url]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byURL, url)
	r.rebuildModelIndexLocked()
	r.mu.Unlock()

	r.invalidateRing(w.ModelCard.ID)
}

// GetByURL returns the worker registered at url, if any.
func (r *Registry) GetByURL(url string) (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byURL[url]
	if !ok {
		return nil, ErrNotFound
	}
	return w, nil
}

// GetModels returns the distinct model IDs currently registered.
func (r *Registry) GetModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]string, 0, len(r.byModel))
	for m := range r.byModel {
		models = append(models, m)
	}
	return models
}

// GetWorkersFiltered scans the model-indexed slice (or the whole map when
// ModelID is empty) and returns workers matching the filter's conjunction.
func (r *Registry) GetWorkersFiltered(f Filter) []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*Worker
	if f.ModelID != "" {
		candidates = r.byModel[f.ModelID]
	} else {
		candidates = make([]*Worker, 0, len(r.byURL))
		for _, w := range r.byURL {
			candidates = append(candidates, w)
		}
	}

	out := make([]*Worker, 0, len(candidates))
	for _, w := range candidates {
		if f.matches(w) {
			out = append(out, w)
		}
	}
	return out
}

// GetHashRing returns the rendezvous ring over every worker registered under
// modelID, rebuilding it lazily if it was invalidated by a mutation since the
// last call. Ring construction uses the full worker set for the model
// (not filtered by availability): an unhealthy worker is excluded from
// selection by the caller checking IsAvailable(), not by reshuffling the
// ring, matching SPEC_FULL.md §4.1's "failure of a worker removes it from
// selection without reshuffling unaffected keys".
func (r *Registry) GetHashRing(modelID string) *rendezvous.Rendezvous {
	r.ringMu.Lock()
	defer r.ringMu.Unlock()

	if ring, ok := r.rings[modelID]; ok {
		return ring
	}

	workers := r.GetWorkersFiltered(Filter{ModelID: modelID})
	nodes := make([]string, len(workers))
	for i, w := range workers {
		nodes[i] = w.URL
	}
	ring := rendezvous.New(nodes, fnvHash)
	r.rings[modelID] = ring
	return ring
}

func (r *Registry) invalidateRing(modelID string) {
	r.ringMu.Lock()
	delete(r.rings, modelID)
	r.ringMu.Unlock()
}

// rebuildModelIndexLocked regenerates byModel from byURL. Called with mu held
// for writing. O(n) per mutation is acceptable: registry mutations are rare
// (operator-driven registration/deregistration), reads are the hot path.
// Each model's slice is ordered by URL.
func (r *Registry) rebuildModelIndexLocked() {
	urls := make([]string, 0, len(r.byURL))
	for u := range r.byURL {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	idx := make(map[string][]*Worker, len(r.byModel))
	for _, u := range urls {
		w := r.byURL[u]
		ids := append([]string{w.ModelCard.ID}, w.ModelCard.Aliases...)
		for _, id := range ids {
			if id == "" {
				continue
			}
			idx[id] = append(idx[id], w)
		}
	}
	r.byModel = idx
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
