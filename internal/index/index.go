// Package index implements the secondary index engine (spec §4.C): a
// set of user-declared inverted indexes, each mapping (index name,
// token) -> set of keys, kept consistent with the store on every write
// within the same state-machine transition.
package index

import (
	"sort"
	"sync"

	"github.com/concorddb/concord/internal/codec"
	"github.com/concorddb/concord/internal/errs"
	"github.com/concorddb/concord/internal/store"
)

// Extractor maps a record value to zero, one, or many index tokens. It
// must be deterministic and is registered under a stable id at process
// start (spec §9: extractors can't be serialized by reference across
// nodes, so the log only ever carries the id).
type Extractor interface {
	Extract(value []byte) []string
}

// ExtractorFunc adapts a plain function to the Extractor interface.
type ExtractorFunc func(value []byte) []string

func (f ExtractorFunc) Extract(value []byte) []string { return f(value) }

// Registry holds the process-wide, startup-time mapping from stable
// extractor id to implementation. Every node in the cluster must start
// with the same registry contents, or index_create commands referencing
// an unknown id will fail identically everywhere (which is the point:
// determinism over convenience).
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

// Register binds extractorID to impl. Intended to be called during
// startup wiring, before the node joins the cluster; registering the
// same id twice with a different implementation is a wiring bug.
func (r *Registry) Register(extractorID string, impl Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[extractorID] = impl
}

// Lookup resolves extractorID, or reports false if it is unknown on
// this node. index_create against an unknown id must fail validation
// rather than silently admitting an anonymous extractor (spec §9).
func (r *Registry) Lookup(extractorID string) (Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[extractorID]
	return e, ok
}

// Descriptor declares a secondary index (spec §3).
type Descriptor struct {
	Name            string
	ExtractorID     string
	ReindexOnCreate bool
}

// Engine owns every registered index's token -> key-set map.
type Engine struct {
	registry *Registry

	mu      sync.RWMutex
	indexes map[string]*indexState
}

type indexState struct {
	desc      Descriptor
	extractor Extractor
	// tokens maps token -> set of keys holding it.
	tokens map[string]map[string]struct{}
}

// New returns an empty index engine bound to registry for extractor resolution.
func New(registry *Registry) *Engine {
	return &Engine{registry: registry, indexes: make(map[string]*indexState)}
}

// Create registers a new index. If reindex is true (or desc.ReindexOnCreate),
// the caller is expected to follow up with Reindex once it has a full
// store scan available — Create itself never touches existing records to
// keep its cost bounded and callers explicit about the (deterministic,
// single) scan that populates it.
func (e *Engine) Create(desc Descriptor) error {
	extractor, ok := e.registry.Lookup(desc.ExtractorID)
	if !ok {
		return errs.ErrInvalidOperationFormat
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indexes[desc.Name] = &indexState{
		desc:      desc,
		extractor: extractor,
		tokens:    make(map[string]map[string]struct{}),
	}
	return nil
}

// Drop removes an index entirely.
func (e *Engine) Drop(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.indexes[name]; !ok {
		return errs.ErrNotFound
	}
	delete(e.indexes, name)
	return nil
}

// Exists reports whether name is a currently registered index.
func (e *Engine) Exists(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.indexes[name]
	return ok
}

// Lookup returns the sorted set of keys currently holding token in index name.
func (e *Engine) Lookup(name, token string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.indexes[name]
	if !ok {
		return nil, errs.ErrNotFound
	}
	set, ok := idx.tokens[token]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// OnPut recomputes every index's membership for key given the old and
// new record (either may be nil). Extractor failures are caught and
// treated as "no tokens" for that key+index — they never abort the
// enclosing state-machine transition (spec §4.C).
func (e *Engine) OnPut(key string, old, next *store.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, idx := range e.indexes {
		oldTokens := safeExtract(idx.extractor, old)
		newTokens := safeExtract(idx.extractor, next)
		applyDelta(idx, key, oldTokens, newTokens)
	}
}

// OnDelete removes key from every index it was a member of.
func (e *Engine) OnDelete(key string, old *store.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, idx := range e.indexes {
		oldTokens := safeExtract(idx.extractor, old)
		applyDelta(idx, key, oldTokens, nil)
	}
}

// Reindex rebuilds a single index from scratch via a deterministic scan
// over kvs (the full, non-expired store contents in key order). kvs'
// records hold the codec-framed bytes the store persists, so each value
// is decoded before it ever reaches the extractor (spec §3 invariant
// 4); a decode failure is treated like an extractor panic — no tokens
// for that key, never an aborted reindex (spec §4.C).
func (e *Engine) Reindex(name string, kvs []store.KV) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx, ok := e.indexes[name]
	if !ok {
		return errs.ErrNotFound
	}
	idx.tokens = make(map[string]map[string]struct{})
	for _, kv := range kvs {
		decoded, err := codec.Decode(kv.Record.Value)
		if err != nil {
			continue
		}
		for _, tok := range safeExtract(idx.extractor, &store.Record{Value: decoded}) {
			addToken(idx, tok, string(kv.Key))
		}
	}
	return nil
}

// Names returns every currently registered index name, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.indexes))
	for n := range e.indexes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns every registered descriptor, for snapshotting.
func (e *Engine) Descriptors() []Descriptor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Descriptor, 0, len(e.indexes))
	for _, idx := range e.indexes {
		out = append(out, idx.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func safeExtract(extractor Extractor, rec *store.Record) (tokens []string) {
	if rec == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			tokens = nil
		}
	}()
	return extractor.Extract(rec.Value)
}

func applyDelta(idx *indexState, key string, oldTokens, newTokens []string) {
	oldSet := toSet(oldTokens)
	newSet := toSet(newTokens)

	for tok := range oldSet {
		if _, keep := newSet[tok]; !keep {
			removeToken(idx, tok, key)
		}
	}
	for tok := range newSet {
		if _, had := oldSet[tok]; !had {
			addToken(idx, tok, key)
		}
	}
}

func addToken(idx *indexState, token, key string) {
	set, ok := idx.tokens[token]
	if !ok {
		set = make(map[string]struct{})
		idx.tokens[token] = set
	}
	set[key] = struct{}{}
}

func removeToken(idx *indexState, token, key string) {
	set, ok := idx.tokens[token]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(idx.tokens, token)
	}
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
