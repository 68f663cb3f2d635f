package statemachine

import (
	"path"
	"sort"

	"github.com/concorddb/concord/internal/codec"
	"github.com/concorddb/concord/internal/errs"
	"github.com/concorddb/concord/internal/store"
)

// Entry is the decoded form of a stored record returned by every query
// below — Value is always the caller's original bytes, never the
// codec-framed ones the store persists (spec §4.D: queries decode
// before returning, same as conditionMatches already does for writes).
type Entry struct {
	Key       string
	Value     []byte
	Version   uint64
	ExpiresAt *int64 // nil if the key never expires
}

// Stats summarizes machine state for the `stats` query (spec §4.D).
type Stats struct {
	Size             int
	MemoryUsageBytes int64
	IndexNames       []string
	LastAppliedIndex uint64
	LastAppliedTerm  uint64
}

// KeysByMode selects how KeysBy scans the keyspace (spec §4.D
// `keys_by(prefix|range|pattern, limit, offset)`).
type KeysByMode string

const (
	KeysByPrefix  KeysByMode = "prefix"
	KeysByRange   KeysByMode = "range"
	KeysByPattern KeysByMode = "pattern"
)

// KeysByQuery bundles KeysBy's arguments; only the fields relevant to
// Mode need to be set (Prefix for prefix, From/To for range, Pattern
// for pattern).
type KeysByQuery struct {
	Mode    KeysByMode
	Prefix  string
	From    string
	To      string
	Pattern string
	Limit   int
	Offset  int
}

// Get returns the decoded value and version for key as of now, or
// ErrNotFound if absent or expired (spec §4.D `get`).
func (m *Machine) Get(key []byte, now int64) ([]byte, uint64, error) {
	e, err := m.getEntry(key, now)
	if err != nil {
		return nil, 0, err
	}
	return e.Value, e.Version, nil
}

// GetWithTTL is Get plus the record's absolute expiry, if any (spec
// §4.D `get_with_ttl`).
func (m *Machine) GetWithTTL(key []byte, now int64) ([]byte, uint64, *int64, error) {
	e, err := m.getEntry(key, now)
	if err != nil {
		return nil, 0, nil, err
	}
	return e.Value, e.Version, e.ExpiresAt, nil
}

// TTL returns only a key's absolute expiry, if any (spec §4.D `ttl`).
func (m *Machine) TTL(key []byte, now int64) (*int64, error) {
	e, err := m.getEntry(key, now)
	if err != nil {
		return nil, err
	}
	return e.ExpiresAt, nil
}

// GetAll returns every non-expired record, decoded, in lexicographic
// key order (spec §4.D `get_all`).
func (m *Machine) GetAll(now int64) []Entry {
	return m.decodeKVs(m.store.Iter(now))
}

// GetAllWithTTL is GetAll; Entry already carries ExpiresAt, so the two
// queries share an implementation and differ only in the caller's
// intent (spec §4.D `get_all_with_ttl`).
func (m *Machine) GetAllWithTTL(now int64) []Entry {
	return m.GetAll(now)
}

// GetMany returns a decoded Entry for every key in keys that currently
// exists and isn't expired, preserving the input order; missing keys
// are silently omitted rather than erroring the whole call (spec §4.D
// `get_many`).
func (m *Machine) GetMany(keys [][]byte, now int64) []Entry {
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		e, err := m.getEntry(k, now)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

// LookupIndex returns the sorted set of keys currently holding token in
// the named secondary index (spec §4.D `lookup_index(name, token)`).
func (m *Machine) LookupIndex(name, token string) ([]string, error) {
	return m.indexes.Lookup(name, token)
}

// KeysBy scans the keyspace per q.Mode and returns the matching,
// non-expired keys after applying q.Offset/q.Limit (spec §4.D
// `keys_by(prefix|range|pattern, limit, offset)`). A zero Limit means
// unbounded.
func (m *Machine) KeysBy(q KeysByQuery, now int64) ([]string, error) {
	var kvs []store.KV
	switch q.Mode {
	case KeysByPrefix:
		kvs = m.store.Prefix([]byte(q.Prefix), now)
	case KeysByRange:
		kvs = m.store.Range([]byte(q.From), []byte(q.To), now)
	case KeysByPattern:
		kvs = m.filterByPattern(m.store.Iter(now), q.Pattern)
	default:
		return nil, errs.ErrInvalidOperationFormat
	}

	keys := make([]string, len(kvs))
	for i, kv := range kvs {
		keys[i] = string(kv.Key)
	}
	return paginate(keys, q.Limit, q.Offset), nil
}

// Stats reports current size/memory/index bookkeeping for the `stats`
// query (spec §4.D).
func (m *Machine) Stats() Stats {
	return Stats{
		Size:             m.store.Size(),
		MemoryUsageBytes: m.store.MemoryUsage(),
		IndexNames:       m.indexes.Names(),
		LastAppliedIndex: m.lastAppliedIndex,
		LastAppliedTerm:  m.lastAppliedTerm,
	}
}

func (m *Machine) getEntry(key []byte, now int64) (Entry, error) {
	rec, ok := m.store.Get(key, now)
	if !ok {
		return Entry{}, errs.ErrNotFound
	}
	decoded, err := codec.Decode(rec.Value)
	if err != nil {
		m.log.Error("codec decode failed while serving a query")
		return Entry{}, errs.ErrMalformedEncoding
	}
	return Entry{Key: string(key), Value: decoded, Version: rec.Version, ExpiresAt: rec.ExpiresAt}, nil
}

func (m *Machine) decodeKVs(kvs []store.KV) []Entry {
	out := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		decoded, err := codec.Decode(kv.Record.Value)
		if err != nil {
			m.log.Error("codec decode failed while serving a query")
			continue
		}
		out = append(out, Entry{
			Key:       string(kv.Key),
			Value:     decoded,
			Version:   kv.Record.Version,
			ExpiresAt: kv.Record.ExpiresAt,
		})
	}
	return out
}

// filterByPattern keeps only kvs whose key matches pattern under
// path.Match's shell-glob syntax (`*`, `?`, `[...]`) — the corpus has
// no dedicated glob dependency, so this is one of the few call sites
// this module leans on the standard library for (see DESIGN.md).
func (m *Machine) filterByPattern(kvs []store.KV, pattern string) []store.KV {
	out := make([]store.KV, 0, len(kvs))
	for _, kv := range kvs {
		matched, err := path.Match(pattern, string(kv.Key))
		if err != nil || !matched {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func paginate(keys []string, limit, offset int) []string {
	sort.Strings(keys)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(keys) {
		return []string{}
	}
	keys = keys[offset:]
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}
	return keys
}
