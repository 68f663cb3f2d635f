// Package statemachine implements the deterministic command/query
// interpreter (spec §4.D, "the heart"): it is the only thing allowed
// to mutate the store and indexes, and every mutation arrives as a
// single, already-ordered Command produced by the replicated log.
//
// Machine is consensus-agnostic on purpose — it knows nothing about
// raft.Log or leadership. The adapter in
// internal/consensus/raftprovider is what makes it a raft.FSM.
package statemachine

import (
	"sort"

	"go.uber.org/zap"

	"github.com/concorddb/concord/internal/codec"
	"github.com/concorddb/concord/internal/errs"
	"github.com/concorddb/concord/internal/events"
	"github.com/concorddb/concord/internal/index"
	"github.com/concorddb/concord/internal/snapshot"
	"github.com/concorddb/concord/internal/store"
	"github.com/concorddb/concord/internal/wire"
)

// Config wires a Machine's collaborators.
type Config struct {
	CodecConfig codec.Config
	Registry    *index.Registry
	Publisher   *events.Publisher
	NodeID      string
	Logger      *zap.Logger
}

// Machine is the state-machine state (spec §3): store + indexes +
// last-applied bookkeeping. It must be driven by exactly one goroutine
// at a time (single-threaded cooperative apply, spec §5); queries may
// run concurrently because every read method takes its own lock.
type Machine struct {
	store    *store.Store
	indexes  *index.Engine
	registry *index.Registry
	codecCfg codec.Config
	pub      *events.Publisher
	nodeID   string
	log      *zap.Logger

	lastAppliedIndex uint64
	lastAppliedTerm  uint64
}

// New constructs an empty Machine.
func New(cfg Config) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = events.New(events.Config{})
	}
	registry := cfg.Registry
	if registry == nil {
		registry = index.NewRegistry()
	}
	return &Machine{
		store:    store.New(),
		indexes:  index.New(registry),
		registry: registry,
		codecCfg: cfg.CodecConfig,
		pub:      pub,
		nodeID:   cfg.NodeID,
		log:      logger,
	}
}

// Reply is the uniform result of Apply: either Err is set (usually a
// Conditional-kind error such as NotFound or ConditionFailed; also
// InvalidKey, InvalidOperationFormat, MalformedEncoding or CorruptState
// when the command resolves to one — in every case part of the
// agreed-upon commit) or Result holds one of the *Result types below.
type Reply struct {
	Err    error
	Result interface{}
}

type PutResult struct{ Version uint64 }
type DeleteResult struct{}
type TouchResult struct{ ExpiresAt int64 }
type PutIfResult struct{ Version uint64 }
type DeleteIfResult struct{}
type BulkResult struct{ Count int }
type CleanupResult struct{ DeletedCount int }
type IndexResult struct{}

// LastApplied returns the index/term of the most recently applied command.
func (m *Machine) LastApplied() (index, term uint64) {
	return m.lastAppliedIndex, m.lastAppliedTerm
}

// Apply executes one already-ordered command against the machine.
// logIndex/logTerm come from the consensus layer and are recorded
// unconditionally, even when the command itself returns a Conditional
// error — every committed entry produces exactly one transition
// (spec §3 invariant 3), including ones that "fail" at the domain level.
func (m *Machine) Apply(cmd wire.Command, logIndex, logTerm uint64) Reply {
	defer func() {
		m.lastAppliedIndex = logIndex
		m.lastAppliedTerm = logTerm
	}()

	switch cmd.Tag {
	case wire.TagPut:
		return m.applyPut(*cmd.Put, cmd.Now, logIndex)
	case wire.TagDelete:
		return m.applyDelete(*cmd.Delete, cmd.Now, logIndex)
	case wire.TagTouch:
		return m.applyTouch(*cmd.Touch, cmd.Now, logIndex)
	case wire.TagPutIf:
		return m.applyPutIf(*cmd.PutIf, cmd.Now, logIndex)
	case wire.TagDeleteIf:
		return m.applyDeleteIf(*cmd.DeleteIf, cmd.Now, logIndex)
	case wire.TagPutMany:
		return m.applyPutMany(cmd.PutMany, cmd.Now, logIndex)
	case wire.TagDeleteMany:
		return m.applyDeleteMany(cmd.DeleteMany, cmd.Now, logIndex)
	case wire.TagTouchMany:
		return m.applyTouchMany(cmd.TouchMany, cmd.Now, logIndex)
	case wire.TagCleanupExpired:
		return m.applyCleanupExpired(cmd.Now, logIndex)
	case wire.TagIndexCreate:
		return m.applyIndexCreate(*cmd.IndexCreate, cmd.Now)
	case wire.TagIndexDrop:
		return m.applyIndexDrop(*cmd.IndexDrop)
	case wire.TagIndexReindex:
		return m.applyIndexReindex(*cmd.IndexReindex, cmd.Now)
	default:
		m.log.Error("corrupt state: unknown command tag", zap.Uint8("tag", uint8(cmd.Tag)))
		return Reply{Err: errs.ErrCorruptState}
	}
}

func (m *Machine) applyPut(op wire.PutOp, now int64, logIndex uint64) Reply {
	if err := store.ValidateKey(op.Key); err != nil {
		return Reply{Err: err}
	}
	encoded, err := codec.Encode(op.Value, m.codecCfg)
	if err != nil {
		m.log.Error("codec encode failed", zap.Error(err))
		return Reply{Err: errs.ErrMalformedEncoding}
	}

	old, _ := m.store.Get(op.Key, now)
	version := uint64(1)
	if old != nil {
		version = old.Version + 1
	}
	next := &store.Record{Value: encoded, ExpiresAt: op.ExpiresAt, Version: version}
	m.store.Put(op.Key, next)
	m.indexes.OnPut(string(op.Key), m.decodeForIndex(old), m.decodeForIndex(next))
	m.publish("put", []string{string(op.Key)}, version, logIndex)
	return Reply{Result: PutResult{Version: version}}
}

func (m *Machine) applyDelete(op wire.DeleteOp, now int64, logIndex uint64) Reply {
	old, ok := m.store.Get(op.Key, now)
	if !ok {
		return Reply{Err: errs.ErrNotFound}
	}
	m.store.Delete(op.Key)
	m.indexes.OnDelete(string(op.Key), m.decodeForIndex(old))
	m.publish("delete", []string{string(op.Key)}, old.Version, logIndex)
	return Reply{Result: DeleteResult{}}
}

func (m *Machine) applyTouch(op wire.TouchOp, now int64, logIndex uint64) Reply {
	old, ok := m.store.Get(op.Key, now)
	if !ok {
		return Reply{Err: errs.ErrNotFound}
	}
	base := now
	if old.ExpiresAt != nil && *old.ExpiresAt > base {
		base = *old.ExpiresAt
	}
	newExpires := base + op.AdditionalSeconds
	next := old.Clone()
	next.ExpiresAt = &newExpires
	m.store.Put(op.Key, next)
	m.indexes.OnPut(string(op.Key), m.decodeForIndex(old), m.decodeForIndex(next))
	m.publish("touch", []string{string(op.Key)}, next.Version, logIndex)
	return Reply{Result: TouchResult{ExpiresAt: newExpires}}
}

func (m *Machine) applyPutIf(op wire.PutIfOp, now int64, logIndex uint64) Reply {
	if err := store.ValidateKey(op.Key); err != nil {
		return Reply{Err: err}
	}
	current, ok := m.store.Get(op.Key, now)
	if !ok {
		return Reply{Err: errs.ErrNotFound}
	}
	if !m.conditionMatches(op.Cond, current) {
		return Reply{Err: errs.ErrConditionFailed}
	}
	encoded, err := codec.Encode(op.Value, m.codecCfg)
	if err != nil {
		return Reply{Err: errs.ErrMalformedEncoding}
	}
	version := current.Version + 1
	next := &store.Record{Value: encoded, ExpiresAt: current.ExpiresAt, Version: version}
	m.store.Put(op.Key, next)
	m.indexes.OnPut(string(op.Key), m.decodeForIndex(current), m.decodeForIndex(next))
	m.publish("put_if", []string{string(op.Key)}, version, logIndex)
	return Reply{Result: PutIfResult{Version: version}}
}

func (m *Machine) applyDeleteIf(op wire.DeleteIfOp, now int64, logIndex uint64) Reply {
	current, ok := m.store.Get(op.Key, now)
	if !ok {
		return Reply{Err: errs.ErrNotFound}
	}
	if !m.conditionMatches(op.Cond, current) {
		return Reply{Err: errs.ErrConditionFailed}
	}
	m.store.Delete(op.Key)
	m.indexes.OnDelete(string(op.Key), m.decodeForIndex(current))
	m.publish("delete_if", []string{string(op.Key)}, current.Version, logIndex)
	return Reply{Result: DeleteIfResult{}}
}

func (m *Machine) conditionMatches(cond wire.Condition, current *store.Record) bool {
	switch cond.Kind {
	case wire.ConditionExpectedValue:
		decoded, err := codec.Decode(current.Value)
		if err != nil {
			return false
		}
		return string(decoded) == string(cond.ExpectedValue)
	case wire.ConditionPredicate:
		extractor, ok := m.registry.Lookup(cond.PredicateID)
		if !ok {
			return false
		}
		decoded, err := codec.Decode(current.Value)
		if err != nil {
			return false
		}
		for _, tok := range safeExtract(extractor, decoded) {
			if tok == cond.Token {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func safeExtract(extractor index.Extractor, value []byte) (tokens []string) {
	defer func() {
		if recover() != nil {
			tokens = nil
		}
	}()
	return extractor.Extract(value)
}

// decodeForIndex returns a shallow copy of rec with Value replaced by
// its codec-decoded form, since secondary index extractors must run
// over the logical value the caller put, never the codec-framed bytes
// the store holds underneath it (spec §3 invariant 4). A decode
// failure here is treated the same as an extractor panic — no tokens
// for this key+index, never a state-machine abort (spec §4.C) — since
// a record this method is ever called with was itself produced by
// codec.Encode moments earlier.
func (m *Machine) decodeForIndex(rec *store.Record) *store.Record {
	if rec == nil {
		return nil
	}
	decoded, err := codec.Decode(rec.Value)
	if err != nil {
		m.log.Error("codec decode failed during index maintenance", zap.Error(err))
		return nil
	}
	shadow := *rec
	shadow.Value = decoded
	return &shadow
}

// applyPutMany validates every op before applying any of them — the
// all-or-nothing invariant (spec §3 invariant 5).
func (m *Machine) applyPutMany(ops []wire.PutOp, now int64, logIndex uint64) Reply {
	encodedValues := make([][]byte, len(ops))
	for i, op := range ops {
		if err := store.ValidateKey(op.Key); err != nil {
			return Reply{Err: err}
		}
		encoded, err := codec.Encode(op.Value, m.codecCfg)
		if err != nil {
			return Reply{Err: errs.ErrMalformedEncoding}
		}
		encodedValues[i] = encoded
	}

	keys := make([]string, len(ops))
	for i, op := range ops {
		old, _ := m.store.Get(op.Key, now)
		version := uint64(1)
		if old != nil {
			version = old.Version + 1
		}
		next := &store.Record{Value: encodedValues[i], ExpiresAt: op.ExpiresAt, Version: version}
		m.store.Put(op.Key, next)
		m.indexes.OnPut(string(op.Key), m.decodeForIndex(old), m.decodeForIndex(next))
		keys[i] = string(op.Key)
	}
	m.publish("put_many", keys, 0, logIndex)
	return Reply{Result: BulkResult{Count: len(ops)}}
}

func (m *Machine) applyDeleteMany(rawKeys [][]byte, now int64, logIndex uint64) Reply {
	olds := make([]*store.Record, len(rawKeys))
	for i, k := range rawKeys {
		old, ok := m.store.Get(k, now)
		if !ok {
			return Reply{Err: errs.ErrNotFound}
		}
		olds[i] = old
	}
	keys := make([]string, len(rawKeys))
	for i, k := range rawKeys {
		m.store.Delete(k)
		m.indexes.OnDelete(string(k), m.decodeForIndex(olds[i]))
		keys[i] = string(k)
	}
	m.publish("delete_many", keys, 0, logIndex)
	return Reply{Result: BulkResult{Count: len(rawKeys)}}
}

func (m *Machine) applyTouchMany(ops []wire.TouchOp, now int64, logIndex uint64) Reply {
	olds := make([]*store.Record, len(ops))
	for i, op := range ops {
		old, ok := m.store.Get(op.Key, now)
		if !ok {
			return Reply{Err: errs.ErrNotFound}
		}
		olds[i] = old
	}
	keys := make([]string, len(ops))
	for i, op := range ops {
		old := olds[i]
		base := now
		if old.ExpiresAt != nil && *old.ExpiresAt > base {
			base = *old.ExpiresAt
		}
		newExpires := base + op.AdditionalSeconds
		next := old.Clone()
		next.ExpiresAt = &newExpires
		m.store.Put(op.Key, next)
		m.indexes.OnPut(string(op.Key), m.decodeForIndex(old), m.decodeForIndex(next))
		keys[i] = string(op.Key)
	}
	m.publish("touch_many", keys, 0, logIndex)
	return Reply{Result: BulkResult{Count: len(ops)}}
}

// applyCleanupExpired scans the store for records whose expiry has
// passed as of now and removes them. Idempotent on an empty result
// (spec §8 boundary behavior).
func (m *Machine) applyCleanupExpired(now int64, logIndex uint64) Reply {
	all := m.store.Iter(negativeInfinity) // include not-yet-filtered expired records
	var deletedKeys []string
	for _, kv := range all {
		if kv.Record.ExpiresAt == nil || *kv.Record.ExpiresAt > now {
			continue
		}
		m.store.Delete(kv.Key)
		m.indexes.OnDelete(string(kv.Key), m.decodeForIndex(kv.Record))
		deletedKeys = append(deletedKeys, string(kv.Key))
	}
	if len(deletedKeys) > 0 {
		m.publish("cleanup_expired", deletedKeys, 0, logIndex)
	}
	return Reply{Result: CleanupResult{DeletedCount: len(deletedKeys)}}
}

func (m *Machine) applyIndexCreate(op wire.IndexCreateOp, now int64) Reply {
	desc := index.Descriptor{Name: op.Name, ExtractorID: op.ExtractorID, ReindexOnCreate: op.Reindex}
	if err := m.indexes.Create(desc); err != nil {
		return Reply{Err: err}
	}
	if op.Reindex {
		if err := m.indexes.Reindex(op.Name, m.store.Iter(now)); err != nil {
			return Reply{Err: err}
		}
	}
	return Reply{Result: IndexResult{}}
}

func (m *Machine) applyIndexDrop(op wire.IndexDropOp) Reply {
	if err := m.indexes.Drop(op.Name); err != nil {
		return Reply{Err: err}
	}
	return Reply{Result: IndexResult{}}
}

func (m *Machine) applyIndexReindex(op wire.IndexReindexOp, now int64) Reply {
	if !m.indexes.Exists(op.Name) {
		return Reply{Err: errs.ErrNotFound}
	}
	if err := m.indexes.Reindex(op.Name, m.store.Iter(now)); err != nil {
		return Reply{Err: err}
	}
	return Reply{Result: IndexResult{}}
}

func (m *Machine) publish(op string, keys []string, version uint64, logIndex uint64) {
	sort.Strings(keys)
	m.pub.Publish(events.Event{
		Op:           op,
		Keys:         keys,
		Version:      version,
		AppliedIndex: logIndex,
		NodeID:       m.nodeID,
	})
}

// negativeInfinity is used where a scan must also see records an
// ordinary read would already treat as expired, because the scan's
// whole job is to find and remove exactly those records.
const negativeInfinity = int64(-1 << 63)

// Snapshot captures the full machine state for persistence (spec §4.E).
func (m *Machine) Snapshot(createdUnix uint64) snapshot.State {
	return snapshot.State{
		CreatedUnix:      createdUnix,
		LastAppliedIndex: m.lastAppliedIndex,
		LastAppliedTerm:  m.lastAppliedTerm,
		Indexes:          m.indexes.Descriptors(),
		Records:          m.store.Iter(negativeInfinity),
	}
}

// Restore replaces the machine's entire state from st, rebuilding
// secondary indexes by replaying their extractors (spec §4.E: this is
// acceptable since extractor identity is part of the descriptor).
func (m *Machine) Restore(st snapshot.State) error {
	newStore := store.New()
	for _, kv := range st.Records {
		newStore.Put(kv.Key, kv.Record)
	}
	newIndexes := index.New(m.registry)
	for _, desc := range st.Indexes {
		if err := newIndexes.Create(desc); err != nil {
			m.log.Error("snapshot restore: index recreation failed", zap.String("index", desc.Name), zap.Error(err))
			return errs.ErrCorruptState
		}
		if err := newIndexes.Reindex(desc.Name, newStore.Iter(negativeInfinity)); err != nil {
			return errs.ErrCorruptState
		}
	}

	m.store = newStore
	m.indexes = newIndexes
	m.lastAppliedIndex = st.LastAppliedIndex
	m.lastAppliedTerm = st.LastAppliedTerm
	return nil
}
