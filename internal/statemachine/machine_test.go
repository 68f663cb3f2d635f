package statemachine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/concorddb/concord/internal/codec"
	"github.com/concorddb/concord/internal/errs"
	"github.com/concorddb/concord/internal/events"
	"github.com/concorddb/concord/internal/index"
	"github.com/concorddb/concord/internal/wire"
)

func newMachine() *Machine {
	return New(Config{CodecConfig: codec.Config{Enabled: false}})
}

func applyOK(t *testing.T, m *Machine, cmd wire.Command, logIndex uint64) Reply {
	t.Helper()
	reply := m.Apply(cmd, logIndex, 1)
	require.NoError(t, reply.Err)
	return reply
}

func TestApplyPutThenGetReflectsVersion(t *testing.T) {
	m := newMachine()
	reply := applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 100,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("v1")}}, 1)
	require.Equal(t, uint64(1), reply.Result.(PutResult).Version)

	reply = applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 101,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("v2")}}, 2)
	require.Equal(t, uint64(2), reply.Result.(PutResult).Version)

	idx, term := m.LastApplied()
	require.Equal(t, uint64(2), idx)
	require.Equal(t, uint64(1), term)
}

func TestApplyPutTreatsExpiredOldRecordAsAbsent(t *testing.T) {
	m := newMachine()
	expires := int64(100)
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 50,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("v1"), ExpiresAt: &expires}}, 1)

	// By now=200 the first record has already expired; a put observed at
	// that instant must start a fresh version history, not increment the
	// stale one (spec invariant 1: expiry-aware absence applies uniformly).
	reply := applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 200,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("v2")}}, 2)
	require.Equal(t, uint64(1), reply.Result.(PutResult).Version)
}

func TestApplyDeleteOnExpiredKeyReturnsNotFound(t *testing.T) {
	m := newMachine()
	expires := int64(100)
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 50,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("v1"), ExpiresAt: &expires}}, 1)

	reply := m.Apply(wire.Command{Tag: wire.TagDelete, Now: 200,
		Delete: &wire.DeleteOp{Key: []byte("k")}}, 2, 1)
	require.ErrorIs(t, reply.Err, errs.ErrNotFound)
}

func TestApplyDeleteUnknownKeyReturnsNotFound(t *testing.T) {
	m := newMachine()
	reply := m.Apply(wire.Command{Tag: wire.TagDelete, Now: 1,
		Delete: &wire.DeleteOp{Key: []byte("missing")}}, 1, 1)
	require.ErrorIs(t, reply.Err, errs.ErrNotFound)

	// Invariant 3: every committed entry advances last-applied, even one
	// that resolves to a Conditional error.
	idx, _ := m.LastApplied()
	require.Equal(t, uint64(1), idx)
}

func TestApplyTouchExtendsFromLaterOfNowOrCurrentExpiry(t *testing.T) {
	m := newMachine()
	expires := int64(500)
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 100,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("v"), ExpiresAt: &expires}}, 1)

	reply := applyOK(t, m, wire.Command{Tag: wire.TagTouch, Now: 200,
		Touch: &wire.TouchOp{Key: []byte("k"), AdditionalSeconds: 50}}, 2)
	require.Equal(t, int64(550), reply.Result.(TouchResult).ExpiresAt)
}

func TestApplyPutIfExpectedValueMatch(t *testing.T) {
	m := newMachine()
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("old")}}, 1)

	reply := m.Apply(wire.Command{Tag: wire.TagPutIf, Now: 2,
		PutIf: &wire.PutIfOp{Key: []byte("k"), Value: []byte("new"),
			Cond: wire.Condition{Kind: wire.ConditionExpectedValue, ExpectedValue: []byte("old")}}}, 2, 1)
	require.NoError(t, reply.Err)
	require.Equal(t, uint64(2), reply.Result.(PutIfResult).Version)

	reply = m.Apply(wire.Command{Tag: wire.TagPutIf, Now: 3,
		PutIf: &wire.PutIfOp{Key: []byte("k"), Value: []byte("nope"),
			Cond: wire.Condition{Kind: wire.ConditionExpectedValue, ExpectedValue: []byte("old")}}}, 3, 1)
	require.ErrorIs(t, reply.Err, errs.ErrConditionFailed)
}

func TestApplyPutIfAgainstExpiredRecordIsNotFound(t *testing.T) {
	m := newMachine()
	expires := int64(10)
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("old"), ExpiresAt: &expires}}, 1)

	reply := m.Apply(wire.Command{Tag: wire.TagPutIf, Now: 999,
		PutIf: &wire.PutIfOp{Key: []byte("k"), Value: []byte("new"),
			Cond: wire.Condition{Kind: wire.ConditionExpectedValue, ExpectedValue: []byte("old")}}}, 2, 1)
	require.ErrorIs(t, reply.Err, errs.ErrNotFound)
}

func TestApplyDeleteIfPredicateCondition(t *testing.T) {
	reg := index.NewRegistry()
	reg.Register("tag", index.ExtractorFunc(func(value []byte) []string { return []string{string(value)} }))
	m := New(Config{CodecConfig: codec.Config{Enabled: false}, Registry: reg})

	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("active")}}, 1)

	reply := m.Apply(wire.Command{Tag: wire.TagDeleteIf, Now: 2,
		DeleteIf: &wire.DeleteIfOp{Key: []byte("k"),
			Cond: wire.Condition{Kind: wire.ConditionPredicate, PredicateID: "tag", Token: "retired"}}}, 2, 1)
	require.ErrorIs(t, reply.Err, errs.ErrConditionFailed)

	reply = m.Apply(wire.Command{Tag: wire.TagDeleteIf, Now: 3,
		DeleteIf: &wire.DeleteIfOp{Key: []byte("k"),
			Cond: wire.Condition{Kind: wire.ConditionPredicate, PredicateID: "tag", Token: "active"}}}, 3, 1)
	require.NoError(t, reply.Err)
}

func TestApplyPutManyIsAllOrNothing(t *testing.T) {
	m := newMachine()
	reply := m.Apply(wire.Command{Tag: wire.TagPutMany, Now: 1,
		PutMany: []wire.PutOp{
			{Key: []byte("ok"), Value: []byte("v")},
			{Key: []byte(""), Value: []byte("v")}, // invalid key
		}}, 1, 1)
	require.Error(t, reply.Err)

	// Nothing from the batch should have been applied.
	_, ok := m.store.Get([]byte("ok"), 1)
	require.False(t, ok)
}

func TestApplyCleanupExpiredRemovesOnlyExpiredRecords(t *testing.T) {
	m := newMachine()
	expires := int64(100)
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("expiring"), Value: []byte("v"), ExpiresAt: &expires}}, 1)
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("forever"), Value: []byte("v")}}, 2)

	reply := applyOK(t, m, wire.Command{Tag: wire.TagCleanupExpired, Now: 500,
		CleanupExpired: &wire.CleanupExpiredOp{}}, 3)
	require.Equal(t, 1, reply.Result.(CleanupResult).DeletedCount)

	_, ok := m.store.Get([]byte("expiring"), 500)
	require.False(t, ok)
	_, ok = m.store.Get([]byte("forever"), 500)
	require.True(t, ok)
}

func TestApplyCleanupExpiredIsIdempotentOnEmptyResult(t *testing.T) {
	m := newMachine()
	reply := applyOK(t, m, wire.Command{Tag: wire.TagCleanupExpired, Now: 1,
		CleanupExpired: &wire.CleanupExpiredOp{}}, 1)
	require.Equal(t, 0, reply.Result.(CleanupResult).DeletedCount)
}

func TestApplyIndexCreateWithReindexPopulatesFromExistingRecords(t *testing.T) {
	reg := index.NewRegistry()
	reg.Register("first-byte", index.ExtractorFunc(func(value []byte) []string {
		if len(value) == 0 {
			return nil
		}
		return []string{string(value[0])}
	}))
	m := New(Config{CodecConfig: codec.Config{Enabled: false}, Registry: reg})

	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("k1"), Value: []byte("apple")}}, 1)

	reply := applyOK(t, m, wire.Command{Tag: wire.TagIndexCreate, Now: 2,
		IndexCreate: &wire.IndexCreateOp{Name: "by-first", ExtractorID: "first-byte", Reindex: true}}, 2)
	require.IsType(t, IndexResult{}, reply.Result)

	keys, err := m.indexes.Lookup("by-first", "a")
	require.NoError(t, err)
	require.Equal(t, []string{"k1"}, keys)
}

func TestApplyIndexReindexExcludesExpiredRecords(t *testing.T) {
	reg := index.NewRegistry()
	reg.Register("first-byte", index.ExtractorFunc(func(value []byte) []string {
		if len(value) == 0 {
			return nil
		}
		return []string{string(value[0])}
	}))
	m := New(Config{CodecConfig: codec.Config{Enabled: false}, Registry: reg})

	expires := int64(10)
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("k1"), Value: []byte("apple"), ExpiresAt: &expires}}, 1)
	applyOK(t, m, wire.Command{Tag: wire.TagIndexCreate, Now: 2,
		IndexCreate: &wire.IndexCreateOp{Name: "by-first", ExtractorID: "first-byte"}}, 2)

	applyOK(t, m, wire.Command{Tag: wire.TagIndexReindex, Now: 999,
		IndexReindex: &wire.IndexReindexOp{Name: "by-first"}}, 3)

	keys, err := m.indexes.Lookup("by-first", "a")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestApplyUnknownTagIsCorruptState(t *testing.T) {
	m := newMachine()
	reply := m.Apply(wire.Command{Tag: wire.Tag(0xFF), Now: 1}, 1, 1)
	require.ErrorIs(t, reply.Err, errs.ErrCorruptState)
}

func TestApplyPublishesEventsOnWrite(t *testing.T) {
	pub := events.New(events.Config{Enabled: true, BufferSize: 4})
	m := New(Config{CodecConfig: codec.Config{Enabled: false}, Publisher: pub})
	sub := pub.Subscribe(events.Filter{})
	defer sub.Unsubscribe()

	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("v")}}, 1)

	select {
	case e := <-sub.C:
		require.Equal(t, "put", e.Op)
		require.Equal(t, []string{"k"}, e.Keys)
	default:
		t.Fatal("expected a published event")
	}
}

func TestGetReturnsDecodedValueAndVersion(t *testing.T) {
	m := newMachine()
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("v1")}}, 1)
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 2,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("v2")}}, 2)

	value, version, err := m.Get([]byte("k"), 3)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)
	require.Equal(t, uint64(2), version)
}

func TestGetOnExpiredKeyIsNotFound(t *testing.T) {
	m := newMachine()
	expires := int64(10)
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("v"), ExpiresAt: &expires}}, 1)

	_, _, err := m.Get([]byte("k"), 999)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGetWithTTLAndTTLReportExpiry(t *testing.T) {
	m := newMachine()
	expires := int64(500)
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("v"), ExpiresAt: &expires}}, 1)

	value, version, exp, err := m.GetWithTTL([]byte("k"), 100)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)
	require.Equal(t, uint64(1), version)
	require.NotNil(t, exp)
	require.Equal(t, int64(500), *exp)

	ttl, err := m.TTL([]byte("k"), 100)
	require.NoError(t, err)
	require.Equal(t, int64(500), *ttl)
}

func TestGetAllAndGetAllWithTTLReturnEveryLiveRecordSorted(t *testing.T) {
	m := newMachine()
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("b"), Value: []byte("2")}}, 1)
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("a"), Value: []byte("1")}}, 2)

	all := m.GetAll(100)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].Key)
	require.Equal(t, []byte("1"), all[0].Value)
	require.Equal(t, "b", all[1].Key)

	allTTL := m.GetAllWithTTL(100)
	require.Len(t, allTTL, 2)
}

func TestGetManyOmitsMissingKeys(t *testing.T) {
	m := newMachine()
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("a"), Value: []byte("1")}}, 1)
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("b"), Value: []byte("2")}}, 2)

	got := m.GetMany([][]byte{[]byte("a"), []byte("missing"), []byte("b")}, 100)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Key)
	require.Equal(t, "b", got[1].Key)
}

func TestKeysByPrefixRangeAndPatternWithPagination(t *testing.T) {
	m := newMachine()
	for i, k := range []string{"user:1", "user:2", "user:3", "order:1"} {
		applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
			Put: &wire.PutOp{Key: []byte(k), Value: []byte("v")}}, uint64(i+1))
	}

	prefixKeys, err := m.KeysBy(KeysByQuery{Mode: KeysByPrefix, Prefix: "user:"}, 100)
	require.NoError(t, err)
	require.Equal(t, []string{"user:1", "user:2", "user:3"}, prefixKeys)

	paged, err := m.KeysBy(KeysByQuery{Mode: KeysByPrefix, Prefix: "user:", Limit: 1, Offset: 1}, 100)
	require.NoError(t, err)
	require.Equal(t, []string{"user:2"}, paged)

	rangeKeys, err := m.KeysBy(KeysByQuery{Mode: KeysByRange, From: "order:1", To: "user:2"}, 100)
	require.NoError(t, err)
	require.Equal(t, []string{"order:1", "user:1"}, rangeKeys)

	patternKeys, err := m.KeysBy(KeysByQuery{Mode: KeysByPattern, Pattern: "user:?"}, 100)
	require.NoError(t, err)
	require.Equal(t, []string{"user:1", "user:2", "user:3"}, patternKeys)
}

func TestStatsReportsSizeAndIndexNames(t *testing.T) {
	reg := index.NewRegistry()
	reg.Register("noop", index.ExtractorFunc(func(value []byte) []string { return nil }))
	m := New(Config{CodecConfig: codec.Config{Enabled: false}, Registry: reg})

	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("v")}}, 1)
	applyOK(t, m, wire.Command{Tag: wire.TagIndexCreate, Now: 2,
		IndexCreate: &wire.IndexCreateOp{Name: "by-noop", ExtractorID: "noop"}}, 2)

	stats := m.Stats()
	require.Equal(t, 1, stats.Size)
	require.Equal(t, []string{"by-noop"}, stats.IndexNames)
	require.Equal(t, uint64(2), stats.LastAppliedIndex)
}

// TestSecondaryIndexSeesDecodedValueNotCodecFrame is the regression
// test for the codec-framing bug: with compression enabled, a value
// extractor keying on the exact plaintext must still match, which only
// holds if indexing decodes the value before extraction.
func TestSecondaryIndexSeesDecodedValueNotCodecFrame(t *testing.T) {
	reg := index.NewRegistry()
	reg.Register("exact", index.ExtractorFunc(func(value []byte) []string {
		return []string{string(value)}
	}))
	cfg := codec.Config{Enabled: true, Algorithm: codec.AlgorithmZlib, ThresholdBytes: 0, Level: 6}
	m := New(Config{CodecConfig: cfg, Registry: reg})

	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("k"), Value: []byte("needle")}}, 1)
	applyOK(t, m, wire.Command{Tag: wire.TagIndexCreate, Now: 2,
		IndexCreate: &wire.IndexCreateOp{Name: "by-exact", ExtractorID: "exact", Reindex: true}}, 2)

	keys, err := m.indexes.Lookup("by-exact", "needle")
	require.NoError(t, err)
	require.Equal(t, []string{"k"}, keys)

	// OnPut (incremental) path, not just Reindex: a second put observed
	// by the already-live index must also key on the decoded value.
	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 3,
		Put: &wire.PutOp{Key: []byte("k2"), Value: []byte("needle")}}, 3)
	keys, err = m.indexes.Lookup("by-exact", "needle")
	require.NoError(t, err)
	require.Equal(t, []string{"k", "k2"}, keys)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	reg := index.NewRegistry()
	reg.Register("first-byte", index.ExtractorFunc(func(value []byte) []string {
		if len(value) == 0 {
			return nil
		}
		return []string{string(value[0])}
	}))
	m := New(Config{CodecConfig: codec.Config{Enabled: false}, Registry: reg})

	applyOK(t, m, wire.Command{Tag: wire.TagPut, Now: 1,
		Put: &wire.PutOp{Key: []byte("k1"), Value: []byte("apple")}}, 1)
	applyOK(t, m, wire.Command{Tag: wire.TagIndexCreate, Now: 2,
		IndexCreate: &wire.IndexCreateOp{Name: "by-first", ExtractorID: "first-byte", Reindex: true}}, 2)

	snap := m.Snapshot(12345)
	require.Equal(t, uint64(2), snap.LastAppliedIndex)
	require.Len(t, snap.Records, 1)
	require.Len(t, snap.Indexes, 1)

	fresh := New(Config{CodecConfig: codec.Config{Enabled: false}, Registry: reg})
	require.NoError(t, fresh.Restore(snap))

	idx, _ := fresh.LastApplied()
	require.Equal(t, uint64(2), idx)

	keys, err := fresh.indexes.Lookup("by-first", "a")
	require.NoError(t, err)
	require.Equal(t, []string{"k1"}, keys)
}
