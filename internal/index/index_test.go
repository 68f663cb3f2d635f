package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/concorddb/concord/internal/store"
)

func byFirstByte(value []byte) []string {
	if len(value) == 0 {
		return nil
	}
	return []string{string(value[0])}
}

func TestCreateLookupDrop(t *testing.T) {
	reg := NewRegistry()
	reg.Register("first-byte", ExtractorFunc(byFirstByte))

	e := New(reg)
	require.NoError(t, e.Create(Descriptor{Name: "by-first", ExtractorID: "first-byte"}))

	e.OnPut("k1", nil, &store.Record{Value: []byte("apple")})
	e.OnPut("k2", nil, &store.Record{Value: []byte("avocado")})
	e.OnPut("k3", nil, &store.Record{Value: []byte("banana")})

	keys, err := e.Lookup("by-first", "a")
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k2"}, keys)

	require.NoError(t, e.Drop("by-first"))
	_, err = e.Lookup("by-first", "a")
	require.Error(t, err)
}

func TestOnPutDelta(t *testing.T) {
	reg := NewRegistry()
	reg.Register("first-byte", ExtractorFunc(byFirstByte))
	e := New(reg)
	require.NoError(t, e.Create(Descriptor{Name: "by-first", ExtractorID: "first-byte"}))

	old := &store.Record{Value: []byte("apple")}
	e.OnPut("k1", nil, old)

	next := &store.Record{Value: []byte("banana")}
	e.OnPut("k1", old, next)

	keys, _ := e.Lookup("by-first", "a")
	require.Empty(t, keys, "k1 must no longer be indexed under its old token")

	keys, _ = e.Lookup("by-first", "b")
	require.Equal(t, []string{"k1"}, keys)
}

func TestOnDeleteRemovesMembership(t *testing.T) {
	reg := NewRegistry()
	reg.Register("first-byte", ExtractorFunc(byFirstByte))
	e := New(reg)
	require.NoError(t, e.Create(Descriptor{Name: "by-first", ExtractorID: "first-byte"}))

	rec := &store.Record{Value: []byte("apple")}
	e.OnPut("k1", nil, rec)
	e.OnDelete("k1", rec)

	keys, _ := e.Lookup("by-first", "a")
	require.Empty(t, keys)
}

func TestExtractorPanicIsNoTokens(t *testing.T) {
	reg := NewRegistry()
	reg.Register("panics", ExtractorFunc(func(value []byte) []string {
		panic("boom")
	}))
	e := New(reg)
	require.NoError(t, e.Create(Descriptor{Name: "flaky", ExtractorID: "panics"}))

	require.NotPanics(t, func() {
		e.OnPut("k1", nil, &store.Record{Value: []byte("x")})
	})
}

func TestCreateUnknownExtractorRejected(t *testing.T) {
	e := New(NewRegistry())
	err := e.Create(Descriptor{Name: "nope", ExtractorID: "unregistered"})
	require.Error(t, err, "anonymous/unregistered extractors must be rejected (spec open question, forbidden for determinism)")
}

func TestReindex(t *testing.T) {
	reg := NewRegistry()
	reg.Register("first-byte", ExtractorFunc(byFirstByte))
	e := New(reg)
	require.NoError(t, e.Create(Descriptor{Name: "by-first", ExtractorID: "first-byte"}))

	kvs := []store.KV{
		{Key: []byte("k1"), Record: &store.Record{Value: []byte("apple")}},
		{Key: []byte("k2"), Record: &store.Record{Value: []byte("avocado")}},
	}
	require.NoError(t, e.Reindex("by-first", kvs))

	keys, _ := e.Lookup("by-first", "a")
	require.Equal(t, []string{"k1", "k2"}, keys)
}
