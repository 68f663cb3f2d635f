package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/concorddb/concord/internal/index"
	"github.com/concorddb/concord/internal/store"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	expires := int64(1234)
	st := State{
		CreatedUnix:      1000,
		LastAppliedIndex: 42,
		LastAppliedTerm:  3,
		Indexes: []index.Descriptor{
			{Name: "by-tag", ExtractorID: "tag-extractor"},
		},
		Records: []store.KV{
			{Key: []byte("a"), Record: &store.Record{Value: []byte("va"), Version: 1}},
			{Key: []byte("b"), Record: &store.Record{Value: []byte("vb"), Version: 2, ExpiresAt: &expires}},
		},
	}

	b, err := Encode(st)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, st.LastAppliedIndex, got.LastAppliedIndex)
	require.Equal(t, st.LastAppliedTerm, got.LastAppliedTerm)
	require.Len(t, got.Indexes, 1)
	require.Equal(t, "by-tag", got.Indexes[0].Name)
	require.Len(t, got.Records, 2)
	require.Equal(t, []byte("a"), got.Records[0].Key)
	require.Nil(t, got.Records[0].Record.ExpiresAt)
	require.Equal(t, expires, *got.Records[1].Record.ExpiresAt)
}

func TestDecodeRejectsCorruption(t *testing.T) {
	st := State{Records: []store.KV{{Key: []byte("a"), Record: &store.Record{Value: []byte("v")}}}}
	b, err := Encode(st)
	require.NoError(t, err)

	b[10] ^= 0xFF // flip a byte inside the body
	_, err = Decode(b)
	require.Error(t, err)
}

func TestDecodeEmptySnapshot(t *testing.T) {
	b, err := Encode(State{})
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	require.Empty(t, got.Records)
	require.Empty(t, got.Indexes)
}
