package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutRoundTrip(t *testing.T) {
	expires := int64(12345)
	cmd := Command{Tag: TagPut, Put: &PutOp{Key: []byte("k"), Value: []byte("v"), ExpiresAt: &expires}}

	b, err := Encode(cmd)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, TagPut, got.Tag)
	require.Equal(t, []byte("k"), got.Put.Key)
	require.Equal(t, []byte("v"), got.Put.Value)
	require.Equal(t, expires, *got.Put.ExpiresAt)
}

func TestPutManyRoundTrip(t *testing.T) {
	cmd := Command{Tag: TagPutMany, PutMany: []PutOp{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}}
	b, err := Encode(cmd)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	require.Len(t, got.PutMany, 2)
	require.Equal(t, []byte("a"), got.PutMany[0].Key)
	require.Equal(t, []byte("b"), got.PutMany[1].Key)
}

func TestPutIfConditionRoundTrip(t *testing.T) {
	cmd := Command{Tag: TagPutIf, PutIf: &PutIfOp{
		Key:   []byte("k"),
		Value: []byte("v2"),
		Cond:  Condition{Kind: ConditionExpectedValue, ExpectedValue: []byte("v1")},
	}}
	b, err := Encode(cmd)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, ConditionExpectedValue, got.PutIf.Cond.Kind)
	require.Equal(t, []byte("v1"), got.PutIf.Cond.ExpectedValue)
}

func TestCleanupExpiredRoundTrip(t *testing.T) {
	cmd := Command{Tag: TagCleanupExpired, Now: 99, CleanupExpired: &CleanupExpiredOp{}}
	b, err := Encode(cmd)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, int64(99), got.Now)
}

func TestUnsupportedSchemaVersionRejected(t *testing.T) {
	cmd := Command{Tag: TagDelete, Delete: &DeleteOp{Key: []byte("k")}}
	b, err := Encode(cmd)
	require.NoError(t, err)
	b[0] = 0xFF // corrupt the schema_version low byte
	_, err = Decode(b)
	require.Error(t, err)
}

func TestIndexCreateRoundTrip(t *testing.T) {
	cmd := Command{Tag: TagIndexCreate, IndexCreate: &IndexCreateOp{Name: "by-tag", ExtractorID: "tag-extractor", Reindex: true}}
	b, err := Encode(cmd)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, "by-tag", got.IndexCreate.Name)
	require.True(t, got.IndexCreate.Reindex)
}
