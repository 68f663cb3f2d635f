package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	s := New()
	s.Put([]byte("a"), &Record{Value: []byte("1"), Version: 1})

	rec, ok := s.Get([]byte("a"), 0)
	require.True(t, ok)
	require.Equal(t, []byte("1"), rec.Value)

	_, ok = s.Delete([]byte("a"))
	require.True(t, ok)

	_, ok = s.Get([]byte("a"), 0)
	require.False(t, ok)

	_, ok = s.Delete([]byte("a"))
	require.False(t, ok, "second delete must report not found")
}

func TestExpiration(t *testing.T) {
	s := New()
	expiresAt := int64(100)
	s.Put([]byte("k"), &Record{Value: []byte("v"), ExpiresAt: &expiresAt})

	_, ok := s.Get([]byte("k"), 99)
	require.True(t, ok, "must be visible before expiry")

	_, ok = s.Get([]byte("k"), 100)
	require.False(t, ok, "now >= expires_at must behave as absent")
}

func TestOrderedRangeAndPrefix(t *testing.T) {
	s := New()
	for _, k := range []string{"b", "a", "c", "ab"} {
		s.Put([]byte(k), &Record{Value: []byte(k)})
	}

	all := s.Iter(0)
	var keys []string
	for _, kv := range all {
		keys = append(keys, string(kv.Key))
	}
	require.Equal(t, []string{"a", "ab", "b", "c"}, keys)

	pref := s.Prefix([]byte("a"), 0)
	require.Len(t, pref, 2)
	require.Equal(t, "a", string(pref[0].Key))
	require.Equal(t, "ab", string(pref[1].Key))

	rng := s.Range([]byte("a"), []byte("c"), 0)
	var rkeys []string
	for _, kv := range rng {
		rkeys = append(rkeys, string(kv.Key))
	}
	require.Equal(t, []string{"a", "ab", "b"}, rkeys)
}

func TestValidateKey(t *testing.T) {
	require.Error(t, ValidateKey(nil))
	require.Error(t, ValidateKey(make([]byte, MaxKeyLen+1)))
	require.NoError(t, ValidateKey([]byte("ok")))
}

func TestCloneIsolation(t *testing.T) {
	s := New()
	s.Put([]byte("k"), &Record{Value: []byte("v")})
	rec, _ := s.Get([]byte("k"), 0)
	rec.Value[0] = 'X'

	rec2, _ := s.Get([]byte("k"), 0)
	require.Equal(t, byte('v'), rec2.Value[0], "mutating a returned record must not affect the store")
}
