package kv_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/internal/kv"
)

func newTestStore(t *testing.T) *kv.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := kv.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Get(ctx, "tbl", []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, "tbl", []byte("a"), []byte("1")))
	v, ok, err := s.Get(ctx, "tbl", []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, s.Delete(ctx, "tbl", []byte("a")))
	_, ok, err = s.Get(ctx, "tbl", []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNextCountMonotonic(t *testing.T) {
	s := newTestStore(t)
	seen := map[uint64]bool{}
	var prev uint64
	for i := 0; i < 100; i++ {
		n, err := s.NextCount()
		require.NoError(t, err)
		require.False(t, seen[n], "counter value reused: %d", n)
		seen[n] = true
		if i > 0 {
			require.Greater(t, n, prev)
		}
		prev = n
	}
}

func TestCorkAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	writes := []kv.Write{
		kv.PutOp("tbl", []byte("a"), []byte("1")),
		kv.PutOp("tbl", []byte("b"), []byte("2")),
	}
	require.NoError(t, s.Cork(ctx, writes))

	va, ok, _ := s.Get(ctx, "tbl", []byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), va)
	vb, ok, _ := s.Get(ctx, "tbl", []byte("b"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), vb)

	require.NoError(t, s.Cork(ctx, []kv.Write{
		kv.DeleteOp("tbl", []byte("a")),
		kv.PutOp("tbl", []byte("c"), []byte("3")),
	}))
	_, ok, _ = s.Get(ctx, "tbl", []byte("a"))
	require.False(t, ok)
	vc, ok, _ := s.Get(ctx, "tbl", []byte("c"))
	require.True(t, ok)
	require.Equal(t, []byte("3"), vc)
}

func TestPrefixScanAscendingDescending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	keys := [][]byte{
		kv.Key([]byte("room1"), []byte("a")),
		kv.Key([]byte("room1"), []byte("b")),
		kv.Key([]byte("room1"), []byte("c")),
		kv.Key([]byte("room2"), []byte("a")),
	}
	for i, k := range keys {
		require.NoError(t, s.Put(ctx, "tbl", k, []byte{byte(i)}))
	}

	var gotAsc [][]byte
	require.NoError(t, s.PrefixScan(ctx, "tbl", kv.Key([]byte("room1")), kv.Ascending, func(k, v []byte) (bool, error) {
		gotAsc = append(gotAsc, append([]byte(nil), k...))
		return true, nil
	}))
	require.Equal(t, keys[:3], gotAsc)

	var gotDesc [][]byte
	require.NoError(t, s.PrefixScan(ctx, "tbl", kv.Key([]byte("room1")), kv.Descending, func(k, v []byte) (bool, error) {
		gotDesc = append(gotDesc, append([]byte(nil), k...))
		return true, nil
	}))
	require.Equal(t, []([]byte){keys[2], keys[1], keys[0]}, gotDesc)
}

func TestPrefixScanEarlyStop(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, "tbl", kv.Key([]byte("r"), []byte{byte(i)}), []byte{byte(i)}))
	}
	count := 0
	require.NoError(t, s.PrefixScan(ctx, "tbl", kv.Key([]byte("r")), kv.Ascending, func(k, v []byte) (bool, error) {
		count++
		return count < 2, nil
	}))
	require.Equal(t, 2, count)
}

func TestKeySplitRoundTrip(t *testing.T) {
	k := kv.Key([]byte("room"), []byte("type"), []byte("statekey"))
	parts, err := kv.SplitKey(k, 3)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("room"), []byte("type"), []byte("statekey")}, parts)
}
