package statecompressor_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
)

func newCompressor(t *testing.T) *statecompressor.Compressor {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	c, err := statecompressor.New(store, 16)
	require.NoError(t, err)
	return c
}

func ev(stateKey, event uint64) statecompressor.CompressedStateEvent {
	return statecompressor.NewCompressedStateEvent(shortid.EventStateKeyNID(stateKey), shortid.EventNID(event))
}

func TestSaveAndLoadRootSnapshot(t *testing.T) {
	ctx := context.Background()
	c := newCompressor(t)

	hash, err := c.SaveStateFromDiff(ctx, 0, []statecompressor.CompressedStateEvent{ev(1, 10), ev(2, 20)}, nil)
	require.NoError(t, err)

	full, err := c.Load(ctx, hash)
	require.NoError(t, err)
	require.ElementsMatch(t, []statecompressor.CompressedStateEvent{ev(1, 10), ev(2, 20)}, full)
}

func TestLayeredDiffReconstruction(t *testing.T) {
	ctx := context.Background()
	c := newCompressor(t)

	root, err := c.SaveStateFromDiff(ctx, 0, []statecompressor.CompressedStateEvent{ev(1, 10), ev(2, 20)}, nil)
	require.NoError(t, err)

	child, err := c.SaveStateFromDiff(ctx, root, []statecompressor.CompressedStateEvent{ev(3, 30)}, []statecompressor.CompressedStateEvent{ev(2, 20)})
	require.NoError(t, err)

	full, err := c.Load(ctx, child)
	require.NoError(t, err)
	require.ElementsMatch(t, []statecompressor.CompressedStateEvent{ev(1, 10), ev(3, 30)}, full)

	// root is unaffected
	rootFull, err := c.Load(ctx, root)
	require.NoError(t, err)
	require.ElementsMatch(t, []statecompressor.CompressedStateEvent{ev(1, 10), ev(2, 20)}, rootFull)
}

func TestIdenticalSnapshotsCollapse(t *testing.T) {
	ctx := context.Background()
	c := newCompressor(t)

	h1, err := c.SaveStateFromDiff(ctx, 0, []statecompressor.CompressedStateEvent{ev(1, 10)}, nil)
	require.NoError(t, err)
	h2, err := c.SaveStateFromDiff(ctx, 0, []statecompressor.CompressedStateEvent{ev(1, 10)}, nil)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestDiffDepthIsBounded(t *testing.T) {
	ctx := context.Background()
	c := newCompressor(t)

	cur, err := c.SaveStateFromDiff(ctx, 0, []statecompressor.CompressedStateEvent{ev(1, 1)}, nil)
	require.NoError(t, err)

	// Chain many single-event diffs; reconstruction must still succeed and
	// produce the right content regardless of how many times the
	// rebase rule folded layers together.
	expected := map[statecompressor.CompressedStateEvent]bool{ev(1, 1): true}
	for i := uint64(2); i <= 20; i++ {
		cur, err = c.SaveStateFromDiff(ctx, cur, []statecompressor.CompressedStateEvent{ev(i, i)}, nil)
		require.NoError(t, err)
		expected[ev(i, i)] = true
	}

	full, err := c.Load(ctx, cur)
	require.NoError(t, err)
	require.Len(t, full, len(expected))
	for _, e := range full {
		require.True(t, expected[e])
	}
}

func TestUnknownSnapshotErrors(t *testing.T) {
	ctx := context.Background()
	c := newCompressor(t)
	_, err := c.Load(ctx, 12345)
	require.ErrorIs(t, err, statecompressor.ErrUnknownSnapshot)
}
