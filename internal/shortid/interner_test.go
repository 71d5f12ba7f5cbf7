package shortid_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/shortid"
)

func newInterner(t *testing.T) *shortid.Interner {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	in, err := shortid.New(store)
	require.NoError(t, err)
	return in
}

func TestEventIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	in := newInterner(t)

	nid, err := in.GetOrCreateEventNID(ctx, "$abc:example.org")
	require.NoError(t, err)
	require.NotZero(t, nid)

	again, err := in.GetOrCreateEventNID(ctx, "$abc:example.org")
	require.NoError(t, err)
	require.Equal(t, nid, again, "interning the same event id twice must return the same short id")

	got, err := in.EventIDFor(ctx, nid)
	require.NoError(t, err)
	require.Equal(t, "$abc:example.org", got)
}

func TestStateKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	in := newInterner(t)

	tuple := shortid.StateKeyTuple{EventType: "m.room.member", StateKey: "@alice:example.org"}
	nid, err := in.GetOrCreateStateKeyNID(ctx, tuple)
	require.NoError(t, err)

	got, err := in.StateKeyTupleFor(ctx, nid)
	require.NoError(t, err)
	require.Equal(t, tuple, got)
}

func TestRoomIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	in := newInterner(t)

	nid, err := in.GetOrCreateRoomNID(ctx, "!room:example.org")
	require.NoError(t, err)
	got, err := in.RoomIDFor(ctx, nid)
	require.NoError(t, err)
	require.Equal(t, "!room:example.org", got)
}

func TestShortIDsAreMonotonicAcrossKinds(t *testing.T) {
	ctx := context.Background()
	in := newInterner(t)

	e1, err := in.GetOrCreateEventNID(ctx, "$a:x")
	require.NoError(t, err)
	r1, err := in.GetOrCreateRoomNID(ctx, "!a:x")
	require.NoError(t, err)
	e2, err := in.GetOrCreateEventNID(ctx, "$b:x")
	require.NoError(t, err)

	require.NotEqual(t, e1, r1)
	require.Greater(t, uint64(e2), uint64(e1))
}

func TestReverseLookupMissIsError(t *testing.T) {
	ctx := context.Background()
	in := newInterner(t)
	_, err := in.EventIDFor(ctx, 99999)
	require.Error(t, err)
	require.ErrorIs(t, err, shortid.ErrInconsistentShortID)
}
