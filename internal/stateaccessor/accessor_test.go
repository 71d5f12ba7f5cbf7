package stateaccessor_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/stateaccessor"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/internal/timeline"
)

func setup(t *testing.T) (*stateaccessor.Accessor, *shortid.Interner, *statecompressor.Compressor, *timeline.Store) {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	shorts, err := shortid.New(store)
	require.NoError(t, err)
	comp, err := statecompressor.New(store, 16)
	require.NoError(t, err)
	tl, err := timeline.New(store)
	require.NoError(t, err)

	acc := stateaccessor.New(shorts, comp, tl, func(ctx context.Context, roomID string) (eventutil.RoomVersion, error) {
		return "10", nil
	})
	return acc, shorts, comp, tl
}

func stateEvent(t *testing.T, evType, stateKey, content string, count uint64) *eventutil.PDU {
	t.Helper()
	raw := []byte(`{
		"room_id": "!r:x",
		"sender": "@alice:x",
		"type": "` + evType + `",
		"state_key": "` + stateKey + `",
		"origin_server_ts": 1,
		"depth": ` + itoaTest(count) + `,
		"prev_events": [],
		"auth_events": [],
		"content": ` + content + `,
		"hashes": {"sha256":"x"},
		"signatures": {}
	}`)
	pdu, err := eventutil.NewPDUFromUntrustedJSON(raw, "10")
	require.NoError(t, err)
	return pdu
}

func itoaTest(n uint64) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func buildSnapshot(t *testing.T, ctx context.Context, shorts *shortid.Interner, comp *statecompressor.Compressor, tl *timeline.Store, events []*eventutil.PDU) statecompressor.ShortStateHash {
	t.Helper()
	room := shortid.RoomNID(1)
	var added []statecompressor.CompressedStateEvent
	for i, pdu := range events {
		eventNID, err := shorts.GetOrCreateEventNID(ctx, pdu.EventID)
		require.NoError(t, err)
		stateKeyNID, err := shorts.GetOrCreateStateKeyNID(ctx, shortid.StateKeyTuple{EventType: pdu.Type, StateKey: *pdu.StateKey})
		require.NoError(t, err)
		require.NoError(t, tl.AppendPDU(ctx, timeline.NewPDUID(room, uint64(i+1)), pdu, room))
		added = append(added, statecompressor.NewCompressedStateEvent(stateKeyNID, eventNID))
	}
	hash, err := comp.SaveStateFromDiff(ctx, 0, added, nil)
	require.NoError(t, err)
	return hash
}

func TestGetStateEventResolvesFromSnapshot(t *testing.T) {
	ctx := context.Background()
	acc, shorts, comp, tl := setup(t)

	create := stateEvent(t, "m.room.create", "", `{"creator":"@alice:x","room_version":"10"}`, 1)
	hash := buildSnapshot(t, ctx, shorts, comp, tl, []*eventutil.PDU{create})

	got, err := acc.GetCreate(ctx, "!r:x", hash)
	require.NoError(t, err)
	require.Equal(t, "@alice:x", got.Creator)
}

func TestPowerLevelsDefaultsWhenAbsent(t *testing.T) {
	ctx := context.Background()
	acc, _, comp, _ := setup(t)
	hash, err := comp.SaveStateFromDiff(ctx, 0, nil, nil)
	require.NoError(t, err)

	pl, err := acc.GetPowerLevels(ctx, "!r:x", hash)
	require.NoError(t, err)
	require.Equal(t, int64(50), pl.Ban)
	require.Equal(t, int64(0), pl.EventsDefault)
}

func TestGetMemberPresentAndAbsent(t *testing.T) {
	ctx := context.Background()
	acc, shorts, comp, tl := setup(t)

	member := stateEvent(t, "m.room.member", "@bob:x", `{"membership":"join"}`, 1)
	hash := buildSnapshot(t, ctx, shorts, comp, tl, []*eventutil.PDU{member})

	m, ok, err := acc.GetMember(ctx, "!r:x", hash, "@bob:x")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "join", m.Membership)

	_, ok, err = acc.GetMember(ctx, "!r:x", hash, "@carol:x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStateEventAppearsOnceInSnapshot(t *testing.T) {
	ctx := context.Background()
	acc, shorts, comp, tl := setup(t)

	a := stateEvent(t, "m.room.topic", "", `{"topic":"first"}`, 1)
	hash := buildSnapshot(t, ctx, shorts, comp, tl, []*eventutil.PDU{a})

	full, err := acc.FullState(ctx, "!r:x", hash)
	require.NoError(t, err)
	count := 0
	for tuple := range full {
		if tuple.EventType == "m.room.topic" {
			count++
		}
	}
	require.Equal(t, 1, count)
}
