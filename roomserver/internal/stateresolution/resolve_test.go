package stateresolution_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/internal/timeline"
	"github.com/matrix-org/dendrite-core/roomserver/internal/stateresolution"
)

type fixture struct {
	shorts *shortid.Interner
	comp   *statecompressor.Compressor
	tl     *timeline.Store
	res    *stateresolution.Resolver
	room   shortid.RoomNID
	count  uint64
}

func newFixture(t *testing.T) *fixture {
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
	res, err := stateresolution.New(shorts, comp, tl, func(ctx context.Context, roomID string) (eventutil.RoomVersion, error) {
		return "10", nil
	}, 16)
	require.NoError(t, err)

	return &fixture{shorts: shorts, comp: comp, tl: tl, res: res, room: shortid.RoomNID(1)}
}

func (f *fixture) put(t *testing.T, raw string) *eventutil.PDU {
	t.Helper()
	pdu, err := eventutil.NewPDUFromUntrustedJSON([]byte(raw), "10")
	require.NoError(t, err)
	f.count++
	require.NoError(t, f.tl.AppendPDU(context.Background(), timeline.NewPDUID(f.room, f.count), pdu, f.room))
	return pdu
}

func (f *fixture) snapshot(t *testing.T, events ...*eventutil.PDU) statecompressor.ShortStateHash {
	t.Helper()
	ctx := context.Background()
	var added []statecompressor.CompressedStateEvent
	for _, pdu := range events {
		eventNID, err := f.shorts.GetOrCreateEventNID(ctx, pdu.EventID)
		require.NoError(t, err)
		stateKeyNID, err := f.shorts.GetOrCreateStateKeyNID(ctx, shortid.StateKeyTuple{EventType: pdu.Type, StateKey: *pdu.StateKey})
		require.NoError(t, err)
		added = append(added, statecompressor.NewCompressedStateEvent(stateKeyNID, eventNID))
	}
	hash, err := f.comp.SaveStateFromDiff(ctx, 0, added, nil)
	require.NoError(t, err)
	return hash
}

func TestResolveConflictsSingleSnapshotIsIdentity(t *testing.T) {
	f := newFixture(t)
	create := f.put(t, `{"room_id":"!r:x","sender":"@alice:x","type":"m.room.create","state_key":"","origin_server_ts":1,"depth":1,"prev_events":[],"auth_events":[],"content":{"creator":"@alice:x"},"hashes":{},"signatures":{}}`)
	hash := f.snapshot(t, create)

	resolved, err := f.res.ResolveConflicts(context.Background(), "!r:x", []statecompressor.ShortStateHash{hash})
	require.NoError(t, err)
	require.Equal(t, hash, resolved)
}

func TestResolveConflictsPicksAuthorizedMembershipChange(t *testing.T) {
	f := newFixture(t)
	create := f.put(t, `{"room_id":"!r:x","sender":"@alice:x","type":"m.room.create","state_key":"","origin_server_ts":1,"depth":1,"prev_events":[],"auth_events":[],"content":{"creator":"@alice:x"},"hashes":{},"signatures":{}}`)
	aliceJoin := f.put(t, `{"room_id":"!r:x","sender":"@alice:x","type":"m.room.member","state_key":"@alice:x","origin_server_ts":2,"depth":2,"prev_events":[],"auth_events":[],"content":{"membership":"join"},"hashes":{},"signatures":{}}`)
	joinRules := f.put(t, `{"room_id":"!r:x","sender":"@alice:x","type":"m.room.join_rules","state_key":"","origin_server_ts":3,"depth":3,"prev_events":[],"auth_events":[],"content":{"join_rule":"public"},"hashes":{},"signatures":{}}`)

	bobJoin := f.put(t, `{"room_id":"!r:x","sender":"@bob:x","type":"m.room.member","state_key":"@bob:x","origin_server_ts":4,"depth":4,"prev_events":[],"auth_events":[],"content":{"membership":"join"},"hashes":{},"signatures":{}}`)
	bobLeave := f.put(t, `{"room_id":"!r:x","sender":"@bob:x","type":"m.room.member","state_key":"@bob:x","origin_server_ts":5,"depth":5,"prev_events":[],"auth_events":[],"content":{"membership":"leave"},"hashes":{},"signatures":{}}`)

	snapA := f.snapshot(t, create, aliceJoin, joinRules, bobJoin)
	snapB := f.snapshot(t, create, aliceJoin, joinRules, bobLeave)

	resolved, err := f.res.ResolveConflicts(context.Background(), "!r:x", []statecompressor.ShortStateHash{snapA, snapB})
	require.NoError(t, err)
	require.NotZero(t, resolved)

	events, err := f.comp.Load(context.Background(), resolved)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	// Both of bob's membership events pass auth; bobLeave sorts after bobJoin
	// (later origin_server_ts) and so is the one left in the resolved state.
	bobKey, err := f.shorts.GetOrCreateStateKeyNID(context.Background(), shortid.StateKeyTuple{EventType: "m.room.member", StateKey: "@bob:x"})
	require.NoError(t, err)
	bobLeaveNID, err := f.shorts.GetOrCreateEventNID(context.Background(), bobLeave.EventID)
	require.NoError(t, err)
	require.Contains(t, events, statecompressor.NewCompressedStateEvent(bobKey, bobLeaveNID))
}
