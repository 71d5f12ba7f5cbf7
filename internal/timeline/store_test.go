package timeline_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/timeline"
)

func newStore(t *testing.T) (*kv.Store, *timeline.Store) {
	t.Helper()
	kvs, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvs.Close() })
	ts, err := timeline.New(kvs)
	require.NoError(t, err)
	return kvs, ts
}

func makePDU(t *testing.T, roomID, sender string, count uint64) *eventutil.PDU {
	t.Helper()
	raw := []byte(`{
		"room_id": "` + roomID + `",
		"sender": "` + sender + `",
		"type": "m.room.message",
		"origin_server_ts": 1,
		"depth": ` + itoa(count) + `,
		"prev_events": [],
		"auth_events": [],
		"content": {"body":"hi"},
		"hashes": {"sha256":"x"},
		"signatures": {},
		"unsigned": {"transaction_id":"txn123"}
	}`)
	pdu, err := eventutil.NewPDUFromUntrustedJSON(raw, "10")
	require.NoError(t, err)
	return pdu
}

func itoa(n uint64) string {
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

func TestAppendAndGetPDU(t *testing.T) {
	ctx := context.Background()
	_, ts := newStore(t)
	room := shortid.RoomNID(1)

	pdu := makePDU(t, "!r:x", "@alice:x", 1)
	pduID := timeline.NewPDUID(room, 1)
	require.NoError(t, ts.AppendPDU(ctx, pduID, pdu, room))

	got, ok, err := ts.GetPDU(ctx, "10", pdu.EventID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pdu.EventID, got.EventID)
}

func TestOutlierFallback(t *testing.T) {
	ctx := context.Background()
	_, ts := newStore(t)

	pdu := makePDU(t, "!r:x", "@alice:x", 1)
	require.NoError(t, ts.StoreOutlier(ctx, pdu))

	got, ok, err := ts.GetPDU(ctx, "10", pdu.EventID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pdu.EventID, got.EventID)
}

func TestAppendRemovesOutlierEntry(t *testing.T) {
	ctx := context.Background()
	kvs, ts := newStore(t)
	room := shortid.RoomNID(1)

	pdu := makePDU(t, "!r:x", "@alice:x", 1)
	require.NoError(t, ts.StoreOutlier(ctx, pdu))

	pduID := timeline.NewPDUID(room, 1)
	require.NoError(t, ts.AppendPDU(ctx, pduID, pdu, room))

	_, ok, err := kvs.Get(ctx, "eventid_outlierpdu", []byte(pdu.EventID))
	require.NoError(t, err)
	require.False(t, ok, "outlier entry should be removed once the event lands in the timeline")
}

func TestSoftFailMarker(t *testing.T) {
	ctx := context.Background()
	_, ts := newStore(t)
	ok, err := ts.IsSoftFailed(ctx, "$x:y")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ts.MarkSoftFailed(ctx, "$x:y"))
	ok, err = ts.IsSoftFailed(ctx, "$x:y")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPDUsSinceStripsTransactionIDForNonSender(t *testing.T) {
	ctx := context.Background()
	_, ts := newStore(t)
	room := shortid.RoomNID(1)

	pdu := makePDU(t, "!r:x", "@alice:x", 1)
	require.NoError(t, ts.AppendPDU(ctx, timeline.NewPDUID(room, 1), pdu, room))

	cur := ts.PDUsSince(room, "10", "@bob:x", 0)
	got, ok, err := cur.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, string(got.Raw), "transaction_id")

	cur2 := ts.PDUsSince(room, "10", "@alice:x", 0)
	got2, ok, err := cur2.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(got2.Raw), "transaction_id")
}

func TestPDUsSinceOrderingAndExhaustion(t *testing.T) {
	ctx := context.Background()
	_, ts := newStore(t)
	room := shortid.RoomNID(1)

	for i := uint64(1); i <= 3; i++ {
		pdu := makePDU(t, "!r:x", "@alice:x", i)
		require.NoError(t, ts.AppendPDU(ctx, timeline.NewPDUID(room, i), pdu, room))
	}

	cur := ts.PDUsSince(room, "10", "@alice:x", 1)
	var counts []uint64
	for {
		_, ok, err := cur.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		counts = append(counts, 1)
	}
	require.Len(t, counts, 2) // count 2 and 3, since=1 is exclusive
}

func TestIncrementNotificationCounts(t *testing.T) {
	ctx := context.Background()
	_, ts := newStore(t)
	room := shortid.RoomNID(1)

	require.NoError(t, ts.IncrementNotificationCounts(ctx, room, []string{"@a:x", "@b:x"}, map[string]bool{"@a:x": true}))
	n, h, err := ts.NotificationCounts(ctx, room, "@a:x")
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
	require.Equal(t, uint64(1), h)

	n, h, err = ts.NotificationCounts(ctx, room, "@b:x")
	require.NoError(t, err)
	require.Equal(t, uint64(1), n)
	require.Equal(t, uint64(0), h)
}

func TestLastTimelineCount(t *testing.T) {
	ctx := context.Background()
	_, ts := newStore(t)
	room := shortid.RoomNID(1)

	_, ok, err := ts.LastTimelineCount(ctx, room)
	require.NoError(t, err)
	require.False(t, ok)

	pdu := makePDU(t, "!r:x", "@alice:x", 5)
	require.NoError(t, ts.AppendPDU(ctx, timeline.NewPDUID(room, 5), pdu, room))

	count, ok, err := ts.LastTimelineCount(ctx, room)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), count)
}
