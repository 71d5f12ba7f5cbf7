package input_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/ratelimit"
	"github.com/matrix-org/dendrite-core/internal/roommutex"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/signingkeys"
	"github.com/matrix-org/dendrite-core/internal/stateaccessor"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/internal/timeline"
	"github.com/matrix-org/dendrite-core/roomserver/api"
	"github.com/matrix-org/dendrite-core/roomserver/internal/input"
	"github.com/matrix-org/dendrite-core/roomserver/internal/stateresolution"
)

// memoryRoomInfos is a minimal in-process RoomInfoStore good enough to
// drive the ingestion pipeline end-to-end in tests.
type memoryRoomInfos struct {
	infos        map[string]*api.RoomInfo
	stateByEvent map[shortid.EventNID]statecompressor.ShortStateHash
	latestIDs    map[shortid.RoomNID][]string
	latestState  map[shortid.RoomNID]statecompressor.ShortStateHash
	eventNIDs    map[string]shortid.EventNID
}

func newMemoryRoomInfos() *memoryRoomInfos {
	return &memoryRoomInfos{
		infos:        map[string]*api.RoomInfo{},
		stateByEvent: map[shortid.EventNID]statecompressor.ShortStateHash{},
		latestIDs:    map[shortid.RoomNID][]string{},
		latestState:  map[shortid.RoomNID]statecompressor.ShortStateHash{},
		eventNIDs:    map[string]shortid.EventNID{},
	}
}

func (m *memoryRoomInfos) RoomInfo(_ context.Context, roomID string) (*api.RoomInfo, error) {
	return m.infos[roomID], nil
}

func (m *memoryRoomInfos) SetRoomInfo(_ context.Context, info *api.RoomInfo) error {
	m.infos[info.RoomID] = info
	return nil
}

func (m *memoryRoomInfos) EventNIDForID(_ context.Context, eventID string) (shortid.EventNID, bool, error) {
	nid, ok := m.eventNIDs[eventID]
	return nid, ok, nil
}

func (m *memoryRoomInfos) SetStateAtEvent(_ context.Context, eventNID shortid.EventNID, snapshot statecompressor.ShortStateHash) error {
	m.stateByEvent[eventNID] = snapshot
	return nil
}

func (m *memoryRoomInfos) LatestEventsAndState(_ context.Context, room shortid.RoomNID) ([]string, statecompressor.ShortStateHash, error) {
	return m.latestIDs[room], m.latestState[room], nil
}

func (m *memoryRoomInfos) SetLatestEvents(_ context.Context, room shortid.RoomNID, latestEventIDs []string, state statecompressor.ShortStateHash) error {
	m.latestIDs[room] = latestEventIDs
	m.latestState[room] = state
	return nil
}

type noopOutput struct {
	events []api.OutputEvent
}

func (o *noopOutput) WriteOutputEvents(_ string, updates []api.OutputEvent) error {
	o.events = append(o.events, updates...)
	return nil
}

type noopFederation struct{}

func (noopFederation) GetEventAuth(context.Context, string, string, string, string) ([]*eventutil.PDU, error) {
	return nil, fmt.Errorf("not implemented in test")
}

func (noopFederation) QueryJoinedHostServerNamesInRoom(context.Context, string, bool) ([]string, error) {
	return nil, nil
}

type staticFetcher struct {
	keyID   string
	pubB64  string
}

func (f staticFetcher) FetchServerKeys(_ context.Context, _ string, _ string, wantedIDs []string) (map[string]signingkeys.VerifyKey, error) {
	out := map[string]signingkeys.VerifyKey{}
	for _, id := range wantedIDs {
		if id == f.keyID {
			out[id] = signingkeys.VerifyKey{Base64PublicKey: f.pubB64, ValidUntilTS: 1 << 62}
		}
	}
	return out, nil
}

func newInputer(t *testing.T, fetcher signingkeys.Fetcher) (*input.Inputer, *memoryRoomInfos, *noopOutput) {
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
	roomInfos := newMemoryRoomInfos()
	accessor := stateaccessor.New(shorts, comp, tl, func(ctx context.Context, roomID string) (eventutil.RoomVersion, error) {
		info, err := roomInfos.RoomInfo(ctx, roomID)
		if err != nil || info == nil {
			return "10", nil
		}
		return info.RoomVersion, nil
	})
	res, err := stateresolution.New(shorts, comp, tl, func(ctx context.Context, roomID string) (eventutil.RoomVersion, error) {
		return "10", nil
	}, 16)
	require.NoError(t, err)
	signing, err := signingkeys.New(store, fetcher, nil, false, 8)
	require.NoError(t, err)

	out := &noopOutput{}
	inputer := &input.Inputer{
		Shorts:      shorts,
		Compressor:  comp,
		Timeline:    tl,
		Accessor:    accessor,
		StateRes:    res,
		RoomInfos:   roomInfos,
		Mutex:       roommutex.NewMap(),
		Federation:  noopFederation{},
		SigningKeys: signing,
		Limiter:     ratelimit.New(0, 0),
		Output:      out,
	}
	return inputer, roomInfos, out
}

// signAndHashPDU takes a raw event (with no hashes/signatures/unsigned
// fields yet) and fills in a valid content hash and Ed25519 signature,
// mirroring what a homeserver does immediately before sending an event
// out — the inverse of what verify.go checks on the receiving side.
func signAndHashPDU(t *testing.T, priv ed25519.PrivateKey, origin, keyID string, raw []byte, rv eventutil.RoomVersion) []byte {
	t.Helper()
	canon, err := eventutil.CanonicalJSON(raw)
	require.NoError(t, err)

	sum := sha256.Sum256(canon)
	hashB64 := base64.RawStdEncoding.EncodeToString(sum[:])

	withHash, err := sjson.SetBytes(canon, "hashes", map[string]string{"sha256": hashB64})
	require.NoError(t, err)

	signable, err := eventutil.SignableBytes(withHash, rv)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, signable)
	sigB64 := base64.RawStdEncoding.EncodeToString(sig)

	final, err := sjson.SetBytes(withHash, "signatures", map[string]map[string]string{
		origin: {keyID: sigB64},
	})
	require.NoError(t, err)

	canonFinal, err := eventutil.CanonicalJSON(final)
	require.NoError(t, err)
	return canonFinal
}

func TestInputRoomEventStoresSignedCreateEvent(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pubB64 := base64.RawStdEncoding.EncodeToString(pub)
	const origin = "x"
	const keyID = "ed25519:1"

	r, roomInfos, out := newInputer(t, staticFetcher{keyID: keyID, pubB64: pubB64})

	raw := []byte(`{"room_id":"!r:x","sender":"@alice:x","type":"m.room.create","state_key":"","origin_server_ts":1,"depth":1,"prev_events":[],"auth_events":[],"content":{"creator":"@alice:x","room_version":"10"}}`)
	signed := signAndHashPDU(t, priv, origin, keyID, raw, "10")
	pdu, err := eventutil.NewPDUFromUntrustedJSON(signed, "10")
	require.NoError(t, err)

	err = r.InputRoomEvent(context.Background(), &api.InputRoomEvent{
		Kind:  api.KindNew,
		Event: pdu,
	})
	require.NoError(t, err)
	require.Len(t, out.events, 1)
	require.Equal(t, api.OutputTypeNewRoomEvent, out.events[0].Type)

	_ = roomInfos
}
