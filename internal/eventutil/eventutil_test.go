package eventutil_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
)

func TestCanonicalJSONIdempotence(t *testing.T) {
	raw := []byte(`{"b": 2, "a": 1, "nested": {"z": true, "y": null}}`)
	c1, err := eventutil.CanonicalJSON(raw)
	require.NoError(t, err)
	c2, err := eventutil.CanonicalJSON(c1)
	require.NoError(t, err)
	require.Equal(t, c1, c2)
	require.Equal(t, `{"a":1,"b":2,"nested":{"y":null,"z":true}}`, string(c1))
}

func TestCanonicalJSONKeyOrdering(t *testing.T) {
	raw := []byte(`{"z":1,"a":2,"m":3}`)
	c, err := eventutil.CanonicalJSON(raw)
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"m":3,"z":1}`, string(c))
}

func TestReferenceHashStableForIdenticalContent(t *testing.T) {
	raw := []byte(`{
		"room_id": "!abc:example.org",
		"sender": "@alice:example.org",
		"type": "m.room.message",
		"origin_server_ts": 123,
		"depth": 4,
		"prev_events": [],
		"auth_events": [],
		"content": {"body":"hi"},
		"hashes": {"sha256":"abc"},
		"signatures": {"example.org":{"ed25519:1":"sig"}}
	}`)
	h1, err := eventutil.ReferenceHash(raw, "10")
	require.NoError(t, err)
	h2, err := eventutil.ReferenceHash(raw, "10")
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Equal(t, byte('$'), h1[0])
}

func TestRedactStripsNonEssentialContent(t *testing.T) {
	raw := []byte(`{
		"room_id": "!abc:example.org",
		"sender": "@alice:example.org",
		"type": "m.room.member",
		"state_key": "@alice:example.org",
		"origin_server_ts": 123,
		"depth": 4,
		"prev_events": [],
		"auth_events": [],
		"content": {"membership":"join","displayname":"Alice","extra":"gone"},
		"hashes": {"sha256":"abc"},
		"signatures": {"example.org":{"ed25519:1":"sig"}}
	}`)
	redacted, err := eventutil.Redact(raw, "10")
	require.NoError(t, err)
	require.Contains(t, string(redacted), `"membership":"join"`)
	require.NotContains(t, string(redacted), "displayname")
	require.NotContains(t, string(redacted), "extra")
}

func TestNewPDUFromUntrustedJSONComputesEventID(t *testing.T) {
	raw := []byte(`{
		"room_id": "!abc:example.org",
		"sender": "@alice:example.org",
		"type": "m.room.message",
		"origin_server_ts": 123,
		"depth": 4,
		"prev_events": [],
		"auth_events": [],
		"content": {"body":"hi"},
		"hashes": {"sha256":"abc"},
		"signatures": {}
	}`)
	p, err := eventutil.NewPDUFromUntrustedJSON(raw, "10")
	require.NoError(t, err)
	require.NotEmpty(t, p.EventID)
	require.Equal(t, byte('$'), p.EventID[0])
	require.False(t, p.IsState())
}
