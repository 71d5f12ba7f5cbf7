package authcheck_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/roomserver/internal/authcheck"
)

func pdu(t *testing.T, raw string) *eventutil.PDU {
	t.Helper()
	p, err := eventutil.NewPDUFromUntrustedJSON([]byte(raw), "10")
	require.NoError(t, err)
	return p
}

func TestCreateEventAllowedWithNoPriorCreate(t *testing.T) {
	create := pdu(t, `{"room_id":"!r:x","sender":"@alice:x","type":"m.room.create","state_key":"","origin_server_ts":1,"depth":1,"prev_events":[],"auth_events":[],"content":{"creator":"@alice:x"},"hashes":{},"signatures":{}}`)
	err := authcheck.CheckAllowed(create, map[shortid.StateKeyTuple]*eventutil.PDU{})
	require.NoError(t, err)
}

func TestMessageRejectedWithoutCreate(t *testing.T) {
	msg := pdu(t, `{"room_id":"!r:x","sender":"@alice:x","type":"m.room.message","origin_server_ts":1,"depth":2,"prev_events":[],"auth_events":[],"content":{},"hashes":{},"signatures":{}}`)
	err := authcheck.CheckAllowed(msg, map[shortid.StateKeyTuple]*eventutil.PDU{})
	require.Error(t, err)
}

func TestJoinAllowedForSelfUnderPublicRules(t *testing.T) {
	create := pdu(t, `{"room_id":"!r:x","sender":"@alice:x","type":"m.room.create","state_key":"","origin_server_ts":1,"depth":1,"prev_events":[],"auth_events":[],"content":{"creator":"@alice:x"},"hashes":{},"signatures":{}}`)
	joinRules := pdu(t, `{"room_id":"!r:x","sender":"@alice:x","type":"m.room.join_rules","state_key":"","origin_server_ts":1,"depth":2,"prev_events":[],"auth_events":[],"content":{"join_rule":"public"},"hashes":{},"signatures":{}}`)
	join := pdu(t, `{"room_id":"!r:x","sender":"@bob:x","type":"m.room.member","state_key":"@bob:x","origin_server_ts":1,"depth":3,"prev_events":[],"auth_events":[],"content":{"membership":"join"},"hashes":{},"signatures":{}}`)

	auth := map[shortid.StateKeyTuple]*eventutil.PDU{
		{EventType: "m.room.create", StateKey: ""}:      create,
		{EventType: "m.room.join_rules", StateKey: ""}:  joinRules,
	}
	require.NoError(t, authcheck.CheckAllowed(join, auth))
}

func TestJoinRejectedWithoutInviteUnderInviteOnlyRules(t *testing.T) {
	create := pdu(t, `{"room_id":"!r:x","sender":"@alice:x","type":"m.room.create","state_key":"","origin_server_ts":1,"depth":1,"prev_events":[],"auth_events":[],"content":{"creator":"@alice:x"},"hashes":{},"signatures":{}}`)
	join := pdu(t, `{"room_id":"!r:x","sender":"@bob:x","type":"m.room.member","state_key":"@bob:x","origin_server_ts":1,"depth":3,"prev_events":[],"auth_events":[],"content":{"membership":"join"},"hashes":{},"signatures":{}}`)

	auth := map[shortid.StateKeyTuple]*eventutil.PDU{
		{EventType: "m.room.create", StateKey: ""}: create,
	}
	require.Error(t, authcheck.CheckAllowed(join, auth))
}

func TestKickRequiresSufficientPowerLevel(t *testing.T) {
	create := pdu(t, `{"room_id":"!r:x","sender":"@alice:x","type":"m.room.create","state_key":"","origin_server_ts":1,"depth":1,"prev_events":[],"auth_events":[],"content":{"creator":"@alice:x"},"hashes":{},"signatures":{}}`)
	sender := pdu(t, `{"room_id":"!r:x","sender":"@alice:x","type":"m.room.member","state_key":"@alice:x","origin_server_ts":1,"depth":2,"prev_events":[],"auth_events":[],"content":{"membership":"join"},"hashes":{},"signatures":{}}`)
	target := pdu(t, `{"room_id":"!r:x","sender":"@bob:x","type":"m.room.member","state_key":"@bob:x","origin_server_ts":1,"depth":2,"prev_events":[],"auth_events":[],"content":{"membership":"join"},"hashes":{},"signatures":{}}`)
	kick := pdu(t, `{"room_id":"!r:x","sender":"@alice:x","type":"m.room.member","state_key":"@bob:x","origin_server_ts":1,"depth":4,"prev_events":[],"auth_events":[],"content":{"membership":"leave"},"hashes":{},"signatures":{}}`)

	auth := map[shortid.StateKeyTuple]*eventutil.PDU{
		{EventType: "m.room.create", StateKey: ""}:        create,
		{EventType: "m.room.member", StateKey: "@alice:x"}: sender,
		{EventType: "m.room.member", StateKey: "@bob:x"}:   target,
	}
	require.NoError(t, authcheck.CheckAllowed(kick, auth))
}
