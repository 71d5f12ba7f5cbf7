package stateaccessor_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/stateaccessor"
)

func TestAuthEventsNeededForMessage(t *testing.T) {
	needed := stateaccessor.AuthEventsNeeded("m.room.message", "@alice:x", nil, nil)
	require.Contains(t, needed, shortid.StateKeyTuple{EventType: "m.room.create", StateKey: ""})
	require.Contains(t, needed, shortid.StateKeyTuple{EventType: "m.room.power_levels", StateKey: ""})
	require.Contains(t, needed, shortid.StateKeyTuple{EventType: "m.room.member", StateKey: "@alice:x"})
	require.NotContains(t, needed, shortid.StateKeyTuple{EventType: "m.room.join_rules", StateKey: ""})
}

func TestAuthEventsNeededForJoin(t *testing.T) {
	target := "@bob:x"
	needed := stateaccessor.AuthEventsNeeded("m.room.member", "@bob:x", &target, []byte(`{"membership":"join"}`))
	require.Contains(t, needed, shortid.StateKeyTuple{EventType: "m.room.member", StateKey: "@bob:x"})
	require.Contains(t, needed, shortid.StateKeyTuple{EventType: "m.room.join_rules", StateKey: ""})
}

func TestAuthEventsNeededDeduplicates(t *testing.T) {
	target := "@alice:x"
	needed := stateaccessor.AuthEventsNeeded("m.room.member", "@alice:x", &target, []byte(`{"membership":"join"}`))
	seen := map[shortid.StateKeyTuple]int{}
	for _, t := range needed {
		seen[t]++
	}
	for tuple, count := range seen {
		require.Equal(t, 1, count, "tuple %+v appeared more than once", tuple)
	}
}
