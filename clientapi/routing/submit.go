// Copyright 2017 Vector Creations Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/roomserver/api"
)

// submitEvent builds, signs and hands a locally-authored event to the
// roomserver input pipeline, the same entry point federation-received
// PDUs go through. SendAsServer is this server's own name, not the
// DoNotSendToOtherServers sentinel federationapi/routing uses, so the
// sender engine relays the event to every other joined server.
func (d *Dependencies) submitEvent(ctx context.Context, roomID, sender, eventType string, stateKey *string, content json.RawMessage) (string, error) {
	info, err := d.RoomInfos.RoomInfo(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("clientapi: looking up room %s: %w", roomID, err)
	}
	if info == nil {
		return "", fmt.Errorf("clientapi: unknown room %s", roomID)
	}
	rv := eventutil.RoomVersion(info.RoomVersion)

	prevEvents, stateHash, err := d.RoomInfos.LatestEventsAndState(ctx, info.RoomNID)
	if err != nil {
		return "", fmt.Errorf("clientapi: loading forward extremities for %s: %w", roomID, err)
	}

	depth := int64(1)
	for _, prevID := range prevEvents {
		prev, found, gerr := d.Timeline.GetPDU(ctx, rv, prevID)
		if gerr != nil {
			return "", fmt.Errorf("clientapi: loading prev event %s: %w", prevID, gerr)
		}
		if found && prev.Depth+1 > depth {
			depth = prev.Depth + 1
		}
	}

	authEvents, err := d.computeAuthEvents(ctx, roomID, stateHash, sender, eventType, stateKey)
	if err != nil {
		return "", fmt.Errorf("clientapi: computing auth events for %s: %w", roomID, err)
	}

	pdu, err := d.buildAndSignPDU(ctx, rv, roomID, sender, eventType, stateKey, content, prevEvents, authEvents, depth, func() int64 {
		return time.Now().UnixMilli()
	})
	if err != nil {
		return "", err
	}

	input := &api.InputRoomEvent{
		Kind:         api.KindNew,
		Event:        pdu,
		SendAsServer: d.ServerName,
	}
	if err := d.RoomServer.InputRoomEvent(ctx, input); err != nil {
		return "", fmt.Errorf("clientapi: submitting event to roomserver: %w", err)
	}
	return pdu.EventID, nil
}

// submitCreateEvent builds and signs the m.room.create event for a
// brand-new room. Unlike submitEvent it cannot look up a RoomInfo first:
// none exists yet. The roomserver input pipeline creates the RoomInfo
// record itself from the event's content.room_version the moment this
// event is processed (roomserver/internal/input's resolve-or-create
// RoomInfo stage).
func (d *Dependencies) submitCreateEvent(ctx context.Context, roomID, sender string, rv eventutil.RoomVersion, content json.RawMessage) (string, error) {
	pdu, err := d.buildAndSignPDU(ctx, rv, roomID, sender, "m.room.create", strPtr(""), content, nil, nil, 1, func() int64 {
		return time.Now().UnixMilli()
	})
	if err != nil {
		return "", err
	}
	input := &api.InputRoomEvent{
		Kind:         api.KindNew,
		Event:        pdu,
		SendAsServer: d.ServerName,
	}
	if err := d.RoomServer.InputRoomEvent(ctx, input); err != nil {
		return "", fmt.Errorf("clientapi: submitting create event: %w", err)
	}
	return pdu.EventID, nil
}

func strPtr(s string) *string { return &s }

// computeAuthEvents picks the auth-event chain (spec.md §4.5) for a new
// event from the room's current state: the create event always, plus
// power_levels/join_rules/the sender's own membership where they exist.
// m.room.create never has auth events, matching the bootstrap case.
func (d *Dependencies) computeAuthEvents(ctx context.Context, roomID string, stateHash statecompressor.ShortStateHash, sender, eventType string, stateKey *string) ([]string, error) {
	if eventType == "m.room.create" {
		return nil, nil
	}
	state, err := d.Accessor.FullState(ctx, roomID, stateHash)
	if err != nil {
		return nil, err
	}
	var auth []string
	wanted := []shortid.StateKeyTuple{
		{EventType: "m.room.create", StateKey: ""},
		{EventType: "m.room.power_levels", StateKey: ""},
		{EventType: "m.room.join_rules", StateKey: ""},
		{EventType: "m.room.member", StateKey: sender},
	}
	if eventType == "m.room.member" && stateKey != nil && *stateKey != sender {
		wanted = append(wanted, shortid.StateKeyTuple{EventType: "m.room.member", StateKey: *stateKey})
	}
	seen := map[string]bool{}
	for _, tuple := range wanted {
		pdu, ok := state[tuple]
		if !ok || seen[pdu.EventID] {
			continue
		}
		seen[pdu.EventID] = true
		auth = append(auth, pdu.EventID)
	}
	return auth, nil
}
