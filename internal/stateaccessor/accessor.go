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

// Package stateaccessor resolves (room, event-type, state-key) -> event at
// any state snapshot, exposes typed accessors for the well-known state
// events, and computes the auth-event set a candidate event requires.
package stateaccessor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/internal/timeline"
)

// Accessor is the read-side view over state snapshots.
type Accessor struct {
	shorts     *shortid.Interner
	compressor *statecompressor.Compressor
	timeline   *timeline.Store
	roomVer    func(ctx context.Context, roomID string) (eventutil.RoomVersion, error)
}

// New constructs an Accessor. roomVersionLookup resolves a room's version
// (normally backed by the create-event cache the roomserver keeps).
func New(shorts *shortid.Interner, compressor *statecompressor.Compressor, tl *timeline.Store, roomVersionLookup func(ctx context.Context, roomID string) (eventutil.RoomVersion, error)) *Accessor {
	return &Accessor{shorts: shorts, compressor: compressor, timeline: tl, roomVer: roomVersionLookup}
}

// FullState returns every (type, state_key) -> event pair present in the
// snapshot identified by hash.
func (a *Accessor) FullState(ctx context.Context, roomID string, hash statecompressor.ShortStateHash) (map[shortid.StateKeyTuple]*eventutil.PDU, error) {
	rv, err := a.roomVer(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("stateaccessor.FullState: %w", err)
	}
	compressed, err := a.compressor.Load(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("stateaccessor.FullState: %w", err)
	}
	out := make(map[shortid.StateKeyTuple]*eventutil.PDU, len(compressed))
	for _, c := range compressed {
		tuple, err := a.shorts.StateKeyTupleFor(ctx, c.StateKeyNID())
		if err != nil {
			return nil, fmt.Errorf("stateaccessor.FullState: %w", err)
		}
		eventID, err := a.shorts.EventIDFor(ctx, c.EventNID())
		if err != nil {
			return nil, fmt.Errorf("stateaccessor.FullState: %w", err)
		}
		pdu, ok, err := a.timeline.GetPDU(ctx, rv, eventID)
		if err != nil {
			return nil, fmt.Errorf("stateaccessor.FullState: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("stateaccessor.FullState: %w: event %s referenced by snapshot %d is missing", ErrMissingEvent, eventID, hash)
		}
		out[tuple] = pdu
	}
	return out, nil
}

// GetStateEvent resolves a single (type, state_key) at hash, returning
// (nil, false, nil) if that tuple is absent from the snapshot.
func (a *Accessor) GetStateEvent(ctx context.Context, roomID string, hash statecompressor.ShortStateHash, tuple shortid.StateKeyTuple) (*eventutil.PDU, bool, error) {
	full, err := a.FullState(ctx, roomID, hash)
	if err != nil {
		return nil, false, err
	}
	pdu, ok := full[tuple]
	return pdu, ok, nil
}

// CreateContent, PowerLevelsContent, JoinRulesContent, HistoryVisibility,
// MemberContent are typed views over the well-known state events' content,
// used by auth and by the client-facing room-info endpoints.
type CreateContent struct {
	Creator     string `json:"creator,omitempty"`
	RoomVersion string `json:"room_version"`
}

type PowerLevelsContent struct {
	Ban           int64            `json:"ban"`
	Events        map[string]int64 `json:"events"`
	EventsDefault int64            `json:"events_default"`
	Kick          int64            `json:"kick"`
	Redact        int64            `json:"redact"`
	StateDefault  int64            `json:"state_default"`
	Users         map[string]int64 `json:"users"`
	UsersDefault  int64            `json:"users_default"`
	Invite        int64            `json:"invite"`
}

type JoinRulesContent struct {
	JoinRule string `json:"join_rule"`
}

type HistoryVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}

type MemberContent struct {
	Membership string `json:"membership"`
}

// GetCreate, GetPowerLevels, GetJoinRules, GetHistoryVisibility, and
// GetMember are thin typed wrappers over GetStateEvent for the event
// types auth and client endpoints need most often.
func (a *Accessor) GetCreate(ctx context.Context, roomID string, hash statecompressor.ShortStateHash) (*CreateContent, error) {
	pdu, ok, err := a.GetStateEvent(ctx, roomID, hash, shortid.StateKeyTuple{EventType: "m.room.create", StateKey: ""})
	if err != nil || !ok {
		return nil, err
	}
	var c CreateContent
	if err := unmarshalContent(pdu, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (a *Accessor) GetPowerLevels(ctx context.Context, roomID string, hash statecompressor.ShortStateHash) (*PowerLevelsContent, error) {
	pdu, ok, err := a.GetStateEvent(ctx, roomID, hash, shortid.StateKeyTuple{EventType: "m.room.power_levels", StateKey: ""})
	if err != nil {
		return nil, err
	}
	if !ok {
		return defaultPowerLevels(), nil
	}
	c := defaultPowerLevels()
	if err := unmarshalContent(pdu, c); err != nil {
		return nil, err
	}
	return c, nil
}

func defaultPowerLevels() *PowerLevelsContent {
	return &PowerLevelsContent{
		Ban: 50, Kick: 50, Redact: 50, StateDefault: 50, Invite: 0,
		EventsDefault: 0, UsersDefault: 0,
		Events: map[string]int64{}, Users: map[string]int64{},
	}
}

func (a *Accessor) GetJoinRules(ctx context.Context, roomID string, hash statecompressor.ShortStateHash) (*JoinRulesContent, error) {
	pdu, ok, err := a.GetStateEvent(ctx, roomID, hash, shortid.StateKeyTuple{EventType: "m.room.join_rules", StateKey: ""})
	if err != nil || !ok {
		return &JoinRulesContent{JoinRule: "invite"}, err
	}
	var c JoinRulesContent
	if err := unmarshalContent(pdu, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (a *Accessor) GetHistoryVisibility(ctx context.Context, roomID string, hash statecompressor.ShortStateHash) (*HistoryVisibilityContent, error) {
	pdu, ok, err := a.GetStateEvent(ctx, roomID, hash, shortid.StateKeyTuple{EventType: "m.room.history_visibility", StateKey: ""})
	if err != nil || !ok {
		return &HistoryVisibilityContent{HistoryVisibility: "shared"}, err
	}
	var c HistoryVisibilityContent
	if err := unmarshalContent(pdu, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (a *Accessor) GetMember(ctx context.Context, roomID string, hash statecompressor.ShortStateHash, userID string) (*MemberContent, bool, error) {
	pdu, ok, err := a.GetStateEvent(ctx, roomID, hash, shortid.StateKeyTuple{EventType: "m.room.member", StateKey: userID})
	if err != nil || !ok {
		return nil, ok, err
	}
	var c MemberContent
	if err := unmarshalContent(pdu, &c); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func unmarshalContent(pdu *eventutil.PDU, v interface{}) error {
	raw := pdu.Content.Raw
	if raw == "" {
		raw = "{}"
	}
	return json.Unmarshal([]byte(raw), v)
}

// ErrMissingEvent marks a database inconsistency: a compressed-state entry
// referenced an event the timeline store no longer (or never) has.
var ErrMissingEvent = fmt.Errorf("stateaccessor: missing event referenced by state snapshot")
