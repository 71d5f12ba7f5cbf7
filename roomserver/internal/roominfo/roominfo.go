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

// Package roominfo is the kv-backed implementation of
// roomserver/internal/input.RoomInfoStore: per-room metadata (short id,
// room version), per-event state-snapshot pointers, and each room's
// current forward extremities/state snapshot.
package roominfo

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/roomserver/api"
)

const (
	tableRoomByID      = "roomid_roominfo"
	tableEventState    = "eventnid_statesnapshot"
	tableLatestState   = "roomnid_latestevents_state"
)

// Store is the kv-backed RoomInfoStore.
type Store struct {
	kv     *kv.Store
	shorts *shortid.Interner
}

// New constructs a Store, ensuring its tables exist.
func New(store *kv.Store, shorts *shortid.Interner) (*Store, error) {
	for _, t := range []string{tableRoomByID, tableEventState, tableLatestState} {
		if err := store.EnsureTable(t); err != nil {
			return nil, fmt.Errorf("roominfo.New: %w", err)
		}
	}
	return &Store{kv: store, shorts: shorts}, nil
}

type roomInfoRow struct {
	RoomNID     uint64 `json:"room_nid"`
	RoomVersion string `json:"room_version"`
}

// RoomInfo returns roomID's stored metadata, or (nil, nil) if the room is
// not yet known locally.
func (s *Store) RoomInfo(ctx context.Context, roomID string) (*api.RoomInfo, error) {
	raw, ok, err := s.kv.Get(ctx, tableRoomByID, []byte(roomID))
	if err != nil {
		return nil, fmt.Errorf("roominfo.RoomInfo: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var row roomInfoRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("roominfo.RoomInfo: %w", err)
	}
	return &api.RoomInfo{
		RoomID:      roomID,
		RoomNID:     shortid.RoomNID(row.RoomNID),
		RoomVersion: eventutil.RoomVersion(row.RoomVersion),
	}, nil
}

// SetRoomInfo persists info, interning its room NID if this is the first
// time the room has been seen.
func (s *Store) SetRoomInfo(ctx context.Context, info *api.RoomInfo) error {
	if info.RoomNID == 0 {
		nid, err := s.shorts.GetOrCreateRoomNID(ctx, info.RoomID)
		if err != nil {
			return fmt.Errorf("roominfo.SetRoomInfo: %w", err)
		}
		info.RoomNID = nid
	}
	raw, err := json.Marshal(roomInfoRow{RoomNID: uint64(info.RoomNID), RoomVersion: string(info.RoomVersion)})
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, tableRoomByID, []byte(info.RoomID), raw); err != nil {
		return fmt.Errorf("roominfo.SetRoomInfo: %w", err)
	}
	return nil
}

// EventNIDForID resolves an already-interned event's short id.
func (s *Store) EventNIDForID(ctx context.Context, eventID string) (shortid.EventNID, bool, error) {
	return s.shorts.GetEventNID(ctx, eventID)
}

// SetStateAtEvent records the state snapshot that precedes eventNID.
func (s *Store) SetStateAtEvent(ctx context.Context, eventNID shortid.EventNID, snapshot statecompressor.ShortStateHash) error {
	key := encodeU64(uint64(eventNID))
	val := encodeU64(uint64(snapshot))
	if err := s.kv.Put(ctx, tableEventState, key, val); err != nil {
		return fmt.Errorf("roominfo.SetStateAtEvent: %w", err)
	}
	return nil
}

// LatestEventsAndState returns room's current forward extremities and
// resolved state snapshot.
func (s *Store) LatestEventsAndState(ctx context.Context, room shortid.RoomNID) (latestEventIDs []string, state statecompressor.ShortStateHash, err error) {
	raw, ok, err := s.kv.Get(ctx, tableLatestState, encodeU64(uint64(room)))
	if err != nil {
		return nil, 0, fmt.Errorf("roominfo.LatestEventsAndState: %w", err)
	}
	if !ok {
		return nil, 0, nil
	}
	var row struct {
		EventIDs []string `json:"event_ids"`
		State    uint64   `json:"state"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, 0, fmt.Errorf("roominfo.LatestEventsAndState: %w", err)
	}
	return row.EventIDs, statecompressor.ShortStateHash(row.State), nil
}

// SetLatestEvents overwrites room's forward extremities and resolved
// state snapshot.
func (s *Store) SetLatestEvents(ctx context.Context, room shortid.RoomNID, latestEventIDs []string, state statecompressor.ShortStateHash) error {
	raw, err := json.Marshal(struct {
		EventIDs []string `json:"event_ids"`
		State    uint64   `json:"state"`
	}{EventIDs: latestEventIDs, State: uint64(state)})
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, tableLatestState, encodeU64(uint64(room)), raw); err != nil {
		return fmt.Errorf("roominfo.SetLatestEvents: %w", err)
	}
	return nil
}

func encodeU64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}
