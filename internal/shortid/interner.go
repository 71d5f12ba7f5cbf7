// Copyright 2017 Vector Creations Ltd
// Copyright 2018 New Vector Ltd
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

// Package shortid interns event IDs, (event-type, state-key) pairs, and
// room IDs into dense, monotonically allocated 64-bit integers, with
// reverse lookup in both directions.
package shortid

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/matrix-org/dendrite-core/internal/kv"
)

const (
	tableEventIDToShort   = "eventid_shorteventid"
	tableShortToEventID   = "shorteventid_eventid"
	tableStateKeyToShort  = "statekey_shortstatekey"
	tableShortToStateKey  = "shortstatekey_statekey"
	tableRoomIDToShort    = "roomid_shortroomid"
	tableShortToRoomID    = "shortroomid_roomid"
)

// EventNID, EventStateKeyNID and RoomNID are the dense interned integer ids
// named in spec.md §3.
type (
	EventNID         uint64
	EventStateKeyNID uint64
	RoomNID          uint64
)

// Interner is the bidirectional short-id table set. It is process-wide:
// every room shares the same monotonic counter and namespace-segregated
// tables, so there is never cross-kind collision on the integer value
// alone.
type Interner struct {
	store *kv.Store
}

// New constructs an Interner over store, ensuring its tables exist.
func New(store *kv.Store) (*Interner, error) {
	for _, t := range []string{
		tableEventIDToShort, tableShortToEventID,
		tableStateKeyToShort, tableShortToStateKey,
		tableRoomIDToShort, tableShortToRoomID,
	} {
		if err := store.EnsureTable(t); err != nil {
			return nil, fmt.Errorf("shortid.New: %w", err)
		}
	}
	return &Interner{store: store}, nil
}

func encodeU64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func decodeU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("shortid: malformed short-id value of length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// GetEventNID returns the short id already interned for eventID, if any.
func (i *Interner) GetEventNID(ctx context.Context, eventID string) (EventNID, bool, error) {
	v, ok, err := i.store.Get(ctx, tableEventIDToShort, []byte(eventID))
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := decodeU64(v)
	return EventNID(n), true, err
}

// GetOrCreateEventNID interns eventID if it is not already known, writing
// both directions atomically. Allocation uses the single process-global
// counter.
func (i *Interner) GetOrCreateEventNID(ctx context.Context, eventID string) (EventNID, error) {
	if nid, ok, err := i.GetEventNID(ctx, eventID); err != nil {
		return 0, err
	} else if ok {
		return nid, nil
	}
	n, err := i.store.NextCount()
	if err != nil {
		return 0, fmt.Errorf("shortid.GetOrCreateEventNID: %w", err)
	}
	enc := encodeU64(n)
	if err := i.store.Cork(ctx, []kv.Write{
		kv.PutOp(tableEventIDToShort, []byte(eventID), enc),
		kv.PutOp(tableShortToEventID, enc, []byte(eventID)),
	}); err != nil {
		return 0, fmt.Errorf("shortid.GetOrCreateEventNID: %w", err)
	}
	return EventNID(n), nil
}

// EventIDFor is the reverse lookup. A miss here for a short id that is
// referenced elsewhere in the database is a fatal inconsistency, per
// spec.md §4.2 — callers should treat an error here as a database
// corruption error, not a soft failure.
func (i *Interner) EventIDFor(ctx context.Context, nid EventNID) (string, error) {
	v, ok, err := i.store.Get(ctx, tableShortToEventID, encodeU64(uint64(nid)))
	if err != nil {
		return "", fmt.Errorf("shortid.EventIDFor: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("shortid.EventIDFor: %w: no event id for short id %d", ErrInconsistentShortID, nid)
	}
	return string(v), nil
}

// StateKeyTuple is (event-type, state-key), the unit interned for state
// events.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

func (t StateKeyTuple) encode() []byte {
	return kv.Key([]byte(t.EventType), []byte(t.StateKey))
}

// GetOrCreateStateKeyNID interns (type, state_key).
func (i *Interner) GetOrCreateStateKeyNID(ctx context.Context, t StateKeyTuple) (EventStateKeyNID, error) {
	key := t.encode()
	if v, ok, err := i.store.Get(ctx, tableStateKeyToShort, key); err != nil {
		return 0, err
	} else if ok {
		n, err := decodeU64(v)
		return EventStateKeyNID(n), err
	}
	n, err := i.store.NextCount()
	if err != nil {
		return 0, fmt.Errorf("shortid.GetOrCreateStateKeyNID: %w", err)
	}
	enc := encodeU64(n)
	if err := i.store.Cork(ctx, []kv.Write{
		kv.PutOp(tableStateKeyToShort, key, enc),
		kv.PutOp(tableShortToStateKey, enc, key),
	}); err != nil {
		return 0, fmt.Errorf("shortid.GetOrCreateStateKeyNID: %w", err)
	}
	return EventStateKeyNID(n), nil
}

// GetStateKeyNID is the non-creating lookup.
func (i *Interner) GetStateKeyNID(ctx context.Context, t StateKeyTuple) (EventStateKeyNID, bool, error) {
	v, ok, err := i.store.Get(ctx, tableStateKeyToShort, t.encode())
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := decodeU64(v)
	return EventStateKeyNID(n), true, err
}

// StateKeyTupleFor is the reverse lookup for a state-key short id.
func (i *Interner) StateKeyTupleFor(ctx context.Context, nid EventStateKeyNID) (StateKeyTuple, error) {
	v, ok, err := i.store.Get(ctx, tableShortToStateKey, encodeU64(uint64(nid)))
	if err != nil {
		return StateKeyTuple{}, fmt.Errorf("shortid.StateKeyTupleFor: %w", err)
	}
	if !ok {
		return StateKeyTuple{}, fmt.Errorf("shortid.StateKeyTupleFor: %w: no tuple for short id %d", ErrInconsistentShortID, nid)
	}
	parts, err := kv.SplitKey(v, 2)
	if err != nil {
		return StateKeyTuple{}, fmt.Errorf("shortid.StateKeyTupleFor: %w", err)
	}
	return StateKeyTuple{EventType: string(parts[0]), StateKey: string(parts[1])}, nil
}

// GetOrCreateRoomNID interns roomID.
func (i *Interner) GetOrCreateRoomNID(ctx context.Context, roomID string) (RoomNID, error) {
	if v, ok, err := i.store.Get(ctx, tableRoomIDToShort, []byte(roomID)); err != nil {
		return 0, err
	} else if ok {
		n, err := decodeU64(v)
		return RoomNID(n), err
	}
	n, err := i.store.NextCount()
	if err != nil {
		return 0, fmt.Errorf("shortid.GetOrCreateRoomNID: %w", err)
	}
	enc := encodeU64(n)
	if err := i.store.Cork(ctx, []kv.Write{
		kv.PutOp(tableRoomIDToShort, []byte(roomID), enc),
		kv.PutOp(tableShortToRoomID, enc, []byte(roomID)),
	}); err != nil {
		return 0, fmt.Errorf("shortid.GetOrCreateRoomNID: %w", err)
	}
	return RoomNID(n), nil
}

// GetRoomNID is the non-creating lookup.
func (i *Interner) GetRoomNID(ctx context.Context, roomID string) (RoomNID, bool, error) {
	v, ok, err := i.store.Get(ctx, tableRoomIDToShort, []byte(roomID))
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := decodeU64(v)
	return RoomNID(n), true, err
}

// RoomIDFor is the reverse lookup.
func (i *Interner) RoomIDFor(ctx context.Context, nid RoomNID) (string, error) {
	v, ok, err := i.store.Get(ctx, tableShortToRoomID, encodeU64(uint64(nid)))
	if err != nil {
		return "", fmt.Errorf("shortid.RoomIDFor: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("shortid.RoomIDFor: %w: no room id for short id %d", ErrInconsistentShortID, nid)
	}
	return string(v), nil
}

// ErrInconsistentShortID marks a reverse-lookup miss for a short id that
// must exist. Per spec.md §4.2, such a miss is a fatal database error, not
// a recoverable not-found case — callers should treat it as such rather
// than retrying.
var ErrInconsistentShortID = fmt.Errorf("shortid: inconsistent database: short id has no reverse mapping")
