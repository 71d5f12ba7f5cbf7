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

// Package timeline persists PDUs and indexes them by (shortroomid, count),
// event-id to pdu-id, outliers, and soft-failed markers. Every mutating
// method here assumes the caller already holds the relevant room's state
// mutex (internal/roommutex) — the store itself does not serialize
// concurrent appends to the same room.
package timeline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/shortid"
)

const (
	tablePDUByID         = "pduid_pdu"
	tablePDUIDByEventID  = "eventid_pduid"
	tableOutlier         = "eventid_outlierpdu"
	tableSoftFailed      = "softfailedeventids"
	tableLastCount       = "lasttimelinecount_cache"
	tableNotifyCounts    = "roomuserid_notificationcount"
	tableHighlightCounts = "roomuserid_highlightcount"
)

// PDUID is (shortroomid || count); lexicographic byte order therefore
// gives a total order across rooms and chronological order within one.
type PDUID []byte

// NewPDUID packs a room short id and a monotonic count into a PDUID.
func NewPDUID(room shortid.RoomNID, count uint64) PDUID {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(room))
	binary.BigEndian.PutUint64(b[8:16], count)
	return b
}

// Count extracts the monotonic count component of a PDUID.
func (p PDUID) Count() uint64 {
	return binary.BigEndian.Uint64(p[8:16])
}

// Store is the timeline persistence layer.
type Store struct {
	kv *kv.Store
}

// New constructs a Store, ensuring its tables exist.
func New(store *kv.Store) (*Store, error) {
	for _, t := range []string{
		tablePDUByID, tablePDUIDByEventID, tableOutlier, tableSoftFailed,
		tableLastCount, tableNotifyCounts, tableHighlightCounts,
	} {
		if err := store.EnsureTable(t); err != nil {
			return nil, fmt.Errorf("timeline.New: %w", err)
		}
	}
	return &Store{kv: store}, nil
}

// AppendPDU writes pdu's canonical JSON under its pduID, indexes event-id
// -> pdu-id, removes any outlier entry for the same event, and updates the
// room's last-timeline-count cache. The caller must hold the room's state
// mutex.
func (s *Store) AppendPDU(ctx context.Context, pduID PDUID, pdu *eventutil.PDU, room shortid.RoomNID) error {
	writes := []kv.Write{
		kv.PutOp(tablePDUByID, pduID, pdu.Raw),
		kv.PutOp(tablePDUIDByEventID, []byte(pdu.EventID), pduID),
		kv.DeleteOp(tableOutlier, []byte(pdu.EventID)),
		kv.PutOp(tableLastCount, roomKey(room), countBytes(pduID.Count())),
	}
	if err := s.kv.Cork(ctx, writes); err != nil {
		return fmt.Errorf("timeline.AppendPDU: %w", err)
	}
	return nil
}

// NextPDUID allocates the next timeline slot for room, drawing on the
// same process-global counter every other short-id allocation uses.
func (s *Store) NextPDUID(room shortid.RoomNID) (PDUID, error) {
	n, err := s.kv.NextCount()
	if err != nil {
		return nil, fmt.Errorf("timeline.NextPDUID: %w", err)
	}
	return NewPDUID(room, n), nil
}

// StoreOutlier persists an event that is not (yet, or ever) part of this
// room's timeline — it is kept only so peers that reference it by ID can
// still be served its content.
func (s *Store) StoreOutlier(ctx context.Context, pdu *eventutil.PDU) error {
	return s.kv.Put(ctx, tableOutlier, []byte(pdu.EventID), pdu.Raw)
}

// MarkSoftFailed records that eventID is stored but excluded from resolved
// state (spec.md §3 "soft-fail flag").
func (s *Store) MarkSoftFailed(ctx context.Context, eventID string) error {
	return s.kv.Put(ctx, tableSoftFailed, []byte(eventID), []byte{})
}

// IsSoftFailed reports whether eventID carries the soft-fail marker.
func (s *Store) IsSoftFailed(ctx context.Context, eventID string) (bool, error) {
	_, ok, err := s.kv.Get(ctx, tableSoftFailed, []byte(eventID))
	return ok, err
}

// GetPDU returns the timeline/outlier PDU for eventID, preferring the
// timeline copy.
func (s *Store) GetPDU(ctx context.Context, rv eventutil.RoomVersion, eventID string) (*eventutil.PDU, bool, error) {
	raw, ok, err := s.GetPDUJSON(ctx, eventID)
	if err != nil || !ok {
		return nil, ok, err
	}
	pdu, err := eventutil.NewPDUFromUntrustedJSON(raw, rv)
	if err != nil {
		return nil, false, fmt.Errorf("timeline.GetPDU: %w", err)
	}
	return pdu, true, nil
}

// GetPDUJSON returns the raw canonical JSON for eventID, checking the
// timeline first, then the outlier table.
func (s *Store) GetPDUJSON(ctx context.Context, eventID string) ([]byte, bool, error) {
	pduID, ok, err := s.kv.Get(ctx, tablePDUIDByEventID, []byte(eventID))
	if err != nil {
		return nil, false, fmt.Errorf("timeline.GetPDUJSON: %w", err)
	}
	if ok {
		raw, ok, err := s.kv.Get(ctx, tablePDUByID, pduID)
		if err != nil {
			return nil, false, fmt.Errorf("timeline.GetPDUJSON: %w", err)
		}
		if ok {
			return raw, true, nil
		}
	}
	raw, ok, err := s.kv.Get(ctx, tableOutlier, []byte(eventID))
	if err != nil {
		return nil, false, fmt.Errorf("timeline.GetPDUJSON: %w", err)
	}
	return raw, ok, nil
}

// ReplacePDU overwrites the stored canonical JSON for an existing pdu-id in
// place, preserving the pdu-id itself — used to apply a redaction.
func (s *Store) ReplacePDU(ctx context.Context, pduID PDUID, newPDU *eventutil.PDU) error {
	if err := s.kv.Put(ctx, tablePDUByID, pduID, newPDU.Raw); err != nil {
		return fmt.Errorf("timeline.ReplacePDU: %w", err)
	}
	return nil
}

// LastTimelineCount returns the most recently allocated count for room, or
// (0, false) if the room has no timeline entries yet.
func (s *Store) LastTimelineCount(ctx context.Context, room shortid.RoomNID) (uint64, bool, error) {
	v, ok, err := s.kv.Get(ctx, tableLastCount, roomKey(room))
	if err != nil || !ok {
		return 0, false, err
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// IncrementNotificationCounts atomically bumps notification_count (and, for
// the subset in highlightUsers, highlight_count) for each user in
// notifyUsers, for the given room.
func (s *Store) IncrementNotificationCounts(ctx context.Context, room shortid.RoomNID, notifyUsers []string, highlightUsers map[string]bool) error {
	var writes []kv.Write
	for _, user := range notifyUsers {
		key := kv.Key(roomKey(room), []byte(user))
		cur, _, err := s.kv.Get(ctx, tableNotifyCounts, key)
		if err != nil {
			return fmt.Errorf("timeline.IncrementNotificationCounts: %w", err)
		}
		writes = append(writes, kv.PutOp(tableNotifyCounts, key, countBytes(decodeCountOrZero(cur)+1)))
		if highlightUsers[user] {
			hcur, _, err := s.kv.Get(ctx, tableHighlightCounts, key)
			if err != nil {
				return fmt.Errorf("timeline.IncrementNotificationCounts: %w", err)
			}
			writes = append(writes, kv.PutOp(tableHighlightCounts, key, countBytes(decodeCountOrZero(hcur)+1)))
		}
	}
	if err := s.kv.Cork(ctx, writes); err != nil {
		return fmt.Errorf("timeline.IncrementNotificationCounts: %w", err)
	}
	return nil
}

// NotificationCounts returns the current (notification_count,
// highlight_count) for (room, user).
func (s *Store) NotificationCounts(ctx context.Context, room shortid.RoomNID, user string) (notify, highlight uint64, err error) {
	key := kv.Key(roomKey(room), []byte(user))
	nv, _, err := s.kv.Get(ctx, tableNotifyCounts, key)
	if err != nil {
		return 0, 0, err
	}
	hv, _, err := s.kv.Get(ctx, tableHighlightCounts, key)
	if err != nil {
		return 0, 0, err
	}
	return decodeCountOrZero(nv), decodeCountOrZero(hv), nil
}

// Cursor is a lazily-advancing view over a range of a room's timeline.
type Cursor struct {
	store     *Store
	room      shortid.RoomNID
	rv        eventutil.RoomVersion
	requester string
	lo, hi    uint64 // inclusive count bounds
	pos       uint64
	ascending bool
	done      bool
}

// PDUsSince returns a cursor over every PDU in room with count > since, in
// ascending order, stripping unsigned.transaction_id unless requester is
// the event's sender.
func (s *Store) PDUsSince(room shortid.RoomNID, rv eventutil.RoomVersion, requester string, since uint64) *Cursor {
	return &Cursor{store: s, room: room, rv: rv, requester: requester, lo: since + 1, hi: ^uint64(0), ascending: true}
}

// PDUsUntil returns a cursor over every PDU in room with count <= until, in
// descending order (most recent first).
func (s *Store) PDUsUntil(room shortid.RoomNID, rv eventutil.RoomVersion, requester string, until uint64) *Cursor {
	return &Cursor{store: s, room: room, rv: rv, requester: requester, lo: 0, hi: until, ascending: false}
}

// PDUsAfter returns a cursor over every PDU in room with count > from, in
// ascending order. Semantically identical to PDUsSince; kept as a distinct
// constructor to match the three named operations in spec.md §4.4.
func (s *Store) PDUsAfter(room shortid.RoomNID, rv eventutil.RoomVersion, requester string, from uint64) *Cursor {
	return s.PDUsSince(room, rv, requester, from)
}

// Next decodes and returns the next PDU in the cursor's range, or (nil,
// false) once exhausted. Decoding happens on demand, one row per call —
// the range is never eagerly materialized.
func (c *Cursor) Next(ctx context.Context) (*eventutil.PDU, bool, error) {
	if c.done {
		return nil, false, nil
	}
	var found *eventutil.PDU
	var foundCount uint64
	prefix := roomKey(c.room)
	dir := kv.Ascending
	if !c.ascending {
		dir = kv.Descending
	}
	err := c.store.kv.PrefixScan(ctx, tablePDUByID, prefix, dir, func(k, v []byte) (bool, error) {
		pduID := PDUID(k)
		count := pduID.Count()
		if count < c.lo || count > c.hi {
			// keep scanning past out-of-range rows until we re-enter range
			// or pass it entirely, depending on direction.
			if c.ascending && count > c.hi {
				return false, nil
			}
			if !c.ascending && count < c.lo {
				return false, nil
			}
			return true, nil
		}
		pdu, err := eventutil.NewPDUFromUntrustedJSON(v, c.rv)
		if err != nil {
			return false, fmt.Errorf("timeline.Cursor.Next: %w", err)
		}
		if pdu.Sender != c.requester {
			stripped, err := sjson.DeleteBytes(pdu.Raw, "unsigned.transaction_id")
			if err == nil {
				pdu.Raw = stripped
			}
		}
		found = pdu
		foundCount = count
		return false, nil
	})
	if err != nil {
		return nil, false, err
	}
	if found == nil {
		c.done = true
		return nil, false, nil
	}
	if c.ascending {
		c.lo = foundCount + 1
	} else {
		c.hi = foundCount - 1
		if foundCount == 0 {
			c.done = true
		}
	}
	return found, true, nil
}

func roomKey(room shortid.RoomNID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(room))
	return b
}

func countBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func decodeCountOrZero(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// marshalUnsigned is a small helper retained for callers that need to
// inspect the unsigned bag as a typed map rather than via gjson.
func marshalUnsigned(raw []byte) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
