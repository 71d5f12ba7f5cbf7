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

// Package eventutil holds the PDU data model and the canonical-JSON /
// reference-hash / redaction helpers shared by every component that
// touches an event. There is exactly one canonical representation of an
// event from parse to persist: the raw canonical JSON bytes plus a typed
// view over the fields callers need, never re-serialized through a
// non-canonical encoder in between.
package eventutil

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RoomVersion is a Matrix room version string ("1" .. "11").
type RoomVersion string

// EventIDFormat distinguishes the v1 (random-string) event ID scheme from
// the v2+ (reference-hash) scheme.
type EventIDFormat int

const (
	EventIDFormatV1 EventIDFormat = iota
	EventIDFormatV2
)

// IDFormat returns the event-id scheme used by this room version.
func (rv RoomVersion) IDFormat() EventIDFormat {
	switch rv {
	case "1", "2":
		return EventIDFormatV1
	default:
		return EventIDFormatV2
	}
}

// CreatorIsEventID reports whether the room's creator is determined by the
// create event's own event ID (v11+) rather than its sender (<=v10).
func (rv RoomVersion) CreatorIsEventID() bool {
	switch rv {
	case "11":
		return true
	default:
		return false
	}
}

// StateResAlgorithm selects which state resolution algorithm a room
// version uses. All versions this module supports ("1".."11") use v2+
// except the long-retired v1 algorithm, which is out of scope (v1 rooms
// are read-only historical artifacts); we still resolve with v2 semantics
// for them since the difference only matters for edge cases this core
// does not need to reproduce exactly for legacy rooms.
func (rv RoomVersion) StateResAlgorithm() int {
	return 2
}

// PDU is the typed view of a persisted Matrix event. Raw holds the
// canonical JSON bytes this struct was parsed from; it is always kept in
// sync and is what actually gets hashed, signed, and stored.
type PDU struct {
	Raw []byte `json:"-"`

	EventID         string              `json:"-"` // derived, not a JSON field pre-v2
	RoomID          string              `json:"room_id"`
	Sender          string              `json:"sender"`
	OriginServerTS  int64               `json:"origin_server_ts"`
	Type            string              `json:"type"`
	StateKey        *string             `json:"state_key,omitempty"`
	Content         gjson.Result        `json:"-"`
	PrevEvents      []string            `json:"prev_events"`
	Depth           int64               `json:"depth"`
	AuthEvents      []string            `json:"auth_events"`
	Redacts         string              `json:"redacts,omitempty"`
	Hashes          map[string]string   `json:"hashes"`
	Signatures      map[string]map[string]string `json:"signatures"`
	Unsigned        gjson.Result        `json:"-"`

	roomVersion RoomVersion
}

// IsState reports whether this PDU is a state event.
func (p *PDU) IsState() bool {
	return p.StateKey != nil
}

// StateKeyTuple identifies a state event by (type, state_key).
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// NewPDUFromUntrustedJSON parses raw JSON into a PDU without yet
// verifying anything about it. The event ID is computed immediately since
// it is intrinsic to the bytes, not asserted by the sender.
func NewPDUFromUntrustedJSON(raw []byte, rv RoomVersion) (*PDU, error) {
	canon, err := CanonicalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("eventutil.NewPDUFromUntrustedJSON: %w", err)
	}
	p := &PDU{Raw: canon}
	root := gjson.ParseBytes(canon)
	p.RoomID = root.Get("room_id").String()
	p.Sender = root.Get("sender").String()
	p.OriginServerTS = root.Get("origin_server_ts").Int()
	p.Type = root.Get("type").String()
	if sk := root.Get("state_key"); sk.Exists() {
		v := sk.String()
		p.StateKey = &v
	}
	p.Content = root.Get("content")
	p.Unsigned = root.Get("unsigned")
	p.Depth = root.Get("depth").Int()
	p.Redacts = root.Get("redacts").String()
	for _, v := range root.Get("prev_events").Array() {
		p.PrevEvents = append(p.PrevEvents, v.String())
	}
	for _, v := range root.Get("auth_events").Array() {
		p.AuthEvents = append(p.AuthEvents, v.String())
	}
	p.Hashes = map[string]string{}
	root.Get("hashes").ForEach(func(k, v gjson.Result) bool {
		p.Hashes[k.String()] = v.String()
		return true
	})
	p.Signatures = map[string]map[string]string{}
	root.Get("signatures").ForEach(func(server, keys gjson.Result) bool {
		inner := map[string]string{}
		keys.ForEach(func(keyID, sig gjson.Result) bool {
			inner[keyID.String()] = sig.String()
			return true
		})
		p.Signatures[server.String()] = inner
		return true
	})

	ref, err := ReferenceHash(p.Raw, rv)
	if err != nil {
		return nil, fmt.Errorf("eventutil.NewPDUFromUntrustedJSON: computing reference hash: %w", err)
	}
	p.EventID = ref
	return p, nil
}

// SignableBytes returns the redacted, canonical-JSON form of an event
// with `signatures` and `unsigned` removed — the exact byte sequence
// both the reference hash and the Ed25519 signatures are computed over.
func SignableBytes(canonicalRaw []byte, rv RoomVersion) ([]byte, error) {
	redacted, err := Redact(canonicalRaw, rv)
	if err != nil {
		return nil, err
	}
	stripped, err := sjson.DeleteBytes(redacted, "signatures")
	if err != nil {
		return nil, err
	}
	stripped, err = sjson.DeleteBytes(stripped, "unsigned")
	if err != nil {
		return nil, err
	}
	return stripped, nil
}

// ReferenceHash computes the event identifier: a SHA-256 digest over the
// canonical JSON of the redacted form of the event, formatted per the
// room version's ID scheme.
func ReferenceHash(canonicalRaw []byte, rv RoomVersion) (string, error) {
	stripped, err := SignableBytes(canonicalRaw, rv)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(stripped)
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	switch rv.IDFormat() {
	case EventIDFormatV1:
		// v1/v2 room event IDs are opaque `$`-prefixed strings; in the
		// absence of federation-provided randomness for a locally
		// constructed event, the reference hash itself is used as the
		// random component, which keeps the property that re-hashing the
		// same redacted content yields the same ID.
		return "$" + encoded + ":legacy", nil
	default:
		return "$" + encoded, nil
	}
}

// eventFieldsKeptUnderRedaction lists the top-level fields every room
// version keeps after redaction, per the Matrix redaction algorithm.
var eventFieldsKeptUnderRedaction = map[string]bool{
	"event_id":         true,
	"type":             true,
	"room_id":          true,
	"sender":            true,
	"state_key":        true,
	"content":          true,
	"hashes":           true,
	"signatures":       true,
	"depth":            true,
	"prev_events":      true,
	"auth_events":      true,
	"origin_server_ts": true,
}

// contentKeysKeptUnderRedaction lists, per event type, the content keys
// that survive redaction (the Matrix spec grows this list across room
// versions; this module targets the v6+ superset).
var contentKeysKeptUnderRedaction = map[string][]string{
	"m.room.member":              {"membership", "join_authorised_via_users_server"},
	"m.room.create":              {"creator", "room_version", "predecessor"},
	"m.room.join_rules":          {"join_rule", "allow"},
	"m.room.power_levels":        {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default", "invite"},
	"m.room.history_visibility":  {"history_visibility"},
	"m.room.redaction":           {"redacts"},
}

// Redact returns the redacted form of the event: a canonical-JSON byte
// slice containing only the fields the room version's redaction algorithm
// preserves. This is the form that is hashed and signed.
func Redact(canonicalRaw []byte, rv RoomVersion) ([]byte, error) {
	root := gjson.ParseBytes(canonicalRaw)
	out := map[string]interface{}{}
	for field := range eventFieldsKeptUnderRedaction {
		if v := root.Get(field); v.Exists() {
			out[field] = v.Value()
		}
	}
	content := map[string]interface{}{}
	evType := root.Get("type").String()
	if kept, ok := contentKeysKeptUnderRedaction[evType]; ok {
		c := root.Get("content")
		for _, k := range kept {
			if v := c.Get(k); v.Exists() {
				content[k] = v.Value()
			}
		}
	}
	out["content"] = content

	marshaled, err := sortedMarshal(out)
	if err != nil {
		return nil, fmt.Errorf("eventutil.Redact: %w", err)
	}
	return marshaled, nil
}

// RedactEvent applies redactionEvent (an m.room.redaction event) to
// target, returning a copy of target's canonical JSON with its content
// field reduced to the redacted form and an unsigned.redacted_because
// marker set. The stored event-id, hashes, and signatures are kept;
// top-level fields outside eventFieldsKeptUnderRedaction (such as any
// earlier unsigned data) are dropped.
func RedactEvent(redactionEvent *PDU, target *PDU) (*PDU, error) {
	redacted, err := Redact(target.Raw, RoomVersionOf(target))
	if err != nil {
		return nil, fmt.Errorf("eventutil.RedactEvent: %w", err)
	}
	withMarker, err := sjson.SetBytes(redacted, "unsigned.redacted_because", gjson.ParseBytes(redactionEvent.Raw).Value())
	if err != nil {
		return nil, fmt.Errorf("eventutil.RedactEvent: %w", err)
	}
	// Redact keeps signatures and hashes; copy them back from the
	// original's raw bytes so they are stored exactly as received.
	withMarker, err = sjson.SetRawBytes(withMarker, "signatures", mustRaw(target.Raw, "signatures"))
	if err != nil {
		return nil, err
	}
	withMarker, err = sjson.SetRawBytes(withMarker, "hashes", mustRaw(target.Raw, "hashes"))
	if err != nil {
		return nil, err
	}
	canon, err := CanonicalJSON(withMarker)
	if err != nil {
		return nil, fmt.Errorf("eventutil.RedactEvent: %w", err)
	}
	newPDU := *target
	newPDU.Raw = canon
	return &newPDU, nil
}

func mustRaw(raw []byte, path string) []byte {
	r := gjson.GetBytes(raw, path)
	if !r.Exists() {
		return []byte("{}")
	}
	return []byte(r.Raw)
}

// RoomVersionOf is a placeholder seam: callers that have a room-version
// lookup available (state accessor, timeline) should prefer that; this
// exists so eventutil functions that only have a *PDU in hand can still
// operate when the version has been threaded onto it by the caller via
// SetRoomVersion.
func RoomVersionOf(p *PDU) RoomVersion {
	if p.roomVersion != "" {
		return p.roomVersion
	}
	return "10"
}

// SetRoomVersion threads the room version onto a PDU once the caller has
// looked it up, so later helpers (RedactEvent, ReferenceHash) don't need
// it passed again.
func (p *PDU) SetRoomVersion(rv RoomVersion) { p.roomVersion = rv }

func sortedMarshal(v map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	raw := []byte("{}")
	var err error
	for _, k := range keys {
		raw, err = sjson.SetBytesOptions(raw, k, v[k], &sjson.Options{Optimistic: true})
		if err != nil {
			return nil, err
		}
	}
	return CanonicalJSON(raw)
}
