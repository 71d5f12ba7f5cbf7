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

// Package authcheck implements the room-version authorization predicates
// (spec.md §4.7 stages 4/5, §4.8 step 5/6's "iteratively auth" step) —
// the Go rendering of gomatrixserverlib.Allowed adapted to this module's
// own eventutil.PDU type, shared between the ingestion pipeline and state
// resolution so both apply exactly the same rule.
package authcheck

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/shortid"
)

// CheckAllowed reports whether pdu is authorized by the auth-event set
// auth (a map from the (type, state_key) tuples spec.md §4.5's
// get_auth_events names to the actual PDUs). A non-nil error names the
// specific predicate that failed.
func CheckAllowed(pdu *eventutil.PDU, auth map[shortid.StateKeyTuple]*eventutil.PDU) error {
	create := auth[shortid.StateKeyTuple{EventType: "m.room.create", StateKey: ""}]

	if pdu.Type == "m.room.create" {
		if create != nil {
			return fmt.Errorf("authcheck: duplicate m.room.create in room")
		}
		return nil
	}
	if create == nil {
		return fmt.Errorf("authcheck: no m.room.create event in auth chain")
	}

	pl := parsePowerLevels(contentOf(auth, "m.room.power_levels", ""))
	if auth[shortid.StateKeyTuple{EventType: "m.room.power_levels", StateKey: ""}] == nil {
		// Until a power_levels event exists, the room creator holds level 100.
		pl.Users[create.Sender] = 100
	}
	senderMembership := membershipOf(contentOf(auth, "m.room.member", pdu.Sender))

	switch pdu.Type {
	case "m.room.member":
		return checkMembership(pdu, auth, pl)
	case "m.room.power_levels":
		if senderMembership != "join" {
			return fmt.Errorf("authcheck: power_levels sender is not joined")
		}
		if pl.userLevel(pdu.Sender) < pl.StateDefault {
			return fmt.Errorf("authcheck: insufficient power level to set power_levels")
		}
		return nil
	default:
		if senderMembership != "join" {
			return fmt.Errorf("authcheck: sender %s is not joined to room", pdu.Sender)
		}
		required := pl.EventsDefault
		if pdu.IsState() {
			required = pl.StateDefault
		}
		if lvl, ok := pl.Events[pdu.Type]; ok {
			required = lvl
		}
		if pl.userLevel(pdu.Sender) < required {
			return fmt.Errorf("authcheck: insufficient power level for event type %s", pdu.Type)
		}
		return nil
	}
}

// IsPowerEvent reports whether evType is one of the event types mainline
// ordering (spec.md §4.8 step 4) is anchored on.
func IsPowerEvent(evType string) bool {
	switch evType {
	case "m.room.power_levels", "m.room.join_rules", "m.room.create":
		return true
	default:
		return false
	}
}

// IsBanEvent reports whether pdu is an m.room.member event setting the
// "ban" membership — the other mainline-ordering anchor besides the
// types IsPowerEvent names.
func IsBanEvent(pdu *eventutil.PDU) bool {
	if pdu.Type != "m.room.member" {
		return false
	}
	return membershipOf(contentRaw(pdu)) == "ban"
}

func checkMembership(pdu *eventutil.PDU, auth map[shortid.StateKeyTuple]*eventutil.PDU, pl *PowerLevels) error {
	if pdu.StateKey == nil {
		return fmt.Errorf("authcheck: m.room.member missing state_key")
	}
	target := *pdu.StateKey
	var content struct {
		Membership string `json:"membership"`
	}
	_ = json.Unmarshal([]byte(contentRaw(pdu)), &content)

	senderMembership := membershipOf(contentOf(auth, "m.room.member", pdu.Sender))
	targetMembership := membershipOf(contentOf(auth, "m.room.member", target))
	joinRule := joinRuleOf(contentOf(auth, "m.room.join_rules", ""))

	switch content.Membership {
	case "join":
		if pdu.Sender != target {
			return fmt.Errorf("authcheck: only the target user may set their own join")
		}
		if targetMembership == "ban" {
			return fmt.Errorf("authcheck: banned user cannot join")
		}
		if create := auth[shortid.StateKeyTuple{EventType: "m.room.create", StateKey: ""}]; create != nil &&
			target == create.Sender && len(pdu.PrevEvents) == 1 && pdu.PrevEvents[0] == create.EventID {
			return nil // the creator's own join directly after the create event
		}
		if joinRule == "invite" && targetMembership != "invite" {
			return fmt.Errorf("authcheck: room requires invite to join")
		}
		return nil
	case "invite":
		if senderMembership != "join" {
			return fmt.Errorf("authcheck: inviter is not joined")
		}
		if targetMembership == "join" || targetMembership == "ban" {
			return fmt.Errorf("authcheck: target cannot be invited in its current membership state")
		}
		if pl.userLevel(pdu.Sender) < pl.Invite {
			return fmt.Errorf("authcheck: insufficient power level to invite")
		}
		return nil
	case "leave":
		if pdu.Sender == target {
			return nil
		}
		if senderMembership != "join" {
			return fmt.Errorf("authcheck: kicker is not joined")
		}
		if pl.userLevel(pdu.Sender) < pl.Kick || pl.userLevel(pdu.Sender) <= pl.userLevel(target) {
			return fmt.Errorf("authcheck: insufficient power level to kick")
		}
		return nil
	case "ban":
		if senderMembership != "join" {
			return fmt.Errorf("authcheck: banner is not joined")
		}
		if pl.userLevel(pdu.Sender) < pl.Ban || pl.userLevel(pdu.Sender) <= pl.userLevel(target) {
			return fmt.Errorf("authcheck: insufficient power level to ban")
		}
		return nil
	default:
		return fmt.Errorf("authcheck: unrecognized membership %q", content.Membership)
	}
}

// PowerLevels is the parsed view of an m.room.power_levels event's
// content, with the room-version defaults applied for absent fields.
type PowerLevels struct {
	Ban, Kick, Redact, StateDefault, EventsDefault, UsersDefault, Invite int64
	Events                                                              map[string]int64
	Users                                                                map[string]int64
}

func (p *PowerLevels) userLevel(userID string) int64 {
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

// UserLevel is the exported form of userLevel, for mainline ordering in
// the state-resolution package.
func (p *PowerLevels) UserLevel(userID string) int64 { return p.userLevel(userID) }

func parsePowerLevels(raw string) *PowerLevels {
	pl := &PowerLevels{Ban: 50, Kick: 50, Redact: 50, StateDefault: 50, Invite: 0, Events: map[string]int64{}, Users: map[string]int64{}}
	if raw == "" {
		return pl
	}
	var decoded struct {
		Ban           *int64           `json:"ban"`
		Kick          *int64           `json:"kick"`
		Redact        *int64           `json:"redact"`
		StateDefault  *int64           `json:"state_default"`
		EventsDefault *int64           `json:"events_default"`
		UsersDefault  *int64           `json:"users_default"`
		Invite        *int64           `json:"invite"`
		Events        map[string]int64 `json:"events"`
		Users         map[string]int64 `json:"users"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return pl
	}
	setIf(&pl.Ban, decoded.Ban)
	setIf(&pl.Kick, decoded.Kick)
	setIf(&pl.Redact, decoded.Redact)
	setIf(&pl.StateDefault, decoded.StateDefault)
	setIf(&pl.EventsDefault, decoded.EventsDefault)
	setIf(&pl.UsersDefault, decoded.UsersDefault)
	setIf(&pl.Invite, decoded.Invite)
	if decoded.Events != nil {
		pl.Events = decoded.Events
	}
	if decoded.Users != nil {
		pl.Users = decoded.Users
	}
	return pl
}

// ParsePowerLevels is the exported constructor state resolution's
// mainline ordering uses to interpret the resolved power_levels content.
func ParsePowerLevels(raw string) *PowerLevels { return parsePowerLevels(raw) }

func setIf(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}

func contentOf(auth map[shortid.StateKeyTuple]*eventutil.PDU, evType, stateKey string) string {
	pdu, ok := auth[shortid.StateKeyTuple{EventType: evType, StateKey: stateKey}]
	if !ok {
		return ""
	}
	return contentRaw(pdu)
}

func contentRaw(pdu *eventutil.PDU) string {
	if pdu == nil {
		return ""
	}
	return pdu.Content.Raw
}

func membershipOf(raw string) string {
	if raw == "" {
		return "leave"
	}
	var c struct {
		Membership string `json:"membership"`
	}
	_ = json.Unmarshal([]byte(raw), &c)
	if c.Membership == "" {
		return "leave"
	}
	return c.Membership
}

func joinRuleOf(raw string) string {
	if raw == "" {
		return "invite"
	}
	var c struct {
		JoinRule string `json:"join_rule"`
	}
	_ = json.Unmarshal([]byte(raw), &c)
	if c.JoinRule == "" {
		return "invite"
	}
	return c.JoinRule
}
