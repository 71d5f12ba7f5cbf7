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

// Package internal is the push dispatcher (spec.md §4.11): it evaluates a
// recipient's push ruleset against each delivered PDU, bumps notification
// counters, and hands "notify" decisions to the sender engine's push
// destination. Ported from conduwuit's service/pusher/mod.rs and
// api/client_server/push.rs: push rules as a typed Go struct tree instead
// of a recreate-on-read Rust enum tree, default ruleset baked in as a Go
// literal rather than loaded from a bundled JSON asset.
package internal

// Condition is one predicate a PushRule's conditions must all satisfy.
type Condition struct {
	Kind    string `json:"kind"`
	Key     string `json:"key,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Is      string `json:"is,omitempty"`
}

const (
	ConditionEventMatch          = "event_match"
	ConditionContainsDisplayName = "contains_display_name"
	ConditionRoomMemberCount     = "room_member_count"
)

// Action is a push rule's effect once its conditions all match.
type Action struct {
	Notify bool              `json:"-"`
	Tweaks map[string]string `json:"-"`
}

// PushRule is one entry of a ruleset, matching the client-server push
// rule representation almost field-for-field.
type PushRule struct {
	RuleID     string      `json:"rule_id"`
	Default    bool        `json:"default"`
	Enabled    bool        `json:"enabled"`
	Conditions []Condition `json:"conditions,omitempty"`
	Actions    []string    `json:"actions"`
}

// Ruleset is a user's full push rule tree, evaluated override, content,
// room, sender, underride in that order — the first matching enabled rule
// wins, matching the client-server spec's evaluation order.
type Ruleset struct {
	Override  []PushRule `json:"override"`
	Content   []PushRule `json:"content"`
	Room      []PushRule `json:"room"`
	Sender    []PushRule `json:"sender"`
	Underride []PushRule `json:"underride"`
}

// DefaultRuleset recreates the server-default ruleset used when a user has
// no stored m.push_rules account data, or it fails to parse.
func DefaultRuleset() Ruleset {
	return Ruleset{
		Override: []PushRule{
			{RuleID: ".m.rule.master", Default: true, Enabled: false, Actions: []string{}},
		},
		Content: []PushRule{
			{
				RuleID:  ".m.rule.contains_user_name",
				Default: true, Enabled: true,
				Conditions: []Condition{{Kind: ConditionContainsDisplayName}},
				Actions:    []string{"notify", "highlight"},
			},
		},
		Room: nil,
		Sender: nil,
		Underride: []PushRule{
			{
				RuleID:  ".m.rule.message",
				Default: true, Enabled: true,
				Conditions: []Condition{{Kind: ConditionEventMatch, Key: "type", Pattern: "m.room.message"}},
				Actions:    []string{"notify"},
			},
		},
	}
}

// RoomCtx is the evaluation context a condition is checked against: the
// spec's PushConditionRoomCtx.
type RoomCtx struct {
	MemberCount  int
	DisplayName  string
	UserPowerLevel int
	NotifyPowerLevelThreshold int
}

// EvalPDU is the PDU surface a condition can inspect — deliberately
// narrow so rule evaluation does not need the full eventutil.PDU type.
type EvalPDU struct {
	Type    string
	Body    string
	Sender  string
}

// Evaluate walks the ruleset in spec order and returns the first enabled
// matching rule's actions, or (nil, false) if nothing matched.
func Evaluate(rs Ruleset, pdu EvalPDU, ctx RoomCtx) ([]string, bool) {
	for _, group := range [][]PushRule{rs.Override, rs.Content, rs.Room, rs.Sender, rs.Underride} {
		for _, rule := range group {
			if !rule.Enabled {
				continue
			}
			if matchesAll(rule.Conditions, pdu, ctx) {
				return rule.Actions, true
			}
		}
	}
	return nil, false
}

func matchesAll(conds []Condition, pdu EvalPDU, ctx RoomCtx) bool {
	for _, c := range conds {
		if !matches(c, pdu, ctx) {
			return false
		}
	}
	return true
}

func matches(c Condition, pdu EvalPDU, ctx RoomCtx) bool {
	switch c.Kind {
	case ConditionEventMatch:
		switch c.Key {
		case "type":
			return pdu.Type == c.Pattern
		case "content.body":
			return c.Pattern != "" && contains(pdu.Body, c.Pattern)
		default:
			return false
		}
	case ConditionContainsDisplayName:
		return ctx.DisplayName != "" && contains(pdu.Body, ctx.DisplayName)
	case ConditionRoomMemberCount:
		return evalMemberCount(c.Is, ctx.MemberCount)
	default:
		return false
	}
}

// evalMemberCount parses the room_member_count condition's "is" field
// (e.g. "2", ">2", "<=10") against the room's current member count.
func evalMemberCount(is string, count int) bool {
	if is == "" {
		return false
	}
	op, numStr := "==", is
	for _, prefix := range []string{">=", "<=", ">", "<", "=="} {
		if len(is) > len(prefix) && is[:len(prefix)] == prefix {
			op, numStr = prefix, is[len(prefix):]
			break
		}
	}
	n := 0
	for _, r := range numStr {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
	}
	switch op {
	case ">=":
		return count >= n
	case "<=":
		return count <= n
	case ">":
		return count > n
	case "<":
		return count < n
	default:
		return count == n
	}
}

func contains(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// ActionsNotify reports whether actions include a bare "notify".
func ActionsNotify(actions []string) bool {
	for _, a := range actions {
		if a == "notify" {
			return true
		}
	}
	return false
}

// ActionsHighlight reports whether actions include "highlight".
func ActionsHighlight(actions []string) bool {
	for _, a := range actions {
		if a == "highlight" {
			return true
		}
	}
	return false
}
