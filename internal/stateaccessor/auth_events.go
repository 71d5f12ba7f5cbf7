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

package stateaccessor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
)

// AuthEventsNeeded computes, per spec.md §4.5, the set of (type,
// state_key) tuples that authorize a candidate event of the given kind,
// sender, state_key and content.
func AuthEventsNeeded(kind, sender string, stateKey *string, rawContent []byte) []shortid.StateKeyTuple {
	needed := []shortid.StateKeyTuple{
		{EventType: "m.room.create", StateKey: ""},
		{EventType: "m.room.power_levels", StateKey: ""},
		{EventType: "m.room.member", StateKey: sender},
	}
	switch kind {
	case "m.room.member":
		if stateKey != nil {
			needed = append(needed, shortid.StateKeyTuple{EventType: "m.room.member", StateKey: *stateKey})
			var content struct {
				Membership  string `json:"membership"`
				ThirdPartyInvite *struct {
					Signed struct {
						Token string `json:"token"`
					} `json:"signed"`
				} `json:"third_party_invite"`
			}
			if len(rawContent) > 0 {
				_ = json.Unmarshal(rawContent, &content)
			}
			if content.Membership == "join" || content.Membership == "invite" || content.Membership == "knock" {
				needed = append(needed, shortid.StateKeyTuple{EventType: "m.room.join_rules", StateKey: ""})
			}
			if content.Membership == "invite" && content.ThirdPartyInvite != nil {
				needed = append(needed, shortid.StateKeyTuple{EventType: "m.room.third_party_invite", StateKey: content.ThirdPartyInvite.Signed.Token})
			}
		}
	}
	return dedupeTuples(needed)
}

func dedupeTuples(in []shortid.StateKeyTuple) []shortid.StateKeyTuple {
	seen := map[shortid.StateKeyTuple]bool{}
	out := make([]shortid.StateKeyTuple, 0, len(in))
	for _, t := range in {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// GetAuthEvents resolves AuthEventsNeeded against the snapshot identified
// by hash, returning only the tuples actually present (a missing tuple —
// e.g. no power_levels event yet — is not an error; the auth predicates
// fall back to the room-version default in that case).
func (a *Accessor) GetAuthEvents(ctx context.Context, roomID string, hash statecompressor.ShortStateHash, kind, sender string, stateKey *string, rawContent []byte) (map[shortid.StateKeyTuple]*eventutil.PDU, error) {
	needed := AuthEventsNeeded(kind, sender, stateKey, rawContent)
	full, err := a.FullState(ctx, roomID, hash)
	if err != nil {
		return nil, fmt.Errorf("stateaccessor.GetAuthEvents: %w", err)
	}
	out := map[shortid.StateKeyTuple]*eventutil.PDU{}
	for _, t := range needed {
		if pdu, ok := full[t]; ok {
			out[t] = pdu
		}
	}
	return out, nil
}
