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

// Package membership answers "which servers currently have a joined member
// in this room", the one roomserver query the federation sender engine
// needs (spec.md §4.10 step 1: destination discovery) to decide which
// remote homeservers a newly-committed event must be relayed to. Grounded
// on internal/stateaccessor.Accessor's existing FullState iteration
// pattern rather than a teacher file, since the teacher repo's roomserver
// carries only its input pipeline.
package membership

import (
	"context"
	"fmt"
	"strings"

	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/stateaccessor"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/roomserver/api"
)

// RoomInfos is the narrow slice of roomserver/internal/input.RoomInfoStore
// this package needs to locate a room's current state snapshot.
type RoomInfos interface {
	RoomInfo(ctx context.Context, roomID string) (*api.RoomInfo, error)
	LatestEventsAndState(ctx context.Context, room shortid.RoomNID) (latestEventIDs []string, state statecompressor.ShortStateHash, err error)
}

// Query implements api.FederationClient's server-name-discovery half and
// the federation sender's RoomServers interface, both backed by the same
// joined-member walk over a room's current state.
type Query struct {
	RoomInfos RoomInfos
	Accessor  *stateaccessor.Accessor
	SelfName  string
}

// QueryJoinedHostServerNamesInRoom returns the distinct server names with
// at least one joined member in roomID, optionally excluding this server.
func (q *Query) QueryJoinedHostServerNamesInRoom(ctx context.Context, roomID string, excludeSelf bool) ([]string, error) {
	info, err := q.RoomInfos.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("membership.QueryJoinedHostServerNamesInRoom: %w", err)
	}
	if info == nil {
		return nil, nil
	}
	_, stateHash, err := q.RoomInfos.LatestEventsAndState(ctx, info.RoomNID)
	if err != nil {
		return nil, fmt.Errorf("membership.QueryJoinedHostServerNamesInRoom: %w", err)
	}
	events, err := q.Accessor.FullState(ctx, roomID, stateHash)
	if err != nil {
		return nil, fmt.Errorf("membership.QueryJoinedHostServerNamesInRoom: %w", err)
	}

	seen := map[string]bool{}
	var servers []string
	for tuple, pdu := range events {
		if tuple.EventType != "m.room.member" {
			continue
		}
		if pdu.Content.Get("membership").String() != "join" {
			continue
		}
		server := serverNameOf(tuple.StateKey)
		if excludeSelf && server == q.SelfName {
			continue
		}
		if !seen[server] {
			seen[server] = true
			servers = append(servers, server)
		}
	}
	return servers, nil
}

func serverNameOf(userID string) string {
	if idx := strings.LastIndex(userID, ":"); idx >= 0 {
		return userID[idx+1:]
	}
	return userID
}
