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

// Package api holds the request/response types shared between the
// roomserver's input pipeline, state resolution, and the callers
// (federation and client routing) that drive events into it.
package api

import (
	"context"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
)

// Kind classifies an InputRoomEvent for processRoomEvent's dispatch.
type Kind int

const (
	// KindOutlier is an event fetched only to satisfy another event's
	// auth or prev_events chain; it carries no associated state.
	KindOutlier Kind = iota
	// KindNew is a newly received/created event for a room we believe we
	// are joined to; it updates forward extremities and is announced.
	KindNew
	// KindOld is a backfilled historical event; it is stored but does
	// not move the room's forward extremities.
	KindOld
)

func (k Kind) String() string {
	switch k {
	case KindOutlier:
		return "outlier"
	case KindNew:
		return "new"
	case KindOld:
		return "old"
	default:
		return "unknown"
	}
}

// InputRoomEvent is the unit of work processRoomEvent consumes.
type InputRoomEvent struct {
	Kind           Kind
	Event          *eventutil.PDU
	Origin         string
	HasState       bool
	StateEventIDs  []string
	SendAsServer   string
	TransactionID  *TransactionID
}

// TransactionID identifies the client-supplied idempotency key for a
// locally-created event.
type TransactionID struct {
	SessionID     int64
	TransactionID string
}

// DoNotSendToOtherServers is a sentinel SendAsServer value marking an
// OutputNewRoomEvent the sender engine must not relay to federation — set
// on events received FROM federation, which must not be echoed back out.
// The zero value of SendAsServer ("") instead means "authored locally,
// relay normally", matching the teacher's InputRoomEvent convention.
const DoNotSendToOtherServers = "\x00local-origin-do-not-relay"

// QueryMissingAuthPrevEventsRequest asks which of an event's declared
// auth_events/prev_events are not already known to this server.
type QueryMissingAuthPrevEventsRequest struct {
	RoomID       string
	AuthEventIDs []string
	PrevEventIDs []string
}

type QueryMissingAuthPrevEventsResponse struct {
	MissingAuthEventIDs []string
	MissingPrevEventIDs []string
}

// RoomInfo is the minimal per-room metadata the input pipeline and state
// resolution need once a room is known locally.
type RoomInfo struct {
	RoomID      string
	RoomNID     shortid.RoomNID
	RoomVersion eventutil.RoomVersion
}

// StateAtEvent records where an event sits relative to room state:
// its own event NID, the snapshot before it, and whether that snapshot
// should overwrite (rather than merge with) the room's current state.
type StateAtEvent struct {
	EventNID               shortid.EventNID
	BeforeStateSnapshotNID statecompressor.ShortStateHash
	Overwrite              bool
}

// OutputType discriminates OutputEvent's payload.
type OutputType int

const (
	OutputTypeNewRoomEvent OutputType = iota
	OutputTypeOldRoomEvent
	OutputTypeRedactedEvent
)

// OutputEvent is emitted by the input pipeline once an event has been
// durably stored, for downstream components (sync, federation sender,
// push) to act on.
type OutputEvent struct {
	Type          OutputType
	NewRoomEvent  *OutputNewRoomEvent
	OldRoomEvent  *OutputOldRoomEvent
	RedactedEvent *OutputRedactedEvent
}

type OutputNewRoomEvent struct {
	Event         *eventutil.PDU
	RewritesState bool
	SendAsServer  string
	TransactionID *TransactionID
}

type OutputOldRoomEvent struct {
	Event *eventutil.PDU
}

type OutputRedactedEvent struct {
	RedactedEventID string
	RedactedBecause *eventutil.PDU
}

// OutputEventConsumer is implemented by components that subscribe to the
// roomserver's output log (sender engine, push dispatcher).
type OutputEventConsumer interface {
	WriteOutputEvents(roomID string, updates []OutputEvent) error
}

// FederationClient is the narrow surface the input pipeline needs from
// the federation API: fetching missing auth chains and discovering which
// joined servers can be asked for them.
type FederationClient interface {
	GetEventAuth(ctx context.Context, origin, roomVersion, roomID, eventID string) (authEvents []*eventutil.PDU, err error)
	QueryJoinedHostServerNamesInRoom(ctx context.Context, roomID string, excludeSelf bool) ([]string, error)
}
