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

// Package input implements the roomserver's event-ingestion pipeline, which
// takes an untrusted PDU and either commits it or rejects it (see
// processRoomEvent for its steps). There is no soft-fail outcome.
package input

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/ratelimit"
	"github.com/matrix-org/dendrite-core/internal/roommutex"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/signingkeys"
	"github.com/matrix-org/dendrite-core/internal/stateaccessor"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/internal/timeline"
	"github.com/matrix-org/dendrite-core/roomserver/api"
	"github.com/matrix-org/dendrite-core/roomserver/internal/stateresolution"
)

func init() {
	prometheus.MustRegister(processRoomEventDuration)
}

// MaximumProcessingTime bounds how long a single processRoomEvent call may
// run before it gives up on the room, to avoid wedging the worker on a
// pathological federation partner.
const MaximumProcessingTime = time.Minute * 2

var processRoomEventDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "homeserver",
		Subsystem: "roomserver",
		Name:      "processroomevent_duration_millis",
		Help:      "How long it takes the roomserver to process an event",
		Buckets: []float64{
			5, 10, 25, 50, 75, 100, 250, 500,
			1000, 2000, 3000, 4000, 5000, 6000,
			7000, 8000, 9000, 10000, 15000, 20000,
		},
	},
	[]string{"room_id"},
)

// RoomInfoStore resolves and records per-room metadata (NID, version) —
// the thin slice of persistent room bookkeeping the input pipeline needs
// beyond the timeline/state-snapshot/short-id stores.
type RoomInfoStore interface {
	RoomInfo(ctx context.Context, roomID string) (*api.RoomInfo, error)
	SetRoomInfo(ctx context.Context, info *api.RoomInfo) error
	EventNIDForID(ctx context.Context, eventID string) (shortid.EventNID, bool, error)
	SetStateAtEvent(ctx context.Context, eventNID shortid.EventNID, snapshot statecompressor.ShortStateHash) error
	LatestEventsAndState(ctx context.Context, room shortid.RoomNID) (latestEventIDs []string, state statecompressor.ShortStateHash, err error)
	SetLatestEvents(ctx context.Context, room shortid.RoomNID, latestEventIDs []string, state statecompressor.ShortStateHash) error
}

// Inputer is the roomserver's ingestion pipeline, grounded directly on
// Dendrite's `roomserver/internal/input.Inputer`.
type Inputer struct {
	Shorts      *shortid.Interner
	Compressor  *statecompressor.Compressor
	Timeline    *timeline.Store
	Accessor    *stateaccessor.Accessor
	StateRes    *stateresolution.Resolver
	RoomInfos   RoomInfoStore
	Mutex       *roommutex.Map
	Federation  api.FederationClient
	SigningKeys *signingkeys.Cache
	Limiter     *ratelimit.Limiter
	Output      api.OutputEventConsumer

	// MaxFetchPrevEvents bounds how many events of an auth chain fetched
	// from a remote server a single processRoomEvent call will store
	// (default 100). Missing prev_events are not fetched.
	MaxFetchPrevEvents int
	// FetchFanout is not read by the pipeline: missing auth events are
	// requested from one server at a time, in order.
	FetchFanout int
}

func (r *Inputer) logger(pdu *eventutil.PDU) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"event_id": pdu.EventID,
		"room_id":  pdu.RoomID,
		"type":     pdu.Type,
	})
}

// InputRoomEvent is the public entrypoint: acquires the room's state
// mutex, delegates to processRoomEvent, and always releases the mutex
// even if the context expires mid-flight.
func (r *Inputer) InputRoomEvent(ctx context.Context, input *api.InputRoomEvent) error {
	roomID := input.Event.RoomID
	return r.Mutex.WithLock(ctx, roomID, func() error {
		return r.processRoomEvent(ctx, input)
	})
}

func fetchFanoutOrDefault(n int) int {
	if n <= 0 {
		return 8
	}
	return n
}

func maxFetchPrevEventsOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

var errMissingAncestors = fmt.Errorf("input: could not resolve missing ancestors from any known server")
