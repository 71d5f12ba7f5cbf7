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

// Package routing is the client-server HTTP surface (SPEC_FULL.md §6):
// thin handlers that construct a local PDU and hand it to the same
// roomserver ingestion pipeline federation uses, with the signature check
// satisfied naturally because this server signs the event itself before
// submitting it. Grounded on the teacher's own clientapi-calls-roomserver
// architecture and, for the HTTP plumbing, the same gorilla/mux +
// matrix-org/util.JSONResponse shape federationapi/routing uses.
package routing

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/dendrite-core/internal/ratelimit"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/stateaccessor"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/internal/timeline"
	"github.com/matrix-org/dendrite-core/roomserver/api"
)

// RoomServerInput is the narrow roomserver surface the client API submits
// locally-authored events through.
type RoomServerInput interface {
	InputRoomEvent(ctx context.Context, input *api.InputRoomEvent) error
}

// RoomInfos is the roomserver surface Dependencies needs to resolve a
// room's short id/version and current forward extremities when
// building/syncing events; satisfied by roomserver/internal/roominfo.Store.
type RoomInfos interface {
	RoomInfo(ctx context.Context, roomID string) (*api.RoomInfo, error)
	LatestEventsAndState(ctx context.Context, room shortid.RoomNID) ([]string, statecompressor.ShortStateHash, error)
}

// Dependencies wires the client API's handlers to the rest of the module.
type Dependencies struct {
	RoomServer RoomServerInput
	RoomInfos  RoomInfos
	Accessor   *stateaccessor.Accessor
	Timeline   *timeline.Store
	ServerName string
	KeyID      string
	PrivateKey ed25519.PrivateKey
	Limiter    *ratelimit.Limiter
}

// Setup registers every client-server route this module implements onto r.
func (d *Dependencies) Setup(r *mux.Router) {
	v3 := r.PathPrefix("/_matrix/client/v3").Subrouter()
	v3.HandleFunc("/rooms/{roomID}/send/{eventType}/{txnID}", d.requireAuth(d.handleSend)).Methods(http.MethodPut)
	v3.HandleFunc("/rooms/{roomID}/state/{eventType}/{stateKey}", d.requireAuth(d.handleSendState)).Methods(http.MethodPut)
	v3.HandleFunc("/rooms/{roomID}/state/{eventType}", d.requireAuth(d.handleSendStateNoKey)).Methods(http.MethodPut)
	v3.HandleFunc("/createRoom", d.requireAuth(d.handleCreateRoom)).Methods(http.MethodPost)
	v3.HandleFunc("/rooms/{roomID}/join", d.requireAuth(d.handleJoin)).Methods(http.MethodPost)
	v3.HandleFunc("/rooms/{roomID}/leave", d.requireAuth(d.handleLeave)).Methods(http.MethodPost)
	v3.HandleFunc("/sync", d.requireAuth(d.handleSync)).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, resp util.JSONResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	_ = json.NewEncoder(w).Encode(resp.JSON)
}
