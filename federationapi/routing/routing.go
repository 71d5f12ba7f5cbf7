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

// Package routing wires the server-server HTTP surface (spec.md §6):
// PUT /_matrix/federation/v1/send/{txnId}, GET /_matrix/key/v2/server,
// POST /_matrix/key/v2/query, GET /_matrix/federation/v1/event/{eventId}.
// Grounded directly on the teacher's federationapi routing send.go forks,
// using the same gorilla/mux routing and matrix-org/util.JSONResponse
// response shape.
package routing

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/dendrite-core/internal/ratelimit"
	"github.com/matrix-org/dendrite-core/internal/roommutex"
	"github.com/matrix-org/dendrite-core/internal/signingkeys"
	"github.com/matrix-org/dendrite-core/internal/timeline"
	"github.com/matrix-org/dendrite-core/roomserver/api"
)

// RoomServerInput is the narrow roomserver surface the federation HTTP
// layer drives events into.
type RoomServerInput interface {
	InputRoomEvent(ctx context.Context, input *api.InputRoomEvent) error
}

// Federation bundles everything a handler in this package needs: the
// roomserver input pipeline, read-side timeline access for /event, the
// signing-key cache for auth-header verification, this server's own
// identity for /key/v2/server and /key/v2/query, and a SECOND
// roommutex.Map instance — independent of the one the roomserver's Inputer
// already holds internally for state transitions — serializing the whole
// federation-inbound handling of a room's incoming transactions (spec.md
// §4.9: the state mutex and the federation-inbound mutex are distinct
// instances guarding distinct critical sections).
type Federation struct {
	ServerName string
	KeyID      string
	PrivateKey ed25519.PrivateKey
	KeyValidFor time.Duration

	RoomServer  RoomServerInput
	Timeline    *timeline.Store
	SigningKeys *signingkeys.Cache
	InboundMu   *roommutex.Map
	TxnLimiter  *ratelimit.Limiter

	now func() time.Time
}

// New constructs a Federation handler set with a fresh inbound-transaction
// room mutex, distinct from the roomserver's own.
func New(serverName, keyID string, priv ed25519.PrivateKey, rsInput RoomServerInput, tl *timeline.Store, sk *signingkeys.Cache) *Federation {
	return &Federation{
		ServerName:  serverName,
		KeyID:       keyID,
		PrivateKey:  priv,
		KeyValidFor: 24 * time.Hour,
		RoomServer:  rsInput,
		Timeline:    tl,
		SigningKeys: sk,
		InboundMu:   roommutex.NewMap(),
		TxnLimiter:  ratelimit.New(time.Second, time.Minute),
		now:         time.Now,
	}
}

// Setup registers every federation HTTP route on r.
func (f *Federation) Setup(r *mux.Router) {
	v1 := r.PathPrefix("/_matrix/federation/v1").Subrouter()
	v1.HandleFunc("/send/{txnID}", f.handleSend).Methods(http.MethodPut)
	v1.HandleFunc("/event/{eventID}", f.handleEvent).Methods(http.MethodGet)

	r.HandleFunc("/_matrix/key/v2/server", f.handleKeyServer).Methods(http.MethodGet)
	r.HandleFunc("/_matrix/key/v2/query", f.handleKeyQuery).Methods(http.MethodPost)
}
