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

package routing

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"

	"github.com/matrix-org/dendrite-core/clientapi/jsonerror"
)

// handleJoin implements POST /rooms/{roomID}/join: submit an
// m.room.member event with membership "join" for the caller. A join
// against a room this server has no state for yet (join-by-alias/via a
// remote server) is out of scope — joining only works for rooms this
// server already participates in, matching §6's "already-joined" framing.
func (d *Dependencies) handleJoin(w http.ResponseWriter, r *http.Request, userID string) {
	d.submitMembership(w, r, userID, mux.Vars(r)["roomID"], "join")
}

// handleLeave implements POST /rooms/{roomID}/leave.
func (d *Dependencies) handleLeave(w http.ResponseWriter, r *http.Request, userID string) {
	d.submitMembership(w, r, userID, mux.Vars(r)["roomID"], "leave")
}

func (d *Dependencies) submitMembership(w http.ResponseWriter, r *http.Request, userID, roomID, membership string) {
	content, err := json.Marshal(map[string]string{"membership": membership})
	if err != nil {
		resp := jsonerror.Unknown(err.Error())
		writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
		return
	}
	stateKey := userID
	if _, err := d.submitEvent(r.Context(), roomID, userID, "m.room.member", &stateKey, content); err != nil {
		resp := jsonerror.Unknown(err.Error())
		writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
		return
	}
	writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"room_id": roomID}})
}
