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

// handleSend implements PUT /rooms/{roomID}/send/{eventType}/{txnID}:
// build and submit a non-state message event. txnID is accepted but not
// yet deduplicated against, a documented simplification since this repo
// has no access-token-scoped transaction log.
func (d *Dependencies) handleSend(w http.ResponseWriter, r *http.Request, userID string) {
	vars := mux.Vars(r)
	d.sendEvent(w, r, userID, vars["roomID"], vars["eventType"], nil)
}

// handleSendState implements PUT /rooms/{roomID}/state/{eventType}/{stateKey}.
func (d *Dependencies) handleSendState(w http.ResponseWriter, r *http.Request, userID string) {
	vars := mux.Vars(r)
	stateKey := vars["stateKey"]
	d.sendEvent(w, r, userID, vars["roomID"], vars["eventType"], &stateKey)
}

// handleSendStateNoKey implements PUT /rooms/{roomID}/state/{eventType},
// the state_key="" shorthand.
func (d *Dependencies) handleSendStateNoKey(w http.ResponseWriter, r *http.Request, userID string) {
	vars := mux.Vars(r)
	empty := ""
	d.sendEvent(w, r, userID, vars["roomID"], vars["eventType"], &empty)
}

func (d *Dependencies) sendEvent(w http.ResponseWriter, r *http.Request, userID, roomID, eventType string, stateKey *string) {
	var content json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&content); err != nil {
		resp := jsonerror.NotJSON("event content is not valid JSON")
		writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
		return
	}

	eventID, err := d.submitEvent(r.Context(), roomID, userID, eventType, stateKey, content)
	if err != nil {
		resp := jsonerror.Unknown(err.Error())
		writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
		return
	}
	writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"event_id": eventID}})
}
