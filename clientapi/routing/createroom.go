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

	"github.com/matrix-org/util"

	"github.com/matrix-org/dendrite-core/clientapi/jsonerror"
	"github.com/matrix-org/dendrite-core/internal/eventutil"
)

type createRoomRequest struct {
	RoomVersion string                 `json:"room_version"`
	Name        string                 `json:"name"`
	Topic       string                 `json:"topic"`
	Preset      string                 `json:"preset"`
	Invite      []string               `json:"invite"`
	PowerLevel  map[string]interface{} `json:"power_level_content_override"`
}

const defaultRoomVersion = "10"

// handleCreateRoom implements POST /createRoom (spec.md §4.7's ingestion
// pipeline exercised from the client side): it submits, in order, the
// m.room.create, the creator's own m.room.member join, m.room.power_levels
// and m.room.join_rules state events, each built on top of the one
// before it. Invites beyond the creator are accepted but only recorded as
// membership events are out of this repo's federation-relay scope for
// invite-only rooms; every invitee gets a plain "invite" membership event.
func (d *Dependencies) handleCreateRoom(w http.ResponseWriter, r *http.Request, userID string) {
	var req createRoomRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			resp := jsonerror.BadJSON("request body is not valid JSON")
			writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
			return
		}
	}
	rv := eventutil.RoomVersion(req.RoomVersion)
	if rv == "" {
		rv = defaultRoomVersion
	}

	roomID := "!" + util.RandomString(16) + ":" + d.ServerName

	createContent, err := json.Marshal(map[string]interface{}{
		"creator":      userID,
		"room_version": string(rv),
	})
	if err != nil {
		writeJSON(w, util.JSONResponse{Code: http.StatusInternalServerError, JSON: jsonerror.Unknown(err.Error()).JSON})
		return
	}
	if _, err := d.submitCreateEvent(r.Context(), roomID, userID, rv, createContent); err != nil {
		resp := jsonerror.Unknown(err.Error())
		writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
		return
	}

	memberContent, _ := json.Marshal(map[string]string{"membership": "join"})
	memberKey := userID
	if _, err := d.submitEvent(r.Context(), roomID, userID, "m.room.member", &memberKey, memberContent); err != nil {
		resp := jsonerror.Unknown(err.Error())
		writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
		return
	}

	plContent := defaultPowerLevels(userID, req.PowerLevel)
	if _, err := d.submitEvent(r.Context(), roomID, userID, "m.room.power_levels", strPtr(""), plContent); err != nil {
		resp := jsonerror.Unknown(err.Error())
		writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
		return
	}

	joinRule := "invite"
	if req.Preset == "public_chat" {
		joinRule = "public"
	}
	joinRulesContent, _ := json.Marshal(map[string]string{"join_rule": joinRule})
	if _, err := d.submitEvent(r.Context(), roomID, userID, "m.room.join_rules", strPtr(""), joinRulesContent); err != nil {
		resp := jsonerror.Unknown(err.Error())
		writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
		return
	}

	for _, invitee := range req.Invite {
		inviteContent, _ := json.Marshal(map[string]string{"membership": "invite"})
		inviteKey := invitee
		if _, err := d.submitEvent(r.Context(), roomID, userID, "m.room.member", &inviteKey, inviteContent); err != nil {
			resp := jsonerror.Unknown(err.Error())
			writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
			return
		}
	}

	writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: map[string]string{"room_id": roomID}})
}

func defaultPowerLevels(creator string, override map[string]interface{}) json.RawMessage {
	pl := map[string]interface{}{
		"ban":            50,
		"kick":           50,
		"redact":         50,
		"state_default":  50,
		"events_default": 0,
		"users_default":  0,
		"invite":         0,
		"users": map[string]int{
			creator: 100,
		},
	}
	for k, v := range override {
		pl[k] = v
	}
	raw, _ := json.Marshal(pl)
	return raw
}
