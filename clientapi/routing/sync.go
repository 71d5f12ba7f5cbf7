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
	"net/http"
	"strconv"

	"github.com/matrix-org/util"

	"github.com/matrix-org/dendrite-core/clientapi/jsonerror"
	"github.com/matrix-org/dendrite-core/internal/eventutil"
)

// handleSync implements a deliberately narrowed GET /sync: this module
// carries no per-device "rooms the user has joined" index (that needs the
// full account-data/filter machinery spec.md's client-endpoint-wire-schema
// Non-goal excludes), so callers pass the room explicitly instead of
// receiving the usual multi-room timeline/state/account_data envelope.
// Query params: room_id (required), since (event count, 0 for the start
// of the room's timeline). Response is a single room's worth of new PDUs
// plus the count to pass as the next `since`.
func (d *Dependencies) handleSync(w http.ResponseWriter, r *http.Request, userID string) {
	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		resp := jsonerror.MissingParam("room_id query parameter is required")
		writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
		return
	}
	since := uint64(0)
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			resp := jsonerror.BadJSON("since must be a non-negative integer")
			writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
			return
		}
		since = v
	}

	info, err := d.RoomInfos.RoomInfo(r.Context(), roomID)
	if err != nil {
		resp := jsonerror.Unknown(err.Error())
		writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
		return
	}
	if info == nil {
		resp := jsonerror.NotFound("unknown room")
		writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
		return
	}

	ctx := r.Context()
	cursor := d.Timeline.PDUsSince(info.RoomNID, eventutil.RoomVersion(info.RoomVersion), userID, since)
	var events []interface{}
	last := since
	for {
		pdu, ok, nerr := cursor.Next(ctx)
		if nerr != nil {
			resp := jsonerror.Unknown(nerr.Error())
			writeJSON(w, util.JSONResponse{Code: resp.Code, JSON: resp.JSON})
			return
		}
		if !ok {
			break
		}
		events = append(events, rawPDU(pdu))
		last++
	}

	writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"room_id":    roomID,
		"events":     events,
		"next_batch": strconv.FormatUint(last, 10),
	}})
}

func rawPDU(pdu *eventutil.PDU) map[string]interface{} {
	return map[string]interface{}{
		"event_id":         pdu.EventID,
		"room_id":          pdu.RoomID,
		"sender":           pdu.Sender,
		"type":             pdu.Type,
		"state_key":        pdu.StateKey,
		"content":          pdu.Content.Value(),
		"origin_server_ts": pdu.OriginServerTS,
	}
}
