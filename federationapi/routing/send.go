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
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/roomserver/api"
)

type transactionRequest struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus"`
}

type pduResult struct {
	Error string `json:"error,omitempty"`
}

// handleSend implements PUT /_matrix/federation/v1/send/{txnId} (spec.md
// §4.10's receiving side): decode the transaction, feed each PDU into the
// roomserver input pipeline with SendAsServer set to the
// DoNotSendToOtherServers sentinel so the sender engine never re-relays a
// federation-received event back out, and report a per-event result map.
// Grounded on the teacher's federationapi/routing Send/processTransaction
// pair; EDUs are logged and discarded, a documented simplification since
// typing/presence/read-receipt fan-out is outside this repo's 12 components.
func (f *Federation) handleSend(w http.ResponseWriter, r *http.Request) {
	txnID := mux.Vars(r)["txnID"]

	origin, ok := f.authenticateRequest(w, r)
	if !ok {
		return
	}

	if f.TxnLimiter.ShouldFastFail(origin) {
		writeJSON(w, util.JSONResponse{Code: http.StatusTooManyRequests, JSON: map[string]string{
			"errcode": "M_LIMIT_EXCEEDED",
			"error":   "too many requests from this origin",
		}})
		return
	}

	var txn transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		writeJSON(w, util.JSONResponse{Code: http.StatusBadRequest, JSON: map[string]string{
			"errcode": "M_NOT_JSON",
			"error":   "transaction body is not valid JSON",
		}})
		return
	}
	txn.Origin = origin

	logrus.WithField("origin", origin).WithField("txn_id", txnID).
		Infof("federationapi: received transaction with %d PDUs, %d EDUs", len(txn.PDUs), len(txn.EDUs))

	if len(txn.EDUs) > 0 {
		logrus.WithField("origin", origin).WithField("count", len(txn.EDUs)).
			Debug("federationapi: discarding inbound EDUs, unsupported")
	}

	results := make(map[string]pduResult, len(txn.PDUs))
	for _, raw := range txn.PDUs {
		eventID, err := f.processPDU(r.Context(), origin, raw)
		if eventID == "" {
			continue
		}
		if err != nil {
			results[eventID] = pduResult{Error: err.Error()}
			f.TxnLimiter.RecordFailure(origin)
		} else {
			results[eventID] = pduResult{}
			f.TxnLimiter.Clear(origin)
		}
	}

	writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"pdus": results}})
}

func (f *Federation) processPDU(ctx context.Context, origin string, raw json.RawMessage) (eventID string, err error) {
	pdu, err := eventutil.NewPDUFromUntrustedJSON(raw, "10")
	if err != nil {
		return "", err
	}
	eventID = pdu.EventID

	if lerr := f.InboundMu.Lock(ctx, pdu.RoomID); lerr != nil {
		return eventID, lerr
	}
	defer f.InboundMu.Unlock(pdu.RoomID)

	input := &api.InputRoomEvent{
		Kind:         api.KindNew,
		Event:        pdu,
		Origin:       origin,
		SendAsServer: api.DoNotSendToOtherServers,
	}
	if ierr := f.RoomServer.InputRoomEvent(ctx, input); ierr != nil {
		return eventID, ierr
	}
	return eventID, nil
}

// handleEvent implements GET /_matrix/federation/v1/event/{eventId}: it
// serves the raw stored PDU JSON for a single event to a requesting peer,
// wrapped in the usual transaction envelope.
func (f *Federation) handleEvent(w http.ResponseWriter, r *http.Request) {
	origin, ok := f.authenticateRequest(w, r)
	if !ok {
		return
	}
	eventID := mux.Vars(r)["eventID"]

	raw, found, err := f.Timeline.GetPDUJSON(r.Context(), eventID)
	if err != nil {
		logrus.WithError(err).WithField("event_id", eventID).Error("federationapi: GetPDUJSON failed")
		writeJSON(w, util.JSONResponse{Code: http.StatusInternalServerError, JSON: map[string]string{"errcode": "M_UNKNOWN", "error": "internal error"}})
		return
	}
	if !found {
		writeJSON(w, util.JSONResponse{Code: http.StatusNotFound, JSON: map[string]string{"errcode": "M_NOT_FOUND", "error": "event not found"}})
		return
	}

	logrus.WithField("origin", origin).WithField("event_id", eventID).Debug("federationapi: serving /event")
	writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{
		"origin":           f.ServerName,
		"origin_server_ts": f.now().UnixMilli(),
		"pdus":             []json.RawMessage{raw},
	}})
}

func writeJSON(w http.ResponseWriter, resp util.JSONResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	_ = json.NewEncoder(w).Encode(resp.JSON)
}
