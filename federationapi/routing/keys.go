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
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/matrix-org/util"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
)

type verifyKeyJSON struct {
	Key string `json:"key"`
}

type serverKeyDoc struct {
	ServerName    string                   `json:"server_name"`
	ValidUntilTS  int64                    `json:"valid_until_ts"`
	VerifyKeys    map[string]verifyKeyJSON `json:"verify_keys"`
	OldVerifyKeys map[string]verifyKeyJSON `json:"old_verify_keys"`
}

// handleKeyServer implements GET /_matrix/key/v2/server: this server's own
// self-signed verify key document (spec.md §4.6). Unauthenticated, per the
// federation key-exchange spec.
func (f *Federation) handleKeyServer(w http.ResponseWriter, r *http.Request) {
	doc := serverKeyDoc{
		ServerName:   f.ServerName,
		ValidUntilTS: f.now().Add(f.KeyValidFor).UnixMilli(),
		VerifyKeys: map[string]verifyKeyJSON{
			f.KeyID: {Key: base64.RawStdEncoding.EncodeToString(f.PrivateKey.Public().(ed25519.PublicKey))},
		},
	}
	signed, err := f.selfSign(doc)
	if err != nil {
		writeJSON(w, util.JSONResponse{Code: http.StatusInternalServerError, JSON: map[string]string{"errcode": "M_UNKNOWN", "error": "failed to sign key response"}})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(signed)
}

func (f *Federation) selfSign(doc serverKeyDoc) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	canon, err := eventutil.CanonicalJSON(raw)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(f.PrivateKey, canon)
	sigB64 := base64.RawStdEncoding.EncodeToString(sig)

	var withSigs map[string]interface{}
	if err := json.Unmarshal(raw, &withSigs); err != nil {
		return nil, err
	}
	withSigs["signatures"] = map[string]map[string]string{
		f.ServerName: {f.KeyID: sigB64},
	}
	return json.Marshal(withSigs)
}

type keyQueryRequest struct {
	ServerKeys map[string]map[string]int64 `json:"server_keys"`
}

// handleKeyQuery implements POST /_matrix/key/v2/query: this server acting
// as a notary on behalf of the requesting peer. For each named origin it
// looks the wanted key IDs up through the signing-key cache (which fetches
// from the origin or a trusted notary on a miss) and returns them in a
// freshly built key document whose valid_until_ts is this server's own
// now+KeyValidFor. The documents are unsigned: the origin's signatures are
// not carried over and this server adds none of its own. Origins whose
// lookup fails are left out of the response.
func (f *Federation) handleKeyQuery(w http.ResponseWriter, r *http.Request) {
	var req keyQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, util.JSONResponse{Code: http.StatusBadRequest, JSON: map[string]string{"errcode": "M_NOT_JSON", "error": "malformed request"}})
		return
	}

	results := make([]json.RawMessage, 0, len(req.ServerKeys))
	for origin, wanted := range req.ServerKeys {
		ids := make([]string, 0, len(wanted))
		for id := range wanted {
			ids = append(ids, id)
		}
		keys, err := f.SigningKeys.FetchSigningKeysForServer(r.Context(), origin, ids)
		if err != nil {
			continue
		}
		doc := serverKeyDoc{ServerName: origin, ValidUntilTS: f.now().Add(f.KeyValidFor).UnixMilli(), VerifyKeys: map[string]verifyKeyJSON{}}
		for id, pub := range keys {
			doc.VerifyKeys[id] = verifyKeyJSON{Key: pub}
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			continue
		}
		results = append(results, raw)
	}

	writeJSON(w, util.JSONResponse{Code: http.StatusOK, JSON: map[string]interface{}{"server_keys": results}})
}
