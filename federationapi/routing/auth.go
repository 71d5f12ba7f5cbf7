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
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/matrix-org/util"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
)

var xMatrixParam = regexp.MustCompile(`(origin|destination|key|sig)="?([^",]+)"?`)

// authenticateRequest validates the X-Matrix Authorization header (spec.md
// §4.2: "origin=...,destination=...,key=...,sig=..." signed over the
// canonical JSON of {method,uri,origin,destination,content}), reusing the
// same signing-key cache the roomserver's input pipeline verifies PDUs
// with. On failure it writes the error response itself and returns ok=false.
func (f *Federation) authenticateRequest(w http.ResponseWriter, r *http.Request) (origin string, ok bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "X-Matrix ") {
		writeJSON(w, util.JSONResponse{Code: http.StatusUnauthorized, JSON: map[string]string{
			"errcode": "M_UNAUTHORIZED", "error": "missing X-Matrix Authorization header",
		}})
		return "", false
	}

	fields := map[string]string{}
	for _, m := range xMatrixParam.FindAllStringSubmatch(header[len("X-Matrix "):], -1) {
		fields[m[1]] = m[2]
	}
	origin, keyID, sigB64 := fields["origin"], fields["key"], fields["sig"]
	if origin == "" || keyID == "" || sigB64 == "" {
		writeJSON(w, util.JSONResponse{Code: http.StatusUnauthorized, JSON: map[string]string{
			"errcode": "M_UNAUTHORIZED", "error": "malformed X-Matrix Authorization header",
		}})
		return "", false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, util.JSONResponse{Code: http.StatusBadRequest, JSON: map[string]string{"errcode": "M_NOT_JSON", "error": "cannot read body"}})
		return "", false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if verr := f.verifyAuthHeader(r.Context(), origin, keyID, sigB64, r.Method, r.URL.RequestURI(), body); verr != nil {
		writeJSON(w, util.JSONResponse{Code: http.StatusForbidden, JSON: map[string]string{
			"errcode": "M_FORBIDDEN", "error": fmt.Sprintf("invalid request signature: %s", verr),
		}})
		return "", false
	}
	return origin, true
}

func (f *Federation) verifyAuthHeader(ctx context.Context, origin, keyID, sigB64, method, uri string, body []byte) error {
	keys, err := f.SigningKeys.FetchSigningKeysForServer(ctx, origin, []string{keyID})
	if err != nil {
		return fmt.Errorf("fetching signing keys for %s: %w", origin, err)
	}
	pubB64, ok := keys[keyID]
	if !ok {
		return fmt.Errorf("no known key %s for %s", keyID, origin)
	}
	pub, err := decodeUnpaddedBase64(pubB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("malformed public key for %s", origin)
	}
	sig, err := decodeUnpaddedBase64(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("malformed signature")
	}

	signable := map[string]interface{}{
		"method":      method,
		"uri":         uri,
		"origin":      origin,
		"destination": f.ServerName,
	}
	if len(body) > 0 {
		var content interface{}
		if jerr := json.Unmarshal(body, &content); jerr == nil {
			signable["content"] = content
		}
	}
	raw, err := json.Marshal(signable)
	if err != nil {
		return err
	}
	canon, err := eventutil.CanonicalJSON(raw)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), canon, sig) {
		return fmt.Errorf("signature did not verify")
	}
	return nil
}

func decodeUnpaddedBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
