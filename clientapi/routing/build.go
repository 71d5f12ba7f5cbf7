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
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
)

// buildAndSignPDU constructs a new event for roomID/sender, fills in
// depth/prev_events/auth_events/hash/signature, and returns the fully
// parsed, ready-to-submit PDU. Grounded on the same hash-then-sign
// sequence eventutil.ReferenceHash/SignableBytes define for verification,
// run here forwards instead of backwards.
func (d *Dependencies) buildAndSignPDU(
	ctx context.Context,
	rv eventutil.RoomVersion,
	roomID, sender, eventType string,
	stateKey *string,
	content json.RawMessage,
	prevEvents, authEvents []string,
	depth int64,
	now func() int64,
) (*eventutil.PDU, error) {
	skeleton := map[string]interface{}{
		"room_id":          roomID,
		"sender":           sender,
		"origin_server_ts": now(),
		"type":             eventType,
		"content":          json.RawMessage(content),
		"prev_events":      prevEvents,
		"depth":            depth,
		"auth_events":      authEvents,
	}
	if stateKey != nil {
		skeleton["state_key"] = *stateKey
	}
	raw, err := json.Marshal(skeleton)
	if err != nil {
		return nil, fmt.Errorf("clientapi: marshaling event skeleton: %w", err)
	}
	canon, err := eventutil.CanonicalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("clientapi: canonicalizing event skeleton: %w", err)
	}

	signable, err := eventutil.SignableBytes(canon, rv)
	if err != nil {
		return nil, fmt.Errorf("clientapi: computing signable bytes: %w", err)
	}
	sum := sha256.Sum256(signable)
	hashB64 := base64.RawStdEncoding.EncodeToString(sum[:])
	withHash, err := setJSON(canon, "hashes", map[string]string{"sha256": hashB64})
	if err != nil {
		return nil, err
	}

	resignable, err := eventutil.SignableBytes(withHash, rv)
	if err != nil {
		return nil, fmt.Errorf("clientapi: computing post-hash signable bytes: %w", err)
	}
	sig := ed25519.Sign(d.PrivateKey, resignable)
	sigB64 := base64.RawStdEncoding.EncodeToString(sig)
	signed, err := setJSON(withHash, "signatures", map[string]map[string]string{
		d.ServerName: {d.KeyID: sigB64},
	})
	if err != nil {
		return nil, err
	}

	return eventutil.NewPDUFromUntrustedJSON(signed, rv)
}

func setJSON(raw []byte, field string, value interface{}) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	doc[field] = value
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return eventutil.CanonicalJSON(out)
}
