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

package sender

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/dendrite-core/appservice/query"
	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/federationapi/internal/resolver"
)

// Signer holds this server's own Ed25519 identity key, used to sign every
// outbound federation request per the server-server auth scheme
// (Authorization: X-Matrix origin=...,key=...,sig=...).
type Signer struct {
	ServerName string
	KeyID      string
	PrivateKey ed25519.PrivateKey
}

// AuthHeader builds the X-Matrix Authorization header value for an
// outbound federation request, also reused directly by
// federationapi/internal/client for its GetEventAuth calls.
func (s Signer) AuthHeader(method, uri, destination string, content []byte) (string, error) {
	signable := map[string]interface{}{
		"method":      method,
		"uri":         uri,
		"origin":      s.ServerName,
		"destination": destination,
	}
	if len(content) > 0 {
		var v interface{}
		if err := json.Unmarshal(content, &v); err != nil {
			return "", fmt.Errorf("sender: request content is not valid JSON: %w", err)
		}
		signable["content"] = v
	}
	raw, err := json.Marshal(signable)
	if err != nil {
		return "", err
	}
	canon, err := eventutil.CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(s.PrivateKey, canon)
	sigB64 := base64.RawStdEncoding.EncodeToString(sig)
	return fmt.Sprintf(`X-Matrix origin=%q,destination=%q,key=%q,sig=%q`, s.ServerName, destination, s.KeyID, sigB64), nil
}

// PDUResult is one entry of a /send response's per-event result map.
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// Transport is the narrow HTTP surface the sender's workers drive. Kept as
// an interface so tests can substitute a fake that never touches the
// network.
type Transport interface {
	SendTransaction(ctx context.Context, dest resolver.ResolvedDestination, destination, txnID string, pdus []*eventutil.PDU) (map[string]PDUResult, error)
	PostAppservice(ctx context.Context, app query.Application, txnID string, pdus []*eventutil.PDU) error
	PostPush(ctx context.Context, gatewayURL string, payload []byte) error
}

// httpTransport is the real Transport, signing every federation request
// with Signer and delivering appservice/push payloads as plain HTTP POSTs.
type httpTransport struct {
	client *http.Client
	signer Signer
}

func newHTTPTransport(signer Signer) *httpTransport {
	return &httpTransport{client: &http.Client{}, signer: signer}
}

func (t *httpTransport) SendTransaction(ctx context.Context, dest resolver.ResolvedDestination, destination, txnID string, pdus []*eventutil.PDU) (map[string]PDUResult, error) {
	raws := make([]json.RawMessage, len(pdus))
	for i, pdu := range pdus {
		raws[i] = json.RawMessage(pdu.Raw)
	}
	body, err := json.Marshal(struct {
		Origin         string            `json:"origin"`
		OriginServerTS int64             `json:"origin_server_ts"`
		PDUs           []json.RawMessage `json:"pdus"`
	}{Origin: t.signer.ServerName, PDUs: raws})
	if err != nil {
		return nil, err
	}
	uri := "/_matrix/federation/v1/send/" + txnID
	auth, err := t.signer.AuthHeader(http.MethodPut, uri, destination, body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, dest.URL+uri, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Host = dest.Host
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("sender: %s returned %d", destination, resp.StatusCode)
	}
	var parsed struct {
		PDUs map[string]PDUResult `json:"pdus"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("sender: decoding /send response from %s: %w", destination, err)
	}
	return parsed.PDUs, nil
}

func (t *httpTransport) PostAppservice(ctx context.Context, app query.Application, txnID string, pdus []*eventutil.PDU) error {
	raws := make([]json.RawMessage, len(pdus))
	for i, pdu := range pdus {
		raws[i] = json.RawMessage(pdu.Raw)
	}
	body, err := json.Marshal(struct {
		Events []json.RawMessage `json:"events"`
	}{Events: raws})
	if err != nil {
		return err
	}
	url := app.URL + "/transactions/" + txnID + "?access_token=" + app.HSToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sender: appservice %s returned %d", app.ID, resp.StatusCode)
	}
	return nil
}

func (t *httpTransport) PostPush(ctx context.Context, gatewayURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sender: push gateway %s returned %d", gatewayURL, resp.StatusCode)
	}
	return nil
}
