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

// Package keyfetch implements internal/signingkeys.Fetcher over HTTP: it is
// the side of the signing-key notary protocol (spec.md §4.6) that calls OUT,
// either straight to a server's own /key/v2/server or, when a notary is
// configured, to the notary's /key/v2/query. Grounded on conduwuit's
// rooms/event_handler/signing_keys.rs fetch_origin_keys/fetch_bulk shape,
// using the resolver package for destination discovery.
package keyfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/matrix-org/dendrite-core/federationapi/internal/resolver"
	"github.com/matrix-org/dendrite-core/internal/signingkeys"
)

// HTTPFetcher is the real signingkeys.Fetcher.
type HTTPFetcher struct {
	Resolver *resolver.Resolver
	Client   *http.Client
}

// New constructs an HTTPFetcher with a bare *http.Client.
func New(res *resolver.Resolver) *HTTPFetcher {
	return &HTTPFetcher{Resolver: res, Client: &http.Client{}}
}

type serverKeyResponse struct {
	ServerName    string                          `json:"server_name"`
	VerifyKeys    map[string]signingkeys.VerifyKey `json:"verify_keys"`
	ValidUntilTS  int64                           `json:"valid_until_ts"`
}

type queryResponse struct {
	ServerKeys []json.RawMessage `json:"server_keys"`
}

// FetchServerKeys implements signingkeys.Fetcher. When notary is empty or
// equal to origin, it asks origin directly; otherwise it asks notary to act
// as a notary on origin's behalf via /key/v2/query.
func (f *HTTPFetcher) FetchServerKeys(ctx context.Context, origin, notary string, wantedIDs []string) (map[string]signingkeys.VerifyKey, error) {
	if notary == "" || notary == origin {
		return f.fetchDirect(ctx, origin)
	}
	return f.fetchViaNotary(ctx, notary, origin, wantedIDs)
}

func (f *HTTPFetcher) fetchDirect(ctx context.Context, origin string) (map[string]signingkeys.VerifyKey, error) {
	dest, err := f.Resolver.Resolve(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("keyfetch: resolving %s: %w", origin, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dest.URL+"/_matrix/key/v2/server", nil)
	if err != nil {
		return nil, err
	}
	req.Host = dest.Host
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keyfetch: fetching %s keys: %w", origin, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keyfetch: %s /key/v2/server returned %d", origin, resp.StatusCode)
	}
	var parsed serverKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("keyfetch: decoding %s /key/v2/server: %w", origin, err)
	}
	for id, vk := range parsed.VerifyKeys {
		vk.ValidUntilTS = parsed.ValidUntilTS
		parsed.VerifyKeys[id] = vk
	}
	return parsed.VerifyKeys, nil
}

func (f *HTTPFetcher) fetchViaNotary(ctx context.Context, notary, origin string, wantedIDs []string) (map[string]signingkeys.VerifyKey, error) {
	want := map[string]int64{}
	for _, id := range wantedIDs {
		want[id] = 0
	}
	body, err := json.Marshal(struct {
		ServerKeys map[string]map[string]int64 `json:"server_keys"`
	}{ServerKeys: map[string]map[string]int64{origin: want}})
	if err != nil {
		return nil, err
	}
	dest, err := f.Resolver.Resolve(ctx, notary)
	if err != nil {
		return nil, fmt.Errorf("keyfetch: resolving notary %s: %w", notary, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL+"/_matrix/key/v2/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Host = dest.Host
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keyfetch: querying notary %s: %w", notary, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keyfetch: notary %s /key/v2/query returned %d", notary, resp.StatusCode)
	}
	var parsed queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("keyfetch: decoding notary %s response: %w", notary, err)
	}
	out := map[string]signingkeys.VerifyKey{}
	for _, raw := range parsed.ServerKeys {
		var sk serverKeyResponse
		if err := json.Unmarshal(raw, &sk); err != nil {
			continue
		}
		if sk.ServerName != origin {
			continue
		}
		for id, vk := range sk.VerifyKeys {
			vk.ValidUntilTS = sk.ValidUntilTS
			out[id] = vk
		}
	}
	return out, nil
}
