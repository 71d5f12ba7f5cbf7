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

// Package client implements roomserver/api.FederationClient: the one
// outbound call the input pipeline makes mid-ingestion, fetching an
// event's auth chain from the server that sent it (spec.md §4.7 stage 1,
// "fetch missing auth_events"). Grounded on the two retrieved `send.go`
// forks' getMissingEvents/lookupStateAfterEvent HTTP-GET shape, reusing
// this package's own resolver and signer for destination discovery and
// request signing rather than duplicating them.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/matrix-org/dendrite-core/federationapi/internal/resolver"
	"github.com/matrix-org/dendrite-core/internal/eventutil"
)

// Signer is the narrow signing surface this package needs from the
// federation sender's identity.
type Signer interface {
	AuthHeader(method, uri, destination string, content []byte) (string, error)
}

// RoomServers answers QueryJoinedHostServerNamesInRoom locally (it is a
// question about this server's own room state, never a remote call).
type RoomServers interface {
	QueryJoinedHostServerNamesInRoom(ctx context.Context, roomID string, excludeSelf bool) ([]string, error)
}

// Client is the roomserver's api.FederationClient implementation.
type Client struct {
	Resolver    *resolver.Resolver
	Signer      Signer
	RoomServers RoomServers
	HTTPClient  *http.Client
}

// New constructs a Client with a bare *http.Client.
func New(res *resolver.Resolver, signer Signer, roomServers RoomServers) *Client {
	return &Client{Resolver: res, Signer: signer, RoomServers: roomServers, HTTPClient: &http.Client{}}
}

// QueryJoinedHostServerNamesInRoom delegates to this server's own room
// membership index.
func (c *Client) QueryJoinedHostServerNamesInRoom(ctx context.Context, roomID string, excludeSelf bool) ([]string, error) {
	return c.RoomServers.QueryJoinedHostServerNamesInRoom(ctx, roomID, excludeSelf)
}

type eventAuthResponse struct {
	AuthChain []json.RawMessage `json:"auth_chain"`
}

// GetEventAuth fetches origin's view of eventID's auth chain via
// GET /_matrix/federation/v1/event_auth/{roomId}/{eventId}.
func (c *Client) GetEventAuth(ctx context.Context, origin, roomVersion, roomID, eventID string) ([]*eventutil.PDU, error) {
	dest, err := c.Resolver.Resolve(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("client.GetEventAuth: resolving %s: %w", origin, err)
	}
	uri := fmt.Sprintf("/_matrix/federation/v1/event_auth/%s/%s", roomID, eventID)
	auth, err := c.Signer.AuthHeader(http.MethodGet, uri, origin, nil)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dest.URL+uri, nil)
	if err != nil {
		return nil, err
	}
	req.Host = dest.Host
	req.Header.Set("Authorization", auth)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client.GetEventAuth: requesting %s: %w", origin, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client.GetEventAuth: %s returned %d", origin, resp.StatusCode)
	}
	var parsed eventAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("client.GetEventAuth: decoding response from %s: %w", origin, err)
	}

	rv := eventutil.RoomVersion(roomVersion)
	authEvents := make([]*eventutil.PDU, 0, len(parsed.AuthChain))
	for _, raw := range parsed.AuthChain {
		pdu, err := eventutil.NewPDUFromUntrustedJSON(raw, rv)
		if err != nil {
			continue
		}
		authEvents = append(authEvents, pdu)
	}
	return authEvents, nil
}
