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

package internal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/dendrite-core/internal/kv"
)

const tablePushers = "userid_pushers"
const tableRuleset = "userid_pushrules"

// Pusher is one registered notification endpoint for a user, set via the
// client-server `/pushers/set` endpoint.
type Pusher struct {
	UserID     string `json:"user_id"`
	PushKey    string `json:"pushkey"`
	Kind       string `json:"kind"`
	GatewayURL string `json:"gateway_url"`
	Format     string `json:"format"`
}

// Registry is the kv-backed store of registered pushers and push
// rulesets, one entry per user.
type Registry struct {
	kv *kv.Store
}

// NewRegistry constructs a Registry, ensuring its tables exist.
func NewRegistry(store *kv.Store) (*Registry, error) {
	for _, t := range []string{tablePushers, tableRuleset} {
		if err := store.EnsureTable(t); err != nil {
			return nil, fmt.Errorf("pushapi.NewRegistry: %w", err)
		}
	}
	return &Registry{kv: store}, nil
}

// SetPusher upserts a pusher, keyed by (user, pushkey) so re-registering
// the same device replaces rather than duplicates it.
func (r *Registry) SetPusher(ctx context.Context, p Pusher) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	key := kv.Key([]byte(p.UserID), []byte(p.PushKey))
	if err := r.kv.Put(ctx, tablePushers, key, raw); err != nil {
		return fmt.Errorf("pushapi.SetPusher: %w", err)
	}
	return nil
}

// PushersForUser returns every pusher registered for userID. This is a
// simple prefix scan; the registry is not expected to hold more than a
// handful of devices per user.
func (r *Registry) PushersForUser(ctx context.Context, userID string) ([]Pusher, error) {
	var out []Pusher
	err := r.kv.PrefixScan(ctx, tablePushers, []byte(userID), kv.Ascending, func(_, v []byte) (bool, error) {
		var p Pusher
		if uerr := json.Unmarshal(v, &p); uerr != nil {
			return false, uerr
		}
		if p.UserID != userID {
			return true, nil
		}
		out = append(out, p)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pushapi.PushersForUser: %w", err)
	}
	return out, nil
}

// Ruleset returns userID's stored ruleset, or the server default if none
// is stored or the stored value fails to parse.
func (r *Registry) Ruleset(ctx context.Context, userID string) Ruleset {
	raw, ok, err := r.kv.Get(ctx, tableRuleset, []byte(userID))
	if err != nil || !ok {
		return DefaultRuleset()
	}
	var rs Ruleset
	if err := json.Unmarshal(raw, &rs); err != nil {
		return DefaultRuleset()
	}
	return rs
}

// SetRuleset stores userID's push rules, as set via the client-server
// `/pushrules` endpoints.
func (r *Registry) SetRuleset(ctx context.Context, userID string, rs Ruleset) error {
	raw, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	if err := r.kv.Put(ctx, tableRuleset, []byte(userID), raw); err != nil {
		return fmt.Errorf("pushapi.SetRuleset: %w", err)
	}
	return nil
}
