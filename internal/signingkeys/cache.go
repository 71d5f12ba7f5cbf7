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

// Package signingkeys fetches and caches remote servers' Ed25519 verify
// keys, with trusted-notary fallback and exponential backoff on failure.
// Ported from conduwuit's rooms/event_handler/signing_keys.rs.
package signingkeys

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/ratelimit"
)

const tableServerSigningKeys = "server_signingkeys"

// VerifyKey is a single Ed25519 verify key entry.
type VerifyKey struct {
	Base64PublicKey string    `json:"key"`
	ValidUntilTS    int64     `json:"valid_until_ts"`
	FetchedAt       time.Time `json:"-"`
}

// Fetcher is the interface a server-name's own /_matrix/key/v2/server (or a
// notary's /_matrix/key/v2/query) endpoint is consulted through. Kept
// narrow and mockable for tests.
type Fetcher interface {
	FetchServerKeys(ctx context.Context, origin string, notary string, wantedIDs []string) (map[string]VerifyKey, error)
}

// Cache resolves (origin, key-id) pairs to verify keys, backed by
// persistent storage and an exponential-backoff ratelimiter for origins
// that have recently failed to answer.
type Cache struct {
	store               *kv.Store
	fetch               Fetcher
	limiter             *ratelimit.Limiter
	trustedServers      []string
	trustedServersFirst bool
	maxConcurrentFetch  int
	mu                  sync.Mutex
}

// New constructs a Cache. trustedServersFirst selects the strategy order
// from spec.md §4.6 step 2; maxConcurrentFetch bounds the batch-fetch
// fan-out (default 8 if <= 0).
func New(store *kv.Store, fetch Fetcher, trustedServers []string, trustedServersFirst bool, maxConcurrentFetch int) (*Cache, error) {
	if err := store.EnsureTable(tableServerSigningKeys); err != nil {
		return nil, fmt.Errorf("signingkeys.New: %w", err)
	}
	if maxConcurrentFetch <= 0 {
		maxConcurrentFetch = 8
	}
	return &Cache{
		store:               store,
		fetch:               fetch,
		limiter:             ratelimit.New(5*time.Minute, 24*time.Hour),
		trustedServers:      trustedServers,
		trustedServersFirst: trustedServersFirst,
		maxConcurrentFetch:  maxConcurrentFetch,
	}, nil
}

// FetchSigningKeysForServer resolves wantedIDs for origin, per the
// strategy in spec.md §4.6: consult the persisted cache first, then the
// configured notary/origin order, recording failures in the ratelimiter
// and fast-failing while that origin is within its backoff window.
func (c *Cache) FetchSigningKeysForServer(ctx context.Context, origin string, wantedIDs []string) (map[string]string, error) {
	have, missing, err := c.loadPersisted(ctx, origin, wantedIDs)
	if err != nil {
		return nil, fmt.Errorf("signingkeys.FetchSigningKeysForServer: %w", err)
	}
	if len(missing) == 0 {
		return have, nil
	}

	if c.limiter.ShouldFastFail(origin) {
		return nil, fmt.Errorf("signingkeys: %w: origin %s is in backoff", ErrBackoff, origin)
	}

	order := c.notaryOrder()
	var lastErr error
	for _, notary := range order {
		keys, err := c.fetch.FetchServerKeys(ctx, origin, notary, missing)
		if err != nil {
			lastErr = err
			continue
		}
		if err := c.persist(ctx, origin, keys); err != nil {
			return nil, fmt.Errorf("signingkeys.FetchSigningKeysForServer: %w", err)
		}
		for id, k := range keys {
			have[id] = k.Base64PublicKey
		}
		missing = missingIDs(wantedIDs, have)
		if len(missing) == 0 {
			c.limiter.Clear(origin)
			return have, nil
		}
	}

	c.limiter.RecordFailure(origin)
	if lastErr != nil {
		return have, fmt.Errorf("signingkeys.FetchSigningKeysForServer: %w", lastErr)
	}
	return have, fmt.Errorf("signingkeys.FetchSigningKeysForServer: could not obtain keys %v for %s", missing, origin)
}

// notaryOrder returns "" (meaning "query origin directly") interleaved
// with configured notaries in the order the trusted-servers-first flag
// selects.
func (c *Cache) notaryOrder() []string {
	if c.trustedServersFirst {
		return append(append([]string{}, c.trustedServers...), "")
	}
	return append([]string{""}, c.trustedServers...)
}

// OriginKeyID pairs an origin server with a key id, the unit
// FetchRequiredSigningKeys extracts from a batch of events.
type OriginKeyID struct {
	Origin string
	KeyID  string
}

// FetchRequiredSigningKeys extracts every (origin, key-id) pair referenced
// by signatures across events, deduplicates, and concurrently fetches them
// (bounded fan-out), populating pubKeyMap for downstream signature
// verification.
func (c *Cache) FetchRequiredSigningKeys(ctx context.Context, events []map[string]map[string]string, pubKeyMap *sync.Map) error {
	wanted := map[string][]string{}
	for _, sigs := range events {
		for origin, keys := range sigs {
			for keyID := range keys {
				wanted[origin] = appendUnique(wanted[origin], keyID)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrentFetch)
	for origin, ids := range wanted {
		origin, ids := origin, ids
		g.Go(func() error {
			keys, err := c.FetchSigningKeysForServer(gctx, origin, ids)
			if err != nil {
				// A single origin's failure must not abort the whole
				// batch; downstream signature verification will simply
				// fail for that origin's events.
				return nil
			}
			for keyID, key := range keys {
				pubKeyMap.Store(origin+"\x00"+keyID, key)
			}
			return nil
		})
	}
	return g.Wait()
}

func appendUnique(s []string, v string) []string {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

func (c *Cache) loadPersisted(ctx context.Context, origin string, wantedIDs []string) (map[string]string, []string, error) {
	raw, ok, err := c.store.Get(ctx, tableServerSigningKeys, []byte(origin))
	if err != nil {
		return nil, nil, err
	}
	have := map[string]string{}
	if ok {
		var keys map[string]VerifyKey
		if err := json.Unmarshal(raw, &keys); err != nil {
			return nil, nil, fmt.Errorf("signingkeys: corrupt persisted keys for %s: %w", origin, err)
		}
		now := time.Now().UnixMilli()
		for id, k := range keys {
			if k.ValidUntilTS == 0 || k.ValidUntilTS > now {
				have[id] = k.Base64PublicKey
			}
		}
	}
	return have, missingIDs(wantedIDs, have), nil
}

func missingIDs(wanted []string, have map[string]string) []string {
	var missing []string
	for _, id := range wanted {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func (c *Cache) persist(ctx context.Context, origin string, keys map[string]VerifyKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok, err := c.store.Get(ctx, tableServerSigningKeys, []byte(origin))
	if err != nil {
		return err
	}
	existing := map[string]VerifyKey{}
	if ok {
		_ = json.Unmarshal(raw, &existing)
	}
	for id, k := range keys {
		existing[id] = k
	}
	encoded, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, tableServerSigningKeys, []byte(origin), encoded)
}

// SeedOwnKey pre-populates the cache with this server's own verify key, so
// that locally-authored events (signed and verified within the same
// process) never round-trip through the Fetcher to validate themselves.
func (c *Cache) SeedOwnKey(ctx context.Context, serverName, keyID, base64PublicKey string, validFor time.Duration) error {
	return c.persist(ctx, serverName, map[string]VerifyKey{
		keyID: {Base64PublicKey: base64PublicKey, ValidUntilTS: time.Now().Add(validFor).UnixMilli()},
	})
}

// ErrBackoff is returned by FetchSigningKeysForServer while origin is
// within its exponential-backoff window.
var ErrBackoff = fmt.Errorf("signingkeys: origin is rate-limited after repeated failures")
