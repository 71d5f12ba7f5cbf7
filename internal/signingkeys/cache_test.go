package signingkeys_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/signingkeys"
)

var errFetch = errors.New("fetch failed")

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	fail     map[string]bool
	keys     map[string]map[string]signingkeys.VerifyKey
}

func (f *fakeFetcher) FetchServerKeys(ctx context.Context, origin, notary string, wantedIDs []string) (map[string]signingkeys.VerifyKey, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail[origin] {
		return nil, errFetch
	}
	out := map[string]signingkeys.VerifyKey{}
	for _, id := range wantedIDs {
		if k, ok := f.keys[origin][id]; ok {
			out[id] = k
		}
	}
	return out, nil
}

func newFetcher() *fakeFetcher {
	return &fakeFetcher{fail: map[string]bool{}, keys: map[string]map[string]signingkeys.VerifyKey{}}
}

func newCache(t *testing.T, f signingkeys.Fetcher) *signingkeys.Cache {
	t.Helper()
	store, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	c, err := signingkeys.New(store, f, []string{"notary.example.org"}, true, 4)
	require.NoError(t, err)
	return c
}

func TestFetchSigningKeysForServerFromFetcher(t *testing.T) {
	f := newFetcher()
	f.keys["origin.example.org"] = map[string]signingkeys.VerifyKey{
		"ed25519:1": {Base64PublicKey: "abc123"},
	}
	c := newCache(t, f)

	keys, err := c.FetchSigningKeysForServer(context.Background(), "origin.example.org", []string{"ed25519:1"})
	require.NoError(t, err)
	require.Equal(t, "abc123", keys["ed25519:1"])
}

func TestFetchSigningKeysForServerUsesPersistedCache(t *testing.T) {
	f := newFetcher()
	f.keys["origin.example.org"] = map[string]signingkeys.VerifyKey{
		"ed25519:1": {Base64PublicKey: "abc123"},
	}
	c := newCache(t, f)
	ctx := context.Background()

	_, err := c.FetchSigningKeysForServer(ctx, "origin.example.org", []string{"ed25519:1"})
	require.NoError(t, err)

	calls := f.calls
	keys, err := c.FetchSigningKeysForServer(ctx, "origin.example.org", []string{"ed25519:1"})
	require.NoError(t, err)
	require.Equal(t, "abc123", keys["ed25519:1"])
	require.Equal(t, calls, f.calls, "second lookup should be served entirely from the persisted cache")
}

func TestFetchRequiredSigningKeysConcurrentBatch(t *testing.T) {
	f := newFetcher()
	f.keys["a.example.org"] = map[string]signingkeys.VerifyKey{"ed25519:1": {Base64PublicKey: "A"}}
	f.keys["b.example.org"] = map[string]signingkeys.VerifyKey{"ed25519:1": {Base64PublicKey: "B"}}
	c := newCache(t, f)

	var pubKeyMap sync.Map
	sigs := []map[string]map[string]string{
		{"a.example.org": {"ed25519:1": "sig-a"}},
		{"b.example.org": {"ed25519:1": "sig-b"}},
	}
	err := c.FetchRequiredSigningKeys(context.Background(), sigs, &pubKeyMap)
	require.NoError(t, err)

	v, ok := pubKeyMap.Load("a.example.org\x00ed25519:1")
	require.True(t, ok)
	require.Equal(t, "A", v)
	v, ok = pubKeyMap.Load("b.example.org\x00ed25519:1")
	require.True(t, ok)
	require.Equal(t, "B", v)
}
