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

// Package resolver turns a Matrix server name into a dialable
// host:port, following the well-known/SRV/A-AAAA cascade from spec.md
// §4.12, with a CIDR denylist and randomized-TTL caches. Grounded on
// conduwuit's service/sending/resolve.rs: the FedDest/destination-cache/
// override-cache terminology carries through as ResolvedDestination,
// destinationCache, and overrideCache below.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ResolvedDestination is where a transaction addressed to a server name is
// actually delivered: the dial target plus the Host header/SNI value the
// Matrix spec requires servers to present.
type ResolvedDestination struct {
	URL  string // e.g. "https://1.2.3.4:8448"
	Host string // the original server name or the `m.server` delegation target, for the Host header / TLS SNI
}

// cacheEntry pairs a cached value with an expiry; TTLs are jittered by up
// to 10% so that a fleet of servers whose caches warmed at the same time
// don't all expire and re-resolve in lockstep.
type cacheEntry struct {
	dest    ResolvedDestination
	expires time.Time
}

const (
	defaultCacheTTL    = 1 * time.Hour
	defaultCacheSize   = 4096
	wellKnownTimeout   = 5 * time.Second
	matrixFederation   = 8448
)

// Resolver resolves server names to dialable destinations.
type Resolver struct {
	httpClient *http.Client
	denylist   []*net.IPNet

	mu              sync.Mutex
	destinationCache *lru.Cache[string, cacheEntry]
	overrideCache    *lru.Cache[string, cacheEntry] // populated by .well-known delegation, consulted before SRV/A-AAAA

	now func() time.Time
}

// New constructs a Resolver. denylistCIDRs blocks federation traffic to
// the listed networks (spec.md §4.12's CIDR denylist, normally the
// RFC1918/loopback/link-local ranges unless explicitly allowed for tests).
func New(denylistCIDRs []string) (*Resolver, error) {
	destCache, err := lru.New[string, cacheEntry](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolver.New: %w", err)
	}
	overrideCache, err := lru.New[string, cacheEntry](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("resolver.New: %w", err)
	}
	var denylist []*net.IPNet
	for _, cidr := range denylistCIDRs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("resolver.New: bad denylist CIDR %q: %w", cidr, err)
		}
		denylist = append(denylist, ipnet)
	}
	return &Resolver{
		httpClient:       &http.Client{Timeout: wellKnownTimeout},
		denylist:         denylist,
		destinationCache: destCache,
		overrideCache:    overrideCache,
		now:              time.Now,
	}, nil
}

// Resolve runs the full cascade for serverName: literal IP literal with
// optional port, then cached override, then .well-known delegation, then
// SRV, then plain A/AAAA on the default federation port. The result is
// cached with a jittered TTL.
func (r *Resolver) Resolve(ctx context.Context, serverName string) (ResolvedDestination, error) {
	if dest, ok := r.cached(r.destinationCache, serverName); ok {
		return dest, nil
	}

	dest, err := r.resolveUncached(ctx, serverName)
	if err != nil {
		return ResolvedDestination{}, err
	}
	if err := r.CheckDenylist(dest.URL); err != nil {
		return ResolvedDestination{}, err
	}
	r.store(r.destinationCache, serverName, dest, defaultCacheTTL)
	return dest, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, serverName string) (ResolvedDestination, error) {
	// Step 1: literal IPv4/IPv6 literal, with or without an explicit port.
	if host, port, ok := splitLiteral(serverName); ok {
		return ResolvedDestination{URL: fmt.Sprintf("https://%s", net.JoinHostPort(host, port)), Host: serverName}, nil
	}

	// Step 2: server name with an explicit port skips well-known/SRV.
	if host, port, err := net.SplitHostPort(serverName); err == nil {
		return ResolvedDestination{URL: fmt.Sprintf("https://%s", net.JoinHostPort(host, port)), Host: serverName}, nil
	}

	// Step 3: cached (or freshly fetched) .well-known delegation.
	if dest, ok := r.cached(r.overrideCache, serverName); ok {
		return dest, nil
	}
	if target, ok := r.lookupWellKnown(ctx, serverName); ok {
		if host, port, ok := splitLiteral(target); ok {
			dest := ResolvedDestination{URL: fmt.Sprintf("https://%s", net.JoinHostPort(host, port)), Host: target}
			r.store(r.overrideCache, serverName, dest, defaultCacheTTL)
			return dest, nil
		}
		if host, port, err := net.SplitHostPort(target); err == nil {
			dest := ResolvedDestination{URL: fmt.Sprintf("https://%s", net.JoinHostPort(host, port)), Host: target}
			r.store(r.overrideCache, serverName, dest, defaultCacheTTL)
			return dest, nil
		}
		// delegated to a bare hostname: fall through to SRV/A-AAAA against
		// the delegation target, but keep serverName as the Host header.
		dest, err := r.resolveSRVThenA(ctx, target, serverName)
		if err == nil {
			r.store(r.overrideCache, serverName, dest, defaultCacheTTL)
		}
		return dest, err
	}

	// Step 4/5: no delegation — SRV then plain A/AAAA on the default port.
	return r.resolveSRVThenA(ctx, serverName, serverName)
}

func (r *Resolver) resolveSRVThenA(ctx context.Context, lookupName, hostHeader string) (ResolvedDestination, error) {
	_, addrs, err := net.DefaultResolver.LookupSRV(ctx, "matrix-fed", "tcp", lookupName)
	if err == nil && len(addrs) > 0 {
		target := strings.TrimSuffix(addrs[0].Target, ".")
		return ResolvedDestination{
			URL:  fmt.Sprintf("https://%s", net.JoinHostPort(target, strconv.Itoa(int(addrs[0].Port)))),
			Host: hostHeader,
		}, nil
	}
	return ResolvedDestination{
		URL:  fmt.Sprintf("https://%s", net.JoinHostPort(lookupName, strconv.Itoa(matrixFederation))),
		Host: hostHeader,
	}, nil
}

// lookupWellKnown fetches https://<serverName>/.well-known/matrix/server
// and returns its `m.server` delegation target, if any.
func (r *Resolver) lookupWellKnown(ctx context.Context, serverName string) (string, bool) {
	u := &url.URL{Scheme: "https", Host: serverName, Path: "/.well-known/matrix/server"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", false
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	var payload struct {
		Server string `json:"m.server"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Server == "" {
		return "", false
	}
	return payload.Server, true
}

func splitLiteral(s string) (host, port string, ok bool) {
	h, p, err := net.SplitHostPort(s)
	if err == nil {
		if net.ParseIP(h) != nil {
			return h, p, true
		}
		return "", "", false
	}
	if net.ParseIP(s) != nil {
		return s, strconv.Itoa(matrixFederation), true
	}
	return "", "", false
}

// CheckDenylist reports an error if rawURL resolves into a denylisted
// network. Exported so other outbound dispatchers (the push gateway
// sender) can enforce the same CIDR policy without duplicating it.
func (r *Resolver) CheckDenylist(rawURL string) error {
	if len(r.denylist) == 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("resolver: bad resolved URL %q: %w", rawURL, err)
	}
	host := u.Hostname()
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return fmt.Errorf("resolver: could not resolve %q to check denylist: %w", host, err)
		}
		ip = addrs[0]
	}
	for _, ipnet := range r.denylist {
		if ipnet.Contains(ip) {
			return fmt.Errorf("resolver: %w: %s resolves into denylisted network %s", ErrDenylisted, host, ipnet)
		}
	}
	return nil
}

func (r *Resolver) cached(c *lru.Cache[string, cacheEntry], key string) (ResolvedDestination, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := c.Get(key)
	if !ok || r.now().After(e.expires) {
		return ResolvedDestination{}, false
	}
	return e.dest, true
}

func (r *Resolver) store(c *lru.Cache[string, cacheEntry], key string, dest ResolvedDestination, ttl time.Duration) {
	jitter := time.Duration(rand.Int63n(int64(ttl) / 10))
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Add(key, cacheEntry{dest: dest, expires: r.now().Add(ttl - ttl/20 + jitter)})
}

// ErrDenylisted is returned when a resolved destination falls inside a
// configured CIDR denylist.
var ErrDenylisted = fmt.Errorf("destination network is denylisted")
