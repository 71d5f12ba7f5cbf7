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

// Package stateresolution implements the room-version v2+ state
// resolution algorithm (spec.md §4.8): partition unconflicted/conflicted
// state, compute the auth difference, order conflicted events by
// mainline position, iteratively re-auth, and overlay the unconflicted
// remainder to produce one resolved snapshot from several candidates.
package stateresolution

import (
	"context"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/matrix-org/dendrite-core/internal/eventutil"
	"github.com/matrix-org/dendrite-core/internal/shortid"
	"github.com/matrix-org/dendrite-core/internal/statecompressor"
	"github.com/matrix-org/dendrite-core/internal/timeline"
	"github.com/matrix-org/dendrite-core/roomserver/internal/authcheck"
)

// Resolver resolves conflicting state snapshots into one, per room
// version v2+ semantics.
type Resolver struct {
	shorts     *shortid.Interner
	compressor *statecompressor.Compressor
	timeline   *timeline.Store
	roomVer    func(ctx context.Context, roomID string) (eventutil.RoomVersion, error)
	// mainlineCache memoizes the mainline-depth walk per event, per §9's
	// "memoize auth-chain lookups by shorteventid" requirement.
	mainlineCache *lru.Cache[shortid.EventNID, int]
}

// New constructs a Resolver. cacheSize bounds the mainline-position
// memoization cache (0 selects a sensible default).
func New(shorts *shortid.Interner, compressor *statecompressor.Compressor, tl *timeline.Store, roomVersionLookup func(ctx context.Context, roomID string) (eventutil.RoomVersion, error), cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[shortid.EventNID, int](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("stateresolution.New: %w", err)
	}
	return &Resolver{shorts: shorts, compressor: compressor, timeline: tl, roomVer: roomVersionLookup, mainlineCache: cache}, nil
}

// ResolveConflicts resolves snapshots (one per prev_event of the event
// being authed) into a single state snapshot.
func (r *Resolver) ResolveConflicts(ctx context.Context, roomID string, snapshots []statecompressor.ShortStateHash) (statecompressor.ShortStateHash, error) {
	switch len(snapshots) {
	case 0:
		return 0, nil
	case 1:
		return snapshots[0], nil
	}

	rv, err := r.roomVer(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
	}

	sets := make([]map[shortid.EventStateKeyNID]shortid.EventNID, len(snapshots))
	for i, h := range snapshots {
		compressed, err := r.compressor.Load(ctx, h)
		if err != nil {
			return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
		}
		set := make(map[shortid.EventStateKeyNID]shortid.EventNID, len(compressed))
		for _, c := range compressed {
			set[c.StateKeyNID()] = c.EventNID()
		}
		sets[i] = set
	}

	// Step 1: partition into unconflicted / conflicted.
	presence := map[shortid.EventStateKeyNID]map[shortid.EventNID]int{}
	for _, set := range sets {
		for key, val := range set {
			if presence[key] == nil {
				presence[key] = map[shortid.EventNID]int{}
			}
			presence[key][val]++
		}
	}
	unconflicted := map[shortid.EventStateKeyNID]shortid.EventNID{}
	conflicted := map[shortid.EventStateKeyNID]map[shortid.EventNID]struct{}{}
	for key, vals := range presence {
		if len(vals) == 1 {
			var onlyVal shortid.EventNID
			var onlyCount int
			for v, c := range vals {
				onlyVal, onlyCount = v, c
			}
			if onlyCount == len(sets) {
				unconflicted[key] = onlyVal
				continue
			}
		}
		set := map[shortid.EventNID]struct{}{}
		for v := range vals {
			set[v] = struct{}{}
		}
		conflicted[key] = set
	}

	// Step 2/3: auth difference, added to the full conflicted set.
	conflictedEventIDs := map[string]struct{}{}
	for _, candidates := range conflicted {
		for nid := range candidates {
			id, err := r.shorts.EventIDFor(ctx, nid)
			if err != nil {
				return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
			}
			conflictedEventIDs[id] = struct{}{}
		}
	}
	authDiff, err := r.authDifference(ctx, rv, conflictedEventIDs)
	if err != nil {
		return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
	}
	for id := range authDiff {
		conflictedEventIDs[id] = struct{}{}
	}

	candidates := make([]*eventutil.PDU, 0, len(conflictedEventIDs))
	for id := range conflictedEventIDs {
		pdu, ok, err := r.timeline.GetPDU(ctx, rv, id)
		if err != nil {
			return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
		}
		if !ok {
			continue
		}
		candidates = append(candidates, pdu)
	}

	// Step 4: separate power events, order both groups by mainline
	// position then (origin_server_ts, event_id).
	var powerEvents, otherEvents []*eventutil.PDU
	for _, pdu := range candidates {
		if authcheck.IsPowerEvent(pdu.Type) || authcheck.IsBanEvent(pdu) {
			powerEvents = append(powerEvents, pdu)
		} else {
			otherEvents = append(otherEvents, pdu)
		}
	}
	if err := r.sortByMainline(ctx, powerEvents); err != nil {
		return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
	}
	if err := r.sortByMainline(ctx, otherEvents); err != nil {
		return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
	}

	// Step 5/6: iteratively auth, power events first, then the rest,
	// each against the running resolved state.
	running := map[shortid.StateKeyTuple]*eventutil.PDU{}
	for key, nid := range unconflicted {
		tuple, err := r.shorts.StateKeyTupleFor(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
		}
		id, err := r.shorts.EventIDFor(ctx, nid)
		if err != nil {
			return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
		}
		pdu, ok, err := r.timeline.GetPDU(ctx, rv, id)
		if err != nil {
			return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
		}
		if ok {
			running[tuple] = pdu
		}
	}

	for _, ordered := range [][]*eventutil.PDU{powerEvents, otherEvents} {
		for _, pdu := range ordered {
			if err := authcheck.CheckAllowed(pdu, running); err != nil {
				continue // drop: fails auth against the running resolved state
			}
			if pdu.IsState() {
				running[shortid.StateKeyTuple{EventType: pdu.Type, StateKey: *pdu.StateKey}] = pdu
			}
		}
	}

	// Step 7: build the resolved CompressedStateEvent set from running.
	var resolved []statecompressor.CompressedStateEvent
	for tuple, pdu := range running {
		stateKeyNID, err := r.shorts.GetOrCreateStateKeyNID(ctx, shortid.StateKeyTuple{EventType: tuple.EventType, StateKey: tuple.StateKey})
		if err != nil {
			return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
		}
		eventNID, err := r.shorts.GetOrCreateEventNID(ctx, pdu.EventID)
		if err != nil {
			return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
		}
		resolved = append(resolved, statecompressor.NewCompressedStateEvent(stateKeyNID, eventNID))
	}

	hash, err := r.compressor.SaveStateFromDiff(ctx, 0, resolved, nil)
	if err != nil {
		return 0, fmt.Errorf("stateresolution.ResolveConflicts: %w", err)
	}
	return hash, nil
}

// authDifference returns the events present in the union of conflicted
// events' auth chains but absent from their intersection — the set that
// must additionally be considered even though it wasn't directly
// conflicting in the state snapshots (spec.md §4.8 step 2).
func (r *Resolver) authDifference(ctx context.Context, rv eventutil.RoomVersion, conflicted map[string]struct{}) (map[string]struct{}, error) {
	chains := make([]map[string]struct{}, 0, len(conflicted))
	for id := range conflicted {
		chain, err := r.authChain(ctx, rv, id, map[string]struct{}{})
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	union := map[string]struct{}{}
	for _, c := range chains {
		for id := range c {
			union[id] = struct{}{}
		}
	}
	intersection := map[string]struct{}{}
	for id := range union {
		inAll := true
		for _, c := range chains {
			if _, ok := c[id]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			intersection[id] = struct{}{}
		}
	}
	diff := map[string]struct{}{}
	for id := range union {
		if _, ok := intersection[id]; !ok {
			diff[id] = struct{}{}
		}
	}
	return diff, nil
}

func (r *Resolver) authChain(ctx context.Context, rv eventutil.RoomVersion, eventID string, seen map[string]struct{}) (map[string]struct{}, error) {
	if _, ok := seen[eventID]; ok {
		return seen, nil
	}
	seen[eventID] = struct{}{}
	pdu, ok, err := r.timeline.GetPDU(ctx, rv, eventID)
	if err != nil {
		return nil, fmt.Errorf("stateresolution.authChain: %w", err)
	}
	if !ok {
		return seen, nil
	}
	for _, authID := range pdu.AuthEvents {
		if _, err := r.authChain(ctx, rv, authID, seen); err != nil {
			return nil, err
		}
	}
	return seen, nil
}

// sortByMainline orders events by their mainline position (ascending —
// closer to the create event first), tie-breaking on (origin_server_ts,
// event_id) to guarantee the same byte-for-byte order across peers.
func (r *Resolver) sortByMainline(ctx context.Context, events []*eventutil.PDU) error {
	positions := make(map[string]int, len(events))
	for _, pdu := range events {
		pos, err := r.mainlinePosition(ctx, pdu)
		if err != nil {
			return err
		}
		positions[pdu.EventID] = pos
	}
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		pa, pb := positions[a.EventID], positions[b.EventID]
		if pa != pb {
			return pa < pb
		}
		if a.OriginServerTS != b.OriginServerTS {
			return a.OriginServerTS < b.OriginServerTS
		}
		return a.EventID < b.EventID
	})
	return nil
}

// mainlinePosition walks pdu's auth_events chain toward the create event,
// following only power-event (or ban) ancestors, and returns the number
// of hops — a simplified proxy for full mainline ordering that still
// gives power events and their dependents a stable, auth-chain-derived
// order relative to each other.
func (r *Resolver) mainlinePosition(ctx context.Context, pdu *eventutil.PDU) (int, error) {
	nid, err := r.shorts.GetOrCreateEventNID(ctx, pdu.EventID)
	if err != nil {
		return 0, err
	}
	if cached, ok := r.mainlineCache.Get(nid); ok {
		return cached, nil
	}

	rv, err := r.roomVer(ctx, pdu.RoomID)
	if err != nil {
		return 0, err
	}

	depth := 0
	cur := pdu
	seen := map[string]struct{}{cur.EventID: {}}
	for {
		var next *eventutil.PDU
		for _, id := range cur.AuthEvents {
			if _, ok := seen[id]; ok {
				continue
			}
			candidate, ok, err := r.timeline.GetPDU(ctx, rv, id)
			if err != nil {
				return 0, err
			}
			if !ok {
				continue
			}
			if authcheck.IsPowerEvent(candidate.Type) || authcheck.IsBanEvent(candidate) {
				next = candidate
				break
			}
		}
		if next == nil {
			break
		}
		seen[next.EventID] = struct{}{}
		cur = next
		depth++
	}

	r.mainlineCache.Add(nid, depth)
	return depth, nil
}
