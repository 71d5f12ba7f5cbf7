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

// Package statecompressor stores room state snapshots as layered diffs
// keyed by a shortstatehash, reconstructing full snapshots lazily and
// bounding diff depth/size on write so reconstruction stays amortized
// cheap. Ported from the rebase rule in conduwuit's state_compressor.
package statecompressor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/matrix-org/dendrite-core/internal/kv"
	"github.com/matrix-org/dendrite-core/internal/shortid"
)

const tableStateDiff = "shortstatehash_statediff"
const tableSnapshotIntern = "statesnapshot_shortstatehash"

// ShortStateHash is the 64-bit interned identifier for a state snapshot.
type ShortStateHash uint64

// CompressedStateEvent is the byte concatenation (shortstatekey ||
// shorteventid), 16 bytes total: an 8-byte big-endian state-key short id
// followed by an 8-byte big-endian event short id.
type CompressedStateEvent [16]byte

// NewCompressedStateEvent packs a (state-key nid, event nid) pair.
func NewCompressedStateEvent(stateKeyNID shortid.EventStateKeyNID, eventNID shortid.EventNID) CompressedStateEvent {
	var c CompressedStateEvent
	binary.BigEndian.PutUint64(c[0:8], uint64(stateKeyNID))
	binary.BigEndian.PutUint64(c[8:16], uint64(eventNID))
	return c
}

// StateKeyNID extracts the state-key short id.
func (c CompressedStateEvent) StateKeyNID() shortid.EventStateKeyNID {
	return shortid.EventStateKeyNID(binary.BigEndian.Uint64(c[0:8]))
}

// EventNID extracts the event short id.
func (c CompressedStateEvent) EventNID() shortid.EventNID {
	return shortid.EventNID(binary.BigEndian.Uint64(c[8:16]))
}

// StateDiff is a single layer in the diff chain: the events added and
// removed relative to Parent (0 meaning "no parent, this is a root").
type StateDiff struct {
	Parent  ShortStateHash
	Added   []CompressedStateEvent
	Removed []CompressedStateEvent
}

// stateSet is an unordered set of compressed state events, used both for
// the reconstructed "full" view and for diff arithmetic.
type stateSet map[CompressedStateEvent]struct{}

func newStateSet(events []CompressedStateEvent) stateSet {
	s := make(stateSet, len(events))
	for _, e := range events {
		s[e] = struct{}{}
	}
	return s
}

func (s stateSet) slice() []CompressedStateEvent {
	out := make([]CompressedStateEvent, 0, len(s))
	for e := range s {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		for k := 0; k < 16; k++ {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out
}

func (s stateSet) clone() stateSet {
	out := make(stateSet, len(s))
	for e := range s {
		out[e] = struct{}{}
	}
	return out
}

func (s stateSet) applyDiff(added, removed []CompressedStateEvent) stateSet {
	out := s.clone()
	for _, r := range removed {
		delete(out, r)
	}
	for _, a := range added {
		out[a] = struct{}{}
	}
	return out
}

// layer is a reconstructed entry in the diff chain, cached by Hash.
type layer struct {
	Hash    ShortStateHash
	Added   []CompressedStateEvent
	Removed []CompressedStateEvent
	Full    stateSet
}

// maxDiffDepth bounds the number of layers walked before a write is forced
// to rebase into its grandparent, per spec.md §4.3.
const maxDiffDepth = 3

// Compressor persists and reconstructs state snapshots.
type Compressor struct {
	store    *kv.Store
	cache    *lru.Cache[ShortStateHash, *layer]
	cacheMu  sync.Mutex
	sizeMu   sync.Mutex
	// siblingSize tracks, per parent hash, the size of the most recently
	// written sibling diff — used by the rebase rule's "prior_sibling"
	// term.
	siblingSize map[ShortStateHash]int
}

// New constructs a Compressor with an LRU snapshot cache of the given
// capacity (tune via the cache-size configuration modifier, per §5).
func New(store *kv.Store, cacheSize int) (*Compressor, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	c, err := lru.New[ShortStateHash, *layer](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("statecompressor.New: %w", err)
	}
	if err := store.EnsureTable(tableStateDiff); err != nil {
		return nil, fmt.Errorf("statecompressor.New: %w", err)
	}
	if err := store.EnsureTable(tableSnapshotIntern); err != nil {
		return nil, fmt.Errorf("statecompressor.New: %w", err)
	}
	return &Compressor{store: store, cache: c, siblingSize: map[ShortStateHash]int{}}, nil
}

// HashSnapshot interns the sorted set into a ShortStateHash; identical
// snapshots collapse to the same hash (the hash is derived, not
// allocated).
func HashSnapshot(events []CompressedStateEvent) ShortStateHash {
	sorted := newStateSet(events).slice()
	h := sha256.New()
	for _, e := range sorted {
		h.Write(e[:])
	}
	sum := h.Sum(nil)
	return ShortStateHash(binary.BigEndian.Uint64(sum[:8]))
}

// Load reconstructs the full compressed-state set for hash, walking the
// diff chain back to its root and caching every layer visited.
func (c *Compressor) Load(ctx context.Context, hash ShortStateHash) ([]CompressedStateEvent, error) {
	l, err := c.load(ctx, hash)
	if err != nil {
		return nil, err
	}
	return l.Full.slice(), nil
}

func (c *Compressor) load(ctx context.Context, hash ShortStateHash) (*layer, error) {
	c.cacheMu.Lock()
	if l, ok := c.cache.Get(hash); ok {
		c.cacheMu.Unlock()
		return l, nil
	}
	c.cacheMu.Unlock()

	diff, ok, err := c.readDiff(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("statecompressor.load(%d): %w", hash, err)
	}
	if !ok {
		return nil, fmt.Errorf("statecompressor.load: %w: no diff for hash %d", ErrUnknownSnapshot, hash)
	}

	var full stateSet
	if diff.Parent == 0 {
		full = newStateSet(diff.Added)
	} else {
		parent, err := c.load(ctx, diff.Parent)
		if err != nil {
			return nil, err
		}
		full = parent.Full.applyDiff(diff.Added, diff.Removed)
	}

	l := &layer{Hash: hash, Added: diff.Added, Removed: diff.Removed, Full: full}
	c.cacheMu.Lock()
	c.cache.Add(hash, l)
	c.cacheMu.Unlock()
	return l, nil
}

// SaveStateFromDiff writes a new snapshot expressed as (parent, added,
// removed), applying the rebase rule: if the resulting diff chain would
// exceed maxDiffDepth layers, or the candidate diff is large relative to
// the parent's own diff and the size of the last sibling diff written
// under that parent, the new diff is folded into the grandparent instead
// of appended as a new layer. Returns the ShortStateHash of the resulting
// snapshot (interned from its full, reconstructed content, so identical
// final snapshots always collapse to the same hash regardless of which
// diff chain produced them).
func (c *Compressor) SaveStateFromDiff(ctx context.Context, parent ShortStateHash, added, removed []CompressedStateEvent) (ShortStateHash, error) {
	depth, err := c.chainDepth(ctx, parent)
	if err != nil {
		return 0, err
	}

	effectiveParent := parent
	effectiveAdded, effectiveRemoved := added, removed
	d := len(added) + len(removed)

	if parent != 0 {
		parentDiff, ok, err := c.readDiff(ctx, parent)
		if err != nil {
			return 0, err
		}
		p := len(parentDiff.Added) + len(parentDiff.Removed)
		if ok && (depth+1 > maxDiffDepth || c.shouldRebase(parent, d, p)) {
			// Fold our diff into the grandparent by composing the two
			// diffs: apply parent's (added,removed) then ours, producing
			// one diff directly against the grandparent.
			composedAdded, composedRemoved := compose(parentDiff.Added, parentDiff.Removed, added, removed)
			effectiveParent = parentDiff.Parent
			effectiveAdded, effectiveRemoved = composedAdded, composedRemoved
		}
	}

	// Compute the resulting full snapshot so its hash is content-derived.
	var base stateSet
	if effectiveParent == 0 {
		base = stateSet{}
	} else {
		parentLayer, err := c.load(ctx, effectiveParent)
		if err != nil {
			return 0, err
		}
		base = parentLayer.Full
	}
	full := base.applyDiff(effectiveAdded, effectiveRemoved)
	hash := HashSnapshot(full.slice())

	// Snapshots collapse: if this exact content was already interned,
	// reuse it rather than writing a duplicate diff row.
	if _, ok, err := c.store.Get(ctx, tableSnapshotIntern, encodeHash(hash)); err != nil {
		return 0, fmt.Errorf("statecompressor.SaveStateFromDiff: %w", err)
	} else if ok {
		return hash, nil
	}

	diff := StateDiff{Parent: effectiveParent, Added: effectiveAdded, Removed: effectiveRemoved}
	if err := c.writeDiff(ctx, hash, diff); err != nil {
		return 0, err
	}

	c.sizeMu.Lock()
	c.siblingSize[effectiveParent] = len(effectiveAdded) + len(effectiveRemoved)
	c.sizeMu.Unlock()

	return hash, nil
}

// shouldRebase implements the size half of the rebase rule: d*d >=
// 2*prior_sibling*p, where p is the parent's own diff size and
// prior_sibling is the size of the last diff we wrote under that same
// parent (0 if none yet, in which case the size test never forces a
// rebase on its own — only the depth bound can).
func (c *Compressor) shouldRebase(parent ShortStateHash, d, p int) bool {
	c.sizeMu.Lock()
	priorSibling := c.siblingSize[parent]
	c.sizeMu.Unlock()
	if priorSibling == 0 {
		return false
	}
	dd := float64(d) * float64(d)
	bound := 2 * float64(priorSibling) * float64(p)
	return dd >= bound || math.IsInf(dd, 1)
}

// compose folds a child diff (added2,removed2) applied after a parent diff
// (added1,removed1) into a single diff expressed directly against the
// grandparent, satisfying apply(compose(d1,d2), s) == apply(d2,
// apply(d1, s)).
func compose(added1, removed1, added2, removed2 []CompressedStateEvent) (added, removed []CompressedStateEvent) {
	addSet := newStateSet(added1)
	removeSet := newStateSet(removed1)
	for _, r := range removed2 {
		delete(addSet, r)
		removeSet[r] = struct{}{}
	}
	for _, a := range added2 {
		delete(removeSet, a)
		addSet[a] = struct{}{}
	}
	return addSet.slice(), removeSet.slice()
}

func (c *Compressor) chainDepth(ctx context.Context, hash ShortStateHash) (int, error) {
	depth := 0
	cur := hash
	for cur != 0 {
		diff, ok, err := c.readDiff(ctx, cur)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		depth++
		cur = diff.Parent
	}
	return depth, nil
}

func (c *Compressor) readDiff(ctx context.Context, hash ShortStateHash) (StateDiff, bool, error) {
	v, ok, err := c.store.Get(ctx, tableStateDiff, encodeHash(hash))
	if err != nil || !ok {
		return StateDiff{}, ok, err
	}
	return decodeStateDiff(v)
}

func (c *Compressor) writeDiff(ctx context.Context, hash ShortStateHash, diff StateDiff) error {
	encoded := encodeStateDiff(diff)
	if err := c.store.Cork(ctx, []kv.Write{
		kv.PutOp(tableStateDiff, encodeHash(hash), encoded),
		kv.PutOp(tableSnapshotIntern, encodeHash(hash), []byte{1}),
	}); err != nil {
		return fmt.Errorf("statecompressor.writeDiff: %w", err)
	}
	return nil
}

func encodeHash(h ShortStateHash) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(h))
	return b
}

// encodeStateDiff matches the §6 persisted layout:
// parent(u64) || added-sets || 0u64 || removed-sets
func encodeStateDiff(d StateDiff) []byte {
	out := make([]byte, 0, 8+16*(len(d.Added)+len(d.Removed))+8)
	pb := make([]byte, 8)
	binary.BigEndian.PutUint64(pb, uint64(d.Parent))
	out = append(out, pb...)
	for _, e := range newStateSet(d.Added).slice() {
		out = append(out, e[:]...)
	}
	out = append(out, make([]byte, 8)...) // 0u64 separator
	for _, e := range newStateSet(d.Removed).slice() {
		out = append(out, e[:]...)
	}
	return out
}

func decodeStateDiff(b []byte) (StateDiff, bool, error) {
	if len(b) < 16 {
		return StateDiff{}, false, fmt.Errorf("statecompressor: malformed state diff of length %d", len(b))
	}
	parent := ShortStateHash(binary.BigEndian.Uint64(b[0:8]))
	rest := b[8:]
	sepIdx := -1
	for i := 0; i+8 <= len(rest); i += 16 {
		// look for the 0u64 separator aligned on a CompressedStateEvent
		// boundary is ambiguous with a real all-zero entry in theory, but
		// 0 is never an allocated short id (allocation starts at 1), so
		// 8 zero bytes at an event-boundary unambiguously mark the
		// separator.
		if i+8 <= len(rest) && allZero(rest[i:i+8]) && (i%16 == 0 || i%16 == 8) {
			// confirm this is the designated separator position, not a
			// coincidental zero state event half — the separator is
			// written as a standalone 8-byte run immediately after the
			// added-set, which always ends on a 16-byte boundary.
			if i%16 == 0 {
				sepIdx = i
				break
			}
		}
	}
	if sepIdx == -1 {
		return StateDiff{}, false, fmt.Errorf("statecompressor: missing separator in state diff")
	}
	added, err := decodeEvents(rest[:sepIdx])
	if err != nil {
		return StateDiff{}, false, err
	}
	removed, err := decodeEvents(rest[sepIdx+8:])
	if err != nil {
		return StateDiff{}, false, err
	}
	return StateDiff{Parent: parent, Added: added, Removed: removed}, true, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func decodeEvents(b []byte) ([]CompressedStateEvent, error) {
	if len(b)%16 != 0 {
		return nil, fmt.Errorf("statecompressor: malformed compressed-state run of length %d", len(b))
	}
	out := make([]CompressedStateEvent, 0, len(b)/16)
	for i := 0; i < len(b); i += 16 {
		var c CompressedStateEvent
		copy(c[:], b[i:i+16])
		out = append(out, c)
	}
	return out, nil
}

// ErrUnknownSnapshot is returned by Load for a hash with no stored diff.
var ErrUnknownSnapshot = fmt.Errorf("statecompressor: unknown snapshot")
