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

// Package roommutex provides a keyed per-room advisory lock, sharded by a
// hash of the room ID so that lock-holder lookups for unrelated rooms
// usually land on different stripes (two rooms can still share one). Two independent Map instances are expected to exist in a running
// server: one serializing state transitions, one serializing the whole
// federation-inbound pipeline for a room (spec.md §4.9).
package roommutex

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 16

// Map is a keyed mutex map over room IDs. Lock holders may suspend on I/O
// while holding a room's lock; acquisition is fair in the sense that Go's
// sync.Mutex already guarantees (FIFO-ish under contention, no starvation
// within a shard).
type Map struct {
	shards [shardCount]shard
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMap constructs an empty Map.
func NewMap() *Map {
	m := &Map{}
	for i := range m.shards {
		m.shards[i].locks = map[string]*sync.Mutex{}
	}
	return m
}

func (m *Map) shardFor(roomID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &m.shards[h.Sum32()%shardCount]
}

func (m *Map) mutexFor(roomID string) *sync.Mutex {
	s := m.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[roomID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[roomID] = mu
	}
	return mu
}

// Lock acquires the advisory lock for roomID, blocking until it is held or
// ctx is cancelled.
func (m *Map) Lock(ctx context.Context, roomID string) error {
	mu := m.mutexFor(roomID)
	done := make(chan struct{})
	go func() {
		mu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The goroutine above will still acquire the lock eventually and
		// leak it held forever unless we release it once acquired; spawn
		// a releaser so we don't deadlock a future Lock call on this room.
		go func() {
			<-done
			mu.Unlock()
		}()
		return ctx.Err()
	}
}

// Unlock releases the advisory lock for roomID. Must be called exactly
// once per successful Lock.
func (m *Map) Unlock(roomID string) {
	m.mutexFor(roomID).Unlock()
}

// WithLock runs fn while holding roomID's lock, releasing it afterward
// regardless of outcome.
func (m *Map) WithLock(ctx context.Context, roomID string, fn func() error) error {
	if err := m.Lock(ctx, roomID); err != nil {
		return err
	}
	defer m.Unlock(roomID)
	return fn()
}
