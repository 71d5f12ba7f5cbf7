// Copyright 2017 Vector Creations Ltd
// Copyright 2018 New Vector Ltd
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

// Package kv provides an ordered byte-key/byte-value store abstraction over
// an embedded bbolt database: named tables, prefix iteration, atomic
// multi-put batches ("cork"), and a single process-global monotonic
// counter.
package kv

import (
	"bytes"
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Separator is the single reserved byte used to join variable-length key
// fields. Persisted multi-field keys never contain it except as a
// delimiter.
const Separator = 0xFF

// countBucket holds the process-global monotonic counter as the bucket's
// own sequence number (see NextCount); countKey is not used.
var (
	countBucket = []byte("_global")
	countKey    = []byte("count")
)

// KeyValue is a single row returned by an iteration.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// Store is an ordered KV store with named tables ("buckets" in bbolt
// terms). All methods are safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt-backed store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv.Open: %w", err)
	}
	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(countBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv.Open: initialising counter bucket: %w", err)
	}
	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureTable creates the named bucket if it does not already exist. Must
// be called once per table before first use (normally during component
// construction).
func (s *Store) EnsureTable(table string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(table))
		return err
	})
}

// Get returns the value stored under key in table, or (nil, false) if
// absent.
func (s *Store) Get(_ context.Context, table string, key []byte) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		v := b.Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("kv.Get(%s): %w", table, err)
	}
	return out, out != nil, nil
}

// Put writes a single key/value pair to table.
func (s *Store) Put(_ context.Context, table string, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

// Delete removes key from table. Deletes may lag behind concurrent
// iterators per the adapter contract; bbolt's MVCC snapshot semantics
// already give us that for free.
func (s *Store) Delete(_ context.Context, table string, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}

// Write is one operation inside a Cork batch.
type Write struct {
	Table  string
	Key    []byte
	Value  []byte // nil means delete
	Delete bool
}

// PutOp constructs a Write that puts value under key in table.
func PutOp(table string, key, value []byte) Write {
	return Write{Table: table, Key: key, Value: value}
}

// DeleteOp constructs a Write that deletes key from table.
func DeleteOp(table string, key []byte) Write {
	return Write{Table: table, Key: key, Delete: true}
}

// Cork applies all writes atomically in a single bbolt transaction. Either
// every write lands or none do.
func (s *Store) Cork(_ context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, w := range writes {
			b, err := tx.CreateBucketIfNotExists([]byte(w.Table))
			if err != nil {
				return err
			}
			if w.Delete {
				if err := b.Delete(w.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(w.Key, w.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// NextCount returns a freshly allocated value from the single
// process-global monotonic counter. Never reused, never decreasing.
func (s *Store) NextCount() (uint64, error) {
	var n uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(countBucket)
		next, err := b.NextSequence()
		if err != nil {
			return err
		}
		n = next
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("kv.NextCount: %w", err)
	}
	return n, nil
}

// Direction controls the order of a prefix scan.
type Direction int

const (
	// Ascending iterates from the first key with the given prefix upward.
	Ascending Direction = iota
	// Descending iterates from the last key with the given prefix downward.
	Descending
)

// PrefixScan iterates every key/value pair in table whose key begins with
// prefix, in the requested direction, calling fn for each until fn returns
// false or iteration is exhausted. The scan observes a single consistent
// bbolt read transaction snapshot for its whole duration.
func (s *Store) PrefixScan(_ context.Context, table string, prefix []byte, dir Direction, fn func(k, v []byte) (bool, error)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var k, v []byte
		if dir == Ascending {
			k, v = c.Seek(prefix)
		} else {
			// Seek to the first key past the prefix range, then step back
			// one to land inside it (or at the end of the bucket).
			upper := prefixUpperBound(prefix)
			if upper == nil {
				k, v = c.Last()
			} else {
				k, v = c.Seek(upper)
				if k == nil {
					k, v = c.Last()
				} else {
					k, v = c.Prev()
				}
			}
		}
		for k != nil && bytes.HasPrefix(k, prefix) {
			cont, err := fn(append([]byte(nil), k...), append([]byte(nil), v...))
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
			if dir == Ascending {
				k, v = c.Next()
			} else {
				k, v = c.Prev()
			}
		}
		return nil
	})
}

// prefixUpperBound returns the smallest key that sorts strictly after every
// key with the given prefix, or nil if prefix is all 0xFF bytes (in which
// case there is no finite upper bound within the key space).
func prefixUpperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xFF {
			up[i]++
			return up[:i+1]
		}
	}
	return nil
}

// Key joins parts with the reserved Separator byte, matching the
// persisted-table convention in SPEC_FULL.md §6.
func Key(parts ...[]byte) []byte {
	total := 0
	for i, p := range parts {
		total += len(p)
		if i > 0 {
			total++
		}
	}
	out := make([]byte, 0, total)
	for i, p := range parts {
		if i > 0 {
			out = append(out, Separator)
		}
		out = append(out, p...)
	}
	return out
}

// SplitKey is the inverse of Key for a key known to have exactly n fields.
func SplitKey(key []byte, n int) ([][]byte, error) {
	parts := bytes.SplitN(key, []byte{Separator}, n)
	if len(parts) != n {
		return nil, fmt.Errorf("kv.SplitKey: expected %d fields, got %d", n, len(parts))
	}
	return parts, nil
}
