// Copyright 2024 Paul Betts. All Rights Reserved.
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

// Package openfile is the table of open handles: per-open source and cache
// descriptors, indexed both by handle and by source-relative path.
package openfile

import (
	"fmt"
	"os"

	"github.com/anaisbetts/vcachefs/internal/locker"
)

// Handles start here so they can never collide with the reserved descriptor
// numbers 0-3.
const firstHandle = 4

// A Table indexes open entries by handle and by relative path. Both indices
// always hold exactly the same entries; they are mutated in lockstep under
// one writer lock. Several concurrent opens of the same path are legal, so
// the path index is a multimap.
type Table struct {
	mu locker.RWLocker

	// INVARIANT: For each v in byHandle, byPath[v.relPath] contains v
	// INVARIANT: For each v in any byPath slice, byHandle[v.handle] == v
	// INVARIANT: For each v, v.refs >= 1
	//
	// GUARDED_BY(mu)
	byHandle map[uint64]*Entry

	// GUARDED_BY(mu)
	byPath map[string][]*Entry

	// Monotonic; handles are never reused within a mount.
	//
	// INVARIANT: For all keys k in byHandle, k < nextHandle
	//
	// GUARDED_BY(mu)
	nextHandle uint64
}

func NewTable() *Table {
	t := &Table{
		byHandle:   make(map[uint64]*Entry),
		byPath:     make(map[string][]*Entry),
		nextHandle: firstHandle,
	}
	t.mu = locker.NewRW("OpenFileTable", t.checkInvariants)
	return t
}

// LOCKS_REQUIRED(t.mu)
func (t *Table) checkInvariants() {
	for h, e := range t.byHandle {
		if h != e.handle {
			panic(fmt.Sprintf("handle mismatch: %d vs. %d", h, e.handle))
		}
		if h >= t.nextHandle {
			panic(fmt.Sprintf("illegal handle: %d", h))
		}
		found := false
		for _, other := range t.byPath[e.relPath] {
			if other == e {
				found = true
			}
		}
		if !found {
			panic(fmt.Sprintf("entry %d missing from path index %q", h, e.relPath))
		}
	}

	for p, entries := range t.byPath {
		if len(entries) == 0 {
			panic(fmt.Sprintf("empty path index slot %q", p))
		}
		for _, e := range entries {
			if t.byHandle[e.handle] != e {
				panic(fmt.Sprintf("entry %q/%d missing from handle index", p, e.handle))
			}
			if n := e.refs.Load(); n < 1 {
				panic(fmt.Sprintf("indexed entry %d has refcount %d", e.handle, n))
			}
		}
	}
}

// Insert creates an entry for a fresh open of relPath, taking ownership of
// source, and indexes it under a newly allocated handle. The returned entry
// carries the table's own reference; callers finishing the open may use it
// without a further IncRef, since the kernel cannot release a handle it has
// not been given yet.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Insert(relPath string, source *os.File) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := newEntry(t.nextHandle, relPath, source)
	t.nextHandle++

	t.byHandle[e.handle] = e
	t.byPath[relPath] = append(t.byPath[relPath], e)

	return e
}

// LookupByHandle returns the entry for h with an extra reference, or nil.
// The caller owns a DecRef.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) LookupByHandle(h uint64) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e := t.byHandle[h]
	if e == nil {
		return nil
	}
	e.IncRef()
	return e
}

// LookupByPath applies pred to each entry open on relPath until one
// matches. With a nil pred it answers "is any handle open on this path?",
// which is exactly what the evictability oracle wants.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) LookupByPath(relPath string, pred func(*Entry) bool) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, e := range t.byPath[relPath] {
		if pred == nil || pred(e) {
			return true
		}
	}
	return false
}

// ForEachMatching invokes fn on every entry open on relPath, under the
// writer lock so no entry can be removed concurrently. fn must not call
// back into the table.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) ForEachMatching(relPath string, fn func(*Entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.byPath[relPath] {
		fn(e)
	}
}

// Remove detaches the entry for h from both indices and returns it, or nil
// if h is unknown. The caller must DecRef the result to drop the table's
// membership reference; descriptors close when the final borrow ends.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Remove(h uint64) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.byHandle[h]
	if e == nil {
		return nil
	}
	delete(t.byHandle, h)

	entries := t.byPath[e.relPath]
	for i, other := range entries {
		if other == e {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(t.byPath, e.relPath)
	} else {
		t.byPath[e.relPath] = entries
	}

	return e
}

// Handles returns a snapshot of all live handle numbers. Used at shutdown
// to release whatever the kernel never got around to releasing.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Handles() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	handles := make([]uint64, 0, len(t.byHandle))
	for h := range t.byHandle {
		handles = append(handles, h)
	}
	return handles
}

// Len returns the number of indexed entries.
//
// LOCKS_EXCLUDED(t.mu)
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byHandle)
}
