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

// Package index maintains an mtime-ordered view of every regular file
// beneath the cache root, answers size queries, and evicts the oldest
// evictable files to keep the cache under its byte budget.
package index

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/anaisbetts/vcachefs/internal/locker"
	"github.com/anaisbetts/vcachefs/internal/logger"
)

// CanDeleteFunc answers whether the file at the given absolute path may be
// unlinked. The file system injects a predicate backed by the open-file
// table, so files with a live handle are never evicted.
//
// The predicate is called with the index lock held; implementations must not
// call back into the index.
type CanDeleteFunc func(absPath string) bool

// An Entry describes one regular file beneath the cache root.
type Entry struct {
	// Absolute path within the cache root.
	Path string

	// Modification time at indexing time. Entries restored by LoadState
	// carry second precision only.
	Mtime time.Time

	// File size in bytes at indexing time. Authoritative for the running
	// total; only refreshed by a re-scan or NotifyAdded.
	Size int64
}

// An Index is the mtime-descending set of files under a cache root.
//
// Eviction consumes the tail, so the oldest files go first. Ties on equal
// mtime keep insertion order: a new entry is placed after every entry whose
// mtime is greater than or equal to its own.
type Index struct {
	root      string
	canDelete CanDeleteFunc

	mu locker.RWLocker

	// INVARIANT: For each i < j, !entries[i].Mtime.Before(entries[j].Mtime)
	//
	// GUARDED_BY(mu)
	entries []*Entry
}

// New builds an index by scanning the given cache root recursively. Symlinks
// and other non-regular files are skipped, as are unreadable directories. A
// missing root yields an empty index.
func New(root string, canDelete CanDeleteFunc) *Index {
	idx := &Index{
		root:      root,
		canDelete: canDelete,
	}
	idx.mu = locker.NewRW("CacheIndex", idx.checkInvariants)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.rebuildLocked()

	return idx
}

// LOCKS_REQUIRED(idx.mu)
func (idx *Index) checkInvariants() {
	for i := 1; i < len(idx.entries); i++ {
		if idx.entries[i-1].Mtime.Before(idx.entries[i].Mtime) {
			panic(fmt.Sprintf(
				"index out of order at %d: %v before %v",
				i,
				idx.entries[i-1].Mtime,
				idx.entries[i].Mtime))
		}
	}
}

// newEntry stats the file and returns an entry for it, or nil if the path
// can't be stat'd or is not a regular file.
func newEntry(absPath string) *Entry {
	fi, err := os.Lstat(absPath)
	if err != nil || !fi.Mode().IsRegular() {
		return nil
	}

	return &Entry{
		Path:  absPath,
		Mtime: fi.ModTime(),
		Size:  fi.Size(),
	}
}

// LOCKS_REQUIRED(idx.mu)
func (idx *Index) insertLocked(e *Entry) {
	// Find the first strictly-older position; equal mtimes stay ahead of the
	// newcomer so that insertion order breaks the tie.
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Mtime.Before(e.Mtime)
	})

	idx.entries = append(idx.entries, nil)
	copy(idx.entries[i+1:], idx.entries[i:])
	idx.entries[i] = e
}

// LOCKS_REQUIRED(idx.mu)
func (idx *Index) rebuildLocked() {
	var entries []*Entry
	_ = filepath.WalkDir(idx.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable directory or racing unlink; skip it.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if e := newEntry(path); e != nil {
			entries = append(entries, e)
		}
		return nil
	})

	// WalkDir yields lexical order; re-sort by mtime descending, stably so
	// that scan order breaks ties.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[j].Mtime.Before(entries[i].Mtime)
	})
	idx.entries = entries
}

// TotalSize returns the sum of sizes of all indexed files.
//
// LOCKS_EXCLUDED(idx.mu)
func (idx *Index) TotalSize() (total int64) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalSizeLocked()
}

// LOCKS_REQUIRED(idx.mu)
func (idx *Index) totalSizeLocked() (total int64) {
	for _, e := range idx.entries {
		total += e.Size
	}
	return
}

// Len returns the number of indexed files.
//
// LOCKS_EXCLUDED(idx.mu)
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Snapshot returns a copy of the entries in mtime-descending order.
//
// LOCKS_EXCLUDED(idx.mu)
func (idx *Index) Snapshot() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	entries := make([]Entry, len(idx.entries))
	for i, e := range idx.entries {
		entries[i] = *e
	}
	return entries
}

// NotifyAdded tells the index that a file appeared (or was rewritten)
// beneath the cache root. No-op if the path can't be stat'd or is not a
// regular file.
//
// LOCKS_EXCLUDED(idx.mu)
func (idx *Index) NotifyAdded(absPath string) {
	e := newEntry(absPath)
	if e == nil {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.insertLocked(e)
}

// Touch removes the entry for absPath from the index, so that it is no
// longer an eviction candidate while a caller holds interest in it. The file
// is re-indexed when the copy worker re-notifies, or on the next restart.
//
// LOCKS_EXCLUDED(idx.mu)
func (idx *Index) Touch(absPath string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i, e := range idx.entries {
		if e.Path == absPath {
			idx.entries = append(idx.entries[:i], idx.entries[i+1:]...)
			return
		}
	}
}

// Reclaim evicts the oldest evictable files until the total indexed size is
// at most maxBytes, returning the number of bytes freed. Files refused by
// the CanDeleteFunc are skipped for this call. Unlink failure is non-fatal:
// the entry is still dropped from the index, since the on-disk state is no
// longer authoritative to us.
//
// LOCKS_EXCLUDED(idx.mu)
func (idx *Index) Reclaim(maxBytes int64) (freed int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	total := idx.totalSizeLocked()
	if total <= maxBytes {
		return 0
	}
	need := total - maxBytes

	// Walk the tail, oldest first.
	kept := idx.entries
	for i := len(idx.entries) - 1; i >= 0 && freed < need; i-- {
		e := idx.entries[i]
		if !idx.canDelete(e.Path) {
			continue
		}

		if err := os.Remove(e.Path); err != nil {
			logger.Warnf("evicting %q: %v", e.Path, err)
		}
		freed += e.Size
		kept = append(kept[:i], kept[i+1:]...)
	}
	idx.entries = kept

	return
}
