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

package openfile

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// An Entry is the per-open state for one handle: the descriptor on the
// source file, the descriptor on the cache copy once one exists, and a
// cursor per descriptor so that sequential reads can skip the seek.
//
// Entries are reference counted. The table holds one reference while the
// entry is indexed; every lookup takes another. When the count reaches zero
// both descriptors are closed and the entry must not be touched again.
type Entry struct {
	handle  uint64
	relPath string

	refs atomic.Int32

	mu sync.Mutex

	// GUARDED_BY(mu)
	source *os.File

	// GUARDED_BY(mu)
	sourceCursor int64

	// Nil until the copy worker splices a descriptor in (or open found the
	// file already cached).
	//
	// GUARDED_BY(mu)
	cache *os.File

	// GUARDED_BY(mu)
	cacheCursor int64
}

func newEntry(handle uint64, relPath string, source *os.File) *Entry {
	e := &Entry{
		handle:  handle,
		relPath: relPath,
		source:  source,
	}
	e.refs.Store(1)
	return e
}

// Handle returns the caller-visible handle number.
func (e *Entry) Handle() uint64 {
	return e.handle
}

// RelPath returns the source-relative path this entry was opened on.
// Immutable after creation.
func (e *Entry) RelPath() string {
	return e.relPath
}

// IncRef takes another reference.
func (e *Entry) IncRef() {
	if e.refs.Add(1) <= 1 {
		panic("openfile: IncRef on a dead entry")
	}
}

// DecRef drops a reference, closing both descriptors when the last one
// goes away.
func (e *Entry) DecRef() {
	n := e.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("openfile: DecRef underflow")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.source != nil {
		e.source.Close()
		e.source = nil
	}
	if e.cache != nil {
		e.cache.Close()
		e.cache = nil
	}
}

// SpliceCache installs f as the entry's cache descriptor, closing any prior
// one, and rewinds the cache cursor.
func (e *Entry) SpliceCache(f *os.File) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cache != nil {
		e.cache.Close()
	}
	e.cache = f
	e.cacheCursor = 0
}

// HasCache reports whether a cache descriptor is currently attached.
func (e *Entry) HasCache() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache != nil
}

// Read reads up to len(dst) bytes at the given offset, preferring the cache
// descriptor. hit reports whether the cache served the read. The cache
// descriptor is sampled once per call; a read racing a splice may still be
// served from the source.
func (e *Entry) Read(dst []byte, offset int64) (n int, hit bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cache != nil {
		n, err = positionedRead(e.cache, &e.cacheCursor, dst, offset)
		if err == nil {
			hit = true
			return
		}
	}

	n, err = positionedRead(e.source, &e.sourceCursor, dst, offset)
	return
}

// positionedRead reads at offset, seeking first only when the cursor
// disagrees. Sequential reads, the common case for streaming, never pay for
// the extra syscall. End of file is reported as a zero-byte success.
func positionedRead(f *os.File, cursor *int64, dst []byte, offset int64) (n int, err error) {
	if *cursor != offset {
		if _, err = f.Seek(offset, io.SeekStart); err != nil {
			return
		}
	}

	n, err = f.Read(dst)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		// Descriptor position is unknown now; force a seek next time.
		*cursor = -1
		return
	}

	*cursor = offset + int64(n)
	return
}
