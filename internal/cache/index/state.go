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

package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/anaisbetts/vcachefs/internal/logger"
)

// Each saved record is a little-endian header followed by a NUL-terminated
// path:
//
//	tag        uint32
//	recordSize uint64  (header bytes plus the NUL-terminated path)
//	mtime      int64   (Unix seconds)
//	size       uint64
//	path       …\x00
const recordTag = 0x74496143

const recordHeaderSize = 4 + 8 + 8 + 8

type recordHeader struct {
	Tag        uint32
	RecordSize uint64
	Mtime      int64
	Size       uint64
}

func writeRecord(w io.Writer, e *Entry) (err error) {
	h := recordHeader{
		Tag:        recordTag,
		RecordSize: uint64(recordHeaderSize + len(e.Path) + 1),
		Mtime:      e.Mtime.Unix(),
		Size:       uint64(e.Size),
	}

	var buf [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:], h.Tag)
	binary.LittleEndian.PutUint64(buf[4:], h.RecordSize)
	binary.LittleEndian.PutUint64(buf[12:], uint64(h.Mtime))
	binary.LittleEndian.PutUint64(buf[20:], h.Size)

	if _, err = w.Write(buf[:]); err != nil {
		return
	}
	if _, err = w.Write([]byte(e.Path)); err != nil {
		return
	}
	_, err = w.Write([]byte{0})
	return
}

var errBadRecord = errors.New("malformed cache index record")

// readRecord returns io.EOF at a clean end of stream and errBadRecord for
// anything that fails the sanity checks.
func readRecord(r io.Reader) (e *Entry, err error) {
	var buf [recordHeaderSize]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		if err != io.EOF {
			err = errBadRecord
		}
		return
	}

	h := recordHeader{
		Tag:        binary.LittleEndian.Uint32(buf[0:]),
		RecordSize: binary.LittleEndian.Uint64(buf[4:]),
		Mtime:      int64(binary.LittleEndian.Uint64(buf[12:])),
		Size:       binary.LittleEndian.Uint64(buf[20:]),
	}

	// Paths are bounded by PATH_MAX; anything larger is garbage.
	if h.Tag != recordTag || h.RecordSize <= recordHeaderSize ||
		h.RecordSize > recordHeaderSize+4096 {
		err = errBadRecord
		return
	}

	pathBytes := make([]byte, h.RecordSize-recordHeaderSize)
	if _, err = io.ReadFull(r, pathBytes); err != nil {
		err = errBadRecord
		return
	}
	if pathBytes[len(pathBytes)-1] != 0 {
		err = errBadRecord
		return
	}

	e = &Entry{
		Path:  string(pathBytes[:len(pathBytes)-1]),
		Mtime: time.Unix(h.Mtime, 0),
		Size:  int64(h.Size),
	}
	return
}

// SaveState writes the index to path as a record stream. I/O errors surface
// to the caller.
//
// LOCKS_EXCLUDED(idx.mu)
func (idx *Index) SaveState(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating index state: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
	}()

	w := bufio.NewWriter(f)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for _, e := range idx.entries {
		if err = writeRecord(w, e); err != nil {
			return fmt.Errorf("writing index state: %w", err)
		}
	}

	return w.Flush()
}

// LoadState discards the in-memory index and replaces it with the contents
// of the record file at path. A record with a bad tag or an impossible size
// aborts the load and leaves the index empty; corruption is not a hard
// error.
//
// LOCKS_EXCLUDED(idx.mu)
func (idx *Index) LoadState(path string) (err error) {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening index state: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var entries []*Entry
	for {
		var e *Entry
		e, err = readRecord(r)
		if err == io.EOF {
			err = nil
			break
		}
		if err != nil {
			logger.Warnf("cache index state %q is corrupt; starting empty", path)
			entries = nil
			err = nil
			break
		}
		entries = append(entries, e)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries = nil
	for _, e := range entries {
		idx.insertLocked(e)
	}

	return
}
