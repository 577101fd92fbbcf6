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

// Package copier drains the queue of cache misses: each relative path is
// copied from the source tree into the cache atomically, and the fresh
// cache descriptor is spliced into every handle still open on that path.
package copier

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anaisbetts/vcachefs/internal/cache/index"
	"github.com/anaisbetts/vcachefs/internal/logger"
	"github.com/anaisbetts/vcachefs/internal/openfile"
	"github.com/anaisbetts/vcachefs/internal/stats"
	"golang.org/x/sys/unix"
)

// Copy buffer size. The quit flag is polled once per buffer, so this also
// bounds how much I/O an abort waits for.
const copyBufferSize = 4096

// How long the worker waits for queue items before running an eviction
// heartbeat.
const DefaultPopTimeout = 5 * time.Second

type Config struct {
	SourceRoot string
	CacheRoot  string

	// Eviction budget handed to Index.Reclaim on every heartbeat.
	MaxCacheBytes int64

	// Overridden in tests; zero means DefaultPopTimeout.
	PopTimeout time.Duration

	Table *openfile.Table
	Index *index.Index

	// May be nil.
	Stats *stats.Sink

	// The mount-wide cancellation signal, shared with the file system.
	Quit *atomic.Bool
}

// A Worker is the single background task that performs source→cache copies.
type Worker struct {
	cfg   Config
	queue *Queue
	wg    sync.WaitGroup
}

func NewWorker(cfg Config) *Worker {
	if cfg.PopTimeout == 0 {
		cfg.PopTimeout = DefaultPopTimeout
	}
	return &Worker{
		cfg:   cfg,
		queue: NewQueue(),
	}
}

// Enqueue schedules relPath for copying. Duplicates are fine; callers must
// not assume bounded queue delay.
func (w *Worker) Enqueue(relPath string) {
	w.queue.Push(relPath)
}

// Queue exposes the underlying queue for shutdown draining.
func (w *Worker) Queue() *Queue {
	return w.queue
}

// Start spawns the worker goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()
}

// Join blocks until the worker goroutine has exited.
func (w *Worker) Join() {
	w.wg.Wait()
}

func (w *Worker) run() {
	for !w.cfg.Quit.Load() {
		relPath, ok := w.queue.PopTimeout(w.cfg.PopTimeout)
		if !ok {
			if w.queue.Closed() {
				return
			}
			// Timed out; give eviction its heartbeat.
			w.cfg.Index.Reclaim(w.cfg.MaxCacheBytes)
			continue
		}

		if quit := w.copyOne(relPath); quit {
			return
		}
	}
}

// copyOne copies relPath into the cache and splices the result into live
// handles. Returns true iff the quit flag interrupted the copy, in which
// case the partial destination has been unlinked and the worker must exit.
func (w *Worker) copyOne(relPath string) (quit bool) {
	dest := filepath.Join(w.cfg.CacheRoot, relPath)

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		logger.Warnf("creating cache dir for %q: %v", relPath, err)
		return
	}

	src, err := os.Open(filepath.Join(w.cfg.SourceRoot, relPath))
	if err != nil {
		logger.Warnf("opening source %q: %v", relPath, err)
		return
	}
	defer src.Close()

	// Exclusive create: losing the race (or a duplicate enqueue) means the
	// file is already cached, so skip the copy but still run the splice.
	dst, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		existing, openErr := os.Open(dest)
		if openErr != nil {
			logger.Warnf("reopening cached %q: %v", relPath, openErr)
			return
		}
		w.splice(relPath, existing)
		existing.Close()
		return
	}
	if err != nil {
		logger.Warnf("creating cache file %q: %v", relPath, err)
		return
	}

	var copied int64
	buf := make([]byte, copyBufferSize)
	for {
		if w.cfg.Quit.Load() {
			dst.Close()
			os.Remove(dest)
			return true
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			wn, writeErr := dst.Write(buf[:n])
			if writeErr != nil || wn < n {
				logger.Warnf("writing cache file %q: %v", relPath, writeErr)
				dst.Close()
				os.Remove(dest)
				return
			}
			copied += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			logger.Warnf("reading source %q: %v", relPath, readErr)
			dst.Close()
			os.Remove(dest)
			return
		}
	}

	if _, err = dst.Seek(0, io.SeekStart); err != nil {
		logger.Warnf("rewinding cache file %q: %v", relPath, err)
		dst.Close()
		return
	}

	w.splice(relPath, dst)
	dst.Close()

	w.cfg.Index.NotifyAdded(dest)
	w.cfg.Stats.Record("copy", 0, copied, relPath)

	return
}

// splice hands every handle open on relPath its own duplicate of f, so that
// one handle closing its descriptor never disturbs another's. Runs under
// the table's writer lock; the dup is the only I/O performed there.
func (w *Worker) splice(relPath string, f *os.File) {
	w.cfg.Table.ForEachMatching(relPath, func(e *openfile.Entry) {
		dupFd, err := unix.Dup(int(f.Fd()))
		if err != nil {
			logger.Warnf("duplicating cache descriptor for %q: %v", relPath, err)
			return
		}
		e.SpliceCache(os.NewFile(uintptr(dupFd), f.Name()))
	})
}
