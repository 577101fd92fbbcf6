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

package copier

import (
	"bytes"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anaisbetts/vcachefs/internal/cache/index"
	"github.com/anaisbetts/vcachefs/internal/openfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type WorkerTest struct {
	suite.Suite

	sourceRoot string
	cacheRoot  string
	table      *openfile.Table
	index      *index.Index
	worker     *Worker
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerTest))
}

func (t *WorkerTest) SetupTest() {
	t.sourceRoot = t.T().TempDir()
	t.cacheRoot = t.T().TempDir()
	t.table = openfile.NewTable()
	t.index = index.New(t.cacheRoot, func(string) bool { return true })
	t.worker = NewWorker(Config{
		SourceRoot:    t.sourceRoot,
		CacheRoot:     t.cacheRoot,
		MaxCacheBytes: 1 << 20,
		PopTimeout:    20 * time.Millisecond,
		Table:         t.table,
		Index:         t.index,
		Quit:          new(atomic.Bool),
	})
}

func (t *WorkerTest) TearDownTest() {
	t.worker.cfg.Quit.Store(true)
	t.worker.Queue().Close()
	t.worker.Join()
}

// createSourceFile writes contents beneath the source root.
func (t *WorkerTest) createSourceFile(relPath string, contents []byte) {
	p := filepath.Join(t.sourceRoot, relPath)
	require.NoError(t.T(), os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t.T(), os.WriteFile(p, contents, 0644))
}

// openEntry registers a handle entry for relPath, as open() would.
func (t *WorkerTest) openEntry(relPath string) *openfile.Entry {
	f, err := os.Open(filepath.Join(t.sourceRoot, relPath))
	require.NoError(t.T(), err)
	return t.table.Insert(relPath, f)
}

// eventually polls cond until it holds or the deadline passes.
func (t *WorkerTest) eventually(cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.T().Fatal("condition never held")
}

func (t *WorkerTest) TestCopyFillsCacheAndSplicesLiveHandles() {
	contents := bytes.Repeat([]byte{0xAA}, 4096)
	t.createSourceFile("media/a", contents)
	entry := t.openEntry("media/a")

	t.worker.Start()
	t.worker.Enqueue("media/a")

	t.eventually(entry.HasCache)

	// The cache copy is a byte-for-byte mirror.
	cached, err := os.ReadFile(filepath.Join(t.cacheRoot, "media", "a"))
	require.NoError(t.T(), err)
	assert.Equal(t.T(), contents, cached)

	// The index heard about it.
	t.eventually(func() bool { return t.index.Len() == 1 })
	assert.EqualValues(t.T(), 4096, t.index.TotalSize())

	// Reads on the live handle now hit the cache.
	buf := make([]byte, 4096)
	n, hit, err := entry.Read(buf, 0)
	require.NoError(t.T(), err)
	assert.True(t.T(), hit)
	assert.Equal(t.T(), contents, buf[:n])
}

func (t *WorkerTest) TestDuplicateEnqueueIsIdempotent() {
	t.createSourceFile("a", []byte("payload"))
	e1 := t.openEntry("a")
	e2 := t.openEntry("a")

	t.worker.Start()
	t.worker.Enqueue("a")
	t.worker.Enqueue("a")

	t.eventually(func() bool { return e1.HasCache() && e2.HasCache() })
	t.eventually(func() bool { return t.worker.Queue().Len() == 0 })

	// Exactly one cache file, indexed exactly once.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t.T(), 1, t.index.Len())

	// Each handle owns its own descriptor: releasing one must not break the
	// other's fast path.
	t.table.Remove(e1.Handle()).DecRef()
	buf := make([]byte, 16)
	n, hit, err := e2.Read(buf, 0)
	require.NoError(t.T(), err)
	assert.True(t.T(), hit)
	assert.Equal(t.T(), "payload", string(buf[:n]))
}

func (t *WorkerTest) TestExistingDestinationSkipsCopyButSplices() {
	t.createSourceFile("a", []byte("from the source"))

	// Pre-populate the cache with different bytes so we can tell which copy
	// serves the read.
	require.NoError(t.T(), os.WriteFile(filepath.Join(t.cacheRoot, "a"), []byte("already present"), 0644))
	t.index.NotifyAdded(filepath.Join(t.cacheRoot, "a"))

	entry := t.openEntry("a")

	t.worker.Start()
	t.worker.Enqueue("a")

	t.eventually(entry.HasCache)

	buf := make([]byte, 32)
	n, hit, err := entry.Read(buf, 0)
	require.NoError(t.T(), err)
	assert.True(t.T(), hit)
	assert.Equal(t.T(), "already present", string(buf[:n]))

	// No second NotifyAdded.
	assert.Equal(t.T(), 1, t.index.Len())
}

func (t *WorkerTest) TestMissingSourceIsDroppedAndTheWorkerMovesOn() {
	t.createSourceFile("real", []byte("real"))
	entry := t.openEntry("real")

	t.worker.Start()
	t.worker.Enqueue("ghost")
	t.worker.Enqueue("real")

	t.eventually(entry.HasCache)

	_, err := os.Stat(filepath.Join(t.cacheRoot, "ghost"))
	assert.True(t.T(), os.IsNotExist(err))
}

func (t *WorkerTest) TestQuitDuringCopyUnlinksThePartialFile() {
	t.createSourceFile("big", bytes.Repeat([]byte{0x55}, 1<<20))

	// Set the quit flag first; copyOne must notice it on the first buffer
	// iteration, abort, and unlink the partial destination.
	t.worker.cfg.Quit.Store(true)
	quit := t.worker.copyOne("big")

	assert.True(t.T(), quit)
	_, err := os.Stat(filepath.Join(t.cacheRoot, "big"))
	assert.True(t.T(), os.IsNotExist(err))
}

func (t *WorkerTest) TestHeartbeatEvictsWhenOverBudget() {
	// Ten files over a tiny budget, none of them open.
	for i := 0; i < 10; i++ {
		p := filepath.Join(t.cacheRoot, string(rune('a'+i)))
		require.NoError(t.T(), os.WriteFile(p, make([]byte, 1024), 0644))
		mtime := time.Now().Add(time.Duration(i-20) * time.Minute)
		require.NoError(t.T(), os.Chtimes(p, mtime, mtime))
	}
	t.index = index.New(t.cacheRoot, func(string) bool { return true })
	t.worker = NewWorker(Config{
		SourceRoot:    t.sourceRoot,
		CacheRoot:     t.cacheRoot,
		MaxCacheBytes: 4 * 1024,
		PopTimeout:    10 * time.Millisecond,
		Table:         t.table,
		Index:         t.index,
		Quit:          new(atomic.Bool),
	})

	t.worker.Start()

	// With no queue traffic, the timed pop's heartbeat must bring the cache
	// under budget on its own.
	t.eventually(func() bool { return t.index.TotalSize() <= 4*1024 })
	assert.Equal(t.T(), 4, t.index.Len())
}
