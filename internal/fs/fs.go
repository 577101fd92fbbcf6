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

// Package fs exposes a source directory as a read-only fuse file system,
// transparently populating a bounded local cache so that repeated reads of
// large files stop paying for the slow source.
package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anaisbetts/vcachefs/internal/cache/index"
	"github.com/anaisbetts/vcachefs/internal/copier"
	"github.com/anaisbetts/vcachefs/internal/logger"
	"github.com/anaisbetts/vcachefs/internal/openfile"
	"github.com/anaisbetts/vcachefs/internal/stats"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// How long Destroy may run before the watchdog concludes that a remote
// source has wedged a syscall and kills the process group. There is no safe
// way to interrupt a blocked remote-filesystem call, so exiting is the
// failure model.
const shutdownFuse = 15 * time.Second

// How long the kernel may cache entries and attributes. The source is
// assumed not to mutate underneath us, so this is purely a syscall saver.
const attrCacheTTL = time.Minute

type ServerConfig struct {
	// A clock used for statistics timestamps and attribute expiration.
	Clock timeutil.Clock

	// The directory tree being mirrored. Must exist.
	SourceRoot string

	// Where cached copies are materialized. Created if absent.
	CacheRoot string

	// Eviction budget, in bytes.
	MaxCacheBytes int64

	// When set, the cache layer is bypassed entirely: open never probes or
	// fills the cache and every read is served from the source. Exists to
	// measure baseline behavior.
	PassThrough bool

	// If non-empty, the cache index is loaded from this file at startup and
	// saved back at destroy time.
	StateFile string

	// If non-empty, open a CSV statistics sink at this path.
	StatsFile string

	// Override for the copy worker's queue timeout. Zero means the default.
	CopyPopTimeout time.Duration

	// The UID and GID owning all inodes; -1 passes the source's ownership
	// through unchanged.
	Uid int64
	Gid int64

	// Permission bits overriding the source's; zero passes through.
	FilePerms os.FileMode
	DirPerms  os.FileMode
}

// NewServer creates a fuse file system server according to the supplied
// configuration. The server owns a running copy worker; unmounting (or
// calling Destroy) shuts it down.
func NewServer(cfg *ServerConfig) (server fuse.Server, err error) {
	fs, err := newFileSystem(cfg)
	if err != nil {
		return
	}

	server = fuseutil.NewFileSystemServer(fs)
	return
}

func newFileSystem(cfg *ServerConfig) (fs *fileSystem, err error) {
	// Check permission bits.
	if cfg.FilePerms&^os.ModePerm != 0 {
		err = fmt.Errorf("illegal file perms: %v", cfg.FilePerms)
		return
	}

	if cfg.DirPerms&^os.ModePerm != 0 {
		err = fmt.Errorf("illegal dir perms: %v", cfg.DirPerms)
		return
	}

	if fi, statErr := os.Stat(cfg.SourceRoot); statErr != nil || !fi.IsDir() {
		err = fmt.Errorf("source root %q is not a directory", cfg.SourceRoot)
		return
	}

	if err = os.MkdirAll(cfg.CacheRoot, 0755); err != nil {
		err = fmt.Errorf("creating cache root: %w", err)
		return
	}

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	// Set up the basic struct.
	fs = &fileSystem{
		clock:         clock,
		sourceRoot:    cfg.SourceRoot,
		cacheRoot:     cfg.CacheRoot,
		maxCacheBytes: cfg.MaxCacheBytes,
		passThrough:   cfg.PassThrough,
		stateFile:     cfg.StateFile,
		uid:           cfg.Uid,
		gid:           cfg.Gid,
		fileMode:      cfg.FilePerms,
		dirMode:       cfg.DirPerms,
		table:         openfile.NewTable(),
		inodes:        make(map[fuseops.InodeID]*inodeRecord),
		inodeByPath:   make(map[string]fuseops.InodeID),
		nextInodeID:   fuseops.RootInodeID + 1,
		dirHandles:    make(map[fuseops.HandleID]*dirHandle),
		nextDirHandle: 1,
	}

	// The root is always inode 1 with the empty relative path.
	root := &inodeRecord{id: fuseops.RootInodeID, relPath: "", nlookup: 1}
	fs.inodes[root.id] = root
	fs.inodeByPath[root.relPath] = root.id

	// The evictability oracle: a cache file may be deleted iff no handle is
	// currently open on its relative path. Takes the open-file table's
	// reader lock only; never the other direction.
	canDelete := func(absPath string) bool {
		rel, relErr := filepath.Rel(fs.cacheRoot, absPath)
		if relErr != nil {
			return false
		}
		return !fs.table.LookupByPath(filepath.ToSlash(rel), nil)
	}

	fs.cacheIndex = index.New(fs.cacheRoot, canDelete)
	if fs.stateFile != "" {
		if _, statErr := os.Stat(fs.stateFile); statErr == nil {
			if loadErr := fs.cacheIndex.LoadState(fs.stateFile); loadErr != nil {
				logger.Warnf("loading cache index state: %v", loadErr)
			}
		}
	}

	if cfg.StatsFile != "" {
		fs.sink, err = stats.Open(cfg.StatsFile, clock)
		if err != nil {
			return
		}
	}

	// Set up invariant checking.
	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)

	// Spawn the copy worker.
	fs.worker = copier.NewWorker(copier.Config{
		SourceRoot:    fs.sourceRoot,
		CacheRoot:     fs.cacheRoot,
		MaxCacheBytes: fs.maxCacheBytes,
		PopTimeout:    cfg.CopyPopTimeout,
		Table:         fs.table,
		Index:         fs.cacheIndex,
		Stats:         fs.sink,
		Quit:          &fs.quit,
	})
	fs.worker.Start()

	return
}

////////////////////////////////////////////////////////////////////////
// fileSystem type
////////////////////////////////////////////////////////////////////////

// LOCK ORDERING
//
// The file system lock fs.mu guards only the inode and directory handle
// registries. The open-file table and the cache index have their own locks;
// neither is ever acquired while fs.mu is held. Between those two: eviction
// holds the cache index lock and consults the open-file table's reader lock
// through the oracle; the copy worker's splice holds only the table's
// writer lock. The order is acyclic, so there is no deadlock.

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock      timeutil.Clock
	table      *openfile.Table
	cacheIndex *index.Index
	worker     *copier.Worker
	sink       *stats.Sink

	/////////////////////////
	// Constant data
	/////////////////////////

	sourceRoot    string
	cacheRoot     string
	maxCacheBytes int64
	passThrough   bool
	stateFile     string

	uid int64
	gid int64

	fileMode os.FileMode
	dirMode  os.FileMode

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Set once at the start of destruction. From then on StatFS, LookUpInode,
	// GetInodeAttributes, OpenFile, ReadFile, Access and OpenDir fail with
	// EIO; ReadDir, ReleaseDirHandle, ReleaseFileHandle and ForgetInode do
	// not check it.
	quit atomic.Bool

	destroyOnce sync.Once

	// A lock protecting the inode and directory handle registries below.
	mu syncutil.InvariantMutex

	// The next inode ID to hand out. We assume that this will never
	// overflow.
	//
	// INVARIANT: For all keys k in inodes, fuseops.RootInodeID <= k < nextInodeID
	//
	// GUARDED_BY(mu)
	nextInodeID fuseops.InodeID

	// The live inodes, keyed by ID and by source-relative path. The two
	// maps always contain the same records.
	//
	// INVARIANT: For all k/v, v.id == k
	// INVARIANT: For all k/v, inodeByPath[v.relPath] == k
	// INVARIANT: inodes[fuseops.RootInodeID] is present with relPath ""
	//
	// GUARDED_BY(mu)
	inodes map[fuseops.InodeID]*inodeRecord

	// INVARIANT: For each k/v, inodes[v].relPath == k
	//
	// GUARDED_BY(mu)
	inodeByPath map[string]fuseops.InodeID

	// Open directory handles.
	//
	// GUARDED_BY(mu)
	dirHandles map[fuseops.HandleID]*dirHandle

	// GUARDED_BY(mu)
	nextDirHandle fuseops.HandleID
}

// One name in the source tree that the kernel knows about. relPath is ""
// for the root, otherwise slash-separated and relative to the source root.
type inodeRecord struct {
	id      fuseops.InodeID
	relPath string
	nlookup uint64
}

func (fs *fileSystem) checkInvariants() {
	// INVARIANT: For all keys k in inodes, fuseops.RootInodeID <= k < nextInodeID
	for id := range fs.inodes {
		if id < fuseops.RootInodeID || id >= fs.nextInodeID {
			panic(fmt.Sprintf("illegal inode ID: %v", id))
		}
	}

	// INVARIANT: For all k/v, v.id == k
	// INVARIANT: For all k/v, inodeByPath[v.relPath] == k
	for id, rec := range fs.inodes {
		if rec.id != id {
			panic(fmt.Sprintf("ID mismatch: %v vs. %v", rec.id, id))
		}
		if fs.inodeByPath[rec.relPath] != id {
			panic(fmt.Sprintf("path index mismatch for %q", rec.relPath))
		}
	}

	// INVARIANT: For each k/v, inodes[v].relPath == k
	for p, id := range fs.inodeByPath {
		rec := fs.inodes[id]
		if rec == nil || rec.relPath != p {
			panic(fmt.Sprintf("stale path index entry %q", p))
		}
	}

	// INVARIANT: inodes[fuseops.RootInodeID] is present with relPath ""
	if rec := fs.inodes[fuseops.RootInodeID]; rec == nil || rec.relPath != "" {
		panic("root inode missing or misnamed")
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// errno maps an OS error onto something the kernel understands, preserving
// not-found and permission errors verbatim.
func errno(err error) error {
	var e syscall.Errno
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fuse.ENOENT
	}
	if errors.Is(err, fs.ErrPermission) {
		return syscall.EACCES
	}
	return fuse.EIO
}

func (fs *fileSystem) sourcePath(relPath string) string {
	return filepath.Join(fs.sourceRoot, filepath.FromSlash(relPath))
}

func (fs *fileSystem) cachePath(relPath string) string {
	return filepath.Join(fs.cacheRoot, filepath.FromSlash(relPath))
}

// pathForInode resolves an inode ID to its relative path.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) pathForInode(id fuseops.InodeID) (relPath string, err error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	rec := fs.inodes[id]
	if rec == nil {
		err = fuse.ENOENT
		return
	}
	relPath = rec.relPath
	return
}

// mintInodeLocked returns the ID for relPath, creating a record with a zero
// lookup count if the name has never been seen.
//
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) mintInodeLocked(relPath string) fuseops.InodeID {
	if id, ok := fs.inodeByPath[relPath]; ok {
		return id
	}

	id := fs.nextInodeID
	fs.nextInodeID++

	rec := &inodeRecord{id: id, relPath: relPath}
	fs.inodes[id] = rec
	fs.inodeByPath[relPath] = id

	return id
}

// attrsFromFileInfo converts a stat result, applying any configured
// ownership and mode overrides.
func (fs *fileSystem) attrsFromFileInfo(fi os.FileInfo) (attrs fuseops.InodeAttributes) {
	attrs = fuseops.InodeAttributes{
		Size:  uint64(fi.Size()),
		Nlink: 1,
		Mode:  fi.Mode(),
		Mtime: fi.ModTime(),
	}

	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		attrs.Nlink = uint32(st.Nlink)
		attrs.Uid = st.Uid
		attrs.Gid = st.Gid
		attrs.Atime = time.Unix(st.Atim.Sec, st.Atim.Nsec)
		attrs.Ctime = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	}

	if fs.uid >= 0 {
		attrs.Uid = uint32(fs.uid)
	}
	if fs.gid >= 0 {
		attrs.Gid = uint32(fs.gid)
	}

	perms := fs.fileMode
	if fi.IsDir() {
		perms = fs.dirMode
	}
	if perms != 0 {
		attrs.Mode = (attrs.Mode &^ os.ModePerm) | perms
	}

	return
}

// statSource stats relPath beneath the source root and converts the result.
func (fs *fileSystem) statSource(relPath string) (attrs fuseops.InodeAttributes, err error) {
	fi, err := os.Lstat(fs.sourcePath(relPath))
	if err != nil {
		return
	}
	attrs = fs.attrsFromFileInfo(fi)
	return
}

func direntType(mode os.FileMode) fuseutil.DirentType {
	switch {
	case mode.IsRegular():
		return fuseutil.DT_File
	case mode.IsDir():
		return fuseutil.DT_Directory
	case mode&os.ModeSymlink != 0:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_Unknown
	}
}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem methods
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) (err error) {
	if fs.quit.Load() {
		return fuse.EIO
	}

	var st unix.Statfs_t
	if err = unix.Statfs(fs.sourceRoot, &st); err != nil {
		return errno(err)
	}

	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Bsize)
	op.Inodes = st.Files
	op.InodesFree = st.Ffree

	fs.sink.Record("statfs", 0, 0, "")
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) (err error) {
	if fs.quit.Load() {
		return fuse.EIO
	}

	parentPath, err := fs.pathForInode(op.Parent)
	if err != nil {
		return
	}
	childPath := path.Join(parentPath, op.Name)

	attrs, err := fs.statSource(childPath)
	if err != nil {
		return errno(err)
	}

	fs.mu.Lock()
	id := fs.mintInodeLocked(childPath)
	fs.inodes[id].nlookup++
	fs.mu.Unlock()

	expiry := fs.clock.Now().Add(attrCacheTTL)
	op.Entry = fuseops.ChildInodeEntry{
		Child:                id,
		Attributes:           attrs,
		AttributesExpiration: expiry,
		EntryExpiration:      expiry,
	}

	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) (err error) {
	if fs.quit.Load() {
		return fuse.EIO
	}

	relPath, err := fs.pathForInode(op.Inode)
	if err != nil {
		return
	}

	op.Attributes, err = fs.statSource(relPath)
	if err != nil {
		return errno(err)
	}
	op.AttributesExpiration = fs.clock.Now().Add(attrCacheTTL)

	fs.sink.Record("getattr", 0, 0, relPath)
	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) (err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec := fs.inodes[op.Inode]
	if rec == nil || rec.id == fuseops.RootInodeID {
		return
	}

	if op.N >= rec.nlookup {
		delete(fs.inodes, rec.id)
		delete(fs.inodeByPath, rec.relPath)
	} else {
		rec.nlookup -= op.N
	}

	return
}

// OpenFile opens the source file, registers a handle entry, and either
// attaches the already-cached copy (pinning it against eviction) or
// schedules a background fill.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) (err error) {
	if fs.quit.Load() {
		return fuse.EIO
	}

	relPath, err := fs.pathForInode(op.Inode)
	if err != nil {
		return
	}

	// Errors on the source path surface unchanged.
	f, err := os.Open(fs.sourcePath(relPath))
	if err != nil {
		return errno(err)
	}

	entry := fs.table.Insert(relPath, f)
	op.Handle = fuseops.HandleID(entry.Handle())

	fs.sink.Record("open", 0, 0, relPath)

	if fs.passThrough {
		return
	}

	// Try the cached copy; a miss queues a background fill.
	cached, cacheErr := os.Open(fs.cachePath(relPath))
	switch {
	case cacheErr == nil:
		entry.SpliceCache(cached)
		fs.cacheIndex.Touch(fs.cachePath(relPath))
	case errors.Is(cacheErr, os.ErrNotExist):
		fs.worker.Enqueue(relPath)
	default:
		// The cache is a soft layer; anything else just means no fast path.
		logger.Warnf("probing cache for %q: %v", relPath, cacheErr)
	}

	return
}

// ReadFile serves a read from the cache when possible and the source
// otherwise. It never waits for a fill to complete.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) (err error) {
	if fs.quit.Load() {
		return fuse.EIO
	}

	entry := fs.table.LookupByHandle(uint64(op.Handle))
	if entry == nil {
		return fuse.ENOENT
	}
	defer entry.DecRef()

	n, hit, err := entry.Read(op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil {
		return errno(err)
	}

	operation := "read"
	if hit {
		operation = "cached_read"
	}
	fs.sink.Record(operation, op.Offset, int64(n), entry.RelPath())

	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) (err error) {
	entry := fs.table.Remove(uint64(op.Handle))
	if entry == nil {
		return
	}

	fs.sink.Record("release", 0, 0, entry.RelPath())
	entry.DecRef()

	return
}

// Access answers the access(2) contract against the source tree, including
// for the root itself.
func (fs *fileSystem) Access(relPath string, mode uint32) (err error) {
	if fs.quit.Load() {
		return fuse.EIO
	}

	if err = unix.Access(fs.sourcePath(relPath), mode); err != nil {
		return errno(err)
	}

	fs.sink.Record("access", 0, 0, relPath)
	return
}

// Destroy quiesces the mount: the copy worker is stopped and joined, the
// queue drained, the index optionally saved, and every live handle
// released. A watchdog kills the process group if any of that wedges on a
// stuck source.
func (fs *fileSystem) Destroy() {
	fs.destroyOnce.Do(fs.destroy)
}

func (fs *fileSystem) destroy() {
	done := make(chan struct{})
	go watchdog(done)
	defer close(done)

	fs.quit.Store(true)

	// The worker notices the quit flag at its next buffer iteration or pop
	// timeout; closing the queue wakes it immediately if it is idle.
	fs.worker.Queue().Close()
	fs.worker.Join()

	if dropped := fs.worker.Queue().Drain(); len(dropped) > 0 {
		logger.Infof("dropping %d queued cache fills", len(dropped))
	}

	if fs.stateFile != "" {
		if err := fs.cacheIndex.SaveState(fs.stateFile); err != nil {
			logger.Errorf("saving cache index state: %v", err)
		}
	}

	// Release whatever the kernel never released. Descriptors close as the
	// last reference drops.
	for _, h := range fs.table.Handles() {
		if entry := fs.table.Remove(h); entry != nil {
			entry.DecRef()
		}
	}

	if err := fs.sink.Close(); err != nil {
		logger.Errorf("closing stats sink: %v", err)
	}
}

// watchdog force-terminates the process group if shutdown takes longer than
// the fuse. A hung remote source cannot be safely aborted from userspace.
func watchdog(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(shutdownFuse):
		logger.Errorf("shutdown stuck for more than %v; killing process group", shutdownFuse)
		unix.Kill(0, unix.SIGKILL)
	}
}
