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

package fs

import (
	"os"
	"path"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/net/context"
)

// A dirHandle is a listing snapshotted at OpenDir time. ReadDir pages
// through it by offset; a stale snapshot is fine since the source tree is
// assumed quiescent.
type dirHandle struct {
	entries []fuseutil.Dirent
}

// OpenDir reads the source directory and snapshots its entries.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) (err error) {
	if fs.quit.Load() {
		return fuse.EIO
	}

	relPath, err := fs.pathForInode(op.Inode)
	if err != nil {
		return
	}

	listing, err := os.ReadDir(fs.sourcePath(relPath))
	if err != nil {
		return errno(err)
	}

	dh := &dirHandle{}

	fs.mu.Lock()
	for i, de := range listing {
		childPath := path.Join(relPath, de.Name())
		dh.entries = append(dh.entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fs.mintInodeLocked(childPath),
			Name:   de.Name(),
			Type:   direntType(de.Type()),
		})
	}

	op.Handle = fs.nextDirHandle
	fs.nextDirHandle++
	fs.dirHandles[op.Handle] = dh
	fs.mu.Unlock()

	fs.sink.Record("readdir", 0, int64(len(listing)), relPath)

	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) (err error) {
	fs.mu.RLock()
	dh := fs.dirHandles[op.Handle]
	fs.mu.RUnlock()

	if dh == nil {
		return fuse.EINVAL
	}

	if op.Offset > fuseops.DirOffset(len(dh.entries)) {
		return fuse.EINVAL
	}

	for _, dirent := range dh.entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dirent)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}

	return
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *fileSystem) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) (err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	delete(fs.dirHandles, op.Handle)
	return
}
