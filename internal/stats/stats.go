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

// Package stats writes one CSV row per file system operation, for offline
// analysis of read patterns and cache effectiveness.
package stats

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/jacobsa/timeutil"
)

// A Sink records operations as CSV rows of the form
//
//	timecode,operation,offset,size,info,pid
//
// where timecode is microseconds since the Unix epoch. A nil *Sink is legal
// and drops every record, so callers never need to test whether logging is
// configured.
type Sink struct {
	clock timeutil.Clock
	pid   int

	mu sync.Mutex

	// GUARDED_BY(mu)
	f *os.File

	// GUARDED_BY(mu)
	w *bufio.Writer
}

// Open creates or truncates the CSV file at path and writes the header row.
func Open(path string, clock timeutil.Clock) (s *Sink, err error) {
	f, err := os.Create(path)
	if err != nil {
		err = fmt.Errorf("creating stats sink: %w", err)
		return
	}

	s = &Sink{
		clock: clock,
		pid:   os.Getpid(),
		f:     f,
		w:     bufio.NewWriter(f),
	}

	_, err = fmt.Fprintf(s.w, "Timecode,Operation,Offset,Size,Info,Pid\n")
	if err != nil {
		f.Close()
		s = nil
		err = fmt.Errorf("writing stats header: %w", err)
		return
	}

	return
}

// Record appends one row. Errors are swallowed; the statistics log is a soft
// layer and must never affect the operation it describes.
func (s *Sink) Record(operation string, offset int64, size int64, info string) {
	if s == nil {
		return
	}

	timecode := s.clock.Now().UnixMicro()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return
	}
	fmt.Fprintf(s.w, "%d,%q,%d,%d,%q,%d\n", timecode, operation, offset, size, info, s.pid)
}

// Close flushes and closes the sink. Safe on nil and after a prior Close.
func (s *Sink) Close() (err error) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return
	}

	err = s.w.Flush()
	if closeErr := s.f.Close(); err == nil {
		err = closeErr
	}
	s.w = nil
	s.f = nil

	return
}
