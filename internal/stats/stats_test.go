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

package stats_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anaisbetts/vcachefs/internal/stats"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkWritesHeaderAndRows(t *testing.T) {
	var clock timeutil.SimulatedClock
	clock.SetTime(time.Unix(1700000000, 250000*1000))

	path := filepath.Join(t.TempDir(), "stats.csv")
	sink, err := stats.Open(path, &clock)
	require.NoError(t, err)

	sink.Record("open", 0, 0, "media/a")
	clock.AdvanceTime(time.Millisecond)
	sink.Record("cached_read", 4096, 1024, "media/a")
	require.NoError(t, sink.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	require.Len(t, lines, 3)

	pid := os.Getpid()
	assert.Equal(t, "Timecode,Operation,Offset,Size,Info,Pid", lines[0])
	assert.Equal(t, fmt.Sprintf(`1700000000250000,"open",0,0,"media/a",%d`, pid), lines[1])
	assert.Equal(t, fmt.Sprintf(`1700000000251000,"cached_read",4096,1024,"media/a",%d`, pid), lines[2])
}

func TestNilSinkDropsEverything(t *testing.T) {
	var sink *stats.Sink

	// Must not panic.
	sink.Record("read", 0, 0, "")
	assert.NoError(t, sink.Close())
}

func TestRecordAfterCloseIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.csv")
	sink, err := stats.Open(path, timeutil.RealClock())
	require.NoError(t, err)

	require.NoError(t, sink.Close())
	sink.Record("read", 0, 0, "late")
	assert.NoError(t, sink.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(contents), "late")
}

func TestOpenFailsOnBadPath(t *testing.T) {
	_, err := stats.Open(filepath.Join(t.TempDir(), "missing", "stats.csv"), timeutil.RealClock())
	assert.Error(t, err)
}
