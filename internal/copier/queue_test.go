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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueIsFIFO(t *testing.T) {
	q := NewQueue()
	q.Push("a")
	q.Push("b")
	q.Push("a")

	for _, want := range []string{"a", "b", "a"} {
		got, ok := q.PopTimeout(time.Second)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.Zero(t, q.Len())
}

func TestPopTimesOutOnEmptyQueue(t *testing.T) {
	q := NewQueue()

	start := time.Now()
	_, ok := q.PopTimeout(30 * time.Millisecond)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPushWakesASleepingConsumer(t *testing.T) {
	q := NewQueue()

	got := make(chan string, 1)
	go func() {
		item, ok := q.PopTimeout(5 * time.Second)
		if ok {
			got <- item
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push("wake")

	select {
	case item := <-got:
		assert.Equal(t, "wake", item)
	case <-time.After(time.Second):
		t.Fatal("consumer never woke up")
	}
}

func TestCloseWakesASleepingConsumer(t *testing.T) {
	q := NewQueue()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.PopTimeout(5 * time.Second)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer never woke up")
	}
	assert.True(t, q.Closed())
}

func TestPushAfterCloseIsDropped(t *testing.T) {
	q := NewQueue()
	q.Close()
	q.Push("late")

	assert.Zero(t, q.Len())
}

func TestDrainEmptiesTheQueue(t *testing.T) {
	q := NewQueue()
	q.Push("a")
	q.Push("b")
	q.Close()

	assert.Equal(t, []string{"a", "b"}, q.Drain())
	assert.Zero(t, q.Len())
	assert.Nil(t, q.Drain())
}
