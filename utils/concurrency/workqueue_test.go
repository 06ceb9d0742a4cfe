// porecall: a high-performance tool for basecalling nanopore sequencing data.
// Copyright (c) 2026 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/omics-engine/porecall/blob/master/LICENSE.txt>.

package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueueFIFO(t *testing.T) {
	q := NewWorkQueue(8)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.TryPush(i))
	}
	for i := 0; i < 5; i++ {
		item, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, item)
	}
	assert.Equal(t, 0, q.Size())
}

func TestWorkQueueBlocksAtCapacity(t *testing.T) {
	q := NewWorkQueue(2)
	require.NoError(t, q.TryPush("a"))
	require.NoError(t, q.TryPush("b"))
	assert.Equal(t, q.Capacity(), q.Size())

	pushed := make(chan struct{})
	go func() {
		_ = q.TryPush("c")
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push succeeded on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	item, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", item)

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push did not unblock after a pop")
	}
	assert.LessOrEqual(t, q.Size(), q.Capacity())
}

func TestWorkQueueTerminateDrainsThenCloses(t *testing.T) {
	q := NewWorkQueue(4)
	require.NoError(t, q.TryPush(1))
	require.NoError(t, q.TryPush(2))
	q.Terminate()

	assert.Equal(t, ErrQueueClosed, q.TryPush(3))

	item, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, item)
	item, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, item)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestWorkQueueTerminateWakesBlockedPoppers(t *testing.T) {
	q := NewWorkQueue(4)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Pop()
			assert.False(t, ok)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Terminate()
	wg.Wait()
}

func TestWorkQueueRestart(t *testing.T) {
	q := NewWorkQueue(4)
	require.NoError(t, q.TryPush(1))
	q.Terminate()
	item, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, item)

	q.Restart()
	require.NoError(t, q.TryPush(2))
	item, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, item)
}

func TestWorkQueueRestartRequiresTerminate(t *testing.T) {
	q := NewWorkQueue(4)
	assert.Panics(t, func() { q.Restart() })
}

func TestWorkQueueConcurrentProducersRespectCapacity(t *testing.T) {
	q := NewWorkQueue(3)
	const numProducers = 4
	const perProducer = 25

	var wg sync.WaitGroup
	for p := 0; p < numProducers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := q.TryPush(i); err != nil {
					return
				}
			}
		}()
	}

	received := 0
	for received < numProducers*perProducer {
		assert.LessOrEqual(t, q.Size(), q.Capacity())
		_, ok := q.Pop()
		require.True(t, ok)
		received++
	}
	wg.Wait()
	assert.Equal(t, 0, q.Size())
}
