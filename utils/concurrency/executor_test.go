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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestExecutorRunsAllTasksBeforeJoin(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := NewAsyncTaskExecutor(4, "test")
	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Send(func() {
				atomic.AddInt64(&counter, 1)
			})
		}()
	}
	wg.Wait()
	e.Join()
	assert.Equal(t, int64(32), atomic.LoadInt64(&counter))
}

func TestExecutorSendBlocksUntilStarted(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := NewAsyncTaskExecutor(1, "test")
	defer e.Join()

	gate := make(chan struct{})
	running := make(chan struct{})
	e.Send(func() {
		close(running)
		<-gate
	})
	<-running

	// The single worker is busy, so a second Send cannot return until
	// the worker has picked the task up.
	sent := make(chan struct{})
	go func() {
		e.Send(func() {})
		close(sent)
	}()

	select {
	case <-sent:
		t.Fatal("Send returned before a worker started the task")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("Send did not return after the worker became available")
	}
}

func TestExecutorHighPriorityOvertakesQueuedNormal(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := NewAsyncTaskExecutor(1, "test")

	gate := make(chan struct{})
	running := make(chan struct{})
	e.Send(func() {
		close(running)
		<-gate
	})
	<-running

	var mutex sync.Mutex
	var order []string
	record := func(label string) {
		mutex.Lock()
		order = append(order, label)
		mutex.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		producer := e.NewProducer(TaskPriorityNormal)
		go func() {
			defer wg.Done()
			producer.Send(func() { record("normal") })
		}()
	}
	for e.QueueSize(TaskPriorityNormal) < 3 {
		time.Sleep(time.Millisecond)
	}

	wg.Add(1)
	high := e.NewProducer(TaskPriorityHigh)
	go func() {
		defer wg.Done()
		high.Send(func() { record("high") })
	}()
	for e.QueueSize(TaskPriorityHigh) < 1 {
		time.Sleep(time.Millisecond)
	}

	close(gate)
	wg.Wait()
	e.Join()

	require.Len(t, order, 4)
	assert.Equal(t, "high", order[0])
}

func TestExecutorRecoversTaskPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := NewAsyncTaskExecutor(1, "test")
	e.Send(func() { panic("task failure") })
	// The worker must survive the panic and keep serving tasks.
	done := make(chan struct{})
	e.Send(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	e.Join()
}

func TestExecutorJoinIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := NewAsyncTaskExecutor(2, "test")
	e.Join()
	e.Join()
}
