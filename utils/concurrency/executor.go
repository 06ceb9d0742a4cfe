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

	"github.com/omics-engine/porecall/log"
)

var logger = log.GetLogger()

type (
	// An AsyncTaskExecutor runs tasks on a fixed pool of worker
	// goroutines fed from a two-priority, producer-fair task queue.
	//
	// Send does not return until a worker has begun executing the
	// task. This turns the queue into a rendezvous: the number of
	// tasks in flight is bounded by the worker count, which keeps
	// producers from oversubscribing the device callers behind the
	// pool.
	AsyncTaskExecutor struct {
		name       string
		numThreads int

		mutex        sync.Mutex
		taskReceived *sync.Cond
		queue        *PriorityTaskQueue
		defaultQueue [2]*TaskQueue
		done         bool

		workers sync.WaitGroup
		joined  bool
	}

	// A Producer is a registered task source of an executor. Tasks
	// sent through distinct producers of the same priority class are
	// interleaved fairly, so a single flooding producer cannot starve
	// its peers.
	Producer struct {
		executor *AsyncTaskExecutor
		queue    *TaskQueue
	}
)

// NewAsyncTaskExecutor creates an executor with the given number of
// worker goroutines. The name is used in log output.
func NewAsyncTaskExecutor(numThreads int, name string) *AsyncTaskExecutor {
	e := &AsyncTaskExecutor{
		name:       name,
		numThreads: numThreads,
		queue:      NewPriorityTaskQueue(),
	}
	e.taskReceived = sync.NewCond(&e.mutex)
	e.defaultQueue[TaskPriorityNormal] = e.queue.CreateTaskQueue(TaskPriorityNormal)
	e.defaultQueue[TaskPriorityHigh] = e.queue.CreateTaskQueue(TaskPriorityHigh)
	for i := 0; i < numThreads; i++ {
		e.workers.Add(1)
		go e.processTaskQueue()
	}
	return e
}

// NewProducer registers a producer sub-queue with the given priority.
func (e *AsyncTaskExecutor) NewProducer(priority TaskPriority) *Producer {
	e.mutex.Lock()
	queue := e.queue.CreateTaskQueue(priority)
	e.mutex.Unlock()
	return &Producer{executor: e, queue: queue}
}

// Send submits a task through the given producer and blocks until a
// worker has begun executing it.
func (p *Producer) Send(task Task) {
	p.executor.send(p.queue, task)
}

// Send submits a normal priority task and blocks until a worker has
// begun executing it.
func (e *AsyncTaskExecutor) Send(task Task) {
	e.send(e.defaultQueue[TaskPriorityNormal], task)
}

// SendPriority submits a task with the given priority and blocks until
// a worker has begun executing it.
func (e *AsyncTaskExecutor) SendPriority(task Task, priority TaskPriority) {
	e.send(e.defaultQueue[priority], task)
}

func (e *AsyncTaskExecutor) send(queue *TaskQueue, task Task) {
	started := NewFlag()
	e.mutex.Lock()
	queue.Push(func() {
		started.Signal()
		task()
	})
	e.mutex.Unlock()
	e.taskReceived.Signal()
	started.Wait()
}

// QueueSize returns the number of queued tasks in the given class.
func (e *AsyncTaskExecutor) QueueSize(priority TaskPriority) int {
	e.mutex.Lock()
	n := e.queue.SizePriority(priority)
	e.mutex.Unlock()
	return n
}

// Join shuts the executor down: it posts one sentinel per worker so
// that every waiting worker wakes up, then joins them all. Tasks that
// were already queued run to completion first. Join is idempotent.
func (e *AsyncTaskExecutor) Join() {
	e.mutex.Lock()
	if e.joined {
		e.mutex.Unlock()
		return
	}
	e.joined = true
	e.mutex.Unlock()
	for i := 0; i < e.numThreads; i++ {
		e.mutex.Lock()
		e.defaultQueue[TaskPriorityNormal].Push(func() {
			e.mutex.Lock()
			e.done = true
			e.mutex.Unlock()
		})
		e.mutex.Unlock()
		e.taskReceived.Broadcast()
	}
	e.workers.Wait()
}

func (e *AsyncTaskExecutor) processTaskQueue() {
	defer e.workers.Done()
	for {
		e.mutex.Lock()
		for e.queue.Empty() && !e.done {
			e.taskReceived.Wait()
		}
		if e.queue.Empty() {
			e.mutex.Unlock()
			return
		}
		waiting := e.queue.Pop()
		e.mutex.Unlock()
		runTask(e.name, waiting.Task)
	}
}

// runTask executes a task, absorbing panics so that a failing task
// cannot unwind across the worker goroutine boundary.
func runTask(name string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("recovered panic in executor %v task: %v", name, r)
		}
	}()
	task()
}
