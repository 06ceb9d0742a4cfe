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
	"errors"
	"log"
	"sync"
)

// ErrQueueClosed is returned by TryPush after the queue has been
// terminated.
var ErrQueueClosed = errors.New("work queue closed")

// A WorkQueue is a bounded many-to-many queue. Producers block while
// the queue is at capacity, consumers block while it is empty.
// Terminate closes the queue: pending items can still be popped, new
// pushes are rejected. Restart re-arms a terminated queue so that a
// pipeline can process multiple inputs in one process.
type WorkQueue struct {
	mutex      sync.Mutex
	notEmpty   *sync.Cond
	notFull    *sync.Cond
	buf        []interface{}
	head       int
	count      int
	terminated bool
}

// NewWorkQueue returns an open queue with the given capacity.
func NewWorkQueue(capacity int) *WorkQueue {
	if capacity < 1 {
		log.Panicf("invalid work queue capacity %v", capacity)
	}
	q := &WorkQueue{buf: make([]interface{}, capacity)}
	q.notEmpty = sync.NewCond(&q.mutex)
	q.notFull = sync.NewCond(&q.mutex)
	return q
}

// TryPush appends an item to the queue, blocking while the queue is at
// capacity. It returns ErrQueueClosed if the queue has been terminated.
func (q *WorkQueue) TryPush(item interface{}) error {
	q.mutex.Lock()
	for {
		if q.terminated {
			q.mutex.Unlock()
			return ErrQueueClosed
		}
		if q.count < len(q.buf) {
			break
		}
		q.notFull.Wait()
	}
	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	q.mutex.Unlock()
	q.notEmpty.Broadcast()
	return nil
}

// Pop removes the oldest item from the queue, blocking while the queue
// is empty. The second result is false once the queue has been
// terminated and fully drained.
func (q *WorkQueue) Pop() (interface{}, bool) {
	q.mutex.Lock()
	for q.count == 0 {
		if q.terminated {
			q.mutex.Unlock()
			return nil, false
		}
		q.notEmpty.Wait()
	}
	item := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.mutex.Unlock()
	q.notFull.Broadcast()
	return item, true
}

// Terminate closes the queue. Items already in the queue remain
// poppable; TryPush rejects immediately.
func (q *WorkQueue) Terminate() {
	q.mutex.Lock()
	q.terminated = true
	q.mutex.Unlock()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Restart re-arms a terminated queue. Restarting a queue that has not
// been terminated panics: callers must complete a terminate first.
func (q *WorkQueue) Restart() {
	q.mutex.Lock()
	if !q.terminated {
		q.mutex.Unlock()
		log.Panic("restart of a work queue that was not terminated")
	}
	q.terminated = false
	q.mutex.Unlock()
}

// Size returns the number of items currently queued.
func (q *WorkQueue) Size() int {
	q.mutex.Lock()
	n := q.count
	q.mutex.Unlock()
	return n
}

// Capacity returns the fixed capacity of the queue.
func (q *WorkQueue) Capacity() int {
	return len(q.buf)
}
