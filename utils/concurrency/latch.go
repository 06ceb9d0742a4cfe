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

// Package concurrency provides the synchronisation primitives, bounded
// work queues, and task executors that the read pipeline is built on.
package concurrency

import "sync"

// A Flag is a one-shot signal. Wait blocks until some other goroutine
// has called Signal. Signalling more than once is allowed and has no
// further effect.
type Flag struct {
	mutex sync.Mutex
	cond  *sync.Cond
	set   bool
}

// NewFlag returns a new unset flag.
func NewFlag() *Flag {
	f := &Flag{}
	f.cond = sync.NewCond(&f.mutex)
	return f
}

// Signal sets the flag and wakes all waiters.
func (f *Flag) Signal() {
	f.mutex.Lock()
	f.set = true
	f.mutex.Unlock()
	f.cond.Broadcast()
}

// Wait blocks until the flag is set.
func (f *Flag) Wait() {
	f.mutex.Lock()
	for !f.set {
		f.cond.Wait()
	}
	f.mutex.Unlock()
}

// IsSet reports whether the flag has been signalled.
func (f *Flag) IsSet() bool {
	f.mutex.Lock()
	set := f.set
	f.mutex.Unlock()
	return set
}

// A Latch is a countdown synchroniser. Wait blocks until CountDown has
// been called the number of times given to NewLatch.
type Latch struct {
	mutex sync.Mutex
	cond  *sync.Cond
	count int
}

// NewLatch returns a latch that opens after count calls to CountDown.
func NewLatch(count int) *Latch {
	l := &Latch{count: count}
	l.cond = sync.NewCond(&l.mutex)
	return l
}

// CountDown decrements the latch. Counting down an open latch panics.
func (l *Latch) CountDown() {
	l.mutex.Lock()
	if l.count == 0 {
		l.mutex.Unlock()
		panic("count down on an open latch")
	}
	l.count--
	open := l.count == 0
	l.mutex.Unlock()
	if open {
		l.cond.Broadcast()
	}
}

// Wait blocks until the latch is open.
func (l *Latch) Wait() {
	l.mutex.Lock()
	for l.count > 0 {
		l.cond.Wait()
	}
	l.mutex.Unlock()
}
