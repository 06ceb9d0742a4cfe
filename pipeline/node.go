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

package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/omics-engine/porecall/log"
	"github.com/omics-engine/porecall/utils/concurrency"
)

var logger = log.GetLogger()

// ErrNodeNotRunning is returned by PushMessage when a node is not in
// the running state.
var ErrNodeNotRunning = errors.New("message pushed to a node that is not running")

// A Sink is the capability set every pipeline node exposes: producers
// push messages, the pipeline drives teardown and restart, and the
// stats sampler polls counters.
type Sink interface {
	PushMessage(msg Message) error
	Terminate()
	Restart()
	SampleStats() NamedStats
	Name() string
}

type nodeState int32

const (
	stateConstructed nodeState = iota
	stateRunning
	stateTerminating
	stateJoined
)

// MessageSink is the shared node base: a bounded input queue, a pool
// of worker goroutines draining it, and a non-owning reference to the
// downstream sink. Concrete nodes embed it and supply a worker
// function to StartInputProcessing.
type MessageSink struct {
	name       string
	id         xid.ID
	workQueue  *concurrency.WorkQueue
	numWorkers int
	sink       Sink

	workerFn func()
	workers  sync.WaitGroup
	state    atomic.Int32

	numForwardFailures atomic.Int64
}

// NewMessageSink returns a node base with the given input queue
// capacity and worker count, forwarding to sink (nil for terminal
// nodes).
func NewMessageSink(name string, maxMessages, numWorkers int, sink Sink) MessageSink {
	return MessageSink{
		name:       name,
		id:         xid.New(),
		workQueue:  concurrency.NewWorkQueue(maxMessages),
		numWorkers: numWorkers,
		sink:       sink,
	}
}

// Name returns the node name.
func (m *MessageSink) Name() string { return m.name }

// ID returns the unique instance id of this node.
func (m *MessageSink) ID() xid.ID { return m.id }

// PushMessage appends a message to the node's input queue, blocking
// while the queue is full. It is only valid while the node is running.
func (m *MessageSink) PushMessage(msg Message) error {
	if nodeState(m.state.Load()) != stateRunning {
		return ErrNodeNotRunning
	}
	return m.workQueue.TryPush(msg)
}

// StartInputProcessing spawns the node's worker goroutines, each
// executing fn. fn must loop on GetInputMessage and exit when it
// returns false.
func (m *MessageSink) StartInputProcessing(fn func()) {
	m.workerFn = fn
	m.state.Store(int32(stateRunning))
	for i := 0; i < m.numWorkers; i++ {
		m.workers.Add(1)
		go func() {
			defer m.workers.Done()
			fn()
		}()
	}
}

// StopInputProcessing terminates the input queue, lets the workers
// drain it, and joins them.
func (m *MessageSink) StopInputProcessing() {
	m.state.Store(int32(stateTerminating))
	m.workQueue.Terminate()
	m.workers.Wait()
	m.state.Store(int32(stateJoined))
}

// isRunning reports whether the node is in the running state.
func (m *MessageSink) isRunning() bool {
	return nodeState(m.state.Load()) == stateRunning
}

// GetInputMessage pops the next message from the input queue. It
// returns false once the queue has been terminated and drained; this
// is the only exit condition for worker functions.
func (m *MessageSink) GetInputMessage() (Message, bool) {
	item, ok := m.workQueue.Pop()
	if !ok {
		return nil, false
	}
	return item.(Message), true
}

// SendMessageToSink forwards a message to the downstream sink. Every
// message variant a node does not consume must pass through here
// unchanged.
func (m *MessageSink) SendMessageToSink(msg Message) {
	if m.sink == nil {
		logger.Errorf("node %v has no sink, dropping message", m.name)
		m.numForwardFailures.Add(1)
		return
	}
	if err := m.sink.PushMessage(msg); err != nil {
		logger.Errorf("%v, while forwarding a message from node %v", err, m.name)
		m.numForwardFailures.Add(1)
	}
}

// Terminate drains remaining work, joins the workers, and then
// terminates the downstream sink, so that teardown propagates in
// topological order. It is idempotent.
func (m *MessageSink) Terminate() {
	if m.isRunning() {
		m.StopInputProcessing()
	}
	m.TerminateSink()
}

// TerminateSink terminates the downstream sink, if any. Nodes that
// override Terminate call this after their own teardown.
func (m *MessageSink) TerminateSink() {
	if m.sink != nil {
		m.sink.Terminate()
	}
}

// Restart re-arms the input queue and respawns the workers. Terminate
// must have completed first; restarting a running node panics.
func (m *MessageSink) Restart() {
	if nodeState(m.state.Load()) != stateJoined {
		logger.Panicf("restart of node %v before terminate completed", m.name)
	}
	m.workQueue.Restart()
	m.StartInputProcessing(m.workerFn)
}

// BaseStats returns the stats every node reports.
func (m *MessageSink) BaseStats() NamedStats {
	return NamedStats{
		"input_queue_size":  float64(m.workQueue.Size()),
		"forward_failures":  float64(m.numForwardFailures.Load()),
		"input_queue_limit": float64(m.workQueue.Capacity()),
	}
}

// SampleStats returns the node's counters. Concrete nodes extend the
// base stats with their own.
func (m *MessageSink) SampleStats() NamedStats {
	return m.BaseStats()
}
