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
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/omics-engine/porecall/log"
)

// PolyTailSignalInfo is the anchor a calculator derives for a read:
// the strand direction and the signal position the tail search starts
// from. A negative anchor means no anchor was found.
type PolyTailSignalInfo struct {
	FwdStrand    bool
	SignalAnchor int
}

// A PolyTailCalculator estimates polyA tail lengths. Calculators are
// installed by collaborators in a read's client context; the node
// never instantiates one.
type PolyTailCalculator interface {
	DetermineSignalAnchorAndStrand(read *Read) PolyTailSignalInfo
	CalculateNumBases(read *Read, info PolyTailSignalInfo) int
	MaxTailLength() int
}

// PolyTailCalculatorKey is the context key calculators are registered
// under.
var PolyTailCalculatorKey = ContextKey((*PolyTailCalculator)(nil))

// A PolyACalculatorNode estimates the polyA tail length of basecalled
// reads whose client installed a calculator, and forwards every read
// either way.
type PolyACalculatorNode struct {
	MessageSink

	numCalled        atomic.Int64
	numNotCalled     atomic.Int64
	totalTailLengths atomic.Int64

	// tailLengthCounts is a debug histogram, maintained only when
	// debug logging is active.
	mutex            sync.Mutex
	tailLengthCounts map[int]int
}

// NewPolyACalculatorNode creates a running polyA node.
func NewPolyACalculatorNode(sink Sink, numWorkers, maxReads int) *PolyACalculatorNode {
	node := &PolyACalculatorNode{tailLengthCounts: make(map[int]int)}
	node.MessageSink = NewMessageSink("PolyACalculatorNode", maxReads, numWorkers, sink)
	node.StartInputProcessing(node.inputWorker)
	return node
}

func (n *PolyACalculatorNode) lookupCalculator(read *Read) (PolyTailCalculator, bool) {
	if read.ClientInfo == nil {
		return nil, false
	}
	value, ok := read.ClientInfo.Contexts().Get(PolyTailCalculatorKey)
	if !ok {
		return nil, false
	}
	calculator, ok := value.(PolyTailCalculator)
	return calculator, ok
}

func (n *PolyACalculatorNode) inputWorker() {
	for {
		msg, ok := n.GetInputMessage()
		if !ok {
			return
		}
		read, isRead := msg.(*Read)
		if !isRead {
			n.SendMessageToSink(msg)
			continue
		}
		calculator, ok := n.lookupCalculator(read)
		if !ok {
			n.numNotCalled.Add(1)
			n.SendMessageToSink(read)
			continue
		}
		info := calculator.DetermineSignalAnchorAndStrand(read)
		if info.SignalAnchor < 0 {
			n.numNotCalled.Add(1)
			n.SendMessageToSink(read)
			continue
		}
		numBases := calculator.CalculateNumBases(read, info)
		if numBases > 0 && numBases < calculator.MaxTailLength() {
			read.PolyTailLength = numBases
			n.numCalled.Add(1)
			n.totalTailLengths.Add(int64(numBases))
			if log.DebugEnabled() {
				n.mutex.Lock()
				n.tailLengthCounts[numBases]++
				n.mutex.Unlock()
			}
		} else {
			n.numNotCalled.Add(1)
		}
		n.SendMessageToSink(read)
	}
}

// SampleStats implements the Sink interface.
func (n *PolyACalculatorNode) SampleStats() NamedStats {
	stats := n.BaseStats()
	called := n.numCalled.Load()
	stats["reads_estimated"] = float64(called)
	stats["reads_not_estimated"] = float64(n.numNotCalled.Load())
	average := 0.0
	if called > 0 {
		average = float64(n.totalTailLengths.Load()) / float64(called)
	}
	stats["average_tail_length"] = average
	if log.DebugEnabled() {
		n.mutex.Lock()
		for length, count := range n.tailLengthCounts {
			stats["pt."+strconv.Itoa(length)] = float64(count)
		}
		n.mutex.Unlock()
	}
	return stats
}
