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
	"math"
	"sync/atomic"

	"github.com/omics-engine/porecall/model"
)

// A ModBaseCallerNode annotates basecalled reads with modified-base
// probabilities. Reads lacking the prerequisite basecall results are
// forwarded unchanged.
type ModBaseCallerNode struct {
	MessageSink
	runners    []*model.ModBaseRunner
	nextRunner atomic.Uint64

	numCalled  atomic.Int64
	numSkipped atomic.Int64
	numFailed  atomic.Int64
}

// NewModBaseCallerNode creates a running modbase node over the given
// runner pool.
func NewModBaseCallerNode(sink Sink, runners []*model.ModBaseRunner, numWorkers, maxReads int) *ModBaseCallerNode {
	node := &ModBaseCallerNode{runners: runners}
	node.MessageSink = NewMessageSink("ModBaseCallerNode", maxReads, numWorkers, sink)
	node.StartInputProcessing(node.inputWorker)
	return node
}

func (n *ModBaseCallerNode) inputWorker() {
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
		if len(read.Seq) == 0 || read.Moves == nil || read.ModelStride == 0 {
			n.numSkipped.Add(1)
			n.SendMessageToSink(read)
			continue
		}
		runner := n.runners[n.nextRunner.Add(1)%uint64(len(n.runners))]
		probs, err := runner.Run(read.Signal, read.Seq, read.Moves, read.ModelStride)
		if err != nil {
			logger.Errorf("%v, while calling modified bases for read %v", err, read.ID)
			n.numFailed.Add(1)
			n.SendMessageToSink(read)
			continue
		}
		read.BaseModProbs = make([]byte, len(probs))
		for i, p := range probs {
			scaled := math.Floor(float64(p) * 256)
			if scaled > 255 {
				scaled = 255
			}
			read.BaseModProbs[i] = byte(scaled)
		}
		read.BaseModInfo = runner.Info()
		n.numCalled.Add(1)
		n.SendMessageToSink(read)
	}
}

// SampleStats implements the Sink interface.
func (n *ModBaseCallerNode) SampleStats() NamedStats {
	stats := n.BaseStats()
	stats["reads_called"] = float64(n.numCalled.Load())
	stats["reads_skipped"] = float64(n.numSkipped.Load())
	stats["inference_failures"] = float64(n.numFailed.Load())
	return stats
}
