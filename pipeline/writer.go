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
	"sync/atomic"

	"github.com/omics-engine/porecall/hts"
	"github.com/omics-engine/porecall/utils"
)

// Record tag keys written by the writer node.
var (
	tagQS = utils.Intern("qs")
	tagNS = utils.Intern("ns")
	tagTS = utils.Intern("ts")
	tagMV = utils.Intern("mv")
	tagPT = utils.Intern("pt")
	tagMM = utils.Intern("MM")
	tagML = utils.Intern("ML")
)

// A WriterNode is the terminal sink: it converts called reads into
// alignment records and hands them to the output file. The output file
// is not synchronised, so the writer always runs a single worker.
type WriterNode struct {
	MessageSink
	file *hts.HtsFile

	numWritten    atomic.Int64
	numDropped    atomic.Int64
	writeFailures atomic.Int64
}

// NewWriterNode creates a running writer node over an output file.
func NewWriterNode(file *hts.HtsFile, maxReads int) *WriterNode {
	node := &WriterNode{file: file}
	node.MessageSink = NewMessageSink("WriterNode", maxReads, 1, nil)
	node.StartInputProcessing(node.inputWorker)
	return node
}

func (n *WriterNode) inputWorker() {
	for {
		msg, ok := n.GetInputMessage()
		if !ok {
			return
		}
		switch value := msg.(type) {
		case *Read:
			n.writeRead(value)
		case *ReadPair:
			if value.Template != nil {
				n.writeRead(value.Template)
			}
			if value.Complement != nil {
				n.writeRead(value.Complement)
			}
		default:
			// A terminal node cannot forward; unconsumed variants are
			// dropped with a counter.
			n.numDropped.Add(1)
		}
	}
}

func (n *WriterNode) writeRead(read *Read) {
	if err := n.file.Write(RecordFromRead(read)); err != nil {
		logger.Errorf("%v, while writing read %v", err, read.ID)
		n.writeFailures.Add(1)
		return
	}
	n.numWritten.Add(1)
}

// RecordFromRead converts a called read into an unmapped alignment
// record with the standard tags.
func RecordFromRead(read *Read) *hts.Record {
	rec := &hts.Record{
		QNAME: read.ID,
		FLAG:  hts.Unmapped,
		RefID: -1,
		POS:   -1,
		MAPQ:  255,
	}
	rec.SetSeq(read.Seq)
	rec.Qual = make([]byte, len(read.Qual))
	var qualSum int64
	for i, q := range read.Qual {
		rec.Qual[i] = q - '!'
		qualSum += int64(q - '!')
	}
	if len(read.Qual) > 0 {
		rec.TAGS.Set(tagQS, qualSum/int64(len(read.Qual)))
	}
	rec.TAGS.Set(tagNS, int64(read.NumSamples()))
	rec.TAGS.Set(tagTS, int64(read.NumTrimmedSamples))
	if read.Moves != nil {
		moves := make([]byte, 1, 1+read.Moves.Len())
		moves[0] = byte(read.ModelStride)
		numFrames := len(read.Signal) / read.ModelStride
		for frame := 0; frame < numFrames; frame++ {
			bit := byte(0)
			if read.Moves.Test(uint(frame)) {
				bit = 1
			}
			moves = append(moves, bit)
		}
		rec.TAGS.Set(tagMV, moves)
	}
	if read.PolyTailLength > 0 {
		rec.TAGS.Set(tagPT, int64(read.PolyTailLength))
	}
	if read.BaseModInfo != "" {
		rec.TAGS.Set(tagMM, read.BaseModInfo)
		rec.TAGS.Set(tagML, read.BaseModProbs)
	}
	return rec
}

// SampleStats implements the Sink interface.
func (n *WriterNode) SampleStats() NamedStats {
	stats := n.BaseStats()
	stats["reads_written"] = float64(n.numWritten.Load())
	stats["messages_dropped"] = float64(n.numDropped.Load())
	stats["write_failures"] = float64(n.writeFailures.Load())
	return stats
}
