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
	"sync"
	"sync/atomic"

	"github.com/willf/bitset"

	"github.com/omics-engine/porecall/model"
)

type (
	// workingRead tracks a read whose chunks are in flight.
	workingRead struct {
		read        *Read
		chunks      []*readChunk
		numComplete atomic.Int32
		failed      atomic.Bool
	}

	// readChunk is one contiguous slice of a read's signal, basecalled
	// independently and stitched back afterwards.
	readChunk struct {
		owner  *workingRead
		idx    int
		offset int
		signal []float32
		result model.ChunkResult
	}
)

// A BasecallerNode decomposes reads into overlapping chunks, batches
// chunks across concurrent reads onto a pool of shared runners, and
// stitches completed chunks back into called reads. Reads may leave
// the node in a different order than they entered.
type BasecallerNode struct {
	MessageSink
	runners   []*model.Runner
	batchSize int
	chunkSize int
	overlap   int
	stride    int

	chunkChan chan *readChunk
	callers   sync.WaitGroup

	numCalled    atomic.Int64
	numFailed    atomic.Int64
	numMalformed atomic.Int64
}

// NewBasecallerNode creates a running basecaller node over the given
// runner pool. All runners must agree on stride and chunk size, which
// the runner plan checks; every batch is sized by the first runner's
// batch size. The overlap is rounded down
// to a multiple of the model stride so that chunk offsets stay
// frame-aligned.
func NewBasecallerNode(sink Sink, runners []*model.Runner, overlap, numWorkers, maxReads int) *BasecallerNode {
	stride := runners[0].ModelStride()
	chunkSize := runners[0].ChunkSize()
	overlap = overlap / stride * stride
	if overlap >= chunkSize {
		overlap = chunkSize / 2 / stride * stride
	}
	node := &BasecallerNode{
		runners:   runners,
		batchSize: runners[0].BatchSize(),
		chunkSize: chunkSize,
		overlap:   overlap,
		stride:    stride,
	}
	node.MessageSink = NewMessageSink("BasecallerNode", maxReads, numWorkers, sink)
	node.startCallers()
	node.StartInputProcessing(node.inputWorker)
	return node
}

func (n *BasecallerNode) startCallers() {
	n.chunkChan = make(chan *readChunk, 2*n.batchSize*len(n.runners))
	for _, runner := range n.runners {
		runner := runner
		n.callers.Add(1)
		go func() {
			defer n.callers.Done()
			n.basecallWorker(runner)
		}()
	}
}

// Terminate drains the input queue, lets the basecall workers flush
// their partial batches, and then terminates the downstream sink.
func (n *BasecallerNode) Terminate() {
	if n.isRunning() {
		n.StopInputProcessing()
		close(n.chunkChan)
		n.callers.Wait()
	}
	n.TerminateSink()
}

// Restart re-arms the node after a completed terminate.
func (n *BasecallerNode) Restart() {
	n.startCallers()
	n.MessageSink.Restart()
}

func (n *BasecallerNode) inputWorker() {
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
		if len(read.Signal) < n.stride {
			logger.Warnf("skipping read %v: %v samples cannot be basecalled", read.ID, len(read.Signal))
			n.numMalformed.Add(1)
			continue
		}
		working := &workingRead{read: read}
		working.chunks = n.chunkSignal(working)
		for _, chunk := range working.chunks {
			n.chunkChan <- chunk
		}
	}
}

// chunkSignal slices the read's signal into overlapping chunks. The
// last chunk is shifted left so that every chunk except possibly a
// single short one has the full chunk size, and all offsets stay
// aligned to the model stride.
func (n *BasecallerNode) chunkSignal(working *workingRead) []*readChunk {
	signal := working.read.Signal
	if len(signal) <= n.chunkSize {
		return []*readChunk{{owner: working, idx: 0, offset: 0, signal: signal}}
	}
	step := n.chunkSize - n.overlap
	var chunks []*readChunk
	for offset := 0; ; offset += step {
		if offset+n.chunkSize >= len(signal) {
			offset = (len(signal) - n.chunkSize) / n.stride * n.stride
			chunks = append(chunks, &readChunk{
				owner:  working,
				idx:    len(chunks),
				offset: offset,
				signal: signal[offset : offset+n.chunkSize],
			})
			return chunks
		}
		chunks = append(chunks, &readChunk{
			owner:  working,
			idx:    len(chunks),
			offset: offset,
			signal: signal[offset : offset+n.chunkSize],
		})
	}
}

// basecallWorker drains the chunk channel into batches for one runner.
// A batch is submitted as soon as it is full, or as soon as no more
// chunks are immediately available.
func (n *BasecallerNode) basecallWorker(runner *model.Runner) {
	batch := make([]*readChunk, 0, n.batchSize)
	for {
		chunk, ok := <-n.chunkChan
		if !ok {
			break
		}
		batch = append(batch, chunk)
	fill:
		for len(batch) < n.batchSize {
			select {
			case chunk, ok := <-n.chunkChan:
				if !ok {
					break fill
				}
				batch = append(batch, chunk)
			default:
				break fill
			}
		}
		n.callBatch(runner, batch)
		batch = batch[:0]
	}
	if len(batch) > 0 {
		n.callBatch(runner, batch)
	}
}

func (n *BasecallerNode) callBatch(runner *model.Runner, batch []*readChunk) {
	signals := make([][]float32, len(batch))
	for i, chunk := range batch {
		signals[i] = chunk.signal
	}
	results, err := runner.CallChunks(signals)
	if err != nil {
		for _, chunk := range batch {
			if !chunk.owner.failed.Swap(true) {
				logger.Errorf("%v, while basecalling read %v", err, chunk.owner.read.ID)
			}
			n.completeChunk(chunk)
		}
		return
	}
	for i, chunk := range batch {
		chunk.result = results[i]
		n.completeChunk(chunk)
	}
}

func (n *BasecallerNode) completeChunk(chunk *readChunk) {
	working := chunk.owner
	if int(working.numComplete.Add(1)) < len(working.chunks) {
		return
	}
	if working.failed.Load() {
		n.numFailed.Add(1)
		return
	}
	stitchChunks(working, n.stride)
	n.numCalled.Add(1)
	n.SendMessageToSink(working.read)
}

// stitchChunks merges the decoded chunks of a read. Within an overlap
// region every sample is attributed to the chunk whose centre is
// closer, with ties broken towards the lower chunk index; the merge is
// deterministic for fixed chunking and model output regardless of how
// many workers called the chunks.
func stitchChunks(working *workingRead, stride int) {
	read := working.read
	chunks := working.chunks
	totalFrames := len(read.Signal) / stride
	moves := bitset.New(uint(totalFrames))
	var seq, qual []byte

	// Kept sample range per chunk, derived from chunk centres.
	for i, chunk := range chunks {
		lo := 0
		if i > 0 {
			lo = keptBoundary(chunks[i-1], chunk)
		}
		hi := len(read.Signal)
		if i+1 < len(chunks) {
			hi = keptBoundary(chunk, chunks[i+1])
		}
		numFrames := len(chunk.signal) / stride
		baseIdx := 0
		for frame := 0; frame < numFrames; frame++ {
			isMove := chunk.result.Moves != nil && chunk.result.Moves.Test(uint(frame))
			sample := chunk.offset + frame*stride
			if isMove && sample >= lo && sample < hi {
				seq = append(seq, chunk.result.Seq[baseIdx])
				qual = append(qual, chunk.result.Qual[baseIdx])
				moves.Set(uint(sample / stride))
			}
			if isMove {
				baseIdx++
			}
		}
	}

	read.Seq = seq
	read.Qual = qual
	read.Moves = moves
	read.ModelStride = stride
}

// keptBoundary returns the first sample index that belongs to the
// right chunk of an adjacent pair. A sample equidistant from both
// centres belongs to the left chunk.
func keptBoundary(left, right *readChunk) int {
	leftCentre := left.offset + len(left.signal)/2
	rightCentre := right.offset + len(right.signal)/2
	return (leftCentre+rightCentre)/2 + 1
}

// SampleStats implements the Sink interface.
func (n *BasecallerNode) SampleStats() NamedStats {
	stats := n.BaseStats()
	stats["reads_basecalled"] = float64(n.numCalled.Load())
	stats["inference_failures"] = float64(n.numFailed.Load())
	stats["malformed_reads"] = float64(n.numMalformed.Load())
	stats["num_runners"] = float64(len(n.runners))
	return stats
}

// SeqToSignalMap returns, for each called base, the signal sample at
// which it starts, with one trailing entry holding the total number of
// samples. It requires the read to have been basecalled.
func (r *Read) SeqToSignalMap() []int {
	if r.Moves == nil {
		return nil
	}
	seqToSig := make([]int, 0, len(r.Seq)+1)
	for frame, ok := r.Moves.NextSet(0); ok; frame, ok = r.Moves.NextSet(frame + 1) {
		seqToSig = append(seqToSig, int(frame)*r.ModelStride)
	}
	return append(seqToSig, len(r.Signal))
}
