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

package model

import (
	"fmt"
	"sync"

	"github.com/pbnjay/memory"
	"github.com/willf/bitset"
)

// A ChunkResult holds the decoded output for one chunk of a batch: the
// called bases, their phred+33 qualities, and one move bit per model
// output step.
type ChunkResult struct {
	Seq   []byte
	Qual  []byte
	Moves *bitset.BitSet
}

// A Caller owns model weights and batch scratch memory, typically
// resident on one device. A caller outlives every runner bound to it
// and serialises device access internally; runners never touch device
// memory directly.
type Caller interface {
	CallBatch(batch [][]float32) ([]ChunkResult, error)
	BatchSize() int
	ChunkSize() int
	ModelStride() int
	Device() string
	Close() error
}

// A Runner is a lightweight stateless handle invoking a shared caller.
// A runner may be used by at most one goroutine at a time; the
// embedded mutex enforces this for callers that hand the same runner
// to several workers.
type Runner struct {
	mutex  sync.Mutex
	caller Caller
}

// NewRunner binds a runner to a caller.
func NewRunner(caller Caller) *Runner {
	return &Runner{caller: caller}
}

// ModelStride returns the caller's model stride.
func (r *Runner) ModelStride() int { return r.caller.ModelStride() }

// ChunkSize returns the caller's negotiated chunk size.
func (r *Runner) ChunkSize() int { return r.caller.ChunkSize() }

// BatchSize returns the caller's negotiated batch size.
func (r *Runner) BatchSize() int { return r.caller.BatchSize() }

// CallChunks submits a batch of chunks and returns the decoded
// results, one per chunk.
func (r *Runner) CallChunks(batch [][]float32) ([]ChunkResult, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.caller.CallBatch(batch)
}

// cpuCaller is the reference decoder. It emits a base whenever the
// windowed signal level steps by more than moveThreshold between
// consecutive model frames, and quantises the level into the four
// bases. The decode is deterministic for a given chunk.
type cpuCaller struct {
	config    Config
	chunkSize int
	batchSize int
}

const (
	cpuDefaultBatchSize = 128
	moveThreshold       = 0.18
)

func newCPUCaller(config Config, chunkSize, batchSize int, memoryFraction float64) (*cpuCaller, error) {
	if chunkSize < config.Stride {
		return nil, fmt.Errorf("chunk size %v smaller than model stride %v", chunkSize, config.Stride)
	}
	if batchSize == 0 {
		batchSize = cpuDefaultBatchSize
	}
	// Negotiate the batch size downward to fit in the memory budget.
	budget := int(float64(memory.TotalMemory()) * memoryFraction)
	if budget > 0 {
		if maxBatch := budget / (chunkSize * config.BytesPerChunkSample); maxBatch < batchSize {
			if maxBatch < 1 {
				maxBatch = 1
			}
			batchSize = maxBatch
		}
	}
	return &cpuCaller{
		config:    config,
		chunkSize: roundUpChunkSize(chunkSize, config.Stride),
		batchSize: batchSize,
	}, nil
}

// roundUpChunkSize rounds a chunk size up to the nearest multiple of
// the model stride.
func roundUpChunkSize(chunkSize, stride int) int {
	return (chunkSize + stride - 1) / stride * stride
}

func (c *cpuCaller) BatchSize() int   { return c.batchSize }
func (c *cpuCaller) ChunkSize() int   { return c.chunkSize }
func (c *cpuCaller) ModelStride() int { return c.config.Stride }
func (c *cpuCaller) Device() string   { return "cpu" }
func (c *cpuCaller) Close() error     { return nil }

var baseLevels = [4]float32{-0.75, -0.25, 0.25, 0.75}

func classifyLevel(level float32) (base byte, qual byte) {
	best := 0
	bestDist := level - baseLevels[0]
	if bestDist < 0 {
		bestDist = -bestDist
	}
	for i := 1; i < 4; i++ {
		dist := level - baseLevels[i]
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	// Confidence shrinks with the distance from the bucket centre.
	q := 40 - int(bestDist*60)
	if q < 2 {
		q = 2
	}
	return "ACGT"[best], byte('!' + q)
}

func (c *cpuCaller) CallBatch(batch [][]float32) ([]ChunkResult, error) {
	if len(batch) > c.batchSize {
		return nil, fmt.Errorf("batch of %v chunks exceeds negotiated batch size %v", len(batch), c.batchSize)
	}
	results := make([]ChunkResult, len(batch))
	for i, chunk := range batch {
		results[i] = c.callChunk(chunk)
	}
	return results, nil
}

func (c *cpuCaller) callChunk(chunk []float32) ChunkResult {
	stride := c.config.Stride
	numFrames := len(chunk) / stride
	moves := bitset.New(uint(numFrames))
	var seq, qual []byte
	var prevLevel float32
	for frame := 0; frame < numFrames; frame++ {
		var sum float32
		for i := frame * stride; i < (frame+1)*stride; i++ {
			sum += chunk[i]
		}
		level := sum / float32(stride)
		delta := level - prevLevel
		if delta < 0 {
			delta = -delta
		}
		if frame == 0 || delta > moveThreshold {
			moves.Set(uint(frame))
			base, q := classifyLevel(level)
			seq = append(seq, base)
			qual = append(qual, q)
		}
		prevLevel = level
	}
	return ChunkResult{Seq: seq, Qual: qual, Moves: moves}
}
