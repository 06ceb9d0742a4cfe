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

// Package pipeline implements the streaming read pipeline: a directed
// acyclic graph of message-processing nodes connected by bounded
// queues, plus the concrete nodes that scale, basecall, and annotate
// nanopore reads on their way to an output sink.
package pipeline

import (
	"github.com/willf/bitset"
)

// A Message is one of the envelope variants that flow through the
// pipeline. Nodes pattern-match on the variants they consume and must
// forward every other variant unchanged.
type Message interface {
	message()
}

// A Read is one sequencing observation: the raw signal and everything
// derived from it. Reads are uniquely owned; a node must not retain a
// reference after forwarding.
type Read struct {
	ID string

	// Raw signal samples, scaled in place by the scaler node.
	Signal []float32

	// Scaling metadata populated by the scaler node.
	Mshift, Mscale    float32
	NumTrimmedSamples int

	// Basecall results populated by the basecaller node.
	Seq         []byte
	Qual        []byte
	Moves       *bitset.BitSet
	ModelStride int

	// Modified base probabilities, one byte in [0,255] per supported
	// position, populated by the modbase node.
	BaseModProbs []byte
	BaseModInfo  string

	// PolyTailLength is the estimated polyA tail length in bases, or 0
	// when no estimate was made.
	PolyTailLength int

	ClientInfo *ClientInfo
}

func (*Read) message() {}

// NumSamples returns the current length of the raw signal.
func (r *Read) NumSamples() int { return len(r.Signal) }

// A ReadPair references the template and complement reads of a duplex
// pair.
type ReadPair struct {
	Template   *Read
	Complement *Read
}

func (*ReadPair) message() {}

// CigarOpType enumerates alignment operations.
type CigarOpType int

// The alignment operations used by the correction subsystem.
const (
	CigarMatch CigarOpType = iota
	CigarMismatch
	CigarIns
	CigarDel
)

// A CigarOp is one alignment operation with its length.
type CigarOp struct {
	Op  CigarOpType
	Len int
}

// An Overlap describes one source alignment against the target read of
// a correction batch.
type Overlap struct {
	QStart, QEnd, QLen int
	TStart, TEnd, TLen int
	Fwd                bool
}

// CorrectionAlignments carries all alignments of candidate reads
// against one target read, for window extraction by the correction
// node.
type CorrectionAlignments struct {
	ReadName string
	ReadSeq  []byte
	QNames   []string
	Seqs     [][]byte
	Overlaps []Overlap
	Cigars   [][]CigarOp
}

func (*CorrectionAlignments) message() {}
