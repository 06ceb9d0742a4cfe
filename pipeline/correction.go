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
	"sort"
	"sync/atomic"
)

// correctionTopK bounds how many overlaps are kept per window.
const correctionTopK = 30

// longIndelThreshold is the indel length at or above which an overlap is
// excluded from a window.
const longIndelThreshold = 30

// An OverlapWindow is the projection of one source alignment onto a
// fixed-size target window: target start, query range, and the cigar
// bracket with offsets into its first and last operation.
type OverlapWindow struct {
	OverlapIdx       int
	TStart           int
	QStart, QEnd     int
	CigarStartIdx    int
	CigarStartOffset int
	CigarEndIdx      int
	CigarEndOffset   int
	Accuracy         float64
}

// CorrectionConfig tunes the correction node.
type CorrectionConfig struct {
	// WindowSize is the target window size in bases.
	WindowSize int

	// DebugReadFilter restricts processing to a single read name when
	// non-empty. Leave empty to process every alignment batch.
	DebugReadFilter string
}

// DefaultCorrectionConfig returns the correction defaults.
func DefaultCorrectionConfig() CorrectionConfig {
	return CorrectionConfig{WindowSize: 4096}
}

// A CorrectionNode consumes correction alignment batches, splits every
// alignment into target-coordinate windows, and scores the windows.
// Other message variants are forwarded unchanged.
type CorrectionNode struct {
	MessageSink
	config CorrectionConfig

	numProcessed atomic.Int64
	numFiltered  atomic.Int64
	numWindows   atomic.Int64
}

// NewCorrectionNode creates a running correction node.
func NewCorrectionNode(sink Sink, config CorrectionConfig, numWorkers, maxMessages int) *CorrectionNode {
	if config.WindowSize <= 0 {
		config.WindowSize = DefaultCorrectionConfig().WindowSize
	}
	node := &CorrectionNode{config: config}
	node.MessageSink = NewMessageSink("CorrectionNode", maxMessages, numWorkers, sink)
	node.StartInputProcessing(node.inputWorker)
	return node
}

func (n *CorrectionNode) inputWorker() {
	for {
		msg, ok := n.GetInputMessage()
		if !ok {
			return
		}
		alignments, isAlignments := msg.(*CorrectionAlignments)
		if !isAlignments {
			n.SendMessageToSink(msg)
			continue
		}
		if n.config.DebugReadFilter != "" && alignments.ReadName != n.config.DebugReadFilter {
			n.numFiltered.Add(1)
			continue
		}
		windowSize := n.config.WindowSize
		numWindows := (len(alignments.ReadSeq) + windowSize - 1) / windowSize
		windows := make([][]OverlapWindow, numWindows)
		ExtractWindows(windows, alignments, windowSize)
		ExtractFeatures(windows, alignments, windowSize)
		for _, overlapWindows := range windows {
			n.numWindows.Add(int64(len(overlapWindows)))
		}
		n.numProcessed.Add(1)
	}
}

// SampleStats implements the Sink interface.
func (n *CorrectionNode) SampleStats() NamedStats {
	stats := n.BaseStats()
	stats["alignments_processed"] = float64(n.numProcessed.Load())
	stats["alignments_filtered"] = float64(n.numFiltered.Load())
	stats["windows_extracted"] = float64(n.numWindows.Load())
	return stats
}

// filterOverlap reports whether a window contains an indel long enough
// to exclude its overlap.
func filterOverlap(overlap OverlapWindow, alignments *CorrectionAlignments) bool {
	cigar := alignments.Cigars[overlap.OverlapIdx]
	end := overlap.CigarEndIdx + 1
	if end > len(cigar) {
		end = len(cigar)
	}
	for i := overlap.CigarStartIdx; i < end; i++ {
		if (cigar[i].Op == CigarIns || cigar[i].Op == CigarDel) && cigar[i].Len >= longIndelThreshold {
			return true
		}
	}
	return false
}

// calculateAccuracy scores a window by walking its cigar bracket over
// the target and query subsequences.
func calculateAccuracy(overlap *OverlapWindow, alignments *CorrectionAlignments, winIdx, winLen, windowSize int) {
	tstart := overlap.TStart
	tend := winIdx*windowSize + winLen

	overlapIdx := overlap.OverlapIdx
	oqstart := alignments.Overlaps[overlapIdx].QStart
	oqend := alignments.Overlaps[overlapIdx].QEnd
	var qstart, qend int
	if alignments.Overlaps[overlapIdx].Fwd {
		qstart = oqstart + overlap.QStart
		qend = oqstart + overlap.QEnd
	} else {
		qstart = oqend - overlap.QEnd
		qend = oqend - overlap.QStart
	}

	tseq := alignments.ReadSeq[tstart:tend]
	qseq := alignments.Seqs[overlapIdx][qstart:qend]
	if !alignments.Overlaps[overlapIdx].Fwd {
		qseq = reverseComplement(qseq)
	}

	cigar := alignments.Cigars[overlapIdx]
	tpos, qpos := 0, 0
	m, s, i, d := 0, 0, 0, 0

	for idx := overlap.CigarStartIdx; idx <= overlap.CigarEndIdx && idx < len(cigar); idx++ {
		length := -1
		switch {
		case overlap.CigarStartIdx == overlap.CigarEndIdx:
			length = overlap.CigarEndOffset - overlap.CigarStartOffset
		case idx == overlap.CigarStartIdx:
			length = cigar[idx].Len - overlap.CigarStartOffset
		case idx == overlap.CigarEndIdx:
			length = overlap.CigarEndOffset
		default:
			length = cigar[idx].Len
		}
		if length == 0 {
			break
		}
		switch cigar[idx].Op {
		case CigarMatch, CigarMismatch:
			for j := 0; j < length; j++ {
				if tpos+j >= len(tseq) || qpos+j >= len(qseq) {
					break
				}
				if tseq[tpos+j] == qseq[qpos+j] {
					m++
				} else {
					s++
				}
			}
			tpos += length
			qpos += length
		case CigarIns:
			i += length
			qpos += length
		case CigarDel:
			d += length
			tpos += length
		}
	}

	overlap.Accuracy = float64(m) / float64(m+s+i+d)
}

// getMaxInsForWindow returns, per target position of a window, the
// longest insertion any overlap places there.
func getMaxInsForWindow(windows []OverlapWindow, alignments *CorrectionAlignments, tstart, winLen int) []int {
	maxIns := make([]int, winLen)
	for _, overlap := range windows {
		tpos := overlap.TStart - tstart
		cigar := alignments.Cigars[overlap.OverlapIdx]
		cigarLen := overlap.CigarEndIdx - overlap.CigarStartIdx + 1

		end := overlap.CigarEndIdx
		if end > len(cigar)-1 {
			end = len(cigar) - 1
		}
		for i := overlap.CigarStartIdx; i <= end; i++ {
			op := cigar[i].Op
			length := cigar[i].Len
			l := -1
			switch op {
			case CigarMatch, CigarMismatch, CigarDel:
				l = length
			case CigarIns:
				if tpos-1 >= 0 && tpos-1 < winLen && length > maxIns[tpos-1] {
					maxIns[tpos-1] = length
				}
				continue
			}
			switch {
			case cigarLen == 1:
				tpos += overlap.CigarEndOffset - overlap.CigarStartOffset
			case i == overlap.CigarStartIdx:
				tpos += l - overlap.CigarStartOffset
			case i == overlap.CigarEndIdx:
				tpos += overlap.CigarEndOffset
			default:
				tpos += l
			}
		}
	}
	return maxIns
}

// ExtractFeatures filters, scores, and ranks the overlaps of every
// window, keeping the top overlaps by accuracy.
func ExtractFeatures(windows [][]OverlapWindow, alignments *CorrectionAlignments, windowSize int) {
	tlen := len(alignments.ReadSeq)
	for w := range windows {
		winLen := windowSize
		if w == len(windows)-1 {
			winLen = tlen - windowSize*w
		}

		filtered := windows[w][:0]
		for _, overlap := range windows[w] {
			if !filterOverlap(overlap, alignments) {
				filtered = append(filtered, overlap)
			}
		}
		windows[w] = filtered

		for i := range windows[w] {
			calculateAccuracy(&windows[w][i], alignments, w, winLen, windowSize)
		}
		sort.SliceStable(windows[w], func(i, j int) bool {
			return windows[w][i].Accuracy > windows[w][j].Accuracy
		})
		if len(windows[w]) > correctionTopK {
			windows[w] = windows[w][:correctionTopK]
		}

		getMaxInsForWindow(windows[w], alignments, w*windowSize, winLen)
	}
}

// ExtractWindows splits every alignment of a correction batch into
// target-coordinate windows. Concatenating the projected target ranges
// of an alignment's windows reconstructs its target coverage exactly.
func ExtractWindows(windows [][]OverlapWindow, alignments *CorrectionAlignments, windowSize int) {
	for a := range alignments.Overlaps {
		overlap := alignments.Overlaps[a]
		cigar := alignments.Cigars[a]

		if overlap.TEnd-overlap.TStart < windowSize {
			continue
		}

		zerothWindowThresh := windowSize / 10
		nthWindowThresh := overlap.TLen - zerothWindowThresh

		var firstWindow, lastWindow int
		if overlap.TStart < zerothWindowThresh {
			firstWindow = 0
		} else {
			firstWindow = (overlap.TStart + windowSize - 1) / windowSize
		}
		if overlap.TEnd > nthWindowThresh {
			lastWindow = (overlap.TEnd-1)/windowSize + 1
		} else {
			lastWindow = overlap.TEnd / windowSize
		}
		tstart := overlap.TStart
		tpos := overlap.TStart
		qpos := 0

		if lastWindow-firstWindow < 1 {
			continue
		}

		tWindowStart := -1
		qWindowStart := -1
		cigarStartIdx := -1
		cigarStartOffset := -1

		if tpos%windowSize == 0 || tstart < zerothWindowThresh {
			tWindowStart = tpos
			qWindowStart = qpos
			cigarStartIdx = 0
			cigarStartOffset = 0
		}

		for cigarIdx := 0; cigarIdx < len(cigar); cigarIdx++ {
			op := cigar[cigarIdx]
			tnew := tpos
			qnew := qpos
			switch op.Op {
			case CigarMatch, CigarMismatch:
				tnew = tpos + op.Len
				qnew = qpos + op.Len
			case CigarDel:
				tnew = tpos + op.Len
			case CigarIns:
				qpos += op.Len
				continue
			default:
				continue
			}

			currentW := tpos / windowSize
			newW := tnew / windowSize
			diffW := newW - currentW
			if diffW == 0 {
				tpos = tnew
				qpos = qnew
				continue
			}

			isMatch := op.Op == CigarMatch || op.Op == CigarMismatch

			for i := 1; i < diffW; i++ {
				offset := (currentW+i)*windowSize - tpos
				qStartNew := qpos
				if isMatch {
					qStartNew = qpos + offset
				}
				if cigarStartIdx >= 0 {
					windows[currentW+i-1] = append(windows[currentW+i-1], OverlapWindow{
						OverlapIdx:       a,
						TStart:           tWindowStart,
						QStart:           qWindowStart,
						QEnd:             qStartNew,
						CigarStartIdx:    cigarStartIdx,
						CigarStartOffset: cigarStartOffset,
						CigarEndIdx:      cigarIdx,
						CigarEndOffset:   offset,
					})
				}
				tWindowStart = tpos + offset
				if isMatch {
					qWindowStart = qpos + offset
				} else {
					qWindowStart = qpos
				}
				cigarStartIdx = cigarIdx
				cigarStartOffset = offset
			}

			offset := newW*windowSize - tpos
			qend := qpos
			if isMatch {
				qend = qpos + offset
			}

			var cigarEndIdx, cigarEndOffset int
			if tnew == newW*windowSize {
				if cigarIdx+1 < len(cigar) && cigar[cigarIdx+1].Op == CigarIns {
					qend += cigar[cigarIdx+1].Len
					cigarEndIdx = cigarIdx + 2
				} else {
					cigarEndIdx = cigarIdx + 1
				}
				cigarEndOffset = 0
			} else {
				cigarEndIdx = cigarIdx
				cigarEndOffset = offset
			}

			if cigarStartIdx >= 0 {
				windows[newW-1] = append(windows[newW-1], OverlapWindow{
					OverlapIdx:       a,
					TStart:           tWindowStart,
					QStart:           qWindowStart,
					QEnd:             qend,
					CigarStartIdx:    cigarStartIdx,
					CigarStartOffset: cigarStartOffset,
					CigarEndIdx:      cigarEndIdx,
					CigarEndOffset:   cigarEndOffset,
				})
			}
			tWindowStart = tpos + offset
			qWindowStart = qend
			cigarStartIdx = cigarEndIdx
			cigarStartOffset = cigarEndOffset

			tpos = tnew
			qpos = qnew
		}

		if tpos > nthWindowThresh && tpos%windowSize != 0 {
			windows[lastWindow-1] = append(windows[lastWindow-1], OverlapWindow{
				OverlapIdx:       a,
				TStart:           tWindowStart,
				QStart:           qWindowStart,
				QEnd:             qpos,
				CigarStartIdx:    cigarStartIdx,
				CigarStartOffset: cigarStartOffset,
				CigarEndIdx:      len(cigar),
				CigarEndOffset:   0,
			})
		}
	}
}

var complementTable = func() [256]byte {
	var table [256]byte
	for i := range table {
		table[i] = byte(i)
	}
	table['A'], table['C'], table['G'], table['T'] = 'T', 'G', 'C', 'A'
	return table
}()

// reverseComplement returns the reverse complement of a sequence.
func reverseComplement(seq []byte) []byte {
	result := make([]byte, len(seq))
	for i, base := range seq {
		result[len(seq)-1-i] = complementTable[base]
	}
	return result
}
