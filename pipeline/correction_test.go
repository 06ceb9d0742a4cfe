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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func repeatSeq(pattern string, length int) []byte {
	seq := make([]byte, length)
	for i := range seq {
		seq[i] = pattern[i%len(pattern)]
	}
	return seq
}

// fullMatchAlignments aligns one query perfectly against the whole
// target with a single match operation.
func fullMatchAlignments(targetLen int) *CorrectionAlignments {
	seq := repeatSeq("ACGT", targetLen)
	return &CorrectionAlignments{
		ReadName: "target",
		ReadSeq:  seq,
		QNames:   []string{"query"},
		Seqs:     [][]byte{append([]byte(nil), seq...)},
		Overlaps: []Overlap{{
			QStart: 0, QEnd: targetLen, QLen: targetLen,
			TStart: 0, TEnd: targetLen, TLen: targetLen,
			Fwd: true,
		}},
		Cigars: [][]CigarOp{{{Op: CigarMatch, Len: targetLen}}},
	}
}

func TestExtractWindowsCoversTarget(t *testing.T) {
	const windowSize = 4096
	const targetLen = 2 * windowSize
	alignments := fullMatchAlignments(targetLen)

	windows := make([][]OverlapWindow, 2)
	ExtractWindows(windows, alignments, windowSize)

	require.Len(t, windows[0], 1)
	require.Len(t, windows[1], 1)

	first := windows[0][0]
	second := windows[1][0]
	assert.Equal(t, 0, first.TStart)
	assert.Equal(t, 0, first.QStart)
	assert.Equal(t, windowSize, first.QEnd)
	assert.Equal(t, windowSize, second.TStart)
	assert.Equal(t, windowSize, second.QStart)
	assert.Equal(t, targetLen, second.QEnd)

	// Concatenating the projected target ranges reconstructs the
	// alignment's target coverage exactly.
	assert.Equal(t, first.TStart+windowSize, second.TStart)
}

func TestExtractWindowsSkipsShortOverlaps(t *testing.T) {
	const windowSize = 4096
	alignments := fullMatchAlignments(windowSize / 2)
	windows := make([][]OverlapWindow, 1)
	ExtractWindows(windows, alignments, windowSize)
	assert.Empty(t, windows[0])
}

func TestFilterOverlapRejectsLongIndels(t *testing.T) {
	const windowSize = 4096
	seq := repeatSeq("ACGT", 2*windowSize)
	alignments := &CorrectionAlignments{
		ReadSeq: seq,
		Seqs:    [][]byte{seq},
		Overlaps: []Overlap{{
			QStart: 0, QEnd: len(seq), QLen: len(seq),
			TStart: 0, TEnd: len(seq), TLen: len(seq),
			Fwd: true,
		}},
		Cigars: [][]CigarOp{{
			{Op: CigarMatch, Len: 1000},
			{Op: CigarDel, Len: 40},
			{Op: CigarMatch, Len: len(seq) - 1040},
		}},
	}
	window := OverlapWindow{OverlapIdx: 0, CigarStartIdx: 0, CigarEndIdx: 2}
	assert.True(t, filterOverlap(window, alignments))

	alignments.Cigars[0][1].Len = 10
	assert.False(t, filterOverlap(window, alignments))
}

func TestCalculateAccuracyPerfectMatch(t *testing.T) {
	const windowSize = 4096
	alignments := fullMatchAlignments(2 * windowSize)
	windows := make([][]OverlapWindow, 2)
	ExtractWindows(windows, alignments, windowSize)
	require.Len(t, windows[0], 1)

	calculateAccuracy(&windows[0][0], alignments, 0, windowSize, windowSize)
	assert.Equal(t, 1.0, windows[0][0].Accuracy)
}

func TestCorrectionNodeProcessesAndDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	collector := &collectorSink{}
	node := NewCorrectionNode(collector, DefaultCorrectionConfig(), 1, 100)
	require.NoError(t, node.PushMessage(fullMatchAlignments(8192)))
	read := &Read{ID: "passthrough"}
	require.NoError(t, node.PushMessage(read))
	node.Terminate()

	// The alignments are consumed; other variants pass through.
	require.Len(t, collector.messages, 1)
	assert.Same(t, read, collector.messages[0].(*Read))
	stats := node.SampleStats()
	assert.Equal(t, 1.0, stats["alignments_processed"])
	assert.Equal(t, 2.0, stats["windows_extracted"])
}

func TestCorrectionNodeDebugReadFilter(t *testing.T) {
	defer goleak.VerifyNone(t)

	collector := &collectorSink{}
	config := CorrectionConfig{WindowSize: 4096, DebugReadFilter: "some-other-read"}
	node := NewCorrectionNode(collector, config, 1, 100)
	require.NoError(t, node.PushMessage(fullMatchAlignments(8192)))
	node.Terminate()

	stats := node.SampleStats()
	assert.Equal(t, 0.0, stats["alignments_processed"])
	assert.Equal(t, 1.0, stats["alignments_filtered"])
}
