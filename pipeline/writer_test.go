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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
	"go.uber.org/goleak"

	"github.com/omics-engine/porecall/hts"
)

func TestRecordFromRead(t *testing.T) {
	moves := bitset.New(4)
	moves.Set(0)
	moves.Set(2)
	read := &Read{
		ID:                "read-1",
		Signal:            make([]float32, 24),
		Seq:               []byte("AC"),
		Qual:              []byte{'!' + 20, '!' + 30},
		Moves:             moves,
		ModelStride:       6,
		NumTrimmedSamples: 10,
		PolyTailLength:    55,
		BaseModInfo:       "5mC",
		BaseModProbs:      []byte{224, 16},
	}

	rec := RecordFromRead(read)
	assert.Equal(t, "read-1", rec.QNAME)
	assert.True(t, rec.IsUnmapped())
	assert.Equal(t, int32(-1), rec.RefID)
	assert.Equal(t, "AC", string(rec.SeqString()))
	assert.Equal(t, []byte{20, 30}, rec.Qual)

	value, ok := rec.TAGS.Get(tagQS)
	require.True(t, ok)
	assert.Equal(t, int64(25), value)
	value, ok = rec.TAGS.Get(tagPT)
	require.True(t, ok)
	assert.Equal(t, int64(55), value)
	value, ok = rec.TAGS.Get(tagMV)
	require.True(t, ok)
	assert.Equal(t, []byte{6, 1, 0, 1, 0}, value)
	value, ok = rec.TAGS.Get(tagML)
	require.True(t, ok)
	assert.Equal(t, []byte{224, 16}, value)
}

func TestWriterNodeWritesAndDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	file, err := hts.NewHtsFile(filepath.Join(dir, "out.fastq"), hts.FASTQ, false)
	require.NoError(t, err)
	writer := NewWriterNode(file, 100)

	require.NoError(t, writer.PushMessage(&Read{
		ID:   "read-1",
		Seq:  []byte("ACGT"),
		Qual: []byte("&&&&"),
	}))
	require.NoError(t, writer.PushMessage(&CorrectionAlignments{}))
	writer.Terminate()
	require.NoError(t, file.Finalise(nil))

	stats := writer.SampleStats()
	assert.Equal(t, 1.0, stats["reads_written"])
	assert.Equal(t, 1.0, stats["messages_dropped"])
}
