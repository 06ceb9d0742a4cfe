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

package hts

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omics-engine/porecall/utils"
)

func testHeader() *Header {
	hdr := NewHeader()
	hdr.EnsureHD()
	hdr.AddReferenceSequence("chr1", 100000)
	hdr.AddReferenceSequence("chr2", 100000)
	hdr.AddReferenceSequence("chr3", 100000)
	return hdr
}

func testRecord(name string, refID, pos int32) *Record {
	rec := &Record{
		QNAME: name,
		RefID: refID,
		POS:   pos,
		MAPQ:  60,
	}
	// Roughly 1 KB per record, so that a couple of hundred records
	// overflow a small sorting buffer.
	rec.SetSeq(bytes.Repeat([]byte("ACGTACGTACGT"), 50))
	rec.Qual = bytes.Repeat([]byte{30}, 600)
	rec.TAGS.Set(utils.Intern("qs"), int64(30))
	return rec
}

func readAllRecords(t *testing.T, filename string) (*Header, []*Record) {
	t.Helper()
	in, err := openContainer(filename)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, in.close())
	}()
	var records []*Record
	for {
		rec, err := in.readRecord()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		records = append(records, rec)
	}
	return in.header, records
}

func TestRecordMarshalRoundTrip(t *testing.T) {
	rec := testRecord("read-1", 2, 12345)
	rec.TAGS.Set(utils.Intern("mv"), []byte{6, 1, 0, 1})
	rec.TAGS.Set(utils.Intern("MM"), "5mC")

	var out Record
	require.NoError(t, out.Unmarshal(rec.Marshal(nil)))

	assert.Equal(t, rec.QNAME, out.QNAME)
	assert.Equal(t, rec.RefID, out.RefID)
	assert.Equal(t, rec.POS, out.POS)
	assert.Equal(t, rec.MAPQ, out.MAPQ)
	assert.Equal(t, string(bytes.Repeat([]byte("ACGTACGTACGT"), 50)), string(out.SeqString()))
	assert.Equal(t, rec.Qual, out.Qual)
	value, ok := out.TAGS.Get(utils.Intern("mv"))
	require.True(t, ok)
	assert.Equal(t, []byte{6, 1, 0, 1}, value)
	value, ok = out.TAGS.Get(utils.Intern("MM"))
	require.True(t, ok)
	assert.Equal(t, "5mC", value)
}

func TestSortedOutputSmallBufferManyRecords(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "sorted.bam")

	f, err := NewHtsFile(output, BAM, true)
	require.NoError(t, err)
	require.NoError(t, f.SetBufferSize(200000))
	require.NoError(t, f.SetHeader(testHeader()))

	rng := rand.New(rand.NewSource(42))
	const numRecords = 1000
	for i := 0; i < numRecords; i++ {
		rec := testRecord(fmt.Sprintf("read-%v", i), int32(rng.Intn(3)), int32(rng.Intn(90000)))
		require.NoError(t, f.Write(rec))
	}

	var percents []int
	require.NoError(t, f.Finalise(func(percent int) {
		percents = append(percents, percent)
	}))

	// Progress starts at 0, ends at 100, and never goes backwards.
	require.NotEmpty(t, percents)
	assert.Equal(t, 0, percents[0])
	assert.Equal(t, 100, percents[len(percents)-1])
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}

	// All temporary files are gone.
	matches, err := filepath.Glob(output + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches)

	hdr, records := readAllRecords(t, output)
	assert.Equal(t, Coordinate, hdr.SO())
	require.Len(t, records, numRecords)
	seen := make(map[string]bool, numRecords)
	for i, rec := range records {
		if i > 0 {
			assert.LessOrEqual(t, records[i-1].SortingKey(), rec.SortingKey())
		}
		assert.False(t, seen[rec.QNAME], "record %v appears twice", rec.QNAME)
		seen[rec.QNAME] = true
	}

	// The header has reference sequences, so an index is built.
	_, err = os.Stat(output + ".pci")
	assert.NoError(t, err)
}

func TestSortedOutputSingleTempFileIsRenamed(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "sorted.bam")

	f, err := NewHtsFile(output, BAM, true)
	require.NoError(t, err)
	require.NoError(t, f.SetHeader(testHeader()))
	require.NoError(t, f.Write(testRecord("b", 1, 500)))
	require.NoError(t, f.Write(testRecord("a", 0, 100)))
	require.NoError(t, f.Finalise(nil))

	_, records := readAllRecords(t, output)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].QNAME)
	assert.Equal(t, "b", records[1].QNAME)
}

func TestSortedOutputNoRecords(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "sorted.bam")

	f, err := NewHtsFile(output, BAM, true)
	require.NoError(t, err)
	require.NoError(t, f.SetHeader(testHeader()))
	require.NoError(t, f.Finalise(nil))

	_, err = os.Stat(output)
	assert.True(t, os.IsNotExist(err))
}

func TestFinaliseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "sorted.bam")

	f, err := NewHtsFile(output, BAM, true)
	require.NoError(t, err)
	require.NoError(t, f.SetHeader(testHeader()))
	require.NoError(t, f.Write(testRecord("a", 0, 100)))
	require.NoError(t, f.Finalise(nil))
	require.NoError(t, f.Finalise(nil))
}

func TestBufferSizeMinimum(t *testing.T) {
	dir := t.TempDir()
	f, err := NewHtsFile(filepath.Join(dir, "sorted.bam"), BAM, true)
	require.NoError(t, err)
	assert.Error(t, f.SetBufferSize(MinimumBufferSize-1))
	assert.NoError(t, f.SetBufferSize(MinimumBufferSize))
}

func TestMergeRejectsMismatchedHeaders(t *testing.T) {
	dir := t.TempDir()
	writeSorted := func(name string, hdr *Header, recs ...*Record) string {
		path := filepath.Join(dir, name)
		out, err := newContainerWriter(path, true)
		require.NoError(t, err)
		require.NoError(t, out.writeHeader(hdr))
		for _, rec := range recs {
			require.NoError(t, out.writeRecord(rec))
		}
		require.NoError(t, out.close())
		return path
	}

	hdr1 := testHeader()
	hdr2 := testHeader()
	hdr2.AddReferenceSequence("chr4", 100)

	first := writeSorted("first.tmp", hdr1, testRecord("a", 0, 1))
	second := writeSorted("second.tmp", hdr2, testRecord("b", 1, 1))

	err := MergeSortedFiles(filepath.Join(dir, "out.bam"), []string{first, second}, nil)
	require.ErrorIs(t, err, ErrHeaderMismatch)

	// The inputs are retained for manual recovery.
	_, err = os.Stat(first)
	assert.NoError(t, err)
	_, err = os.Stat(second)
	assert.NoError(t, err)
}

func TestMergeSortedFiles(t *testing.T) {
	dir := t.TempDir()
	hdr := testHeader()
	writeSorted := func(name string, recs ...*Record) string {
		path := filepath.Join(dir, name)
		out, err := newContainerWriter(path, true)
		require.NoError(t, err)
		require.NoError(t, out.writeHeader(hdr))
		for _, rec := range recs {
			require.NoError(t, out.writeRecord(rec))
		}
		require.NoError(t, out.close())
		return path
	}

	first := writeSorted("first.tmp",
		testRecord("a", 0, 100), testRecord("c", 1, 50))
	second := writeSorted("second.tmp",
		testRecord("b", 0, 200), testRecord("d", 2, 10))

	output := filepath.Join(dir, "merged.bam")
	require.NoError(t, MergeSortedFiles(output, []string{first, second}, nil))

	_, records := readAllRecords(t, output)
	require.Len(t, records, 4)
	names := make([]string, len(records))
	for i, rec := range records {
		names[i] = rec.QNAME
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)
}

func TestSAMOutput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "out.sam")

	f, err := NewHtsFile(output, SAM, false)
	require.NoError(t, err)
	require.NoError(t, f.SetHeader(testHeader()))
	require.NoError(t, f.Write(testRecord("read-1", 0, 41)))
	require.NoError(t, f.Finalise(nil))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "@SQ\tSN:chr1\tLN:100000\n")
	assert.Contains(t, text, "read-1\t0\tchr1\t42\t60\t*\t*\t0\t0\t"+string(bytes.Repeat([]byte("ACGTACGTACGT"), 50))+"\t")
	assert.Contains(t, text, "qs:i:30")
}

func TestFASTQOutput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "out.fastq")

	f, err := NewHtsFile(output, FASTQ, false)
	require.NoError(t, err)
	require.NoError(t, f.Write(testRecord("read-1", -1, -1)))
	require.NoError(t, f.Finalise(nil))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	expected := "@read-1\n" + string(bytes.Repeat([]byte("ACGTACGTACGT"), 50)) +
		"\n+\n" + string(bytes.Repeat([]byte{'?'}, 600)) + "\n"
	assert.Equal(t, expected, string(data))
}
