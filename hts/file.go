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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	psort "github.com/exascience/pargo/sort"

	"github.com/omics-engine/porecall/internal"
	"github.com/omics-engine/porecall/log"
)

var logger = log.GetLogger()

// OutputMode selects the on-disk form of the output.
type OutputMode int

// The supported output modes.
const (
	FASTQ OutputMode = iota
	SAM
	BAM
	UBAM
)

// MinimumBufferSize is the smallest allowed buffer size for sorted
// output, 100 KB.
const MinimumBufferSize = 100000

// Failure kinds of the sorted sink.
var (
	ErrHeaderMismatch = errors.New("temporary file headers do not match")
	ErrNoHeader       = errors.New("no header set before writing records")
)

// A ProgressCallback receives finalisation progress in percent.
type ProgressCallback func(percent int)

// progressUpdater maps merged record counts onto a percentage range.
type progressUpdater struct {
	callback   ProgressCallback
	start, end int
	total      int64
}

func (p *progressUpdater) update(processed int64) {
	if p.total <= 0 {
		return
	}
	percent := p.start + int(int64(p.end-p.start)*processed/p.total)
	p.callback(percent)
}

// keyOffset maps a record sorting key to its location in the sorted
// sink's buffer. An offset of -1 marks the overflowing record that
// triggered a flush and is passed alongside the buffer.
type keyOffset struct {
	key    uint64
	offset int64
	size   int
}

// keyOffsetSorter sorts buffered record keys with a parallel stable
// sort, so that equal keys keep their insertion order like a multimap.
type keyOffsetSorter []keyOffset

func (s keyOffsetSorter) SequentialSort(i, j int) {
	entries := s[i:j]
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].key < entries[j].key
	})
}

func (s keyOffsetSorter) NewTemp() psort.StableSorter {
	return make(keyOffsetSorter, len(s))
}

func (s keyOffsetSorter) Len() int {
	return len(s)
}

func (s keyOffsetSorter) Less(i, j int) bool {
	return s[i].key < s[j].key
}

func (s keyOffsetSorter) Assign(p psort.StableSorter) func(i, j, len int) {
	dst, src := s, p.(keyOffsetSorter)
	return func(i, j, len int) {
		for k := 0; k < len; k++ {
			dst[i+k] = src[j+k]
		}
	}
}

// An HtsFile writes alignment records in one of the output modes. In
// sorted mode records are buffered, spilled to sorted temporary files,
// and merged into a single coordinate-sorted file by Finalise.
//
// An HtsFile is not synchronised; it is owned by the single-threaded
// terminal writer of a pipeline.
type HtsFile struct {
	filename string
	mode     OutputMode
	sortBAM  bool

	header *Header

	// Direct write path.
	container *containerWriter
	text      *bufio.Writer
	textFile  *os.File

	// Sorted path.
	buffer       []byte
	bufferOffset int64
	bufferKeys   []keyOffset
	tempFiles    []string

	numRecords   int64
	finalised    bool
	finaliseNoop bool
}

// NewHtsFile opens an output file. In BAM mode with sortBAM set,
// nothing is written until records spill or Finalise runs.
func NewHtsFile(filename string, mode OutputMode, sortBAM bool) (*HtsFile, error) {
	f := &HtsFile{
		filename:     filename,
		mode:         mode,
		sortBAM:      sortBAM,
		finaliseNoop: true,
	}
	switch mode {
	case BAM:
		if sortBAM {
			f.finaliseNoop = false
			f.buffer = make([]byte, MinimumBufferSize)
			return f, nil
		}
		container, err := newContainerWriter(filename, true)
		if err != nil {
			return nil, err
		}
		f.container = container
	case UBAM:
		container, err := newContainerWriter(filename, false)
		if err != nil {
			return nil, err
		}
		f.container = container
	case SAM, FASTQ:
		file, err := os.Create(filename)
		if err != nil {
			return nil, err
		}
		f.textFile = file
		f.text = bufio.NewWriter(file)
	default:
		return nil, fmt.Errorf("unknown output mode %v", mode)
	}
	return f, nil
}

// SetBufferSize resizes the sorted-output buffer. The size must be at
// least MinimumBufferSize.
func (f *HtsFile) SetBufferSize(size int) error {
	if size < MinimumBufferSize {
		return fmt.Errorf("the buffer size for sorted output must be at least %v (%v KB)",
			MinimumBufferSize, MinimumBufferSize/1000)
	}
	f.buffer = make([]byte, size)
	return nil
}

// SetHeader installs the header and, on the direct write path, writes
// it out.
func (f *HtsFile) SetHeader(hdr *Header) error {
	f.header = hdr.Clone()
	switch {
	case f.container != nil:
		return f.container.writeHeader(f.header)
	case f.mode == SAM:
		_, err := f.text.Write(f.header.Format(nil))
		return err
	}
	return nil
}

// NumRecords returns the number of records written so far.
func (f *HtsFile) NumRecords() int64 { return f.numRecords }

// Write appends one record.
func (f *HtsFile) Write(rec *Record) error {
	f.numRecords++
	if f.sortBAM && f.mode == BAM {
		return f.cacheRecord(rec)
	}
	return f.writeToFile(rec)
}

func (f *HtsFile) writeToFile(rec *Record) error {
	switch f.mode {
	case FASTQ:
		buf := internal.ReserveByteBuffer()
		buf = rec.FormatFASTQ(buf)
		_, err := f.text.Write(buf)
		internal.ReleaseByteBuffer(buf)
		return err
	case SAM:
		if f.header == nil {
			return ErrNoHeader
		}
		buf := internal.ReserveByteBuffer()
		buf = rec.FormatSAM(buf, f.header)
		_, err := f.text.Write(buf)
		internal.ReleaseByteBuffer(buf)
		return err
	default:
		return f.container.writeRecord(rec)
	}
}

// cacheRecord serialises a record into the buffer. When the record
// does not fit, the buffer plus this record are flushed to a sorted
// temporary file.
func (f *HtsFile) cacheRecord(rec *Record) error {
	if f.header == nil {
		return ErrNoHeader
	}
	buf := internal.ReserveByteBuffer()
	defer func() { internal.ReleaseByteBuffer(buf) }()
	buf = rec.Marshal(buf)
	if f.bufferOffset+int64(len(buf)) > int64(len(f.buffer)) {
		return f.flushTempFile(buf, rec.SortingKey())
	}
	copy(f.buffer[f.bufferOffset:], buf)
	f.bufferKeys = append(f.bufferKeys, keyOffset{
		key:    rec.SortingKey(),
		offset: f.bufferOffset,
		size:   len(buf),
	})
	// Keep the next record 8-byte aligned.
	f.bufferOffset = (f.bufferOffset + int64(len(buf)) + 7) / 8 * 8
	return nil
}

// flushTempFile writes the buffered records, in key order, to the next
// temporary file. A non-nil lastRecord is the marshalled record that
// did not fit; it joins the flush with offset -1.
func (f *HtsFile) flushTempFile(lastRecord []byte, lastKey uint64) error {
	if f.bufferOffset == 0 && lastRecord == nil {
		return nil
	}
	if lastRecord != nil {
		f.bufferKeys = append(f.bufferKeys, keyOffset{key: lastKey, offset: -1, size: len(lastRecord)})
	}
	psort.StableSort(keyOffsetSorter(f.bufferKeys))

	tempFilename := f.filename + "." + strconv.Itoa(len(f.tempFiles)) + ".tmp"
	f.tempFiles = append(f.tempFiles, tempFilename)
	out, err := newContainerWriter(tempFilename, true)
	if err != nil {
		return fmt.Errorf("%v, while opening temporary file %v", err, tempFilename)
	}
	if err := out.writeHeader(f.header); err != nil {
		_ = out.close()
		return fmt.Errorf("%v, while writing the header to %v", err, tempFilename)
	}
	for _, entry := range f.bufferKeys {
		block := lastRecord
		if entry.offset >= 0 {
			block = f.buffer[entry.offset : entry.offset+int64(entry.size)]
		}
		if err := out.writeRawRecord(block); err != nil {
			_ = out.close()
			return fmt.Errorf("%v, while writing to temporary file %v", err, tempFilename)
		}
	}
	if err := out.close(); err != nil {
		return fmt.Errorf("%v, while closing temporary file %v", err, tempFilename)
	}
	f.bufferOffset = 0
	f.bufferKeys = f.bufferKeys[:0]
	return nil
}

// Finalise completes the output. For sorted output it flushes the
// final buffer, then renames the single temporary file or merges all
// of them into one coordinate-sorted file, and builds an index when
// the header has reference sequences. Progress is reported at the
// phase transitions and per merged record. Finalise is idempotent: a
// second call logs a warning and returns.
func (f *HtsFile) Finalise(progress ProgressCallback) (err error) {
	if progress == nil {
		progress = func(int) {}
	}
	const (
		percentStartMerging  = 5
		percentStartIndexing = 50
	)
	progress(0)
	defer progress(100)

	if f.finalised {
		logger.Warn("Finalise called twice on an output file. Ignoring second call.")
		return nil
	}
	f.finalised = true

	if f.finaliseNoop {
		return f.closeDirect()
	}

	if err := f.flushTempFile(nil, 0); err != nil {
		return err
	}

	fileIsMapped := f.header != nil && f.header.NumReferences() > 0

	if len(f.tempFiles) == 0 {
		return nil
	}

	if len(f.tempFiles) == 1 {
		if err := os.Rename(f.tempFiles[0], f.filename); err != nil {
			return fmt.Errorf("%v, while renaming the temporary file to %v", err, f.filename)
		}
		f.tempFiles = nil
	} else {
		progress(percentStartMerging)
		updater := &progressUpdater{
			callback: progress,
			start:    percentStartMerging,
			end:      percentStartIndexing,
			total:    f.numRecords,
		}
		if err := f.mergeTempFiles(updater); err != nil {
			// The temporary files are retained on disk so that the
			// sorted record data can be recovered manually.
			logger.Errorf("%v; temporary files are retained for recovery", err)
			return err
		}
	}

	if fileIsMapped {
		progress(percentStartIndexing)
		if err := BuildIndex(f.filename); err != nil {
			logger.Errorf("%v, while building an index for %v", err, f.filename)
		}
	}
	return nil
}

func (f *HtsFile) closeDirect() error {
	switch {
	case f.container != nil:
		return f.container.close()
	case f.text != nil:
		err := f.text.Flush()
		if nerr := f.textFile.Close(); err == nil {
			err = nerr
		}
		return err
	}
	return nil
}

// mergeTempFiles k-way merges the sorted temporary files into the
// final output and removes them on success. All temporary files must
// carry byte-identical headers.
func (f *HtsFile) mergeTempFiles(updater *progressUpdater) error {
	if err := mergeSortedContainers(f.filename, f.tempFiles, updater.update); err != nil {
		return err
	}
	for _, tempFilename := range f.tempFiles {
		if err := os.Remove(tempFilename); err != nil {
			logger.Warnf("%v, while removing temporary file %v", err, tempFilename)
		}
	}
	f.tempFiles = nil
	return nil
}

// MergeSortedFiles merges already-sorted container files, such as
// temporary files retained after a failed finalisation, into a single
// coordinate-sorted file. The inputs are left in place.
func MergeSortedFiles(filename string, inputs []string, progress ProgressCallback) error {
	update := func(int64) {}
	if progress != nil {
		progress(0)
		defer progress(100)
	}
	if err := mergeSortedContainers(filename, inputs, update); err != nil {
		return err
	}
	return BuildIndex(filename)
}

// mergeSortedContainers k-way merges sorted container files with
// byte-identical headers into filename.
func mergeSortedContainers(filename string, inputs []string, update func(int64)) (funcErr error) {
	inFiles := make([]*containerReader, len(inputs))
	topRecords := make([]*Record, len(inputs))
	defer func() {
		for _, in := range inFiles {
			if in != nil {
				_ = in.close()
			}
		}
	}()
	var headerText []byte
	var header *Header
	for i, input := range inputs {
		in, err := openContainer(input)
		if err != nil {
			return fmt.Errorf("%v, while opening temporary file %v", err, input)
		}
		inFiles[i] = in
		if i == 0 {
			headerText = in.headerText
			header = in.header
		} else if string(headerText) != string(in.headerText) {
			return fmt.Errorf("%w: %v", ErrHeaderMismatch, input)
		}
		if topRecords[i], err = in.readRecord(); err != nil {
			return fmt.Errorf("%v, while reading the first record of %v", err, input)
		}
	}

	out, err := newContainerWriter(filename, true)
	if err != nil {
		return fmt.Errorf("%v, while opening %v", err, filename)
	}
	defer func() {
		if err := out.close(); funcErr == nil {
			funcErr = err
		}
	}()
	outHeader := header.Clone()
	outHeader.SetSO(Coordinate)
	if err := out.writeHeader(outHeader); err != nil {
		return fmt.Errorf("%v, while writing the header of %v", err, filename)
	}

	var processedRecords int64
	filesDone := 0
	for filesDone < len(inFiles) {
		bestIndex := -1
		var bestKey uint64
		for i, rec := range topRecords {
			if rec == nil {
				continue
			}
			if key := rec.SortingKey(); bestIndex == -1 || key < bestKey {
				bestIndex = i
				bestKey = key
			}
		}
		if bestIndex == -1 {
			return errors.New("logic error in the merging algorithm")
		}

		if err := out.writeRecord(topRecords[bestIndex]); err != nil {
			return fmt.Errorf("%v, while writing to %v", err, filename)
		}
		processedRecords++
		update(processedRecords)

		rec, err := inFiles[bestIndex].readRecord()
		switch {
		case err == nil:
			topRecords[bestIndex] = rec
		case err == io.EOF:
			topRecords[bestIndex] = nil
			if err := inFiles[bestIndex].close(); err != nil {
				return fmt.Errorf("%v, while closing %v", err, inFiles[bestIndex].filename)
			}
			inFiles[bestIndex] = nil
			filesDone++
		default:
			return fmt.Errorf("%v, while reading a record from %v", err, inputs[bestIndex])
		}
	}
	return nil
}

// BuildIndex writes a reference index beside a sorted container file:
// for every reference id, the ordinal of its first record.
func BuildIndex(filename string) (funcErr error) {
	in, err := openContainer(filename)
	if err != nil {
		return err
	}
	defer func() {
		if err := in.close(); funcErr == nil {
			funcErr = err
		}
	}()

	type indexEntry struct {
		refID   int32
		ordinal int64
	}
	var entries []indexEntry
	lastRefID := int32(-0x80000000)
	for ordinal := int64(0); ; ordinal++ {
		rec, err := in.readRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if rec.RefID != lastRefID {
			entries = append(entries, indexEntry{refID: rec.RefID, ordinal: ordinal})
			lastRefID = rec.RefID
		}
	}

	out, err := os.Create(filename + ".pci")
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); funcErr == nil {
			funcErr = err
		}
	}()
	buf := []byte("PCI1")
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))
	for _, entry := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(entry.refID))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(entry.ordinal))
	}
	_, err = out.Write(buf)
	return err
}
