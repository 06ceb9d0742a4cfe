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
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/omics-engine/porecall/internal"
)

// containerMagic identifies the binary container format. The byte
// after the magic selects the compression: 0 for none, 1 for lz4.
var containerMagic = []byte("PBC1")

// A containerWriter writes the binary container format: magic,
// compression flag, a length-prefixed header text block, and
// length-prefixed records.
type containerWriter struct {
	file *os.File
	lz   *lz4.Writer
	out  *bufio.Writer
}

func newContainerWriter(filename string, compressed bool) (*containerWriter, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := &containerWriter{file: file}
	flag := byte(0)
	if compressed {
		flag = 1
	}
	if _, err := file.Write(append(append([]byte(nil), containerMagic...), flag)); err != nil {
		_ = file.Close()
		return nil, err
	}
	if compressed {
		w.lz = lz4.NewWriter(file)
		w.out = bufio.NewWriter(w.lz)
	} else {
		w.out = bufio.NewWriter(file)
	}
	return w, nil
}

func (w *containerWriter) writeBlock(block []byte) error {
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(block)))
	if _, err := w.out.Write(size[:]); err != nil {
		return err
	}
	_, err := w.out.Write(block)
	return err
}

func (w *containerWriter) writeHeader(hdr *Header) error {
	return w.writeBlock(hdr.Format(nil))
}

func (w *containerWriter) writeRecord(rec *Record) error {
	buf := internal.ReserveByteBuffer()
	defer func() { internal.ReleaseByteBuffer(buf) }()
	buf = rec.Marshal(buf)
	return w.writeBlock(buf)
}

// writeRawRecord writes an already marshalled record block.
func (w *containerWriter) writeRawRecord(block []byte) error {
	return w.writeBlock(block)
}

func (w *containerWriter) close() error {
	err := w.out.Flush()
	if w.lz != nil {
		if nerr := w.lz.Close(); err == nil {
			err = nerr
		}
	}
	if nerr := w.file.Close(); err == nil {
		err = nerr
	}
	return err
}

// A containerReader reads the binary container format.
type containerReader struct {
	filename   string
	file       *os.File
	in         *bufio.Reader
	headerText []byte
	header     *Header
}

func openContainer(filename string) (*containerReader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	prefix := make([]byte, len(containerMagic)+1)
	if _, err := io.ReadFull(file, prefix); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%v, while reading container magic of %v", err, filename)
	}
	if string(prefix[:len(containerMagic)]) != string(containerMagic) {
		_ = file.Close()
		return nil, fmt.Errorf("%v is not an alignment container", filename)
	}
	r := &containerReader{filename: filename, file: file}
	switch prefix[len(containerMagic)] {
	case 0:
		r.in = bufio.NewReader(file)
	case 1:
		r.in = bufio.NewReader(lz4.NewReader(file))
	default:
		_ = file.Close()
		return nil, fmt.Errorf("unknown compression flag %v in %v", prefix[len(containerMagic)], filename)
	}
	if r.headerText, err = r.readBlock(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%v, while reading header of %v", err, filename)
	}
	if r.header, err = ParseHeader(r.headerText); err != nil {
		_ = file.Close()
		return nil, err
	}
	return r, nil
}

func (r *containerReader) readBlock() ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r.in, size[:]); err != nil {
		return nil, err
	}
	block := make([]byte, binary.LittleEndian.Uint32(size[:]))
	if _, err := io.ReadFull(r.in, block); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return block, nil
}

// readRecord returns the next record, or io.EOF at the end of the
// container.
func (r *containerReader) readRecord() (*Record, error) {
	block, err := r.readBlock()
	if err != nil {
		return nil, err
	}
	rec := &Record{}
	if err := rec.Unmarshal(block); err != nil {
		return nil, fmt.Errorf("%v, in %v", err, r.filename)
	}
	return rec, nil
}

func (r *containerReader) close() error {
	return r.file.Close()
}
