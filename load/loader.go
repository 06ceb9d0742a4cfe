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

// Package load reads raw signal files and feeds them into the head
// node of a read pipeline.
package load

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	ppipeline "github.com/exascience/pargo/pipeline"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/omics-engine/porecall/internal"
	"github.com/omics-engine/porecall/log"
	"github.com/omics-engine/porecall/pipeline"
)

var logger = log.GetLogger()

// SignalExt is the filename extension of raw signal files.
const SignalExt = ".sig"

var signalMagic = []byte("PSIG")

// A Loader reads signal files from a directory and pushes the reads
// into a pipeline head node.
type Loader struct {
	sink       pipeline.Sink
	clientInfo *pipeline.ClientInfo

	numLoaded atomic.Int64
	numErrors atomic.Int64
}

// NewLoader returns a loader pushing into the given sink. The client
// info is attached to every read.
func NewLoader(sink pipeline.Sink, clientInfo *pipeline.ClientInfo) *Loader {
	return &Loader{sink: sink, clientInfo: clientInfo}
}

// NumLoaded returns the number of reads pushed so far.
func (l *Loader) NumLoaded() int64 { return l.numLoaded.Load() }

// NumErrors returns the number of files that could not be parsed.
func (l *Loader) NumErrors() int64 { return l.numErrors.Load() }

// LoadReads parses every signal file under the given path (a file or a
// directory) and pushes the reads into the pipeline. Files are parsed
// in parallel; reads enter the pipeline in file name order.
func (l *Loader) LoadReads(path string) error {
	files, err := internal.Directory(path)
	if err != nil {
		return fmt.Errorf("%v, while attempting to fetch signal file(s) %v", err, path)
	}
	inputPath := path
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		inputPath = filepath.Dir(path)
	}
	var signalFiles []string
	for _, name := range files {
		if strings.HasSuffix(name, SignalExt) {
			signalFiles = append(signalFiles, name)
		}
	}
	sort.Strings(signalFiles)

	var p ppipeline.Pipeline
	p.Source(signalFiles)
	p.Add(
		ppipeline.LimitedPar(0, ppipeline.Receive(func(_ int, data interface{}) interface{} {
			names := data.([]string)
			reads := make([]*pipeline.Read, 0, len(names))
			for _, name := range names {
				read, err := l.loadSignalFile(filepath.Join(inputPath, name))
				if err != nil {
					logger.Errorf("%v, while loading signal file %v", err, name)
					l.numErrors.Add(1)
					continue
				}
				reads = append(reads, read)
			}
			return reads
		})),
		ppipeline.StrictOrd(ppipeline.Receive(func(_ int, data interface{}) interface{} {
			for _, read := range data.([]*pipeline.Read) {
				if err := l.sink.PushMessage(read); err != nil {
					p.SetErr(fmt.Errorf("%v, while pushing read %v into the pipeline", err, read.ID))
					return nil
				}
				l.numLoaded.Add(1)
			}
			return nil
		})),
	)
	p.Run()
	return p.Err()
}

// loadSignalFile maps a signal file into memory and parses it into a
// read.
func (l *Loader) loadSignalFile(path string) (read *pipeline.Read, funcErr error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := file.Close(); funcErr == nil {
			funcErr = err
		}
	}()
	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() < int64(len(signalMagic)+6) {
		return nil, fmt.Errorf("signal file too small (%v bytes)", stat.Size())
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(stat.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unix.Munmap(data); funcErr == nil {
			funcErr = err
		}
	}()
	return l.parseSignal(data)
}

func (l *Loader) parseSignal(data []byte) (*pipeline.Read, error) {
	if string(data[:len(signalMagic)]) != string(signalMagic) {
		return nil, fmt.Errorf("bad signal file magic")
	}
	data = data[len(signalMagic):]
	idLen := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	if len(data) < idLen+4 {
		return nil, fmt.Errorf("truncated signal file header")
	}
	id := string(data[:idLen])
	data = data[idLen:]
	numSamples := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if len(data) < numSamples*4 {
		return nil, fmt.Errorf("truncated signal data: %v samples declared, %v bytes left", numSamples, len(data))
	}
	if id == "" {
		id = uuid.New().String()
	}
	signal := make([]float32, numSamples)
	for i := range signal {
		signal[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return &pipeline.Read{ID: id, Signal: signal, ClientInfo: l.clientInfo}, nil
}

// WriteSignalFile writes a raw signal file in the loader's format.
func WriteSignalFile(path, id string, signal []float32) (funcErr error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); funcErr == nil {
			funcErr = err
		}
	}()
	buf := append([]byte(nil), signalMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(id)))
	buf = append(buf, id...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(signal)))
	for _, sample := range signal {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(sample))
	}
	_, err = file.Write(buf)
	return err
}
