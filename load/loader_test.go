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

package load

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omics-engine/porecall/pipeline"
)

type recordingSink struct {
	mutex sync.Mutex
	reads []*pipeline.Read
}

func (s *recordingSink) PushMessage(msg pipeline.Message) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.reads = append(s.reads, msg.(*pipeline.Read))
	return nil
}

func (s *recordingSink) Terminate() {}

func (s *recordingSink) Restart() {}

func (s *recordingSink) SampleStats() pipeline.NamedStats { return nil }

func (s *recordingSink) Name() string { return "recorder" }

func TestLoaderReadsSignalDirectory(t *testing.T) {
	dir := t.TempDir()
	signals := map[string][]float32{
		"a": {1, 2, 3, 4},
		"b": {5, 6},
		"c": {7, 8, 9},
	}
	for id, signal := range signals {
		require.NoError(t, WriteSignalFile(filepath.Join(dir, id+SignalExt), id, signal))
	}
	// Files with other extensions are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600))

	sink := &recordingSink{}
	clientInfo := pipeline.NewClientInfo()
	loader := NewLoader(sink, clientInfo)
	require.NoError(t, loader.LoadReads(dir))

	require.Len(t, sink.reads, 3)
	assert.Equal(t, int64(3), loader.NumLoaded())
	assert.Equal(t, int64(0), loader.NumErrors())
	for _, read := range sink.reads {
		expected, ok := signals[read.ID]
		require.True(t, ok, "unexpected read id %v", read.ID)
		assert.Equal(t, expected, read.Signal)
		assert.Same(t, clientInfo, read.ClientInfo)
	}
}

func TestLoaderAssignsIDWhenMissing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteSignalFile(filepath.Join(dir, "anon"+SignalExt), "", []float32{1, 2}))

	sink := &recordingSink{}
	loader := NewLoader(sink, pipeline.NewClientInfo())
	require.NoError(t, loader.LoadReads(dir))
	require.Len(t, sink.reads, 1)
	assert.NotEmpty(t, sink.reads[0].ID)
}

func TestLoaderCountsBadFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad"+SignalExt), []byte("not a signal"), 0600))
	require.NoError(t, WriteSignalFile(filepath.Join(dir, "good"+SignalExt), "good", []float32{1, 2}))

	sink := &recordingSink{}
	loader := NewLoader(sink, pipeline.NewClientInfo())
	require.NoError(t, loader.LoadReads(dir))
	assert.Equal(t, int64(1), loader.NumLoaded())
	assert.Equal(t, int64(1), loader.NumErrors())
}

func TestLoaderSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "only"+SignalExt)
	require.NoError(t, WriteSignalFile(path, "only", []float32{3, 1, 4}))

	sink := &recordingSink{}
	loader := NewLoader(sink, pipeline.NewClientInfo())
	require.NoError(t, loader.LoadReads(path))
	require.Len(t, sink.reads, 1)
	assert.Equal(t, "only", sink.reads[0].ID)
}
