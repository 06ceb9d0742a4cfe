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
	"errors"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBasecallRunnersCPU(t *testing.T) {
	config := DefaultConfig()
	plan, err := CreateBasecallRunners(config, "cpu", 0, 3, 0, 1000, 0.8)
	require.NoError(t, err)
	assert.Len(t, plan.Runners, 3)
	assert.Equal(t, 1, plan.NumDevices)

	// The chunk size is rounded up to the nearest stride multiple.
	assert.Equal(t, 1002, plan.ChunkSize)
	for _, runner := range plan.Runners {
		assert.Equal(t, config.Stride, runner.ModelStride())
		assert.Equal(t, plan.ChunkSize, runner.ChunkSize())
		assert.Equal(t, cpuDefaultBatchSize, runner.BatchSize())
	}
}

func TestCreateBasecallRunnersAutoRunnerCount(t *testing.T) {
	plan, err := CreateBasecallRunners(DefaultConfig(), "cpu", 0, 0, 0, 1000, 0.8)
	require.NoError(t, err)
	assert.NotEmpty(t, plan.Runners)
	assert.LessOrEqual(t, len(plan.Runners), runtime.NumCPU())
}

func TestCreateBasecallRunnersBatchNegotiation(t *testing.T) {
	// A tiny memory fraction forces the caller to negotiate the batch
	// size downward.
	plan, err := CreateBasecallRunners(DefaultConfig(), "cpu", 0, 1, 4096, 1000, 1e-9)
	require.NoError(t, err)
	assert.Less(t, plan.Runners[0].BatchSize(), 4096)
	assert.GreaterOrEqual(t, plan.Runners[0].BatchSize(), 1)
}

func TestCreateBasecallRunnersUnsupportedDevice(t *testing.T) {
	_, err := CreateBasecallRunners(DefaultConfig(), "tpu:0", 1, 0, 0, 1000, 0.8)
	assert.ErrorIs(t, err, ErrUnsupportedDevice)
}

func TestCreateBasecallRunnersMetalOffDarwin(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("metal is a supported device kind on darwin")
	}
	_, err := CreateBasecallRunners(DefaultConfig(), "metal", 1, 0, 0, 1000, 0.8)
	assert.ErrorIs(t, err, ErrUnsupportedDevice)
}

func TestCreateBasecallRunnersCUDAAllWithoutDevices(t *testing.T) {
	if _, err := os.Stat(nvidiaProcPath); err == nil {
		t.Skip("CUDA devices present on this host")
	}
	_, err := CreateBasecallRunners(DefaultConfig(), "cuda:all", 1, 0, 0, 1000, 0.8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceEnumeration) || errors.Is(err, ErrNoDevicesFound))
}

func TestCreateBasecallRunnersCUDAWithoutSupport(t *testing.T) {
	// Explicit device indices parse fine, but no CUDA factory is
	// registered in a CPU-only build.
	_, err := CreateBasecallRunners(DefaultConfig(), "cuda:0,1", 1, 0, 0, 1000, 0.8)
	assert.ErrorIs(t, err, ErrCallerConstruction)
}

func TestCPUCallerDeterministicDecode(t *testing.T) {
	caller, err := newCPUCaller(DefaultConfig(), 600, 8, 0.8)
	require.NoError(t, err)

	chunk := make([]float32, 600)
	for i := range chunk {
		chunk[i] = float32((i / 24) % 5)
	}
	first, err := caller.CallBatch([][]float32{chunk})
	require.NoError(t, err)
	second, err := caller.CallBatch([][]float32{chunk})
	require.NoError(t, err)

	require.Len(t, first, 1)
	assert.Equal(t, string(first[0].Seq), string(second[0].Seq))
	assert.Equal(t, first[0].Qual, second[0].Qual)
	assert.True(t, first[0].Moves.Equal(second[0].Moves))
	assert.Equal(t, len(first[0].Seq), int(first[0].Moves.Count()))
}

func TestCPUCallerRejectsOversizedBatch(t *testing.T) {
	caller, err := newCPUCaller(DefaultConfig(), 600, 2, 0.8)
	require.NoError(t, err)
	batch := [][]float32{make([]float32, 600), make([]float32, 600), make([]float32, 600)}
	_, err = caller.CallBatch(batch)
	assert.Error(t, err)
}

func TestParseDeviceString(t *testing.T) {
	kind, devices, err := ParseDeviceString("cpu")
	require.NoError(t, err)
	assert.Equal(t, "cpu", kind)
	assert.Equal(t, []string{"cpu"}, devices)

	kind, devices, err = ParseDeviceString("cuda:0,2")
	require.NoError(t, err)
	assert.Equal(t, "cuda", kind)
	assert.Equal(t, []string{"cuda:0", "cuda:2"}, devices)

	_, _, err = ParseDeviceString("cuda:")
	assert.ErrorIs(t, err, ErrUnsupportedDevice)
}

func TestModBaseRunnersEmptyModelList(t *testing.T) {
	runners, err := CreateModBaseRunners(nil, "cpu", 1, 128)
	require.NoError(t, err)
	assert.Empty(t, runners)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/model.cfg"
	require.NoError(t, os.WriteFile(path, []byte("name = hac\nstride = 5\n"), 0600))
	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "hac", config.Name)
	assert.Equal(t, 5, config.Stride)

	require.NoError(t, os.WriteFile(path, []byte("stride = x\n"), 0600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}
