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
	"fmt"
	"runtime"
	"sync"

	"github.com/pbnjay/memory"

	"github.com/omics-engine/porecall/log"
	"github.com/omics-engine/porecall/utils/concurrency"
)

var logger = log.GetLogger()

// A RunnerPlan is the result of binding runners to callers at pipeline
// construction time.
type RunnerPlan struct {
	Runners    []*Runner
	NumDevices int

	// ChunkSize is the final chunk size after the callers rounded the
	// requested size up to a multiple of the model stride.
	ChunkSize int
}

// autoCalculateNumRunners derives a CPU runner count from the model
// working set and the memory budget, capped by the core count.
func autoCalculateNumRunners(config Config, batchSize, chunkSize int, memoryFraction float64) int {
	budget := float64(memory.TotalMemory()) * memoryFraction
	footprint := float64(batchSize * chunkSize * config.BytesPerChunkSample)
	numRunners := 1
	if footprint > 0 {
		numRunners = int(budget / footprint)
	}
	if max := runtime.NumCPU(); numRunners > max {
		numRunners = max
	}
	if numRunners < 1 {
		numRunners = 1
	}
	return numRunners
}

// CreateBasecallRunners builds the runner/caller binding plan for a
// device specification. For every GPU device it constructs one caller
// (in parallel, construction is expensive) and numGPURunners runner
// handles sharing it. The CPU path builds numCPURunners runners, each
// with its own lightweight decoding context; a zero count is derived
// from the model size and the memory fraction. A batchSize of 0 lets
// the callers pick one; callers may also negotiate a requested batch
// size downward and round the chunk size up to a multiple of the model
// stride. The adjusted chunk size is returned in the plan.
func CreateBasecallRunners(config Config, device string, numGPURunners, numCPURunners, batchSize, chunkSize int, memoryFraction float64) (*RunnerPlan, error) {
	kind, devices, err := ParseDeviceString(device)
	if err != nil {
		return nil, err
	}

	var runners []*Runner

	if kind == "cpu" {
		if batchSize == 0 {
			batchSize = cpuDefaultBatchSize
		}
		if numCPURunners == 0 {
			numCPURunners = autoCalculateNumRunners(config, batchSize, chunkSize, memoryFraction)
		}
		logger.Debugf("cpu calling: batch size %v, num cpu runners %v", batchSize, numCPURunners)
		for i := 0; i < numCPURunners; i++ {
			caller, err := newCPUCaller(config, chunkSize, batchSize, memoryFraction)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCallerConstruction, err)
			}
			runners = append(runners, NewRunner(caller))
		}
	} else {
		factory, ok := callerFactories[kind]
		if !ok {
			return nil, fmt.Errorf("%w: no %v support in this build", ErrCallerConstruction, kind)
		}
		// Caller construction is expensive and embarrassingly
		// parallel, so construct one caller per device on a transient
		// executor.
		callers := make([]Caller, len(devices))
		errs := make([]error, len(devices))
		executor := concurrency.NewAsyncTaskExecutor(len(devices), "caller-init")
		var wg sync.WaitGroup
		for i := range devices {
			i := i
			wg.Add(1)
			executor.Send(func() {
				defer wg.Done()
				callers[i], errs[i] = factory(config, devices[i], chunkSize, batchSize, memoryFraction)
			})
		}
		wg.Wait()
		executor.Join()
		for i, err := range errs {
			if err != nil {
				for _, caller := range callers {
					if caller != nil {
						_ = caller.Close()
					}
				}
				return nil, fmt.Errorf("%w: %v on %v", ErrCallerConstruction, err, devices[i])
			}
		}
		for _, caller := range callers {
			for i := 0; i < numGPURunners; i++ {
				runners = append(runners, NewRunner(caller))
			}
		}
	}

	if len(runners) == 0 {
		return nil, fmt.Errorf("%w: device %v yielded no runners", ErrNoDevicesFound, device)
	}

	stride := runners[0].ModelStride()
	adjustedChunkSize := runners[0].ChunkSize()
	for _, runner := range runners {
		if runner.ModelStride() != stride || runner.ChunkSize() != adjustedChunkSize {
			return nil, fmt.Errorf("%w: runners disagree on stride or chunk size", ErrCallerConstruction)
		}
	}
	if adjustedChunkSize != chunkSize {
		logger.Debugf("adjusted chunk size to match model stride: %v -> %v", chunkSize, adjustedChunkSize)
	}

	return &RunnerPlan{
		Runners:    runners,
		NumDevices: len(devices),
		ChunkSize:  adjustedChunkSize,
	}, nil
}
