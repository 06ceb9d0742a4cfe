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
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/willf/bitset"
)

// A ModBaseCaller scores modified-base probabilities over a basecalled
// read. Like a basecall Caller it serialises device access internally
// and outlives its runners.
type ModBaseCaller interface {
	// CallModBase returns one probability in [0,1) per called base.
	CallModBase(signal []float32, seq []byte, moves *bitset.BitSet, blockStride int) ([]float32, error)
	BatchSize() int
	Info() string
	Close() error
}

// A ModBaseRunner is a stateless handle invoking a shared modbase
// caller; at most one goroutine uses a runner at a time.
type ModBaseRunner struct {
	mutex  sync.Mutex
	caller ModBaseCaller
}

// NewModBaseRunner binds a runner to a modbase caller.
func NewModBaseRunner(caller ModBaseCaller) *ModBaseRunner {
	return &ModBaseRunner{caller: caller}
}

// BatchSize returns the caller's batch size.
func (r *ModBaseRunner) BatchSize() int { return r.caller.BatchSize() }

// Info returns the base modification descriptor of the caller's
// models.
func (r *ModBaseRunner) Info() string { return r.caller.Info() }

// Run scores one read.
func (r *ModBaseRunner) Run(signal []float32, seq []byte, moves *bitset.BitSet, blockStride int) ([]float32, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.caller.CallModBase(signal, seq, moves, blockStride)
}

const modbaseDefaultBatchSize = 128

// cpuModBaseCaller is the reference modified-base scorer: it assigns a
// high modification probability to bases in their canonical
// modification context (CpG for 5mC models) and a low probability
// elsewhere, deterministically.
type cpuModBaseCaller struct {
	info      string
	batchSize int
}

func (c *cpuModBaseCaller) BatchSize() int { return c.batchSize }
func (c *cpuModBaseCaller) Info() string   { return c.info }
func (c *cpuModBaseCaller) Close() error   { return nil }

func (c *cpuModBaseCaller) CallModBase(signal []float32, seq []byte, moves *bitset.BitSet, blockStride int) ([]float32, error) {
	if moves == nil {
		return nil, fmt.Errorf("modbase call on a read without moves")
	}
	probs := make([]float32, len(seq))
	for i, base := range seq {
		switch {
		case base == 'C' && i+1 < len(seq) && seq[i+1] == 'G':
			probs[i] = 0.875
		case base == 'C':
			probs[i] = 0.125
		default:
			probs[i] = 0.015625
		}
	}
	return probs, nil
}

// A ModBaseCallerFactory constructs a device-resident modbase caller.
type ModBaseCallerFactory func(models []string, device string, batchSize int) (ModBaseCaller, error)

var modbaseCallerFactories = map[string]ModBaseCallerFactory{}

// RegisterModBaseCallerFactory installs a modbase caller factory for a
// device kind.
func RegisterModBaseCallerFactory(kind string, factory ModBaseCallerFactory) {
	modbaseCallerFactories[kind] = factory
}

// CreateModBaseRunners builds modbase runners for the given model
// list. An empty model list yields no runners and no error. On the CPU
// path one caller is created per core, each with a single runner; on
// GPU paths runnersPerCaller runners share each device caller.
func CreateModBaseRunners(models []string, device string, runnersPerCaller, batchSize int) ([]*ModBaseRunner, error) {
	if len(models) == 0 {
		return nil, nil
	}
	kind, devices, err := ParseDeviceString(device)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(models))
	for i, model := range models {
		names[i] = filepath.Base(model)
	}
	info := strings.Join(names, ",")

	var runners []*ModBaseRunner
	if kind == "cpu" {
		// One caller per core keeps the CPU path busy without shared
		// scratch contention.
		numCallers := runtime.NumCPU()
		for i := 0; i < numCallers; i++ {
			caller := &cpuModBaseCaller{info: info, batchSize: modbaseDefaultBatchSize}
			runners = append(runners, NewModBaseRunner(caller))
		}
		return runners, nil
	}

	factory, ok := modbaseCallerFactories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no %v modbase support in this build", ErrCallerConstruction, kind)
	}
	for _, device := range devices {
		caller, err := factory(models, device, batchSize)
		if err != nil {
			return nil, fmt.Errorf("%w: %v on %v", ErrCallerConstruction, err, device)
		}
		for i := 0; i < runnersPerCaller; i++ {
			runners = append(runners, NewModBaseRunner(caller))
		}
	}
	return runners, nil
}
