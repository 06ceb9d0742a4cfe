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

// Package model provides the runner/caller binding plan: it parses
// device specifications, constructs device-resident callers, and fans
// stateless runner handles out over them. The neural network inference
// kernels themselves are external collaborators; this package defines
// the contracts the pipeline consumes and ships a CPU reference
// decoder.
package model

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// A Config describes a basecalling model: its name, the model stride
// (samples per output step), and the approximate working-set size per
// chunk used for batch size negotiation.
type Config struct {
	Name string

	// Stride is the number of signal samples per model output step.
	Stride int

	// BytesPerChunkSample is the scratch memory the decoder needs per
	// signal sample of a chunk in a batch.
	BytesPerChunkSample int
}

// DefaultConfig returns the built-in fast model configuration.
func DefaultConfig() Config {
	return Config{
		Name:                "porecall_fast",
		Stride:              6,
		BytesPerChunkSample: 16,
	}
}

// LoadConfig reads a model configuration from a key=value file. Keys
// not present keep their default values.
func LoadConfig(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v, while opening model config %v", ErrModelLoad, err, path)
	}
	defer func() {
		_ = file.Close()
	}()
	config := DefaultConfig()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return Config{}, fmt.Errorf("%w: invalid line %q in %v", ErrModelLoad, line, path)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "name":
			config.Name = value
		case "stride":
			stride, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("%w: %v, while parsing stride in %v", ErrModelLoad, err, path)
			}
			config.Stride = stride
		case "bytes_per_chunk_sample":
			bytes, err := strconv.Atoi(value)
			if err != nil {
				return Config{}, fmt.Errorf("%w: %v, while parsing bytes_per_chunk_sample in %v", ErrModelLoad, err, path)
			}
			config.BytesPerChunkSample = bytes
		default:
			return Config{}, fmt.Errorf("%w: unknown key %v in %v", ErrModelLoad, key, path)
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("%w: %v, while reading model config %v", ErrModelLoad, err, path)
	}
	if config.Stride < 1 {
		return Config{}, fmt.Errorf("%w: invalid model stride %v in %v", ErrModelLoad, config.Stride, path)
	}
	return config, nil
}
