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
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
)

// Construction-time error kinds of the runner plan.
var (
	ErrUnsupportedDevice  = errors.New("unsupported device")
	ErrNoDevicesFound     = errors.New("no devices found")
	ErrDeviceEnumeration  = errors.New("device enumeration failed")
	ErrCallerConstruction = errors.New("caller construction failed")
	ErrModelLoad          = errors.New("model load failed")
)

const nvidiaProcPath = "/proc/driver/nvidia/gpus"

// A CallerFactory constructs a device-resident caller. GPU builds
// register their factories under the device kind ("cuda", "metal");
// the CPU path never goes through a factory.
type CallerFactory func(config Config, device string, chunkSize, batchSize int, memoryFraction float64) (Caller, error)

var callerFactories = map[string]CallerFactory{}

// RegisterCallerFactory installs a caller factory for a device kind.
func RegisterCallerFactory(kind string, factory CallerFactory) {
	callerFactories[kind] = factory
}

// ParseDeviceString parses a device specification into its kind and
// the concrete device list. Supported forms: "cpu", "metal",
// "cuda:all", and "cuda:i[,j...]".
func ParseDeviceString(device string) (kind string, devices []string, err error) {
	switch {
	case device == "cpu":
		return "cpu", []string{"cpu"}, nil
	case device == "metal":
		if runtime.GOOS != "darwin" {
			return "", nil, fmt.Errorf("%w: %v on %v", ErrUnsupportedDevice, device, runtime.GOOS)
		}
		return "metal", []string{"metal"}, nil
	case device == "cuda:all":
		devices, err = enumerateCUDADevices()
		return "cuda", devices, err
	case strings.HasPrefix(device, "cuda:"):
		for _, index := range strings.Split(strings.TrimPrefix(device, "cuda:"), ",") {
			index = strings.TrimSpace(index)
			if index == "" {
				return "", nil, fmt.Errorf("%w: %v", ErrUnsupportedDevice, device)
			}
			devices = append(devices, "cuda:"+index)
		}
		return "cuda", devices, nil
	default:
		return "", nil, fmt.Errorf("%w: %v", ErrUnsupportedDevice, device)
	}
}

// enumerateCUDADevices lists the CUDA devices present on this host.
func enumerateCUDADevices() ([]string, error) {
	entries, err := os.ReadDir(nvidiaProcPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceEnumeration, err)
	}
	var devices []string
	for i := range entries {
		devices = append(devices, fmt.Sprintf("cuda:%v", i))
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: CUDA requested but no devices present", ErrNoDevicesFound)
	}
	sort.Strings(devices)
	return devices, nil
}
