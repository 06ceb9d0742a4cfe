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

package pipeline

import (
	"sort"
	"sync/atomic"
)

// ScalerConfig tunes the scaler node.
type ScalerConfig struct {
	// MinSamples is the shortest signal the scaler accepts.
	MinSamples int

	// TrimSamples is the number of leading stall samples removed after
	// scaling.
	TrimSamples int

	// DropShort selects whether too-short reads are dropped (true) or
	// forwarded unmodified (false).
	DropShort bool
}

// DefaultScalerConfig returns the scaler defaults.
func DefaultScalerConfig() ScalerConfig {
	return ScalerConfig{MinSamples: 200, TrimSamples: 10, DropShort: true}
}

// A ScalerNode normalises raw signal with median/MAD scaling and trims
// the leading stall. It populates Mshift, Mscale, and
// NumTrimmedSamples on every read it scales; too-short reads forwarded
// with DropShort unset are passed on unscaled, without those fields.
type ScalerNode struct {
	MessageSink
	config ScalerConfig

	numScaled atomic.Int64
	numShort  atomic.Int64
}

// NewScalerNode creates a running scaler node.
func NewScalerNode(sink Sink, config ScalerConfig, numWorkers, maxReads int) *ScalerNode {
	node := &ScalerNode{config: config}
	node.MessageSink = NewMessageSink("ScalerNode", maxReads, numWorkers, sink)
	node.StartInputProcessing(node.inputWorker)
	return node
}

func (n *ScalerNode) inputWorker() {
	for {
		msg, ok := n.GetInputMessage()
		if !ok {
			return
		}
		read, isRead := msg.(*Read)
		if !isRead {
			n.SendMessageToSink(msg)
			continue
		}
		if len(read.Signal) < n.config.MinSamples {
			n.numShort.Add(1)
			if n.config.DropShort {
				logger.Warnf("dropping read %v: signal of %v samples is too short", read.ID, len(read.Signal))
				continue
			}
			n.SendMessageToSink(read)
			continue
		}
		n.scale(read)
		n.numScaled.Add(1)
		n.SendMessageToSink(read)
	}
}

// scale applies median/MAD normalisation in place and trims the
// leading stall.
func (n *ScalerNode) scale(read *Read) {
	med, mad := medianMAD(read.Signal)
	scale := float32(1.4826) * mad
	if scale == 0 {
		scale = 1
	}
	for i, sample := range read.Signal {
		read.Signal[i] = (sample - med) / scale
	}
	read.Mshift = med
	read.Mscale = scale
	trim := n.config.TrimSamples
	if trim > len(read.Signal)-n.config.MinSamples {
		trim = 0
	}
	read.Signal = read.Signal[trim:]
	read.NumTrimmedSamples = trim
}

func medianMAD(signal []float32) (med, mad float32) {
	sorted := make([]float32, len(signal))
	copy(sorted, signal)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	med = sorted[len(sorted)/2]
	for i, sample := range sorted {
		dev := sample - med
		if dev < 0 {
			dev = -dev
		}
		sorted[i] = dev
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mad = sorted[len(sorted)/2]
	return med, mad
}

// SampleStats implements the Sink interface.
func (n *ScalerNode) SampleStats() NamedStats {
	stats := n.BaseStats()
	stats["reads_scaled"] = float64(n.numScaled.Load())
	stats["reads_too_short"] = float64(n.numShort.Load())
	return stats
}
