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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fixedCalculator is a test calculator with canned results.
type fixedCalculator struct {
	anchor   int
	numBases int
}

func (c fixedCalculator) DetermineSignalAnchorAndStrand(*Read) PolyTailSignalInfo {
	return PolyTailSignalInfo{FwdStrand: false, SignalAnchor: c.anchor}
}

func (c fixedCalculator) CalculateNumBases(*Read, PolyTailSignalInfo) int { return c.numBases }

func (c fixedCalculator) MaxTailLength() int { return 750 }

func pushAndCollect(t *testing.T, node *PolyACalculatorNode, collector *collectorSink, read *Read) *Read {
	t.Helper()
	require.NoError(t, node.PushMessage(read))
	node.Terminate()
	reads := collector.reads()
	require.Len(t, reads, 1)
	return reads[0]
}

func TestPolyANodeWithoutCalculatorForwardsAndCounts(t *testing.T) {
	defer goleak.VerifyNone(t)

	collector := &collectorSink{}
	node := NewPolyACalculatorNode(collector, 2, 100)
	read := pushAndCollect(t, node, collector, &Read{ID: "r", ClientInfo: NewClientInfo()})
	assert.Zero(t, read.PolyTailLength)
	assert.Equal(t, 1.0, node.SampleStats()["reads_not_estimated"])
}

func TestPolyANodeRecordsTailLength(t *testing.T) {
	defer goleak.VerifyNone(t)

	clientInfo := NewClientInfo()
	clientInfo.Contexts().Register(PolyTailCalculatorKey, fixedCalculator{anchor: 10, numBases: 42})

	collector := &collectorSink{}
	node := NewPolyACalculatorNode(collector, 2, 100)
	read := pushAndCollect(t, node, collector, &Read{ID: "r", ClientInfo: clientInfo})
	assert.Equal(t, 42, read.PolyTailLength)
	stats := node.SampleStats()
	assert.Equal(t, 1.0, stats["reads_estimated"])
	assert.Equal(t, 42.0, stats["average_tail_length"])
}

func TestPolyANodeRejectsOutOfRangeEstimates(t *testing.T) {
	defer goleak.VerifyNone(t)

	for _, numBases := range []int{0, 750, 4000} {
		clientInfo := NewClientInfo()
		clientInfo.Contexts().Register(PolyTailCalculatorKey, fixedCalculator{anchor: 10, numBases: numBases})
		collector := &collectorSink{}
		node := NewPolyACalculatorNode(collector, 1, 100)
		read := pushAndCollect(t, node, collector, &Read{ID: "r", ClientInfo: clientInfo})
		assert.Zero(t, read.PolyTailLength, "estimate %v should be rejected", numBases)
		assert.Equal(t, 1.0, node.SampleStats()["reads_not_estimated"])
	}
}

func TestPolyANodeNegativeAnchorNotCalled(t *testing.T) {
	defer goleak.VerifyNone(t)

	clientInfo := NewClientInfo()
	clientInfo.Contexts().Register(PolyTailCalculatorKey, fixedCalculator{anchor: -1, numBases: 100})
	collector := &collectorSink{}
	node := NewPolyACalculatorNode(collector, 1, 100)
	read := pushAndCollect(t, node, collector, &Read{ID: "r", ClientInfo: clientInfo})
	assert.Zero(t, read.PolyTailLength)
	assert.Equal(t, 1.0, node.SampleStats()["reads_not_estimated"])
}
