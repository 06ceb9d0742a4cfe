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

// Package polytail implements polyA tail length calculators for cDNA
// and direct RNA reads. Calculators are installed in a read's client
// context; the polyA pipeline node looks them up by type and no-ops
// when none is installed.
package polytail

import (
	"math"
	"sort"

	"github.com/omics-engine/porecall/log"
	"github.com/omics-engine/porecall/pipeline"
)

var logger = log.GetLogger()

// maxTailLength bounds the accepted tail length in bases.
const maxTailLength = 750

// Strand switching and VN primers used to anchor the cDNA tail.
const (
	sspPrimer = "TTTCTGTTGGTGCTGATATTGCTTT"
	vnpPrimer = "ACTTGCCTGTCGCTCTATCTTCAGAGGAGAGTCCGCCGCCCGCAAGTTTT"
)

// anchorEditThreshold rejects primer anchors whose combined distance
// is too high to be trusted.
const anchorEditThreshold = 30

var complementTable = func() [256]byte {
	var table [256]byte
	for i := range table {
		table[i] = byte(i)
	}
	table['A'], table['C'], table['G'], table['T'] = 'T', 'G', 'C', 'A'
	return table
}()

func reverseComplement(seq string) string {
	result := make([]byte, len(seq))
	for i := 0; i < len(seq); i++ {
		result[len(seq)-1-i] = complementTable[seq[i]]
	}
	return string(result)
}

func countTrailingChars(s string, c byte) int {
	count := 0
	for i := len(s) - 1; i >= 0 && s[i] == c; i-- {
		count++
	}
	return count
}

// estimateSamplesPerBase estimates the translocation speed by dividing
// the number of samples by the number of called bases.
func estimateSamplesPerBase(read *pipeline.Read) int {
	if len(read.Seq) == 0 {
		return 0
	}
	return len(read.Signal) / len(read.Seq)
}

// determineSignalBounds walks the signal in windows around the anchor.
// A window whose stdev is below an empirically determined threshold is
// part of a candidate tail interval; adjacent windows with similar
// averages are merged. Candidates far from the anchor are discarded,
// and the longest remaining interval wins, ties going to the one
// closest to the anchor.
func determineSignalBounds(signalAnchor int, signal []float32, fwd bool, numSamplesPerBase int, isRNA bool) (int, int) {
	signalLen := len(signal)

	// Maximum gap between windows that can be combined.
	kMaxSampleGap := numSamplesPerBase * 3

	calcStats := func(s, e int) (float32, float32) {
		var avg float32
		for i := s; i < e; i++ {
			avg += signal[i]
		}
		avg /= float32(e - s)
		var variance float32
		for i := s; i < e; i++ {
			variance += (signal[i] - avg) * (signal[i] - avg)
		}
		variance /= float32(e - s)
		return avg, float32(math.Sqrt(float64(variance)))
	}

	type interval struct{ first, second int }
	type stats struct{ avg, stdev float32 }
	var intervals []interval
	var intervalStats []stats

	// Maximum variance between consecutive values to be considered
	// part of the same interval.
	const kVar = 0.35

	kSpread := numSamplesPerBase * maxTailLength
	leftEnd := signalAnchor - kSpread
	if isRNA {
		leftEnd = signalAnchor - 50
	}
	if leftEnd < 0 {
		leftEnd = 0
	}
	rightEnd := signalAnchor + kSpread
	if rightEnd > signalLen {
		rightEnd = signalLen
	}

	const kStride = 3
	for s := leftEnd; s < rightEnd; s += kStride {
		e := s + kMaxSampleGap
		if e > rightEnd {
			e = rightEnd
		}
		if e <= s {
			break
		}
		avg, stdev := calcStats(s, e)
		if stdev < kVar {
			if len(intervals) > 1 && intervals[len(intervals)-1].second >= s &&
				abs32(avg-intervalStats[len(intervalStats)-1].avg) < 0.2 {
				intervals[len(intervals)-1].second = e
			} else {
				intervals = append(intervals, interval{s, e})
			}
			intervalStats = append(intervalStats, stats{avg, stdev})
		}
	}

	// The tail should end (forward strand) or start (reverse strand)
	// close to the anchor.
	kAnchorProximity := 25 * numSamplesPerBase
	var filtered []interval
	for _, in := range intervals {
		contains := in.first <= signalAnchor && signalAnchor <= in.second
		var near bool
		if fwd {
			near = absInt(signalAnchor-in.second) < kAnchorProximity
		} else {
			near = absInt(signalAnchor-in.first) < kAnchorProximity
		}
		if near || contains {
			filtered = append(filtered, in)
		}
	}
	if len(filtered) == 0 {
		logger.Debugf("anchor %v: no range within anchor proximity found", signalAnchor)
		return 0, 0
	}

	anchorDistance := func(in interval) int {
		if fwd {
			return absInt(in.second - signalAnchor)
		}
		return absInt(in.first - signalAnchor)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return anchorDistance(filtered[i]) < anchorDistance(filtered[j])
	})

	// Longest interval wins; on a tie the one closest to the anchor
	// comes first after the stable sort above.
	best := filtered[0]
	for _, in := range filtered[1:] {
		if in.second-in.first > best.second-best.first {
			best = in
		}
	}
	return best.first, best.second
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// calculateNumBases converts the detected signal interval into a base
// count.
func calculateNumBases(read *pipeline.Read, info pipeline.PolyTailSignalInfo, isRNA bool, trailingTailBases int) int {
	numSamplesPerBase := estimateSamplesPerBase(read)
	if numSamplesPerBase <= 0 {
		return 0
	}
	start, end := determineSignalBounds(info.SignalAnchor, read.Signal, info.FwdStrand, numSamplesPerBase, isRNA)
	if end <= start {
		return 0
	}
	return (end-start)/numSamplesPerBase - trailingTailBases
}

// rnaCalculator anchors the tail at the junction between the DNA
// adapter and the RNA signal: the basecall quality of the adapter is
// too poor for sequence anchoring, but the transition shows as a sharp
// jump in the windowed signal mean. RNA reads are single stranded, so
// the strand flag is always false and the tail is searched downstream
// of the junction.
type rnaCalculator struct{}

// NewRNACalculator returns the calculator for direct RNA reads.
func NewRNACalculator() pipeline.PolyTailCalculator { return rnaCalculator{} }

func (rnaCalculator) MaxTailLength() int { return maxTailLength }

func (rnaCalculator) DetermineSignalAnchorAndStrand(read *pipeline.Read) pipeline.PolyTailSignalInfo {
	signal := read.Signal
	signalLen := len(signal)
	const kWindow = 50

	// Rolling view of 5 windowed means, looking for a sharp increase.
	var means [5]float32
	checkVar := func(latest int) float32 {
		min := means[0]
		for _, v := range means[1:] {
			if v < min {
				min = v
			}
		}
		return means[latest] - min
	}

	bp := -1
	n := 0
	// The polyA starts after the adapter, and each RNA base spans at
	// least ~30 samples, so the search is limited to the range from
	// 3000 samples up to half the signal.
	for i := 3000; i+kWindow <= signalLen/2; i += kWindow {
		var mean float32
		for j := i; j < i+kWindow; j++ {
			mean += signal[j]
		}
		mean /= kWindow
		means[n] = mean
		if v := checkVar(n); i >= len(means) && v > 2.2 {
			bp = i
			break
		}
		n = (n + 1) % len(means)
	}
	logger.Debugf("approx break point %v", bp)

	return pipeline.PolyTailSignalInfo{FwdStrand: false, SignalAnchor: bp}
}

func (rnaCalculator) CalculateNumBases(read *pipeline.Read, info pipeline.PolyTailSignalInfo) int {
	return calculateNumBases(read, info, true, 0)
}

// cdnaCalculator aligns the adapter primers against the read ends to
// find the breakpoint between read and adapter; the winning
// orientation also fixes the strand.
type cdnaCalculator struct {
	sspRC, vnpRC string
	trailingTs   int
}

// NewCDNACalculator returns the calculator for cDNA reads.
func NewCDNACalculator() pipeline.PolyTailCalculator {
	return &cdnaCalculator{
		sspRC:      reverseComplement(sspPrimer),
		vnpRC:      reverseComplement(vnpPrimer),
		trailingTs: countTrailingChars(vnpPrimer, 'T'),
	}
}

func (*cdnaCalculator) MaxTailLength() int { return maxTailLength }

// bestMatch slides a primer over a region and returns the smallest
// mismatch count together with the match location.
func bestMatch(primer string, region []byte) (dist, start, end int) {
	if len(region) < len(primer) {
		return len(primer), 0, len(region)
	}
	dist = len(primer) + 1
	for s := 0; s+len(primer) <= len(region); s++ {
		mismatches := 0
		for i := 0; i < len(primer) && mismatches < dist; i++ {
			if region[s+i] != primer[i] {
				mismatches++
			}
		}
		if mismatches < dist {
			dist = mismatches
			start = s
			end = s + len(primer)
		}
	}
	return dist, start, end
}

func (c *cdnaCalculator) DetermineSignalAnchorAndStrand(read *pipeline.Read) pipeline.PolyTailSignalInfo {
	const windowSize = 150
	seq := read.Seq
	topLen := windowSize
	if topLen > len(seq) {
		topLen = len(seq)
	}
	readTop := seq[:topLen]
	bottomStart := len(seq) - windowSize
	if bottomStart < 0 {
		bottomStart = 0
	}
	readBottom := seq[bottomStart:]

	// Check for the forward strand.
	topV1, _, _ := bestMatch(sspPrimer, readTop)
	bottomV1, bottomV1Start, _ := bestMatch(c.vnpRC, readBottom)
	distV1 := topV1 + bottomV1

	// Check for the reverse strand.
	topV2, _, topV2End := bestMatch(vnpPrimer, readTop)
	bottomV2, _, _ := bestMatch(c.sspRC, readBottom)
	distV2 := topV2 + bottomV2
	logger.Debugf("v1 dist %v, v2 dist %v", distV1, distV2)

	minDist := distV1
	if distV2 < minDist {
		minDist = distV2
	}
	if minDist >= anchorEditThreshold {
		logger.Warnf("%v primer distance too high %v", read.ID, minDist)
		return pipeline.PolyTailSignalInfo{FwdStrand: false, SignalAnchor: -1}
	}

	fwd := true
	var baseAnchor int
	if distV2 < distV1 {
		fwd = false
		baseAnchor = topV2End
	} else {
		baseAnchor = bottomStart + bottomV1Start
	}

	seqToSig := read.SeqToSignalMap()
	if seqToSig == nil || baseAnchor >= len(seqToSig) {
		return pipeline.PolyTailSignalInfo{FwdStrand: fwd, SignalAnchor: -1}
	}
	return pipeline.PolyTailSignalInfo{FwdStrand: fwd, SignalAnchor: seqToSig[baseAnchor]}
}

func (c *cdnaCalculator) CalculateNumBases(read *pipeline.Read, info pipeline.PolyTailSignalInfo) int {
	return calculateNumBases(read, info, false, c.trailingTs)
}
