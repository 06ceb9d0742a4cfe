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

import "log"

// A Pipeline owns an ordered list of nodes, head first. Nodes are
// constructed in reverse (sink first) by the caller; the pipeline only
// drives lifecycle and stats. The pipeline owns all nodes, so the
// non-owning downstream references inside the nodes stay valid for the
// whole teardown.
type Pipeline struct {
	nodes []Sink
}

// NewPipeline returns a pipeline over the given nodes, head first.
func NewPipeline(nodes ...Sink) *Pipeline {
	if len(nodes) == 0 {
		log.Panic("pipeline without nodes")
	}
	return &Pipeline{nodes: nodes}
}

// Head returns the first node of the pipeline, the one producers push
// messages into.
func (p *Pipeline) Head() Sink {
	return p.nodes[0]
}

// PushMessage pushes a message into the head node.
func (p *Pipeline) PushMessage(msg Message) error {
	return p.nodes[0].PushMessage(msg)
}

// Terminate tears the pipeline down in topological order: the head
// node drains its queue and joins its workers, then terminates its
// downstream sink, and so on to the terminal node. There is no forced
// cancellation; in-flight work completes first.
func (p *Pipeline) Terminate() {
	p.nodes[0].Terminate()
}

// Restart re-arms all nodes, terminal node first, so that a restarted
// upstream node never forwards into a downstream queue that is still
// closed. Terminate must have completed before Restart.
func (p *Pipeline) Restart() {
	for i := len(p.nodes) - 1; i >= 0; i-- {
		p.nodes[i].Restart()
	}
}

// SampleStats aggregates the stats of all nodes under
// "<node name>.<counter>" keys.
func (p *Pipeline) SampleStats() NamedStats {
	stats := NamedStats{}
	for _, node := range p.nodes {
		for key, value := range node.SampleStats() {
			stats[node.Name()+"."+key] = value
		}
	}
	return stats
}
