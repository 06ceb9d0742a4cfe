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

package cmd

import (
	"errors"
	"log"
	"os"

	"github.com/omics-engine/porecall/hts"
	"github.com/omics-engine/porecall/internal"
)

// MergeHelp is the help string for the merge command.
const MergeHelp = "\nmerge parameters:\n" +
	"porecall merge input-file input-file... output-file\n"

// Merge implements the merge command: it k-way merges already-sorted
// container files, for example temporary files retained after a failed
// finalisation, into a single coordinate-sorted file with an index.
func Merge() error {
	if len(os.Args) < 5 {
		return errors.New("merge needs at least two input files and one output file")
	}
	var inputs []string
	for _, arg := range os.Args[2 : len(os.Args)-1] {
		inputs = append(inputs, getFilename(arg, MergeHelp))
	}
	output, err := internal.FullPathname(getFilename(os.Args[len(os.Args)-1], MergeHelp))
	if err != nil {
		return err
	}
	log.Printf("Merging %v sorted files into %v.", len(inputs), output)
	lastPercent := -1
	return hts.MergeSortedFiles(output, inputs, func(percent int) {
		if percent != lastPercent {
			lastPercent = percent
			log.Printf("merging: %v%%", percent)
		}
	})
}
