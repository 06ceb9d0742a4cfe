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

// Package cmd implements the command line interface of porecall.
package cmd

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/omics-engine/porecall/hts"
	"github.com/omics-engine/porecall/utils"
)

// ProgramMessage is the first line printed when the porecall binary is
// called.
var ProgramMessage string

func init() {
	ProgramMessage = fmt.Sprint(
		"\n", utils.ProgramName, " version ", utils.ProgramVersion,
		" compiled with ", runtime.Version(),
		" - see ", utils.ProgramURL, " for more information.\n",
	)
}

// HelpMessage is printed to show the --help flag
const HelpMessage = "Print command details:\n" +
	"[--help]\n"

// A BasecallConfig is the config record the core consumes from the CLI
// surface.
type BasecallConfig struct {
	Device               string
	BatchSize            int
	ChunkSize            int
	Overlap              int
	NumRunners           int
	ModbaseBatchSize     int
	ModbaseThreads       int
	ModbaseModels        []string
	EmitFastq            bool
	EmitSam              bool
	EmitUbam             bool
	SortBam              bool
	SortedBamBufferBytes uint64
	PolyA                bool
	PolyARna             bool
}

// OutputMode maps the emit flags to an output mode.
func (config *BasecallConfig) OutputMode() hts.OutputMode {
	switch {
	case config.EmitFastq:
		return hts.FASTQ
	case config.EmitSam:
		return hts.SAM
	case config.EmitUbam:
		return hts.UBAM
	default:
		return hts.BAM
	}
}

func getFilename(s, help string) string {
	switch s {
	case "-h", "--h", "-help", "--help":
		fmt.Fprint(os.Stderr, help)
		os.Exit(0)
	default:
		if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "--") {
			log.Println("Filename(s) in command line missing.")
			fmt.Fprint(os.Stderr, help)
			os.Exit(1)
		}
	}
	return s
}

func parseFlags(flags flag.FlagSet, requiredArgs int, help string) {
	if len(os.Args) < requiredArgs {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
	flags.SetOutput(io.Discard)
	if err := flags.Parse(os.Args[requiredArgs:]); err != nil {
		x := 0
		if err != flag.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			x = 1
		}
		fmt.Fprint(os.Stderr, help)
		os.Exit(x)
	}
}
