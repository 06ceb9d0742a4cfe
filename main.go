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

// porecall is a high-performance tool for basecalling nanopore
// sequencing data: it streams raw signal reads through a staged
// pipeline of processing nodes and writes the called reads as FASTQ,
// SAM, or (optionally coordinate-sorted) BAM-style containers.
//
// Please see https://github.com/omics-engine/porecall for a
// documentation of the tool.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/omics-engine/porecall/cmd"
)

func printHelp() {
	fmt.Fprintln(os.Stderr, "Available commands: basecall, merge")
	fmt.Fprint(os.Stderr, "\n", cmd.BasecallHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.MergeHelp)
}

func main() {
	fmt.Fprintln(os.Stderr, cmd.ProgramMessage)
	if len(os.Args) < 2 {
		log.Println("Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, cmd.HelpMessage)
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "basecall":
		err = cmd.Basecall()
	case "merge":
		err = cmd.Merge()
	case "help", "-help", "--help", "-h", "--h":
		printHelp()
	default:
		log.Println("Unknown command: ", os.Args[1])
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}
