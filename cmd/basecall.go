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
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/omics-engine/porecall/hts"
	"github.com/omics-engine/porecall/internal"
	"github.com/omics-engine/porecall/load"
	"github.com/omics-engine/porecall/model"
	"github.com/omics-engine/porecall/pipeline"
	"github.com/omics-engine/porecall/polytail"
	"github.com/omics-engine/porecall/utils"
)

// BasecallHelp is the help string for the basecall command.
const BasecallHelp = "\nbasecall parameters:\n" +
	"porecall basecall signal-path output-file\n" +
	"[--model file]\n" +
	"[--device cpu | metal | cuda:all | cuda:i[,j...]]\n" +
	"[--batch-size number (0 = auto)]\n" +
	"[--chunk-size number]\n" +
	"[--overlap number]\n" +
	"[--num-runners number]\n" +
	"[--modbase-models file[,file...]]\n" +
	"[--modbase-batch-size number]\n" +
	"[--modbase-threads number]\n" +
	"[--emit-fastq]\n" +
	"[--emit-sam]\n" +
	"[--emit-ubam]\n" +
	"[--sort-bam]\n" +
	"[--sorted-bam-buffer bytes]\n" +
	"[--estimate-poly-a]\n" +
	"[--rna]\n"

const memoryFraction = 0.8

// Basecall implements the basecall command: it binds runners to
// callers, assembles the read pipeline, streams the signal files
// through it, and finalises the output.
func Basecall() error {
	var config BasecallConfig
	var modelPath, modbaseModels string

	var flags flag.FlagSet
	flags.StringVar(&modelPath, "model", "", "basecalling model configuration file")
	flags.StringVar(&config.Device, "device", "cpu", "device to run on")
	flags.IntVar(&config.BatchSize, "batch-size", 0, "chunks per inference batch (0 = auto)")
	flags.IntVar(&config.ChunkSize, "chunk-size", 10000, "signal samples per chunk")
	flags.IntVar(&config.Overlap, "overlap", 500, "overlap between chunks in samples")
	flags.IntVar(&config.NumRunners, "num-runners", 2, "runners per caller")
	flags.StringVar(&modbaseModels, "modbase-models", "", "comma separated list of modified base models")
	flags.IntVar(&config.ModbaseBatchSize, "modbase-batch-size", 1000, "modbase batch size")
	flags.IntVar(&config.ModbaseThreads, "modbase-threads", 1, "modbase runners per caller")
	flags.BoolVar(&config.EmitFastq, "emit-fastq", false, "write FASTQ output")
	flags.BoolVar(&config.EmitSam, "emit-sam", false, "write SAM output")
	flags.BoolVar(&config.EmitUbam, "emit-ubam", false, "write uncompressed BAM output")
	flags.BoolVar(&config.SortBam, "sort-bam", false, "write coordinate-sorted BAM output")
	var sortedBamBuffer uint64
	flags.Uint64Var(&sortedBamBuffer, "sorted-bam-buffer", 2*hts.MinimumBufferSize, "buffer size for sorted BAM output")
	flags.BoolVar(&config.PolyA, "estimate-poly-a", false, "estimate polyA tail lengths")
	flags.BoolVar(&config.PolyARna, "rna", false, "input is direct RNA")

	parseFlags(flags, 4, BasecallHelp)
	input := getFilename(os.Args[2], BasecallHelp)
	output := getFilename(os.Args[3], BasecallHelp)
	config.SortedBamBufferBytes = sortedBamBuffer
	if modbaseModels != "" {
		config.ModbaseModels = strings.Split(modbaseModels, ",")
	}

	if len(config.ModbaseModels) > 0 && config.EmitFastq {
		return errors.New("modified base models cannot be used with FASTQ output")
	}

	modelConfig := model.DefaultConfig()
	if modelPath != "" {
		var err error
		if modelConfig, err = model.LoadConfig(modelPath); err != nil {
			return err
		}
	}

	plan, err := model.CreateBasecallRunners(modelConfig, config.Device,
		config.NumRunners, config.NumRunners, config.BatchSize, config.ChunkSize, memoryFraction)
	if err != nil {
		return err
	}
	modbaseRunners, err := model.CreateModBaseRunners(config.ModbaseModels, config.Device,
		config.ModbaseThreads, config.ModbaseBatchSize)
	if err != nil {
		return err
	}

	outputPath, err := internal.FullPathname(output)
	if err != nil {
		return err
	}
	htsFile, err := hts.NewHtsFile(outputPath, config.OutputMode(), config.SortBam)
	if err != nil {
		return err
	}
	if config.SortBam {
		if err := htsFile.SetBufferSize(int(config.SortedBamBufferBytes)); err != nil {
			return err
		}
	}
	header := hts.NewHeader()
	header.EnsureHD()
	header.PG = append(header.PG, utils.StringMap{
		"ID": utils.ProgramName,
		"PN": utils.ProgramName,
		"VN": utils.ProgramVersion,
	})
	if err := htsFile.SetHeader(header); err != nil {
		return err
	}

	// The pipeline is constructed sink first; every node keeps a
	// non-owning reference to its downstream sink.
	maxReads := 1000
	writer := pipeline.NewWriterNode(htsFile, maxReads)
	nodes := []pipeline.Sink{writer}
	var head pipeline.Sink = writer
	if config.PolyA {
		head = pipeline.NewPolyACalculatorNode(head, 4, maxReads)
		nodes = append(nodes, head)
	}
	if len(modbaseRunners) > 0 {
		head = pipeline.NewModBaseCallerNode(head, modbaseRunners, config.ModbaseThreads, maxReads)
		nodes = append(nodes, head)
	}
	basecaller := pipeline.NewBasecallerNode(head, plan.Runners, config.Overlap, 1, maxReads)
	nodes = append(nodes, basecaller)
	scaler := pipeline.NewScalerNode(basecaller, pipeline.DefaultScalerConfig(), 2*plan.NumDevices, maxReads)
	nodes = append(nodes, scaler)
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	pipe := pipeline.NewPipeline(nodes...)

	clientInfo := pipeline.NewClientInfo()
	if config.PolyA {
		calculator := polytail.NewCDNACalculator()
		if config.PolyARna {
			calculator = polytail.NewRNACalculator()
		}
		clientInfo.Contexts().Register(pipeline.PolyTailCalculatorKey, calculator)
	}

	loader := load.NewLoader(pipe.Head(), clientInfo)
	loadErr := loader.LoadReads(input)
	pipe.Terminate()

	stats := pipe.SampleStats()
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		log.Printf("%v: %v", key, stats[key])
	}
	log.Printf("reads loaded: %v, load errors: %v", loader.NumLoaded(), loader.NumErrors())

	lastPercent := -1
	if err := htsFile.Finalise(func(percent int) {
		if percent != lastPercent {
			lastPercent = percent
			log.Printf("finalising output: %v%%", percent)
		}
	}); err != nil {
		return err
	}
	if loadErr != nil {
		return fmt.Errorf("%v, while loading reads from %v", loadErr, input)
	}
	return nil
}
