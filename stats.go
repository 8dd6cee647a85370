// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// Resolution of the grid used to locate the noise cutoff.
const cutoffGridSize = 4096

type modelStats struct {
	Group      string
	Samples    int
	Transform  string
	Requested  int
	Components []Component
	// Largest model-scale value (and the corresponding raw value)
	// that the default decision rule attributes to noise.
	NoiseCutoff    float64
	RawNoiseCutoff float64
	LogLikelihood  float64
	Iterations     int
	Converged      bool
	Warnings       FitWarnings
	Tests          []LRTResult `json:",omitempty"`
}

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", true, "run on local host (if false, run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "-", "input models `file` (models.gob.gz)")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "snail stats",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         4000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"stats", "-local=true", "-i", *inputFilename, "-o", "/mnt/output/stats.json"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return 0
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = open(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}

	bufw := bufio.NewWriter(output)
	err = cmd.doStats(input, strings.HasSuffix(*inputFilename, ".gz"), bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *statscmd) doStats(input io.Reader, gz bool, output io.Writer) error {
	var ret []modelStats
	err := DecodeModels(input, gz, func(ent *ModelEntry) error {
		model, err := ent.Model()
		if err != nil {
			return err
		}
		cutoff := noiseCutoff(model)
		ret = append(ret, modelStats{
			Group:          ent.Group,
			Samples:        len(ent.Samples),
			Transform:      ent.Transform.String(),
			Requested:      ent.Requested,
			Components:     ent.Components,
			NoiseCutoff:    cutoff,
			RawNoiseCutoff: ent.Transform.Inverse(cutoff),
			LogLikelihood:  ent.LogLikelihood,
			Iterations:     ent.Iterations,
			Converged:      ent.Converged,
			Warnings:       ent.Warnings,
			Tests:          ent.Tests,
		})
		return nil
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(ret)
}

// noiseCutoff returns the largest non-negative model-scale value,
// up to the largest component mean, for which component 0 has the
// highest posterior probability. It returns 0 for a model with only
// the noise component.
func noiseCutoff(model *MixtureModel) float64 {
	upper := floats.Max(model.Means())
	if upper <= 0 {
		return 0
	}
	grid := make([]float64, cutoffGridSize+1)
	floats.Span(grid, 0, upper)
	labels, err := model.PredictLabel(grid)
	if err != nil {
		return 0
	}
	cutoff := 0.0
	for i, label := range labels {
		if label != 0 {
			break
		}
		cutoff = grid[i]
	}
	return cutoff
}
