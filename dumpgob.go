// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// dumpModels prints a human-readable summary of each entry in a model
// file.
type dumpModels struct{}

func (cmd *dumpModels) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	inputFilename := flags.String("i", "", "input models `file` (models.gob.gz)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *inputFilename == "" {
		err = errors.New("must specify input file (-i)")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "snail dump-models",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         1000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Prog = "/bin/sh"
		runner.Args = []string{"-c", `"$0" dump-models -local=true -i "$1" > /mnt/output/models.txt`, "/mnt/cmd/snail", *inputFilename}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/models.txt")
		return 0
	}

	input, err := open(*inputFilename)
	if err != nil {
		return 1
	}
	defer input.Close()
	bufw := bufio.NewWriter(stdout)
	n := 0
	err = DecodeModels(input, strings.HasSuffix(*inputFilename, ".gz"), func(ent *ModelEntry) error {
		n++
		fmt.Fprintf(bufw, "ent %d: group %q, samples %d, transform %s, requested %d, fitted %d, loglik %.6g, iterations %d, converged %v\n",
			n, ent.Group, len(ent.Samples), ent.Transform, ent.Requested, len(ent.Components), ent.LogLikelihood, ent.Iterations, ent.Converged)
		for j, c := range ent.Components {
			fmt.Fprintf(bufw, "ent %d: component %d, weight %.6g, mean %.6g, stddev %.6g\n", n, j, c.Weight, c.Mean, c.StdDev)
		}
		for _, t := range ent.Tests {
			fmt.Fprintf(bufw, "ent %d: LRT %d vs %d, statistic %.6g, df %d, p %.4g, accepted %v\n", n, t.Simple, t.Complex, t.Statistic, t.DF, t.PValue, t.Accepted)
		}
		if w := ent.Warnings; w != (FitWarnings{}) {
			fmt.Fprintf(bufw, "ent %d: warnings: %d variance floored, %d density underflows, not converged %v, pruned %d\n", n, w.VarianceFloored, w.DensityUnderflow, w.NotConverged, w.Pruned)
		}
		return nil
	})
	if err != nil {
		return 1
	}
	fmt.Fprintf(bufw, "total: ents %d\n", n)
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	return 0
}
