// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// goPCA projects the samples of an expression matrix onto their first
// principal components, e.g., to check that correction did not
// distort the sample structure.
type goPCA struct{}

func (cmd *goPCA) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	inputFilename := flags.String("i", "", "input expression matrix `file` (tsv or tsv.gz)")
	outputFilename := flags.String("o", "", "output `file` (.npy, samples × components)")
	components := flags.Int("components", 4, "number of components")
	logTransform := flags.Bool("log2", true, "apply log2(x+1) before PCA")
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
		if *outputFilename != "" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "snail pca-go",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         32000000000,
			VCPUs:       4,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"pca-go", "-local=true",
			fmt.Sprintf("-components=%d", *components),
			fmt.Sprintf("-log2=%v", *logTransform),
			"-i", *inputFilename, "-o", "/mnt/output/pca.npy"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/pca.npy")
		return 0
	}

	if !strings.HasSuffix(*outputFilename, ".npy") {
		err = errors.New("output file name (-o) must end in .npy")
		return 2
	}
	em, err := LoadExpressionMatrix(*inputFilename)
	if err != nil {
		return 1
	}
	if *components < 1 || *components > len(em.Genes) || *components > len(em.Samples) {
		err = fmt.Errorf("cannot compute %d components of a %d×%d matrix", *components, len(em.Genes), len(em.Samples))
		return 2
	}
	pcs, err := samplePCA(em, *components, *logTransform)
	if err != nil {
		return 1
	}
	rows, cols := pcs.Dims()
	prefix := strings.TrimSuffix(*outputFilename, ".npy")
	err = writeNumpyFloat64(prefix+".npy", mat.DenseCopyOf(pcs).RawMatrix().Data, rows, cols)
	if err != nil {
		return 1
	}
	err = writeLabels(prefix+".samples.csv", em.Samples)
	if err != nil {
		return 1
	}
	return 0
}

// samplePCA returns a samples × components matrix.
func samplePCA(em *ExpressionMatrix, components int, logTransform bool) (mat.Matrix, error) {
	// nlp expects features × observations, i.e., genes × samples.
	var data mat.Matrix = em.Data
	if logTransform {
		rows, cols := em.Data.Dims()
		logged := mat.NewDense(rows, cols, nil)
		logged.Apply(func(i, j int, v float64) float64 { return Log2Pseudocount.Forward(v) }, em.Data)
		data = logged
	}
	log.Printf("fitting PCA: %d components", components)
	transformer := nlp.NewPCA(components)
	pcs, err := transformer.FitTransform(data)
	if err != nil {
		return nil, err
	}
	return pcs.T(), nil
}
