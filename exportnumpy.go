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
	"os"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "", "output `file` (.npy); gene and sample labels are written alongside")
	transpose := flags.Bool("transpose", false, "write samples × genes instead of genes × samples")
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
			Name:        "snail export-numpy",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"export-numpy", "-local=true", fmt.Sprintf("-transpose=%v", *transpose), "-i", *inputFilename, "-o", "/mnt/output/matrix.npy"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/matrix.npy")
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
	err = writeMatrixNumpy(strings.TrimSuffix(*outputFilename, ".npy"), em, *transpose)
	if err != nil {
		return 1
	}
	return 0
}

// writeMatrixNumpy writes prefix.npy, with the gene and sample IDs in
// prefix.genes.csv and prefix.samples.csv.
func writeMatrixNumpy(prefix string, em *ExpressionMatrix, transpose bool) error {
	var data mat.Matrix = em.Data
	if transpose {
		data = em.Data.T()
	}
	rows, cols := data.Dims()
	out := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out = append(out, data.At(i, j))
		}
	}
	err := writeNumpyFloat64(prefix+".npy", out, rows, cols)
	if err != nil {
		return err
	}
	err = writeLabels(prefix+".genes.csv", em.Genes)
	if err != nil {
		return err
	}
	return writeLabels(prefix+".samples.csv", em.Samples)
}

func writeNumpyFloat64(fnm string, out []float64, rows, cols int) error {
	output, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriterSize(output, 1<<26)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"filename": fnm,
		"rows":     rows,
		"cols":     cols,
		"bytes":    rows * cols * 8,
	}).Infof("writing numpy: %s", fnm)
	npw.Shape = []int{rows, cols}
	err = npw.WriteFloat64(out)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return output.Close()
}

// writeLabels writes "Index,ID" rows, one per label.
func writeLabels(fnm string, labels []string) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	fmt.Fprint(bufw, "Index,ID\n")
	for i, label := range labels {
		fmt.Fprintf(bufw, "%d,%q\n", i, label)
	}
	err = bufw.Flush()
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	return f.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
