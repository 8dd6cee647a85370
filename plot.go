// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/kshedden/gonpy"
)

type pythonPlot struct{}

//go:embed plot.py
var plotscript string

// plotInput is the JSON document read by plot.py.
type plotInput struct {
	Models   []modelStats
	Affected *AffectedStats `json:",omitempty"`
	Heatmap  *heatmapInput  `json:",omitempty"`
}

// heatmapInput is the part of the affected value mask to plot.
// Affected[i][j] is 1 if gene i of sample j was corrected.
type heatmapInput struct {
	Genes    []string
	Samples  []string
	Affected [][]int
}

func (cmd *pythonPlot) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	inputFilename := flags.String("i", "", "input models `file` (models.gob.gz)")
	affectedFilename := flags.String("affected", "", "also plot affected genes per sample from `affected.json`")
	heatmapFilename := flags.String("heatmap", "", "also plot a heatmap of corrected values from `affected.npy`")
	genes := flags.String("genes", "", "comma-separated gene `IDs` to show in the heatmap (default all)")
	samples := flags.String("samples", "", "comma-separated sample `IDs` to show in the heatmap (default all)")
	outputFilename := flags.String("o", "", "output `filename` (e.g., './plot.png')")
	priority := flags.Int("priority", 500, "container request priority")
	runlocal := flags.Bool("local", true, "run on local host (if false, run in an arvados container)")
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
	if *runlocal && *outputFilename == "" {
		err = errors.New("must specify -o filename.png in local mode (or try -help)")
		return 2
	}
	if *heatmapFilename == "" && (*genes != "" || *samples != "") {
		err = errors.New("-genes and -samples require -heatmap")
		return 2
	}

	// The models are summarized here, so plot.py does not need
	// to decode gob files.
	in, err := loadPlotInput(*inputFilename, *affectedFilename)
	if err != nil {
		return 1
	}
	if *heatmapFilename != "" {
		in.Heatmap, err = loadHeatmap(*heatmapFilename, splitIDs(*genes), splitIDs(*samples))
		if IsInputError(err) {
			return 2
		} else if err != nil {
			return 1
		}
	}
	buf, err := json.Marshal(in)
	if err != nil {
		return 1
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "snail plot",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         4 << 30,
			VCPUs:       1,
			Priority:    *priority,
			Prog:        "python3",
			Args:        []string{"/plot.py", "/plot.json", "/mnt/output/plot.png"},
			Mounts: map[string]map[string]interface{}{
				"/plot.py": {
					"kind":    "text",
					"content": plotscript,
				},
				"/plot.json": {
					"kind":    "text",
					"content": string(buf),
				},
			},
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/plot.png")
		return 0
	}

	tmp, err := ioutil.TempFile("", "snail-plot-*.json")
	if err != nil {
		return 1
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.Write(buf)
	if err != nil {
		return 1
	}
	err = tmp.Close()
	if err != nil {
		return 1
	}
	py := exec.Command("python3", "-", tmp.Name(), *outputFilename)
	py.Stdin = strings.NewReader(plotscript)
	py.Stdout = stdout
	py.Stderr = stderr
	err = py.Run()
	if err != nil {
		return 1
	}
	return 0
}

func loadPlotInput(modelsFilename, affectedFilename string) (*plotInput, error) {
	f, err := open(modelsFilename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var js bytes.Buffer
	err = (&statscmd{}).doStats(f, strings.HasSuffix(modelsFilename, ".gz"), &js)
	if err != nil {
		return nil, err
	}
	in := &plotInput{}
	err = json.Unmarshal(js.Bytes(), &in.Models)
	if err != nil {
		return nil, err
	}
	if affectedFilename != "" {
		buf, err := ioutil.ReadFile(affectedFilename)
		if err != nil {
			return nil, err
		}
		in.Affected = &AffectedStats{}
		err = json.Unmarshal(buf, in.Affected)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", affectedFilename, err)
		}
	}
	return in, nil
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// loadHeatmap reads a mask written by correct (prefix.npy, with labels
// in prefix.genes.csv and prefix.samples.csv), and returns the rows
// and columns for the given genes and samples, in the given order. An
// empty list selects all genes (or samples).
func loadHeatmap(fnm string, genes, samples []string) (*heatmapInput, error) {
	prefix := strings.TrimSuffix(fnm, ".npy")
	allGenes, err := readLabels(prefix + ".genes.csv")
	if err != nil {
		return nil, err
	}
	allSamples, err := readLabels(prefix + ".samples.csv")
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if len(npy.Shape) != 2 || npy.Shape[0] != len(allGenes) || npy.Shape[1] != len(allSamples) {
		return nil, fmt.Errorf("%s: shape %v does not match %d genes × %d samples", fnm, npy.Shape, len(allGenes), len(allSamples))
	}
	data, err := npy.GetFloat64()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}

	rows, err := labelIndexes(allGenes, genes, "gene")
	if err != nil {
		return nil, err
	}
	cols, err := labelIndexes(allSamples, samples, "sample")
	if err != nil {
		return nil, err
	}
	hm := &heatmapInput{Affected: make([][]int, len(rows))}
	for _, col := range cols {
		hm.Samples = append(hm.Samples, allSamples[col])
	}
	for i, row := range rows {
		hm.Genes = append(hm.Genes, allGenes[row])
		hm.Affected[i] = make([]int, len(cols))
		for j, col := range cols {
			if data[row*len(allSamples)+col] != 0 {
				hm.Affected[i][j] = 1
			}
		}
	}
	return hm, nil
}

// labelIndexes returns the positions of want in all, or every position
// if want is empty.
func labelIndexes(all, want []string, what string) ([]int, error) {
	if len(want) == 0 {
		idx := make([]int, len(all))
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	pos := make(map[string]int, len(all))
	for i, label := range all {
		pos[label] = i
	}
	idx := make([]int, 0, len(want))
	for _, label := range want {
		i, ok := pos[label]
		if !ok {
			return nil, inputErrorf("unknown %s %q", what, label)
		}
		idx = append(idx, i)
	}
	return idx, nil
}

// readLabels reads a file written by writeLabels.
func readLabels(fnm string) ([]string, error) {
	f, err := os.Open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if len(records) == 0 || len(records[0]) != 2 || records[0][1] != "ID" {
		return nil, fmt.Errorf("%s: missing Index,ID header", fnm)
	}
	labels := make([]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) != 2 {
			return nil, fmt.Errorf("%s: expected 2 fields, got %d", fnm, len(rec))
		}
		labels = append(labels, rec[1])
	}
	return labels, nil
}
