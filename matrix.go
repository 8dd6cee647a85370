// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// ExpressionMatrix holds genes × samples expression values. Rows of
// Data correspond to Genes, columns to Samples.
type ExpressionMatrix struct {
	Genes   []string
	Samples []string
	Data    *mat.Dense
}

// GroupAssignment maps sample ID to group label.
type GroupAssignment map[string]string

// DefaultGroup is the group label used when no group assignment is
// given.
const DefaultGroup = "all"

// Validate checks that the matrix is non-empty, that its dimensions
// agree with the gene and sample lists, that IDs are unique, and
// that all values are finite.
func (em *ExpressionMatrix) Validate() error {
	if em == nil || em.Data == nil || len(em.Genes) == 0 || len(em.Samples) == 0 {
		return inputErrorf("expression matrix is empty")
	}
	rows, cols := em.Data.Dims()
	if rows != len(em.Genes) || cols != len(em.Samples) {
		return inputErrorf("expression matrix is %d×%d but has %d genes and %d samples", rows, cols, len(em.Genes), len(em.Samples))
	}
	for what, ids := range map[string][]string{"gene": em.Genes, "sample": em.Samples} {
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				return inputErrorf("duplicate %s ID %q", what, id)
			}
			seen[id] = true
		}
	}
	for i := 0; i < rows; i++ {
		for j, v := range em.Data.RawRowView(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return inputErrorf("non-finite value %v for gene %q sample %q", v, em.Genes[i], em.Samples[j])
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (em *ExpressionMatrix) Clone() *ExpressionMatrix {
	return &ExpressionMatrix{
		Genes:   append([]string(nil), em.Genes...),
		Samples: append([]string(nil), em.Samples...),
		Data:    mat.DenseCopyOf(em.Data),
	}
}

func newTSVReader(r io.Reader) *csv.Reader {
	rdr := csv.NewReader(bufio.NewReaderSize(r, 1<<20))
	rdr.Comma = '\t'
	rdr.Comment = '#'
	rdr.ReuseRecord = true
	return rdr
}

// ReadExpressionMatrix reads a TSV matrix with a header row
// ("gene", sample IDs...) and one row per gene.
func ReadExpressionMatrix(r io.Reader) (*ExpressionMatrix, error) {
	rdr := newTSVReader(r)
	header, err := rdr.Read()
	if err == io.EOF {
		return nil, inputErrorf("expression matrix is empty")
	} else if err != nil {
		return nil, inputErrorf("reading header: %s", err)
	}
	if len(header) < 2 {
		return nil, inputErrorf("header row has no sample columns")
	}
	em := &ExpressionMatrix{Samples: append([]string(nil), header[1:]...)}
	var data []float64
	for {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, inputErrorf("%s", err)
		}
		line, _ := rdr.FieldPos(0)
		em.Genes = append(em.Genes, rec[0])
		for j, s := range rec[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, inputErrorf("line %d, sample %q: %s", line, em.Samples[j], err)
			}
			data = append(data, v)
		}
	}
	if len(em.Genes) == 0 {
		return nil, inputErrorf("expression matrix has no genes")
	}
	em.Data = mat.NewDense(len(em.Genes), len(em.Samples), data)
	return em, em.Validate()
}

// LoadExpressionMatrix reads a TSV matrix from fnm, decompressing it
// if the name ends in ".gz".
func LoadExpressionMatrix(fnm string) (*ExpressionMatrix, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	log.Infof("reading expression matrix %s", fnm)
	em, err := ReadExpressionMatrix(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	log.WithFields(log.Fields{
		"genes":   len(em.Genes),
		"samples": len(em.Samples),
	}).Infof("read expression matrix %s", fnm)
	return em, f.Close()
}

// WriteTSV writes the matrix in the format read by
// ReadExpressionMatrix.
func (em *ExpressionMatrix) WriteTSV(w io.Writer) error {
	bufw := bufio.NewWriterSize(w, 1<<20)
	cw := csv.NewWriter(bufw)
	cw.Comma = '\t'
	rec := make([]string, len(em.Samples)+1)
	rec[0] = "gene"
	copy(rec[1:], em.Samples)
	if err := cw.Write(rec); err != nil {
		return err
	}
	for i, gene := range em.Genes {
		rec[0] = gene
		for j, v := range em.Data.RawRowView(i) {
			rec[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bufw.Flush()
}

// Save writes the matrix to fnm, compressing it if the name ends in
// ".gz".
func (em *ExpressionMatrix) Save(fnm string) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	var w io.WriteCloser = nopCloser{f}
	if strings.HasSuffix(fnm, ".gz") {
		w = pgzip.NewWriter(f)
	}
	err = em.WriteTSV(w)
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	err = w.Close()
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	return f.Close()
}

// ReadGroupAssignment reads "sample<TAB>group" lines. Blank lines and
// lines starting with "#" are ignored.
func ReadGroupAssignment(r io.Reader) (GroupAssignment, error) {
	rdr := newTSVReader(r)
	rdr.FieldsPerRecord = -1
	groups := GroupAssignment{}
	for {
		rec, err := rdr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, inputErrorf("%s", err)
		}
		line, _ := rdr.FieldPos(0)
		if len(rec) < 2 || rec[0] == "" || rec[1] == "" {
			return nil, inputErrorf("line %d: expected sample<TAB>group", line)
		}
		sample, group := rec[0], rec[1]
		if prev, ok := groups[sample]; ok && prev != group {
			return nil, inputErrorf("line %d: sample %q assigned to both %q and %q", line, sample, prev, group)
		}
		groups[sample] = group
	}
	if len(groups) == 0 {
		return nil, inputErrorf("group assignment is empty")
	}
	return groups, nil
}

func LoadGroupAssignment(fnm string) (GroupAssignment, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	groups, err := ReadGroupAssignment(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return groups, f.Close()
}

// SingleGroup assigns every sample to DefaultGroup.
func SingleGroup(samples []string) GroupAssignment {
	groups := make(GroupAssignment, len(samples))
	for _, s := range samples {
		groups[s] = DefaultGroup
	}
	return groups
}

// Columns returns the sorted group labels, and the matrix column
// indexes of each group's samples.
func (ga GroupAssignment) Columns(samples []string) ([]string, map[string][]int, error) {
	cols := map[string][]int{}
	index := make(map[string]bool, len(samples))
	for j, s := range samples {
		index[s] = true
		group, ok := ga[s]
		if !ok {
			return nil, nil, inputErrorf("sample %q has no group", s)
		}
		cols[group] = append(cols[group], j)
	}
	var unknown []string
	for s := range ga {
		if !index[s] {
			unknown = append(unknown, s)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, nil, inputErrorf("group assignment names %d samples not in the expression matrix (e.g., %q)", len(unknown), unknown[0])
	}
	labels := make([]string, 0, len(cols))
	for group := range cols {
		labels = append(labels, group)
	}
	sort.Strings(labels)
	return labels, cols, nil
}
