// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Pseudocount is added to raw expression values before the log2
// transform. Raw values below zero are floored to zero first, so
// non-positive input maps to exactly 0 on the log scale.
const Pseudocount = 1

// Transform maps raw expression values to the scale the mixture model
// is fitted on, and back.
type Transform int

const (
	// Log2Pseudocount is log2(max(x,0) + Pseudocount).
	Log2Pseudocount Transform = iota
	// Identity is used when the input is already log-transformed.
	Identity
)

func (tr Transform) String() string {
	if tr == Identity {
		return "identity"
	}
	return "log2p"
}

func (tr Transform) Forward(x float64) float64 {
	if tr == Identity {
		return x
	}
	if x < 0 {
		x = 0
	}
	return math.Log2(x + Pseudocount)
}

// Inverse maps a model-scale value back to the raw scale. The sign of
// y is dropped: the model is symmetric about zero, and raw expression
// is never negative.
func (tr Transform) Inverse(y float64) float64 {
	y = math.Abs(y)
	if tr == Identity {
		return y
	}
	return math.Exp2(y) - Pseudocount
}

// Augment returns the transformed values followed by their
// negations. The result is symmetric about zero, which is what makes
// a zero-mean noise component identifiable.
func Augment(values []float64, tr Transform) ([]float64, error) {
	if len(values) == 0 {
		return nil, inputErrorf("cannot augment an empty sample")
	}
	n := len(values)
	out := make([]float64, 2*n)
	for i, x := range values {
		y := tr.Forward(x)
		out[i] = y
		out[n+i] = -y
	}
	return out, nil
}

// AugmentColumns builds the augmented sample for one group, given the
// matrix columns (samples) that belong to it.
func AugmentColumns(mtx mat.Matrix, cols []int, tr Transform) ([]float64, error) {
	values, err := columnValues(mtx, cols)
	if err != nil {
		return nil, err
	}
	if mean := stat.Mean(values, nil); math.Abs(mean) < 1e-8 {
		log.Warnf("input values have mean %g and might already be centered", mean)
	}
	if tr == Log2Pseudocount && looksLogTransformed(values) {
		negative := 0
		for _, x := range values {
			if x < 0 {
				negative++
			}
		}
		log.Warnf("input values range from %g to %g and might already be log-transformed (see -log-transformed); %d negative values will be clamped to 0 before the log2(x+1) transform", floats.Min(values), floats.Max(values), negative)
	}
	return Augment(values, tr)
}

// columnValues returns the values of the given columns, one column
// after another.
func columnValues(mtx mat.Matrix, cols []int) ([]float64, error) {
	rows, ncols := mtx.Dims()
	if len(cols) == 0 {
		return nil, inputErrorf("group has no samples")
	}
	if rows == 0 {
		return nil, inputErrorf("group has no genes")
	}
	values := make([]float64, 0, rows*len(cols))
	for _, col := range cols {
		if col < 0 || col >= ncols {
			return nil, inputErrorf("column %d out of range [0,%d)", col, ncols)
		}
		for row := 0; row < rows; row++ {
			values = append(values, mtx.At(row, col))
		}
	}
	return values, nil
}

func looksLogTransformed(values []float64) bool {
	return floats.Max(values) < 100 && floats.Min(values) < 0
}
