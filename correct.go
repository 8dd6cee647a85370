// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Method is the correction applied to values attributed to the noise
// component.
type Method int

const (
	// MethodFilter replaces noise values with 0.
	MethodFilter Method = iota
	// MethodNoise replaces noise values with a draw from the noise
	// component, mapped back to the raw scale.
	MethodNoise
)

func (m Method) String() string {
	switch m {
	case MethodFilter:
		return "filter"
	case MethodNoise:
		return "noise"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

func ParseMethod(s string) (Method, error) {
	switch s {
	case "filter":
		return MethodFilter, nil
	case "noise":
		return MethodNoise, nil
	default:
		return 0, inputErrorf("invalid correction method %q (must be filter or noise)", s)
	}
}

// Corrector decides which values of a group are noise, and corrects
// them.
type Corrector struct {
	Method Method
	// If Threshold is zero, a value is noise when component 0 has
	// the highest posterior probability. Otherwise, it is noise
	// when the component 0 posterior exceeds Threshold.
	Threshold float64
	Transform Transform
	// Random source for MethodNoise (nil means process-wide).
	Src rand.Source
}

// Correct returns a corrected copy of raw (values on the original
// scale), and a mask of the values that were attributed to the noise
// component.
func (c *Corrector) Correct(model *MixtureModel, raw []float64) (corrected []float64, flagged []bool, err error) {
	if !model.IsFitted() {
		return nil, nil, ErrNotFitted
	}
	if c.Threshold < 0 || c.Threshold >= 1 {
		return nil, nil, inputErrorf("posterior threshold must be in [0,1), got %g", c.Threshold)
	}
	corrected = append([]float64(nil), raw...)
	flagged = make([]bool, len(raw))
	if len(raw) == 0 {
		return
	}
	values := make([]float64, len(raw))
	for i, x := range raw {
		values[i] = c.Transform.Forward(x)
	}
	post, err := model.PredictPosterior(values)
	if err != nil {
		return nil, nil, err
	}
	noise := distuv.Normal{Mu: 0, Sigma: model.StandardDeviations()[0], Src: c.Src}
	for i := range raw {
		row := post.RawRowView(i)
		if c.Threshold > 0 {
			flagged[i] = row[0] > c.Threshold
		} else {
			flagged[i] = argmaxIsNoise(row)
		}
		if !flagged[i] {
			continue
		}
		switch c.Method {
		case MethodFilter:
			corrected[i] = 0
		case MethodNoise:
			corrected[i] = c.Transform.Inverse(noise.Rand())
		default:
			return nil, nil, inputErrorf("invalid correction method %v", c.Method)
		}
	}
	return corrected, flagged, nil
}

// argmaxIsNoise returns true if component 0 has the highest
// probability, counting ties in favor of component 0.
func argmaxIsNoise(row []float64) bool {
	for _, p := range row[1:] {
		if p > row[0] {
			return false
		}
	}
	return true
}
