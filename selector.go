// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"math"

	log "github.com/sirupsen/logrus"
)

// Each added mirrored component contributes a mean and a variance.
const paramsPerComponent = 2

// Minimum augmented-sample size per candidate component, used to cap
// the search on small groups, and to reject candidates in which a
// component has collapsed onto a few values.
const valuesPerComponent = 20

// Selector chooses the number of mixture components by a sequence of
// likelihood ratio tests, k vs k+1, starting at MinComponents.
//
// Component-count LRTs are on the boundary of the parameter space,
// so the chi-square p-value is only a heuristic stopping rule.
type Selector struct {
	MinComponents int
	MaxComponents int
	Alpha         float64
	Fit           FitConfig
	Label         string
}

// LRTResult records one k vs k+1 comparison.
type LRTResult struct {
	Simple    int // fitted components of the smaller model
	Complex   int // fitted components of the larger model
	Statistic float64
	DF        int
	PValue    float64
	Accepted  bool
}

// Selection is the outcome of Selector.Select.
type Selection struct {
	Model      *MixtureModel
	Candidates []*MixtureModel
	Tests      []LRTResult
}

func NewSelector(cfg FitConfig) *Selector {
	return &Selector{
		MinComponents: 2,
		MaxComponents: 8,
		Alpha:         0.05,
		Fit:           cfg,
	}
}

func (s *Selector) maxComponents(n int) int {
	max := s.MaxComponents
	if limit := n / valuesPerComponent; limit < max {
		max = limit
	}
	if max < s.MinComponents {
		max = s.MinComponents
	}
	return max
}

func (s *Selector) fit(data []float64, k int) (*MixtureModel, error) {
	m := NewMixtureModel(k, s.Fit)
	m.Label = s.Label
	return m, m.Fit(data)
}

// Select fits candidate models with increasing numbers of components
// and returns the last one accepted by the likelihood ratio test.
func (s *Selector) Select(data []float64) (*Selection, error) {
	if s.MinComponents < 1 {
		return nil, inputErrorf("minimum number of components must be at least 1, got %d", s.MinComponents)
	}
	if s.Alpha <= 0 || s.Alpha >= 1 || math.IsNaN(s.Alpha) {
		return nil, inputErrorf("significance level must be in (0,1), got %g", s.Alpha)
	}
	current, err := s.fit(data, s.MinComponents)
	if err != nil {
		return nil, err
	}
	sel := &Selection{Candidates: []*MixtureModel{current}}
	maxk := s.maxComponents(len(data))
	for k := s.MinComponents + 1; k <= maxk; k++ {
		next, err := s.fit(data, k)
		if err != nil {
			return nil, err
		}
		sel.Candidates = append(sel.Candidates, next)
		added := next.NumComponents() - current.NumComponents()
		if added < 1 {
			// Pruning collapsed the larger model: no
			// support for another component.
			log.WithFields(log.Fields{
				"group":     s.Label,
				"requested": k,
				"fitted":    next.NumComponents(),
			}).Debug("candidate model collapsed, stopping search")
			break
		}
		if j, w := lightestComponent(next); w*float64(len(data)) < valuesPerComponent {
			log.WithFields(log.Fields{
				"group":     s.Label,
				"requested": k,
				"component": j,
				"weight":    w,
			}).Debug("candidate model has a degenerate component, stopping search")
			break
		}
		df := paramsPerComponent * added
		stat, p := lrtPValue(current.LogLikelihood(), next.LogLikelihood(), df)
		test := LRTResult{
			Simple:    current.NumComponents(),
			Complex:   next.NumComponents(),
			Statistic: stat,
			DF:        df,
			PValue:    p,
			Accepted:  p < s.Alpha,
		}
		sel.Tests = append(sel.Tests, test)
		log.WithFields(log.Fields{
			"group":     s.Label,
			"simple":    test.Simple,
			"complex":   test.Complex,
			"statistic": test.Statistic,
			"df":        test.DF,
			"p":         test.PValue,
		}).Debug("likelihood ratio test")
		if !test.Accepted {
			break
		}
		current = next
	}
	sel.Model = current
	return sel, nil
}

func lightestComponent(m *MixtureModel) (int, float64) {
	best, min := 0, math.Inf(1)
	for j, w := range m.Weights() {
		if w < min {
			best, min = j, w
		}
	}
	return best, min
}
