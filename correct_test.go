// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

type correctSuite struct{}

var _ = check.Suite(&correctSuite{})

func (s *correctSuite) model(c *check.C) *MixtureModel {
	m, err := NewFittedMixtureModel([]Component{
		{Weight: 0.5, Mean: 0, StdDev: 0.2},
		{Weight: 0.5, Mean: 10, StdDev: 1},
	})
	c.Assert(err, check.IsNil)
	return m
}

func (s *correctSuite) TestFilter(c *check.C) {
	raw := []float64{0.05, 10, 0.1, 9.5, 0, 12}
	corrected, flagged, err := (&Corrector{Method: MethodFilter, Transform: Identity}).Correct(s.model(c), raw)
	c.Assert(err, check.IsNil)
	c.Check(corrected, check.DeepEquals, []float64{0, 10, 0, 9.5, 0, 12})
	c.Check(flagged, check.DeepEquals, []bool{true, false, true, false, true, false})
	c.Check(raw[0], check.Equals, 0.05)
}

func (s *correctSuite) TestNoise(c *check.C) {
	m := s.model(c)
	raw := []float64{0.05, 10, 0.1, 9.5, 0, 12, 0.2, 0.01}
	var prev []float64
	for run := 0; run < 2; run++ {
		corr := Corrector{Method: MethodNoise, Transform: Identity, Src: rand.NewSource(42)}
		corrected, flagged, err := corr.Correct(m, raw)
		c.Assert(err, check.IsNil)
		for i, x := range corrected {
			if flagged[i] {
				c.Check(x >= 0, check.Equals, true)
				c.Check(x < 2, check.Equals, true)
			} else {
				c.Check(x, check.Equals, raw[i])
			}
		}
		if prev != nil {
			c.Check(corrected, check.DeepEquals, prev)
		}
		prev = corrected
	}
}

func (s *correctSuite) TestNoiseRawScale(c *check.C) {
	m := s.model(c)
	raw := []float64{0, 0, 0, 1023}
	corrected, flagged, err := (&Corrector{Method: MethodNoise, Transform: Log2Pseudocount, Src: rand.NewSource(1)}).Correct(m, raw)
	c.Assert(err, check.IsNil)
	c.Check(flagged, check.DeepEquals, []bool{true, true, true, false})
	for _, x := range corrected[:3] {
		c.Check(x >= 0, check.Equals, true)
	}
	c.Check(corrected[3], check.Equals, 1023.0)
}

func (s *correctSuite) TestThreshold(c *check.C) {
	m := s.model(c)
	raw := make([]float64, 200)
	for i := range raw {
		raw[i] = float64(i) / 20
	}
	post, err := m.PredictPosterior(raw)
	c.Assert(err, check.IsNil)
	for _, threshold := range []float64{0.5, 0.9, 0.999999} {
		_, flagged, err := (&Corrector{Threshold: threshold, Transform: Identity}).Correct(m, raw)
		c.Assert(err, check.IsNil)
		for i := range raw {
			c.Check(flagged[i], check.Equals, post.At(i, 0) > threshold, check.Commentf("x=%g threshold=%g", raw[i], threshold))
		}
	}
	_, loose, err := (&Corrector{Transform: Identity}).Correct(m, raw)
	c.Assert(err, check.IsNil)
	_, strict, err := (&Corrector{Threshold: 0.999999, Transform: Identity}).Correct(m, raw)
	c.Assert(err, check.IsNil)
	for i := range raw {
		if strict[i] {
			c.Check(loose[i], check.Equals, true)
		}
	}

	for _, threshold := range []float64{-0.1, 1, 2} {
		_, _, err := (&Corrector{Threshold: threshold}).Correct(m, raw)
		c.Check(IsInputError(err), check.Equals, true)
	}
}

func (s *correctSuite) TestNotFitted(c *check.C) {
	_, _, err := (&Corrector{}).Correct(NewMixtureModel(2, DefaultFitConfig), []float64{1})
	c.Check(err, check.Equals, ErrNotFitted)
}

func (s *correctSuite) TestEmpty(c *check.C) {
	corrected, flagged, err := (&Corrector{}).Correct(s.model(c), nil)
	c.Check(err, check.IsNil)
	c.Check(corrected, check.HasLen, 0)
	c.Check(flagged, check.HasLen, 0)
}

func (s *correctSuite) TestArgmaxTies(c *check.C) {
	c.Check(argmaxIsNoise([]float64{0.5, 0.5}), check.Equals, true)
	c.Check(argmaxIsNoise([]float64{0.4, 0.6}), check.Equals, false)
	c.Check(argmaxIsNoise([]float64{0.4, 0.3, 0.3}), check.Equals, true)
	c.Check(argmaxIsNoise([]float64{1}), check.Equals, true)
}

func (s *correctSuite) TestParseMethod(c *check.C) {
	for _, m := range []Method{MethodFilter, MethodNoise} {
		parsed, err := ParseMethod(m.String())
		c.Check(err, check.IsNil)
		c.Check(parsed, check.Equals, m)
	}
	_, err := ParseMethod("median")
	c.Check(IsInputError(err), check.Equals, true)
}
