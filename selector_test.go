// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gopkg.in/check.v1"
)

type selectorSuite struct{}

var _ = check.Suite(&selectorSuite{})

func (s *selectorSuite) TestChiSquared(c *check.C) {
	c.Check(fmt.Sprintf("%.7f", chiSquaredSurvival(5.991464547107979, 2)), check.Equals, "0.0500000")
	c.Check(fmt.Sprintf("%.7f", chiSquaredSurvival(9.487729036781154, 4)), check.Equals, "0.0500000")
	c.Check(fmt.Sprintf("%.7f", chiSquaredSurvival(3, 2)), check.Equals, fmt.Sprintf("%.7f", math.Exp(-1.5)))
}

func (s *selectorSuite) TestLRTPValue(c *check.C) {
	stat, p := lrtPValue(-100, -97, 2)
	c.Check(stat, check.Equals, 6.0)
	c.Check(math.Abs(p-math.Exp(-3)) < 1e-9, check.Equals, true)
	c.Check(fmt.Sprintf("%.4f", p), check.Equals, "0.0498")
	c.Check(p < NewSelector(DefaultFitConfig).Alpha, check.Equals, true)

	// Larger model fits worse (EM local optimum): never significant.
	stat, p = lrtPValue(-100, -105, 2)
	c.Check(stat, check.Equals, -10.0)
	c.Check(p, check.Equals, 1.0)

	_, p = lrtPValue(-100, -50, 0)
	c.Check(p, check.Equals, 1.0)
}

func (s *selectorSuite) TestInvalid(c *check.C) {
	data := []float64{1, 2, -1, -2}
	for _, sel := range []Selector{
		{MinComponents: 0, MaxComponents: 3, Alpha: 0.05, Fit: DefaultFitConfig},
		{MinComponents: 2, MaxComponents: 3, Alpha: 0, Fit: DefaultFitConfig},
		{MinComponents: 2, MaxComponents: 3, Alpha: 1, Fit: DefaultFitConfig},
		{MinComponents: 2, MaxComponents: 3, Alpha: math.NaN(), Fit: DefaultFitConfig},
	} {
		_, err := sel.Select(data)
		c.Check(IsInputError(err), check.Equals, true, check.Commentf("%+v", sel))
	}
}

func (s *selectorSuite) TestMaxComponents(c *check.C) {
	sel := NewSelector(DefaultFitConfig)
	c.Check(sel.maxComponents(10000), check.Equals, 8)
	c.Check(sel.maxComponents(100), check.Equals, 5)
	c.Check(sel.maxComponents(10), check.Equals, 2)
}

func (s *selectorSuite) TestLightestComponent(c *check.C) {
	m, err := NewFittedMixtureModel([]Component{
		{Weight: 0.5, StdDev: 0.3},
		{Weight: 0.49, Mean: 8, StdDev: 1},
		{Weight: 0.01, Mean: 11, StdDev: 0.05},
	})
	c.Assert(err, check.IsNil)
	j, w := lightestComponent(m)
	c.Check(j, check.Equals, 2)
	c.Check(w, check.Equals, 0.01)
	// On 600 augmented values, component 2 holds about 6 of them.
	c.Check(w*600 < valuesPerComponent, check.Equals, true)
}

func (s *selectorSuite) TestThreeComponents(c *check.C) {
	picked := map[int]int{}
	for trial := 0; trial < 10; trial++ {
		src := rand.NewSource(uint64(100 + trial))
		values := noiseValues(src, 100, 0.3)
		values = append(values, normalValues(src, 100, 5, 0.5)...)
		values = append(values, normalValues(src, 100, 10, 0.5)...)
		data, err := Augment(values, Identity)
		c.Assert(err, check.IsNil)
		sel, err := NewSelector(DefaultFitConfig).Select(data)
		c.Assert(err, check.IsNil)
		k := sel.Model.NumComponents()
		c.Logf("trial %d: k=%d tests %+v", trial, k, sel.Tests)
		picked[k]++

		c.Check(sel.Candidates[0].NumComponents() <= 2, check.Equals, true)
		c.Check(len(sel.Tests) <= len(sel.Candidates)-1, check.Equals, true)
		for i, test := range sel.Tests {
			c.Check(test.DF, check.Equals, paramsPerComponent*(test.Complex-test.Simple))
			c.Check(test.Accepted, check.Equals, test.PValue < 0.05)
			if i < len(sel.Tests)-1 {
				c.Check(test.Accepted, check.Equals, true)
			}
		}
	}
	c.Logf("picked %v", picked)
	c.Check(picked[3] > picked[2], check.Equals, true)
	c.Check(picked[3] >= 5, check.Equals, true)
}

func (s *selectorSuite) TestUnimodalPlusNoise(c *check.C) {
	picked := map[int]int{}
	for trial := 0; trial < 10; trial++ {
		src := rand.NewSource(uint64(200 + trial))
		values := noiseValues(src, 150, 0.3)
		values = append(values, normalValues(src, 150, 8, 1)...)
		data, err := Augment(values, Identity)
		c.Assert(err, check.IsNil)
		sel, err := NewSelector(DefaultFitConfig).Select(data)
		c.Assert(err, check.IsNil)
		k := sel.Model.NumComponents()
		c.Logf("trial %d: k=%d", trial, k)
		picked[k]++
	}
	c.Logf("picked %v", picked)
	c.Check(picked[2] >= 5, check.Equals, true)
}
