// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/check.v1"
)

// testMatrix returns a genes × samples matrix of log-scale values, about
// 40% of them noise (|N(0,0.3)|) and the rest N(8,1).
func testMatrix(seed uint64, genes int, samples []string) *ExpressionMatrix {
	src := rand.NewSource(seed)
	isNoise := distuv.Bernoulli{P: 0.4, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: 0.3, Src: src}
	signal := distuv.Normal{Mu: 8, Sigma: 1, Src: src}
	em := &ExpressionMatrix{
		Samples: samples,
		Data:    mat.NewDense(genes, len(samples), nil),
	}
	for i := 0; i < genes; i++ {
		em.Genes = append(em.Genes, fmt.Sprintf("gene%d", i))
		for j := range samples {
			if isNoise.Rand() == 1 {
				em.Data.Set(i, j, math.Abs(noise.Rand()))
			} else {
				em.Data.Set(i, j, signal.Rand())
			}
		}
	}
	return em
}

var testGroups = GroupAssignment{
	"a1": "a", "a2": "a", "a3": "a", "a4": "a",
	"b1": "b", "b2": "b", "b3": "b",
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LogTransformed = true
	return cfg
}

type orchestrateSuite struct{}

var _ = check.Suite(&orchestrateSuite{})

func (s *orchestrateSuite) TestFilter(c *check.C) {
	samples := []string{"a1", "b1", "a2", "b2", "a3", "b3", "a4"}
	em := testMatrix(1, 100, samples)
	orch := Orchestrator{Config: testConfig(), Threads: 2}
	c.Assert(orch.Run(context.Background(), em, testGroups), check.IsNil)
	c.Check(orch.Groups(), check.DeepEquals, []string{"a", "b"})
	for _, group := range []string{"a", "b"} {
		m, err := orch.Model(group)
		c.Assert(err, check.IsNil)
		c.Check(m.IsFitted(), check.Equals, true)
		c.Check(m.Label, check.Equals, group)
		sel, err := orch.Selection(group)
		c.Check(err, check.IsNil)
		c.Check(sel, check.IsNil)
	}
	_, err := orch.Model("zz")
	c.Check(IsInputError(err), check.Equals, true)
	_, err = orch.Selection("zz")
	c.Check(IsInputError(err), check.Equals, true)
	c.Check(orch.Models(), check.HasLen, 2)

	out := orch.Corrected()
	c.Assert(out, check.NotNil)
	c.Check(out.Genes, check.DeepEquals, em.Genes)
	c.Check(out.Samples, check.DeepEquals, em.Samples)
	stats := orch.Affected()
	c.Assert(stats, check.NotNil)
	c.Check(stats.Genes, check.Equals, 100)
	c.Assert(stats.Samples, check.HasLen, len(samples))
	total := 0
	for j, sample := range samples {
		c.Check(stats.Samples[j].Sample, check.Equals, sample)
		c.Check(stats.Samples[j].Group, check.Equals, testGroups[sample])
		affected := 0
		for i := range em.Genes {
			if stats.Mask[i][j] {
				affected++
				c.Check(out.Data.At(i, j), check.Equals, 0.0)
				c.Check(em.Data.At(i, j) < 2, check.Equals, true, check.Commentf("gene %d sample %s value %g", i, sample, em.Data.At(i, j)))
			} else {
				c.Check(out.Data.At(i, j), check.Equals, em.Data.At(i, j))
			}
		}
		c.Check(stats.Samples[j].Affected, check.Equals, affected)
		total += affected
	}
	c.Assert(stats.Groups, check.HasLen, 2)
	c.Check(stats.Groups[0].Group, check.Equals, "a")
	c.Check(stats.Groups[0].Samples, check.Equals, 4)
	c.Check(stats.Groups[0].Values, check.Equals, 400)
	c.Check(stats.Groups[1].Values, check.Equals, 300)
	c.Check(stats.Groups[0].Affected+stats.Groups[1].Affected, check.Equals, total)
	for _, g := range stats.Groups {
		c.Check(g.Percent > 30 && g.Percent < 50, check.Equals, true, check.Commentf("%+v", g))
	}

	ents := orch.ModelEntries()
	c.Assert(ents, check.HasLen, 2)
	c.Check(ents[0].Group, check.Equals, "a")
	c.Check(ents[0].Samples, check.DeepEquals, []string{"a1", "a2", "a3", "a4"})
	c.Check(ents[1].Transform, check.Equals, Identity)

	// Input is not modified.
	c.Check(em.Data.At(0, 0), check.Not(check.Equals), 0.0)
}

func (s *orchestrateSuite) TestSingleGroup(c *check.C) {
	em := testMatrix(2, 50, []string{"x", "y"})
	orch := Orchestrator{Config: testConfig()}
	c.Assert(orch.Run(context.Background(), em, nil), check.IsNil)
	c.Check(orch.Groups(), check.DeepEquals, []string{DefaultGroup})
	c.Check(orch.Affected().Samples[1].Group, check.Equals, DefaultGroup)
}

func (s *orchestrateSuite) TestRawCounts(c *check.C) {
	em := testMatrix(3, 100, []string{"a1", "a2", "a3", "a4", "b1", "b2", "b3"})
	for i := range em.Genes {
		for j := range em.Samples {
			em.Data.Set(i, j, math.Round(math.Exp2(em.Data.At(i, j))-1))
		}
	}
	orch := Orchestrator{Config: DefaultConfig()}
	c.Assert(orch.Run(context.Background(), em, testGroups), check.IsNil)
	for _, g := range orch.Affected().Groups {
		c.Check(g.Affected > 0, check.Equals, true, check.Commentf("%+v", g))
	}
	c.Check(orch.ModelEntries()[0].Transform, check.Equals, Log2Pseudocount)
}

func (s *orchestrateSuite) TestInputErrors(c *check.C) {
	em := testMatrix(4, 20, []string{"a1", "a2", "a3", "a4", "b1", "b2", "b3"})
	for _, groups := range []GroupAssignment{
		{"a1": "a", "a2": "a", "a3": "a", "a4": "a", "b1": "b", "b2": "b"},
		{"a1": "a", "a2": "a", "a3": "a", "a4": "a", "b1": "b", "b2": "b", "b3": "b", "c1": "c"},
	} {
		orch := Orchestrator{Config: testConfig()}
		err := orch.Run(context.Background(), em, groups)
		c.Check(IsInputError(err), check.Equals, true, check.Commentf("%v", err))
		c.Check(orch.Corrected(), check.IsNil)
	}

	orch := Orchestrator{Config: testConfig(), Only: []string{"c"}}
	c.Check(IsInputError(orch.Run(context.Background(), em, testGroups)), check.Equals, true)

	cfg := testConfig()
	cfg.NumComponents = 0
	orch = Orchestrator{Config: cfg}
	c.Check(IsInputError(orch.Run(context.Background(), em, testGroups)), check.Equals, true)

	orch = Orchestrator{Config: testConfig()}
	c.Check(IsInputError(orch.Run(context.Background(), &ExpressionMatrix{}, nil)), check.Equals, true)
}

func (s *orchestrateSuite) TestSeededNoise(c *check.C) {
	em := testMatrix(5, 100, []string{"a1", "a2", "a3", "a4", "b1", "b2", "b3"})
	cfg := testConfig()
	cfg.Method = MethodNoise
	cfg.Seed = 7
	var results []*ExpressionMatrix
	for _, threads := range []int{1, 4, 1} {
		orch := Orchestrator{Config: cfg, Threads: threads}
		c.Assert(orch.Run(context.Background(), em, testGroups), check.IsNil)
		results = append(results, orch.Corrected())
		mask := orch.Affected().Mask
		for i := range em.Genes {
			for j := range em.Samples {
				if mask[i][j] {
					c.Check(orch.Corrected().Data.At(i, j) >= 0, check.Equals, true)
				} else {
					c.Check(orch.Corrected().Data.At(i, j), check.Equals, em.Data.At(i, j))
				}
			}
		}
	}
	c.Check(mat.Equal(results[0].Data, results[1].Data), check.Equals, true)
	c.Check(mat.Equal(results[0].Data, results[2].Data), check.Equals, true)

	cfg.Seed = 8
	orch := Orchestrator{Config: cfg}
	c.Assert(orch.Run(context.Background(), em, testGroups), check.IsNil)
	c.Check(mat.Equal(results[0].Data, orch.Corrected().Data), check.Equals, false)
}

func (s *orchestrateSuite) TestSeedZero(c *check.C) {
	em := testMatrix(11, 100, []string{"a1", "a2", "a3", "a4", "b1", "b2", "b3"})
	cfg := testConfig()
	cfg.Method = MethodNoise
	cfg.Seed = 0
	var results []*ExpressionMatrix
	for _, threads := range []int{1, 3} {
		orch := Orchestrator{Config: cfg, Threads: threads}
		c.Assert(orch.Run(context.Background(), em, testGroups), check.IsNil)
		c.Check(orch.groupSource(0), check.NotNil)
		results = append(results, orch.Corrected())
	}
	c.Check(mat.Equal(results[0].Data, results[1].Data), check.Equals, true)

	cfg.Seed = -1
	orch := Orchestrator{Config: cfg}
	c.Check(orch.groupSource(0), check.IsNil)
	c.Assert(orch.Run(context.Background(), em, testGroups), check.IsNil)
	c.Check(mat.Equal(results[0].Data, orch.Corrected().Data), check.Equals, false)
}

func (s *orchestrateSuite) TestOnly(c *check.C) {
	em := testMatrix(6, 100, []string{"a1", "a2", "a3", "a4", "b1", "b2", "b3"})
	orch := Orchestrator{Config: testConfig(), Only: []string{"b"}}
	c.Assert(orch.Run(context.Background(), em, testGroups), check.IsNil)
	c.Check(orch.Groups(), check.DeepEquals, []string{"b"})
	_, err := orch.Model("a")
	c.Check(IsInputError(err), check.Equals, true)
	out := orch.Corrected()
	for i := range em.Genes {
		for j := 0; j < 4; j++ {
			c.Check(out.Data.At(i, j), check.Equals, em.Data.At(i, j))
		}
	}
	c.Check(orch.Affected().Samples[0].Affected, check.Equals, 0)
	c.Check(orch.Affected().Groups, check.HasLen, 1)
	c.Check(orch.ModelEntries(), check.HasLen, 1)
}

func (s *orchestrateSuite) TestFitted(c *check.C) {
	em := testMatrix(7, 100, []string{"a1", "a2", "a3", "a4", "b1", "b2", "b3"})
	first := Orchestrator{Config: testConfig()}
	c.Assert(first.Run(context.Background(), em, testGroups), check.IsNil)

	second := Orchestrator{Config: testConfig(), Fitted: first.Models()}
	c.Assert(second.Run(context.Background(), em, testGroups), check.IsNil)
	c.Check(mat.Equal(first.Corrected().Data, second.Corrected().Data), check.Equals, true)

	third := Orchestrator{Config: testConfig(), Fitted: map[string]*MixtureModel{"a": first.Models()["a"]}}
	err := third.Run(context.Background(), em, testGroups)
	c.Check(IsInputError(err), check.Equals, true)
	c.Check(err, check.ErrorMatches, `no fitted model for group "b"`)
}

func (s *orchestrateSuite) TestAdaptive(c *check.C) {
	em := testMatrix(8, 100, []string{"a1", "a2", "a3", "a4", "b1", "b2", "b3"})
	cfg := testConfig()
	cfg.Adaptive = true
	orch := Orchestrator{Config: cfg}
	c.Assert(orch.Run(context.Background(), em, testGroups), check.IsNil)
	for _, group := range orch.Groups() {
		sel, err := orch.Selection(group)
		c.Assert(err, check.IsNil)
		c.Assert(sel, check.NotNil)
		m, err := orch.Model(group)
		c.Assert(err, check.IsNil)
		c.Check(sel.Model, check.Equals, m)
		c.Check(len(sel.Candidates) >= 1, check.Equals, true)
	}
}

func (s *orchestrateSuite) TestCancelled(c *check.C) {
	em := testMatrix(9, 20, []string{"a1", "a2", "a3", "a4", "b1", "b2", "b3"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	orch := Orchestrator{Config: testConfig()}
	err := orch.Run(ctx, em, testGroups)
	c.Check(err, check.Equals, context.Canceled)
	c.Check(orch.Corrected(), check.IsNil)
}

func (s *orchestrateSuite) TestOnlySeeded(c *check.C) {
	em := testMatrix(10, 100, []string{"a1", "a2", "a3", "a4", "b1", "b2", "b3"})
	cfg := testConfig()
	cfg.Method = MethodNoise
	cfg.Seed = 3
	all := Orchestrator{Config: cfg}
	c.Assert(all.Run(context.Background(), em, testGroups), check.IsNil)
	onlyB := Orchestrator{Config: cfg, Only: []string{"b"}}
	c.Assert(onlyB.Run(context.Background(), em, testGroups), check.IsNil)
	for i := range em.Genes {
		for j := 4; j < 7; j++ {
			c.Check(onlyB.Corrected().Data.At(i, j), check.Equals, all.Corrected().Data.At(i, j))
		}
	}
}
