// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"flag"
	"io/ioutil"

	"gopkg.in/check.v1"
)

type configSuite struct{}

var _ = check.Suite(&configSuite{})

func (s *configSuite) TestArgs(c *check.C) {
	var cfg Config
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	cfg.Flags(flags)
	c.Check(cfg, check.DeepEquals, DefaultConfig())
	c.Assert(flags.Parse([]string{"-method=noise", "-adaptive", "-max-components=5", "-threshold=0.9", "-log-transformed", "-seed=3"}), check.IsNil)
	c.Check(cfg.Validate(), check.IsNil)
	c.Check(cfg.Transform(), check.Equals, Identity)

	// Args are passed to a container running the same
	// subcommand, which must end up with the same config.
	var remote Config
	flags = flag.NewFlagSet("", flag.ContinueOnError)
	remote.Flags(flags)
	c.Assert(flags.Parse(cfg.Args()), check.IsNil)
	c.Check(remote, check.DeepEquals, cfg)
}

func (s *configSuite) TestSeed(c *check.C) {
	var cfg Config
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	cfg.Flags(flags)
	c.Check(cfg.Seed, check.Equals, int64(-1))
	c.Assert(flags.Parse([]string{"-seed=0"}), check.IsNil)
	c.Check(cfg.Seed, check.Equals, int64(0))
	args := cfg.Args()
	c.Check(args[len(args)-1], check.Equals, "-seed=0")

	var remote Config
	flags = flag.NewFlagSet("", flag.ContinueOnError)
	remote.Flags(flags)
	c.Assert(flags.Parse(cfg.Args()), check.IsNil)
	c.Check(remote.Seed, check.Equals, int64(0))
}

func (s *configSuite) TestValidate(c *check.C) {
	for _, args := range [][]string{
		{"-components=0"},
		{"-adaptive", "-components=4", "-max-components=3"},
		{"-adaptive", "-alpha=1"},
		{"-max-iterations=0"},
		{"-tolerance=0"},
		{"-threshold=-0.5"},
		{"-min-weight=1"},
		{"-noise-separation=-1"},
	} {
		var cfg Config
		flags := flag.NewFlagSet("", flag.ContinueOnError)
		cfg.Flags(flags)
		c.Assert(flags.Parse(args), check.IsNil)
		c.Check(IsInputError(cfg.Validate()), check.Equals, true, check.Commentf("%q", args))
	}

	var cfg Config
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(ioutil.Discard)
	cfg.Flags(flags)
	c.Check(flags.Parse([]string{"-method=median"}), check.NotNil)
}

func (s *configSuite) TestFitConfig(c *check.C) {
	cfg := DefaultConfig()
	c.Check(cfg.FitConfig(), check.DeepEquals, DefaultFitConfig)
	c.Check(cfg.Transform(), check.Equals, Log2Pseudocount)
}
