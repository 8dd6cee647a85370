// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"flag"
	"fmt"
	"math"
)

// Config holds the options shared by the subcommands that fit models
// and correct expression values.
type Config struct {
	Method          Method
	Adaptive        bool
	NumComponents   int
	MaxComponents   int
	Alpha           float64
	MaxIterations   int
	Tolerance       float64
	Threshold       float64
	MinWeight       float64
	NoiseSeparation float64
	LogTransformed  bool
	Verbose         bool
	Seed            int64 // negative means nondeterministic
}

func DefaultConfig() Config {
	return Config{
		Method:          MethodFilter,
		NumComponents:   2,
		MaxComponents:   8,
		Alpha:           0.05,
		MaxIterations:   DefaultFitConfig.MaxIterations,
		Tolerance:       DefaultFitConfig.Tolerance,
		MinWeight:       DefaultFitConfig.MinWeight,
		NoiseSeparation: DefaultFitConfig.NoiseSeparation,
		Seed:            -1,
	}
}

// Set implements flag.Value.
func (m *Method) Set(s string) error {
	method, err := ParseMethod(s)
	if err != nil {
		return err
	}
	*m = method
	return nil
}

func (cfg *Config) Flags(flags *flag.FlagSet) {
	*cfg = DefaultConfig()
	flags.Var(&cfg.Method, "method", "correction `method` for noise values: filter (set to 0) or noise (replace with a draw from the noise component)")
	flags.BoolVar(&cfg.Adaptive, "adaptive", false, "choose the number of components per group by likelihood ratio tests")
	flags.IntVar(&cfg.NumComponents, "components", cfg.NumComponents, "number of mixture components, including the noise component (minimum, with -adaptive)")
	flags.IntVar(&cfg.MaxComponents, "max-components", cfg.MaxComponents, "maximum number of mixture components with -adaptive")
	flags.Float64Var(&cfg.Alpha, "alpha", cfg.Alpha, "significance level for adding a component with -adaptive")
	flags.IntVar(&cfg.MaxIterations, "max-iterations", cfg.MaxIterations, "maximum EM iterations per fit")
	flags.Float64Var(&cfg.Tolerance, "tolerance", cfg.Tolerance, "EM convergence tolerance (change in log-likelihood)")
	flags.Float64Var(&cfg.Threshold, "threshold", 0, "flag a value as noise if its noise posterior exceeds `P` (0 = noise component has the highest posterior)")
	flags.Float64Var(&cfg.MinWeight, "min-weight", cfg.MinWeight, "try dropping components with weight below `W`, keeping the smaller model unless the likelihood ratio test rejects it (0 = never)")
	flags.Float64Var(&cfg.NoiseSeparation, "noise-separation", cfg.NoiseSeparation, "try merging components whose mean is within `N` noise standard deviations of zero into the noise component, keeping the merged model unless the likelihood ratio test rejects it (0 = never)")
	flags.BoolVar(&cfg.LogTransformed, "log-transformed", false, "input values are already log-transformed")
	flags.BoolVar(&cfg.Verbose, "verbose", false, "log EM progress")
	flags.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random `seed` for -method=noise (negative = nondeterministic)")
}

// Args returns the command line arguments that reproduce cfg.
func (cfg *Config) Args() []string {
	return []string{
		"-method=" + cfg.Method.String(),
		fmt.Sprintf("-adaptive=%v", cfg.Adaptive),
		fmt.Sprintf("-components=%d", cfg.NumComponents),
		fmt.Sprintf("-max-components=%d", cfg.MaxComponents),
		fmt.Sprintf("-alpha=%g", cfg.Alpha),
		fmt.Sprintf("-max-iterations=%d", cfg.MaxIterations),
		fmt.Sprintf("-tolerance=%g", cfg.Tolerance),
		fmt.Sprintf("-threshold=%g", cfg.Threshold),
		fmt.Sprintf("-min-weight=%g", cfg.MinWeight),
		fmt.Sprintf("-noise-separation=%g", cfg.NoiseSeparation),
		fmt.Sprintf("-log-transformed=%v", cfg.LogTransformed),
		fmt.Sprintf("-verbose=%v", cfg.Verbose),
		fmt.Sprintf("-seed=%d", cfg.Seed),
	}
}

func (cfg *Config) Validate() error {
	switch {
	case cfg.Method != MethodFilter && cfg.Method != MethodNoise:
		return inputErrorf("invalid method %v", cfg.Method)
	case cfg.NumComponents < 1:
		return inputErrorf("-components must be at least 1")
	case cfg.Adaptive && cfg.MaxComponents < cfg.NumComponents:
		return inputErrorf("-max-components (%d) is less than -components (%d)", cfg.MaxComponents, cfg.NumComponents)
	case cfg.Adaptive && !(cfg.Alpha > 0 && cfg.Alpha < 1):
		return inputErrorf("-alpha must be between 0 and 1")
	case cfg.MaxIterations < 1:
		return inputErrorf("-max-iterations must be at least 1")
	case !(cfg.Tolerance > 0) || math.IsInf(cfg.Tolerance, 1):
		return inputErrorf("-tolerance must be positive")
	case !(cfg.Threshold >= 0 && cfg.Threshold < 1):
		return inputErrorf("-threshold must be in [0,1)")
	case !(cfg.MinWeight >= 0 && cfg.MinWeight < 1):
		return inputErrorf("-min-weight must be in [0,1)")
	case !(cfg.NoiseSeparation >= 0):
		return inputErrorf("-noise-separation must not be negative")
	}
	return nil
}

func (cfg *Config) FitConfig() FitConfig {
	return FitConfig{
		MaxIterations:   cfg.MaxIterations,
		Tolerance:       cfg.Tolerance,
		MinWeight:       cfg.MinWeight,
		NoiseSeparation: cfg.NoiseSeparation,
		Verbose:         cfg.Verbose,
	}
}

func (cfg *Config) Transform() Transform {
	if cfg.LogTransformed {
		return Identity
	}
	return Log2Pseudocount
}
