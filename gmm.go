// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// Absolute and relative (to the sample variance) floors for
	// component variances.
	minVariance      = 1e-6
	relVarianceFloor = 1e-4

	// Floor for the mixture density of a single point.
	minDensity = 1e-300

	// A pruned model is kept unless the likelihood ratio test
	// against the unpruned model rejects it at this level.
	pruneAlpha = 0.05
)

var logMinDensity = math.Log(minDensity)

// Component is one term of the mixture. For component 0 (the noise
// component) Mean is always 0. Every other component is a mirrored
// pair with density ½N(x; Mean, StdDev) + ½N(x; -Mean, StdDev), and
// Mean >= 0.
type Component struct {
	Weight float64
	Mean   float64
	StdDev float64
}

// FitConfig controls EM fitting.
type FitConfig struct {
	// MaxIterations caps the total number of EM iterations of one
	// Fit, including the re-runs after pruning.
	MaxIterations int
	Tolerance     float64

	// After EM converges, a non-noise component with weight below
	// MinWeight is dropped, or one whose mean is within
	// NoiseSeparation standard deviations (of the noise component)
	// of zero is merged into the noise component. EM is then
	// re-run, and the smaller model is kept only if it fits the
	// data about as well as the larger one (see pruneAlpha). Zero
	// disables the rule, so by default a model fitted with k
	// components has k components.
	MinWeight       float64
	NoiseSeparation float64

	Verbose bool
}

var DefaultFitConfig = FitConfig{
	MaxIterations: 500,
	Tolerance:     1e-6,
}

// FitWarnings counts the non-fatal numerical events of one Fit.
type FitWarnings struct {
	VarianceFloored  int
	DensityUnderflow int
	NotConverged     bool
	Pruned           int
}

type fitState int

const (
	unfitted fitState = iota
	fitting
	fitted
)

// MixtureModel is a univariate Gaussian mixture whose component 0 has
// its mean fixed at zero.
type MixtureModel struct {
	// Number of components requested. After pruning, the fitted
	// model may have fewer (see NumComponents).
	Requested int
	Config    FitConfig
	// Label is only used in log messages.
	Label string

	components []Component
	state      fitState
	logLike    float64
	iterations int
	converged  bool
	warnings   FitWarnings
	varFloor   float64
}

func NewMixtureModel(k int, cfg FitConfig) *MixtureModel {
	return &MixtureModel{Requested: k, Config: cfg}
}

// NewFittedMixtureModel returns a model in the fitted state with the
// given parameters, e.g., parameters loaded from a model file.
func NewFittedMixtureModel(components []Component) (*MixtureModel, error) {
	if len(components) == 0 {
		return nil, inputErrorf("mixture model needs at least one component")
	}
	if components[0].Mean != 0 {
		return nil, inputErrorf("component 0 mean is %g, must be 0", components[0].Mean)
	}
	sum := 0.0
	for j, c := range components {
		if c.Weight < 0 || !(c.StdDev > 0) || (j > 0 && c.Mean < 0) {
			return nil, inputErrorf("invalid component %d: %+v", j, c)
		}
		sum += c.Weight
	}
	if math.Abs(sum-1) > 1e-6 {
		return nil, inputErrorf("component weights sum to %g, not 1", sum)
	}
	return &MixtureModel{
		Requested:  len(components),
		components: append([]Component(nil), components...),
		state:      fitted,
		converged:  true,
	}, nil
}

// Fit runs EM on data (normally an augmented sample) until the
// log-likelihood changes by less than Config.Tolerance, or
// Config.MaxIterations is reached. Reaching the iteration cap is not
// an error: the model is still usable, and Converged() returns false.
func (m *MixtureModel) Fit(data []float64) error {
	if len(data) == 0 {
		return inputErrorf("cannot fit a mixture model to an empty sample")
	}
	if m.Requested < 1 {
		return inputErrorf("number of components must be at least 1, got %d", m.Requested)
	}
	if m.Config.MaxIterations < 1 {
		return inputErrorf("max iterations must be at least 1, got %d", m.Config.MaxIterations)
	}
	m.state = fitting
	m.warnings = FitWarnings{}
	m.iterations = 0
	m.initialize(data)
	m.runEM(data)
	for m.prune(data) {
	}
	m.logLike = m.logLikelihood(data)
	m.warnings.NotConverged = !m.converged
	m.state = fitted
	m.logWarnings()
	return nil
}

func (m *MixtureModel) initialize(data []float64) {
	k := m.Requested
	variance := 0.0
	if len(data) > 1 {
		_, variance = stat.MeanVariance(data, nil)
	}
	m.varFloor = math.Max(minVariance, relVarianceFloor*variance)
	sd := math.Max(math.Sqrt(variance)/float64(k), math.Sqrt(m.varFloor))

	var pos []float64
	for _, x := range data {
		if x >= 0 {
			pos = append(pos, x)
		}
	}
	sort.Float64s(pos)

	m.components = make([]Component, k)
	for j := range m.components {
		m.components[j] = Component{Weight: 1 / float64(k), StdDev: sd}
		if j > 0 && len(pos) > 0 {
			m.components[j].Mean = stat.Quantile((float64(j)+0.5)/float64(k), stat.Empirical, pos, nil)
		}
	}
}

// logDensities sets lp[j] to log(w_j f_j(x)), and side[j] to the
// probability that x came from the positive half of mirrored
// component j. It returns the log mixture density at x.
func (m *MixtureModel) logDensities(x float64, lp, side []float64) float64 {
	for j, c := range m.components {
		logw := math.Log(c.Weight)
		if j == 0 || c.Mean == 0 {
			lp[j] = logw + distuv.Normal{Mu: 0, Sigma: c.StdDev}.LogProb(x)
			side[j] = 0.5
			continue
		}
		a := distuv.Normal{Mu: c.Mean, Sigma: c.StdDev}.LogProb(x)
		b := distuv.Normal{Mu: -c.Mean, Sigma: c.StdDev}.LogProb(x)
		t := logAddExp(a, b)
		lp[j] = logw + t - math.Ln2
		if math.IsInf(t, -1) {
			side[j] = 0.5
		} else {
			side[j] = math.Exp(a - t)
		}
	}
	return floats.LogSumExp(lp)
}

// logAddExp returns log(exp(a) + exp(b)).
func logAddExp(a, b float64) float64 {
	if a < b {
		a, b = b, a
	}
	if math.IsInf(a, -1) {
		return a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// responsibilities fills r with the posterior probability of each
// component at x, and returns the (floored) log mixture density. If
// the density underflows, r is uniform and ok is false.
func (m *MixtureModel) responsibilities(x float64, lp, side, r []float64) (total float64, ok bool) {
	total = m.logDensities(x, lp, side)
	if math.IsNaN(total) || math.IsInf(total, -1) {
		for j := range r {
			r[j] = 1 / float64(len(r))
			side[j] = 0.5
		}
		return logMinDensity, false
	}
	for j := range r {
		r[j] = math.Exp(lp[j] - total)
	}
	return total, true
}

func (m *MixtureModel) runEM(data []float64) {
	k := len(m.components)
	n := float64(len(data))
	lp := make([]float64, k)
	side := make([]float64, k)
	r := make([]float64, k)
	mass := make([]float64, k)
	first := make([]float64, k)
	second := make([]float64, k)

	m.converged = false
	prev := math.Inf(-1)
	for m.iterations < m.Config.MaxIterations {
		m.iterations++
		for j := 0; j < k; j++ {
			mass[j], first[j], second[j] = 0, 0, 0
		}

		// E-step, accumulating the sufficient statistics
		// for the M-step as we go.
		ll := 0.0
		for _, x := range data {
			total, ok := m.responsibilities(x, lp, side, r)
			if !ok {
				m.warnings.DensityUnderflow++
			}
			ll += total
			for j := 0; j < k; j++ {
				mass[j] += r[j]
				first[j] += r[j] * (2*side[j] - 1) * x
				second[j] += r[j] * x * x
			}
		}

		// M-step. Component 0's mean is never updated.
		for j := range m.components {
			c := &m.components[j]
			c.Weight = mass[j] / n
			if mass[j] < minDensity {
				continue
			}
			mean := 0.0
			if j > 0 {
				mean = math.Abs(first[j] / mass[j])
			}
			variance := second[j]/mass[j] - mean*mean
			if variance < m.varFloor {
				variance = m.varFloor
				m.warnings.VarianceFloored++
			}
			c.Mean = mean
			c.StdDev = math.Sqrt(variance)
		}

		if m.Config.Verbose {
			log.WithFields(log.Fields{
				"group":      m.Label,
				"components": k,
				"iteration":  m.iterations,
				"loglik":     ll,
			}).Info("EM iteration")
		}
		if math.Abs(ll-prev) < m.Config.Tolerance {
			m.converged = true
			break
		}
		prev = ll
	}
}

// pruneCandidate returns the index of the component prune should
// try to remove, or -1. merge is true if its weight should go to the
// noise component instead of being spread over all components.
func (m *MixtureModel) pruneCandidate() (victim int, merge bool) {
	victim = -1
	if m.Config.MinWeight > 0 {
		for j := 1; j < len(m.components); j++ {
			if w := m.components[j].Weight; w < m.Config.MinWeight && (victim < 0 || w < m.components[victim].Weight) {
				victim = j
			}
		}
	}
	if victim < 0 && m.Config.NoiseSeparation > 0 {
		limit := m.Config.NoiseSeparation * m.components[0].StdDev
		for j := 1; j < len(m.components); j++ {
			if mean := m.components[j].Mean; mean < limit && (victim < 0 || mean < m.components[victim].Mean) {
				victim, merge = j, true
			}
		}
	}
	return
}

// prune removes at most one component that is starved or
// indistinguishable from the noise component, and re-runs EM. If the
// smaller model loses significantly in log-likelihood, the larger one
// is restored. It returns true if a component was removed.
func (m *MixtureModel) prune(data []float64) bool {
	victim, merge := m.pruneCandidate()
	if victim < 0 {
		return false
	}

	before := append([]Component(nil), m.components...)
	beforeLL := m.logLikelihood(data)
	beforeConverged := m.converged

	dropped := m.components[victim]
	m.components = append(m.components[:victim:victim], m.components[victim+1:]...)
	if rest := 1 - dropped.Weight; merge || rest <= 0 {
		m.components[0].Weight += dropped.Weight
	} else {
		for j := range m.components {
			m.components[j].Weight /= rest
		}
	}
	m.runEM(data)

	lr, p := lrtPValue(m.logLikelihood(data), beforeLL, paramsPerComponent)
	keep := p >= pruneAlpha
	if m.Config.Verbose {
		log.WithFields(log.Fields{
			"group":     m.Label,
			"component": victim,
			"weight":    dropped.Weight,
			"mean":      dropped.Mean,
			"stddev":    dropped.StdDev,
			"merged":    merge,
			"statistic": lr,
			"p":         p,
			"pruned":    keep,
		}).Info("pruning mixture component")
	}
	if !keep {
		m.components = before
		m.converged = beforeConverged
		return false
	}
	m.warnings.Pruned++
	return true
}

func (m *MixtureModel) logLikelihood(data []float64) float64 {
	k := len(m.components)
	lp := make([]float64, k)
	side := make([]float64, k)
	r := make([]float64, k)
	ll := 0.0
	for _, x := range data {
		total, _ := m.responsibilities(x, lp, side, r)
		ll += total
	}
	return ll
}

func (m *MixtureModel) logWarnings() {
	w := m.warnings
	fields := log.Fields{
		"group":      m.Label,
		"components": len(m.components),
		"iterations": m.iterations,
	}
	if w.NotConverged {
		log.WithFields(fields).Warnf("EM did not converge within %d iterations, using last estimate", m.Config.MaxIterations)
	}
	if w.VarianceFloored > 0 || w.DensityUnderflow > 0 {
		log.WithFields(fields).Warnf("numerical instability during EM: %d variance floors, %d density underflows", w.VarianceFloored, w.DensityUnderflow)
	}
}

func (m *MixtureModel) IsFitted() bool { return m.state == fitted }

// NumComponents returns the number of fitted components.
func (m *MixtureModel) NumComponents() int { return len(m.components) }

func (m *MixtureModel) LogLikelihood() float64 { return m.logLike }
func (m *MixtureModel) Converged() bool        { return m.converged }
func (m *MixtureModel) Iterations() int        { return m.iterations }
func (m *MixtureModel) Warnings() FitWarnings  { return m.warnings }

// Components returns a copy of the fitted parameters.
func (m *MixtureModel) Components() []Component {
	return append([]Component(nil), m.components...)
}

func (m *MixtureModel) Means() []float64 {
	out := make([]float64, len(m.components))
	for j, c := range m.components {
		out[j] = c.Mean
	}
	return out
}

func (m *MixtureModel) StandardDeviations() []float64 {
	out := make([]float64, len(m.components))
	for j, c := range m.components {
		out[j] = c.StdDev
	}
	return out
}

func (m *MixtureModel) Weights() []float64 {
	out := make([]float64, len(m.components))
	for j, c := range m.components {
		out[j] = c.Weight
	}
	return out
}

// PredictPosterior returns a len(values) × NumComponents() matrix of
// component posterior probabilities.
func (m *MixtureModel) PredictPosterior(values []float64) (*mat.Dense, error) {
	if m.state != fitted {
		return nil, ErrNotFitted
	}
	if len(values) == 0 {
		return nil, inputErrorf("no values to predict")
	}
	k := len(m.components)
	lp := make([]float64, k)
	side := make([]float64, k)
	post := mat.NewDense(len(values), k, nil)
	for i, x := range values {
		m.responsibilities(x, lp, side, post.RawRowView(i))
	}
	return post, nil
}

// PredictLabel returns, for each value, the index of the component
// with the highest posterior probability (lowest index on ties).
func (m *MixtureModel) PredictLabel(values []float64) ([]int, error) {
	post, err := m.PredictPosterior(values)
	if err != nil {
		return nil, err
	}
	labels := make([]int, len(values))
	for i := range labels {
		labels[i] = floats.MaxIdx(post.RawRowView(i))
	}
	return labels, nil
}

// Sample draws n values from the fitted mixture, and returns them with
// the index of the component that generated each one. If src is nil,
// the process-wide random source is used.
func (m *MixtureModel) Sample(n int, src rand.Source) ([]float64, []int, error) {
	if m.state != fitted {
		return nil, nil, ErrNotFitted
	}
	if n < 0 {
		return nil, nil, inputErrorf("cannot draw %d samples", n)
	}
	pick := distuv.NewCategorical(m.Weights(), src)
	flip := distuv.Bernoulli{P: 0.5, Src: src}
	values := make([]float64, n)
	labels := make([]int, n)
	for i := range values {
		j := int(pick.Rand())
		c := m.components[j]
		mean := c.Mean
		if j > 0 && flip.Rand() == 0 {
			mean = -mean
		}
		values[i] = distuv.Normal{Mu: mean, Sigma: c.StdDev, Src: src}.Rand()
		labels[i] = j
	}
	return values, labels, nil
}

func (m *MixtureModel) String() string {
	return fmt.Sprintf("MixtureModel{k=%d means=%.4g sds=%.4g weights=%.4g loglik=%.6g converged=%v}",
		len(m.components), m.Means(), m.StandardDeviations(), m.Weights(), m.logLike, m.converged)
}
