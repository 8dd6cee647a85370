// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"context"
	"fmt"
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Orchestrator fits one mixture model per sample group and corrects
// the expression matrix group by group.
type Orchestrator struct {
	Config Config
	// Maximum number of groups processed concurrently (0 means
	// GOMAXPROCS).
	Threads int
	// If not nil, these models are used instead of fitting new
	// ones, and every group must have one.
	Fitted map[string]*MixtureModel
	// If not empty, only these groups are fitted and corrected.
	// Columns of other groups are left unchanged.
	Only []string

	groups    []string
	results   map[string]*groupResult
	corrected *ExpressionMatrix
	affected  *AffectedStats
}

type groupResult struct {
	group     string
	cols      []int
	samples   []string
	model     *MixtureModel
	selection *Selection
	// Corrected values and noise flags of the group's columns,
	// one column after another.
	values  []float64
	flagged []bool
}

// SampleAffected counts the corrected values of one sample.
type SampleAffected struct {
	Sample   string
	Group    string
	Affected int
	Percent  float64
}

// GroupAffected counts the corrected values of one group.
type GroupAffected struct {
	Group    string
	Samples  int
	Values   int
	Affected int
	Percent  float64
}

// AffectedStats summarizes which values were attributed to noise.
type AffectedStats struct {
	Genes   int
	Samples []SampleAffected // in matrix column order
	Groups  []GroupAffected  // sorted by group label
	// Mask[i][j] is true if gene i of sample j was corrected.
	Mask [][]bool `json:"-"`
}

// Run fits and corrects every group of em. Results replace those of
// any previous Run.
func (o *Orchestrator) Run(ctx context.Context, em *ExpressionMatrix, groups GroupAssignment) error {
	o.groups, o.results, o.corrected, o.affected = nil, nil, nil, nil
	if err := o.Config.Validate(); err != nil {
		return err
	}
	if err := em.Validate(); err != nil {
		return err
	}
	if groups == nil {
		groups = SingleGroup(em.Samples)
	}
	labels, cols, err := groups.Columns(em.Samples)
	if err != nil {
		return err
	}
	seedIndex := make(map[string]int, len(labels))
	for i, label := range labels {
		seedIndex[label] = i
	}
	if len(o.Only) > 0 {
		labels, err = o.selectGroups(labels)
		if err != nil {
			return err
		}
	}
	if o.Fitted != nil {
		for _, label := range labels {
			if o.Fitted[label] == nil {
				return inputErrorf("no fitted model for group %q", label)
			}
		}
	}

	threads := o.Threads
	if threads < 1 {
		threads = runtime.GOMAXPROCS(0)
	}
	log.WithFields(log.Fields{
		"genes":   len(em.Genes),
		"samples": len(em.Samples),
		"groups":  len(labels),
		"threads": threads,
	}).Info("correcting expression matrix")

	results := make([]*groupResult, len(labels))
	thr := throttle{Max: threads}
	for i, label := range labels {
		i, label := i, label
		if err := ctx.Err(); err != nil {
			thr.Report(err)
			break
		}
		thr.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := o.runGroup(em, label, cols[label], o.groupSource(seedIndex[label]))
			if err != nil {
				return fmt.Errorf("group %q: %w", label, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := thr.Wait(); err != nil {
		return err
	}
	o.assemble(em, labels, results)
	return nil
}

func (o *Orchestrator) selectGroups(labels []string) ([]string, error) {
	known := make(map[string]bool, len(labels))
	for _, label := range labels {
		known[label] = true
	}
	want := make(map[string]bool, len(o.Only))
	for _, label := range o.Only {
		if !known[label] {
			return nil, inputErrorf("unknown group %q", label)
		}
		want[label] = true
	}
	var selected []string
	for _, label := range labels {
		if want[label] {
			selected = append(selected, label)
		}
	}
	return selected, nil
}

// groupSource returns the random source for the i'th group (in label
// order, counting groups excluded by Only), so results do not depend on
// scheduling or batching.
func (o *Orchestrator) groupSource(i int) rand.Source {
	if o.Config.Seed < 0 {
		return nil
	}
	return rand.NewSource(uint64(o.Config.Seed) + uint64(i))
}

func (o *Orchestrator) runGroup(em *ExpressionMatrix, label string, cols []int, src rand.Source) (*groupResult, error) {
	tr := o.Config.Transform()
	raw, err := columnValues(em.Data, cols)
	if err != nil {
		return nil, err
	}
	res := &groupResult{group: label, cols: cols}
	for _, col := range cols {
		res.samples = append(res.samples, em.Samples[col])
	}

	if o.Fitted != nil {
		res.model = o.Fitted[label]
	} else {
		data, err := AugmentColumns(em.Data, cols, tr)
		if err != nil {
			return nil, err
		}
		fitcfg := o.Config.FitConfig()
		if o.Config.Adaptive {
			sel := &Selector{
				MinComponents: o.Config.NumComponents,
				MaxComponents: o.Config.MaxComponents,
				Alpha:         o.Config.Alpha,
				Fit:           fitcfg,
				Label:         label,
			}
			res.selection, err = sel.Select(data)
			if err != nil {
				return nil, err
			}
			res.model = res.selection.Model
		} else {
			res.model = NewMixtureModel(o.Config.NumComponents, fitcfg)
			res.model.Label = label
			err = res.model.Fit(data)
			if err != nil {
				return nil, err
			}
		}
	}

	corrector := Corrector{
		Method:    o.Config.Method,
		Threshold: o.Config.Threshold,
		Transform: tr,
		Src:       src,
	}
	res.values, res.flagged, err = corrector.Correct(res.model, raw)
	if err != nil {
		return nil, err
	}
	affected := 0
	for _, f := range res.flagged {
		if f {
			affected++
		}
	}
	log.WithFields(log.Fields{
		"group":      label,
		"samples":    len(cols),
		"components": res.model.NumComponents(),
		"loglik":     res.model.LogLikelihood(),
		"affected":   affected,
		"values":     len(raw),
	}).Info("corrected group")
	return res, nil
}

// assemble copies each group's corrected columns into the output
// matrix. It runs only after every group has finished.
func (o *Orchestrator) assemble(em *ExpressionMatrix, labels []string, results []*groupResult) {
	rows := len(em.Genes)
	out := em.Clone()
	stats := &AffectedStats{
		Genes:   rows,
		Samples: make([]SampleAffected, len(em.Samples)),
		Mask:    make([][]bool, rows),
	}
	for i := range stats.Mask {
		stats.Mask[i] = make([]bool, len(em.Samples))
	}
	for col, sample := range em.Samples {
		stats.Samples[col].Sample = sample
	}
	o.results = make(map[string]*groupResult, len(results))
	for _, res := range results {
		o.results[res.group] = res
		gstats := GroupAffected{Group: res.group, Samples: len(res.cols), Values: len(res.values)}
		for idx, col := range res.cols {
			sstats := &stats.Samples[col]
			sstats.Group = res.group
			for row := 0; row < rows; row++ {
				out.Data.Set(row, col, res.values[idx*rows+row])
				if res.flagged[idx*rows+row] {
					stats.Mask[row][col] = true
					sstats.Affected++
				}
			}
			sstats.Percent = 100 * float64(sstats.Affected) / float64(rows)
			gstats.Affected += sstats.Affected
		}
		gstats.Percent = 100 * float64(gstats.Affected) / float64(gstats.Values)
		stats.Groups = append(stats.Groups, gstats)
	}
	o.groups = labels
	o.corrected = out
	o.affected = stats
}

// Groups returns the group labels of the last Run, sorted.
func (o *Orchestrator) Groups() []string {
	return append([]string(nil), o.groups...)
}

func (o *Orchestrator) result(group string) (*groupResult, error) {
	res, ok := o.results[group]
	if !ok {
		return nil, inputErrorf("unknown group %q", group)
	}
	return res, nil
}

func (o *Orchestrator) Model(group string) (*MixtureModel, error) {
	res, err := o.result(group)
	if err != nil {
		return nil, err
	}
	return res.model, nil
}

// Selection returns the model selection record of a group, or nil if
// the group's model was not chosen adaptively.
func (o *Orchestrator) Selection(group string) (*Selection, error) {
	res, err := o.result(group)
	if err != nil {
		return nil, err
	}
	return res.selection, nil
}

func (o *Orchestrator) Models() map[string]*MixtureModel {
	models := make(map[string]*MixtureModel, len(o.results))
	for group, res := range o.results {
		models[group] = res.model
	}
	return models
}

// Corrected returns the corrected matrix, or nil if Run has not
// succeeded.
func (o *Orchestrator) Corrected() *ExpressionMatrix { return o.corrected }

func (o *Orchestrator) Affected() *AffectedStats { return o.affected }

// AffectedMatrix returns the mask of corrected values as a genes ×
// samples matrix of 1s (corrected) and 0s, or nil before Run.
func (o *Orchestrator) AffectedMatrix() *ExpressionMatrix {
	if o.affected == nil || o.corrected == nil {
		return nil
	}
	out := &ExpressionMatrix{
		Genes:   o.corrected.Genes,
		Samples: o.corrected.Samples,
		Data:    mat.NewDense(len(o.corrected.Genes), len(o.corrected.Samples), nil),
	}
	for i, row := range o.affected.Mask {
		for j, flagged := range row {
			if flagged {
				out.Data.Set(i, j, 1)
			}
		}
	}
	return out
}

// ModelEntries returns the fitted models in a form suitable for
// SaveModels, in group order.
func (o *Orchestrator) ModelEntries() []ModelEntry {
	ents := make([]ModelEntry, 0, len(o.groups))
	for _, group := range o.groups {
		res := o.results[group]
		ents = append(ents, NewModelEntry(group, res.samples, o.Config.Transform(), res.model, res.selection))
	}
	return ents
}
