// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
)

// ModelEntry is one record of a model file: the fitted model of one
// group, with enough context to reuse it for correction.
type ModelEntry struct {
	Group         string
	Samples       []string
	Transform     Transform
	Requested     int
	Components    []Component
	LogLikelihood float64
	Iterations    int
	Converged     bool
	Warnings      FitWarnings
	Tests         []LRTResult // empty unless fitted with -adaptive
}

func NewModelEntry(group string, samples []string, tr Transform, model *MixtureModel, sel *Selection) ModelEntry {
	ent := ModelEntry{
		Group:         group,
		Samples:       samples,
		Transform:     tr,
		Requested:     model.Requested,
		Components:    model.Components(),
		LogLikelihood: model.LogLikelihood(),
		Iterations:    model.Iterations(),
		Converged:     model.Converged(),
		Warnings:      model.Warnings(),
	}
	if sel != nil {
		ent.Tests = sel.Tests
	}
	return ent
}

// Model returns a fitted MixtureModel with the stored parameters.
func (ent *ModelEntry) Model() (*MixtureModel, error) {
	m, err := NewFittedMixtureModel(ent.Components)
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", ent.Group, err)
	}
	m.Label = ent.Group
	m.Requested = ent.Requested
	m.logLike = ent.LogLikelihood
	m.iterations = ent.Iterations
	m.converged = ent.Converged
	m.warnings = ent.Warnings
	return m, nil
}

// EncodeModels writes one gob record per entry.
func EncodeModels(w io.Writer, gz bool, ents []ModelEntry) error {
	var zw *pgzip.Writer
	if gz {
		zw = pgzip.NewWriter(w)
		w = zw
	}
	bufw := bufio.NewWriterSize(w, 1<<20)
	enc := gob.NewEncoder(bufw)
	for i := range ents {
		err := enc.Encode(ents[i])
		if err != nil {
			return fmt.Errorf("gob encode: %w", err)
		}
	}
	err := bufw.Flush()
	if err != nil {
		return err
	}
	if zw != nil {
		return zw.Close()
	}
	return nil
}

// DecodeModels calls cb for each record in a model file.
func DecodeModels(rdr io.Reader, gz bool, cb func(*ModelEntry) error) error {
	if gz {
		gzr, err := pgzip.NewReader(rdr)
		if err != nil {
			return err
		}
		defer gzr.Close()
		rdr = gzr
	}
	dec := gob.NewDecoder(bufio.NewReaderSize(rdr, 1<<20))
	for {
		var ent ModelEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("gob decode: %w", err)
		}
		err = cb(&ent)
		if err != nil {
			return err
		}
	}
}

func SaveModels(fnm string, ents []ModelEntry) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	err = EncodeModels(f, strings.HasSuffix(fnm, ".gz"), ents)
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	return f.Close()
}

// LoadModels reads all entries of a model file, in file order.
func LoadModels(fnm string) ([]ModelEntry, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ents []ModelEntry
	seen := map[string]bool{}
	err = DecodeModels(f, strings.HasSuffix(fnm, ".gz"), func(ent *ModelEntry) error {
		if seen[ent.Group] {
			return inputErrorf("duplicate model for group %q", ent.Group)
		}
		seen[ent.Group] = true
		ents = append(ents, *ent)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return ents, nil
}
