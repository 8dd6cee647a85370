// Copyright (C) The SNAIL Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package snail

import (
	"context"
	"flag"
	"fmt"
)

// batchArgs splits the groups of a fit across several processes
// (normally containers).
type batchArgs struct {
	batch   int
	batches int
}

func (b *batchArgs) Flags(flags *flag.FlagSet) {
	flags.IntVar(&b.batches, "batches", 1, "number of batches")
	flags.IntVar(&b.batch, "batch", -1, "only do `N`th batch (-1 = all)")
}

func (b *batchArgs) Args(batch int) []string {
	return []string{
		fmt.Sprintf("-batches=%d", b.batches),
		fmt.Sprintf("-batch=%d", batch),
	}
}

func (b *batchArgs) Validate() error {
	if b.batches < 1 {
		return inputErrorf("-batches must be at least 1")
	}
	if b.batch >= b.batches {
		return inputErrorf("-batch=%d is out of range with -batches=%d", b.batch, b.batches)
	}
	return nil
}

// RunBatches calls runFunc once per batch (or only for the selected
// batch), and returns the outputs in batch order along with the first
// error, if any. The context passed to runFunc is cancelled after the
// first error.
func (b *batchArgs) RunBatches(ctx context.Context, runFunc func(context.Context, int) (string, error)) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	outputs := make([]string, b.batches)
	thr := throttle{Max: b.batches}
	for batch := 0; batch < b.batches; batch++ {
		if b.batch >= 0 && b.batch != batch {
			continue
		}
		batch := batch
		thr.Go(func() error {
			out, err := runFunc(ctx, batch)
			outputs[batch] = out
			if err != nil {
				cancel()
			}
			return err
		})
	}
	err := thr.Wait()
	if b.batch >= 0 {
		outputs = outputs[b.batch : b.batch+1]
	}
	return outputs, err
}

// Slice returns the part of in that belongs to the selected batch.
func (b *batchArgs) Slice(in []string) []string {
	if b.batches == 0 || b.batch < 0 {
		return in
	}
	batchsize := (len(in) + b.batches - 1) / b.batches
	start := batchsize * b.batch
	if start > len(in) {
		start = len(in)
	}
	out := in[start:]
	if len(out) > batchsize {
		out = out[:batchsize]
	}
	return out
}
