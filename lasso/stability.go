// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lasso

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// StabilityConfig controls randomized lasso stability selection.
type StabilityConfig struct {
	Config
	Resamples          int     // number of subsampled fits
	SampleFraction     float64 // fraction of rows in each subsample
	Scaling            float64 // features are randomly down-weighted by this factor
	SelectionThreshold float64 // |coef| above this counts as selected
	Seed               uint64
	Workers            int
}

func DefaultStabilityConfig() StabilityConfig {
	return StabilityConfig{
		Config:             DefaultConfig(),
		Resamples:          500,
		SampleFraction:     0.1,
		Scaling:            0.5,
		SelectionThreshold: 1e-3,
	}
}

// StabilitySelection fits cfg.Resamples lasso models at a fixed alpha,
// each on a random row subsample with randomly re-weighted features,
// and returns the fraction of fits in which each feature was selected.
func StabilitySelection(ctx context.Context, x mat.Matrix, y []float64, alpha float64, cfg StabilityConfig) ([]float64, error) {
	n, p := x.Dims()
	if n == 0 || p == 0 {
		return nil, ErrEmpty
	}
	if cfg.Resamples < 1 {
		return nil, fmt.Errorf("lasso: invalid number of resamples %d", cfg.Resamples)
	}
	if cfg.SampleFraction <= 0 || cfg.SampleFraction > 1 {
		return nil, fmt.Errorf("lasso: sample fraction %g out of range (0,1]", cfg.SampleFraction)
	}
	m := SubsampleSize(n, cfg.SampleFraction)

	selected := make([][]bool, cfg.Resamples)
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}
	for r := 0; r < cfg.Resamples; r++ {
		r := r
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(cfg.Seed + uint64(r)))
			rows := rng.Perm(n)[:m]
			weights := make([]float64, p)
			for j := range weights {
				weights[j] = 1 - cfg.Scaling*float64(rng.Intn(2))
			}
			prob, err := newProblem(x, y, rows, weights)
			if err != nil {
				return err
			}
			beta := make([]float64, p)
			prob.solve(alpha, beta, cfg.Config)
			sel := make([]bool, p)
			for j, b := range beta {
				sel[j] = math.Abs(b) > cfg.SelectionThreshold
			}
			selected[r] = sel
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	scores := make([]float64, p)
	for _, sel := range selected {
		for j, ok := range sel {
			if ok {
				scores[j]++
			}
		}
	}
	for j := range scores {
		scores[j] /= float64(cfg.Resamples)
	}
	return scores, nil
}

// SubsampleSize returns the number of rows drawn for a subsample of
// the given fraction, clamped to [1, n].
func SubsampleSize(n int, fraction float64) int {
	m := int(fraction * float64(n))
	if m < 1 {
		m = 1
	}
	if m > n {
		m = n
	}
	return m
}
