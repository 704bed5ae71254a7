// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lasso

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// CVConfig controls the cross-validated search for alpha.
type CVConfig struct {
	Config
	Folds   int       // number of contiguous folds
	NAlphas int       // length of the generated path
	Eps     float64   // smallest alpha as a fraction of the largest
	Alphas  []float64 // explicit path; generated when empty
	Workers int       // concurrent folds; 0 means one per fold
	NoRefit bool      // leave CVResult.Model nil
}

func DefaultCVConfig() CVConfig {
	return CVConfig{
		Config:  DefaultConfig(),
		Folds:   5,
		NAlphas: 100,
		Eps:     1e-3,
	}
}

// CVResult reports the cross-validation path and, unless NoRefit is
// set, the model refitted on all rows at the selected alpha.
type CVResult struct {
	Alpha  float64
	Alphas []float64
	MSE    []float64 // mean held-out squared error per alpha
	Model  *Model
}

// CrossValidate chooses alpha by k-fold cross-validation over a
// decreasing path, warm-starting each fit from the previous alpha.
func CrossValidate(ctx context.Context, x mat.Matrix, y []float64, cfg CVConfig) (*CVResult, error) {
	n, _ := x.Dims()
	if cfg.Folds < 2 {
		return nil, fmt.Errorf("lasso: need at least 2 folds, got %d", cfg.Folds)
	}
	if n < cfg.Folds {
		return nil, fmt.Errorf("lasso: cannot split %d rows into %d folds", n, cfg.Folds)
	}
	full, err := newProblem(x, y, nil, nil)
	if err != nil {
		return nil, err
	}
	alphas := cfg.Alphas
	if len(alphas) == 0 {
		alphas = alphaGrid(full.alphaMax(), cfg.Eps, cfg.NAlphas)
	}

	sqerr := make([][]float64, cfg.Folds)
	g, ctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}
	for k := 0; k < cfg.Folds; k++ {
		k := k
		g.Go(func() error {
			train, test := Fold(n, cfg.Folds, k)
			p, err := newProblem(x, y, train, nil)
			if err != nil {
				return err
			}
			errs := make([]float64, len(alphas))
			beta := make([]float64, len(p.cols))
			for a, alpha := range alphas {
				if err := ctx.Err(); err != nil {
					return err
				}
				p.solve(alpha, beta, cfg.Config)
				m := Model{Intercept: p.intercept(beta), Coef: beta}
				sum := 0.0
				for _, row := range test {
					d := y[row] - m.predictRow(x, row)
					sum += d * d
				}
				errs[a] = sum / float64(len(test))
			}
			sqerr[k] = errs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &CVResult{Alphas: alphas, MSE: make([]float64, len(alphas))}
	best := math.Inf(1)
	for a := range alphas {
		for k := range sqerr {
			res.MSE[a] += sqerr[k][a] / float64(cfg.Folds)
		}
		if res.MSE[a] < best {
			best = res.MSE[a]
			res.Alpha = alphas[a]
		}
	}
	if cfg.NoRefit {
		return res, nil
	}
	res.Model, err = Fit(x, y, res.Alpha, cfg.Config)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Model) predictRow(x mat.Matrix, row int) float64 {
	v := m.Intercept
	for j, b := range m.Coef {
		if b != 0 {
			v += b * x.At(row, j)
		}
	}
	return v
}

// alphaGrid returns num values log-spaced from max down to eps*max.
func alphaGrid(max, eps float64, num int) []float64 {
	if num < 1 {
		num = 1
	}
	if max <= 0 {
		return []float64{0}
	}
	out := make([]float64, num)
	if num == 1 {
		out[0] = max
		return out
	}
	hi, lo := math.Log10(max), math.Log10(max*eps)
	for i := range out {
		out[i] = math.Pow(10, hi-(hi-lo)*float64(i)/float64(num-1))
	}
	return out
}

// Fold returns the training and held-out row indices for fold k of a
// contiguous (unshuffled) k-fold split of n rows. The first n%folds
// folds get one extra row.
func Fold(n, folds, k int) (train, test []int) {
	size := n / folds
	extra := n % folds
	start := 0
	for i := 0; i < k; i++ {
		start += size
		if i < extra {
			start++
		}
	}
	end := start + size
	if k < extra {
		end++
	}
	for i := 0; i < n; i++ {
		if i >= start && i < end {
			test = append(test, i)
		} else {
			train = append(train, i)
		}
	}
	return
}
