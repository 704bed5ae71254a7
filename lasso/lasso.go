// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package lasso fits L1-penalized least squares models by cyclic
// coordinate descent, selects the penalty by k-fold cross-validation,
// and scores features by stability selection.
//
// The objective is the one used by scikit-learn:
//
//	(1 / (2 * n)) * ||y - b0 - X*b||^2 + alpha * ||b||_1
package lasso

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Config controls a single coordinate descent fit.
type Config struct {
	MaxIter int     // maximum number of full sweeps over the coefficients
	Tol     float64 // stop when the largest update is below Tol times the largest coefficient
}

// DefaultConfig matches the settings used for feature selection.
func DefaultConfig() Config {
	return Config{MaxIter: 3000, Tol: 1e-4}
}

// Model is a fitted lasso model.
type Model struct {
	Alpha     float64
	Intercept float64
	Coef      []float64
	NIter     int
	Converged bool
}

// Predict returns the linear predictor for each row of x.
func (m *Model) Predict(x mat.Matrix) []float64 {
	r, _ := x.Dims()
	out := make([]float64, r)
	for i := range out {
		out[i] = m.predictRow(x, i)
	}
	return out
}

var ErrEmpty = errors.New("lasso: no rows or no features")

// Fit fits a lasso model with penalty alpha on all rows of x.
func Fit(x mat.Matrix, y []float64, alpha float64, cfg Config) (*Model, error) {
	p, err := newProblem(x, y, nil, nil)
	if err != nil {
		return nil, err
	}
	beta := make([]float64, len(p.cols))
	iter, ok := p.solve(alpha, beta, cfg)
	return &Model{
		Alpha:     alpha,
		Intercept: p.intercept(beta),
		Coef:      beta,
		NIter:     iter,
		Converged: ok,
	}, nil
}

// problem holds a centered, column-major copy of the design matrix
// restricted to a subset of rows. Columns may be re-weighted (used by
// randomized lasso).
type problem struct {
	n     int
	cols  [][]float64
	norm  []float64 // mean of squared centered values per column
	xmean []float64
	y     []float64 // centered response
	ymean float64
	resid []float64
}

// newProblem builds a problem from the given rows of x (all rows if
// rows is nil). If weights is non-nil, column j is multiplied by
// weights[j] before centering.
func newProblem(x mat.Matrix, y []float64, rows []int, weights []float64) (*problem, error) {
	r, c := x.Dims()
	if rows == nil {
		rows = make([]int, r)
		for i := range rows {
			rows[i] = i
		}
	}
	n := len(rows)
	if n == 0 || c == 0 {
		return nil, ErrEmpty
	}
	if len(y) != r {
		return nil, errors.New("lasso: response length does not match design rows")
	}
	p := &problem{
		n:     n,
		cols:  make([][]float64, c),
		norm:  make([]float64, c),
		xmean: make([]float64, c),
		y:     make([]float64, n),
		resid: make([]float64, n),
	}
	for i, row := range rows {
		p.y[i] = y[row]
	}
	p.ymean = floats.Sum(p.y) / float64(n)
	floats.AddConst(-p.ymean, p.y)
	for j := 0; j < c; j++ {
		w := 1.0
		if weights != nil {
			w = weights[j]
		}
		col := make([]float64, n)
		for i, row := range rows {
			col[i] = w * x.At(row, j)
		}
		mean := floats.Sum(col) / float64(n)
		floats.AddConst(-mean, col)
		p.cols[j] = col
		p.xmean[j] = mean
		p.norm[j] = floats.Dot(col, col) / float64(n)
	}
	return p, nil
}

// alphaMax is the smallest penalty for which all coefficients are zero.
func (p *problem) alphaMax() float64 {
	max := 0.0
	for _, col := range p.cols {
		if v := math.Abs(floats.Dot(col, p.y)) / float64(p.n); v > max {
			max = v
		}
	}
	return max
}

// solve runs coordinate descent starting from beta, which is updated
// in place.
func (p *problem) solve(alpha float64, beta []float64, cfg Config) (int, bool) {
	copy(p.resid, p.y)
	for j, b := range beta {
		if b != 0 {
			floats.AddScaled(p.resid, -b, p.cols[j])
		}
	}
	n := float64(p.n)
	for iter := 1; iter <= cfg.MaxIter; iter++ {
		maxDelta, maxBeta := 0.0, 0.0
		for j, col := range p.cols {
			if p.norm[j] == 0 {
				beta[j] = 0
				continue
			}
			old := beta[j]
			rho := floats.Dot(col, p.resid)/n + p.norm[j]*old
			updated := softThreshold(rho, alpha) / p.norm[j]
			if delta := updated - old; delta != 0 {
				floats.AddScaled(p.resid, -delta, col)
				beta[j] = updated
				if d := math.Abs(delta); d > maxDelta {
					maxDelta = d
				}
			}
			if a := math.Abs(updated); a > maxBeta {
				maxBeta = a
			}
		}
		if maxDelta == 0 || maxDelta <= cfg.Tol*maxBeta {
			return iter, true
		}
	}
	return cfg.MaxIter, false
}

func (p *problem) intercept(beta []float64) float64 {
	return p.ymean - floats.Dot(p.xmean, beta)
}

func softThreshold(z, gamma float64) float64 {
	switch {
	case z > gamma:
		return z - gamma
	case z < -gamma:
		return z + gamma
	default:
		return 0
	}
}
