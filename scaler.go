// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"fmt"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Scaler centers and scales feature columns with statistics computed
// on training data.
type Scaler struct {
	Mode   string // "robust", "standard" or "none"
	Center []float64
	Scale  []float64
}

// FitScaler computes per-column statistics. Robust mode uses the
// median and interquartile range, standard mode the mean and
// population standard deviation. Columns with zero spread get scale 1.
func FitScaler(x *mat.Dense, mode string) (*Scaler, error) {
	_, c := x.Dims()
	s := &Scaler{Mode: mode}
	switch mode {
	case "none":
		return s, nil
	case "robust", "standard":
	default:
		return nil, fmt.Errorf("unknown scaler %q (use robust, standard or none)", mode)
	}
	s.Center = make([]float64, c)
	s.Scale = make([]float64, c)
	for j := 0; j < c; j++ {
		col := mat.Col(nil, j, x)
		var center, spread float64
		if mode == "robust" {
			var err error
			center, err = stats.Median(col)
			if err != nil {
				return nil, fmt.Errorf("column %d: %w", j, err)
			}
			spread = percentile(col, 75) - percentile(col, 25)
		} else {
			center = stat.Mean(col, nil)
			spread = stat.PopStdDev(col, nil)
		}
		if !(spread > 0) {
			spread = 1
		}
		s.Center[j] = center
		s.Scale[j] = spread
	}
	return s, nil
}

// Transform returns a scaled copy of x.
func (s *Scaler) Transform(x *mat.Dense) (*mat.Dense, error) {
	r, c := x.Dims()
	out := mat.DenseCopyOf(x)
	if s.Mode == "none" {
		return out, nil
	}
	if c != len(s.Center) {
		return nil, fmt.Errorf("scaler was fitted on %d features, input has %d", len(s.Center), c)
	}
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] = (row[j] - s.Center[j]) / s.Scale[j]
		}
	}
	return out, nil
}

// percentile returns the p-th percentile (0 <= p <= 100) of x, falling
// back to the nearest-rank definition where interpolation is undefined
// for small inputs.
func percentile(x []float64, p float64) float64 {
	if p <= 0 {
		v, _ := stats.Min(x)
		return v
	}
	v, err := stats.Percentile(x, p)
	if err != nil {
		v, _ = stats.PercentileNearestRank(x, p)
	}
	return v
}
