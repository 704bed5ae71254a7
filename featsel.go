// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"context"
	"flag"
	"fmt"
	"math"
	"sort"

	"github.com/driverpower/driverpower/lasso"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Feature selection methods.
const (
	selectRandomizedLasso = "rndlasso"
	selectLassoCV         = "lassocv"
)

// FeatureImportance is the outcome of feature selection.
type FeatureImportance struct {
	Names    []string
	Scores   []float64
	Cutoff   float64
	Selected []string
}

// FeatureSelector picks the covariates used by the GLM.
type FeatureSelector struct {
	Method         string
	Cutoff         float64 // 0 means the method's default
	MaxRows        int     // row cap for the alpha search
	Resamples      int
	SampleFraction float64
	Seed           uint64
	Workers        int
	Logger         logrus.FieldLogger
}

func (fs *FeatureSelector) Flags(flags *flag.FlagSet) {
	flags.StringVar(&fs.Method, "select-method", selectRandomizedLasso, "feature selection `method`: rndlasso or lassocv")
	flags.Float64Var(&fs.Cutoff, "feature-cutoff", 0, "importance cutoff (0 = 0.5 for rndlasso, 0.001 for lassocv)")
	flags.IntVar(&fs.MaxRows, "select-max-rows", 300000, "subsample rows for the lasso alpha search")
	flags.IntVar(&fs.Resamples, "select-resamples", 500, "stability selection resamples")
	flags.Float64Var(&fs.SampleFraction, "select-fraction", 0.1, "fraction of rows in each stability selection resample")
	flags.Uint64Var(&fs.Seed, "seed", 42, "random seed")
}

func (fs *FeatureSelector) cutoff() float64 {
	if fs.Cutoff > 0 {
		return fs.Cutoff
	}
	if fs.Method == selectLassoCV {
		return 0.001
	}
	return 0.5
}

// Select scores each feature and retains those above the cutoff.
func (fs *FeatureSelector) Select(ctx context.Context, x *mat.Dense, resp []Response, names []string) (*FeatureImportance, error) {
	if fs.Method != selectRandomizedLasso && fs.Method != selectLassoCV {
		return nil, fmt.Errorf("unknown feature selection method %q (use rndlasso or lassocv)", fs.Method)
	}
	r, c := x.Dims()
	if c != len(names) {
		return nil, fmt.Errorf("feature selection: %d columns, %d names", c, len(names))
	}
	y, err := logitResponse(resp)
	if err != nil {
		return nil, err
	}
	cvcfg := lasso.DefaultCVConfig()
	cvcfg.Workers = fs.Workers
	if fs.Method == selectLassoCV {
		cvcfg.Folds = 10
	}
	cvcfg.NoRefit = true
	cvx, cvy := mat.Matrix(x), y
	if fs.MaxRows > 0 && r > fs.MaxRows {
		fs.Logger.Infof("subsampling %d of %d rows for the alpha search", fs.MaxRows, r)
		cvx, cvy = subsampleRows(x, y, fs.MaxRows, fs.Seed)
	}
	fs.Logger.WithFields(logrus.Fields{"folds": cvcfg.Folds, "features": c}).Info("running LassoCV")
	cv, err := lasso.CrossValidate(ctx, cvx, cvy, cvcfg)
	if err != nil {
		return nil, fmt.Errorf("LassoCV: %w", err)
	}
	fs.Logger.Infof("LassoCV alpha = %g", cv.Alpha)

	var scores []float64
	if fs.Method == selectLassoCV {
		model, err := lasso.Fit(x, y, cv.Alpha, cvcfg.Config)
		if err != nil {
			return nil, fmt.Errorf("lasso: %w", err)
		}
		scores = make([]float64, c)
		for j, b := range model.Coef {
			scores[j] = math.Abs(b)
		}
	} else {
		scfg := lasso.DefaultStabilityConfig()
		if fs.Resamples > 0 {
			scfg.Resamples = fs.Resamples
		}
		if fs.SampleFraction > 0 {
			scfg.SampleFraction = fs.SampleFraction
		}
		scfg.Seed = fs.Seed
		scfg.Workers = fs.Workers
		fs.Logger.WithFields(logrus.Fields{"resamples": scfg.Resamples, "fraction": scfg.SampleFraction}).Info("running stability selection")
		scores, err = lasso.StabilitySelection(ctx, x, y, cv.Alpha, scfg)
		if err != nil {
			return nil, fmt.Errorf("stability selection: %w", err)
		}
	}
	cutoff := fs.cutoff()
	selected, _ := featureScore(scores, names, cutoff)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no feature has importance > %g", cutoff)
	}
	fs.Logger.Infof("selected %d of %d features", len(selected), c)
	return &FeatureImportance{Names: names, Scores: scores, Cutoff: cutoff, Selected: selected}, nil
}

// featureScore returns the names and indices of features whose score
// exceeds cutoff.
func featureScore(scores []float64, names []string, cutoff float64) ([]string, []int) {
	var keep []string
	var idx []int
	for j, s := range scores {
		if s > cutoff {
			keep = append(keep, names[j])
			idx = append(idx, j)
		}
	}
	return keep, idx
}

// logitResponse returns logit((nMut+0.5)/(length*N)) for each bin.
func logitResponse(resp []Response) ([]float64, error) {
	y := make([]float64, len(resp))
	for i := range resp {
		r := &resp[i]
		p := (float64(r.NMut) + 0.5) / r.trials()
		y[i] = math.Log(p / (1 - p))
		if math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			return nil, fmt.Errorf("bin %s: mutation rate %g has no finite logit", r.BinID, p)
		}
	}
	return y, nil
}

// subsampleRows returns n rows of x and y chosen uniformly at random
// without replacement, in their original order.
func subsampleRows(x *mat.Dense, y []float64, n int, seed uint64) (*mat.Dense, []float64) {
	r, c := x.Dims()
	rows := rand.New(rand.NewSource(seed)).Perm(r)[:n]
	sort.Ints(rows)
	sx := mat.NewDense(n, c, nil)
	sy := make([]float64, n)
	for i, row := range rows {
		sx.SetRow(i, x.RawRowView(row))
		sy[i] = y[row]
	}
	return sx, sy
}
