// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/driverpower/driverpower/gbm"
	"github.com/driverpower/driverpower/lasso"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// gbmModel is a Poisson boosted tree ensemble trained by k-fold
// cross-validation, one booster per fold.
type gbmModel struct {
	Params     gbm.Params
	KFold      int
	Folds      []*gbm.Booster
	Importance []float64 // mean gain per feature over folds

	workers int
	logger  logrus.FieldLogger
}

func (m *gbmModel) Name() string { return "GBM" }

// Fit trains one booster per contiguous fold, with early stopping on
// the held-out fold, and returns out-of-fold predictions.
func (m *gbmModel) Fit(ctx context.Context, x *mat.Dense, resp []Response) ([]float64, error) {
	if err := checkRows(x, resp); err != nil {
		return nil, err
	}
	n, nf := x.Dims()
	if m.KFold < 2 {
		return nil, fmt.Errorf("GBM needs at least 2 folds, got %d", m.KFold)
	}
	if n < m.KFold {
		return nil, fmt.Errorf("cannot split %d bins into %d folds", n, m.KFold)
	}
	label := make([]float64, n)
	for i := range resp {
		label[i] = float64(resp[i].NMut)
	}
	margin := baseMargin(resp)

	m.Folds = make([]*gbm.Booster, m.KFold)
	imps := make([]map[int]float64, m.KFold)
	oof := make([]float64, n)
	eg, ctx := errgroup.WithContext(ctx)
	if m.workers > 0 {
		eg.SetLimit(m.workers)
	}
	for k := 0; k < m.KFold; k++ {
		k := k
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			train, test := lasso.Fold(n, m.KFold, k)
			log := m.logger.WithField("fold", k+1)
			log.Infof("training on %d bins, validating on %d", len(train), len(test))
			valid := subset(x, label, margin, test)
			bst, err := gbm.Train(subset(x, label, margin, train), valid, m.Params, log)
			if err != nil {
				return fmt.Errorf("fold %d: %w", k+1, err)
			}
			pred, err := bst.Predict(valid.X, valid.BaseMargin)
			if err != nil {
				return err
			}
			for i, row := range test {
				oof[row] = pred[i]
			}
			m.Folds[k] = bst
			imps[k] = bst.GainImportance()
			log.Infof("best round %d", bst.BestIteration)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	m.Importance = make([]float64, nf)
	for _, imp := range imps {
		for j, v := range imp {
			m.Importance[j] += v / float64(m.KFold)
		}
	}
	return oof, nil
}

// Predict averages the predictions of the fold boosters.
func (m *gbmModel) Predict(x *mat.Dense, resp []Response) ([]float64, error) {
	if err := checkRows(x, resp); err != nil {
		return nil, err
	}
	if len(m.Folds) == 0 {
		return nil, fmt.Errorf("GBM model has no trained folds")
	}
	margin := baseMargin(resp)
	r, _ := x.Dims()
	out := make([]float64, r)
	for _, bst := range m.Folds {
		pred, err := bst.Predict(x, margin)
		if err != nil {
			return nil, err
		}
		for i, p := range pred {
			out[i] += p / float64(len(m.Folds))
		}
	}
	return out, nil
}

func subset(x *mat.Dense, label, margin []float64, rows []int) *gbm.Dataset {
	_, c := x.Dims()
	ds := &gbm.Dataset{
		X:          mat.NewDense(len(rows), c, nil),
		Label:      make([]float64, len(rows)),
		BaseMargin: make([]float64, len(rows)),
	}
	for i, row := range rows {
		ds.X.SetRow(i, x.RawRowView(row))
		ds.Label[i] = label[row]
		ds.BaseMargin[i] = margin[row]
	}
	return ds
}

// gbmParamFlags holds GBM parameters settable on the command line, and
// an optional JSON file whose values override them.
type gbmParamFlags struct {
	gbm.Params
	File string
}

func (p *gbmParamFlags) Flags(flags *flag.FlagSet) {
	def := gbm.DefaultParams()
	flags.IntVar(&p.MaxDepth, "gbm-max-depth", def.MaxDepth, "maximum tree depth")
	flags.Float64Var(&p.Eta, "gbm-eta", def.Eta, "learning rate")
	flags.Float64Var(&p.Subsample, "gbm-subsample", def.Subsample, "row subsample ratio")
	flags.Float64Var(&p.MaxDeltaStep, "gbm-max-delta-step", def.MaxDeltaStep, "maximum leaf output")
	flags.Float64Var(&p.Lambda, "gbm-lambda", def.Lambda, "L2 regularization on leaf weights")
	flags.Float64Var(&p.MinChildWeight, "gbm-min-child-weight", def.MinChildWeight, "minimum hessian sum in a leaf")
	flags.IntVar(&p.MaxBins, "gbm-max-bin", def.MaxBins, "maximum histogram bins per feature")
	flags.IntVar(&p.NumRounds, "gbm-rounds", def.NumRounds, "maximum boosting rounds")
	flags.IntVar(&p.EarlyStoppingRounds, "gbm-early-stopping", def.EarlyStoppingRounds, "stop after this many rounds without improvement")
	flags.IntVar(&p.VerboseEval, "gbm-verbose", def.VerboseEval, "log evaluation every N rounds (0 = never)")
	flags.StringVar(&p.File, "gbm-param", "", "JSON `file` with GBM parameters")
}

// load returns the parameters after applying the JSON file, if any.
func (p *gbmParamFlags) load() (gbm.Params, error) {
	params := p.Params
	if p.File == "" {
		return params, nil
	}
	buf, err := os.ReadFile(p.File)
	if err != nil {
		return params, err
	}
	if err := json.Unmarshal(buf, &params); err != nil {
		return params, fmt.Errorf("%s: %w", p.File, err)
	}
	return params, nil
}
