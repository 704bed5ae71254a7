// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package gbm trains gradient boosted regression trees with a Poisson
// count objective and a per-row base margin (log exposure).
package gbm

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Params are the boosting hyperparameters. JSON names follow the
// conventional xgboost spelling so existing parameter files can be
// reused.
type Params struct {
	MaxDepth            int     `json:"max_depth"`
	Eta                 float64 `json:"eta"`
	Subsample           float64 `json:"subsample"`
	MaxDeltaStep        float64 `json:"max_delta_step"`
	Lambda              float64 `json:"lambda"`
	MinChildWeight      float64 `json:"min_child_weight"`
	MaxBins             int     `json:"max_bin"`
	NumRounds           int     `json:"num_boost_round"`
	EarlyStoppingRounds int     `json:"early_stopping_rounds"`
	VerboseEval         int     `json:"verbose_eval"`
	Seed                uint64  `json:"seed"`
}

func DefaultParams() Params {
	return Params{
		MaxDepth:            8,
		Eta:                 0.05,
		Subsample:           0.6,
		MaxDeltaStep:        1.2,
		Lambda:              1,
		MinChildWeight:      1,
		MaxBins:             256,
		NumRounds:           5000,
		EarlyStoppingRounds: 5,
		VerboseEval:         100,
	}
}

func (p Params) check() error {
	switch {
	case p.MaxDepth < 1:
		return fmt.Errorf("gbm: max_depth %d < 1", p.MaxDepth)
	case p.Eta <= 0:
		return fmt.Errorf("gbm: eta %g <= 0", p.Eta)
	case p.Subsample <= 0 || p.Subsample > 1:
		return fmt.Errorf("gbm: subsample %g out of range (0,1]", p.Subsample)
	case p.MaxBins < 2 || p.MaxBins > math.MaxUint16:
		return fmt.Errorf("gbm: max_bin %d out of range", p.MaxBins)
	case p.NumRounds < 1:
		return fmt.Errorf("gbm: num_boost_round %d < 1", p.NumRounds)
	case p.Lambda < 0:
		return fmt.Errorf("gbm: lambda %g < 0", p.Lambda)
	}
	return nil
}

// Dataset is a feature matrix with count labels and base margins.
type Dataset struct {
	X          *mat.Dense
	Label      []float64
	BaseMargin []float64
}

func (d *Dataset) check(nfeatures int) error {
	r, c := d.X.Dims()
	if r == 0 {
		return errors.New("gbm: empty dataset")
	}
	if nfeatures >= 0 && c != nfeatures {
		return fmt.Errorf("gbm: dataset has %d features, expected %d", c, nfeatures)
	}
	if len(d.Label) != r || len(d.BaseMargin) != r {
		return fmt.Errorf("gbm: %d rows but %d labels and %d margins", r, len(d.Label), len(d.BaseMargin))
	}
	return nil
}

// Booster is a trained ensemble.
type Booster struct {
	Params        Params
	NFeatures     int
	Trees         []Tree
	BestIteration int
	BestScore     float64
}

// Train boosts trees on train. If valid is non-nil, training stops
// when the validation Poisson negative log likelihood has not improved
// for EarlyStoppingRounds rounds, and the ensemble is truncated to the
// best round.
func Train(train, valid *Dataset, params Params, logger logrus.FieldLogger) (*Booster, error) {
	if err := params.check(); err != nil {
		return nil, err
	}
	if err := train.check(-1); err != nil {
		return nil, err
	}
	n, nf := train.X.Dims()
	if valid != nil {
		if err := valid.check(nf); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		logger = l
	}

	cols := make([][]float64, nf)
	for j := range cols {
		cols[j] = mat.Col(nil, j, train.X)
	}
	bnr := newBinner(cols, params.MaxBins)
	bins := make([][]uint16, nf)
	for j, col := range cols {
		bins[j] = make([]uint16, n)
		for i, v := range col {
			bins[j][i] = bnr.bin(j, v)
		}
	}

	bst := &Booster{Params: params, NFeatures: nf, BestScore: math.Inf(1)}
	margin := append([]float64(nil), train.BaseMargin...)
	var vmargin []float64
	if valid != nil {
		vmargin = append([]float64(nil), valid.BaseMargin...)
	}
	g := &growth{
		params: params,
		bins:   bins,
		binner: bnr,
		grad:   make([]float64, n),
		hess:   make([]float64, n),
	}
	rng := rand.New(rand.NewSource(params.Seed))
	rows := make([]int, 0, n)
	for round := 0; round < params.NumRounds; round++ {
		for i, m := range margin {
			mu := math.Exp(m)
			g.grad[i] = mu - train.Label[i]
			g.hess[i] = math.Exp(m + params.MaxDeltaStep)
		}
		rows = rows[:0]
		for i := 0; i < n; i++ {
			if params.Subsample >= 1 || rng.Float64() < params.Subsample {
				rows = append(rows, i)
			}
		}
		tree := Tree{}
		g.tree = &tree
		if len(rows) > 0 {
			g.grow(rows, 0)
		} else {
			tree.Nodes = []Node{{Feature: -1}}
		}
		bst.Trees = append(bst.Trees, tree)
		for i := range margin {
			margin[i] += tree.predict(train.X.RawRowView(i))
		}
		if valid == nil {
			bst.BestIteration = round
			continue
		}
		vr, _ := valid.X.Dims()
		for i := 0; i < vr; i++ {
			vmargin[i] += tree.predict(valid.X.RawRowView(i))
		}
		score := PoissonNegLogLik(vmargin, valid.Label)
		if params.VerboseEval > 0 && round%params.VerboseEval == 0 {
			logger.Infof("[%d]\teval-poisson-nloglik:%.6f", round, score)
		}
		if score < bst.BestScore {
			bst.BestScore = score
			bst.BestIteration = round
		} else if params.EarlyStoppingRounds > 0 && round-bst.BestIteration >= params.EarlyStoppingRounds {
			logger.Infof("stopping early at round %d, best round %d eval-poisson-nloglik:%.6f", round, bst.BestIteration, bst.BestScore)
			break
		}
	}
	bst.Trees = bst.Trees[:bst.BestIteration+1]
	return bst, nil
}

// Predict returns exp(base margin + tree outputs) for each row of x.
func (b *Booster) Predict(x *mat.Dense, baseMargin []float64) ([]float64, error) {
	r, c := x.Dims()
	if c != b.NFeatures {
		return nil, fmt.Errorf("gbm: input has %d features, model expects %d", c, b.NFeatures)
	}
	if len(baseMargin) != r {
		return nil, fmt.Errorf("gbm: %d rows but %d margins", r, len(baseMargin))
	}
	out := make([]float64, r)
	for i := range out {
		row := x.RawRowView(i)
		m := baseMargin[i]
		for t := range b.Trees {
			m += b.Trees[t].predict(row)
		}
		out[i] = math.Exp(m)
	}
	return out, nil
}

// GainImportance returns the average split gain of each feature over
// all splits that use it. Unused features are absent from the map.
func (b *Booster) GainImportance() map[int]float64 {
	sum := map[int]float64{}
	count := map[int]int{}
	for _, t := range b.Trees {
		for _, nd := range t.Nodes {
			if nd.Feature >= 0 {
				sum[nd.Feature] += nd.Gain
				count[nd.Feature]++
			}
		}
	}
	for j := range sum {
		sum[j] /= float64(count[j])
	}
	return sum
}

// PoissonNegLogLik returns the mean Poisson negative log likelihood of
// labels given log-scale margins.
func PoissonNegLogLik(margin, label []float64) float64 {
	if len(margin) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for i, m := range margin {
		y := label[i]
		lg, _ := math.Lgamma(y + 1)
		sum += math.Exp(m) - y*m + lg
	}
	return sum / float64(len(margin))
}
