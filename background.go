// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/driverpower/driverpower/gbm"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// BackgroundModel predicts the expected number of mutations per bin.
type BackgroundModel interface {
	Name() string
	// Fit trains on x and returns predicted counts for the training
	// rows (fitted values, or out-of-fold predictions for models
	// trained by cross-validation).
	Fit(ctx context.Context, x *mat.Dense, resp []Response) ([]float64, error)
	Predict(x *mat.Dense, resp []Response) ([]float64, error)
}

func init() {
	gob.Register(&glmModel{})
	gob.Register(&gbmModel{})
}

// modelOptions carries the training configuration shared by all
// background models.
type modelOptions struct {
	Features  []string
	KFold     int
	GBMParams gbm.Params
	Workers   int
	Logger    logrus.FieldLogger
}

type modelSpec struct {
	new         func(modelOptions) BackgroundModel
	scale       bool // features are scaled before fitting
	lassoSelect bool // features are chosen by lasso selection
}

var backgroundModels = map[string]modelSpec{
	"GLM": {
		new: func(opts modelOptions) BackgroundModel {
			return &glmModel{Features: opts.Features}
		},
		scale:       true,
		lassoSelect: true,
	},
	"GBM": {
		new: func(opts modelOptions) BackgroundModel {
			return &gbmModel{
				Params:  opts.GBMParams,
				KFold:   opts.KFold,
				workers: opts.Workers,
				logger:  opts.Logger,
			}
		},
	},
}

func lookupModel(name string) (modelSpec, error) {
	spec, ok := backgroundModels[name]
	if !ok {
		var names []string
		for name := range backgroundModels {
			names = append(names, name)
		}
		sort.Strings(names)
		return modelSpec{}, fmt.Errorf("unknown model %q (use %s)", name, strings.Join(names, " or "))
	}
	return spec, nil
}

// baseMargin returns the log exposure log(length + 1/N) + log(N) of
// each bin.
func baseMargin(resp []Response) []float64 {
	m := make([]float64, len(resp))
	for i, r := range resp {
		n := float64(r.N)
		m[i] = math.Log(float64(r.Length)+1/n) + math.Log(n)
	}
	return m
}

func checkRows(x *mat.Dense, resp []Response) error {
	if r, _ := x.Dims(); r != len(resp) {
		return fmt.Errorf("feature matrix has %d rows, response has %d", r, len(resp))
	}
	return nil
}
