// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/mat"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	WeightVar:      "weight",
	Log:            log.New(io.Discard, "", 0),
}

// glmModel is a binomial GLM with logit link. The response is the
// mutation rate nMut/(length*N) with frequency weight length*N.
type glmModel struct {
	Features []string
	Coef     []float64 // one per feature, intercept last
}

func (m *glmModel) Name() string { return "GLM" }

func (m *glmModel) Fit(ctx context.Context, x *mat.Dense, resp []Response) (pred []float64, err error) {
	if err := checkRows(x, resp); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, c := x.Dims()
	outcome := make([]statmodel.Dtype, r)
	weight := make([]statmodel.Dtype, r)
	intercept := make([]statmodel.Dtype, r)
	for i := range resp {
		t := resp[i].trials()
		if t <= 0 {
			return nil, fmt.Errorf("bin %s: length*N must be positive to fit the GLM", resp[i].BinID)
		}
		outcome[i] = float64(resp[i].NMut) / t
		weight[i] = t
		intercept[i] = 1
	}
	data := [][]statmodel.Dtype{outcome, weight}
	names := []string{"outcome", "weight"}
	for j := 0; j < c; j++ {
		data = append(data, mat.Col(nil, j, x))
		names = append(names, fmt.Sprintf("x%d", j))
	}
	data = append(data, intercept)
	names = append(names, "intercept")
	dataset := statmodel.NewDataset(data, names)

	defer func() {
		if e := recover(); e != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			pred, err = nil, fmt.Errorf("GLM fit failed: %v", e)
		}
	}()
	model, err := glm.NewGLM(dataset, "outcome", names[2:], glmConfig)
	if err != nil {
		return nil, err
	}
	params := model.Fit().Params()
	if len(params) != c+1 {
		return nil, fmt.Errorf("GLM fit returned %d parameters, expected %d", len(params), c+1)
	}
	m.Coef = append([]float64(nil), params...)
	return m.Predict(x, resp)
}

// Predict returns expit(x*beta)*length*N.
func (m *glmModel) Predict(x *mat.Dense, resp []Response) ([]float64, error) {
	if err := checkRows(x, resp); err != nil {
		return nil, err
	}
	r, c := x.Dims()
	if c+1 != len(m.Coef) {
		return nil, fmt.Errorf("GLM has %d coefficients, input has %d features", len(m.Coef)-1, c)
	}
	pred := make([]float64, r)
	for i := range pred {
		eta := m.Coef[c]
		for j, v := range x.RawRowView(i) {
			eta += v * m.Coef[j]
		}
		pred[i] = resp[i].trials() / (1 + math.Exp(-eta))
	}
	return pred, nil
}
