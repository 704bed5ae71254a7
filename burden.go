// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mathext"
)

// Burden test methods.
const (
	testAuto     = "auto"
	testBinomial = "binomial"
	testNegBinom = "negative_binomial"
)

// dispersionAlpha is the dispersion p-value above which the binomial
// test is used in auto mode.
const dispersionAlpha = 0.05

// BurdenTester computes one-sided p-values for observed counts
// exceeding the background prediction.
type BurdenTester struct {
	Method         string
	PvalDispersion float64
	Theta          float64
	Scale          float64 // multiplies Theta in the negative binomial test
	Logger         logrus.FieldLogger
}

// resolve returns the concrete test method.
func (bt *BurdenTester) resolve() (string, error) {
	switch bt.Method {
	case testAuto:
		if bt.PvalDispersion > dispersionAlpha {
			return testBinomial, nil
		}
		return testNegBinom, nil
	case testBinomial, testNegBinom:
		return bt.Method, nil
	default:
		return "", fmt.Errorf("unknown test method %q (use binomial, negative_binomial or auto)", bt.Method)
	}
}

// Test returns a p-value for each bin given the observed count, the
// predicted count and the number of trials.
func (bt *BurdenTester) Test(count, pred, exposure []float64) ([]float64, error) {
	if len(count) != len(pred) || len(count) != len(exposure) {
		return nil, fmt.Errorf("burden test: length mismatch (%d counts, %d predictions, %d exposures)", len(count), len(pred), len(exposure))
	}
	method, err := bt.resolve()
	if err != nil {
		return nil, err
	}
	pvals := make([]float64, len(count))
	switch method {
	case testBinomial:
		bt.Logger.Debug("using binomial test")
		for i, x := range count {
			pvals[i] = binomTestGreater(x, exposure[i], pred[i]/exposure[i])
		}
	case testNegBinom:
		theta := bt.Scale * bt.Theta
		bt.Logger.WithFields(logrus.Fields{"scale": bt.Scale, "theta": bt.Theta}).Debug("using negative binomial test")
		if theta < 0 {
			bt.Logger.Warnf("negative dispersion %g, using the Poisson limit", theta)
		}
		for i, x := range count {
			pvals[i] = negBinomTest(x, pred[i], theta)
		}
	}
	return pvals, nil
}

// binomTestGreater returns P(X >= x) for X ~ Binomial(n, p), with x
// and n truncated to integers. A success probability of 1 or more
// yields 1.
func binomTestGreater(x, n, p float64) float64 {
	x, n = math.Floor(x), math.Floor(n)
	switch {
	case math.IsNaN(x) || math.IsNaN(n) || math.IsNaN(p):
		return math.NaN()
	case p >= 1, x <= 0:
		return 1
	case x > n, p <= 0:
		return 0
	}
	return mathext.RegIncBeta(x, n-x+1, p)
}

// negBinomTest returns P(X >= x) for a negative binomial X with mean
// mu and dispersion theta (variance mu + theta*mu^2). theta <= 0 uses
// the Poisson limit.
func negBinomTest(x, mu, theta float64) float64 {
	if math.IsNaN(x) || math.IsNaN(mu) || math.IsNaN(theta) {
		return math.NaN()
	}
	k := math.Floor(x - 1)
	switch {
	case k < 0:
		return 1
	case mu <= 0:
		return 0
	case theta <= 0:
		return mathext.GammaIncReg(k+1, mu)
	}
	p := 1 / (theta*mu + 1)
	n := mu * p / (1 - p)
	return 1 - mathext.RegIncBeta(n, k+1, p)
}

// BHFDR returns Benjamini-Hochberg adjusted q-values. NaN p-values are
// excluded from the correction and yield NaN.
func BHFDR(p []float64) []float64 {
	q := make([]float64, len(p))
	idx := make([]int, 0, len(p))
	for i, v := range p {
		if math.IsNaN(v) {
			q[i] = math.NaN()
		} else {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })
	m := float64(len(idx))
	min := 1.0
	for r := len(idx) - 1; r >= 0; r-- {
		i := idx[r]
		if v := p[i] * m / float64(r+1); v < min {
			min = v
		}
		q[i] = min
	}
	return q
}

// Response modes select the count tested against the background.
const (
	responseGmean = "gmean"
	responseRaw   = "raw"
	responseMean  = "mean"
)

// testCount combines mutation and sample counts into the observed count
// used by the burden test.
func testCount(mode string, nMut, nSample float64) (float64, error) {
	switch mode {
	case responseGmean:
		return math.Sqrt(nMut * nSample), nil
	case responseRaw:
		return nMut, nil
	case responseMean:
		return (nMut + nSample) / 2, nil
	default:
		return 0, fmt.Errorf("unknown response mode %q (use gmean, raw or mean)", mode)
	}
}

// gmeanResponse converts binomial responses (successes, failures) to
// recurrence-adjusted responses: successes become
// floor(sqrt(recur*successes)) and the number of trials is unchanged.
func gmeanResponse(y [][2]int, recur []int) [][2]int {
	out := make([][2]int, len(y))
	for i, yi := range y {
		s := int(math.Sqrt(float64(recur[i]) * float64(yi[0])))
		out[i] = [2]int{s, yi[0] + yi[1] - s}
	}
	return out
}
