// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// DispersionTest tests the observed counts y for overdispersion
// relative to the predicted counts yhat. For each of k resamples
// (drawn with replacement, seeded by resample index) it regresses
// aux = ((y-yhat)^2 - yhat)/yhat on yhat without intercept, and
// returns the mean two-sided p-value and mean slope (theta). At most
// workers resamples run at once; workers < 1 means one per CPU.
func DispersionTest(y, yhat []float64, k, workers int, logger logrus.FieldLogger) (pval, theta float64, err error) {
	if len(y) != len(yhat) {
		return 0, 0, fmt.Errorf("dispersion test: %d observations, %d predictions", len(y), len(yhat))
	}
	if k < 1 {
		return 0, 0, fmt.Errorf("dispersion test: invalid number of resamples %d", k)
	}
	var obs, pred []float64
	for i, p := range yhat {
		if p > 0 && !math.IsNaN(y[i]) {
			obs = append(obs, y[i])
			pred = append(pred, p)
		}
	}
	if skip := len(y) - len(obs); skip > 0 {
		logger.Warnf("dispersion test: excluded %d bins with non-positive prediction", skip)
	}
	n := len(obs)
	if n < 2 {
		return 0, 0, errors.New("dispersion test: need at least 2 bins with positive prediction")
	}
	pvals := make([]float64, k)
	thetas := make([]float64, k)
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	thr := throttle{Max: workers}
	for i := 0; i < k; i++ {
		i := i
		thr.Go(func() error {
			rng := rand.New(rand.NewSource(uint64(i)))
			x := make([]float64, n)
			aux := make([]float64, n)
			for j := range x {
				s := rng.Intn(n)
				x[j] = pred[s]
				d := obs[s] - pred[s]
				aux[j] = (d*d - pred[s]) / pred[s]
			}
			pvals[i], thetas[i] = auxRegression(x, aux)
			return nil
		})
	}
	thr.Wait()
	for i := range pvals {
		pval += pvals[i]
		theta += thetas[i]
	}
	pval /= float64(k)
	theta /= float64(k)
	logger.WithFields(logrus.Fields{"pval": pval, "theta": theta}).Info("dispersion test")
	return pval, theta, nil
}

// auxRegression fits aux = beta*x by least squares and returns the
// two-sided t-test p-value of beta and beta itself.
func auxRegression(x, aux []float64) (pval, beta float64) {
	_, beta = stat.LinearRegression(x, aux, nil, true)
	var rss, sxx float64
	for i, xi := range x {
		r := aux[i] - beta*xi
		rss += r * r
		sxx += xi * xi
	}
	df := float64(len(x) - 1)
	se := math.Sqrt(rss / df / sxx)
	if !(se > 0) {
		if beta == 0 {
			return 1, beta
		}
		return 0, beta
	}
	t := beta / se
	pval = 2 * distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.Survival(math.Abs(t))
	return pval, beta
}
