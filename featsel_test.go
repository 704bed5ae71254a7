// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"context"
	"fmt"
	"math"

	"github.com/driverpower/driverpower/lasso"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/check.v1"
)

type featselSuite struct{}

var _ = check.Suite(&featselSuite{})

// rateBins returns n bins whose mutation rate is expit(-8 + x0); x1
// and x2 are noise.
func rateBins(n int, seed uint64) (*mat.Dense, []Response) {
	src := rand.NewSource(seed)
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	x := mat.NewDense(n, 3, nil)
	resp := make([]Response, n)
	for i := range resp {
		for j := 0; j < 3; j++ {
			x.Set(i, j, norm.Rand())
		}
		r := Response{BinID: fmt.Sprintf("bin%04d", i), Length: 2000, N: 50}
		rate := 1 / (1 + math.Exp(8-x.At(i, 0)))
		r.NMut = int(distuv.Binomial{N: r.trials(), P: rate, Src: src}.Rand())
		r.NSample = r.NMut
		if r.NSample > r.N {
			r.NSample = r.N
		}
		resp[i] = r
	}
	return x, resp
}

func (s *featselSuite) TestFeatureScore(c *check.C) {
	names, idx := featureScore([]float64{0.2, 0.6, 0.9}, []string{"a", "b", "c"}, 0.5)
	c.Check(names, check.DeepEquals, []string{"b", "c"})
	c.Check(idx, check.DeepEquals, []int{1, 2})
	names, idx = featureScore([]float64{0.5, 0.1}, []string{"a", "b"}, 0.5)
	c.Check(names, check.HasLen, 0)
	c.Check(idx, check.HasLen, 0)
}

func (s *featselSuite) TestLogitResponse(c *check.C) {
	y, err := logitResponse([]Response{{BinID: "a", Length: 10, NMut: 4, N: 1}})
	c.Assert(err, check.IsNil)
	c.Check(closeTo(y[0], math.Log(0.45/0.55), 1e-12), check.Equals, true)
	_, err = logitResponse([]Response{{BinID: "z", Length: 0, NMut: 0, N: 1}})
	c.Check(err, check.ErrorMatches, `bin z: .*`)
}

func (s *featselSuite) TestRandomizedLasso(c *check.C) {
	x, resp := rateBins(300, 1)
	fs := &FeatureSelector{
		Method:         selectRandomizedLasso,
		MaxRows:        200,
		Resamples:      40,
		SampleFraction: 0.5,
		Seed:           7,
		Workers:        4,
		Logger:         quietLogger(),
	}
	fi, err := fs.Select(context.Background(), x, resp, []string{"x0", "x1", "x2"})
	c.Assert(err, check.IsNil)
	c.Check(fi.Cutoff, check.Equals, 0.5)
	c.Check(fi.Scores, check.HasLen, 3)
	c.Check(fi.Scores[0], check.Equals, 1.0)
	c.Check(fi.Selected[0], check.Equals, "x0")
	for _, v := range fi.Scores {
		c.Check(v >= 0 && v <= 1, check.Equals, true)
	}
}

func (s *featselSuite) TestLassoCV(c *check.C) {
	x, resp := rateBins(300, 2)
	fs := &FeatureSelector{Method: selectLassoCV, Logger: quietLogger()}
	fi, err := fs.Select(context.Background(), x, resp, []string{"x0", "x1", "x2"})
	c.Assert(err, check.IsNil)
	c.Check(fi.Cutoff, check.Equals, 0.001)
	c.Check(fi.Scores[0] > 0.5, check.Equals, true, check.Commentf("scores %v", fi.Scores))
	c.Check(fi.Selected[0], check.Equals, "x0")

	fs.Cutoff = 100
	_, err = fs.Select(context.Background(), x, resp, []string{"x0", "x1", "x2"})
	c.Check(err, check.ErrorMatches, `no feature has importance > 100`)

	fs.Method = "boruta"
	_, err = fs.Select(context.Background(), x, resp, []string{"x0", "x1", "x2"})
	c.Check(err, check.ErrorMatches, `unknown feature selection method "boruta".*`)
}

// The alpha search may use a row subsample, but importance comes from
// a fit on every row.
func (s *featselSuite) TestLassoCVSubsample(c *check.C) {
	x, resp := rateBins(300, 5)
	fs := &FeatureSelector{Method: selectLassoCV, MaxRows: 100, Seed: 3, Logger: quietLogger()}
	fi, err := fs.Select(context.Background(), x, resp, []string{"x0", "x1", "x2"})
	c.Assert(err, check.IsNil)

	y, err := logitResponse(resp)
	c.Assert(err, check.IsNil)
	sx, sy := subsampleRows(x, y, 100, 3)
	cfg := lasso.DefaultCVConfig()
	cfg.Folds = 10
	cfg.NoRefit = true
	cv, err := lasso.CrossValidate(context.Background(), sx, sy, cfg)
	c.Assert(err, check.IsNil)
	full, err := lasso.Fit(x, y, cv.Alpha, cfg.Config)
	c.Assert(err, check.IsNil)
	sub, err := lasso.Fit(sx, sy, cv.Alpha, cfg.Config)
	c.Assert(err, check.IsNil)
	for j := range fi.Scores {
		c.Check(fi.Scores[j], check.Equals, math.Abs(full.Coef[j]))
	}
	c.Check(fi.Scores[0] == math.Abs(sub.Coef[0]), check.Equals, false)
}

func (s *featselSuite) TestSubsampleRows(c *check.C) {
	x := mat.NewDense(10, 1, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	y := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	sx, sy := subsampleRows(x, y, 4, 1)
	c.Check(sy, check.HasLen, 4)
	for i := range sy {
		c.Check(sx.At(i, 0), check.Equals, sy[i])
		if i > 0 {
			c.Check(sy[i] > sy[i-1], check.Equals, true)
		}
	}
}
