// Copyright (C) The DriverPower Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package driverpower

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/check.v1"
)

type dispersionSuite struct{}

var _ = check.Suite(&dispersionSuite{})

// counts draws negative binomial counts (Poisson if theta == 0) with
// means uniform in [5, 20].
func counts(n int, theta float64, seed uint64) (y, mu []float64) {
	src := rand.NewSource(seed)
	unif := distuv.Uniform{Min: 5, Max: 20, Src: src}
	y = make([]float64, n)
	mu = make([]float64, n)
	for i := range y {
		mu[i] = unif.Rand()
		lambda := mu[i]
		if theta > 0 {
			lambda = distuv.Gamma{Alpha: 1 / theta, Beta: 1 / (theta * mu[i]), Src: src}.Rand()
		}
		y[i] = distuv.Poisson{Lambda: lambda, Src: src}.Rand()
	}
	return y, mu
}

func (s *dispersionSuite) TestOverdispersed(c *check.C) {
	y, mu := counts(2000, 1, 1)
	pval, theta, err := DispersionTest(y, mu, 100, 0, quietLogger())
	c.Assert(err, check.IsNil)
	c.Check(pval < 0.05, check.Equals, true, check.Commentf("pval %g", pval))
	c.Check(theta > 0.6 && theta < 1.4, check.Equals, true, check.Commentf("theta %g", theta))
}

func (s *dispersionSuite) TestPoisson(c *check.C) {
	y, mu := counts(2000, 0, 2)
	pval, theta, err := DispersionTest(y, mu, 100, 0, quietLogger())
	c.Assert(err, check.IsNil)
	c.Check(math.Abs(theta) < 0.1, check.Equals, true, check.Commentf("theta %g", theta))
	c.Check(pval >= 0 && pval <= 1, check.Equals, true)
}

// Results do not depend on how many resamples run at once.
func (s *dispersionSuite) TestDeterministic(c *check.C) {
	y, mu := counts(300, 0.5, 3)
	p1, t1, err := DispersionTest(y, mu, 20, 1, quietLogger())
	c.Assert(err, check.IsNil)
	p2, t2, err := DispersionTest(y, mu, 20, 4, quietLogger())
	c.Assert(err, check.IsNil)
	c.Check(p1, check.Equals, p2)
	c.Check(t1, check.Equals, t2)
}

func (s *dispersionSuite) TestSkipsNonPositive(c *check.C) {
	y, mu := counts(200, 0.5, 4)
	y = append(y, 3, 5)
	mu = append(mu, 0, -1)
	_, theta, err := DispersionTest(y, mu, 10, 0, quietLogger())
	c.Check(err, check.IsNil)
	c.Check(math.IsNaN(theta) || math.IsInf(theta, 0), check.Equals, false)

	_, _, err = DispersionTest([]float64{1, 2}, []float64{0, 0}, 10, 0, quietLogger())
	c.Check(err, check.ErrorMatches, `dispersion test: need at least 2 bins.*`)
	_, _, err = DispersionTest([]float64{1, 2}, []float64{1}, 10, 0, quietLogger())
	c.Check(err, check.NotNil)
}
